// Package auth supplies credentials to VO service requests and reports
// who the service thinks the caller is.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Provider adds credentials to outgoing requests.
type Provider interface {
	// Name identifies the authentication method, e.g. "anonymous".
	Name() string

	// Authorize decorates req with credentials.
	Authorize(req *http.Request) error
}

// Anonymous sends no credentials.
type Anonymous struct{}

func (Anonymous) Name() string                  { return "anonymous" }
func (Anonymous) Authorize(*http.Request) error { return nil }

// Basic sends HTTP Basic credentials.
type Basic struct {
	Username string
	Password string
}

func (Basic) Name() string { return "basic" }

func (b Basic) Authorize(req *http.Request) error {
	if b.Username == "" {
		return errors.New("basic auth requires a username")
	}
	req.SetBasicAuth(b.Username, b.Password)
	return nil
}

// Bearer sends a bearer token.
type Bearer struct {
	Token string
}

func (Bearer) Name() string { return "bearer" }

func (b Bearer) Authorize(req *http.Request) error {
	if b.Token == "" {
		return errors.New("bearer auth requires a token")
	}
	req.Header.Set("Authorization", "Bearer "+b.Token)
	return nil
}

// TokenClaims are the identity claims carried by a JWT bearer token.
type TokenClaims struct {
	Subject string
	Issuer  string
	Expires time.Time
}

// Claims parses the token as a JWT without verifying its signature. The
// service verifies the token; the client only reads it for display.
func (b Bearer) Claims() (TokenClaims, error) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(b.Token, &claims); err != nil {
		return TokenClaims{}, fmt.Errorf("parse bearer token: %w", err)
	}
	tc := TokenClaims{Subject: claims.Subject, Issuer: claims.Issuer}
	if claims.ExpiresAt != nil {
		tc.Expires = claims.ExpiresAt.Time
	}
	return tc, nil
}

// FromCredentials picks a provider: a token selects Bearer, a username
// selects Basic, otherwise Anonymous.
func FromCredentials(token, username, password string) Provider {
	switch {
	case token != "":
		return Bearer{Token: token}
	case username != "":
		return Basic{Username: username, Password: password}
	default:
		return Anonymous{}
	}
}
