package tapmeta

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ReadCapability fetches {serviceURL}/capabilities and summarises it.
func ReadCapability(ctx context.Context, doer Doer, serviceURL string) (*Capability, error) {
	url := joinURL(serviceURL, "capabilities")
	body, err := get(ctx, doer, url)
	if err != nil {
		return nil, fmt.Errorf("read capabilities: %w", err)
	}
	defer func() { _ = body.Close() }()

	capab, err := parseCapabilities(body)
	if err != nil {
		return nil, fmt.Errorf("read capabilities %s: %w", url, err)
	}
	return capab, nil
}

type xmlCapabilities struct {
	Capabilities []struct {
		StandardID string `xml:"standardID,attr"`
		Languages  []struct {
			Name     string   `xml:"name"`
			Versions []string `xml:"version"`
		} `xml:"language"`
		OutputFormats []struct {
			Mime string `xml:"mime"`
		} `xml:"outputFormat"`
		UploadMethods []struct {
			IvoID string `xml:"ivo-id,attr"`
		} `xml:"uploadMethod"`
	} `xml:"capability"`
}

func parseCapabilities(r io.Reader) (*Capability, error) {
	var doc xmlCapabilities
	if err := decodeFirst(r, "capabilities", &doc); err != nil {
		return nil, err
	}

	out := &Capability{}
	for _, c := range doc.Capabilities {
		if c.StandardID != "" {
			out.StandardIDs = append(out.StandardIDs, c.StandardID)
		}
		for _, l := range c.Languages {
			name := strings.TrimSpace(l.Name)
			if len(l.Versions) == 0 {
				out.Languages = append(out.Languages, name)
			}
			for _, v := range l.Versions {
				out.Languages = append(out.Languages, name+"-"+strings.TrimSpace(v))
			}
		}
		for _, f := range c.OutputFormats {
			out.OutputFormats = append(out.OutputFormats, strings.TrimSpace(f.Mime))
		}
		for _, u := range c.UploadMethods {
			out.UploadMethods = append(out.UploadMethods, u.IvoID)
		}
	}
	return out, nil
}

// ReadResource fetches a VOResource record, such as a registry GetRecord
// response, and extracts the descriptive fields.
func ReadResource(ctx context.Context, doer Doer, recordURL string) (*Resource, error) {
	body, err := get(ctx, doer, recordURL)
	if err != nil {
		return nil, fmt.Errorf("read resource: %w", err)
	}
	defer func() { _ = body.Close() }()

	var doc struct {
		Title      string `xml:"title"`
		ShortName  string `xml:"shortName"`
		Identifier string `xml:"identifier"`
		Publisher  string `xml:"curation>publisher"`
		Content    struct {
			Description  string `xml:"description"`
			ReferenceURL string `xml:"referenceURL"`
		} `xml:"content"`
	}
	if err := decodeFirst(body, "Resource", &doc); err != nil {
		return nil, fmt.Errorf("read resource %s: %w", recordURL, err)
	}
	return &Resource{
		Identifier:   strings.TrimSpace(doc.Identifier),
		ShortName:    strings.TrimSpace(doc.ShortName),
		Title:        strings.TrimSpace(doc.Title),
		Publisher:    strings.TrimSpace(doc.Publisher),
		Description:  strings.TrimSpace(doc.Content.Description),
		ReferenceURL: strings.TrimSpace(doc.Content.ReferenceURL),
	}, nil
}

// decodeFirst decodes the first element with the given local name into v.
func decodeFirst(r io.Reader, local string, v any) error {
	dec := xml.NewDecoder(r)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("no %s element", local)
		}
		if err != nil {
			return err
		}
		if start, ok := tok.(xml.StartElement); ok && start.Name.Local == local {
			return dec.DecodeElement(v, &start)
		}
	}
}
