package match

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "empty config", cfg: Config{}},
		{name: "valid include", cfg: Config{Includes: []string{"ivoa.*"}}},
		{name: "valid with excludes", cfg: Config{Includes: []string{"*"}, Excludes: []string{"tap_schema.*"}}},
		{name: "blank patterns skipped", cfg: Config{Includes: []string{"  "}}},
		{name: "invalid include", cfg: Config{Includes: []string{"[invalid"}}, wantErr: true},
		{name: "invalid exclude", cfg: Config{Excludes: []string{"{a,b"}}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := New(tt.cfg)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidPattern))
				var pe *PatternError
				assert.ErrorAs(t, err, &pe)
				assert.Nil(t, m)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, m)
		})
	}
}

func TestMatcher_Match(t *testing.T) {
	tests := []struct {
		name     string
		includes []string
		excludes []string
		table    string
		expected bool
	}{
		{"no patterns", nil, nil, "ivoa.obscore", true},
		{"schema glob", []string{"ivoa.*"}, nil, "ivoa.obscore", true},
		{"schema glob miss", []string{"ivoa.*"}, nil, "tap_schema.tables", false},
		{"case insensitive name", []string{"ivoa.*"}, nil, "IVOA.ObsCore", true},
		{"case insensitive pattern", []string{"IVOA.OBS*"}, nil, "ivoa.obscore", true},
		{"alternation", []string{"*.obs{core,plan}"}, nil, "ivoa.obsplan", true},
		{"character class", []string{"gaia.dr[23]*"}, nil, "gaia.dr3source", true},
		{"any include", []string{"a.*", "b.*"}, nil, "b.x", true},
		{"excluded", []string{"*"}, []string{"tap_schema.*"}, "tap_schema.columns", false},
		{"exclude only", nil, []string{"tap_schema.*"}, "ivoa.obscore", true},
		{"exclude wins", []string{"ivoa.*"}, []string{"*.obscore"}, "ivoa.obscore", false},
		{"unqualified name", []string{"obscore"}, nil, "obscore", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := New(Config{Includes: tt.includes, Excludes: tt.excludes})
			require.NoError(t, err)
			assert.Equal(t, tt.expected, m.Match(tt.table))
		})
	}
}

func TestFilter(t *testing.T) {
	names := []string{"ivoa.obscore", "ivoa.collections", "tap_schema.tables"}
	id := func(s string) string { return s }

	m, err := New(Config{Includes: []string{"ivoa.*"}, Excludes: []string{"*.collections"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"ivoa.obscore"}, Filter(m, names, id))

	empty, err := New(Config{})
	require.NoError(t, err)
	assert.Equal(t, names, Filter(empty, names, id))
	assert.Equal(t, names, Filter[string](nil, names, id))
}

func TestPatterns(t *testing.T) {
	m, err := New(Config{Includes: []string{"IVOA.*"}, Excludes: []string{" x.* "}})
	require.NoError(t, err)
	assert.Equal(t, []string{"ivoa.*"}, m.IncludePatterns())
	assert.Equal(t, []string{"x.*"}, m.ExcludePatterns())
}

func TestPatternError(t *testing.T) {
	err := &PatternError{Pattern: "[x", Err: ErrInvalidPattern}
	assert.Equal(t, "pattern [x: invalid glob pattern", err.Error())
	assert.ErrorIs(t, err, ErrInvalidPattern)
}
