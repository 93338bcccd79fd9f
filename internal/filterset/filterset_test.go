package filterset

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kstaniek/go-canary/internal/can"
)

func TestParseDefaults(t *testing.T) {
	s, err := Parse([]byte(`
filters:
  - id: 0x123
  - id: 0x18FEF100
    mask: 0x00FFFF00
    extended: true
`))
	require.NoError(t, err)
	assert.Equal(t, JoinAny, s.Join)
	require.Len(t, s.Filters, 2)

	f := s.Filters[0]
	assert.Equal(t, uint32(0x123), f.ID())
	assert.Equal(t, uint32(can.CAN_SFF_MASK), f.IDMask())
	assert.False(t, f.MatchesExtendedFormat())
	assert.False(t, f.MatchesRemoteTransmission())
	assert.False(t, f.Negation())

	f = s.Filters[1]
	assert.Equal(t, uint32(0x00FFFF00), f.IDMask())
	assert.True(t, f.MatchesExtendedFormat())
	assert.True(t, f.ExtendedFormat())
}

func TestParseFlags(t *testing.T) {
	s, err := Parse([]byte(`
join: all
filters:
  - id: 0x100
    mask: 0x700
    remote: false
    extended: false
  - id: 0x1FF
    invert: true
`))
	require.NoError(t, err)
	assert.Equal(t, JoinAll, s.Join)
	f := s.Filters[0]
	assert.True(t, f.MatchesRemoteTransmission())
	assert.False(t, f.RemoteTransmission())
	assert.True(t, f.MatchesExtendedFormat())
	assert.False(t, f.ExtendedFormat())
	assert.True(t, s.Filters[1].Negation())

	assert.True(t, s.Matches(0x123))
	assert.False(t, s.Matches(0x1FF), "excluded by inverted rule")
	assert.False(t, s.Matches(0x223), "outside the id range")
	assert.False(t, s.Matches(can.CAN_RTR_FLAG|0x123), "remote frames excluded")
	assert.False(t, s.Matches(can.CAN_EFF_FLAG|0x123), "extended frames excluded")
}

func TestParseExtendedDefaultMask(t *testing.T) {
	s, err := Parse([]byte("filters:\n  - id: 0x1ABCDEF\n"))
	require.NoError(t, err)
	assert.Equal(t, uint32(can.CAN_EFF_MASK), s.Filters[0].IDMask())
}

func TestParseEmptyList(t *testing.T) {
	s, err := Parse([]byte("filters: []\n"))
	require.NoError(t, err)
	assert.Empty(t, s.Filters)
	assert.False(t, s.Matches(0x1), "empty set accepts nothing")
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"bad join", "join: maybe\nfilters: []\n", "invalid join"},
		{"id too wide", "filters:\n  - id: 0x20000000\n", "exceeds 29 bits"},
		{"mask too wide", "filters:\n  - id: 1\n    mask: 0xFFFFFFFF\n", "exceeds 29 bits"},
		{"std id too wide", "filters:\n  - id: 0x800\n    extended: false\n", "standard frame"},
		{"unknown key", "filters:\n  - id: 1\n    rtr: true\n", "rtr"},
		{"not yaml", "filters: [", "parse filter set"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
	_, err := Parse(nil)
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestParseTooMany(t *testing.T) {
	var b strings.Builder
	b.WriteString("filters:\n")
	for i := 0; i <= MaxFilters; i++ {
		b.WriteString("  - id: 1\n")
	}
	_, err := Parse([]byte(b.String()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kernel limit")
}

func TestParseAtKernelLimit(t *testing.T) {
	require.Equal(t, can.MaxFilters, MaxFilters)
	var b strings.Builder
	b.WriteString("filters:\n")
	for i := 0; i < can.MaxFilters; i++ {
		b.WriteString("  - id: 1\n")
	}
	set, err := Parse([]byte(b.String()))
	require.NoError(t, err)
	assert.Len(t, set.Filters, can.MaxFilters)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "filters.yaml")
	require.NoError(t, os.WriteFile(path, []byte("join: any\nfilters:\n  - id: 0x42\n"), 0o644))
	s, err := Load(path)
	require.NoError(t, err)
	require.Len(t, s.Filters, 1)
	assert.Equal(t, uint32(0x42), s.Filters[0].ID())

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
