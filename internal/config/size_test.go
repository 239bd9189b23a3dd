package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSize(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"", 0},
		{"0", 0},
		{"1024", 1024},
		{"4KB", 4000},
		{"4KiB", 4096},
		{"4.5MiB", 4718592},
		{"1GB", 1_000_000_000},
		{"1GiB", 1073741824},
		{"2 MiB", 2097152},
	}

	for _, tt := range tests {
		got, err := ParseSize(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestParseSize_Invalid(t *testing.T) {
	for _, in := range []string{"abc", "-5", "12XB", "MiB"} {
		_, err := ParseSize(in)
		assert.Error(t, err, in)
	}
}
