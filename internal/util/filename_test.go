package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitiseFilename(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"plain", "One Piece", "One Piece"},
		{"slashes", "Fate/Stay Night", "Fate-Stay Night"},
		{"colon", "Re:Zero", "Re -Zero"},
		{"wildcards", "What*?", "What"},
		{"empty", "", "untitled"},
		{"dots only", "...", "untitled"},
		{"quotes", `He said "go"`, "He said 'go'"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, SanitiseFilename(tt.input))
		})
	}
}

func TestArchiveFilename(t *testing.T) {
	assert.Equal(t, "One Piece - v12 c103.cbz", ArchiveFilename("One Piece", 12, 103))
	assert.Equal(t, "One Piece - c004.cbz", ArchiveFilename("One Piece", 0, 4))
	assert.Equal(t, "One Piece - v03 c010.5.cbz", ArchiveFilename("One Piece", 3, 10.5))
	assert.Equal(t, "Fate-Stay Night - c001.cbz", ArchiveFilename("Fate/Stay Night", 0, 1))
}
