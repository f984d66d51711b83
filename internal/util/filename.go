package util

import (
	"fmt"
	"strings"
)

// characters that are unsafe in filenames on at least one supported platform
var filenameReplacer = strings.NewReplacer(
	"/", "-",
	"\\", "-",
	":", " -",
	"*", "",
	"?", "",
	"\"", "'",
	"<", "(",
	">", ")",
	"|", "-",
	"\x00", "",
)

// SanitiseFilename makes a string safe to use as a file or directory name.
func SanitiseFilename(name string) string {
	cleaned := filenameReplacer.Replace(name)
	cleaned = strings.TrimSpace(cleaned)
	cleaned = strings.Trim(cleaned, ".")
	if cleaned == "" {
		return "untitled"
	}
	// Keep names comfortably under common filesystem limits.
	if len(cleaned) > 180 {
		cleaned = cleaned[:180]
	}
	return cleaned
}

// ArchiveFilename builds the canonical archive name for a chapter, e.g.
// "One Piece - v12 c103.cbz". Volume is omitted when unknown (zero).
func ArchiveFilename(title string, volume int, number float64) string {
	var b strings.Builder
	b.WriteString(SanitiseFilename(title))
	b.WriteString(" -")
	if volume > 0 {
		fmt.Fprintf(&b, " v%02d", volume)
	}
	if number == float64(int64(number)) {
		fmt.Fprintf(&b, " c%03d", int64(number))
	} else {
		fmt.Fprintf(&b, " c%05.1f", number)
	}
	b.WriteString(".cbz")
	return b.String()
}
