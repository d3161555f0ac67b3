package security

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"
)

const maxFilenameLength = 120

var ErrUnsafePath = errors.New("unsafe path")

// SanitizeFilename reduces an uploaded file name to a single path element that is safe
// to join onto a storage directory. Letters and digits of any script are kept.
func SanitizeFilename(name string) string {
	name = strings.TrimSpace(name)
	name = name[strings.LastIndexAny(name, `/\`)+1:]

	var b strings.Builder
	for _, r := range name {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
			b.WriteRune(r)
		case r == '.', r == '-', r == '_':
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteRune('_')
		}
	}

	cleaned := strings.TrimLeft(b.String(), ".")
	if len(cleaned) > maxFilenameLength {
		ext := filepath.Ext(cleaned)
		if len(ext) > 16 {
			ext = ""
		}
		cleaned = truncateRunes(cleaned[:len(cleaned)-len(ext)], maxFilenameLength-len(ext)) + ext
	}
	if cleaned == "" {
		return "upload"
	}
	return cleaned
}

// SafeJoin joins name onto dir and rejects anything that would escape dir.
func SafeJoin(dir, name string) (string, error) {
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, name)
	}
	return filepath.Join(dir, name), nil
}

func truncateRunes(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}
