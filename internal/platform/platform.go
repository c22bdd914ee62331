// Package platform normalizes source platform labels for directory layout
// and display.
package platform

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Known platform labels with conventional display casing.
var displayNames = map[string]string{
	"youtube":   "YouTube",
	"tiktok":    "TikTok",
	"instagram": "Instagram",
	"twitter":   "Twitter",
	"x":         "X",
	"facebook":  "Facebook",
	"vimeo":     "Vimeo",
}

// Normalize returns the canonical lowercase label used for the per-platform
// artifact subdirectory. Unknown or empty labels fall back to "other".
func Normalize(label string) string {
	cleaned := strings.ToLower(strings.TrimSpace(label))
	cleaned = strings.ReplaceAll(cleaned, " ", "-")
	cleaned = strings.ReplaceAll(cleaned, "/", "-")
	if cleaned == "" {
		return "other"
	}
	return cleaned
}

// Display returns the human-readable form of a platform label.
func Display(label string) string {
	normalized := Normalize(label)
	if name, ok := displayNames[normalized]; ok {
		return name
	}
	if normalized == "other" {
		return "the source site"
	}
	// cases.Caser carries state and is not safe for concurrent use.
	return cases.Title(language.English).String(normalized)
}
