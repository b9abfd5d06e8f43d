package tracker

import (
	"encoding/json"
	"regexp"
	"strings"
)

// metadataPattern matches the hidden HTML comment marker this package
// embeds in agent-authored comments to tag them for later recognition
// (e.g. distinguishing a blocking question from a human reply).
var metadataPattern = regexp.MustCompile(`(?s)<!--\s*agent-grid:meta\s*(\{.*?\})\s*-->`)

// EmbedMetadata appends a hidden metadata marker to a comment body.
func EmbedMetadata(body string, metadata map[string]interface{}) (string, error) {
	b, err := json.Marshal(metadata)
	if err != nil {
		return "", err
	}
	return body + "\n\n<!-- agent-grid:meta " + string(b) + " -->", nil
}

// ExtractMetadata returns the embedded metadata object, or nil if the
// comment carries none or it fails to parse.
func ExtractMetadata(body string) map[string]interface{} {
	m := metadataPattern.FindStringSubmatch(body)
	if m == nil {
		return nil
	}
	var out map[string]interface{}
	if err := json.Unmarshal([]byte(m[1]), &out); err != nil {
		return nil
	}
	return out
}

// StripMetadata removes the embedded marker, if present.
func StripMetadata(body string) string {
	return strings.TrimSpace(metadataPattern.ReplaceAllString(body, ""))
}
