package tracker

import "testing"

func TestEmbedExtractRoundTrip(t *testing.T) {
	body, err := EmbedMetadata("hello world", map[string]interface{}{"kind": "question", "n": float64(3)})
	if err != nil {
		t.Fatalf("EmbedMetadata: %v", err)
	}

	got := ExtractMetadata(body)
	if got == nil {
		t.Fatal("ExtractMetadata returned nil")
	}
	if got["kind"] != "question" {
		t.Errorf("kind = %v, want question", got["kind"])
	}
	if got["n"] != float64(3) {
		t.Errorf("n = %v, want 3", got["n"])
	}
}

func TestExtractMetadataAbsent(t *testing.T) {
	if got := ExtractMetadata("plain comment, no marker"); got != nil {
		t.Errorf("expected nil, got %v", got)
	}
}

func TestStripMetadata(t *testing.T) {
	body, err := EmbedMetadata("visible text", map[string]interface{}{"kind": "x"})
	if err != nil {
		t.Fatalf("EmbedMetadata: %v", err)
	}
	stripped := StripMetadata(body)
	if stripped != "visible text" {
		t.Errorf("StripMetadata = %q, want %q", stripped, "visible text")
	}
}
