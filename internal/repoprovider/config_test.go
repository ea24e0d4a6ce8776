package repoprovider

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestSanitizeSlug(t *testing.T) {
	cases := []struct {
		in     string
		maxLen int
		want   string
	}{
		{"github.com/acme/widget", 64, "github-com-acme-widget"},
		{"Fix Bug #123!!", 64, "fix-bug-123"},
		{"", 64, ""},
		{"---leading-and-trailing---", 64, "leading-and-trailing"},
		{"a-very-long-descriptive-task-title-that-exceeds-the-limit", 10, "a-very-lon"},
	}
	for _, tc := range cases {
		if got := SanitizeSlug(tc.in, tc.maxLen); got != tc.want {
			t.Errorf("SanitizeSlug(%q, %d) = %q, want %q", tc.in, tc.maxLen, got, tc.want)
		}
	}
}

func TestSanitizeSlugTruncationNeverEndsInHyphen(t *testing.T) {
	got := SanitizeSlug("abc---def---ghi", 7)
	if strings.HasSuffix(got, "-") {
		t.Errorf("truncated slug must not end in a hyphen, got %q", got)
	}
}

func TestNormalizeBranchPrefix(t *testing.T) {
	cases := map[string]string{
		"":            "acp-agent/",
		"   ":         "acp-agent/",
		"custom/":     "custom/",
		"  custom/  ": "custom/",
	}
	for in, want := range cases {
		if got := NormalizeBranchPrefix(in); got != want {
			t.Errorf("NormalizeBranchPrefix(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestExpandedBasePathLeavesAbsolutePathUntouched(t *testing.T) {
	got, err := ExpandedBasePath("/var/lib/acp-bridge")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "/var/lib/acp-bridge" {
		t.Errorf("expected absolute path untouched, got %q", got)
	}
}

func TestExpandedBasePathExpandsTilde(t *testing.T) {
	got, err := ExpandedBasePath("~/acp-bridge")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !filepath.IsAbs(got) || strings.Contains(got, "~") {
		t.Errorf("expected tilde expanded to an absolute path, got %q", got)
	}
}
