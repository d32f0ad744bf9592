package core

import "testing"

func TestValidateKey(t *testing.T) {
	cases := []struct {
		key   string
		want  string
		valid bool
	}{
		{"a/b.pdf", "a/b.pdf", true},
		{"a//b/./c", "a/b/c", true},
		{"v1..2.pdf", "v1..2.pdf", true},
		{"", "", false},
		{"   ", "", false},
		{"/etc/passwd", "", false},
		{"a/../../b", "", false},
	}
	for _, tc := range cases {
		got, err := ValidateKey(tc.key)
		if tc.valid && (err != nil || got != tc.want) {
			t.Fatalf("ValidateKey(%q) = %q, %v; want %q", tc.key, got, err, tc.want)
		}
		if !tc.valid && err == nil {
			t.Fatalf("ValidateKey(%q) expected error", tc.key)
		}
	}
}

func TestDocumentKey(t *testing.T) {
	if got := DocumentKey("eng", "abc", `C:\Users\me\payroll.xlsx`); got != "engagements/eng/documents/abc/payroll.xlsx" {
		t.Fatalf("unexpected key %q", got)
	}
	if got := DocumentKey("eng", "abc", "../"); got != "engagements/eng/documents/abc/document" {
		t.Fatalf("unexpected key for traversal name %q", got)
	}
	if _, err := ValidateKey(DocumentKey("eng", "abc", "x/../../y")); err != nil {
		t.Fatalf("document keys must always validate: %v", err)
	}
}
