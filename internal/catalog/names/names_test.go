package names

import "testing"

func TestCanonical(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"CSSVS", "cssvs", true},
		{"  CSSVS10 ", "CSSVS10", true},
		{"ＣＳＳＶＳ", "CSSVS", true}, // full-width
		{"CSSVS", "CSSVS10", false},
	}
	for _, tt := range tests {
		if got := Equal(tt.a, tt.b); got != tt.want {
			t.Errorf("Equal(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}
