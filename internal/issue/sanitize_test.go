package issue

import "testing"

func TestSanitize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"plain text", "plain text"},
		{"<b>bold</b>", "&lt;b&gt;bold&lt;&#x2F;b&gt;"},
		{`say "hi" & 'bye'`, "say &quot;hi&quot; & &#x27;bye&#x27;"},
		{"A & B", "A & B"},
	}

	for _, tt := range tests {
		if got := Sanitize(tt.in); got != tt.want {
			t.Fatalf("Sanitize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
