package connpool

import "testing"

func TestCanonicalizeHost(t *testing.T) {
	t.Parallel()

	cases := []struct {
		host string
		want string
	}{
		{"gmail.com", "gmail.com"},
		{"imap.gmail.com", "gmail.com"},
		{"mail.google.com", "gmail.com"},
		{"outlook.office365.com", "outlook.office365.com"},
		{"imap-mail.outlook.com", "outlook.office365.com"},
		{"imap.mail.yahoo.com", "yahoo.com"},
		{"imap.zoho.com", "zoho.com"},
		{"127.0.0.1.protonmail.com", "protonmail.com"},
		{"IMAP.STRATO.DE", "imap.strato.de"},
		{"imap.example.net", "imap.example.net"},
	}

	for _, c := range cases {
		if got := canonicalizeHost(c.host); got != c.want {
			t.Errorf("canonicalizeHost(%q) = %q, want %q", c.host, got, c.want)
		}
	}
}

func TestDefaultIdleSupported(t *testing.T) {
	t.Parallel()

	if !DefaultIdleSupported("gmail.com") {
		t.Error("gmail.com should default idle_supported=true")
	}
	if DefaultIdleSupported("imap.strato.de") {
		t.Error("strato.de should default idle_supported=false")
	}
	if !DefaultIdleSupported("imap.some-unknown-host.example") {
		t.Error("unknown hosts should default idle_supported=true (optimistic)")
	}
}
