package connpool

import "strings"

// canonicalizeHost groups identical mailbox infrastructure behind a single
// capacity budget. Unknown hosts are keyed by their raw lowercase hostname.
func canonicalizeHost(host string) string {
	h := strings.ToLower(strings.TrimSpace(host))

	switch {
	case h == "gmail.com" || strings.HasSuffix(h, ".google.com") || strings.HasSuffix(h, "gmail.com"):
		return "gmail.com"
	case strings.HasPrefix(h, "outlook.") || strings.HasPrefix(h, "office365.") ||
		strings.Contains(h, "outlook.office365.com") || strings.Contains(h, "outlook.com"):
		return "outlook.office365.com"
	case strings.Contains(h, "yahoo."):
		return "yahoo.com"
	case strings.Contains(h, "zoho."):
		return "zoho.com"
	case strings.Contains(h, "protonmail.") || strings.Contains(h, "proton.me"):
		return "protonmail.com"
	default:
		return h
	}
}

// knownGoodIdleHosts default idle_supported = true.
var knownGoodIdleHosts = map[string]bool{
	"gmail.com":               true,
	"outlook.office365.com":   true,
	"yahoo.com":               true,
	"zoho.com":                true,
	"protonmail.com":          true,
}

// knownBadIdleHosts default idle_supported = false — shared-hosting
// providers known not to support (or badly support) IDLE.
var knownBadIdleHosts = map[string]bool{
	"strato.de": true,
	"1and1.com": true,
	"ionos.com": true,
}

// DefaultIdleSupported is the IDLE gating default: known-good ⇒ true,
// known-bad ⇒ false, unknown ⇒ true (optimistic).
func DefaultIdleSupported(host string) bool {
	canon := canonicalizeHost(host)
	for bad := range knownBadIdleHosts {
		if canon == bad || strings.HasSuffix(canon, "."+bad) {
			return false
		}
	}
	return true
}
