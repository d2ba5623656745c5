package cloudflared

import (
	"regexp"
	"strings"
)

// cloudflared prints the browser login URL as free-form log text, so
// the match is deliberately loose: any https URL on a cloudflare host.
// If the tool's output format changes, this is the only place to touch.
var loginURLRe = regexp.MustCompile(`https://\S*cloudflare\S*`)

// ExtractURL scans one line of process output for a login URL.
// Readiness and URL detection are the two fragile string-matching
// integration points with cloudflared; both live in this package.
func ExtractURL(line string) (string, bool) {
	match := loginURLRe.FindString(line)
	if match == "" {
		return "", false
	}
	// Log lines may quote or bracket the URL
	match = strings.TrimRight(match, `"'`+"`)].,")
	return match, true
}

// Readiness and fatal markers in `tunnel run` output. cloudflared logs
// one "Registered tunnel connection" line per established connection.
var readinessMarkers = []string{
	"Registered tunnel connection",
	"Connection registered",
}

var fatalMarkers = []string{
	"Cannot determine default origin certificate path",
	"Couldn't decode tunnel credentials",
	"tunnel credentials file not found",
	"failed to build tunnel configuration",
	"Unauthorized: Failed to get tunnel",
}

// IsReady reports whether a line of tunnel output signals an
// established tunnel connection
func IsReady(line string) bool {
	for _, m := range readinessMarkers {
		if strings.Contains(line, m) {
			return true
		}
	}
	return false
}

// IsFatal reports whether a line of tunnel output signals a startup
// error that will not resolve on its own
func IsFatal(line string) bool {
	for _, m := range fatalMarkers {
		if strings.Contains(line, m) {
			return true
		}
	}
	return false
}
