package utils

import (
	"net/url"

	"github.com/grafana/regexp"
)

// xtreamCredsRe matches the credential segments of an Xtream-style path
// (/live/USER/PASS/..., /movie/USER/PASS/..., etc.) so they can be masked
// before a URL reaches the logs.
var xtreamCredsRe = regexp.MustCompile(`/(live|movie|series|timeshift)/([^/]+)/([^/]+)/`)

// RedactURL masks the password segment of an Xtream-style upstream URL and
// any userinfo/query in other URLs. Safe to call with arbitrary strings;
// unparseable input is fully masked rather than leaked.
func RedactURL(raw string) string {
	if raw == "" {
		return ""
	}
	if xtreamCredsRe.MatchString(raw) {
		return xtreamCredsRe.ReplaceAllString(raw, "/$1/$2/********/")
	}
	return ObfuscateURL(raw)
}

// ObfuscateURL masks path, query and fragment of a URL, keeping only the
// scheme and host for log correlation.
func ObfuscateURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "***REDACTED***"
	}
	result := u.Scheme + "://" + u.Host
	if u.Path != "" && u.Path != "/" {
		result += "/***"
	}
	if u.RawQuery != "" {
		result += "?***"
	}
	if u.Fragment != "" {
		result += "#***"
	}
	return result
}

// LogURL returns a log-safe rendition of a URL. When obfuscate is false the
// credential segments are still masked; full obfuscation additionally hides
// the whole path.
func LogURL(obfuscate bool, raw string) string {
	if obfuscate {
		return ObfuscateURL(raw)
	}
	return RedactURL(raw)
}
