// Package redact hides credentials embedded in stream and upload URLs before
// they are logged or printed
package redact

import (
	"net/url"
	"regexp"
)

var (
	// scheme://user:password@ where the URL failed to parse
	userinfoPattern = regexp.MustCompile(`(?i)([a-z][a-z0-9+.-]*://[^:/@\s]+:)([^@\s]+)@`)
	// token=..., key=..., password=... in a query string
	queryPattern = regexp.MustCompile(`(?i)([?&](?:token|key|password|passwd|secret|auth|sig)=)([^&#\s]+)`)

	// Replacement text
	redactedText = "[REDACTED]"
)

// URL returns raw with the userinfo password and secret-looking query
// parameters replaced. Unparseable input is redacted by pattern.
func URL(raw string) string {
	if raw == "" {
		return raw
	}

	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		return Text(raw)
	}

	if u.User != nil {
		if _, hasPassword := u.User.Password(); hasPassword {
			u.User = url.UserPassword(u.User.Username(), redactedText)
		}
	}
	if u.RawQuery != "" {
		q := u.Query()
		changed := false
		for k := range q {
			if queryPattern.MatchString("?" + k + "=x") {
				q.Set(k, redactedText)
				changed = true
			}
		}
		if changed {
			u.RawQuery = q.Encode()
		}
	}

	// url.URL.String escapes the brackets in the placeholder
	return unescapePlaceholder(u.String())
}

// Text redacts every URL-embedded credential found in free text
func Text(text string) string {
	text = userinfoPattern.ReplaceAllString(text, "${1}"+redactedText+"@")
	return queryPattern.ReplaceAllString(text, "${1}"+redactedText)
}

// ContainsCredentials reports whether text carries a URL credential
func ContainsCredentials(text string) bool {
	return userinfoPattern.MatchString(text) || queryPattern.MatchString(text)
}

var escapedPlaceholder = regexp.MustCompile(`%5BREDACTED%5D`)

func unescapePlaceholder(s string) string {
	return escapedPlaceholder.ReplaceAllString(s, redactedText)
}
