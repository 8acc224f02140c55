// Package target canonicalizes monitored broadcast identities. Raw inputs
// come in several shapes (bare user IDs, prefixed identifiers, full URLs with
// trailing noise); all of them fold onto one canonical address so that two
// spellings of the same broadcaster count as a single target.
package target

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// Domain is the host all canonical targets live under.
const Domain = "twitcasting.tv"

// Prefixes for linked-account identifiers, kept verbatim in the URL path.
const (
	PrefixChannel   = "c:"
	PrefixGoogle    = "g:"
	PrefixInstagram = "ig:"
	PrefixFacebook  = "f:"
)

var bareIDPattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// Normalize folds a raw target spelling onto its canonical address.
// It returns an error for inputs that cannot belong to the monitored domain.
func Normalize(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("target: empty input")
	}

	// Bare user ID.
	if bareIDPattern.MatchString(s) {
		return fmt.Sprintf("https://%s/%s", Domain, s), nil
	}

	// Prefixed identifier (c:foo, g:123, ...).
	for _, p := range []string{PrefixGoogle, PrefixInstagram, PrefixFacebook} {
		if strings.HasPrefix(s, p) && len(s) > len(p) {
			return fmt.Sprintf("https://%s/%s", Domain, s), nil
		}
	}
	if strings.HasPrefix(s, PrefixChannel) && len(s) > len(PrefixChannel) {
		// The channel prefix is shorthand; the site serves these at the bare path.
		return fmt.Sprintf("https://%s/%s", Domain, s[len(PrefixChannel):]), nil
	}

	// URL form: strip the /broadcaster suffix, force https, drop trailing slash.
	s = regexp.MustCompile(`/broadcaster/?$`).ReplaceAllString(s, "")
	if !strings.HasPrefix(s, "http") {
		s = fmt.Sprintf("https://%s/%s", Domain, strings.TrimPrefix(s, "/"))
	}
	u, err := url.Parse(s)
	if err != nil {
		return "", fmt.Errorf("target: parse %q: %w", raw, err)
	}
	if !strings.Contains(u.Host, Domain) {
		return "", fmt.Errorf("target: %q is not a %s address", raw, Domain)
	}
	u.Scheme = "https"
	u.Fragment = ""
	u.RawQuery = ""
	return strings.TrimRight(u.String(), "/"), nil
}

// BuildURL resolves the address a recording should capture. A non-empty hint
// wins; otherwise the target identifier is normalized.
func BuildURL(t, hint string) (string, error) {
	if hint != "" {
		return hint, nil
	}
	return Normalize(t)
}

// UserID extracts the path identity from a canonical address. Returns the
// input unchanged when it is not a URL.
func UserID(canonical string) string {
	u, err := url.Parse(canonical)
	if err != nil || u.Path == "" {
		return canonical
	}
	return strings.Trim(u.Path, "/")
}

// SafeID converts a target identifier into a filesystem- and job-id-safe
// token.
func SafeID(t string) string {
	r := strings.NewReplacer(":", "_", "/", "_", "@", "_", ".", "_")
	return r.Replace(UserID(t))
}
