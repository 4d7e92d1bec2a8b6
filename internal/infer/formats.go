package infer

import (
	"regexp"
	"strings"
)

// Detector order is fixed. A value is classified by the first detector that
// matches, so a UUID is never reported as a slug and a date-time is never
// reported as a date. Reordering this table changes inference output.
var formatDetectors = []struct {
	name  string
	match func(string) bool
}{
	{"date-time", dateTimeRE.MatchString},
	{"date", dateRE.MatchString},
	{"time", timeRE.MatchString},
	{"email", emailRE.MatchString},
	{"uri", uriRE.MatchString},
	{"uuid", uuidRE.MatchString},
	{"hostname", isHostname},
	{"ipv4", ipv4RE.MatchString},
	{"ipv6", ipv6RE.MatchString},
	{"semver", semverRE.MatchString},
	{"country-code", countryRE.MatchString},
	{"currency-code", currencyRE.MatchString},
	{"language-code", languageRE.MatchString},
	{"mime-type", mimeRE.MatchString},
	{"base64", isBase64},
	{"jwt", isJWT},
	{"slug", isSlug},
	{"phone", phoneRE.MatchString},
}

var (
	dateTimeRE = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(\.\d+)?(Z|[+-]\d{2}:?\d{2})?$`)
	dateRE     = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	timeRE     = regexp.MustCompile(`^\d{2}:\d{2}:\d{2}(\.\d+)?$`)
	emailRE    = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)
	uriRE      = regexp.MustCompile(`^(https?|ftp|file)://[^\s/$.?#].[^\s]*$`)
	uuidRE     = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
	hostnameRE = regexp.MustCompile(`^([a-zA-Z0-9]|[a-zA-Z0-9][a-zA-Z0-9-]*[a-zA-Z0-9])(\.([a-zA-Z0-9]|[a-zA-Z0-9][a-zA-Z0-9-]*[a-zA-Z0-9]))+$`)
	ipv4RE     = regexp.MustCompile(`^((25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\.){3}(25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)$`)
	ipv6RE     = regexp.MustCompile(`^([0-9a-fA-F]{1,4}:){7}[0-9a-fA-F]{1,4}$|^::$|^([0-9a-fA-F]{1,4}:){1,7}:$`)
	semverRE   = regexp.MustCompile(`^(0|[1-9]\d*)\.(0|[1-9]\d*)\.(0|[1-9]\d*)(-[a-zA-Z0-9]+(\.[a-zA-Z0-9]+)*)?(\+[a-zA-Z0-9]+(\.[a-zA-Z0-9]+)*)?$`)
	countryRE  = regexp.MustCompile(`^[A-Z]{2}$`)
	currencyRE = regexp.MustCompile(`^[A-Z]{3}$`)
	languageRE = regexp.MustCompile(`^[a-z]{2}$`)
	mimeRE     = regexp.MustCompile(`^(application|audio|font|image|message|model|multipart|text|video)/[a-z0-9][a-z0-9.+-]*$`)
	base64RE   = regexp.MustCompile(`^[A-Za-z0-9+/]+=*$`)
	jwtSegRE   = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	slugRE     = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)+$`)
	phoneRE    = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)
)

// isHostname requires a dot and at least one letter so that dotted numbers
// fall through to the ipv4 and semver detectors.
func isHostname(s string) bool {
	if len(s) > 253 || !strings.ContainsAny(s, "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ") {
		return false
	}
	return hostnameRE.MatchString(s)
}

// isBase64 only accepts plausibly encoded payloads: short alphanumeric
// words match the alphabet but are far more likely to be plain strings.
func isBase64(s string) bool {
	return len(s) >= 16 && len(s)%4 == 0 && base64RE.MatchString(s)
}

// isJWT matches header.payload.signature where the header is base64url of a
// JSON object (always starts with "eyJ").
func isJWT(s string) bool {
	parts := strings.Split(s, ".")
	if len(parts) != 3 || !strings.HasPrefix(parts[0], "eyJ") {
		return false
	}
	return jwtSegRE.MatchString(parts[0]) && jwtSegRE.MatchString(parts[1]) &&
		(parts[2] == "" || jwtSegRE.MatchString(parts[2]))
}

// isSlug requires at least two hyphen-separated tokens; a bare lowercase
// word carries no slug signal.
func isSlug(s string) bool {
	return slugRE.MatchString(s)
}

// DetectFormat classifies a string value, returning "" when no detector
// matches. Whitespace-only values never match.
func DetectFormat(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	for _, d := range formatDetectors {
		if d.match(value) {
			return d.name
		}
	}
	return ""
}
