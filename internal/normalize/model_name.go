// Package normalize implements the bit-exact model-name normalization
// contract. The store does not call it: GetOrCreateModel looks up and
// inserts model rows under the name exactly as passed.
package normalize

import (
	"regexp"
	"strings"
)

var pathPrefixPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^accounts/fireworks/models/`),
	regexp.MustCompile(`^models/`),
	regexp.MustCompile(`^[^/]+/`),
}

var versionTokens = []struct {
	from string
	to   string
}{
	{"v3p3", "3.3"},
	{"v3p2", "3.2"},
	{"v3p1", "3.1"},
	{"v2p5", "2.5"},
	{"v2p0", "2.0"},
	{"v1p5", "1.5"},
}

var familyTokens = regexp.MustCompile(`(?i)llama|mixtral|mistral|qwen`)

var collapseDashes = regexp.MustCompile(`-+`)

// sizeSuffix matches a digit run followed by an upper-case B, either at the
// end of the name or immediately before a "-" separator (e.g. "70B-instruct").
var sizeSuffix = regexp.MustCompile(`(\d+)B(-|$)`)

// ModelName normalizes a raw, provider-reported model identifier into its
// canonical form. It is idempotent:
// ModelName(ModelName(x)) == ModelName(x).
func ModelName(raw string) string {
	name := strings.TrimSpace(raw)
	if name == "" {
		return name
	}

	// Step 1: strip leading path segments, repeating until none is left, so
	// a nested prefix ("openrouter/openai/...") is removed in a single pass.
	for stripping := true; stripping; {
		stripping = false
		for _, pattern := range pathPrefixPatterns {
			if stripped := pattern.ReplaceAllString(name, ""); stripped != name {
				name = stripped
				stripping = true
				break
			}
		}
	}

	// Step 2: version tokens.
	for _, vt := range versionTokens {
		name = strings.ReplaceAll(name, vt.from, vt.to)
	}

	// Step 3: lowercase known family tokens.
	name = familyTokens.ReplaceAllStringFunc(name, strings.ToLower)

	// Step 4: normalize suffix casing.
	name = strings.ReplaceAll(name, "-Instruct", "-instruct")
	name = strings.ReplaceAll(name, "_instruct", "-instruct")

	// Step 5: underscores to hyphens.
	name = strings.ReplaceAll(name, "_", "-")

	// Step 6: collapse repeated hyphens.
	name = collapseDashes.ReplaceAllString(name, "-")

	// Step 7: lowercase the "B" size suffix (70B -> 70b, 405B- -> 405b-).
	name = sizeSuffix.ReplaceAllString(name, "${1}b${2}")

	return name
}
