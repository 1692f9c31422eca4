package places

import "strings"

// nicheTags maps niche substrings to OSM craft values, checked in order.
var nicheTags = []struct {
	substr string
	tag    string
}{
	{"hvac", "hvac"},
	{"plumb", "plumber"},
	{"electric", "electrician"},
	{"roof", "roofer"},
	{"paint", "painter"},
	{"landscap", "gardener"},
	{"garden", "gardener"},
	{"clean", "cleaning"},
}

const maxNicheLength = 64

// CategoryForNiche maps free-text niche to an OSM category tag. Unmatched input
// falls back to the sanitized token itself.
func CategoryForNiche(niche string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(niche) {
		if (r >= 'a' && r <= 'z') || r == '_' {
			b.WriteRune(r)
			if b.Len() == maxNicheLength {
				break
			}
		}
	}
	token := b.String()
	for _, m := range nicheTags {
		if strings.Contains(token, m.substr) {
			return m.tag
		}
	}
	return token
}
