package geocode

import "strings"

var canadianProvinces = map[string]bool{
	"AB": true, "BC": true, "MB": true, "NB": true, "NL": true, "NS": true, "NT": true,
	"NU": true, "ON": true, "PE": true, "QC": true, "SK": true, "YT": true,
}

var usStates = map[string]bool{
	"AL": true, "AK": true, "AZ": true, "AR": true, "CA": true, "CO": true, "CT": true, "DE": true,
	"FL": true, "GA": true, "HI": true, "ID": true, "IL": true, "IN": true, "IA": true, "KS": true,
	"KY": true, "LA": true, "ME": true, "MD": true, "MA": true, "MI": true, "MN": true, "MS": true,
	"MO": true, "MT": true, "NE": true, "NV": true, "NH": true, "NJ": true, "NM": true, "NY": true,
	"NC": true, "ND": true, "OH": true, "OK": true, "OR": true, "PA": true, "RI": true, "SC": true,
	"SD": true, "TN": true, "TX": true, "UT": true, "VT": true, "VA": true, "WA": true, "WV": true,
	"WI": true, "WY": true, "DC": true,
}

// InferCountry normalizes a "City, Region" string and infers a country code
// ("ca", "us" or "") from the region segment. It also returns the cache key.
func InferCountry(city string) (query, country, cacheKey string) {
	query = NormalizeCity(city)

	var parts []string
	for _, p := range strings.Split(query, ",") {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) >= 2 {
		region := strings.ReplaceAll(strings.ToUpper(parts[1]), ".", "")
		switch {
		case canadianProvinces[region]:
			country = "ca"
		case usStates[region]:
			country = "us"
		}
	}

	keyCountry := country
	if keyCountry == "" {
		keyCountry = "any"
	}
	cacheKey = strings.ToLower(query) + "|" + keyCountry
	return query, country, cacheKey
}
