package resolver

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// FoldLabel strips diacritics, uppercases and trims s: "Dépendance " -> "DEPENDANCE".
func FoldLabel(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	return strings.ToUpper(strings.TrimSpace(folded))
}

// PropertyTypeCode derives the stable code of a property type label.
// "Local industriel. commercial ou assimilé" -> "LOCAL_INDUSTRIEL__COMMERCIAL_OU_ASSIMILE"
func PropertyTypeCode(label string) string {
	folded := FoldLabel(label)
	var b strings.Builder
	b.Grow(len(folded))
	for _, r := range folded {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// NormalizeInseeCode trims code and left pads it with zeros to five characters.
// It returns false when the code is empty or longer than five characters.
func NormalizeInseeCode(code string) (string, bool) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" || len(code) > 5 {
		return "", false
	}
	return strings.Repeat("0", 5-len(code)) + code, true
}

// DepartmentCodeOf returns the department code embedded in a normalized INSEE code.
// Overseas communes (97x, 98x) carry a three character department code.
func DepartmentCodeOf(insee string) string {
	if len(insee) < 3 {
		return ""
	}
	if strings.HasPrefix(insee, "97") || strings.HasPrefix(insee, "98") {
		return insee[:3]
	}
	return insee[:2]
}
