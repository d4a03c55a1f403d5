package security

import (
	"strings"
	"unicode"
)

// MaskChar replaces hidden characters in display values.
const MaskChar = '*'

// Mask hides all but the last visibleSuffix runes of value. For display only.
func Mask(value string, visibleSuffix int) string {
	runes := []rune(value)
	if visibleSuffix < 0 {
		visibleSuffix = 0
	}
	if len(runes) <= visibleSuffix {
		return value
	}

	hidden := len(runes) - visibleSuffix
	return strings.Repeat(string(MaskChar), hidden) + string(runes[hidden:])
}

// NormalizeEmail lower-cases and trims an email for exact-match lookup.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// NormalizePhone keeps a leading '+' and the digits of a phone number so
// formatting differences hash identically.
func NormalizePhone(phone string) string {
	phone = strings.TrimSpace(phone)
	var b strings.Builder
	for i, r := range phone {
		if i == 0 && r == '+' {
			b.WriteRune(r)
			continue
		}
		if unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// NormalizeNationalID strips separators and upper-cases a national id.
func NormalizeNationalID(id string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(id) {
		if r == '-' || r == ' ' || r == '.' {
			continue
		}
		b.WriteRune(unicode.ToUpper(r))
	}
	return b.String()
}
