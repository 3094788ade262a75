package logger

import "strings"

// RedactPhone masks a phone number for safe logging, keeping the
// country prefix and last two digits.
// "+15551234567" → "+1*******67"
// Numbers with fewer than 6 digits are fully masked.
func RedactPhone(phone string) string {
	digits := 0
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			digits++
		}
	}
	if digits < 6 {
		return "***"
	}

	var b strings.Builder
	seen := 0
	for _, r := range phone {
		isDigit := r >= '0' && r <= '9'
		if isDigit {
			seen++
		}
		// Keep the first digit (country code position) and the last two.
		if !isDigit || seen <= 1 || seen > digits-2 {
			b.WriteRune(r)
		} else {
			b.WriteRune('*')
		}
	}
	return b.String()
}
