package intake

import (
	"strings"
	"time"
)

// ValidIDNumber checks a South African identity number: 13 digits, a real
// YYMMDD birth date, a citizenship digit of 0, 1 or 2 and a Luhn check digit.
func ValidIDNumber(id string) bool {
	if len(id) != 13 || !allDigits(id) {
		return false
	}
	if _, err := time.Parse("060102", id[:6]); err != nil {
		return false
	}
	if c := id[10]; c != '0' && c != '1' && c != '2' {
		return false
	}
	return luhnValid(id)
}

// CheckDigit returns the Luhn digit that completes a 12 digit prefix.
func CheckDigit(prefix string) byte {
	for d := byte('0'); d <= '9'; d++ {
		if luhnValid(prefix + string(d)) {
			return d
		}
	}
	return '0'
}

// IDDetails are the facts encoded in an identity number.
type IDDetails struct {
	DateOfBirth time.Time
	Gender      string
	Citizen     bool
}

// ParseIDNumber decodes birth date, gender and citizenship from a valid ID.
// Two digit years that would land in the future are placed in the previous
// century.
func ParseIDNumber(id string, now time.Time) (IDDetails, bool) {
	if !ValidIDNumber(id) {
		return IDDetails{}, false
	}
	dob, _ := time.Parse("060102", id[:6])
	if dob.After(now) {
		dob = dob.AddDate(-100, 0, 0)
	}
	gender := "F"
	if id[6] >= '5' {
		gender = "M"
	}
	return IDDetails{DateOfBirth: dob, Gender: gender, Citizen: id[10] == '0'}, true
}

func luhnValid(s string) bool {
	if s == "" || !allDigits(s) {
		return false
	}
	sum := 0
	double := false
	for i := len(s) - 1; i >= 0; i-- {
		d := int(s[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

func allDigits(s string) bool {
	return s != "" && strings.Trim(s, "0123456789") == ""
}
