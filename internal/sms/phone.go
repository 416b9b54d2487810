package sms

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/nyaruka/phonenumbers"
)

// ErrInvalidPhoneNumber is returned when a phone number cannot be parsed or validated.
var ErrInvalidPhoneNumber = errors.New("invalid phone number")

// DefaultCountryCode is assumed for numbers without an international prefix.
const DefaultCountryCode = "+86"

const (
	minNationalLength = 6
	maxNationalLength = 15
	unknownRegion     = "ZZ"
)

var (
	leadingSplitRe = regexp.MustCompile(`^(\d{1,4})(.*)$`)

	// Country-specific national number rules. Countries without an entry
	// accept any 6-15 digit national number.
	nationalRules = map[string]*regexp.Regexp{
		"+86": regexp.MustCompile(`^1[3-9]\d{9}$`),
	}
)

// PhoneNumber is a number split into its international parts.
// E164 is always CountryCode + NationalNumber.
type PhoneNumber struct {
	CountryCode    string `json:"country_code"`
	NationalNumber string `json:"national_number"`
	E164           string `json:"e164"`
}

func newPhoneNumber(countryCode, national string) PhoneNumber {
	return PhoneNumber{
		CountryCode:    countryCode,
		NationalNumber: national,
		E164:           countryCode + national,
	}
}

// Valid applies the per-country rules to an already parsed number.
func (n PhoneNumber) Valid() bool {
	if len(n.CountryCode) < 2 || !isDigits(n.CountryCode[1:]) {
		return false
	}
	if re, ok := nationalRules[n.CountryCode]; ok {
		return re.MatchString(n.NationalNumber)
	}
	l := len(n.NationalNumber)
	return isDigits(n.NationalNumber) && l >= minNationalLength && l <= maxNationalLength
}

// PhoneParser turns free-form phone strings into PhoneNumbers.
// The zero value uses DefaultCountryCode.
type PhoneParser struct {
	DefaultCountryCode string
}

func (p PhoneParser) defaultCode() string {
	cc := strings.TrimSpace(p.DefaultCountryCode)
	if cc == "" {
		return DefaultCountryCode
	}
	if !strings.HasPrefix(cc, "+") {
		cc = "+" + cc
	}
	return cc
}

// Parse never fails: malformed input still yields a best-effort number under
// the default country code. Parsing an E164 result again returns the same E164.
func (p PhoneParser) Parse(raw string) PhoneNumber {
	s := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) || r == '-' {
			return -1
		}
		return r
	}, raw)

	switch {
	case strings.HasPrefix(s, "+"):
		cc, national := splitCountryCode(s[1:])
		return newPhoneNumber("+"+cc, national)
	case strings.HasPrefix(s, "00"):
		cc, national := splitCountryCode(s[2:])
		return newPhoneNumber("+"+cc, national)
	default:
		// Domestic 11-digit mobiles and anything unrecognised both take the
		// default country code.
		return newPhoneNumber(p.defaultCode(), s)
	}
}

// IsValid reports whether raw parses to a number that passes its country's rules.
func (p PhoneParser) IsValid(raw string) bool {
	return p.Parse(raw).Valid()
}

// Normalize returns the E.164 form of raw, or ErrInvalidPhoneNumber.
func (p PhoneParser) Normalize(raw string) (string, error) {
	n := p.Parse(raw)
	if !n.Valid() {
		return "", ErrInvalidPhoneNumber
	}
	return n.E164, nil
}

var defaultParser PhoneParser

// ParsePhone parses raw with the default country code.
func ParsePhone(raw string) PhoneNumber { return defaultParser.Parse(raw) }

// IsValidPhoneNumber validates raw with the default country code.
func IsValidPhoneNumber(raw string) bool { return defaultParser.IsValid(raw) }

// NormalizePhone returns the E.164 form of raw using the default country code.
func NormalizePhone(raw string) (string, error) { return defaultParser.Normalize(raw) }

// splitCountryCode splits the digits after an international prefix into
// calling code and national number. Known calling codes are prefix-free, so
// at most one of them matches; unknown prefixes fall back to the longest
// split that leaves a plausible national number.
func splitCountryCode(rest string) (string, string) {
	lead := leadingDigits(rest)
	for n := 1; n <= 3 && n <= len(lead); n++ {
		code, _ := strconv.Atoi(lead[:n])
		if phonenumbers.GetRegionCodeForCountryCode(code) == unknownRegion {
			continue
		}
		if len(rest)-n >= minNationalLength {
			return lead[:n], rest[n:]
		}
		break
	}
	for n := 2; n <= 4 && n <= len(lead); n++ {
		if len(rest)-n >= minNationalLength {
			return lead[:n], rest[n:]
		}
	}
	if m := leadingSplitRe.FindStringSubmatch(rest); m != nil {
		return m[1], m[2]
	}
	return "", rest
}

func leadingDigits(s string) string {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	return s[:i]
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// PhoneCountry returns the ISO 3166-1 alpha-2 region for an E.164 phone
// number, or "" if it cannot be determined.
func PhoneCountry(phone string) string {
	num, err := phonenumbers.Parse(phone, "")
	if err != nil {
		return ""
	}
	region := phonenumbers.GetRegionCodeForNumber(num)
	if region == "" || region == unknownRegion {
		region = phonenumbers.GetRegionCodeForCountryCode(int(num.GetCountryCode()))
	}
	if region == unknownRegion {
		return ""
	}
	return region
}

// IsAllowedCountry checks whether the phone's country matches one of the
// allowed country codes. An empty allowed list permits all.
func IsAllowedCountry(phone string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	region := PhoneCountry(phone)
	if region == "" {
		return false
	}
	for _, code := range allowed {
		if strings.EqualFold(code, region) {
			return true
		}
	}
	return false
}

// MaskPhone hides the middle digits of a number for logging.
func MaskPhone(phone string) string {
	n := ParsePhone(phone)
	nn := n.NationalNumber
	if len(nn) < 7 {
		return n.CountryCode + "****"
	}
	return n.CountryCode + nn[:3] + "****" + nn[len(nn)-4:]
}
