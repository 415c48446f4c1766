package erp

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// ============================================================================
// Identifiers
// ============================================================================

var errInvalidIdentifier = errors.New("invalid identifier")

// NormalizeIdentifier strips separators from a national identifier and
// reinserts the check-digit dash: " 12.345.678-k " -> "12345678-K".
// Only the shape is validated; see CheckDigitValid for the modulo-11 check.
func NormalizeIdentifier(raw string) (string, error) {
	s := strings.Map(func(r rune) rune {
		switch r {
		case '.', '-', ' ', '\u00a0', '\t':
			return -1
		}
		return unicode.ToUpper(r)
	}, raw)

	if len(s) < 2 || len(s) > 10 {
		return "", fmt.Errorf("%w: %q", errInvalidIdentifier, strings.TrimSpace(raw))
	}
	body, dv := s[:len(s)-1], s[len(s)-1]
	if !isDigits(body) || !(dv == 'K' || (dv >= '0' && dv <= '9')) {
		return "", fmt.Errorf("%w: %q", errInvalidIdentifier, strings.TrimSpace(raw))
	}
	body = strings.TrimLeft(body, "0")
	if body == "" {
		return "", fmt.Errorf("%w: %q", errInvalidIdentifier, strings.TrimSpace(raw))
	}
	return body + "-" + string(dv), nil
}

// JoinIdentifier normalizes an identifier exported as body and check digit in
// separate columns.
func JoinIdentifier(body, checkDigit string) (string, error) {
	checkDigit = strings.TrimSpace(checkDigit)
	if checkDigit == "" {
		return "", fmt.Errorf("%w: check digit is empty", errInvalidIdentifier)
	}
	return NormalizeIdentifier(strings.TrimSpace(body) + "-" + checkDigit)
}

// CheckDigitValid reports whether a normalized identifier has a correct
// modulo-11 check digit.
func CheckDigitValid(id string) bool {
	i := strings.IndexByte(id, '-')
	if i <= 0 || i != len(id)-2 {
		return false
	}
	dv, ok := CheckDigit(id[:i])
	return ok && id[i+1] == dv
}

// CheckDigit computes the modulo-11 check digit of an identifier body.
func CheckDigit(body string) (byte, bool) {
	if !isDigits(body) {
		return 0, false
	}
	sum, factor := 0, 2
	for j := len(body) - 1; j >= 0; j-- {
		sum += int(body[j]-'0') * factor
		factor++
		if factor > 7 {
			factor = 2
		}
	}
	switch r := 11 - sum%11; r {
	case 11:
		return '0', true
	case 10:
		return 'K', true
	default:
		return byte('0' + r), true
	}
}

// ============================================================================
// Amounts
// ============================================================================

// NormalizeAmount parses a locale-formatted amount.
//
// When both '.' and ',' appear, the last one is the decimal separator. When
// only one appears, it is a thousands separator if it repeats, or if it is
// followed by exactly three digits and preceded by one to three non-zero-led
// digits; otherwise it is the decimal separator. Negative amounts may use a
// leading '-', a trailing '-' or parentheses. Empty input is zero.
//
//	"1.234.567" -> 1234567
//	"1.234,56"  -> 1234.56
//	"1234.56"   -> 1234.56
func NormalizeAmount(raw string) (decimal.Decimal, error) {
	s := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\u00a0', '\t', '$':
			return -1
		}
		return r
	}, raw)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "CLP"), "clp")

	if s == "" || s == "-" {
		return decimal.Zero, nil
	}

	neg := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		neg, s = true, s[1:len(s)-1]
	}
	if strings.HasPrefix(s, "-") {
		neg, s = !neg, s[1:]
	} else if strings.HasSuffix(s, "-") {
		neg, s = !neg, s[:len(s)-1]
	} else {
		s = strings.TrimPrefix(s, "+")
	}

	if strings.ContainsAny(s, "eE") {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return decimal.Zero, fmt.Errorf("invalid amount %q", raw)
		}
		return signed(d, neg), nil
	}

	intPart, fracPart, err := splitAmount(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q: %w", raw, err)
	}
	if intPart == "" {
		intPart = "0"
	}
	if !isDigits(intPart) || (fracPart != "" && !isDigits(fracPart)) {
		return decimal.Zero, fmt.Errorf("invalid amount %q", raw)
	}

	num := intPart
	if fracPart != "" {
		num += "." + fracPart
	}
	d, err := decimal.NewFromString(num)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q: %w", raw, err)
	}
	return signed(d, neg), nil
}

func splitAmount(s string) (intPart, fracPart string, err error) {
	lastDot := strings.LastIndexByte(s, '.')
	lastComma := strings.LastIndexByte(s, ',')

	switch {
	case lastDot >= 0 && lastComma >= 0:
		dec, thou := ".", ","
		if lastComma > lastDot {
			dec, thou = ",", "."
		}
		parts := strings.Split(strings.ReplaceAll(s, thou, ""), dec)
		if len(parts) != 2 {
			return "", "", errors.New("repeated decimal separator")
		}
		return parts[0], parts[1], nil
	case lastDot >= 0:
		return splitSingleSeparator(s, ".")
	case lastComma >= 0:
		return splitSingleSeparator(s, ",")
	default:
		return s, "", nil
	}
}

func splitSingleSeparator(s, sep string) (string, string, error) {
	parts := strings.Split(s, sep)
	if len(parts) > 2 {
		if len(parts[0]) == 0 || len(parts[0]) > 3 {
			return "", "", errors.New("malformed thousands grouping")
		}
		for _, g := range parts[1:] {
			if len(g) != 3 {
				return "", "", errors.New("malformed thousands grouping")
			}
		}
		return strings.Join(parts, ""), "", nil
	}

	head, tail := parts[0], parts[1]
	if len(tail) == 3 && len(head) >= 1 && len(head) <= 3 && head[0] != '0' {
		return head + tail, "", nil
	}
	return head, tail, nil
}

func signed(d decimal.Decimal, neg bool) decimal.Decimal {
	if neg {
		return d.Neg()
	}
	return d
}

// ============================================================================
// Dates
// ============================================================================

// DateOrder is a day/month/year component ordering.
type DateOrder string

const (
	DMY DateOrder = "dmy"
	MDY DateOrder = "mdy"
	YMD DateOrder = "ymd"
)

// DefaultDateOrders is tried when a layout does not declare its own.
var DefaultDateOrders = []DateOrder{DMY, YMD, MDY}

var monthNames = map[string]int{
	"ene": 1, "jan": 1, "feb": 2, "mar": 3, "abr": 4, "apr": 4, "may": 5, "jun": 6,
	"jul": 7, "ago": 8, "aug": 8, "sep": 9, "set": 9, "oct": 10, "nov": 11, "dic": 12, "dec": 12,
}

// excelEpoch is day zero of the 1900 spreadsheet date system.
var excelEpoch = time.Date(1899, 12, 30, 0, 0, 0, 0, time.UTC)

// ParseDate parses a date trying each ordering in turn. Four-digit leading
// components are always read as year-month-day. Spreadsheet serial numbers,
// compact YYYYMMDD and month abbreviations (es/en) are accepted.
func ParseDate(raw string, orders ...DateOrder) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, errors.New("empty date")
	}
	if len(orders) == 0 {
		orders = DefaultDateOrders
	}

	if i := strings.IndexByte(s, ' '); i > 0 {
		s = s[:i]
	}
	if len(s) > 10 && s[10] == 'T' {
		s = s[:10]
	}

	if isDigits(strings.Replace(s, ".", "", 1)) {
		if len(s) == 8 && isDigits(s) {
			if t, ok := buildDate(s[:4], s[4:6], s[6:]); ok {
				return t, nil
			}
		}
		if serial, err := strconv.ParseFloat(s, 64); err == nil && serial >= 1 && serial < 100000 {
			return excelEpoch.AddDate(0, 0, int(serial)), nil
		}
		return time.Time{}, fmt.Errorf("invalid date %q", raw)
	}

	parts := strings.FieldsFunc(s, func(r rune) bool { return r == '/' || r == '-' || r == '.' })
	if len(parts) != 3 {
		return time.Time{}, fmt.Errorf("invalid date %q", raw)
	}

	if m, ok := monthNames[strings.ToLower(parts[1])]; ok {
		if t, ok := buildDate(parts[2], strconv.Itoa(m), parts[0]); ok {
			return t, nil
		}
		return time.Time{}, fmt.Errorf("invalid date %q", raw)
	}

	if len(parts[0]) == 4 {
		if t, ok := buildDate(parts[0], parts[1], parts[2]); ok {
			return t, nil
		}
		return time.Time{}, fmt.Errorf("invalid date %q", raw)
	}

	for _, o := range orders {
		var y, m, d string
		switch o {
		case DMY:
			d, m, y = parts[0], parts[1], parts[2]
		case MDY:
			m, d, y = parts[0], parts[1], parts[2]
		case YMD:
			y, m, d = parts[0], parts[1], parts[2]
		default:
			continue
		}
		if t, ok := buildDate(y, m, d); ok {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date %q", raw)
}

func buildDate(ys, ms, ds string) (time.Time, bool) {
	y, err1 := strconv.Atoi(ys)
	m, err2 := strconv.Atoi(ms)
	d, err3 := strconv.Atoi(ds)
	if err1 != nil || err2 != nil || err3 != nil {
		return time.Time{}, false
	}
	switch len(ys) {
	case 2:
		if y >= 70 {
			y += 1900
		} else {
			y += 2000
		}
	case 4:
	default:
		return time.Time{}, false
	}
	if m < 1 || m > 12 || d < 1 || d > 31 {
		return time.Time{}, false
	}
	t := time.Date(y, time.Month(m), d, 0, 0, 0, 0, time.UTC)
	if t.Day() != d || int(t.Month()) != m {
		return time.Time{}, false
	}
	return t, true
}

// ============================================================================
// Header text
// ============================================================================

// FoldHeader reduces header text to a comparison key: lower case, no accents,
// dots dropped, other punctuation as single spaces.
//
//	"R.U.T."           -> "rut"
//	"Días  Trabajados" -> "dias trabajados"
func FoldHeader(s string) string {
	// Chained transformers keep state, so each call builds its own.
	stripAccents := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(stripAccents, s)
	if err != nil {
		folded = s
	}
	var b strings.Builder
	space := false
	for _, r := range strings.ToLower(folded) {
		switch {
		case r == '.' || r == '°' || r == 'º':
			continue
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		default:
			space = true
		}
	}
	return b.String()
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
