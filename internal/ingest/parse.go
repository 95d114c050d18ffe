package ingest

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var amountNoise = strings.NewReplacer("$", "", "€", "", "£", "", "¥", "", "₹", "", ",", "", " ", "", "\t", "")

// ParseAmount accepts plain and currency-formatted amounts. Parenthesised
// values are negative and therefore rejected.
func ParseAmount(raw string) (float64, error) {
	s := amountNoise.Replace(strings.TrimSpace(raw))
	if s == "" {
		return 0, fmt.Errorf("amount is empty")
	}

	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = s[1 : len(s)-1]
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q", raw)
	}
	if negative {
		d = d.Neg()
	}
	if d.IsNegative() {
		return 0, fmt.Errorf("negative amount %q", raw)
	}
	return d.InexactFloat64(), nil
}

// isoLayouts are tried first, in order.
var isoLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// dateLayouts cover year-first and month-first dates with an optional time.
var dateLayouts = []string{
	"2006-1-2 15:04:05",
	"2006-1-2 15:04",
	"2006-1-2",
	"2006/1/2 15:04:05",
	"2006/1/2 15:04",
	"2006/1/2",
	"1/2/2006 15:04:05",
	"1/2/2006 15:04",
	"1/2/2006",
	"1-2-2006 15:04:05",
	"1-2-2006 15:04",
	"1-2-2006",
}

var shortYear = regexp.MustCompile(`^(\d{1,2})/(\d{1,2})/(\d{2})(?:\s+(\d{1,2}):(\d{2})(?::(\d{2}))?)?$`)

const (
	epochMillisThreshold  = 1e12
	epochSecondsThreshold = 1e9
)

// ParseTimestamp accepts ISO 8601, common date formats and unix epochs.
// Values without a zone are read as UTC.
func ParseTimestamp(raw string) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, fmt.Errorf("timestamp is empty")
	}

	for _, layouts := range [][]string{isoLayouts, dateLayouts} {
		for _, layout := range layouts {
			if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
				return t.UTC(), nil
			}
		}
	}

	if m := shortYear.FindStringSubmatch(s); m != nil {
		return shortYearDate(m)
	}

	if n, err := strconv.ParseFloat(s, 64); err == nil {
		switch {
		case n > epochMillisThreshold:
			return time.UnixMilli(int64(n)).UTC(), nil
		case n > epochSecondsThreshold:
			return time.Unix(int64(n), 0).UTC(), nil
		}
	}

	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", raw)
}

// shortYearDate builds an M/D/YY date, always in the 2000s.
func shortYearDate(m []string) (time.Time, error) {
	atoi := func(s string) int {
		n, _ := strconv.Atoi(s)
		return n
	}
	month, day, year := atoi(m[1]), atoi(m[2]), 2000+atoi(m[3])
	hour, minute, second := atoi(m[4]), atoi(m[5]), atoi(m[6])

	if month < 1 || month > 12 || day < 1 || day > 31 || hour > 23 || minute > 59 || second > 59 {
		return time.Time{}, fmt.Errorf("unrecognised timestamp %q", m[0])
	}
	t := time.Date(year, time.Month(month), day, hour, minute, second, 0, time.UTC)
	if t.Day() != day {
		return time.Time{}, fmt.Errorf("unrecognised timestamp %q", m[0])
	}
	return t, nil
}
