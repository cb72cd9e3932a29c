package extract

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/JakeFAU/tubecrawler/internal/crawler"
)

var ageUnits = map[string]string{
	"second": "second", "seconds": "second",
	"minute": "minute", "minutes": "minute",
	"hour": "hour", "hours": "hour",
	"day": "day", "days": "day",
	"week": "week", "weeks": "week",
	"month": "month", "months": "month",
	"year": "year", "years": "year",
}

// ParseClock converts "m:ss", "h:mm:ss" or "d:hh:mm:ss" into seconds.
func ParseClock(text string) (int64, bool) {
	parts := strings.Split(strings.TrimSpace(text), ":")
	if len(parts) < 2 || len(parts) > 4 {
		return 0, false
	}
	weights := []int64{86400, 3600, 60, 1}[4-len(parts):]
	var total int64
	for i, part := range parts {
		n, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return 0, false
		}
		total += n * weights[i]
	}
	return total, true
}

// ParseAge reads relative times like "3 weeks ago".
func ParseAge(text string) (*crawler.Age, bool) {
	fields := strings.Fields(text)
	if len(fields) != 3 {
		return nil, false
	}
	n, err := strconv.Atoi(fields[0])
	if err != nil {
		return nil, false
	}
	unit, ok := ageUnits[strings.ToLower(fields[1])]
	if !ok {
		return nil, false
	}
	return &crawler.Age{Amount: n, Unit: unit}, true
}

// ParseCount reads counts like "1,234,567 views" by keeping the leading digits.
func ParseCount(text string) (int64, bool) {
	var digits strings.Builder
	for _, r := range strings.TrimSpace(text) {
		if unicode.IsDigit(r) {
			digits.WriteRune(r)
			continue
		}
		if r == ',' || r == '.' {
			continue
		}
		if digits.Len() > 0 {
			break
		}
	}
	if digits.Len() == 0 {
		return 0, false
	}
	n, err := strconv.ParseInt(digits.String(), 10, 64)
	return n, err == nil
}
