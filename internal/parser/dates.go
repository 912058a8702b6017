package parser

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var dateSplitRe = regexp.MustCompile(`[\/\-\.]`)

// NormalizeDate coerces the date spellings seen on statements into the
// canonical MM/DD/YYYY form. Three-component numeric dates are accepted:
// year-first ("2026-02-23"), month-first ("2/3/2026"), and day-first when the
// leading component cannot be a month ("23/02/2026"). Anything else is not a
// date.
func NormalizeDate(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", false
	}

	parts := dateSplitRe.Split(s, -1)
	if len(parts) != 3 {
		return "", false
	}

	nums := make([]int, 3)
	for i, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" || len(p) > 4 {
			return "", false
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			return "", false
		}
		nums[i] = n
	}

	var year, month, day int
	switch {
	case len(parts[0]) == 4:
		// ymd
		year, month, day = nums[0], nums[1], nums[2]
	case nums[0] > 12 && nums[1] <= 12:
		// dmy: first component cannot be a month
		day, month, year = nums[0], nums[1], nums[2]
	default:
		// mdy preferred
		month, day, year = nums[0], nums[1], nums[2]
	}

	if year < 100 {
		year += 2000
	}
	if !validDate(year, month, day) {
		return "", false
	}
	return fmt.Sprintf("%02d/%02d/%04d", month, day, year), true
}

func validDate(year, month, day int) bool {
	if year < 1900 || year > 2200 || month < 1 || month > 12 || day < 1 {
		return false
	}
	days := [...]int{31, 28, 31, 30, 31, 30, 31, 31, 30, 31, 30, 31}
	max := days[month-1]
	if month == 2 && (year%4 == 0 && (year%100 != 0 || year%400 == 0)) {
		max = 29
	}
	return day <= max
}
