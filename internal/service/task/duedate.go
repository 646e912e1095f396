package task

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidDueDate indicates a due phrase could not be understood.
var ErrInvalidDueDate = errors.New("could not understand due date")

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"sun":       time.Sunday,
	"monday":    time.Monday,
	"mon":       time.Monday,
	"tuesday":   time.Tuesday,
	"tue":       time.Tuesday,
	"tues":      time.Tuesday,
	"wednesday": time.Wednesday,
	"wed":       time.Wednesday,
	"thursday":  time.Thursday,
	"thu":       time.Thursday,
	"thurs":     time.Thursday,
	"friday":    time.Friday,
	"fri":       time.Friday,
	"saturday":  time.Saturday,
	"sat":       time.Saturday,
}

var smallNumbers = map[string]int{
	"a": 1, "an": 1, "one": 1, "two": 2, "three": 3, "four": 4, "five": 5,
	"six": 6, "seven": 7, "eight": 8, "nine": 9, "ten": 10,
}

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	"2006-01-02",
}

// ParseDue resolves a spoken or typed due phrase relative to now in loc.
// Day-only phrases resolve to the last second of that day.
func ParseDue(phrase string, now time.Time, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	p := strings.ToLower(strings.TrimSpace(phrase))
	p = strings.TrimPrefix(p, "by ")
	p = strings.TrimPrefix(p, "on ")
	p = strings.TrimPrefix(p, "due ")
	p = strings.TrimSpace(p)
	if p == "" {
		return time.Time{}, ErrInvalidDueDate
	}

	local := now.In(loc)
	today := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)

	switch p {
	case "today", "tonight", "this evening", "end of day":
		return endOfDay(today), nil
	case "tomorrow", "tmrw":
		return endOfDay(today.AddDate(0, 0, 1)), nil
	case "day after tomorrow", "the day after tomorrow":
		return endOfDay(today.AddDate(0, 0, 2)), nil
	case "next week":
		return endOfDay(today.AddDate(0, 0, 7)), nil
	case "this weekend", "weekend":
		return endOfDay(today.AddDate(0, 0, daysUntil(local.Weekday(), time.Saturday, true))), nil
	case "end of week", "end of the week":
		return endOfDay(today.AddDate(0, 0, daysUntil(local.Weekday(), time.Friday, true))), nil
	}

	if day, ok := weekdays[p]; ok {
		return endOfDay(today.AddDate(0, 0, daysUntil(local.Weekday(), day, false))), nil
	}
	if rest, ok := strings.CutPrefix(p, "next "); ok {
		if day, ok := weekdays[rest]; ok {
			return endOfDay(today.AddDate(0, 0, daysUntil(local.Weekday(), day, false))), nil
		}
	}
	if rest, ok := strings.CutPrefix(p, "this "); ok {
		if day, ok := weekdays[rest]; ok {
			return endOfDay(today.AddDate(0, 0, daysUntil(local.Weekday(), day, true))), nil
		}
	}
	if rest, ok := strings.CutPrefix(p, "in "); ok {
		return parseRelative(rest, today)
	}

	upper := strings.ToUpper(p)
	for _, layout := range dateLayouts {
		t, err := time.ParseInLocation(layout, upper, loc)
		if err != nil {
			continue
		}
		if layout == "2006-01-02" {
			return endOfDay(t), nil
		}
		return t, nil
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDueDate, phrase)
}

func parseRelative(rest string, today time.Time) (time.Time, error) {
	fields := strings.Fields(rest)
	if len(fields) != 2 {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDueDate, "in "+rest)
	}
	n, ok := smallNumbers[fields[0]]
	if !ok {
		parsed, err := strconv.Atoi(fields[0])
		if err != nil || parsed < 0 {
			return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDueDate, "in "+rest)
		}
		n = parsed
	}
	switch strings.TrimSuffix(fields[1], "s") {
	case "day":
		return endOfDay(today.AddDate(0, 0, n)), nil
	case "week":
		return endOfDay(today.AddDate(0, 0, 7*n)), nil
	case "month":
		return endOfDay(today.AddDate(0, n, 0)), nil
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDueDate, "in "+rest)
}

// daysUntil counts days from one weekday to the next occurrence of another.
// With includeToday the result is in [0,6], otherwise [1,7].
func daysUntil(from, to time.Weekday, includeToday bool) int {
	delta := (int(to) - int(from) + 7) % 7
	if delta == 0 && !includeToday {
		return 7
	}
	return delta
}

func endOfDay(day time.Time) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), 23, 59, 59, 0, day.Location())
}
