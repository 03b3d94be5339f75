// Package cftime converts between numeric time coordinates and calendar
// dates following the CF metadata conventions ("days since 1850-01-01",
// etc.). It supports the standard (mixed Gregorian), proleptic Gregorian,
// noleap/365_day, all_leap/366_day, and 360_day calendars.
//
// The strict decoder rejects unit strings whose reference date falls before
// year 1 of the Common Era, matching the behavior of the mainstream udunits
// based decoders. DecodeAuto recovers from that case by shifting the
// reference year to 0001, decoding, and re-adding the year offset to each
// decoded date.
package cftime

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ErrPreYearOne is returned by Decode when the reference date in the unit
// string is before 0001-01-01 C.E.
var ErrPreYearOne = errors.New("cftime: reference year before 0001 C.E.")

// step is the base period of a unit string.
type step int

const (
	stepSeconds step = iota
	stepMinutes
	stepHours
	stepDays
)

func (s step) seconds() float64 {
	switch s {
	case stepSeconds:
		return 1
	case stepMinutes:
		return 60
	case stepHours:
		return 3600
	default:
		return 86400
	}
}

// Units is a parsed CF time unit string.
type Units struct {
	Step step

	// Reference date components. The year is kept separately from a
	// time.Time so that pre-year-one references can be represented.
	Year, Month, Day      int
	Hour, Minute          int
	Second                float64
}

// ParseUnits parses a CF unit string of the form
// "<period> since <YYYY-MM-DD[ hh:mm:ss[.s]]>".
func ParseUnits(units string) (Units, error) {
	var u Units
	i := strings.Index(units, " since ")
	if i < 0 {
		return u, fmt.Errorf("cftime: units %q missing 'since'", units)
	}
	switch p := strings.TrimSpace(strings.ToLower(units[:i])); p {
	case "second", "seconds", "s":
		u.Step = stepSeconds
	case "minute", "minutes", "min", "mins":
		u.Step = stepMinutes
	case "hour", "hours", "h", "hrs":
		u.Step = stepHours
	case "day", "days", "d":
		u.Step = stepDays
	default:
		return u, fmt.Errorf("cftime: unsupported period %q in units %q", p, units)
	}

	ref := strings.TrimSpace(units[i+len(" since "):])
	fields := strings.Fields(ref)
	dateParts := strings.Split(fields[0], "-")
	if len(dateParts) != 3 {
		return u, fmt.Errorf("cftime: malformed reference date %q", ref)
	}
	var err error
	if u.Year, err = strconv.Atoi(dateParts[0]); err != nil {
		return u, fmt.Errorf("cftime: parsing reference year %q: %v", dateParts[0], err)
	}
	if u.Month, err = strconv.Atoi(dateParts[1]); err != nil {
		return u, fmt.Errorf("cftime: parsing reference month %q: %v", dateParts[1], err)
	}
	if u.Day, err = strconv.Atoi(dateParts[2]); err != nil {
		return u, fmt.Errorf("cftime: parsing reference day %q: %v", dateParts[2], err)
	}
	if len(fields) > 1 {
		clockParts := strings.Split(fields[1], ":")
		if u.Hour, err = strconv.Atoi(clockParts[0]); err != nil {
			return u, fmt.Errorf("cftime: parsing reference hour %q: %v", fields[1], err)
		}
		if len(clockParts) > 1 {
			if u.Minute, err = strconv.Atoi(clockParts[1]); err != nil {
				return u, fmt.Errorf("cftime: parsing reference minute %q: %v", fields[1], err)
			}
		}
		if len(clockParts) > 2 {
			if u.Second, err = strconv.ParseFloat(clockParts[2], 64); err != nil {
				return u, fmt.Errorf("cftime: parsing reference second %q: %v", fields[1], err)
			}
		}
	}
	return u, nil
}

// calendar kind, normalized from the CF calendar attribute.
type calendar int

const (
	calStandard calendar = iota
	calNoLeap
	calAllLeap
	cal360Day
)

func parseCalendar(name string) (calendar, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "standard", "gregorian", "proleptic_gregorian":
		return calStandard, nil
	case "noleap", "365_day":
		return calNoLeap, nil
	case "all_leap", "366_day":
		return calAllLeap, nil
	case "360_day":
		return cal360Day, nil
	}
	return calStandard, fmt.Errorf("cftime: unknown calendar %q", name)
}

func isLeap(year int) bool {
	return year%4 == 0 && (year%100 != 0 || year%400 == 0)
}

func (c calendar) yearDays(year int) int {
	switch c {
	case calNoLeap:
		return 365
	case calAllLeap:
		return 366
	case cal360Day:
		return 360
	}
	if isLeap(year) {
		return 366
	}
	return 365
}

var monthDays = [12]int{31, 28, 31, 30, 31, 30, 31, 31, 30, 31, 30, 31}

func (c calendar) monthDays(year, month int) int {
	if c == cal360Day {
		return 30
	}
	d := monthDays[month-1]
	if month == 2 {
		switch c {
		case calAllLeap:
			d = 29
		case calNoLeap:
		default:
			if isLeap(year) {
				d = 29
			}
		}
	}
	return d
}

// serial returns the number of whole days between 0001-01-01 and the given
// date in calendar c. Dates before year 1 yield negative serials.
func (c calendar) serial(year, month, day int) int64 {
	var days int64
	if year >= 1 {
		for y := 1; y < year; y++ {
			days += int64(c.yearDays(y))
		}
	} else {
		for y := year; y < 1; y++ {
			days -= int64(c.yearDays(y))
		}
	}
	for m := 1; m < month; m++ {
		days += int64(c.monthDays(year, m))
	}
	return days + int64(day-1)
}

// date converts a day serial back to a calendar date.
func (c calendar) date(serial int64) (year, month, day int) {
	year = 1
	for serial < 0 {
		year--
		serial += int64(c.yearDays(year))
	}
	for serial >= int64(c.yearDays(year)) {
		serial -= int64(c.yearDays(year))
		year++
	}
	month = 1
	for serial >= int64(c.monthDays(year, month)) {
		serial -= int64(c.monthDays(year, month))
		month++
	}
	return year, month, int(serial) + 1
}

// Decode converts numeric time values to calendar dates using the given
// CF unit and calendar strings. It returns ErrPreYearOne (wrapped) when the
// unit reference date is before year 1.
func Decode(nums []float64, units, cal string) ([]time.Time, error) {
	u, err := ParseUnits(units)
	if err != nil {
		return nil, err
	}
	if u.Year < 1 {
		return nil, fmt.Errorf("decoding %q: %w", units, ErrPreYearOne)
	}
	c, err := parseCalendar(cal)
	if err != nil {
		return nil, err
	}
	return decode(nums, u, c), nil
}

func decode(nums []float64, u Units, c calendar) []time.Time {
	refSerial := c.serial(u.Year, u.Month, u.Day)
	refSec := float64(u.Hour)*3600 + float64(u.Minute)*60 + u.Second
	out := make([]time.Time, len(nums))
	for i, n := range nums {
		sec := n*u.Step.seconds() + refSec
		days := math.Floor(sec / 86400)
		rem := sec - days*86400
		y, m, d := c.date(refSerial + int64(days))
		h := int(rem / 3600)
		rem -= float64(h) * 3600
		mi := int(rem / 60)
		rem -= float64(mi) * 60
		s := int(math.Round(rem))
		// time.Date normalizes, so s==60 from rounding carries over
		// correctly.
		out[i] = time.Date(y, time.Month(m), d, h, mi, s, 0, time.UTC)
	}
	return out
}

// DecodeAuto decodes like Decode but recovers from pre-year-one reference
// dates: the reference year is shifted to 0001, the values are decoded
// against the shifted units, and the year offset is re-added to each result.
// It returns the decoded dates along with the unit string actually used for
// decoding. Any decode failure other than ErrPreYearOne propagates.
func DecodeAuto(nums []float64, units, cal string) ([]time.Time, string, error) {
	t, err := Decode(nums, units, cal)
	if err == nil {
		return t, units, nil
	}
	if !errors.Is(err, ErrPreYearOne) {
		return nil, "", err
	}

	u, err := ParseUnits(units)
	if err != nil {
		return nil, "", err
	}
	yearDiff := u.Year - 1
	i := strings.Index(units, " since ")
	shifted := units[:i] + " since 0001-01-01 00:00:00"
	t, err = Decode(nums, shifted, cal)
	if err != nil {
		return nil, "", err
	}
	out := make([]time.Time, len(t))
	for j, d := range t {
		// The day of month is pinned to 1: after a year shift across
		// differing leap structures only the year/month of the decoded
		// date remain meaningful.
		out[j] = time.Date(d.Year()+yearDiff, d.Month(), 1,
			d.Hour(), d.Minute(), d.Second(), 0, time.UTC)
	}
	return out, shifted, nil
}

// Encode converts calendar dates to numeric values against the given CF
// unit and calendar strings, inverting Decode.
func Encode(times []time.Time, units, cal string) ([]float64, error) {
	u, err := ParseUnits(units)
	if err != nil {
		return nil, err
	}
	c, err := parseCalendar(cal)
	if err != nil {
		return nil, err
	}
	refSec := float64(c.serial(u.Year, u.Month, u.Day))*86400 +
		float64(u.Hour)*3600 + float64(u.Minute)*60 + u.Second
	out := make([]float64, len(times))
	for i, t := range times {
		sec := float64(c.serial(t.Year(), int(t.Month()), t.Day()))*86400 +
			float64(t.Hour())*3600 + float64(t.Minute())*60 + float64(t.Second())
		out[i] = (sec - refSec) / u.Step.seconds()
	}
	return out, nil
}
