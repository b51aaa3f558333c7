// Package archive is the on-disk model of the frame archive:
// root/YYYY/MM/DD/HH.<ext>, one file per (date, hour).
//
// It only knows paths and names. Policy (retention, highlights, indexes,
// migration) lives in package ops.
package archive

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Day is a calendar date without a time or zone.
type Day struct {
	Year  int
	Month time.Month
	Dom   int
}

// DayOf returns the calendar date of t in t's location.
func DayOf(t time.Time) Day {
	y, m, d := t.Date()
	return Day{Year: y, Month: m, Dom: d}
}

// ParseDay parses "YYYY-MM-DD".
func ParseDay(s string) (Day, error) {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return Day{}, fmt.Errorf("invalid date %q: want YYYY-MM-DD", s)
	}
	return DayOf(t), nil
}

// AddDays returns the date n days after d (n may be negative).
func (d Day) AddDays(n int) Day {
	return DayOf(time.Date(d.Year, d.Month, d.Dom+n, 12, 0, 0, 0, time.UTC))
}

// String formats d as YYYY-MM-DD.
func (d Day) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Dom)
}

// Parts returns the zero-padded year, month and day components.
func (d Day) Parts() (year, month, dom string) {
	return fmt.Sprintf("%04d", d.Year), fmt.Sprintf("%02d", int(d.Month)), fmt.Sprintf("%02d", d.Dom)
}

// Dir returns root/YYYY/MM/DD.
func (d Day) Dir(root string) string {
	y, m, dd := d.Parts()
	return filepath.Join(root, y, m, dd)
}

// IsZero reports whether d is the zero Day.
func (d Day) IsZero() bool {
	return d == Day{}
}

// Frame is one captured image found in the archive.
type Frame struct {
	Path string
	Hour int
	// Day is only meaningful when Dated is true, i.e. the file sits at
	// root/YYYY/MM/DD/HH.<ext>.
	Day   Day
	Dated bool
}

// FrameName returns the file name for hour, e.g. "07.png".
func FrameName(hour int, ext string) string {
	return fmt.Sprintf("%02d.%s", hour, ext)
}

// FramePath returns root/YYYY/MM/DD/HH.<ext>.
func FramePath(root string, day Day, hour int, ext string) string {
	return filepath.Join(day.Dir(root), FrameName(hour, ext))
}

// ParseHour parses a frame file stem. Only one or two decimal digits are
// accepted, so the result is in [0,99]; "08" is eight, never octal.
func ParseHour(stem string) (int, bool) {
	if len(stem) < 1 || len(stem) > 2 || !allDigits(stem) {
		return 0, false
	}
	h, err := strconv.ParseInt(stem, 10, 0)
	if err != nil {
		return 0, false
	}
	return int(h), true
}

// ParseFrameName extracts the hour from a name like "13.png".
func ParseFrameName(name, ext string) (int, bool) {
	stem, ok := strings.CutSuffix(name, "."+ext)
	if !ok {
		return 0, false
	}
	return ParseHour(stem)
}

// HighlightName returns the flat highlights file name YYYY-MM-DD_HH.<ext>.
func HighlightName(day Day, hour int, ext string) string {
	return fmt.Sprintf("%s_%02d.%s", day.String(), hour, ext)
}

// IsHighlightName reports whether name looks like a generated highlight file.
func IsHighlightName(name, ext string) bool {
	stem, ok := strings.CutSuffix(name, "."+ext)
	if !ok {
		return false
	}
	date, hour, ok := strings.Cut(stem, "_")
	if !ok {
		return false
	}
	if _, ok := ParseLegacyDayName(date); !ok {
		return false
	}
	_, ok = ParseHour(hour)
	return ok
}

// IsYearName reports whether name is a four-digit year directory.
func IsYearName(name string) bool {
	return len(name) == 4 && allDigits(name)
}

// IsPartName reports whether name is a two-digit month or day directory.
func IsPartName(name string) bool {
	return len(name) == 2 && allDigits(name)
}

// ParseLegacyDayName parses a pre-migration directory name "YYYY-MM-DD".
// Only the digit layout is checked, not the calendar.
func ParseLegacyDayName(name string) (Day, bool) {
	if len(name) != 10 || name[4] != '-' || name[7] != '-' {
		return Day{}, false
	}
	y, m, d := name[0:4], name[5:7], name[8:10]
	if !IsYearName(y) || !IsPartName(m) || !IsPartName(d) {
		return Day{}, false
	}
	return dayFromParts(y, m, d), true
}

// dayFromParts builds a Day from already-validated digit strings.
func dayFromParts(year, month, dom string) Day {
	y, _ := strconv.Atoi(year)
	m, _ := strconv.Atoi(month)
	d, _ := strconv.Atoi(dom)
	return Day{Year: y, Month: time.Month(m), Dom: d}
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return s != ""
}
