package task

import (
	"fmt"
	"iter"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Task identifies one day of fetch work. Fields are fixed-width numeric strings.
type Task struct {
	Year  string // "2006"
	Month string // "01"
	Day   string // "09"
}

// New builds a Task from numeric parts, zero padding month and day.
func New(year, month, day int) Task {
	return Task{
		Year:  fmt.Sprintf("%04d", year),
		Month: fmt.Sprintf("%02d", month),
		Day:   fmt.Sprintf("%02d", day),
	}
}

// Stamp returns the YYYYMMDD key used in every filename derived from the task.
func (t Task) Stamp() string {
	return t.Year + t.Month + t.Day
}

func (t Task) String() string {
	return t.Stamp()
}

// ArchiveName is the deterministic archive filename, e.g. ERA5_20060101.zip.
func (t Task) ArchiveName(prefix string) string {
	return fmt.Sprintf("%s_%s.zip", prefix, t.Stamp())
}

// ArchivePath joins ArchiveName onto dir.
func (t Task) ArchivePath(dir, prefix string) string {
	return filepath.Join(dir, t.ArchiveName(prefix))
}

// OutputName is the merged output filename, e.g. merged_20060101.parquet.
func (t Task) OutputName() string {
	return "merged_" + t.Stamp() + ".parquet"
}

// ScratchName is the private extraction directory name, e.g. extracted_20060101.
func (t Task) ScratchName() string {
	return "extracted_" + t.Stamp()
}

// ParseStamp parses a YYYYMMDD key back into a Task. The date must exist.
func ParseStamp(stamp string) (Task, error) {
	if len(stamp) != 8 {
		return Task{}, fmt.Errorf("date suffix %q: want 8 digits", stamp)
	}
	if _, err := strconv.Atoi(stamp); err != nil {
		return Task{}, fmt.Errorf("date suffix %q: not numeric", stamp)
	}
	d, err := time.Parse("20060102", stamp)
	if err != nil {
		return Task{}, fmt.Errorf("date suffix %q: %w", stamp, err)
	}
	return New(d.Year(), int(d.Month()), d.Day()), nil
}

// FromArchiveName derives the task from an archive filename such as ERA5_20060101.zip.
// Only the part between the first underscore and the first dot is used as the suffix.
func FromArchiveName(name string) (Task, error) {
	base := filepath.Base(name)
	_, rest, ok := strings.Cut(base, "_")
	if !ok {
		return Task{}, fmt.Errorf("archive name %q has no date suffix", base)
	}
	suffix, _, _ := strings.Cut(rest, ".")
	t, err := ParseStamp(suffix)
	if err != nil {
		return Task{}, fmt.Errorf("archive name %q: %w", base, err)
	}
	return t, nil
}

// DaysIn returns the number of days in the month, accounting for leap years.
func DaysIn(year int, month time.Month) int {
	// Day 0 of the following month is the last day of this one.
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// Range yields one Task per calendar day from startYear through endYear inclusive,
// ascending by year, month, then day. The sequence is lazy and can be ranged over
// any number of times.
func Range(startYear, endYear int) iter.Seq[Task] {
	return func(yield func(Task) bool) {
		for y := startYear; y <= endYear; y++ {
			for m := time.January; m <= time.December; m++ {
				n := DaysIn(y, m)
				for d := 1; d <= n; d++ {
					if !yield(New(y, int(m), d)) {
						return
					}
				}
			}
		}
	}
}

// Count returns how many tasks Range(startYear, endYear) yields.
func Count(startYear, endYear int) int {
	total := 0
	for y := startYear; y <= endYear; y++ {
		for m := time.January; m <= time.December; m++ {
			total += DaysIn(y, m)
		}
	}
	return total
}
