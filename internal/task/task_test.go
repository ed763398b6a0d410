package task

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRangeCountsEveryDay(t *testing.T) {
	tests := []struct {
		name       string
		start, end int
		want       int
	}{
		{"single common year", 2006, 2006, 365},
		{"single leap year", 2008, 2008, 366},
		{"original range", 2006, 2011, 365*4 + 366*2},
		{"century non leap", 1900, 1900, 365},
		{"quad century leap", 2000, 2000, 366},
		{"empty when reversed", 2010, 2009, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen := make(map[string]bool)
			n := 0
			for tk := range Range(tt.start, tt.end) {
				require.False(t, seen[tk.Stamp()], "duplicate task %s", tk)
				seen[tk.Stamp()] = true
				n++
			}
			assert.Equal(t, tt.want, n)
			assert.Equal(t, tt.want, Count(tt.start, tt.end))
		})
	}
}

func TestRangeNoGapsAscending(t *testing.T) {
	var prev time.Time
	for tk := range Range(2007, 2008) {
		d, err := time.Parse("20060102", tk.Stamp())
		require.NoError(t, err)
		if !prev.IsZero() {
			require.Equal(t, prev.AddDate(0, 0, 1), d, "gap or disorder after %s", prev.Format("20060102"))
		}
		prev = d
	}
	assert.Equal(t, "20081231", prev.Format("20060102"))
}

func TestFebruaryLeapYear(t *testing.T) {
	feb := 0
	for tk := range Range(2008, 2008) {
		if tk.Month == "02" {
			feb++
		}
	}
	assert.Equal(t, 29, feb)
	assert.Equal(t, 28, DaysIn(2009, time.February))
}

func TestRangeIsRestartableAndStoppable(t *testing.T) {
	seq := Range(2006, 2006)
	first := 0
	for range seq {
		first++
		if first == 10 {
			break
		}
	}
	second := 0
	for range seq {
		second++
	}
	assert.Equal(t, 10, first)
	assert.Equal(t, 365, second)
}

func TestNaming(t *testing.T) {
	tk := New(2006, 1, 9)
	assert.Equal(t, Task{Year: "2006", Month: "01", Day: "09"}, tk)
	assert.Equal(t, "ERA5_20060109.zip", tk.ArchiveName("ERA5"))
	assert.Equal(t, "merged_20060109.parquet", tk.OutputName())
	assert.Equal(t, "extracted_20060109", tk.ScratchName())
}

func TestFromArchiveName(t *testing.T) {
	tk, err := FromArchiveName("/data/ERA5_20080229.zip")
	require.NoError(t, err)
	assert.Equal(t, New(2008, 2, 29), tk)

	for _, bad := range []string{"ERA5.zip", "ERA5_2008022.zip", "ERA5_20090229.zip", "ERA5_abcdefgh.zip"} {
		_, err := FromArchiveName(bad)
		assert.Error(t, err, bad)
	}
}
