package downloader

import (
	"github.com/brensch/era5parquet/internal/cds"
	"github.com/brensch/era5parquet/internal/config"
	"github.com/brensch/era5parquet/internal/task"
)

// BuildRequest derives the retrieval request for one day. It is a pure
// function of its inputs.
func BuildRequest(r config.Request, t task.Task) cds.Request {
	return cds.Request{
		Dataset: r.Dataset,
		Inputs: map[string]any{
			"product_type":    r.ProductType,
			"variable":        append([]string(nil), r.Variables...),
			"year":            t.Year,
			"month":           []string{t.Month},
			"day":             []string{t.Day},
			"pressure_level":  append([]string(nil), r.PressureLevels...),
			"daily_statistic": r.DailyStatistic,
			"time_zone":       r.TimeZone,
			"frequency":       r.Frequency,
			"data_format":     r.DataFormat,
		},
	}
}
