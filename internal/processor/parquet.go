package processor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"regexp"
	"strings"

	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"github.com/brensch/era5parquet/internal/dataset"
	"github.com/brensch/era5parquet/internal/fault"
)

// writerParallelism is the parquet-go marshalling goroutine count per file.
const writerParallelism = 4

// cancelCheckEvery is how many rows are written between context checks.
const cancelCheckEvery = 1 << 16

var unsafeColumnChars = regexp.MustCompile(`[^A-Za-z0-9_]`)

// Codec maps a configured compression name to the Parquet codec.
func Codec(name string) (parquet.CompressionCodec, error) {
	switch strings.ToLower(name) {
	case "zstd":
		return parquet.CompressionCodec_ZSTD, nil
	case "snappy":
		return parquet.CompressionCodec_SNAPPY, nil
	case "gzip":
		return parquet.CompressionCodec_GZIP, nil
	case "none", "":
		return parquet.CompressionCodec_UNCOMPRESSED, nil
	}
	return parquet.CompressionCodec_UNCOMPRESSED, fmt.Errorf("unknown compression %q", name)
}

// column is one output column: a grid coordinate or a data variable.
type column struct {
	name    string
	coord   []float64 // set for coordinate columns
	values  []float64 // set for data columns
	strides []int     // per grid dim, 0 where the variable is broadcast
}

// WriteCompressed writes ds as a long table: one row per grid point, a DOUBLE
// column per grid coordinate followed by an OPTIONAL DOUBLE column per data
// variable, every column chunk compressed with codec. NaN becomes null.
// The file is written to path+".tmp" and renamed, so path only ever holds a
// complete file.
func WriteCompressed(ctx context.Context, ds *dataset.Dataset, path, codec string) (rows int64, err error) {
	compression, err := Codec(codec)
	if err != nil {
		return 0, err
	}
	grid, err := ds.Grid()
	if err != nil {
		return 0, err
	}
	cols, err := buildColumns(ds, grid)
	if err != nil {
		return 0, err
	}

	md := make([]string, len(cols))
	seen := make(map[string]bool, len(cols))
	for i, c := range cols {
		if seen[c.name] {
			return 0, fmt.Errorf("column %s appears twice after sanitising names", c.name)
		}
		seen[c.name] = true
		rep := "REQUIRED"
		if c.coord == nil {
			rep = "OPTIONAL"
		}
		md[i] = fmt.Sprintf("name=%s, type=DOUBLE, repetitiontype=%s", c.name, rep)
	}

	tmp := path + ".tmp"
	fw, err := local.NewLocalFileWriter(tmp)
	if err != nil {
		return 0, fault.Filesystem(fmt.Errorf("create %s: %w", tmp, err))
	}
	defer func() {
		if err != nil {
			os.Remove(tmp)
		}
	}()

	pw, err := writer.NewCSVWriter(md, fw, writerParallelism)
	if err != nil {
		fw.Close()
		return 0, fmt.Errorf("init parquet writer: %w", err)
	}
	pw.CompressionType = compression

	total := int64(1)
	for _, d := range grid {
		total *= int64(d.Len)
	}
	idx := make([]int, len(grid))
	for row := int64(0); row < total; row++ {
		if row%cancelCheckEvery == 0 && ctx.Err() != nil {
			pw.WriteStop()
			fw.Close()
			return 0, fmt.Errorf("%w: writing %s: %w", fault.ErrCanceled, path, ctx.Err())
		}
		// parquet-go keeps the slice until the row group flushes, so each row gets its own.
		rec := make([]interface{}, len(cols))
		for i, c := range cols {
			if c.coord != nil {
				rec[i] = c.coord[idx[i]]
				continue
			}
			off := 0
			for g, s := range c.strides {
				off += idx[g] * s
			}
			if x := c.values[off]; !math.IsNaN(x) {
				rec[i] = x
			}
		}
		if err := pw.Write(rec); err != nil {
			pw.WriteStop()
			fw.Close()
			return 0, fault.Filesystem(fmt.Errorf("write row %d: %w", row, err))
		}
		// Row-major: last dimension varies fastest.
		for g := len(grid) - 1; g >= 0; g-- {
			idx[g]++
			if idx[g] < grid[g].Len {
				break
			}
			idx[g] = 0
		}
	}

	stopErr := pw.WriteStop()
	closeErr := fw.Close()
	if err := errors.Join(stopErr, closeErr); err != nil {
		return 0, fault.Filesystem(fmt.Errorf("finish %s: %w", tmp, err))
	}
	if err := os.Rename(tmp, path); err != nil {
		return 0, fault.Filesystem(fmt.Errorf("rename %s: %w", tmp, err))
	}
	return total, nil
}

// buildColumns loads coordinates and data and works out how each variable's
// flat index follows the grid. Coordinate columns come first, in grid order,
// so column i < len(grid) reads idx[i].
func buildColumns(ds *dataset.Dataset, grid []dataset.Dim) ([]column, error) {
	var cols []column
	for _, d := range grid {
		coord, err := ds.CoordValues(d)
		if err != nil {
			return nil, err
		}
		cols = append(cols, column{name: columnName(d.Name), coord: coord})
	}
	for _, v := range ds.DataVars() {
		vals, err := v.Values()
		if err != nil {
			return nil, err
		}
		strides := make([]int, len(grid))
		stride := 1
		for i := len(v.Dims) - 1; i >= 0; i-- {
			for g := range grid {
				if grid[g].Name == v.Dims[i] {
					strides[g] = stride
				}
			}
			stride *= v.Shape[i]
		}
		cols = append(cols, column{name: columnName(v.Name), values: vals, strides: strides})
	}
	return cols, nil
}

func columnName(name string) string {
	return unsafeColumnChars.ReplaceAllString(name, "_")
}
