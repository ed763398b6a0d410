// Package archive validates and unpacks the zip containers delivered for each day.
package archive

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/brensch/era5parquet/internal/fault"
)

// Validate reports whether path holds a structurally intact archive: it exists,
// opens as a zip and every member decompresses with a matching CRC-32.
// It never modifies the file and never returns an error.
func Validate(path string) bool {
	return Check(path) == nil
}

// Check is Validate with the reason. Failures wrap fault.ErrIntegrity.
func Check(path string) error {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return fmt.Errorf("%w: open %s: %w", fault.ErrIntegrity, filepath.Base(path), err)
	}
	defer zr.Close()

	// A member-less zip passes a CRC scan vacuously, but the service never
	// delivers one, so keeping it would skip the day with nothing to process.
	if len(zr.File) == 0 {
		return fmt.Errorf("%w: %s has no members", fault.ErrIntegrity, filepath.Base(path))
	}
	for _, f := range zr.File {
		if err := checkMember(f); err != nil {
			return fmt.Errorf("%w: %s member %s: %w", fault.ErrIntegrity, filepath.Base(path), f.Name, err)
		}
	}
	return nil
}

// checkMember reads a member to EOF; archive/zip verifies the CRC at EOF.
func checkMember(f *zip.File) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	_, copyErr := io.Copy(io.Discard, rc)
	return errors.Join(copyErr, rc.Close())
}

// ExtractAll unpacks every regular file of the archive at path into targetDir,
// keeping the member's relative directory layout. Members that would land outside
// targetDir are rejected. Returns the extracted file paths in archive order.
func ExtractAll(ctx context.Context, path, targetDir string) ([]string, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", fault.ErrIntegrity, filepath.Base(path), err)
	}
	defer zr.Close()

	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return nil, fault.Filesystem(fmt.Errorf("create %s: %w", targetDir, err))
	}
	root, err := filepath.Abs(targetDir)
	if err != nil {
		return nil, fault.Filesystem(err)
	}

	var extracted []string
	for _, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return extracted, fmt.Errorf("%w: %w", fault.ErrCanceled, err)
		}
		if f.FileInfo().IsDir() {
			continue
		}
		dest := filepath.Join(root, filepath.FromSlash(f.Name))
		if !strings.HasPrefix(dest, root+string(os.PathSeparator)) {
			return extracted, fmt.Errorf("%w: member %q escapes extraction directory", fault.ErrIntegrity, f.Name)
		}
		if err := extractMember(f, dest); err != nil {
			return extracted, err
		}
		extracted = append(extracted, dest)
	}
	return extracted, nil
}

func extractMember(f *zip.File, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fault.Filesystem(fmt.Errorf("create %s: %w", filepath.Dir(dest), err))
	}
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("%w: open member %s: %w", fault.ErrIntegrity, f.Name, err)
	}
	defer rc.Close()

	out, err := os.Create(dest)
	if err != nil {
		return fault.Filesystem(fmt.Errorf("create %s: %w", dest, err))
	}
	_, copyErr := io.Copy(out, rc)
	closeErr := out.Close()
	if copyErr != nil || closeErr != nil {
		os.Remove(dest) // don't leave a truncated member behind
		if errors.Is(copyErr, zip.ErrChecksum) || errors.Is(copyErr, zip.ErrFormat) || errors.Is(copyErr, io.ErrUnexpectedEOF) {
			return fmt.Errorf("%w: extract %s: %w", fault.ErrIntegrity, f.Name, copyErr)
		}
		return fault.Filesystem(fmt.Errorf("extract %s: %w", f.Name, errors.Join(copyErr, closeErr)))
	}
	return nil
}
