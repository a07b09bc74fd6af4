// Package artifacts reads the detector's output directories: listing
// images and CSV files newest first, parsing CSV metadata and finding the
// metadata row that belongs to an image.
package artifacts

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"tesa-overwatch/pkg/ontology"
	"tesa-overwatch/pkg/shared"
)

// DefaultIOTimeout bounds every directory and file read.
const DefaultIOTimeout = 3 * time.Second

var imageExtensions = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
}

// Scanner lists and reads artifact files with a deadline on every
// filesystem call.
type Scanner struct {
	timeout time.Duration
}

func NewScanner(timeout time.Duration) *Scanner {
	if timeout <= 0 {
		timeout = DefaultIOTimeout
	}
	return &Scanner{timeout: timeout}
}

// ListImages returns image file names in dir, newest first.
func (s *Scanner) ListImages(ctx context.Context, dir string) ([]string, error) {
	return s.list(ctx, dir, IsImage)
}

// ListCSV returns CSV file names in dir, newest first.
func (s *Scanner) ListCSV(ctx context.Context, dir string) ([]string, error) {
	return s.list(ctx, dir, IsCSV)
}

// Latest returns the full path of the newest file of kind in dir, or ""
// when the directory holds none.
func (s *Scanner) Latest(ctx context.Context, dir, kind string) (string, error) {
	var (
		names []string
		err   error
	)
	switch kind {
	case shared.KindImage:
		names, err = s.ListImages(ctx, dir)
	case shared.KindCSV:
		names, err = s.ListCSV(ctx, dir)
	default:
		return "", fmt.Errorf("unknown artifact kind %q", kind)
	}
	if err != nil || len(names) == 0 {
		return "", err
	}
	return filepath.Join(dir, names[0]), nil
}

func (s *Scanner) list(ctx context.Context, dir string, keep func(string) bool) ([]string, error) {
	entries, err := withTimeout(ctx, s.timeout, func() ([]fs.DirEntry, error) {
		return os.ReadDir(dir)
	})
	if err != nil {
		return nil, classify(dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !keep(name) {
			continue
		}
		names = append(names, name)
	}
	SortNewestFirst(names)
	return names, nil
}

// CountEntries returns the number of directory entries in dir, hidden files
// and subdirectories included.
func (s *Scanner) CountEntries(ctx context.Context, dir string) (int, error) {
	entries, err := withTimeout(ctx, s.timeout, func() ([]fs.DirEntry, error) {
		return os.ReadDir(dir)
	})
	if err != nil {
		return 0, classify(dir, err)
	}
	return len(entries), nil
}

// ReadFile reads path under the scanner deadline.
func (s *Scanner) ReadFile(ctx context.Context, path string) ([]byte, error) {
	data, err := withTimeout(ctx, s.timeout, func() ([]byte, error) {
		return os.ReadFile(path)
	})
	if err != nil {
		return nil, classify(path, err)
	}
	return data, nil
}

// ReadCSVFile reads and parses a metadata file. A file with fewer than two
// non-empty lines yields nil, nil.
func (s *Scanner) ReadCSVFile(ctx context.Context, path string) (*ontology.CSVTable, error) {
	data, err := s.ReadFile(ctx, path)
	if err != nil {
		return nil, err
	}
	return ParseCSV(string(data)), nil
}

// ReadImageDataURL returns the image at path as a data: URL.
func (s *Scanner) ReadImageDataURL(ctx context.Context, path string) (string, error) {
	data, err := s.ReadFile(ctx, path)
	if err != nil {
		return "", err
	}
	return "data:" + ContentType(path) + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}

// Exists reports whether path exists, under the scanner deadline.
func (s *Scanner) Exists(ctx context.Context, path string) bool {
	_, err := withTimeout(ctx, s.timeout, func() (fs.FileInfo, error) {
		return os.Stat(path)
	})
	return err == nil
}

func classify(path string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", shared.ErrNotFound, path)
	}
	return fmt.Errorf("%w: %s: %v", shared.ErrIO, path, err)
}

func withTimeout[T any](ctx context.Context, timeout time.Duration, fn func() (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn()
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, fmt.Errorf("timed out after %s: %w", timeout, ctx.Err())
	}
}

func IsImage(name string) bool {
	_, ok := imageExtensions[strings.ToLower(filepath.Ext(name))]
	return ok
}

func IsCSV(name string) bool {
	return strings.EqualFold(filepath.Ext(name), ".csv")
}

// ContentType maps an image name to its MIME type, defaulting to JPEG.
func ContentType(name string) string {
	if ct, ok := imageExtensions[strings.ToLower(filepath.Ext(name))]; ok {
		return ct
	}
	return "image/jpeg"
}

// OrderingKey returns the first run of digits in name without leading
// zeros, or "0" when name has no digits.
func OrderingKey(name string) string {
	start := strings.IndexAny(name, "0123456789")
	if start < 0 {
		return "0"
	}
	end := start
	for end < len(name) && name[end] >= '0' && name[end] <= '9' {
		end++
	}
	key := strings.TrimLeft(name[start:end], "0")
	if key == "" {
		return "0"
	}
	return key
}

// compareKeys compares two ordering keys numerically. Keys carry no
// leading zeros, so a longer key is the larger number.
func compareKeys(a, b string) int {
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	return strings.Compare(a, b)
}

// SortNewestFirst orders names by descending ordering key. Names with equal
// keys fall back to descending name order; files without digits all share
// key 0, so their relative order carries no meaning.
func SortNewestFirst(names []string) {
	sort.SliceStable(names, func(i, j int) bool {
		c := compareKeys(OrderingKey(names[i]), OrderingKey(names[j]))
		if c != 0 {
			return c > 0
		}
		return names[i] > names[j]
	})
}
