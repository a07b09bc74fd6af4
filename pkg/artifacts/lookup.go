package artifacts

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"tesa-overwatch/pkg/logging"
	"tesa-overwatch/pkg/metrics"
	"tesa-overwatch/pkg/ontology"
	"tesa-overwatch/pkg/shared"
)

// imageNameFields are the header spellings the detector has used for the
// image reference column.
var imageNameFields = []string{"image_name", "imageName"}

// Lookup finds the metadata row for an image by scanning every CSV file in
// the metadata directory. There is no index: a miss costs one parse of
// every file. Hits are memoized until Invalidate is called, which the
// watcher does on every CSV add or change.
type Lookup struct {
	scanner *Scanner
	csvDir  string
	cache   *cache.Cache
	log     zerolog.Logger

	// gen is bumped by Invalidate; a scan that started under an older
	// generation must not populate the cache.
	mu  sync.Mutex
	gen uint64
}

func NewLookup(scanner *Scanner, csvDir string, ttl time.Duration) *Lookup {
	if ttl <= 0 {
		ttl = cache.NoExpiration
	}
	return &Lookup{
		scanner: scanner,
		csvDir:  csvDir,
		cache:   cache.New(ttl, 2*ttl),
		log:     logging.With("lookup"),
	}
}

// FindMetadataForImage returns the first row whose image_name equals
// imageName, either exactly or after stripping a path prefix. It returns
// nil, nil when nothing matches or the CSV directory is missing. Which file
// wins when several match is unspecified; image names are expected to be
// unique across the corpus.
func (l *Lookup) FindMetadataForImage(ctx context.Context, imageName string) (map[string]string, error) {
	if cached, ok := l.cache.Get(imageName); ok {
		return copyRow(cached.(map[string]string)), nil
	}

	gen := l.generation()
	start := time.Now()
	defer func() {
		metrics.LookupDuration.Observe(time.Since(start).Seconds())
	}()

	files, err := l.scanner.ListCSV(ctx, l.csvDir)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			l.log.Warn().Str("path", l.csvDir).Msg("csv directory not found")
			return nil, nil
		}
		return nil, err
	}

	for _, name := range files {
		table, err := l.scanner.ReadCSVFile(ctx, filepath.Join(l.csvDir, name))
		if err != nil {
			l.log.Warn().Err(err).Str("file", name).Msg("skipping unreadable csv")
			continue
		}
		if row := MatchRow(table, imageName); row != nil {
			l.remember(gen, imageName, row)
			return copyRow(row), nil
		}
	}
	return nil, nil
}

// Invalidate drops every memoized result, including any a scan already in
// flight would otherwise store.
func (l *Lookup) Invalidate() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.gen++
	l.cache.Flush()
}

func (l *Lookup) generation() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.gen
}

func (l *Lookup) remember(gen uint64, imageName string, row map[string]string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if gen != l.gen {
		return
	}
	l.cache.SetDefault(imageName, row)
}

// MatchRow returns the first row of table that references imageName.
func MatchRow(table *ontology.CSVTable, imageName string) map[string]string {
	if table == nil {
		return nil
	}
	for _, row := range table.Rows {
		for _, field := range imageNameFields {
			v, ok := row[field]
			if !ok || v == "" {
				continue
			}
			if v == imageName || baseName(v) == imageName {
				return row
			}
		}
	}
	return nil
}

// baseName strips both slash and backslash path prefixes; the detector may
// run on either platform.
func baseName(p string) string {
	if i := strings.LastIndexAny(p, `/\`); i >= 0 {
		return p[i+1:]
	}
	return p
}

func copyRow(row map[string]string) map[string]string {
	out := make(map[string]string, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}
