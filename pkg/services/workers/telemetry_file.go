package workers

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/knadh/koanf/providers/file"
	"github.com/rs/zerolog"

	"tesa-overwatch/pkg/logging"
	"tesa-overwatch/pkg/shared"
	"tesa-overwatch/pkg/telemetry"
)

// DefaultTeamDrones is written when the telemetry file does not exist.
const DefaultTeamDrones = `{"lat":0,"lng":0,"height":0}`

// FileWorker re-reads a single-object telemetry file whenever it changes.
// Change notifications come from the koanf file provider and always
// apply; a periodic mtime and size check covers filesystems that never
// deliver them. The content present at startup is not applied.
type FileWorker struct {
	path     string
	interval time.Duration
	sink     TelemetrySink
	log      zerolog.Logger

	modTime time.Time
	size    int64
}

func NewFileWorker(path string, interval time.Duration, sink TelemetrySink) *FileWorker {
	if interval <= 0 {
		interval = time.Second
	}
	return &FileWorker{
		path:     path,
		interval: interval,
		sink:     sink,
		log:      logging.With("team-drones-file"),
	}
}

func (w *FileWorker) String() string {
	return "team-drones-file"
}

// EnsureFile creates the telemetry file with default content if absent.
func EnsureFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: stat %s: %v", shared.ErrIO, path, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("%w: create %s: %v", shared.ErrIO, filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(DefaultTeamDrones+"\n"), 0o644); err != nil {
		return fmt.Errorf("%w: write %s: %v", shared.ErrIO, path, err)
	}
	return nil
}

func (w *FileWorker) Serve(ctx context.Context) error {
	if err := EnsureFile(w.path); err != nil {
		return err
	}
	w.changed()

	changes := make(chan struct{}, 1)
	fp := file.Provider(w.path)
	if err := fp.Watch(func(_ interface{}, err error) {
		if err != nil {
			w.log.Warn().Err(err).Msg("file watch error")
			return
		}
		select {
		case changes <- struct{}{}:
		default:
		}
	}); err != nil {
		w.log.Warn().Err(err).Msg("file notifications unavailable, polling only")
	} else {
		defer func() {
			if err := fp.Unwatch(); err != nil {
				w.log.Debug().Err(err).Msg("unwatch failed")
			}
		}()
	}

	w.log.Info().Str("path", w.path).Dur("poll_interval", w.interval).Msg("watching telemetry file")

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changes:
			w.refresh(ctx, fp, true)
		case <-ticker.C:
			w.refresh(ctx, fp, false)
		}
	}
}

// refresh applies the file when its mtime or size moved. A notification
// applies it regardless: a rewrite can keep both.
func (w *FileWorker) refresh(ctx context.Context, fp *file.File, notified bool) {
	if w.changed() || notified {
		w.apply(ctx, fp)
	}
}

// changed records the current mtime and size and reports whether they
// differ from the previous observation.
func (w *FileWorker) changed() bool {
	info, err := os.Stat(w.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			w.log.Warn().Err(err).Msg("stat failed")
		}
		return false
	}
	if info.ModTime().Equal(w.modTime) && info.Size() == w.size {
		return false
	}
	w.modTime, w.size = info.ModTime(), info.Size()
	return true
}

func (w *FileWorker) apply(ctx context.Context, fp *file.File) {
	data, err := fp.ReadBytes()
	if err != nil {
		w.log.Warn().Err(err).Msg("failed to read telemetry file")
		return
	}
	raw, err := telemetry.DecodeRawUpdate(data)
	if err != nil {
		w.log.Warn().Err(err).Msg("ignoring malformed telemetry file")
		return
	}
	if _, err := w.sink.Update(ctx, raw, shared.SourceFile); err != nil {
		w.log.Warn().Err(err).Msg("telemetry file update rejected")
	}
}
