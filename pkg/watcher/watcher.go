// Package watcher turns file arrivals in the image and CSV directories into
// debounced detection snapshots.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"tesa-overwatch/pkg/artifacts"
	"tesa-overwatch/pkg/logging"
	"tesa-overwatch/pkg/shared"
)

const DefaultWindow = 100 * time.Millisecond

type Options struct {
	ImageDir string
	CSVDir   string
	Window   time.Duration
	Scanner  *artifacts.Scanner
	Flush    FlushFunc
	// OnCSVEvent runs synchronously for every CSV create or write, before
	// the arrival is queued.
	OnCSVEvent func(path string)
	// Seed queues the newest existing image and CSV at start.
	Seed bool
}

type Watcher struct {
	opts Options
	log  zerolog.Logger
}

func New(opts Options) *Watcher {
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.Scanner == nil {
		opts.Scanner = artifacts.NewScanner(artifacts.DefaultIOTimeout)
	}
	opts.ImageDir = filepath.Clean(opts.ImageDir)
	opts.CSVDir = filepath.Clean(opts.CSVDir)
	return &Watcher{opts: opts, log: logging.With("watcher")}
}

func (w *Watcher) String() string {
	return "file-watcher"
}

// Serve watches until ctx is canceled. An in-flight flush completes before
// it returns.
func (w *Watcher) Serve(ctx context.Context) error {
	for _, dir := range []string{w.opts.ImageDir, w.opts.CSVDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("%w: create %s: %v", shared.ErrIO, dir, err)
		}
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer fsw.Close()

	for _, dir := range []string{w.opts.ImageDir, w.opts.CSVDir} {
		if err := fsw.Add(dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
		w.log.Info().Str("dir", dir).Msg("watching directory")
	}

	deb := NewDebouncer(ctx, w.opts.Window, w.opts.Flush)
	defer deb.Stop()

	if w.opts.Seed {
		w.seed(ctx, deb)
	}

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("watcher stopping")
			return ctx.Err()

		case ev, ok := <-fsw.Events:
			if !ok {
				return errors.New("fsnotify event channel closed")
			}
			w.handle(ev, deb)

		case err, ok := <-fsw.Errors:
			if !ok {
				return errors.New("fsnotify error channel closed")
			}
			w.log.Error().Err(err).Msg("filesystem watch error")
		}
	}
}

func (w *Watcher) seed(ctx context.Context, deb *Debouncer) {
	for _, s := range []struct{ dir, kind string }{
		{w.opts.ImageDir, shared.KindImage},
		{w.opts.CSVDir, shared.KindCSV},
	} {
		latest, err := w.opts.Scanner.Latest(ctx, s.dir, s.kind)
		if err != nil {
			w.log.Warn().Err(err).Str("dir", s.dir).Msg("failed to scan for initial artifact")
			continue
		}
		if latest != "" {
			w.log.Debug().Str("path", latest).Msg("seeding initial artifact")
			deb.Enqueue(s.kind, latest)
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event, deb *Debouncer) {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
		return
	}
	name := filepath.Base(ev.Name)
	if strings.HasPrefix(name, ".") {
		return
	}

	switch filepath.Dir(ev.Name) {
	case w.opts.ImageDir:
		if !artifacts.IsImage(name) {
			return
		}
		w.log.Info().Str("path", ev.Name).Str("op", ev.Op.String()).Msg("image arrived")
		deb.Enqueue(shared.KindImage, ev.Name)

	case w.opts.CSVDir:
		if !artifacts.IsCSV(name) {
			return
		}
		w.log.Info().Str("path", ev.Name).Str("op", ev.Op.String()).Msg("csv arrived")
		if w.opts.OnCSVEvent != nil {
			w.opts.OnCSVEvent(ev.Name)
		}
		deb.Enqueue(shared.KindCSV, ev.Name)
	}
}
