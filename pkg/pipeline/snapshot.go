// Package pipeline builds drone-data snapshots from debounced file arrivals.
package pipeline

import (
	"context"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"tesa-overwatch/pkg/artifacts"
	"tesa-overwatch/pkg/broadcast"
	"tesa-overwatch/pkg/logging"
	"tesa-overwatch/pkg/ontology"
	"tesa-overwatch/pkg/shared"
	"tesa-overwatch/pkg/watcher"
)

type Snapshotter struct {
	scanner   *artifacts.Scanner
	lookup    *artifacts.Lookup
	publisher broadcast.Publisher
	log       zerolog.Logger
}

func NewSnapshotter(scanner *artifacts.Scanner, lookup *artifacts.Lookup, publisher broadcast.Publisher) *Snapshotter {
	return &Snapshotter{
		scanner:   scanner,
		lookup:    lookup,
		publisher: publisher,
		log:       logging.With("pipeline"),
	}
}

// Flush is a watcher.FlushFunc. Unreadable artifacts are logged and left
// out of the snapshot; nothing is broadcast when neither side could be read.
func (s *Snapshotter) Flush(ctx context.Context, b watcher.Batch) {
	data, ok := s.Build(ctx, b)
	if !ok {
		return
	}
	s.publisher.Broadcast(shared.EventDroneData, data)
	s.log.Info().
		Str("csv", deref(data.CSVPath)).
		Str("image", deref(data.ImagePath)).
		Int("coalesced", b.Dropped).
		Msg("emitted drone data")
}

func (s *Snapshotter) Build(ctx context.Context, b watcher.Batch) (ontology.DroneData, bool) {
	data := ontology.DroneData{Timestamp: time.Now().UTC()}

	if b.CSV != "" {
		table, err := s.scanner.ReadCSVFile(ctx, b.CSV)
		switch {
		case err != nil:
			s.log.Warn().Err(err).Str("path", b.CSV).Msg("skipping unreadable csv")
		case table == nil:
			s.log.Warn().Str("path", b.CSV).Msg("csv has no data rows")
		default:
			data.CSV = table
			data.CSVPath = ptr(filepath.Base(b.CSV))
		}
	}

	if b.Image != "" {
		url, err := s.scanner.ReadImageDataURL(ctx, b.Image)
		if err != nil {
			s.log.Warn().Err(err).Str("path", b.Image).Msg("skipping unreadable image")
		} else {
			data.Image = &url
			data.ImagePath = ptr(filepath.Base(b.Image))
		}
	}

	if data.CSV == nil && data.Image == nil {
		return data, false
	}

	if data.ImagePath != nil {
		data.Metadata = s.metadata(ctx, data.CSV, *data.ImagePath)
	}
	return data, true
}

// metadata prefers the paired file and falls back to a scan of every CSV.
func (s *Snapshotter) metadata(ctx context.Context, paired *ontology.CSVTable, image string) map[string]string {
	if row := artifacts.MatchRow(paired, image); row != nil {
		return row
	}
	if s.lookup == nil {
		return nil
	}
	row, err := s.lookup.FindMetadataForImage(ctx, image)
	if err != nil {
		s.log.Warn().Err(err).Str("image", image).Msg("metadata lookup failed")
		return nil
	}
	return row
}

func ptr(s string) *string {
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
