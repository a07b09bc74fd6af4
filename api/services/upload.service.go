package services

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"tesa-overwatch/pkg/artifacts"
	"tesa-overwatch/pkg/broadcast"
	"tesa-overwatch/pkg/logging"
	"tesa-overwatch/pkg/ontology"
	"tesa-overwatch/pkg/shared"
	"tesa-overwatch/pkg/telemetry"
)

// metadata columns written for every positioned upload, in order
var uploadColumns = []string{"image_name", "latitude", "longitude", "altitude", "timestamp"}

// form fields folded into the fixed columns above
var positionFields = map[string]bool{
	"lat": true, "latitude": true,
	"lng": true, "lon": true, "longitude": true,
	"height": true, "alt": true, "altitude": true,
	"image_name": true, "timestamp": true,
}

type UploadRequest struct {
	Filename string
	Body     io.Reader
	Fields   map[string]string
}

type UploadResult struct {
	Image ontology.DetectedImage `json:"image"`
	Drone *ontology.Drone        `json:"drone,omitempty"`
}

// UploadService is the multipart ingestion surface: it stores the image,
// writes a metadata file when position fields are present and feeds the
// position to the telemetry router.
type UploadService struct {
	dirs      Dirs
	router    *telemetry.Router
	lookup    *artifacts.Lookup
	publisher broadcast.Publisher
	now       func() time.Time
	log       zerolog.Logger
}

func NewUploadService(dirs Dirs, router *telemetry.Router, lookup *artifacts.Lookup, publisher broadcast.Publisher) *UploadService {
	return &UploadService{
		dirs:      dirs,
		router:    router,
		lookup:    lookup,
		publisher: publisher,
		now:       time.Now,
		log:       logging.With("upload"),
	}
}

// SanitizeUploadName keeps the base name of a client filename, or
// generates upload_<unixmillis>.<ext> when it is unusable.
func SanitizeUploadName(name string, now time.Time) (string, error) {
	base := name
	if i := strings.LastIndexAny(base, `/\`); i >= 0 {
		base = base[i+1:]
	}
	base = strings.TrimSpace(base)

	ext := strings.ToLower(filepath.Ext(base))
	if !artifacts.IsImage("x" + ext) {
		return "", shared.NewValidationError("image", "unsupported image type %q", ext)
	}
	if CheckFilename(base) != nil || strings.HasPrefix(base, ".") || base == ext {
		return fmt.Sprintf("upload_%d%s", now.UnixMilli(), ext), nil
	}
	return base, nil
}

func (s *UploadService) Upload(ctx context.Context, req UploadRequest) (*UploadResult, error) {
	now := s.now().UTC()
	name, err := SanitizeUploadName(req.Filename, now)
	if err != nil {
		return nil, err
	}

	var raw *telemetry.RawUpdate
	if hasPosition(req.Fields) {
		fields := make(map[string]any, len(req.Fields))
		for k, v := range req.Fields {
			fields[k] = v
		}
		u := telemetry.NewRawUpdate(fields)
		if err := s.router.Check(u); err != nil {
			return nil, err
		}
		raw = &u
	}

	if err := s.saveImage(ctx, name, req.Body); err != nil {
		return nil, err
	}

	result := &UploadResult{Image: ontology.DetectedImage{Filename: name, Timestamp: now}}

	if raw != nil {
		row, headers := metadataRow(name, req.Fields, now)
		csvPath := filepath.Join(s.dirs.CSV, strings.TrimSuffix(name, filepath.Ext(name))+".csv")
		if err := artifacts.WriteCSVFile(csvPath, headers, row); err != nil {
			return nil, fmt.Errorf("write metadata for %s: %w", name, err)
		}
		if s.lookup != nil {
			s.lookup.Invalidate()
		}
		result.Image.Metadata = row

		drone, err := s.router.Update(ctx, *raw, shared.SourceUpload)
		if err != nil {
			return nil, err
		}
		result.Drone = &drone
	}

	s.publisher.Broadcast(shared.EventNewDetectedImage, result.Image)
	s.log.Info().Str("filename", name).Bool("positioned", raw != nil).Msg("image uploaded")
	return result, nil
}

func (s *UploadService) saveImage(ctx context.Context, name string, body io.Reader) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(s.dirs.Detected, 0o755); err != nil {
		return fmt.Errorf("%w: create %s: %v", shared.ErrIO, s.dirs.Detected, err)
	}

	tmp, err := os.CreateTemp(s.dirs.Detected, ".upload-*")
	if err != nil {
		return fmt.Errorf("%w: create temp file: %v", shared.ErrIO, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: write %s: %v", shared.ErrIO, name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %v", shared.ErrIO, name, err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(s.dirs.Detected, name)); err != nil {
		return fmt.Errorf("%w: rename %s: %v", shared.ErrIO, name, err)
	}
	return nil
}

func hasPosition(fields map[string]string) bool {
	lat := firstOf(fields, "lat", "latitude")
	lng := firstOf(fields, "lng", "lon", "longitude")
	return lat != "" && lng != ""
}

func firstOf(fields map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(fields[k]); v != "" {
			return v
		}
	}
	return ""
}

func metadataRow(image string, fields map[string]string, now time.Time) (map[string]string, []string) {
	row := map[string]string{
		"image_name": image,
		"latitude":   firstOf(fields, "lat", "latitude"),
		"longitude":  firstOf(fields, "lng", "lon", "longitude"),
		"altitude":   firstOf(fields, "height", "alt", "altitude"),
		"timestamp":  firstOf(fields, "timestamp"),
	}
	if row["timestamp"] == "" {
		row["timestamp"] = now.Format(time.RFC3339)
	}
	if alt, err := strconv.ParseFloat(row["altitude"], 64); err == nil && alt < 0 {
		row["altitude"] = strconv.FormatFloat(-alt, 'f', -1, 64)
	}

	var extra []string
	for k, v := range fields {
		if positionFields[k] || k == "" {
			continue
		}
		row[k] = v
		extra = append(extra, k)
	}
	sort.Strings(extra)

	headers := append(append([]string(nil), uploadColumns...), extra...)
	return row, headers
}
