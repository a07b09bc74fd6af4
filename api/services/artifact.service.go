package services

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"tesa-overwatch/pkg/artifacts"
	"tesa-overwatch/pkg/logging"
	"tesa-overwatch/pkg/shared"
)

// Dirs names the artifact directories under the data root.
type Dirs struct {
	Data     string
	CSV      string
	Image    string
	Detected string
}

// ArtifactService serves the detected-image gallery and metadata lookups.
type ArtifactService struct {
	dirs    Dirs
	scanner *artifacts.Scanner
	lookup  *artifacts.Lookup
	log     zerolog.Logger
}

func NewArtifactService(dirs Dirs, scanner *artifacts.Scanner, lookup *artifacts.Lookup) *ArtifactService {
	return &ArtifactService{
		dirs:    dirs,
		scanner: scanner,
		lookup:  lookup,
		log:     logging.With("artifacts"),
	}
}

func (s *ArtifactService) Dirs() Dirs {
	return s.dirs
}

// ListDetected returns detected image names, newest first.
func (s *ArtifactService) ListDetected(ctx context.Context) ([]string, error) {
	names, err := s.scanner.ListImages(ctx, s.dirs.Detected)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", s.dirs.Detected, err)
	}
	return names, nil
}

// CheckFilename rejects names that could escape the artifact directory.
func CheckFilename(name string) error {
	if name == "" || strings.Contains(name, "..") || strings.ContainsAny(name, `/\`) {
		return shared.NewValidationError("filename", "invalid filename")
	}
	return nil
}

// DetectedPath resolves a client-supplied name inside the detected
// directory.
func (s *ArtifactService) DetectedPath(name string) (string, error) {
	if err := CheckFilename(name); err != nil {
		return "", err
	}
	return filepath.Join(s.dirs.Detected, name), nil
}

// ReadDetected returns the bytes and content type of a detected image.
func (s *ArtifactService) ReadDetected(ctx context.Context, name string) ([]byte, string, error) {
	path, err := s.DetectedPath(name)
	if err != nil {
		return nil, "", err
	}
	data, err := s.scanner.ReadFile(ctx, path)
	if err != nil {
		return nil, "", fmt.Errorf("read image %s: %w", name, err)
	}
	return data, artifacts.ContentType(name), nil
}

// MetadataFor returns the CSV row referencing imageName, or nil.
func (s *ArtifactService) MetadataFor(ctx context.Context, imageName string) (map[string]string, error) {
	return s.lookup.FindMetadataForImage(ctx, imageName)
}

type PathReport struct {
	DataDir        string `json:"dataDir"`
	DetectedDir    string `json:"detectedDir"`
	CSVDir         string `json:"csvDir"`
	ImageDir       string `json:"imageDir"`
	DetectedExists bool   `json:"detectedExists"`
	CSVExists      bool   `json:"csvExists"`
	ImageExists    bool   `json:"imageExists"`
	FileCount      int    `json:"fileCount"`
	ImageCount     int    `json:"imageCount"`
}

func (s *ArtifactService) DebugPaths(ctx context.Context) PathReport {
	report := PathReport{
		DataDir:        s.dirs.Data,
		DetectedDir:    s.dirs.Detected,
		CSVDir:         s.dirs.CSV,
		ImageDir:       s.dirs.Image,
		DetectedExists: s.scanner.Exists(ctx, s.dirs.Detected),
		CSVExists:      s.scanner.Exists(ctx, s.dirs.CSV),
		ImageExists:    s.scanner.Exists(ctx, s.dirs.Image),
	}
	if !report.DetectedExists {
		return report
	}
	if n, err := s.scanner.CountEntries(ctx, s.dirs.Detected); err == nil {
		report.FileCount = n
	} else {
		s.log.Warn().Err(err).Str("dir", s.dirs.Detected).Msg("failed to count entries")
	}
	if images, err := s.scanner.ListImages(ctx, s.dirs.Detected); err == nil {
		report.ImageCount = len(images)
	}
	return report
}

// Diagnose logs missing directories and the gallery size at startup.
func (s *ArtifactService) Diagnose(ctx context.Context) {
	for _, dir := range []string{s.dirs.CSV, s.dirs.Image, s.dirs.Detected} {
		if !s.scanner.Exists(ctx, dir) {
			s.log.Warn().Str("dir", dir).Msg("directory not found, it will be created on first use")
		}
	}
	if images, err := s.scanner.ListImages(ctx, s.dirs.Detected); err == nil {
		s.log.Info().Str("dir", s.dirs.Detected).Int("images", len(images)).Msg("detected directory found")
	}
}
