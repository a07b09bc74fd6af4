package services

import (
	"context"
	"errors"

	"github.com/go-playground/validator/v10"
	gojson "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"tesa-overwatch/pkg/artifacts"
	"tesa-overwatch/pkg/logging"
	"tesa-overwatch/pkg/ontology"
	"tesa-overwatch/pkg/shared"
)

// DefaultCameras is served when no valid cameras.json exists.
var DefaultCameras = []ontology.Camera{
	{ID: "cam-1", Name: "North Gate", Lat: 13.7563, Lng: 100.5018, Heading: 0, FOV: 90},
	{ID: "cam-2", Name: "East Perimeter", Lat: 13.7548, Lng: 100.5045, Heading: 90, FOV: 90},
	{ID: "cam-3", Name: "South Tower", Lat: 13.7530, Lng: 100.5020, Heading: 180, FOV: 120},
}

type CameraList struct {
	Cameras []ontology.Camera `json:"cameras"`
	Count   int               `json:"count"`
	Source  string            `json:"source"`
}

type CameraService struct {
	path     string
	scanner  *artifacts.Scanner
	validate *validator.Validate
	log      zerolog.Logger
}

func NewCameraService(path string, scanner *artifacts.Scanner) *CameraService {
	return &CameraService{
		path:     path,
		scanner:  scanner,
		validate: validator.New(),
		log:      logging.With("cameras"),
	}
}

// List reads the camera file on every call so edits apply without restart.
func (s *CameraService) List(ctx context.Context) CameraList {
	cams, err := s.load(ctx)
	if err != nil {
		if !errors.Is(err, shared.ErrNotFound) {
			s.log.Warn().Err(err).Str("path", s.path).Msg("invalid camera config, using defaults")
		}
		out := append([]ontology.Camera(nil), DefaultCameras...)
		return CameraList{Cameras: out, Count: len(out), Source: "default"}
	}
	return CameraList{Cameras: cams, Count: len(cams), Source: "file"}
}

func (s *CameraService) load(ctx context.Context) ([]ontology.Camera, error) {
	data, err := s.scanner.ReadFile(ctx, s.path)
	if err != nil {
		return nil, err
	}

	var cams []ontology.Camera
	if err := gojson.Unmarshal(data, &cams); err != nil {
		return nil, errors.Join(shared.ErrParse, err)
	}
	if len(cams) == 0 {
		return nil, errors.Join(shared.ErrParse, errors.New("no cameras defined"))
	}
	for i := range cams {
		if err := s.validate.Struct(cams[i]); err != nil {
			return nil, errors.Join(shared.ErrValidation, err)
		}
	}
	return cams, nil
}
