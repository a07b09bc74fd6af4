package ontology

import (
	"time"
)

// CSVTable is a parsed detection metadata file.
type CSVTable struct {
	Headers []string            `json:"headers"`
	Rows    []map[string]string `json:"data"`
}

// DroneData is the payload of the drone-data push event: the newest image
// paired with the newest metadata file.
type DroneData struct {
	Timestamp time.Time         `json:"timestamp"`
	CSV       *CSVTable         `json:"csv"`
	Image     *string           `json:"image"`
	CSVPath   *string           `json:"csvPath"`
	ImagePath *string           `json:"imagePath"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// DetectedImage is the payload of new-detected-image.
type DetectedImage struct {
	Filename  string            `json:"filename"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

type Camera struct {
	ID      string  `json:"id" validate:"required"`
	Name    string  `json:"name" validate:"required"`
	Lat     float64 `json:"lat" validate:"min=-90,max=90"`
	Lng     float64 `json:"lng" validate:"min=-180,max=180"`
	Heading float64 `json:"heading,omitempty" validate:"min=0,max=360"`
	FOV     float64 `json:"fov,omitempty" validate:"min=0,max=360"`
}
