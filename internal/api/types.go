package api

import (
	"math"
	"net/http"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// BoundingBox is a prediction box in center form, in model pixel space.
type BoundingBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Prediction is one detected cloud instance.
type Prediction struct {
	Class       string      `json:"class"`
	Confidence  float64     `json:"confidence"`
	BoundingBox BoundingBox `json:"bounding_box"`
}

// ImageDimensions is the image size the model ran inference on.
type ImageDimensions struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Summary aggregates a detection run.
type Summary struct {
	TotalDetections     int     `json:"total_detections"`
	ConfidenceThreshold float64 `json:"confidence_threshold"`
}

// Detection is the inference payload for a single image.
type Detection struct {
	ModelID         string          `json:"model_id"`
	ImageDimensions ImageDimensions `json:"image_dimensions"`
	Predictions     []Prediction    `json:"predictions"`
	Summary         Summary         `json:"summary"`
}

// DetectionResult mirrors the /detect-clouds response.
type DetectionResult struct {
	Success   bool      `json:"success"`
	Filename  string    `json:"filename"`
	Detection Detection `json:"predictions"`
}

// Coordinates of a weather location.
type Coordinates struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Location names the place a weather report is for.
type Location struct {
	Name        string      `json:"name"`
	Country     string      `json:"country"`
	Coordinates Coordinates `json:"coordinates"`
}

// Conditions are the current observed conditions.
type Conditions struct {
	Temperature float64 `json:"temperature"`
	FeelsLike   float64 `json:"feels_like"`
	Humidity    float64 `json:"humidity"`
	Pressure    float64 `json:"pressure"`
	Description string  `json:"description"`
	Main        string  `json:"main"`
	Icon        string  `json:"icon"`
	Visibility  float64 `json:"visibility"`
}

// Wind speed is in m/s, direction in degrees.
type Wind struct {
	Speed     float64  `json:"speed"`
	Direction float64  `json:"direction"`
	Gust      *float64 `json:"gust,omitempty"`
}

// Clouds holds cloud coverage in percent.
type Clouds struct {
	Coverage float64 `json:"coverage"`
}

// Sun holds sunrise and sunset as epoch seconds.
type Sun struct {
	Sunrise int64 `json:"sunrise"`
	Sunset  int64 `json:"sunset"`
}

// Weather is a point-in-time weather snapshot.
type Weather struct {
	Location  Location   `json:"location"`
	Current   Conditions `json:"current"`
	Wind      Wind       `json:"wind"`
	Clouds    Clouds     `json:"clouds"`
	Sun       Sun        `json:"sun"`
	Timestamp int64      `json:"timestamp"`
}

// WeatherReport mirrors the /weather response.
type WeatherReport struct {
	Success  bool    `json:"success"`
	Location string  `json:"location"`
	Weather  Weather `json:"weather"`
}

// Forecast mirrors the /weather/forecast response. The payload shape is
// owned by the backend, so everything beyond the location is kept as-is.
type Forecast struct {
	Location string
	Days     int
	Data     map[string]any
}

// CombinedAnalysis mirrors the /analyze response.
type CombinedAnalysis struct {
	Success        bool      `json:"success"`
	Filename       string    `json:"filename"`
	Location       string    `json:"location"`
	CloudDetection Detection `json:"cloud_detection"`
	Weather        Weather   `json:"weather"`
}

// HealthStatus mirrors the /health response.
type HealthStatus struct {
	Healthy     bool     `json:"healthy"`
	MissingKeys []string `json:"missing_keys"`
}

// Upload is an image ready to be posted as the multipart "file" field.
type Upload struct {
	Filename    string
	ContentType string
	Data        []byte
}

// UploadFromFile reads an image from disk.
func UploadFromFile(path string) (Upload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Upload{}, errors.Wrapf(err, "read %s", path)
	}
	return Upload{
		Filename:    filepath.Base(path),
		ContentType: http.DetectContentType(data),
		Data:        data,
	}, nil
}

// Validate checks the invariants the overlay and views rely on.
func (d Detection) Validate() error {
	if d.ImageDimensions.Width < 0 || d.ImageDimensions.Height < 0 {
		return errors.Errorf("negative image dimensions %dx%d", d.ImageDimensions.Width, d.ImageDimensions.Height)
	}
	for i, p := range d.Predictions {
		if math.IsNaN(p.Confidence) || p.Confidence < 0 || p.Confidence > 1 {
			return errors.Errorf("prediction %d: confidence %v outside [0,1]", i, p.Confidence)
		}
		b := p.BoundingBox
		if b.Width < 0 || b.Height < 0 {
			return errors.Errorf("prediction %d: negative box size %vx%v", i, b.Width, b.Height)
		}
		if math.IsNaN(b.X) || math.IsNaN(b.Y) || math.IsInf(b.X, 0) || math.IsInf(b.Y, 0) {
			return errors.Errorf("prediction %d: non-finite box center", i)
		}
	}
	return nil
}

// Validate checks that the snapshot names a place.
func (w Weather) Validate() error {
	if w.Location.Name == "" {
		return errors.New("weather location has no name")
	}
	return nil
}
