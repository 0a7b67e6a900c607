package webmonitor

import "github.com/dj-oyu/cloud-monitor/internal/api"

// BoundingBox is a center-based box in model pixels.
type BoundingBox struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Detection is one cloud in a live event.
type Detection struct {
	ClassName  string      `json:"class_name"`
	Confidence float64     `json:"confidence"`
	BBox       BoundingBox `json:"bbox"`
}

// DetectionResult is a live upload result as tracked by the Monitor.
type DetectionResult struct {
	FrameNumber   int         `json:"frame_number"`
	Timestamp     float64     `json:"timestamp"`
	SessionID     string      `json:"session_id"`
	Filename      string      `json:"filename"`
	ImageWidth    int         `json:"image_width"`
	ImageHeight   int         `json:"image_height"`
	NumDetections int         `json:"num_detections"`
	Version       int         `json:"version"`
	Detections    []Detection `json:"detections"`
}

// MonitorStats summarizes live activity.
type MonitorStats struct {
	FramesProcessed int     `json:"frames_processed"`
	TargetFPS       float64 `json:"target_fps"`
	DetectionCount  int     `json:"detection_count"`
}

func detectionsFromAPI(preds []api.Prediction) []Detection {
	out := make([]Detection, len(preds))
	for i, p := range preds {
		out[i] = Detection{
			ClassName:  p.Class,
			Confidence: p.Confidence,
			BBox: BoundingBox{
				X: p.BoundingBox.X,
				Y: p.BoundingBox.Y,
				W: p.BoundingBox.Width,
				H: p.BoundingBox.Height,
			},
		}
	}
	return out
}

// toAPI rebuilds the detection the overlay renderer works from.
func (r *DetectionResult) toAPI() *api.Detection {
	if r == nil {
		return nil
	}
	det := &api.Detection{
		ImageDimensions: api.ImageDimensions{Width: r.ImageWidth, Height: r.ImageHeight},
		Predictions:     make([]api.Prediction, len(r.Detections)),
	}
	for i, d := range r.Detections {
		det.Predictions[i] = api.Prediction{
			Class:       d.ClassName,
			Confidence:  d.Confidence,
			BoundingBox: api.BoundingBox{X: d.BBox.X, Y: d.BBox.Y, Width: d.BBox.W, Height: d.BBox.H},
		}
	}
	return det
}

func (r *DetectionResult) clone() *DetectionResult {
	cp := *r
	cp.Detections = append([]Detection(nil), r.Detections...)
	return &cp
}
