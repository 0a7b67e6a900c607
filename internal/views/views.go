// Package views turns API results and live session state into display-ready models
// shared by the web dashboard and the CLI.
package views

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/dj-oyu/cloud-monitor/internal/api"
	"github.com/dj-oyu/cloud-monitor/internal/capture"
)

// Page copy.
const (
	Title    = "☁️ Cloud Detection & Weather Monitor"
	Subtitle = "Powered by Roboflow AI & OpenWeatherMap"
	Footer   = "Cloud Detection & Weather Monitoring System"

	NoCloudsMessage = "No clouds detected in this image."
	NoFramesMessage = "No frames analyzed yet."

	DetectionErrorMessage = "Failed to detect clouds. Please try again."
	WeatherErrorMessage   = "Failed to fetch weather data. Please try again."
	CombinedErrorMessage  = "Failed to analyze. Please try again."
	CameraErrorMessage    = capture.CameraErrorMessage
)

// Tips are shown beside the live view.
var Tips = []string{
	"Use the rear camera for better focus and resolution.",
	"Hold the device steady for ~0.5–1s while a frame is captured.",
	"Avoid pointing directly at the sun; aim so the cloud fills a good portion of the frame.",
	"If using your phone, ensure the backend API is reachable (not set to localhost).",
}

// Tab is one dashboard section.
type Tab struct {
	ID    string
	Label string
}

// Tabs in display order. The first is the default.
var Tabs = []Tab{
	{ID: "combined", Label: "🔍 Combined Analysis"},
	{ID: "detection", Label: "☁️ Cloud Detection"},
	{ID: "weather", Label: "🌤️ Weather Monitor"},
	{ID: "live", Label: "📷 Live Camera"},
}

// ParseTab returns id when it names a tab, otherwise the default tab.
func ParseTab(id string) string {
	for _, t := range Tabs {
		if t.ID == id {
			return id
		}
	}
	return Tabs[0].ID
}

// PredictionView is one detected cloud.
type PredictionView struct {
	Class      string `json:"class"`
	Confidence string `json:"confidence"`
	Position   string `json:"position"`
	Size       string `json:"size"`
}

// Detail joins position and size the way the result list shows them.
func (p PredictionView) Detail() string {
	return p.Position + " • " + p.Size
}

// DetectionView summarizes a detection response.
type DetectionView struct {
	Filename     string           `json:"filename,omitempty"`
	ModelID      string           `json:"model_id,omitempty"`
	Total        int              `json:"total"`
	Dimensions   string           `json:"dimensions"`
	Predictions  []PredictionView `json:"predictions"`
	Empty        bool             `json:"empty"`
	EmptyMessage string           `json:"empty_message,omitempty"`
}

// NewDetectionView builds the view for det. An empty prediction list is
// reported explicitly rather than rendered as nothing.
func NewDetectionView(filename string, det api.Detection) DetectionView {
	v := DetectionView{
		Filename:    filename,
		ModelID:     det.ModelID,
		Total:       len(det.Predictions),
		Dimensions:  fmt.Sprintf("%d × %d", det.ImageDimensions.Width, det.ImageDimensions.Height),
		Predictions: make([]PredictionView, 0, len(det.Predictions)),
	}
	for _, p := range det.Predictions {
		v.Predictions = append(v.Predictions, newPredictionView(p))
	}
	if v.Total == 0 {
		v.Empty = true
		v.EmptyMessage = NoCloudsMessage
	}
	return v
}

func newPredictionView(p api.Prediction) PredictionView {
	bb := p.BoundingBox
	return PredictionView{
		Class:      p.Class,
		Confidence: fmt.Sprintf("%.1f%% confidence", p.Confidence*100),
		Position:   fmt.Sprintf("Position: (%d, %d)", round(bb.X), round(bb.Y)),
		Size:       fmt.Sprintf("Size: %d × %d", round(bb.Width), round(bb.Height)),
	}
}

// round matches Math.round: halves go up.
func round(v float64) int {
	return int(math.Floor(v + 0.5))
}

// Condition buckets for weather icons.
const (
	ConditionClear        = "clear"
	ConditionPartlyCloudy = "partly-cloudy"
	ConditionOvercast     = "overcast"
	ConditionRain         = "rain"
	ConditionSnow         = "snow"
	ConditionThunder      = "thunder"
	ConditionFog          = "fog"
	ConditionUnknown      = "unknown"
)

// Condition maps an OpenWeatherMap main group and description to an icon bucket.
func Condition(main, description string) string {
	switch strings.ToLower(strings.TrimSpace(main)) {
	case "clear":
		return ConditionClear
	case "clouds":
		d := strings.ToLower(description)
		if strings.Contains(d, "few") || strings.Contains(d, "scattered") {
			return ConditionPartlyCloudy
		}
		return ConditionOvercast
	case "rain", "drizzle":
		return ConditionRain
	case "snow":
		return ConditionSnow
	case "thunderstorm":
		return ConditionThunder
	case "mist", "fog", "haze", "smoke", "dust", "sand", "ash":
		return ConditionFog
	default:
		return ConditionUnknown
	}
}

// WeatherView is a formatted weather snapshot.
type WeatherView struct {
	Title         string `json:"title"`
	Observed      string `json:"observed"`
	IconURL       string `json:"icon_url,omitempty"`
	Description   string `json:"description"`
	Condition     string `json:"condition"`
	Temperature   string `json:"temperature"`
	FeelsLike     string `json:"feels_like"`
	Humidity      string `json:"humidity"`
	Wind          string `json:"wind"`
	WindDirection string `json:"wind_direction"`
	Clouds        string `json:"clouds"`
	Pressure      string `json:"pressure"`
	Visibility    string `json:"visibility"`
	Sunrise       string `json:"sunrise"`
	Sunset        string `json:"sunset"`
}

// NewWeatherView formats w with times shown in loc (time.Local when nil).
func NewWeatherView(w api.Weather, loc *time.Location) WeatherView {
	if loc == nil {
		loc = time.Local
	}
	title := w.Location.Name
	if w.Location.Country != "" {
		title += ", " + w.Location.Country
	}
	wind := num(w.Wind.Speed) + " m/s"
	if w.Wind.Gust != nil {
		wind += " (gust " + num(*w.Wind.Gust) + " m/s)"
	}
	return WeatherView{
		Title:         title,
		Observed:      clockTime(w.Timestamp, loc, "2006-01-02 15:04:05"),
		IconURL:       api.IconURL(w.Current.Icon),
		Description:   w.Current.Description,
		Condition:     Condition(w.Current.Main, w.Current.Description),
		Temperature:   num(w.Current.Temperature) + "°C",
		FeelsLike:     "Feels like " + num(w.Current.FeelsLike) + "°C",
		Humidity:      num(w.Current.Humidity) + "%",
		Wind:          wind,
		WindDirection: num(w.Wind.Direction) + "°",
		Clouds:        num(w.Clouds.Coverage) + "%",
		Pressure:      num(w.Current.Pressure) + " hPa",
		Visibility:    num(w.Current.Visibility) + " km",
		Sunrise:       clockTime(w.Sun.Sunrise, loc, "15:04:05"),
		Sunset:        clockTime(w.Sun.Sunset, loc, "15:04:05"),
	}
}

func num(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func clockTime(epoch int64, loc *time.Location, layout string) string {
	if epoch <= 0 {
		return "-"
	}
	return time.Unix(epoch, 0).In(loc).Format(layout)
}

// CombinedView pairs a detection with the weather at the same place.
type CombinedView struct {
	Location  string        `json:"location"`
	Detection DetectionView `json:"detection"`
	Weather   WeatherView   `json:"weather"`
}

// NewCombinedView builds the view for an /analyze result.
func NewCombinedView(res *api.CombinedAnalysis, loc *time.Location) CombinedView {
	return CombinedView{
		Location:  res.Location,
		Detection: NewDetectionView(res.Filename, res.CloudDetection),
		Weather:   NewWeatherView(res.Weather, loc),
	}
}

// LiveView is the state of the live camera panel.
type LiveView struct {
	Streaming    bool             `json:"streaming"`
	SessionID    string           `json:"session_id,omitempty"`
	Camera       string           `json:"camera,omitempty"`
	Countdown    int              `json:"countdown"`
	Summary      string           `json:"summary"`
	Predictions  []PredictionView `json:"predictions"`
	Empty        bool             `json:"empty"`
	EmptyMessage string           `json:"empty_message,omitempty"`
	LastError    string           `json:"last_error,omitempty"`
	Tips         []string         `json:"tips"`
}

// NewLiveView summarizes a capture session.
func NewLiveView(st capture.Status) LiveView {
	v := LiveView{
		Streaming: st.Streaming,
		SessionID: st.SessionID,
		Camera:    st.Camera,
		Countdown: st.Countdown,
		LastError: st.LastError,
		Tips:      Tips,
	}
	if st.LastResult == nil {
		v.Summary = NoFramesMessage
		v.Empty = true
		v.EmptyMessage = NoFramesMessage
		v.Predictions = []PredictionView{}
		return v
	}
	preds := st.LastResult.Detection.Predictions
	v.Summary = fmt.Sprintf("Detections: %d", len(preds))
	v.Predictions = make([]PredictionView, 0, len(preds))
	for _, p := range preds {
		v.Predictions = append(v.Predictions, newPredictionView(p))
	}
	return v
}

// HealthBanner warns that the backend is missing configuration.
type HealthBanner struct {
	Show    bool   `json:"show"`
	Message string `json:"message,omitempty"`
}

// NewHealthBanner shows the banner only for a completed, unhealthy check.
// A nil status means no check has finished yet.
func NewHealthBanner(st *api.HealthStatus) HealthBanner {
	if st == nil || st.Healthy {
		return HealthBanner{}
	}
	keys := "unknown"
	if len(st.MissingKeys) > 0 {
		keys = strings.Join(st.MissingKeys, ", ")
	}
	return HealthBanner{
		Show:    true,
		Message: fmt.Sprintf("Configuration incomplete: missing keys: %s. Live inference and weather features may be disabled.", keys),
	}
}
