package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/dj-oyu/cloud-monitor/internal/logger"
	"github.com/dj-oyu/cloud-monitor/internal/metrics"
)

// DefaultBaseURL is the local development backend.
const DefaultBaseURL = "http://localhost:8000"

// DefaultForecastDays is used when a forecast request does not name a day count.
const DefaultForecastDays = 5

const iconURLFormat = "https://openweathermap.org/img/wn/%s@2x.png"

// Service is the backend contract. Client talks HTTP; decorators wrap it.
type Service interface {
	DetectClouds(ctx context.Context, img Upload) (*DetectionResult, error)
	GetWeather(ctx context.Context, city, country string) (*WeatherReport, error)
	GetForecast(ctx context.Context, city, country string, days int) (*Forecast, error)
	AnalyzeCombined(ctx context.Context, img Upload, city, country string) (*CombinedAnalysis, error)
	Health(ctx context.Context) (*HealthStatus, error)
}

// Client is an HTTP client for the cloud detection and weather backend.
type Client struct {
	baseURL string
	http    *http.Client
	metrics *metrics.Metrics
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the transport client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets a whole-request timeout. Zero keeps transport defaults.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			hc := *c.http
			hc.Timeout = d
			c.http = &hc
		}
	}
}

// WithMetrics counts requests and errors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// NewClient returns a client for baseURL, falling back to DefaultBaseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the backend root the client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// IconURL returns the hosted image for a weather icon code.
func IconURL(code string) string {
	if code == "" {
		return ""
	}
	return fmt.Sprintf(iconURLFormat, url.PathEscape(code))
}

// DetectClouds uploads an image for cloud detection.
func (c *Client) DetectClouds(ctx context.Context, img Upload) (*DetectionResult, error) {
	req, err := c.newUploadRequest(ctx, "/detect-clouds", nil, img)
	if err != nil {
		return nil, err
	}

	var out DetectionResult
	if err := c.do(req, "detect-clouds", &out); err != nil {
		return nil, err
	}
	if err := out.Detection.Validate(); err != nil {
		return nil, &ValidationError{Op: "detect-clouds", Err: err}
	}
	return &out, nil
}

// GetWeather fetches current weather. country is only sent when non-empty.
func (c *Client) GetWeather(ctx context.Context, city, country string) (*WeatherReport, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/weather", locationQuery(city, country), nil)
	if err != nil {
		return nil, err
	}

	var out WeatherReport
	if err := c.do(req, "weather", &out); err != nil {
		return nil, err
	}
	if err := out.Weather.Validate(); err != nil {
		return nil, &ValidationError{Op: "weather", Err: err}
	}
	return &out, nil
}

// GetForecast fetches a multi-day forecast.
func (c *Client) GetForecast(ctx context.Context, city, country string, days int) (*Forecast, error) {
	if days <= 0 {
		days = DefaultForecastDays
	}
	q := locationQuery(city, country)
	q.Set("days", strconv.Itoa(days))

	req, err := c.newRequest(ctx, http.MethodGet, "/weather/forecast", q, nil)
	if err != nil {
		return nil, err
	}

	var data map[string]any
	if err := c.do(req, "forecast", &data); err != nil {
		return nil, err
	}
	out := &Forecast{Location: city, Days: days, Data: data}
	if loc, ok := data["location"].(string); ok && loc != "" {
		out.Location = loc
	}
	return out, nil
}

// AnalyzeCombined runs detection and weather in one round trip.
func (c *Client) AnalyzeCombined(ctx context.Context, img Upload, city, country string) (*CombinedAnalysis, error) {
	req, err := c.newUploadRequest(ctx, "/analyze", locationQuery(city, country), img)
	if err != nil {
		return nil, err
	}

	var out CombinedAnalysis
	if err := c.do(req, "analyze", &out); err != nil {
		return nil, err
	}
	if err := out.CloudDetection.Validate(); err != nil {
		return nil, &ValidationError{Op: "analyze", Err: err}
	}
	if err := out.Weather.Validate(); err != nil {
		return nil, &ValidationError{Op: "analyze", Err: err}
	}
	return &out, nil
}

// Health reports whether the backend has all the keys it needs.
func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/health", nil, nil)
	if err != nil {
		return nil, err
	}

	var out HealthStatus
	if err := c.do(req, "health", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func locationQuery(city, country string) url.Values {
	q := url.Values{}
	q.Set("city", city)
	if country != "" {
		q.Set("country", country)
	}
	return q
}

func (c *Client) newRequest(ctx context.Context, method, path string, q url.Values, body io.Reader) (*http.Request, error) {
	target := c.baseURL + path
	if len(q) > 0 {
		target += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, errors.Wrapf(err, "build %s request", path)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

var quoteEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

func (c *Client) newUploadRequest(ctx context.Context, path string, q url.Values, img Upload) (*http.Request, error) {
	if len(img.Data) == 0 {
		return nil, errors.Errorf("upload %q is empty", img.Filename)
	}
	filename := img.Filename
	if filename == "" {
		filename = "upload.jpg"
	}
	contentType := img.ContentType
	if contentType == "" {
		contentType = "image/jpeg"
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, quoteEscaper.Replace(filename)))
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return nil, errors.Wrap(err, "create multipart part")
	}
	if _, err := part.Write(img.Data); err != nil {
		return nil, errors.Wrap(err, "write multipart part")
	}
	if err := mw.Close(); err != nil {
		return nil, errors.Wrap(err, "close multipart writer")
	}

	req, err := c.newRequest(ctx, http.MethodPost, path, q, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req, nil
}

func (c *Client) do(req *http.Request, op string, out any) error {
	if c.metrics != nil {
		c.metrics.APIRequests.Add(1)
	}
	err := c.roundTrip(req, op, out)
	if err != nil {
		if c.metrics != nil {
			c.metrics.APIErrors.Add(1)
		}
		logger.Debug("API", "%s %s failed: %v", req.Method, req.URL.Path, err)
	}
	return err
}

func (c *Client) roundTrip(req *http.Request, op string, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return &NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &NetworkError{Op: op, Err: errors.Wrap(err, "read response body")}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &RemoteError{Status: resp.StatusCode, Detail: errorDetail(resp.StatusCode, body)}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return &ValidationError{Op: op, Err: errors.Wrap(err, "decode")}
	}
	return nil
}

// errorDetail extracts the backend's "detail" field, which is either a
// message string or a structured list of validation problems.
func errorDetail(status int, body []byte) string {
	var payload struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && len(payload.Detail) > 0 && string(payload.Detail) != "null" {
		var msg string
		if err := json.Unmarshal(payload.Detail, &msg); err == nil {
			return msg
		}
		var compact bytes.Buffer
		if err := json.Compact(&compact, payload.Detail); err == nil {
			return compact.String()
		}
	}
	if text := strings.TrimSpace(string(body)); text != "" {
		return text
	}
	return http.StatusText(status)
}
