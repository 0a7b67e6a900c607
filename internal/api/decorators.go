package api

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/dj-oyu/cloud-monitor/internal/logger"
	"github.com/dj-oyu/cloud-monitor/internal/metrics"
)

// RateLimited wraps a Service so calls never exceed rps.
type RateLimited struct {
	next    Service
	limiter *rate.Limiter
}

// NewRateLimited creates a rate limited service.
// rps may be fractional; rps <= 0 disables limiting.
func NewRateLimited(next Service, rps float64, burst int) *RateLimited {
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{
		next:    next,
		limiter: rate.NewLimiter(limit, burst),
	}
}

func (r *RateLimited) wait(ctx context.Context) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return errors.Wrap(err, "rate limit wait canceled")
	}
	return nil
}

// DetectClouds forwards after the limiter admits the call.
func (r *RateLimited) DetectClouds(ctx context.Context, img Upload) (*DetectionResult, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	return r.next.DetectClouds(ctx, img)
}

// GetWeather forwards after the limiter admits the call.
func (r *RateLimited) GetWeather(ctx context.Context, city, country string) (*WeatherReport, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	return r.next.GetWeather(ctx, city, country)
}

// GetForecast forwards after the limiter admits the call.
func (r *RateLimited) GetForecast(ctx context.Context, city, country string, days int) (*Forecast, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	return r.next.GetForecast(ctx, city, country, days)
}

// AnalyzeCombined forwards after the limiter admits the call.
func (r *RateLimited) AnalyzeCombined(ctx context.Context, img Upload, city, country string) (*CombinedAnalysis, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	return r.next.AnalyzeCombined(ctx, img, city, country)
}

// Health forwards after the limiter admits the call.
func (r *RateLimited) Health(ctx context.Context) (*HealthStatus, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	return r.next.Health(ctx)
}

// CachedWeather caches weather and forecast lookups for a fixed TTL.
// Detection, analysis and health always reach the wrapped service.
type CachedWeather struct {
	Service

	ttl     time.Duration
	clock   clock.Clock
	metrics *metrics.Metrics

	mu        sync.RWMutex
	weather   map[string]weatherEntry
	forecasts map[string]forecastEntry
	hits      int
	misses    int
}

type weatherEntry struct {
	report   *WeatherReport
	storedAt time.Time
}

type forecastEntry struct {
	forecast *Forecast
	storedAt time.Time
}

// NewCachedWeather wraps next with a TTL cache. A nil clock uses wall time.
func NewCachedWeather(next Service, ttl time.Duration, clk clock.Clock, m *metrics.Metrics) *CachedWeather {
	if clk == nil {
		clk = clock.New()
	}
	return &CachedWeather{
		Service:   next,
		ttl:       ttl,
		clock:     clk,
		metrics:   m,
		weather:   make(map[string]weatherEntry),
		forecasts: make(map[string]forecastEntry),
	}
}

func cacheKey(parts ...string) string {
	for i, p := range parts {
		parts[i] = strings.ToLower(strings.TrimSpace(p))
	}
	return strings.Join(parts, "|")
}

func (c *CachedWeather) fresh(storedAt time.Time) bool {
	return c.clock.Now().Sub(storedAt) < c.ttl
}

func (c *CachedWeather) hit(key string) {
	c.mu.Lock()
	c.hits++
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.CacheHits.Add(1)
	}
	logger.Debug("WeatherCache", "HIT %s", key)
}

func (c *CachedWeather) miss(key string) {
	c.mu.Lock()
	c.misses++
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.CacheMisses.Add(1)
	}
	logger.Debug("WeatherCache", "MISS %s, fetching fresh data", key)
}

// GetWeather serves a cached report while it is younger than the TTL.
func (c *CachedWeather) GetWeather(ctx context.Context, city, country string) (*WeatherReport, error) {
	key := cacheKey(city, country)

	c.mu.RLock()
	entry, found := c.weather[key]
	c.mu.RUnlock()
	if found && c.fresh(entry.storedAt) {
		c.hit(key)
		return entry.report, nil
	}

	c.miss(key)
	report, err := c.Service.GetWeather(ctx, city, country)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.weather[key] = weatherEntry{report: report, storedAt: c.clock.Now()}
	c.mu.Unlock()
	return report, nil
}

// GetForecast serves a cached forecast while it is younger than the TTL.
func (c *CachedWeather) GetForecast(ctx context.Context, city, country string, days int) (*Forecast, error) {
	if days <= 0 {
		days = DefaultForecastDays
	}
	key := cacheKey(city, country, strconv.Itoa(days))

	c.mu.RLock()
	entry, found := c.forecasts[key]
	c.mu.RUnlock()
	if found && c.fresh(entry.storedAt) {
		c.hit(key)
		return entry.forecast, nil
	}

	c.miss(key)
	forecast, err := c.Service.GetForecast(ctx, city, country, days)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.forecasts[key] = forecastEntry{forecast: forecast, storedAt: c.clock.Now()}
	c.mu.Unlock()
	return forecast, nil
}

// CacheStats returns statistics about cache hits and misses
func (c *CachedWeather) CacheStats() (hits, misses int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hits, c.misses
}

var (
	_ Service = (*Client)(nil)
	_ Service = (*RateLimited)(nil)
	_ Service = (*CachedWeather)(nil)
)
