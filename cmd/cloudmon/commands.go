package main

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"

	"github.com/dj-oyu/cloud-monitor/internal/api"
	"github.com/dj-oyu/cloud-monitor/internal/camera"
	"github.com/dj-oyu/cloud-monitor/internal/capture"
	"github.com/dj-oyu/cloud-monitor/internal/config"
	"github.com/dj-oyu/cloud-monitor/internal/health"
	"github.com/dj-oyu/cloud-monitor/internal/logger"
	"github.com/dj-oyu/cloud-monitor/internal/metrics"
	"github.com/dj-oyu/cloud-monitor/internal/views"
	"github.com/dj-oyu/cloud-monitor/internal/webmonitor"
)

const shutdownTimeout = 5 * time.Second

// newService builds the backend client: rate limited, with cached weather.
func newService(cfg *config.Config, m *metrics.Metrics) api.Service {
	client := api.NewClient(cfg.API.BaseURL,
		api.WithTimeout(cfg.API.Timeout),
		api.WithMetrics(m),
	)
	limited := api.NewRateLimited(client, cfg.API.RateLimit, cfg.API.Burst)
	return api.NewCachedWeather(limited, cfg.API.WeatherCacheTTL, nil, m)
}

func newCameraSource(cfg *config.Config) camera.Source {
	if cfg.Capture.Camera == config.CameraFake {
		return camera.NewFake(1280, 720)
	}
	return camera.NewMediaDevices(camera.MediaDevicesConfig{PreferRear: true})
}

func readUpload(path string) (api.Upload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return api.Upload{}, errors.Wrapf(err, "read image %s", path)
	}
	return api.Upload{
		Filename:    filepath.Base(path),
		ContentType: mime.TypeByExtension(filepath.Ext(path)),
		Data:        data,
	}, nil
}

func locationFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: flagCity, Required: true, Usage: "city name"},
		&cli.StringFlag{Name: flagCountry, Usage: "two-letter country code"},
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run the web dashboard",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: flagAddr, Usage: "HTTP listen address (overrides server.addr)"},
			&cli.StringFlag{Name: flagPprof, Usage: "pprof listen address, empty to disable"},
		},
		Action: func(c *cli.Context) error {
			cfg := loadedConfig(c)
			if c.IsSet(flagAddr) {
				cfg.Server.Addr = c.String(flagAddr)
			}
			ln, err := net.Listen("tcp", cfg.Server.Addr)
			if err != nil {
				return errors.Wrapf(err, "listen on %s", cfg.Server.Addr)
			}
			return serve(c.Context, ln, cfg, c.String(flagPprof))
		},
	}
}

// serve runs the dashboard on ln until ctx ends, a signal arrives or a
// listener fails. It owns ln.
func serve(ctx context.Context, ln net.Listener, cfg *config.Config, pprofAddr string) error {
	m := metrics.New()
	svc := newService(cfg, m)

	monitor, err := health.NewMonitor(svc, cfg.Server.HealthInterval, m)
	if err != nil {
		ln.Close()
		return err
	}
	if err := monitor.Start(); err != nil {
		ln.Close()
		return err
	}

	srv := webmonitor.NewServer(webmonitor.Config{
		Addr:                cfg.Server.Addr,
		AssetsDir:           cfg.Server.AssetsDir,
		AllowedOrigins:      cfg.Server.AllowedOrigins,
		StatusInterval:      cfg.Server.StatusInterval,
		DisplayWidth:        cfg.Capture.DisplayWidth,
		DisplayHeight:       cfg.Capture.DisplayHeight,
		RecordingOutputPath: cfg.Recording.OutputPath,
	}, webmonitor.Deps{
		API:     svc,
		Camera:  newCameraSource(cfg),
		Health:  monitor,
		Metrics: m,
		Capture: cfg.CaptureOptions(),
	})
	srv.Start()

	httpServer := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: srv.Handler(),
	}
	errCh := make(chan error, 2)
	go func() {
		logger.Info("Main", "Cloud monitor listening on %s (backend %s)", ln.Addr(), cfg.API.BaseURL)
		if err := httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- errors.Wrap(err, "http server")
		}
	}()

	var pprofServer *http.Server
	if pprofAddr != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
		pprofServer = &http.Server{Addr: pprofAddr, Handler: mux}
		go func() {
			logger.Info("Main", "pprof listening on %s", pprofAddr)
			if err := pprofServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- errors.Wrap(err, "pprof server")
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var runErr error
	select {
	case <-sigChan:
		logger.Info("Main", "Shutting down...")
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Dashboard first: stream handlers only return once its broadcasters close.
	err = multierr.Append(runErr, srv.Shutdown(shutdownCtx))
	err = multierr.Append(err, httpServer.Shutdown(shutdownCtx))
	err = multierr.Append(err, monitor.Shutdown())
	if pprofServer != nil {
		err = multierr.Append(err, pprofServer.Shutdown(shutdownCtx))
	}
	logger.Info("Main", "Server stopped")
	return err
}

func detectCommand() *cli.Command {
	return &cli.Command{
		Name:      "detect",
		Usage:     "detect clouds in an image",
		ArgsUsage: "<image>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return errors.New("expected exactly one image path")
			}
			upload, err := readUpload(c.Args().First())
			if err != nil {
				return err
			}
			svc := newService(loadedConfig(c), nil)
			res, err := svc.DetectClouds(c.Context, upload)
			if err != nil {
				return errors.New(api.UserMessage(err, views.DetectionErrorMessage))
			}
			printView(c.App.Writer, views.NewDetectionView(res.Filename, res.Detection))
			return nil
		},
	}
}

func weatherCommand() *cli.Command {
	return &cli.Command{
		Name:  "weather",
		Usage: "show current weather for a city",
		Flags: locationFlags(),
		Action: func(c *cli.Context) error {
			svc := newService(loadedConfig(c), nil)
			res, err := svc.GetWeather(c.Context, c.String(flagCity), c.String(flagCountry))
			if err != nil {
				return errors.New(api.UserMessage(err, views.WeatherErrorMessage))
			}
			printView(c.App.Writer, views.NewWeatherView(res.Weather, time.Local))
			return nil
		},
	}
}

func forecastCommand() *cli.Command {
	return &cli.Command{
		Name:  "forecast",
		Usage: "show a multi-day forecast for a city",
		Flags: append(locationFlags(),
			&cli.IntFlag{Name: flagDays, Value: api.DefaultForecastDays, Usage: "number of days"},
		),
		Action: func(c *cli.Context) error {
			svc := newService(loadedConfig(c), nil)
			res, err := svc.GetForecast(c.Context, c.String(flagCity), c.String(flagCountry), c.Int(flagDays))
			if err != nil {
				return errors.New(api.UserMessage(err, views.WeatherErrorMessage))
			}
			printView(c.App.Writer, views.NewForecastView(res))
			return nil
		},
	}
}

func analyzeCommand() *cli.Command {
	return &cli.Command{
		Name:      "analyze",
		Usage:     "detect clouds and fetch the weather in one call",
		ArgsUsage: "<image>",
		Flags:     locationFlags(),
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return errors.New("expected exactly one image path")
			}
			upload, err := readUpload(c.Args().First())
			if err != nil {
				return err
			}
			svc := newService(loadedConfig(c), nil)
			res, err := svc.AnalyzeCombined(c.Context, upload, c.String(flagCity), c.String(flagCountry))
			if err != nil {
				return errors.New(api.UserMessage(err, views.CombinedErrorMessage))
			}
			printView(c.App.Writer, views.NewCombinedView(res, time.Local))
			return nil
		},
	}
}

func healthCommand() *cli.Command {
	return &cli.Command{
		Name:  "health",
		Usage: "check backend configuration",
		Action: func(c *cli.Context) error {
			cfg := loadedConfig(c)
			svc := newService(cfg, nil)
			st, err := svc.Health(c.Context)
			if err != nil {
				return errors.Wrapf(err, "health check against %s", cfg.API.BaseURL)
			}
			if banner := views.NewHealthBanner(st); banner.Show {
				warnf(c.App.Writer, "%s", banner.Message)
				return nil
			}
			successf(c.App.Writer, "Backend at %s is healthy", cfg.API.BaseURL)
			return nil
		},
	}
}

func liveCommand() *cli.Command {
	return &cli.Command{
		Name:  "live",
		Usage: "stream camera frames to the detector",
		Flags: []cli.Flag{
			&cli.Float64Flag{Name: flagFPS, Usage: "frames per second (overrides capture.fps)"},
			&cli.IntFlag{Name: flagFrames, Usage: "stop after N uploads, 0 runs until interrupted"},
			&cli.BoolFlag{Name: flagCountdown, Usage: "count down before each snapshot (overrides capture.countdown)"},
			&cli.StringFlag{Name: flagCamera, Usage: "camera source: auto or fake (overrides capture.camera)"},
		},
		Action: func(c *cli.Context) error {
			cfg := loadedConfig(c)
			if c.IsSet(flagFPS) {
				cfg.Capture.FPS = c.Float64(flagFPS)
			}
			if c.IsSet(flagCountdown) {
				cfg.Capture.Countdown = c.Bool(flagCountdown)
			}
			if c.IsSet(flagCamera) {
				cfg.Capture.Camera = c.String(flagCamera)
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runLive(c, cfg, c.Int(flagFrames))
		},
	}
}

// lockedWriter serializes writes from the capture hooks and the command.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func runLive(c *cli.Context, cfg *config.Config, frames int) error {
	out := &lockedWriter{w: c.App.Writer}
	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		uploads  atomic.Int64
		doneOnce sync.Once
		done     = make(chan struct{})
	)
	opts := cfg.CaptureOptions()
	opts.OnCountdown = func(n int) {
		if n > 0 {
			fmt.Fprintf(out, "%d...\n", n)
		}
	}
	opts.OnError = func(msg string, err error) {
		warnf(out, "%s", msg)
	}
	opts.OnResult = func(res *api.DetectionResult) {
		printView(out, views.NewDetectionView(res.Filename, res.Detection))
		if frames > 0 && uploads.Add(1) >= int64(frames) {
			doneOnce.Do(func() { close(done) })
		}
	}

	session := capture.NewSession(newCameraSource(cfg), newService(cfg, nil), opts)
	if err := session.Start(ctx); err != nil {
		return errors.Wrap(err, views.CameraErrorMessage)
	}
	fmt.Fprintf(out, "Streaming at %v per frame, press Ctrl+C to stop\n", session.Interval())

	select {
	case <-ctx.Done():
	case <-done:
	}
	err := session.Stop()
	session.Wait()
	if err != nil {
		return errors.Wrap(err, "release camera")
	}
	printView(out, views.NewLiveView(session.Status()))
	return nil
}
