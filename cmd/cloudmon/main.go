// Package main is the cloudmon command: the web dashboard plus terminal
// access to the detection and weather backend.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/dj-oyu/cloud-monitor/internal/config"
	"github.com/dj-oyu/cloud-monitor/internal/logger"
)

const (
	flagConfig   = "config"
	flagAPIURL   = "api-url"
	flagLogLevel = "log-level"
	flagLogColor = "log-color"
	flagLogFile  = "log-file"

	flagCity      = "city"
	flagCountry   = "country"
	flagDays      = "days"
	flagAddr      = "addr"
	flagPprof     = "pprof"
	flagFPS       = "fps"
	flagFrames    = "frames"
	flagCountdown = "countdown"
	flagCamera    = "camera"

	configKey = "config"
)

func main() {
	app := newApp(os.Stdout, os.Stderr)
	if err := app.Run(os.Args); err != nil {
		color.New(color.FgRed).Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newApp(out, errOut io.Writer) *cli.App {
	return &cli.App{
		Name:      "cloudmon",
		Usage:     "cloud detection and weather monitor",
		Writer:    out,
		ErrWriter: errOut,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    flagConfig,
				Aliases: []string{"c"},
				Usage:   "load configuration from `FILE`",
			},
			&cli.StringFlag{
				Name:  flagAPIURL,
				Usage: "backend base `URL` (overrides CLOUDMON_API_URL and API_URL)",
			},
			&cli.StringFlag{
				Name:  flagLogLevel,
				Usage: "log level (debug, info, warn, error, silent)",
			},
			&cli.BoolFlag{
				Name:  flagLogColor,
				Value: true,
				Usage: "enable colored log output",
			},
			&cli.StringFlag{
				Name:  flagLogFile,
				Usage: "also write logs to a rotating `FILE`",
			},
		},
		Before: setup,
		After: func(c *cli.Context) error {
			logger.Sync()
			return nil
		},
		Commands: []*cli.Command{
			serveCommand(),
			detectCommand(),
			weatherCommand(),
			forecastCommand(),
			analyzeCommand(),
			healthCommand(),
			liveCommand(),
		},
	}
}

// setup loads .env and the config, applies global flag overrides and starts logging.
func setup(c *cli.Context) error {
	if err := config.LoadDotEnv(".env"); err != nil {
		return err
	}
	cfg, err := config.Load(c.String(flagConfig))
	if err != nil {
		return err
	}
	if c.IsSet(flagAPIURL) {
		cfg.API.BaseURL = c.String(flagAPIURL)
	}
	if c.IsSet(flagLogLevel) {
		cfg.Log.Level = c.String(flagLogLevel)
	}
	if c.IsSet(flagLogColor) {
		cfg.Log.Color = c.Bool(flagLogColor)
	}
	if c.IsSet(flagLogFile) {
		cfg.Log.File = c.String(flagLogFile)
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}

	level, err := logger.ParseLevel(cfg.Log.Level)
	if err != nil {
		return errors.Wrap(err, "invalid log level")
	}
	var output io.Writer = c.App.ErrWriter
	if cfg.Log.File != "" {
		output = io.MultiWriter(output, logger.RotatingFile(cfg.Log.File))
	}
	logger.Init(level, output, cfg.Log.Color)

	if c.App.Metadata == nil {
		c.App.Metadata = map[string]any{}
	}
	c.App.Metadata[configKey] = cfg
	return nil
}

func loadedConfig(c *cli.Context) *config.Config {
	if cfg, ok := c.App.Metadata[configKey].(*config.Config); ok {
		return cfg
	}
	return config.Default()
}

func warnf(w io.Writer, format string, args ...any) {
	color.New(color.FgYellow).Fprintf(w, format+"\n", args...)
}

func successf(w io.Writer, format string, args ...any) {
	color.New(color.FgGreen).Fprintf(w, format+"\n", args...)
}

func printView(w io.Writer, v fmt.Stringer) {
	fmt.Fprintln(w, v.String())
}
