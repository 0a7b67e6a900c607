package logger

import (
	"bytes"
	"strings"
	"testing"

	"go.viam.com/test"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"debug":   DEBUG,
		"INFO":    INFO,
		"warning": WARN,
		"Error":   ERROR,
		"none":    SILENT,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, got, test.ShouldEqual, want)
	}

	level, err := ParseLevel("loud")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, level, test.ShouldEqual, INFO)
}

func TestLoggerModuleTagAndLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(INFO, &buf, false)

	l.Debug("Capture", "hidden %d", 1)
	l.Info("Capture", "cycle %d uploaded", 7)
	l.Warn("API", "slow backend")

	out := buf.String()
	test.That(t, out, test.ShouldNotContainSubstring, "hidden")
	test.That(t, out, test.ShouldContainSubstring, "[Capture]")
	test.That(t, out, test.ShouldContainSubstring, "cycle 7 uploaded")
	test.That(t, out, test.ShouldContainSubstring, "WARN")
	test.That(t, out, test.ShouldContainSubstring, "[API]")
}

func TestLoggerSilentAndSetLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(SILENT, &buf, false)
	l.Error("Main", "nothing should appear")
	test.That(t, buf.Len(), test.ShouldEqual, 0)

	l.SetLevel(DEBUG)
	test.That(t, l.GetLevel(), test.ShouldEqual, DEBUG)
	l.Debug("Main", "now visible")
	test.That(t, strings.Count(buf.String(), "now visible"), test.ShouldEqual, 1)
}

func TestLevelString(t *testing.T) {
	test.That(t, WARN.String(), test.ShouldEqual, "WARN")
	test.That(t, LogLevel(42).String(), test.ShouldEqual, "UNKNOWN")
}
