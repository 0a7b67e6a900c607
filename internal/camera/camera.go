// Package camera acquires video streams for the live capture loop.
package camera

import (
	"context"
	"fmt"
	"image"
	"strings"
)

// Stream is an acquired camera stream. It exclusively owns its tracks until Close.
type Stream interface {
	// Read returns the latest frame. release must be called once the frame is no longer used.
	Read() (img image.Image, release func(), err error)
	// Label names the device backing the stream.
	Label() string
	// ActiveTracks reports how many tracks are still held open.
	ActiveTracks() int
	// Close releases every track. It is safe to call more than once.
	Close() error
}

// Source acquires camera streams.
type Source interface {
	Acquire(ctx context.Context) (Stream, error)
}

// AcquisitionError means no camera could be opened: permission denied or no device.
// It ends the capture session that requested the stream.
type AcquisitionError struct {
	Err error
}

func (e *AcquisitionError) Error() string {
	return fmt.Sprintf("camera acquisition failed: %v", e.Err)
}

func (e *AcquisitionError) Unwrap() error { return e.Err }

var rearHints = []string{"back", "rear", "environment", "world"}

// IsRearFacing reports whether a device label looks like a rear (environment) camera.
func IsRearFacing(label string) bool {
	l := strings.ToLower(label)
	for _, hint := range rearHints {
		if strings.Contains(l, hint) {
			return true
		}
	}
	return false
}
