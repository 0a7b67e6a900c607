package types

import "time"

// JPEGFrame is one encoded live frame with its capture metadata.
type JPEGFrame struct {
	Data      []byte    // Complete JPEG image
	Filename  string    // Name the frame was uploaded under
	Timestamp time.Time // Frame capture timestamp
	FrameNum  uint64    // Sequential frame number within the session
	Width     int       // Frame width
	Height    int       // Frame height
}
