package audio

import "fmt"

// Source produces PCM for an output device. Read fills buf completely and
// returns len(buf); implementations write silence where nothing is audible
// and must not block on I/O, because Read is called from a real-time
// callback.
type Source interface {
	Read(buf []int16) (int, error)
}

// SourceFunc adapts a function to [Source].
type SourceFunc func(buf []int16) (int, error)

// Read calls f(buf).
func (f SourceFunc) Read(buf []int16) (int, error) { return f(buf) }

// Capture receives PCM pushed by an input device. DataAvailable is invoked
// from the device's thread with one block of samples in format; the slice is
// only valid for the duration of the call.
type Capture interface {
	DataAvailable(pcm []int16, format Format)
}

// StopEvent describes why a device stopped. Err is nil for a requested stop.
type StopEvent struct {
	Err error
}

// String renders the stop cause.
func (e StopEvent) String() string {
	if e.Err == nil {
		return "stopped"
	}
	return fmt.Sprintf("stopped: %v", e.Err)
}

// Device is a running audio endpoint. Stopped is closed or receives exactly
// one [StopEvent] when the device ends; persistent failures are reported
// there rather than through the Source or Capture paths.
type Device interface {
	Stopped() <-chan StopEvent
	Close() error
}
