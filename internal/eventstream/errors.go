package eventstream

import (
	"errors"
	"fmt"
)

var (
	// ErrNoBuffers is returned by Run when nothing was registered.
	ErrNoBuffers = errors.New("no buffers registered")

	// ErrDuplicateBuffer is returned when a buffer is registered twice.
	ErrDuplicateBuffer = errors.New("buffer already registered")

	// ErrRunning is returned when a Stream is reconfigured or started
	// while Run is in progress.
	ErrRunning = errors.New("stream is running")
)

// ConfigError reports a Stream set up with an unusable buffer or interval.
type ConfigError struct {
	Buffer string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Buffer == "" {
		return fmt.Sprintf("stream config: %v", e.Err)
	}
	return fmt.Sprintf("stream config: buffer %q: %v", e.Buffer, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// PollError reports a buffer that failed while being read.
type PollError struct {
	Buffer string
	Err    error
}

func (e *PollError) Error() string {
	return fmt.Sprintf("polling buffer %q: %v", e.Buffer, e.Err)
}

func (e *PollError) Unwrap() error { return e.Err }
