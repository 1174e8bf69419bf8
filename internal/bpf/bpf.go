// Package bpf provides the Go view of the records emitted by the file monitor
// eBPF programs.
package bpf

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"unicode/utf8"
)

// Field widths and offsets matching struct event in file_monitor.bpf.c.
const (
	CommLen     = 16
	FilenameLen = 256

	commOffset     = 4
	filenameOffset = commOffset + CommLen
	retOffset      = 280

	// RecordSize is the byte length of one record on the ring buffer,
	// including the 4 bytes of padding before the 8-byte aligned ret field.
	RecordSize = retOffset + 8
)

// UnknownString replaces string fields that are not valid UTF-8.
const UnknownString = "?"

// RawEvent matches the C struct layout byte for byte. Decode reads records
// into it.
type RawEvent struct {
	Pid      uint32
	Comm     [CommLen]byte
	Filename [FilenameLen]byte
	_        [4]byte
	Ret      int64
}

// Event is a decoded record.
type Event struct {
	Pid      uint32 `json:"pid"`
	Comm     string `json:"comm"`
	Filename string `json:"file,omitempty"`
	Ret      int64  `json:"ret"`
}

// DecodeReason classifies a DecodeError.
type DecodeReason int

const (
	// LengthMismatch means the record was not exactly RecordSize bytes.
	LengthMismatch DecodeReason = iota + 1
)

func (r DecodeReason) String() string {
	switch r {
	case LengthMismatch:
		return "length mismatch"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

// DecodeError is returned for records that cannot be interpreted.
type DecodeError struct {
	Reason DecodeReason
	Got    int
	Want   int
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decoding event: %s: got=%d want=%d", e.Reason, e.Got, e.Want)
}

// Decode parses one ring buffer sample. It never panics: a sample of the
// wrong length is rejected as a whole, while undecodable text inside a
// well-sized sample only degrades the affected field to UnknownString.
func Decode(raw []byte) (Event, error) {
	if len(raw) != RecordSize {
		return Event{}, &DecodeError{Reason: LengthMismatch, Got: len(raw), Want: RecordSize}
	}

	var r RawEvent
	if _, err := binary.Decode(raw, binary.LittleEndian, &r); err != nil {
		return Event{}, fmt.Errorf("decoding event: %w", err)
	}
	return r.Event(), nil
}

// Event converts the kernel layout to its decoded form.
func (r *RawEvent) Event() Event {
	return Event{
		Pid:      r.Pid,
		Comm:     cstring(r.Comm[:]),
		Filename: cstring(r.Filename[:]),
		Ret:      r.Ret,
	}
}

// Encode lays an Event out as the kernel would. Strings longer than their
// field are truncated.
func Encode(ev Event) []byte {
	r := RawEvent{Pid: ev.Pid, Ret: ev.Ret}
	copy(r.Comm[:], ev.Comm)
	copy(r.Filename[:], ev.Filename)
	// RawEvent is fixed-size, so Append cannot fail.
	raw, _ := binary.Append(make([]byte, 0, RecordSize), binary.LittleEndian, &r)
	return raw
}

// String renders the event as a single output line. Return records
// carry no filename and render with an empty FILE field.
func (e Event) String() string {
	return fmt.Sprintf("PID: %d, CMD: %s, FILE: %s", e.Pid, e.Comm, e.Filename)
}

// cstring returns the bytes before the first NUL. Reserved ring buffer
// memory is not zeroed, so anything after the terminator is ignored.
func cstring(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	if !utf8.Valid(b) {
		return UnknownString
	}
	return string(b)
}
