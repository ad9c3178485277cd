// Package common - error kinds shared by every stage of the benchmark pipeline.
package common

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies a failure by how the pipeline must react to it.
type Kind int

const (
	// KindUnknown is reported for errors that carry no kind.
	KindUnknown Kind = iota
	// KindConfig is a missing or invalid parameter. Fatal at startup.
	KindConfig
	// KindDevice is a missing compute device or an invalid device index. Fatal at startup.
	KindDevice
	// KindIO is an unreadable input. Fatal for the image list and label file,
	// recoverable for a single image.
	KindIO
	// KindDecode is a raw tensor that does not match the configured layout.
	// Fatal for the current image only.
	KindDecode
)

// String returns the name of the kind.
func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindDevice:
		return "device"
	case KindIO:
		return "io"
	case KindDecode:
		return "decode"
	}
	return "unknown"
}

// Error is a classified error.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s error: %s: %v", e.Kind, e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

// Cause lets errors.Cause walk through classified errors.
func (e *Error) Cause() error { return e.Err }

// DecodeError reports a raw output tensor that does not match the configured
// grid, anchor and class layout of a detection scale.
type DecodeError struct {
	Scale    int
	Expected int
	Actual   int
	Reason   string
}

func (e *DecodeError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("decode error: scale %d: %s (expected %d, got %d)", e.Scale, e.Reason, e.Expected, e.Actual)
	}
	return fmt.Sprintf("decode error: scale %d: expected %d elements, got %d", e.Scale, e.Expected, e.Actual)
}

// ConfigErrorf creates a KindConfig error.
func ConfigErrorf(format string, args ...interface{}) error {
	return &Error{Kind: KindConfig, Err: errors.Errorf(format, args...)}
}

// DeviceErrorf creates a KindDevice error.
func DeviceErrorf(format string, args ...interface{}) error {
	return &Error{Kind: KindDevice, Err: errors.Errorf(format, args...)}
}

// IOErrorf creates a KindIO error.
func IOErrorf(format string, args ...interface{}) error {
	return &Error{Kind: KindIO, Err: errors.Errorf(format, args...)}
}

// WrapIO classifies err as KindIO for the operation op (usually a path).
// A nil err yields nil.
func WrapIO(err error, op string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindIO, Op: op, Err: err}
}

// WrapDevice classifies err as KindDevice.
func WrapDevice(err error, op string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindDevice, Op: op, Err: err}
}

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	var de *DecodeError
	if errors.As(err, &de) {
		return KindDecode
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
