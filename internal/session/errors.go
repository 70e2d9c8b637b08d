package session

import "errors"

var (
	// ErrMissingCredential is returned by Start when no API key is configured.
	// It is detected before any device is acquired.
	ErrMissingCredential = errors.New("missing API key")

	// ErrDeviceAccess wraps microphone or output acquisition failures
	ErrDeviceAccess = errors.New("device access failed")

	// ErrConnection wraps failures opening or using the remote session
	ErrConnection = errors.New("connection error")

	// ErrDecode wraps malformed inbound audio. It is never fatal to a session.
	ErrDecode = errors.New("decode error")

	// ErrCanceled is returned by Start when Stop or Close ran before the
	// connection attempt resolved
	ErrCanceled = errors.New("session stopped while connecting")

	// ErrBusy is returned by Start while another connection attempt is in flight
	ErrBusy = errors.New("connection attempt already in progress")

	// ErrClosed is returned by calls made after Close
	ErrClosed = errors.New("controller closed")
)

// Kind returns a short label classifying err, used for metrics and logs
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrMissingCredential):
		return "credential"
	case errors.Is(err, ErrDeviceAccess):
		return "device"
	case errors.Is(err, ErrConnection):
		return "connection"
	case errors.Is(err, ErrDecode):
		return "decode"
	case errors.Is(err, ErrCanceled):
		return "canceled"
	case errors.Is(err, ErrBusy):
		return "busy"
	case errors.Is(err, ErrClosed):
		return "closed"
	default:
		return "other"
	}
}

// reason returns the short human-readable reason shown in the status string
func reason(err error) string {
	switch Kind(err) {
	case "credential":
		return "missing API key"
	case "device":
		return "microphone unavailable"
	case "connection":
		return "connection failed"
	default:
		return "call could not start"
	}
}
