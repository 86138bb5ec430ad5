package protocol

import (
    "errors"
    "fmt"
)

// ErrNoConnections is returned when an operation needs at least one active
// connection and the registry is empty. Callers surface it as a warning
// no-op; it is never fatal.
var ErrNoConnections = errors.New("no active connections")

// ConnectError reports a failed transport-level open. It feeds the
// discovery/fallback controller rather than surfacing as fatal.
type ConnectError struct {
    Transport string
    Target    string
    Err       error
}

func (e *ConnectError) Error() string {
    return fmt.Sprintf("connect %s via %s: %v", e.Target, e.Transport, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// SendError reports a failed send on one connection. Always recovered
// locally; never aborts delivery to other connections.
type SendError struct {
    Transport string
    Key       string
    Err       error
}

func (e *SendError) Error() string {
    return fmt.Sprintf("send to %s via %s: %v", e.Key, e.Transport, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// DecodeError reports a malformed inbound payload. Logged and dropped.
type DecodeError struct {
    Key string
    Err error
}

func (e *DecodeError) Error() string {
    return fmt.Sprintf("decode from %s: %v", e.Key, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }
