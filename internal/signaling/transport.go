// Package signaling abstracts the connection to a telephony endpoint. Two
// variants exist: a connectionless SIP message exchange and a command/response
// bridge channel. A deployment selects exactly one via configuration.
package signaling

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// ErrorKind classifies transport failures.
type ErrorKind string

const (
	KindConnect     ErrorKind = "connect"
	KindSend        ErrorKind = "send"
	KindReceive     ErrorKind = "receive"
	KindTimeout     ErrorKind = "timeout"
	KindProtocol    ErrorKind = "protocol"
	KindUnsupported ErrorKind = "unsupported"
)

// TransportError is the only error type that crosses the signaling boundary.
type TransportError struct {
	Kind   ErrorKind
	Detail string
	Err    error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transport %s: %s: %v", e.Kind, e.Detail, e.Err)
	}
	return fmt.Sprintf("transport %s: %s", e.Kind, e.Detail)
}

func (e *TransportError) Unwrap() error { return e.Err }

func newError(kind ErrorKind, detail string, err error) *TransportError {
	return &TransportError{Kind: kind, Detail: detail, Err: err}
}

// ConnectResult reports how registration/login went. Degraded means the
// endpoint never confirmed the registration and the transport is proceeding
// on a best-effort basis.
type ConnectResult struct {
	Degraded bool
}

// RecordParams bounds one audio capture.
type RecordParams struct {
	MaxDuration    time.Duration
	SilenceTimeout time.Duration
}

// Transport is the signaling capability set a call session drives. A variant
// that lacks a capability (the connectionless one has no media path) returns
// a TransportError with kind unsupported rather than guessing.
type Transport interface {
	Connect(ctx context.Context) (ConnectResult, error)
	Connected() bool

	// Dial initiates an outbound call and returns a correlation reference
	// used for the eventual Hangup.
	Dial(ctx context.Context, destination string) (string, error)

	Record(ctx context.Context, params RecordParams) ([]byte, error)
	Play(ctx context.Context, audio []byte) error

	// Hangup is idempotent: terminating an already-terminated call reference
	// is a no-op, not an error.
	Hangup(ctx context.Context, callRef string) error

	Close() error
}

// NormalizeDestination strips transport decoration from a raw dial string:
// a leading "+" and any "@domain" suffix.
func NormalizeDestination(raw string) string {
	dest := strings.TrimSpace(raw)
	dest = strings.TrimPrefix(dest, "+")
	if at := strings.IndexByte(dest, '@'); at >= 0 {
		dest = dest[:at]
	}
	return dest
}

type serialized struct {
	mu    sync.Mutex
	inner Transport
}

// Serialize wraps a transport so at most one signaling operation is in
// flight at a time. The underlying connection is not assumed to support
// interleaved requests.
func Serialize(t Transport) Transport {
	if _, ok := t.(*serialized); ok {
		return t
	}
	return &serialized{inner: t}
}

func (s *serialized) Connect(ctx context.Context) (ConnectResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.Connect(ctx)
}

func (s *serialized) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.Connected()
}

func (s *serialized) Dial(ctx context.Context, destination string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.Dial(ctx, destination)
}

func (s *serialized) Record(ctx context.Context, params RecordParams) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.Record(ctx, params)
}

func (s *serialized) Play(ctx context.Context, audio []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.Play(ctx, audio)
}

func (s *serialized) Hangup(ctx context.Context, callRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.Hangup(ctx, callRef)
}

func (s *serialized) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.Close()
}
