package signaling

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/voxline/voxline-core/internal/config"
)

// BridgeTransport is the command/response variant: a line-oriented control
// channel to a telephony bridge (answer/record/play/hangup). Unlike the
// connectionless variant it carries real acknowledgments, so Dial blocks
// until the bridge reports the call answered.
type BridgeTransport struct {
	cfg config.SignalingConfig
	log *slog.Logger

	mu        sync.Mutex
	conn      net.Conn
	reader    *bufio.Reader
	connected bool
	hungup    map[string]struct{}
	refSeq    int
}

func NewBridge(cfg config.SignalingConfig, log *slog.Logger) *BridgeTransport {
	return &BridgeTransport{
		cfg:    cfg,
		log:    log.With(slog.String("component", "bridge-transport")),
		hungup: make(map[string]struct{}),
	}
}

func (t *BridgeTransport) Connect(ctx context.Context) (ConnectResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.connected {
		return ConnectResult{}, nil
	}

	timeout := time.Duration(t.cfg.RegisterTimeoutMS) * time.Millisecond
	addr := fmt.Sprintf("%s:%d", t.cfg.Host, t.cfg.Port)
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return ConnectResult{}, newError(KindConnect, "dial "+addr, err)
	}
	t.conn = conn
	t.reader = bufio.NewReader(conn)

	code, result, err := t.command(ctx, fmt.Sprintf("LOGIN %s %s", t.cfg.Username, t.cfg.Password), timeout)
	if err != nil {
		conn.Close()
		t.conn = nil
		return ConnectResult{}, err
	}
	if code != 200 {
		conn.Close()
		t.conn = nil
		return ConnectResult{}, newError(KindConnect, fmt.Sprintf("login rejected: %d %s", code, result), nil)
	}

	t.log.Info("connected to bridge", slog.String("addr", addr))
	t.connected = true
	return ConnectResult{}, nil
}

func (t *BridgeTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// Dial originates a call and waits for the bridge to confirm it answered.
func (t *BridgeTransport) Dial(ctx context.Context, destination string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected {
		return "", newError(KindConnect, "transport not connected", nil)
	}

	timeout := time.Duration(t.cfg.DialTimeoutMS) * time.Millisecond
	code, result, err := t.command(ctx, "CALL "+destination, timeout)
	if err != nil {
		return "", err
	}
	if code != 200 {
		return "", newError(KindProtocol, fmt.Sprintf("call rejected: %d %s", code, result), nil)
	}

	ref := result
	if ref == "" {
		t.refSeq++
		ref = strconv.Itoa(t.refSeq)
	}
	t.log.Info("call answered", slog.String("destination", destination), slog.String("call_ref", ref))
	return ref, nil
}

func (t *BridgeTransport) Record(ctx context.Context, params RecordParams) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected {
		return nil, newError(KindConnect, "transport not connected", nil)
	}

	maxSecs := int(params.MaxDuration / time.Second)
	silenceSecs := int(params.SilenceTimeout / time.Second)
	// The response can take as long as the full capture window.
	timeout := params.MaxDuration + params.SilenceTimeout + 2*time.Second

	code, result, err := t.command(ctx, fmt.Sprintf("RECORD %d %d", maxSecs, silenceSecs), timeout)
	if err != nil {
		return nil, err
	}
	switch code {
	case 200:
	case 408:
		return nil, newError(KindTimeout, "record timed out", nil)
	default:
		return nil, newError(KindProtocol, fmt.Sprintf("record failed: %d %s", code, result), nil)
	}

	size, err := strconv.Atoi(result)
	if err != nil || size < 0 {
		return nil, newError(KindProtocol, "record response carried no payload size: "+result, err)
	}
	if size == 0 {
		return nil, nil
	}

	audio := make([]byte, size)
	if _, err := io.ReadFull(t.reader, audio); err != nil {
		return nil, newError(KindReceive, "read recorded audio", err)
	}
	return audio, nil
}

func (t *BridgeTransport) Play(ctx context.Context, audio []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected {
		return newError(KindConnect, "transport not connected", nil)
	}

	t.applyDeadline(ctx, 30*time.Second)
	if _, err := fmt.Fprintf(t.conn, "PLAY %d\r\n", len(audio)); err != nil {
		return newError(KindSend, "write play command", err)
	}
	if _, err := t.conn.Write(audio); err != nil {
		return newError(KindSend, "write audio payload", err)
	}
	code, result, err := t.readResponse()
	if err != nil {
		return err
	}
	if code != 200 {
		return newError(KindProtocol, fmt.Sprintf("play failed: %d %s", code, result), nil)
	}
	return nil
}

func (t *BridgeTransport) Hangup(ctx context.Context, callRef string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, done := t.hungup[callRef]; done {
		return nil
	}
	if !t.connected {
		return newError(KindConnect, "transport not connected", nil)
	}

	code, result, err := t.command(ctx, "HANGUP "+callRef, 5*time.Second)
	if err != nil {
		return err
	}
	if code != 200 {
		return newError(KindProtocol, fmt.Sprintf("hangup failed: %d %s", code, result), nil)
	}
	t.hungup[callRef] = struct{}{}
	return nil
}

func (t *BridgeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.connected = false
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}

// command sends one request line and reads its response line under a
// deadline. Callers hold the mutex.
func (t *BridgeTransport) command(ctx context.Context, line string, timeout time.Duration) (int, string, error) {
	t.applyDeadline(ctx, timeout)
	if _, err := fmt.Fprintf(t.conn, "%s\r\n", line); err != nil {
		return 0, "", newError(KindSend, "write command", err)
	}
	return t.readResponse()
}

func (t *BridgeTransport) applyDeadline(ctx context.Context, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = t.conn.SetDeadline(deadline)
}

// readResponse parses one "<code> result=<value>" line.
func (t *BridgeTransport) readResponse() (int, string, error) {
	line, err := t.reader.ReadString('\n')
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return 0, "", newError(KindTimeout, "bridge response timed out", err)
		}
		return 0, "", newError(KindReceive, "read response", err)
	}
	line = strings.TrimRight(line, "\r\n")

	code, rest, found := strings.Cut(line, " ")
	status, err := strconv.Atoi(code)
	if err != nil {
		return 0, "", newError(KindProtocol, "malformed response: "+line, nil)
	}
	result := ""
	if found {
		if v, ok := strings.CutPrefix(rest, "result="); ok {
			result = v
		} else {
			result = rest
		}
	}
	return status, result, nil
}
