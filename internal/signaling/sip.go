package signaling

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxline/voxline-core/internal/config"
)

// SIPTransport is the connectionless variant: textual REGISTER/INVITE/BYE
// requests over UDP. No reliable signaling acknowledgment is assumed beyond
// the registration response, so Dial returns immediately after send.
type SIPTransport struct {
	cfg config.SignalingConfig
	log *slog.Logger

	mu         sync.Mutex
	conn       net.Conn
	localAddr  string
	connected  bool
	degraded   bool
	cseq       int
	terminated map[string]struct{}
}

func NewSIP(cfg config.SignalingConfig, log *slog.Logger) *SIPTransport {
	return &SIPTransport{
		cfg:        cfg,
		log:        log.With(slog.String("component", "sip-transport")),
		terminated: make(map[string]struct{}),
	}
}

func (t *SIPTransport) Connect(ctx context.Context) (ConnectResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.connected {
		return ConnectResult{Degraded: t.degraded}, nil
	}

	addr := fmt.Sprintf("%s:%d", t.cfg.Host, t.cfg.Port)
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return ConnectResult{}, newError(KindConnect, "dial "+addr, err)
	}
	t.conn = conn
	t.localAddr = conn.LocalAddr().String()

	callID := uuid.NewString()
	if err := t.send(t.buildRegister(callID)); err != nil {
		conn.Close()
		t.conn = nil
		return ConnectResult{}, err
	}

	timeout := time.Duration(t.cfg.RegisterTimeoutMS) * time.Millisecond
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < timeout {
		timeout = time.Until(deadline)
	}
	_ = conn.SetReadDeadline(time.Now().Add(timeout))

	buf := make([]byte, 2048)
	n, err := conn.Read(buf)
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			// Some registrars silently drop unauthenticated probes. Assume
			// reachable and flag the degraded mode instead of hard-failing.
			t.log.Warn("registration timed out, continuing in degraded mode", slog.String("registrar", addr))
			t.connected = true
			t.degraded = true
			return ConnectResult{Degraded: true}, nil
		}
		conn.Close()
		t.conn = nil
		return ConnectResult{}, newError(KindReceive, "read registration response", err)
	}

	status := firstLine(string(buf[:n]))
	if !strings.Contains(status, "200") {
		conn.Close()
		t.conn = nil
		return ConnectResult{}, newError(KindConnect, "registration rejected: "+status, nil)
	}

	t.log.Info("registered with SIP trunk", slog.String("registrar", addr))
	t.connected = true
	t.degraded = false
	return ConnectResult{}, nil
}

func (t *SIPTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *SIPTransport) Dial(ctx context.Context, destination string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected || t.conn == nil {
		return "", newError(KindConnect, "transport not connected", nil)
	}
	if err := ctx.Err(); err != nil {
		return "", newError(KindSend, "dial cancelled", err)
	}

	callID := uuid.NewString()
	if err := t.send(t.buildInvite(callID, destination)); err != nil {
		return "", err
	}
	t.log.Info("invite sent", slog.String("destination", destination), slog.String("call_id", callID))
	return callID, nil
}

func (t *SIPTransport) Record(ctx context.Context, params RecordParams) ([]byte, error) {
	return nil, newError(KindUnsupported, "connectionless variant has no media channel", nil)
}

func (t *SIPTransport) Play(ctx context.Context, audio []byte) error {
	return newError(KindUnsupported, "connectionless variant has no media channel", nil)
}

func (t *SIPTransport) Hangup(ctx context.Context, callRef string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, done := t.terminated[callRef]; done {
		return nil
	}
	if !t.connected || t.conn == nil {
		return newError(KindConnect, "transport not connected", nil)
	}
	if err := t.send(t.buildBye(callRef)); err != nil {
		return err
	}
	t.terminated[callRef] = struct{}{}
	return nil
}

func (t *SIPTransport) Close() error {
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

func (t *SIPTransport) send(msg string) error {
	if _, err := t.conn.Write([]byte(msg)); err != nil {
		return newError(KindSend, "write request", err)
	}
	return nil
}

func (t *SIPTransport) nextCSeq() int {
	t.cseq++
	return t.cseq
}

func (t *SIPTransport) buildRegister(callID string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "REGISTER sip:%s SIP/2.0\r\n", t.cfg.Host)
	fmt.Fprintf(&b, "Via: SIP/2.0/UDP %s\r\n", t.localAddr)
	fmt.Fprintf(&b, "From: <sip:%s@%s>\r\n", t.cfg.Username, t.cfg.Host)
	fmt.Fprintf(&b, "To: <sip:%s@%s>\r\n", t.cfg.Username, t.cfg.Host)
	fmt.Fprintf(&b, "Call-ID: %s\r\n", callID)
	fmt.Fprintf(&b, "CSeq: %d REGISTER\r\n", t.nextCSeq())
	fmt.Fprintf(&b, "Contact: <sip:%s@%s>\r\n", t.cfg.Username, t.localAddr)
	b.WriteString("Expires: 3600\r\n")
	b.WriteString("Content-Length: 0\r\n\r\n")
	return b.String()
}

func (t *SIPTransport) buildInvite(callID, destination string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "INVITE sip:%s@%s SIP/2.0\r\n", destination, t.cfg.Host)
	fmt.Fprintf(&b, "Via: SIP/2.0/UDP %s\r\n", t.localAddr)
	fmt.Fprintf(&b, "From: <sip:%s@%s>\r\n", t.cfg.Username, t.cfg.Host)
	fmt.Fprintf(&b, "To: <sip:%s@%s>\r\n", destination, t.cfg.Host)
	fmt.Fprintf(&b, "Call-ID: %s\r\n", callID)
	fmt.Fprintf(&b, "CSeq: %d INVITE\r\n", t.nextCSeq())
	fmt.Fprintf(&b, "Contact: <sip:%s@%s>\r\n", t.cfg.Username, t.localAddr)
	b.WriteString("Content-Type: application/sdp\r\n")
	b.WriteString("Content-Length: 0\r\n\r\n")
	return b.String()
}

func (t *SIPTransport) buildBye(callID string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "BYE sip:%s SIP/2.0\r\n", t.cfg.Host)
	fmt.Fprintf(&b, "Via: SIP/2.0/UDP %s\r\n", t.localAddr)
	fmt.Fprintf(&b, "From: <sip:%s@%s>\r\n", t.cfg.Username, t.cfg.Host)
	fmt.Fprintf(&b, "To: <sip:%s@%s>\r\n", t.cfg.Username, t.cfg.Host)
	fmt.Fprintf(&b, "Call-ID: %s\r\n", callID)
	fmt.Fprintf(&b, "CSeq: %d BYE\r\n", t.nextCSeq())
	b.WriteString("Content-Length: 0\r\n\r\n")
	return b.String()
}

func firstLine(s string) string {
	if i := strings.IndexAny(s, "\r\n"); i >= 0 {
		return s[:i]
	}
	return s
}
