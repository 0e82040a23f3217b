package signaling

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/voxline/voxline-core/internal/config"
)

// fakeBridge speaks the bridge control protocol from the server side.
type fakeBridge struct {
	ln          net.Listener
	recorded    []byte
	recordCode  int
	hangups     atomic.Int32
	played      chan []byte
	callsFailed bool
}

func startBridge(t *testing.T) *fakeBridge {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen tcp: %v", err)
	}
	b := &fakeBridge{
		ln:         ln,
		recorded:   []byte("pcm-audio"),
		recordCode: 200,
		played:     make(chan []byte, 8),
	}
	go b.serve()
	t.Cleanup(func() { ln.Close() })
	return b
}

func (b *fakeBridge) serve() {
	conn, err := b.ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()
	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		fields := strings.Fields(strings.TrimSpace(line))
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "LOGIN":
			fmt.Fprintf(conn, "200 result=ok\r\n")
		case "CALL":
			if b.callsFailed {
				fmt.Fprintf(conn, "503 result=unavailable\r\n")
			} else {
				fmt.Fprintf(conn, "200 result=ref-%s\r\n", fields[1])
			}
		case "RECORD":
			if b.recordCode != 200 {
				fmt.Fprintf(conn, "%d result=timeout\r\n", b.recordCode)
				continue
			}
			fmt.Fprintf(conn, "200 result=%d\r\n", len(b.recorded))
			conn.Write(b.recorded)
		case "PLAY":
			size, _ := strconv.Atoi(fields[1])
			payload := make([]byte, size)
			if _, err := io.ReadFull(reader, payload); err != nil {
				return
			}
			b.played <- payload
			fmt.Fprintf(conn, "200 result=0\r\n")
		case "HANGUP":
			b.hangups.Add(1)
			fmt.Fprintf(conn, "200 result=ok\r\n")
		}
	}
}

func (b *fakeBridge) config() config.SignalingConfig {
	addr := b.ln.Addr().(*net.TCPAddr)
	return config.SignalingConfig{
		Variant:           "bridge",
		Host:              "127.0.0.1",
		Port:              addr.Port,
		Username:          "admin",
		Password:          "secret",
		RegisterTimeoutMS: 1000,
		DialTimeoutMS:     1000,
	}
}

func TestBridgeCallLifecycle(t *testing.T) {
	bridge := startBridge(t)
	tr := NewBridge(bridge.config(), newLogger())
	t.Cleanup(func() { _ = tr.Close() })

	if _, err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	ref, err := tr.Dial(context.Background(), "1000")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if ref != "ref-1000" {
		t.Fatalf("unexpected call ref %q", ref)
	}

	audio, err := tr.Record(context.Background(), RecordParams{MaxDuration: time.Second, SilenceTimeout: time.Second})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if string(audio) != "pcm-audio" {
		t.Fatalf("unexpected audio %q", audio)
	}

	if err := tr.Play(context.Background(), []byte("reply-audio")); err != nil {
		t.Fatalf("play: %v", err)
	}
	select {
	case payload := <-bridge.played:
		if string(payload) != "reply-audio" {
			t.Fatalf("bridge received %q", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("bridge never received audio")
	}

	if err := tr.Hangup(context.Background(), ref); err != nil {
		t.Fatalf("hangup: %v", err)
	}
}

func TestBridgeRecordEmpty(t *testing.T) {
	bridge := startBridge(t)
	bridge.recorded = nil
	tr := NewBridge(bridge.config(), newLogger())
	t.Cleanup(func() { _ = tr.Close() })

	if _, err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	audio, err := tr.Record(context.Background(), RecordParams{MaxDuration: time.Second})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if len(audio) != 0 {
		t.Fatalf("expected empty capture, got %d bytes", len(audio))
	}
}

func TestBridgeRecordTimeout(t *testing.T) {
	bridge := startBridge(t)
	bridge.recordCode = 408
	tr := NewBridge(bridge.config(), newLogger())
	t.Cleanup(func() { _ = tr.Close() })

	if _, err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	_, err := tr.Record(context.Background(), RecordParams{MaxDuration: time.Second})
	var terr *TransportError
	if !errors.As(err, &terr) || terr.Kind != KindTimeout {
		t.Fatalf("expected timeout transport error, got %v", err)
	}
}

func TestBridgeDialRejected(t *testing.T) {
	bridge := startBridge(t)
	bridge.callsFailed = true
	tr := NewBridge(bridge.config(), newLogger())
	t.Cleanup(func() { _ = tr.Close() })

	if _, err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	_, err := tr.Dial(context.Background(), "1000")
	var terr *TransportError
	if !errors.As(err, &terr) || terr.Kind != KindProtocol {
		t.Fatalf("expected protocol error, got %v", err)
	}
}

func TestBridgeHangupIdempotent(t *testing.T) {
	bridge := startBridge(t)
	tr := NewBridge(bridge.config(), newLogger())
	t.Cleanup(func() { _ = tr.Close() })

	if _, err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	ref, err := tr.Dial(context.Background(), "1000")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if err := tr.Hangup(context.Background(), ref); err != nil {
		t.Fatalf("hangup: %v", err)
	}
	if err := tr.Hangup(context.Background(), ref); err != nil {
		t.Fatalf("repeated hangup: %v", err)
	}
	// Give the server loop a beat before asserting.
	time.Sleep(50 * time.Millisecond)
	if got := bridge.hangups.Load(); got != 1 {
		t.Fatalf("expected exactly one hangup on the wire, got %d", got)
	}
}
