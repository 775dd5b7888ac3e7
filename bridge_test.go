package bridge_test

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"

	bridge "github.com/streampipe/mcp-bridge"
	"github.com/streampipe/mcp-bridge/mcptest"
)

// syncBuffer is a goroutine-safe bytes.Buffer for capturing bridge output.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type testBridge struct {
	bridge *bridge.Bridge
	in     *io.PipeWriter
	out    *syncBuffer
	srv    *httptest.Server
	done   chan error
}

// startBridge wires a bridge to an in-process remote endpoint and runs it
// until the test ends. It returns once the endpoint event from the first
// SSE connection has been applied, so sends deterministically target the
// session URL.
func startBridge(t *testing.T, ep *mcptest.Endpoint, opts ...bridge.Option) *testBridge {
	t.Helper()

	mux := http.NewServeMux()
	mux.Handle("/sse", ep.SSEHandler())
	mux.Handle("/message", ep.MessageHandler())
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	pr, pw := io.Pipe()
	t.Cleanup(func() { _ = pw.Close() })
	out := &syncBuffer{}

	opts = append([]bridge.Option{
		bridge.WithStreams(pr, out),
		bridge.WithHTTPClient(srv.Client()),
		bridge.WithReconnectInterval(20 * time.Millisecond),
		bridge.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)

	b, err := bridge.New(srv.URL+"/sse", opts...)
	if err != nil {
		t.Fatalf("failed to create bridge: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	done := make(chan error, 1)
	go func() {
		done <- b.Run(ctx)
	}()

	if err := ep.WaitConnects(1, 5*time.Second); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "session target", func() bool {
		return strings.Contains(b.Target(), "sessionID=")
	})

	return &testBridge{bridge: b, in: pw, out: out, srv: srv, done: done}
}

func (tb *testBridge) sendLine(t *testing.T, line string) {
	t.Helper()
	if _, err := io.WriteString(tb.in, line+"\n"); err != nil {
		t.Fatalf("failed to write local line: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitForOutput(t *testing.T, out *syncBuffer, want string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for out.String() != want {
		if time.Now().After(deadline) {
			t.Fatalf("local output mismatch:\n%s", diffText(want, out.String()))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func diffText(want, got string) string {
	dmp := diffmatchpatch.New()
	return dmp.DiffPrettyText(dmp.DiffMain(want, got, false))
}

func TestBridgeRelaysRequestAndResponse(t *testing.T) {
	echo := `{"jsonrpc":"2.0","id":1,"result":{}}`
	ep := mcptest.NewEndpoint(mcptest.WithRespond(func([]byte) []byte {
		return []byte(echo)
	}))
	tb := startBridge(t, ep)

	ping := `{"jsonrpc":"2.0","id":1,"method":"ping"}`
	tb.sendLine(t, ping)

	waitForOutput(t, tb.out, echo+"\n")

	received := ep.Received()
	if len(received) != 1 {
		t.Fatalf("got %d posted messages, want 1", len(received))
	}
	if string(received[0].Body) != ping {
		t.Errorf("posted body is %q, want %q", received[0].Body, ping)
	}
}

func TestBridgeIgnoresBlankLocalLines(t *testing.T) {
	ep := mcptest.NewEndpoint()
	tb := startBridge(t, ep)

	if _, err := io.WriteString(tb.in, "\n  \n\r\n"); err != nil {
		t.Fatalf("failed to write padding: %v", err)
	}
	msg := `{"jsonrpc":"2.0","method":"notify","params":{}}`
	tb.sendLine(t, msg)

	waitFor(t, "posted message", func() bool { return len(ep.Received()) == 1 })

	if got := string(ep.Received()[0].Body); got != msg {
		t.Errorf("posted body is %q, want %q", got, msg)
	}
}

func TestBridgeSendFailureIsolation(t *testing.T) {
	ep := mcptest.NewEndpoint()

	logs := &syncBuffer{}
	tb := startBridge(t, ep, bridge.WithLogger(slog.New(slog.NewTextHandler(logs, nil))))

	if err := ep.PushEndpoint("http://127.0.0.1:9/unreachable"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "unreachable target", func() bool {
		return tb.bridge.Target() == "http://127.0.0.1:9/unreachable"
	})

	dropped := `{"jsonrpc":"2.0","id":1,"method":"ping"}`
	tb.sendLine(t, dropped)
	waitFor(t, "logged send failure", func() bool {
		return strings.Contains(logs.String(), "failed to post message")
	})

	if err := ep.PushEndpoint("/message?sessionID=recovered"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "recovered target", func() bool {
		return tb.bridge.Target() == tb.srv.URL+"/message?sessionID=recovered"
	})

	next := `{"jsonrpc":"2.0","id":2,"method":"ping"}`
	tb.sendLine(t, next)
	waitFor(t, "next message delivered", func() bool { return len(ep.Received()) == 1 })

	if got := string(ep.Received()[0].Body); got != next {
		t.Errorf("posted body is %q, want %q", got, next)
	}

	// The inbound direction keeps working across the failed send.
	notify := `{"jsonrpc":"2.0","method":"notify","params":{}}`
	if err := ep.Push(notify); err != nil {
		t.Fatal(err)
	}
	waitForOutput(t, tb.out, notify+"\n")
}

func TestBridgeExitsOnLocalEOF(t *testing.T) {
	ep := mcptest.NewEndpoint()
	tb := startBridge(t, ep)

	_ = tb.in.Close()

	select {
	case err := <-tb.done:
		if err != nil {
			t.Fatalf("Run returned %v, want nil on clean end-of-stream", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for Run to return after local EOF")
	}
}
