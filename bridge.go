package bridge

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync/atomic"
	"time"
)

// Bridge relays line-oriented JSON-RPC messages between a local stdio peer
// and a remote split transport: an SSE stream for remote-to-local traffic
// and HTTP POSTs for local-to-remote traffic. The POST target URL is
// discovered from the stream's endpoint events and may change mid-session.
//
// The bridge is byte-transparent: apart from endpoint discovery and the
// suppression of a small set of transport-internal notifications, payloads
// are relayed without inspection or re-encoding.
//
// Instances should be created using New.
type Bridge struct {
	sseURL string
	origin string
	target atomic.Pointer[string]

	httpClient *http.Client
	in         io.Reader
	out        io.Writer
	logger     *slog.Logger

	reconnectWait time.Duration
	maxLineBytes  int
	maxEventBytes int

	suppressPatterns []string
	suppress         *suppressor

	writes chan []byte
}

// Option represents the options for the Bridge.
type Option func(*Bridge)

// New creates a Bridge that connects to the SSE stream at sseURL. The URL
// must be absolute; its origin is used to resolve path-absolute endpoint
// events, and its path with a trailing "/sse" replaced by "/message" forms
// the initial POST target until the first endpoint event arrives.
func New(sseURL string, options ...Option) (*Bridge, error) {
	if sseURL == "" {
		return nil, errors.New("SSE URL is required")
	}
	u, err := url.Parse(sseURL)
	if err != nil {
		return nil, fmt.Errorf("parse SSE URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("SSE URL %q is not absolute", sseURL)
	}

	b := &Bridge{
		sseURL:        sseURL,
		origin:        u.Scheme + "://" + u.Host,
		httpClient:    http.DefaultClient,
		in:            os.Stdin,
		out:           os.Stdout,
		logger:        slog.Default(),
		reconnectWait: DefaultReconnectInterval,
		maxLineBytes:  DefaultMaxLineBytes,
		maxEventBytes: DefaultMaxEventBytes,
		writes:        make(chan []byte),
	}

	for _, opt := range options {
		opt(b)
	}

	patterns := append(defaultSuppressedMethods(), b.suppressPatterns...)
	sup, err := newSuppressor(patterns)
	if err != nil {
		return nil, err
	}
	b.suppress = sup

	target := initialTarget(u)
	b.target.Store(&target)

	return b, nil
}

// WithHTTPClient sets the HTTP client used for both the SSE connection and
// outbound POSTs. If client is nil, the default HTTP client is used.
func WithHTTPClient(client *http.Client) Option {
	return func(b *Bridge) {
		if client != nil {
			b.httpClient = client
		}
	}
}

// WithLogger sets the logger for operational diagnostics. Diagnostics never
// share a channel with protocol payloads, so the handler must not be bound
// to the writer passed to WithStreams.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bridge) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithStreams sets the local peer's streams. They default to os.Stdin and
// os.Stdout.
func WithStreams(in io.Reader, out io.Writer) Option {
	return func(b *Bridge) {
		b.in = in
		b.out = out
	}
}

// WithReconnectInterval sets the fixed wait between SSE reconnect attempts.
func WithReconnectInterval(interval time.Duration) Option {
	return func(b *Bridge) {
		if interval > 0 {
			b.reconnectWait = interval
		}
	}
}

// WithMaxLineBytes sets the maximum accepted length of a single local
// message. Longer lines end the local read loop with an error.
func WithMaxLineBytes(size int) Option {
	return func(b *Bridge) {
		if size > 0 {
			b.maxLineBytes = size
		}
	}
}

// WithMaxEventBytes sets the maximum accepted size of a single SSE event.
// An oversized event fails the stream and triggers a reconnect, not a
// process exit.
func WithMaxEventBytes(size int) Option {
	return func(b *Bridge) {
		if size > 0 {
			b.maxEventBytes = size
		}
	}
}

// WithSuppressedMethods adds notification method patterns to drop on top of
// the built-in suppressed set. Patterns are glob expressions with '/' as
// the separator, e.g. "transport/*".
func WithSuppressedMethods(patterns ...string) Option {
	return func(b *Bridge) {
		b.suppressPatterns = append(b.suppressPatterns, patterns...)
	}
}

// Target returns the current POST target URL. It is updated by endpoint
// events; a value read here may be overwritten before a send completes,
// which is benign for a request/response stateless remote.
func (b *Bridge) Target() string {
	return *b.target.Load()
}

func (b *Bridge) setTarget(target string) {
	b.target.Store(&target)
}

// Run relays messages until the local input stream closes or fails, then
// returns. The SSE listener and the output pump are torn down with the
// derived context. Run returns nil on clean end-of-stream.
func (b *Bridge) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go b.processWrites(ctx)
	go b.listen(ctx)

	return b.relayLocal(ctx)
}

// relayLocal frames the local input stream into messages and posts each one
// to the remote endpoint. Sends are not serialized against each other, so
// responses reach the local peer in completion order.
func (b *Bridge) relayLocal(ctx context.Context) error {
	for line, err := range lines(b.in, b.maxLineBytes) {
		if err != nil {
			b.logger.Error("failed to read local stream", "err", err)
			return fmt.Errorf("read local stream: %w", err)
		}
		go b.send(ctx, line)
	}
	b.logger.Info("local stream closed")
	return nil
}

// send posts one message to the current target and relays any non-empty
// response body back to the local peer. Failures are logged and dropped;
// the next message is processed independently. A non-2xx status is not a
// failure, only transport errors are.
func (b *Bridge) send(ctx context.Context, line string) {
	target := b.Target()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(line))
	if err != nil {
		b.logger.Error("failed to create request", "target", target, "err", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		b.logger.Error("failed to post message", "target", target, "err", err)
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		b.logger.Error("failed to read response body", "target", target, "err", err)
		return
	}

	if reply := strings.TrimSpace(string(body)); reply != "" {
		b.writeLine(ctx, reply)
	}
}

// writeLine queues one protocol payload for the local peer, terminated with
// exactly one newline.
func (b *Bridge) writeLine(ctx context.Context, payload string) {
	buf := make([]byte, 0, len(payload)+1)
	buf = append(buf, payload...)
	buf = append(buf, '\n')

	select {
	case b.writes <- buf:
	case <-ctx.Done():
	}
}

// processWrites is the single writer to the local output stream. Both the
// outbound senders and the SSE listener queue here, so concurrent
// completions never interleave within a line.
func (b *Bridge) processWrites(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case buf := <-b.writes:
			if _, err := b.out.Write(buf); err != nil {
				b.logger.Error("failed to write to local stream", "err", err)
			}
		}
	}
}

// lines yields the newline-terminated messages of r in order, regardless of
// how the underlying reads chunk the stream. A trailing carriage return is
// stripped from each message, blank and whitespace-only lines are skipped
// as transport padding, and an unterminated trailing fragment is discarded
// when the stream ends. Iteration stops with a non-nil error if a read
// fails or a single message exceeds max bytes.
func lines(r io.Reader, max int) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		initial := 64 * 1024
		if max < initial {
			initial = max
		}
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, initial), max)
		scanner.Split(scanFrames)

		for scanner.Scan() {
			line := scanner.Text()
			if strings.TrimSpace(line) == "" {
				continue
			}
			if !yield(line, nil) {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			yield("", err)
		}
	}
}

// scanFrames is a bufio.SplitFunc yielding only newline-terminated frames.
// A fragment with no final newline is not a complete message, so it is
// skipped rather than returned when the stream ends.
func scanFrames(data []byte, atEOF bool) (int, []byte, error) {
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		return i + 1, dropCR(data[:i]), nil
	}
	if atEOF {
		return len(data), nil, nil
	}
	return 0, nil, nil
}

func dropCR(data []byte) []byte {
	if len(data) > 0 && data[len(data)-1] == '\r' {
		return data[:len(data)-1]
	}
	return data
}

// initialTarget derives the POST target from the SSE URL by replacing a
// trailing "/sse" path suffix with "/message". The first endpoint event
// overwrites it.
func initialTarget(sseURL *url.URL) string {
	target := *sseURL
	if strings.HasSuffix(target.Path, "/sse") {
		target.Path = strings.TrimSuffix(target.Path, "/sse") + "/message"
	}
	return target.String()
}
