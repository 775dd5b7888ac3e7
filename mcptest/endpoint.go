// Package mcptest provides an in-process implementation of the remote
// endpoint's wire contract for exercising the bridge: an SSE handler that
// announces a per-session message URL through an "endpoint" event, and a
// message handler that records POSTed payloads and can script replies.
package mcptest

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// Endpoint is a scriptable remote endpoint. It serves one SSE session at a
// time; a new connection replaces the previous session, which matches the
// bridge's single long-lived stream.
type Endpoint struct {
	mu       sync.Mutex
	sess     *sse.Session
	closed   chan struct{}
	connects int
	received []PostedMessage

	// sendMu serializes writes to the sse library, which is not safe for
	// concurrent senders.
	sendMu sync.Mutex

	respond      func(body []byte) []byte
	endpointData func(sessionID string) string
	logger       *slog.Logger
}

// PostedMessage is one payload the endpoint received on its message URL.
type PostedMessage struct {
	URL  string
	Body []byte
}

// Option represents the options for the Endpoint.
type Option func(*Endpoint)

// NewEndpoint creates an Endpoint. By default it announces the
// path-absolute message URL "/message?sessionID=<id>" and answers POSTs
// with 202 Accepted and an empty body.
func NewEndpoint(options ...Option) *Endpoint {
	e := &Endpoint{
		logger: slog.Default(),
		endpointData: func(sessionID string) string {
			return "/message?sessionID=" + sessionID
		},
	}
	for _, opt := range options {
		opt(e)
	}
	return e
}

// WithRespond scripts the reply body for each POSTed message. Returning an
// empty slice yields 202 Accepted with no body.
func WithRespond(respond func(body []byte) []byte) Option {
	return func(e *Endpoint) {
		e.respond = respond
	}
}

// WithEndpointData overrides the payload of the endpoint event announced on
// each new SSE session.
func WithEndpointData(data func(sessionID string) string) Option {
	return func(e *Endpoint) {
		e.endpointData = data
	}
}

// WithLogger sets the logger used for connection diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Endpoint) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// SSEHandler returns the http.Handler serving the event stream. Each
// connection is upgraded, assigned a session ID, and immediately told its
// message URL through an endpoint event. The handler blocks until the
// stream is closed by CloseStream or the client going away.
func (e *Endpoint) SSEHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := sse.Upgrade(w, r)
		if err != nil {
			nErr := fmt.Errorf("failed to upgrade session: %w", err)
			e.logger.Error("failed to upgrade session", "err", nErr)
			http.Error(w, nErr.Error(), http.StatusInternalServerError)
			return
		}

		sessID := uuid.New().String()
		done := make(chan struct{})

		e.mu.Lock()
		e.sess = sess
		e.closed = done
		e.connects++
		data := e.endpointData(sessID)
		e.mu.Unlock()

		e.logger.Info("session connected", "sessionID", sessID)

		msg := &sse.Message{
			Type: sse.Type("endpoint"),
		}
		msg.AppendData(data)
		if err := e.send(sess, msg); err != nil {
			e.logger.Error("failed to write endpoint event", "err", err)
			return
		}

		// Keep the connection open until the stream is torn down.
		select {
		case <-done:
		case <-r.Context().Done():
		}

		e.mu.Lock()
		if e.sess == sess {
			e.sess = nil
		}
		e.mu.Unlock()
	})
}

// MessageHandler returns the http.Handler accepting POSTed messages. Every
// payload is recorded together with the request URL so tests can assert
// retargeting.
func (e *Endpoint) MessageHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, fmt.Sprintf("failed to read body: %v", err), http.StatusBadRequest)
			return
		}

		e.mu.Lock()
		e.received = append(e.received, PostedMessage{
			URL:  r.URL.String(),
			Body: body,
		})
		respond := e.respond
		e.mu.Unlock()

		if respond != nil {
			if reply := respond(body); len(reply) > 0 {
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write(reply)
				return
			}
		}
		w.WriteHeader(http.StatusAccepted)
	})
}

// Push emits one default event carrying data to the connected session.
func (e *Endpoint) Push(data string) error {
	return e.PushEvent("message", data)
}

// PushEvent emits one event of the given type to the connected session.
func (e *Endpoint) PushEvent(eventType, data string) error {
	e.mu.Lock()
	sess := e.sess
	e.mu.Unlock()

	if sess == nil {
		return errors.New("no connected session")
	}

	msg := &sse.Message{
		Type: sse.Type(eventType),
	}
	msg.AppendData(data)
	return e.send(sess, msg)
}

// PushEndpoint emits an endpoint-discovery event carrying target.
func (e *Endpoint) PushEndpoint(target string) error {
	return e.PushEvent("endpoint", target)
}

// CloseStream drops the current SSE connection, simulating a mid-stream
// failure. A reconnecting client gets a fresh session.
func (e *Endpoint) CloseStream() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed != nil {
		close(e.closed)
		e.closed = nil
	}
}

// Connects returns how many SSE connections have been accepted.
func (e *Endpoint) Connects() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connects
}

// Received returns a copy of the messages POSTed so far, in arrival order.
func (e *Endpoint) Received() []PostedMessage {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]PostedMessage, len(e.received))
	copy(out, e.received)
	return out
}

// WaitConnects blocks until at least n SSE connections have been accepted
// or the timeout elapses.
func (e *Endpoint) WaitConnects(n int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for e.Connects() < n {
		if time.Now().After(deadline) {
			return fmt.Errorf("timeout waiting for %d connections, got %d", n, e.Connects())
		}
		time.Sleep(5 * time.Millisecond)
	}
	return nil
}

func (e *Endpoint) send(sess *sse.Session, msg *sse.Message) error {
	e.sendMu.Lock()
	defer e.sendMu.Unlock()

	if err := sess.Send(msg); err != nil {
		return fmt.Errorf("send event: %w", err)
	}
	if err := sess.Flush(); err != nil {
		return fmt.Errorf("flush event: %w", err)
	}
	return nil
}
