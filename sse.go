package bridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tmaxmax/go-sse"
)

// endpointEventType is the reserved event name carrying the POST target URL.
const endpointEventType = "endpoint"

// listen keeps the SSE connection alive for the lifetime of the bridge.
// Any stream failure leads to a fixed-interval wait followed by a fresh
// connection attempt; there is no backoff and no retry cap. None of this
// reaches the local peer, which sees silence during outages.
func (b *Bridge) listen(ctx context.Context) {
	for {
		b.logger.Info("connecting to event stream", "url", b.sseURL)

		err := b.stream(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			b.logger.Error("event stream failed", "err", err)
		} else {
			b.logger.Info("event stream ended")
		}

		b.logger.Info("waiting before reconnect", "interval", b.reconnectWait)
		select {
		case <-ctx.Done():
			return
		case <-time.After(b.reconnectWait):
		}
	}
}

// stream opens one SSE connection and processes its events until the stream
// ends or fails. A nil return means the remote closed the stream cleanly;
// the caller reconnects either way.
func (b *Bridge) stream(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.sseURL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("connect to event stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	b.logger.Info("event stream connected")

	var config *sse.ReadConfig
	if b.maxEventBytes > 0 {
		config = &sse.ReadConfig{
			MaxEventSize: b.maxEventBytes,
		}
	}

	for ev, err := range sse.Read(resp.Body, config) {
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("read event stream: %w", err)
		}
		b.handleEvent(ctx, ev)
	}

	return nil
}

// handleEvent classifies one framed event: endpoint discovery updates the
// POST target and is never forwarded; a payload whose method is in the
// suppressed set is dropped; everything else, well-formed or not, is
// forwarded verbatim to the local peer.
func (b *Bridge) handleEvent(ctx context.Context, ev sse.Event) {
	switch ev.Type {
	case endpointEventType:
		target := b.resolveEndpoint(firstLine(ev.Data))
		b.setTarget(target)
		b.logger.Info("endpoint updated", "target", target)
	default:
		// Only the first data line matters for classification; the remote
		// contract is one data line per event.
		if method, ok := b.suppress.match(firstLine(ev.Data)); ok {
			b.logger.Debug("suppressed notification", "method", method)
			return
		}
		b.writeLine(ctx, ev.Data)
	}
}

// resolveEndpoint turns the payload of an endpoint event into the next POST
// target. Absolute URLs are used verbatim, path-absolute values resolve
// against the SSE URL's origin, and anything else replaces the target as an
// opaque string.
func (b *Bridge) resolveEndpoint(raw string) string {
	switch {
	case strings.HasPrefix(raw, "http://"), strings.HasPrefix(raw, "https://"):
		return raw
	case strings.HasPrefix(raw, "/"):
		return b.origin + raw
	default:
		return raw
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
