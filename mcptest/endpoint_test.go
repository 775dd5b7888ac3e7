package mcptest_test

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmaxmax/go-sse"

	"github.com/streampipe/mcp-bridge/mcptest"
)

func newTestServer(t *testing.T, ep *mcptest.Endpoint) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.Handle("/sse", ep.SSEHandler())
	mux.Handle("/message", ep.MessageHandler())
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func nextEvent(t *testing.T, events <-chan sse.Event) sse.Event {
	t.Helper()

	select {
	case ev, ok := <-events:
		require.True(t, ok, "event stream closed early")
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for event")
		return sse.Event{}
	}
}

func TestEndpointAnnouncesSessionURL(t *testing.T) {
	ep := mcptest.NewEndpoint()
	srv := newTestServer(t, ep)

	resp, err := srv.Client().Get(srv.URL + "/sse")
	require.NoError(t, err)
	defer resp.Body.Close()

	events := make(chan sse.Event, 4)
	go func() {
		defer close(events)
		for ev, err := range sse.Read(resp.Body, nil) {
			if err != nil {
				return
			}
			events <- ev
		}
	}()

	first := nextEvent(t, events)
	assert.Equal(t, "endpoint", first.Type)
	assert.True(t, strings.HasPrefix(first.Data, "/message?sessionID="), "endpoint data is %q", first.Data)

	require.NoError(t, ep.WaitConnects(1, 5*time.Second))
	require.NoError(t, ep.Push(`{"jsonrpc":"2.0","method":"notify"}`))

	second := nextEvent(t, events)
	assert.Equal(t, "message", second.Type)
	assert.Equal(t, `{"jsonrpc":"2.0","method":"notify"}`, second.Data)

	ep.CloseStream()
	_, open := <-events
	assert.False(t, open, "stream should end after CloseStream")
}

func TestEndpointRecordsAndReplies(t *testing.T) {
	ep := mcptest.NewEndpoint(mcptest.WithRespond(func(body []byte) []byte {
		return append([]byte(nil), body...)
	}))
	srv := newTestServer(t, ep)

	msg := `{"jsonrpc":"2.0","id":1,"method":"ping"}`
	resp, err := srv.Client().Post(srv.URL+"/message?sessionID=x", "application/json", bytes.NewReader([]byte(msg)))
	require.NoError(t, err)
	defer resp.Body.Close()

	reply, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, msg, string(reply))

	received := ep.Received()
	require.Len(t, received, 1)
	assert.Equal(t, msg, string(received[0].Body))
	assert.Equal(t, "/message?sessionID=x", received[0].URL)
}

func TestEndpointPushWithoutSession(t *testing.T) {
	ep := mcptest.NewEndpoint()
	assert.Error(t, ep.Push("data"))
}
