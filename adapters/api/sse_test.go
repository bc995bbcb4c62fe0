package api

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/streamhaus/backbone/core/fanout"
)

func newTestServer(t *testing.T) (*fanout.Hub, *httptest.Server) {
	t.Helper()
	hub := fanout.NewHub(fanout.HubOpts{})
	t.Cleanup(hub.Close)

	s, err := NewServer(ServerConfig{Hub: hub})
	require.NoError(t, err)

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return hub, ts
}

// openStream connects to the SSE endpoint and returns a line scanner.
func openStream(t *testing.T, ts *httptest.Server, lastID string) *bufio.Scanner {
	t.Helper()
	ctx, cancel := context.WithCancel(t.Context())
	t.Cleanup(cancel)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/events/stream", nil)
	require.NoError(t, err)
	if lastID != "" {
		req.Header.Set("Last-Event-ID", lastID)
	}

	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	return bufio.NewScanner(resp.Body)
}

// nextEvent scans until an event: line, returning the event name.
func nextEvent(t *testing.T, sc *bufio.Scanner) string {
	t.Helper()
	for sc.Scan() {
		line := sc.Text()
		if name, ok := strings.CutPrefix(line, "event:"); ok {
			return name
		}
	}
	t.Fatal("stream ended without an event")
	return ""
}

func TestServer_EventStream(t *testing.T) {
	hub, ts := newTestServer(t)

	sc := openStream(t, ts, "")
	require.Equal(t, fanout.EventConnected, nextEvent(t, sc))

	go func() {
		// wait for the subscriber to register
		for hub.ConnectedCount() == 0 {
			time.Sleep(5 * time.Millisecond)
		}
		hub.Broadcast("customer.created", json.RawMessage(`{"id":"c1"}`))
	}()

	require.Equal(t, "customer.created", nextEvent(t, sc))
}

func TestServer_LastEventIDReplay(t *testing.T) {
	hub, ts := newTestServer(t)

	first := hub.Broadcast("order.placed", json.RawMessage(`{"n":1}`))
	hub.Broadcast("order.shipped", json.RawMessage(`{"n":2}`))

	sc := openStream(t, ts, first.ID)
	require.Equal(t, "order.shipped", nextEvent(t, sc))
}

func TestServer_RecentAndStats(t *testing.T) {
	hub, ts := newTestServer(t)
	ev := hub.Broadcast("ping", nil)

	resp, err := ts.Client().Get(ts.URL + "/v1/events/recent?limit=10")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var recent map[string]fanout.Event
	require.NoError(t, json.Unmarshal(body, &recent))
	require.Contains(t, recent, ev.ID)

	resp, err = ts.Client().Get(ts.URL + "/v1/stats")
	require.NoError(t, err)
	defer resp.Body.Close()

	var stats map[string]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	require.Equal(t, 0, stats["connected"])

	resp, err = ts.Client().Get(ts.URL + "/v1/events/recent?limit=0")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
