package stream_test

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tripwire/lookout/internal/containment"
	"github.com/tripwire/lookout/internal/server/stream"
)

func startStream(t *testing.T) (*stream.Broadcaster, string) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bc := stream.NewBroadcaster(logger, 16)
	srv := httptest.NewServer(stream.NewHandler(bc, logger, time.Second))
	t.Cleanup(srv.Close)
	return bc, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, bc *stream.Broadcaster, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	deadline := time.Now().Add(2 * time.Second)
	for bc.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return conn
}

func TestHandler_RejectsPlainHTTP(t *testing.T) {
	t.Parallel()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := stream.NewHandler(stream.NewBroadcaster(logger, 0), logger, 0)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/events", nil))

	if rec.Code != http.StatusUpgradeRequired {
		t.Errorf("status = %d, want 426", rec.Code)
	}
}

func TestHandler_StreamsPublishedEvents(t *testing.T) {
	t.Parallel()
	bc, url := startStream(t)
	conn := dial(t, bc, url)

	bc.PublishAction(containment.Action{ID: "act-1", Type: containment.ActionDisablePersistence})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev stream.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Type != stream.TypeContainment {
		t.Fatalf("type = %q", ev.Type)
	}
	var a containment.Action
	if err := json.Unmarshal(ev.Data, &a); err != nil {
		t.Fatal(err)
	}
	if a.ID != "act-1" {
		t.Errorf("action id = %q", a.ID)
	}
}

func TestHandler_ClientCloseUnregisters(t *testing.T) {
	t.Parallel()
	bc, url := startStream(t)
	conn := dial(t, bc, url)

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for bc.ClientCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("client still registered after close")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHandler_BroadcasterCloseSendsGoingAway(t *testing.T) {
	t.Parallel()
	bc, url := startStream(t)
	conn := dial(t, bc, url)

	bc.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	var ce *websocket.CloseError
	if !errors.As(err, &ce) || ce.Code != websocket.CloseGoingAway {
		t.Fatalf("expected going-away close, got %v", err)
	}
}
