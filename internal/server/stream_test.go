package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/reelshelf/internal/auth"
	"github.com/MarcoPoloResearchLab/reelshelf/internal/events"
	"github.com/MarcoPoloResearchLab/reelshelf/internal/favorites"
)

type streamFrame struct {
	id    string
	event string
	data  string
}

func readFrame(t *testing.T, reader *bufio.Reader) streamFrame {
	t.Helper()
	var frame streamFrame
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if frame.event != "" {
				return frame
			}
		case strings.HasPrefix(line, "id: "):
			frame.id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			frame.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			frame.data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func openStream(t *testing.T, ctx context.Context, baseURL, authorization string) *http.Response {
	t.Helper()
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/favorites/events", http.NoBody)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	request.Header.Set("Authorization", authorization)
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	t.Cleanup(func() { _ = response.Body.Close() })
	return response
}

func TestFavoritesStreamDeliversOwnerEvents(t *testing.T) {
	server := newTestServer(t, testServerOptions{})
	httpServer := httptest.NewServer(server.handler)
	defer httpServer.Close()

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()

	response := openStream(t, ctx, httpServer.URL, bearerToken(t, "user-1", readOnlyScope))
	if response.StatusCode != http.StatusOK {
		t.Fatalf("expected ok, got %d", response.StatusCode)
	}
	if contentType := response.Header.Get("Content-Type"); contentType != "text/event-stream" {
		t.Fatalf("unexpected content type %q", contentType)
	}
	reader := bufio.NewReader(response.Body)
	if frame := readFrame(t, reader); frame.event != streamEventReady {
		t.Fatalf("expected ready frame, got %+v", frame)
	}

	if _, err := server.service.Add(ctx, "user-2", favorites.CreateInput{ItemID: "tt-other"}); err != nil {
		t.Fatalf("add for other owner: %v", err)
	}
	if _, err := server.service.Add(ctx, "user-1", favorites.CreateInput{ItemID: "tt0133093"}); err != nil {
		t.Fatalf("add: %v", err)
	}

	frame := readFrame(t, reader)
	if frame.event != "favorites.created" {
		t.Fatalf("unexpected event name %q", frame.event)
	}
	var event events.ChangeEvent
	if err := json.Unmarshal([]byte(frame.data), &event); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if event.ID == "" || event.ID != frame.id {
		t.Fatalf("expected frame id to match event id, got %q and %q", frame.id, event.ID)
	}
	if event.OwnerID != "user-1" || event.ItemID != "tt0133093" || event.Version != 1 {
		t.Fatalf("unexpected event %+v", event)
	}

	cancel()
	deadline := time.Now().Add(5 * time.Second)
	for server.dispatcher.SubscriberCount("user-1") != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscription must end with the request")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestFavoritesStreamRequiresReadScope(t *testing.T) {
	server := newTestServer(t, testServerOptions{})

	recorder := server.do(t, http.MethodGet, "/favorites/events", bearerToken(t, "user-1", auth.ScopeFavoritesWrite), "")

	if recorder.Code != http.StatusForbidden {
		t.Fatalf("expected forbidden, got %d", recorder.Code)
	}
	if server.dispatcher.SubscriberCount("user-1") != 0 {
		t.Fatalf("denied request must not subscribe")
	}
}
