package conversation

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/circlechat/internal/model/chat"
	"github.com/zhouzirui/circlechat/internal/rpc"
	conversationService "github.com/zhouzirui/circlechat/internal/service/conversation"
	"github.com/zhouzirui/circlechat/internal/service/live"
	"github.com/zhouzirui/circlechat/internal/store/failed"
	"github.com/zhouzirui/circlechat/internal/testutil/fakebackend"
)

func setupRouter(t *testing.T) (*chi.Mux, *fakebackend.Backend, *conversationService.Registry) {
	t.Helper()
	backend := fakebackend.New()
	t.Cleanup(backend.Close)

	client := rpc.New(rpc.Options{BaseURL: backend.URL(), ClientID: "me"})
	broker := NewBroker(nil)
	registry := conversationService.NewRegistry(conversationService.Deps{
		Backend:  client,
		Store:    failed.NewMemoryStore(),
		Notifier: broker,
		UserID:   "me",
		Live:     live.Options{Scheme: "ws", ClientID: "me", Header: client.AuthHeader()},
	})
	t.Cleanup(registry.CloseAll)

	handler := New(registry, broker, nil)
	r := chi.NewRouter()
	handler.RegisterRoutes(r)
	return r, backend, registry
}

func do(r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var payload []byte
	if body != nil {
		payload, _ = json.Marshal(body)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	return resp
}

func openConversation(t *testing.T, r http.Handler, id string) {
	t.Helper()
	if resp := do(r, http.MethodPost, "/conversations/"+id, nil); resp.Code != http.StatusCreated {
		t.Fatalf("expected 201 on open, got %d: %s", resp.Code, resp.Body.String())
	}
}

func TestOpenConversation(t *testing.T) {
	r, _, _ := setupRouter(t)
	openConversation(t, r, "c1")

	resp := do(r, http.MethodPost, "/conversations/c1", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 when already open, got %d", resp.Code)
	}
	var conv chat.Conversation
	if err := json.NewDecoder(resp.Body).Decode(&conv); err != nil || conv.ID != "c1" {
		t.Fatalf("unexpected body %q: %v", resp.Body.String(), err)
	}

	resp = do(r, http.MethodGet, "/conversations", nil)
	if resp.Code != http.StatusOK || !strings.Contains(resp.Body.String(), `"c1"`) {
		t.Fatalf("expected c1 in listing, got %d %s", resp.Code, resp.Body.String())
	}
}

func TestSendToClosedConversation(t *testing.T) {
	r, _, _ := setupRouter(t)
	resp := do(r, http.MethodPost, "/conversations/nope/messages", map[string]string{"text": "hi"})
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
}

func TestSendEmptyMessage(t *testing.T) {
	r, _, _ := setupRouter(t)
	openConversation(t, r, "c1")
	resp := do(r, http.MethodPost, "/conversations/c1/messages", map[string]string{"text": "  "})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
}

func TestSendAndDelete(t *testing.T) {
	r, backend, _ := setupRouter(t)
	openConversation(t, r, "c1")

	resp := do(r, http.MethodPost, "/conversations/c1/messages", map[string]string{"text": "hello"})
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", resp.Code, resp.Body.String())
	}
	var m chat.Message
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !m.Delivered() || m.Text != "hello" {
		t.Fatalf("unexpected message %+v", m)
	}
	if len(backend.Messages("c1")) != 1 {
		t.Fatalf("server did not receive the message")
	}

	resp = do(r, http.MethodDelete, "/conversations/c1/messages/"+m.ID, nil)
	if resp.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", resp.Code, resp.Body.String())
	}
	if len(backend.Messages("c1")) != 0 {
		t.Fatalf("server still has the message")
	}
}

func TestFailedSendThenRetry(t *testing.T) {
	r, backend, _ := setupRouter(t)
	openConversation(t, r, "c1")
	backend.FailNextPosts(1)

	resp := do(r, http.MethodPost, "/conversations/c1/messages", map[string]string{"text": "flaky"})
	if resp.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d: %s", resp.Code, resp.Body.String())
	}
	var body struct {
		Error   string       `json:"error"`
		Message chat.Message `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body.Message.Failed() || body.Error == "" {
		t.Fatalf("expected failed message in body, got %+v", body)
	}

	resp = do(r, http.MethodPost, "/conversations/c1/messages/"+body.Message.ID+"/retry", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 on retry, got %d: %s", resp.Code, resp.Body.String())
	}

	resp = do(r, http.MethodPost, "/conversations/c1/messages/"+body.Message.ID+"/retry", nil)
	if resp.Code != http.StatusConflict {
		t.Fatalf("expected 409 retrying a delivered message, got %d", resp.Code)
	}
}

func TestMarkReadAndVisibility(t *testing.T) {
	r, backend, _ := setupRouter(t)
	backend.Seed("c1", chat.Message{ID: "m1", Author: "friend", CreatedAt: time.Now().UTC(), Text: "hi"})
	openConversation(t, r, "c1")

	deadline := time.Now().Add(3 * time.Second)
	for {
		resp := do(r, http.MethodGet, "/conversations/c1/messages", nil)
		if strings.Contains(resp.Body.String(), `"m1"`) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("history never loaded: %s", resp.Body.String())
		}
		time.Sleep(10 * time.Millisecond)
	}

	if resp := do(r, http.MethodPost, "/conversations/c1/read", nil); resp.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.Code)
	}
	if marks := backend.ReadMarks("c1"); len(marks) != 1 || marks[0] != 0 {
		t.Fatalf("unexpected read marks %v", marks)
	}

	if resp := do(r, http.MethodPost, "/conversations/c1/visibility", map[string]any{}); resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without visible flag, got %d", resp.Code)
	}
	if resp := do(r, http.MethodPost, "/conversations/c1/visibility", map[string]bool{"visible": false}); resp.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.Code)
	}
}

func TestReportAbuse(t *testing.T) {
	r, backend, _ := setupRouter(t)
	openConversation(t, r, "c1")

	if resp := do(r, http.MethodPost, "/conversations/c1/messages/m1/report", map[string]string{"reason": "boring"}); resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
	if resp := do(r, http.MethodPost, "/conversations/c1/messages/m1/report", map[string]string{"reason": "inappropriate"}); resp.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.Code)
	}
	if len(backend.Reports()) != 1 {
		t.Fatalf("report not forwarded")
	}
}

func TestCloseConversation(t *testing.T) {
	r, _, _ := setupRouter(t)
	openConversation(t, r, "c1")

	if resp := do(r, http.MethodDelete, "/conversations/c1", nil); resp.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.Code)
	}
	if resp := do(r, http.MethodDelete, "/conversations/c1", nil); resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404 on second close, got %d", resp.Code)
	}
}

func readEvent(t *testing.T, scanner *bufio.Scanner, want string) string {
	t.Helper()
	for scanner.Scan() {
		if scanner.Text() != "event: "+want {
			continue
		}
		if !scanner.Scan() {
			break
		}
		return strings.TrimPrefix(scanner.Text(), "data: ")
	}
	t.Fatalf("stream ended before %q event: %v", want, scanner.Err())
	return ""
}

func TestTimelineStream(t *testing.T) {
	r, backend, _ := setupRouter(t)
	openConversation(t, r, "c1")
	server := httptest.NewServer(r)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/conversations/c1/timeline", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream request: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	scanner := bufio.NewScanner(resp.Body)

	readEvent(t, scanner, "timeline")

	backend.FailNextPosts(1)
	if resp := do(r, http.MethodPost, "/conversations/c1/messages", map[string]string{"text": "lost"}); resp.Code != http.StatusBadGateway {
		t.Fatalf("expected failed send, got %d", resp.Code)
	}
	data := readEvent(t, scanner, "send_failed")
	var event FailureEvent
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		t.Fatalf("decode event %q: %v", data, err)
	}
	if event.Message.Text != "lost" || !event.Message.Failed() {
		t.Fatalf("unexpected failure event %+v", event)
	}

	if resp := do(r, http.MethodDelete, "/conversations/c1", nil); resp.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.Code)
	}
	readEvent(t, scanner, "closed")
}
