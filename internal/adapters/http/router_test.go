package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/okorolev/Board/internal/app"
	"github.com/okorolev/Board/internal/config"
)

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := &config.Config{
		Mode:       "release",
		StaticPath: t.TempDir(),
		Secret:     "test-secret",
		ReadLimit:  65536,
	}
	relay := app.NewRelay(app.NewRegistry(), app.SimplePolicy{})
	t.Cleanup(relay.Close)
	return SetupRouter(context.Background(), cfg, relay)
}

func doJSON(t *testing.T, r *gin.Engine, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var parsed map[string]any
	if w.Body.Len() > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &parsed); err != nil {
			t.Fatalf("%s %s: bad json body %q: %v", method, path, w.Body.String(), err)
		}
	}
	return w, parsed
}

func TestCreateAndFetchRoom(t *testing.T) {
	r := newTestRouter(t)

	w, room := doJSON(t, r, http.MethodPost, "/api/rooms", `{"name":"standup"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create room status %d: %s", w.Code, w.Body.String())
	}
	key, _ := room["key"].(string)
	if key == "" {
		t.Fatalf("created room carries no key: %v", room)
	}

	w, fetched := doJSON(t, r, http.MethodGet, "/api/rooms/"+key, "")
	if w.Code != http.StatusOK {
		t.Fatalf("fetch room status %d", w.Code)
	}
	if fetched["name"] != "standup" {
		t.Fatalf("fetched room %v", fetched)
	}

	w, _ = doJSON(t, r, http.MethodGet, "/api/rooms/does-not-exist", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("missing room status %d, want 404", w.Code)
	}
}

func TestCreateRoomValidation(t *testing.T) {
	r := newTestRouter(t)
	w, _ := doJSON(t, r, http.MethodPost, "/api/rooms", `{}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("nameless room status %d, want 400", w.Code)
	}
}

func TestListRooms(t *testing.T) {
	r := newTestRouter(t)
	doJSON(t, r, http.MethodPost, "/api/rooms", `{"name":"one"}`)
	doJSON(t, r, http.MethodPost, "/api/rooms", `{"name":"two"}`)

	w, body := doJSON(t, r, http.MethodGet, "/api/rooms", "")
	if w.Code != http.StatusOK {
		t.Fatalf("list status %d", w.Code)
	}
	rooms, ok := body["rooms"].([]any)
	if !ok || len(rooms) != 2 {
		t.Fatalf("listing %v", body)
	}
}

func TestCreateAndFetchUser(t *testing.T) {
	r := newTestRouter(t)

	w, user := doJSON(t, r, http.MethodPost, "/api/users", `{"username":"alice"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create user status %d: %s", w.Code, w.Body.String())
	}
	key, _ := user["key"].(string)
	if key == "" {
		t.Fatalf("created user carries no key: %v", user)
	}

	w, fetched := doJSON(t, r, http.MethodGet, "/api/users/"+key, "")
	if w.Code != http.StatusOK {
		t.Fatalf("fetch user status %d", w.Code)
	}
	if fetched["username"] != "alice" {
		t.Fatalf("fetched user %v", fetched)
	}

	w, _ = doJSON(t, r, http.MethodPost, "/api/users", `{}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("nameless user status %d, want 400", w.Code)
	}

	longName := strings.Repeat("x", 80)
	w, _ = doJSON(t, r, http.MethodPost, "/api/users", `{"username":"`+longName+`"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("oversized username status %d, want 400", w.Code)
	}

	w, _ = doJSON(t, r, http.MethodGet, "/api/users/missing", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("missing user status %d, want 404", w.Code)
	}
}

func TestClientTokenCookieIssued(t *testing.T) {
	r := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/api/rooms", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	for _, c := range w.Result().Cookies() {
		if c.Name == "ct" && c.Value != "" {
			return
		}
	}
	t.Fatalf("no client token cookie set: %v", w.Result().Cookies())
}
