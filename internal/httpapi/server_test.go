package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/agentserver/agentserver/internal/eventbus"
	"github.com/agentserver/agentserver/internal/httpapi/auth"
	"github.com/agentserver/agentserver/internal/models"
	"github.com/agentserver/agentserver/internal/permission"
	"github.com/agentserver/agentserver/internal/sandbox"
	memorystore "github.com/agentserver/agentserver/internal/store/memory"
	"github.com/agentserver/agentserver/internal/tool"
)

// newTestServer builds a Server against an in-memory store with no
// Runner/Model wiring; handlers that would dispatch a turn to a live
// model (handleCreateTurn) are deliberately untested here.
func newTestServer(t *testing.T) *Server {
	t.Helper()
	st := memorystore.New()
	hub := eventbus.NewHub(st, nil)
	writer := eventbus.NewWriter(st, hub)
	gate := permission.NewGate(st, 0)
	fs := sandbox.NewFS(t.TempDir(), st)
	registry := tool.NewRegistry()
	if err := registry.Register(tool.NewReadFileTool(fs)); err != nil {
		t.Fatalf("register tool: %v", err)
	}
	verifier := auth.New(auth.Config{})
	return New(st, hub, writer, gate, fs, registry, nil, verifier, nil)
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("decode response body: %v", err)
	}
}

func TestSessionCRUD(t *testing.T) {
	s := newTestServer(t)
	mux := s.Mux()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/sessions", strings.NewReader(`{"title":"first"}`))
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create session status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var created models.Session
	decodeBody(t, rec, &created)
	if created.Title != "first" {
		t.Fatalf("created.Title = %q, want %q", created.Title, "first")
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("list sessions status = %d", rec.Code)
	}
	var listed []*models.Session
	decodeBody(t, rec, &listed)
	if len(listed) != 1 {
		t.Fatalf("len(listed) = %d, want 1", len(listed))
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions/"+created.ID, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("get session status = %d, body = %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPatch, "/sessions/"+created.ID, strings.NewReader(`{"title":"renamed"}`))
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("rename session status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var renamed models.Session
	decodeBody(t, rec, &renamed)
	if renamed.Title != "renamed" {
		t.Fatalf("renamed.Title = %q, want %q", renamed.Title, "renamed")
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/sessions/"+created.ID, nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete session status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions/"+created.ID, nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get deleted session status = %d, want 404", rec.Code)
	}
}

func TestContextPinUnpinAndSetPinnedRef(t *testing.T) {
	s := newTestServer(t)
	mux := s.Mux()

	sess := &models.Session{ID: "s1", Status: models.SessionIdle}
	if err := s.Store.CreateSession(context.Background(), sess); err != nil {
		t.Fatalf("create session: %v", err)
	}

	rec := httptest.NewRecorder()
	body := `{"kind":"file","title":"notes.md","content_ref":"notes.md","pinned":true}`
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/sessions/s1/context/set_pinned_ref", strings.NewReader(body)))
	if rec.Code != http.StatusCreated {
		t.Fatalf("set_pinned_ref status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var item models.ContextItem
	decodeBody(t, rec, &item)
	if !item.Pinned {
		t.Fatal("expected item to be created pinned")
	}

	rec = httptest.NewRecorder()
	unpinBody := `{"context_id":"` + item.ID + `"}`
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/sessions/s1/context/unpin", strings.NewReader(unpinBody)))
	if rec.Code != http.StatusOK {
		t.Fatalf("unpin status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var unpinned models.ContextItem
	decodeBody(t, rec, &unpinned)
	if unpinned.Pinned {
		t.Fatal("expected item to be unpinned")
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/sessions/s1/context/pin", strings.NewReader(unpinBody)))
	if rec.Code != http.StatusOK {
		t.Fatalf("pin status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var pinned models.ContextItem
	decodeBody(t, rec, &pinned)
	if !pinned.Pinned {
		t.Fatal("expected item to be re-pinned")
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions/s1/context", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("list context status = %d", rec.Code)
	}
	var items []*models.ContextItem
	decodeBody(t, rec, &items)
	if len(items) != 1 {
		t.Fatalf("len(items) = %d, want 1", len(items))
	}
}

func TestContextSetPinnedRefRejectsInvalidKind(t *testing.T) {
	s := newTestServer(t)
	mux := s.Mux()

	sess := &models.Session{ID: "s1", Status: models.SessionIdle}
	if err := s.Store.CreateSession(context.Background(), sess); err != nil {
		t.Fatalf("create session: %v", err)
	}

	rec := httptest.NewRecorder()
	body := `{"kind":"bogus","title":"x","content_ref":"x"}`
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/sessions/s1/context/set_pinned_ref", strings.NewReader(body)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestPermissionModeGetAndSet(t *testing.T) {
	s := newTestServer(t)
	mux := s.Mux()

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/permissions/mode", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("get mode status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/permissions/mode", strings.NewReader(`{"mode":"allow"}`))
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("set mode status = %d, body = %s", rec.Code, rec.Body.String())
	}

	mode, err := s.Store.GetPermissionMode(context.Background())
	if err != nil {
		t.Fatalf("get permission mode: %v", err)
	}
	if mode != models.ModeAllow {
		t.Fatalf("mode = %v, want allow", mode)
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/permissions/mode", strings.NewReader(`{"mode":"bogus"}`))
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("set invalid mode status = %d, want 400", rec.Code)
	}
}

func TestToolListAndSetPolicy(t *testing.T) {
	s := newTestServer(t)
	mux := s.Mux()

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/tools", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("list tools status = %d", rec.Code)
	}
	var tools []toolInfo
	decodeBody(t, rec, &tools)
	if len(tools) != 1 || tools[0].Name != "read_file" {
		t.Fatalf("tools = %+v, want a single read_file entry", tools)
	}
	if tools[0].Policy != models.PolicyAsk {
		t.Fatalf("default policy = %v, want ask", tools[0].Policy)
	}

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPut, "/tools/read_file/policy", strings.NewReader(`{"policy":"allow"}`))
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("set policy status = %d, body = %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPut, "/tools/does_not_exist/policy", strings.NewReader(`{"policy":"allow"}`))
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("set policy for unknown tool status = %d, want 404", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	s.Mux().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", rec.Code)
	}
}
