package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel/attribute"
)

func newRouter(h http.HandlerFunc) *mux.Router {
	r := mux.NewRouter()
	r.Use(TracingMiddleware)
	r.Use(ErrorRecoveryMiddleware)
	r.Use(CORSMiddleware)
	r.HandleFunc("/ws/rooms/{room}", h)
	return r
}

func TestRequestIDIsSharedWithHandler(t *testing.T) {
	var seen string
	r := newRouter(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestID(r.Context())
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws/rooms/notes", nil))

	if seen == "" || seen == "-" {
		t.Fatalf("handler saw request id %q", seen)
	}
	if got := rec.Header().Get("X-Request-ID"); got != seen {
		t.Fatalf("header %q, handler %q", got, seen)
	}
	if RequestID(context.Background()) != "-" {
		t.Fatalf("expected placeholder outside a request")
	}
}

func TestRouteAttributesNameRoomAndClient(t *testing.T) {
	var attrs []attribute.KeyValue
	var name string
	r := newRouter(func(w http.ResponseWriter, r *http.Request) {
		attrs = routeAttributes(r)
		name = spanName(r)
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ws/rooms/notes?client_id=ada", nil))

	got := map[attribute.Key]string{}
	for _, kv := range attrs {
		got[kv.Key] = kv.Value.AsString()
	}
	if got["room.id"] != "notes" || got["client.id"] != "ada" {
		t.Fatalf("attributes = %v", got)
	}
	if name != "GET /ws/rooms/{room}" {
		t.Fatalf("span name = %q", name)
	}
}

func TestPanicBecomesServerError(t *testing.T) {
	r := newRouter(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws/rooms/notes", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestPreflightIsAnsweredWithoutHandler(t *testing.T) {
	called := false
	r := newRouter(func(w http.ResponseWriter, r *http.Request) {
		called = true
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/ws/rooms/notes", nil))
	if called || rec.Code != http.StatusOK {
		t.Fatalf("called=%v status=%d", called, rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("missing CORS header")
	}
}
