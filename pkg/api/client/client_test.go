package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
)

func TestNewNormalisesBaseURL(t *testing.T) {
	c, err := New("localhost:4100/")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if c.baseURL != "http://localhost:4100" {
		t.Fatalf("unexpected base url %q", c.baseURL)
	}
}

func TestSummaryAndRecent(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/monitor/summary":
			_, _ = w.Write([]byte(`{"total_requests":3,"total_errors":1,"endpoints":2,"realtime_state":"connected"}`))
		case "/monitor/realtime":
			gotQuery = r.URL.RawQuery
			_, _ = w.Write([]byte(`[{"id":"e1","pc_name":"pc-2","backend":"CONTRATOS","endpoint":"/x","user_name":"bo","status":"success","duration":12.5,"created_at":"2024-05-01T12:00:00Z"}]`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c, _ := New(srv.URL)
	summary, err := c.Summary(context.Background())
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary.TotalRequests != 3 || summary.RealtimeState != "connected" {
		t.Fatalf("unexpected summary %+v", summary)
	}
	events, err := c.Recent(context.Background(), 5, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if gotQuery != "limit=10&window=5" {
		t.Fatalf("unexpected query %q", gotQuery)
	}
	if len(events) != 1 || events[0].Duration != 12.5 || events[0].PCName != "pc-2" {
		t.Fatalf("unexpected events %+v", events)
	}
}

func TestClearSendsTokenAndSurfacesErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if r.Header.Get("Authorization") != "Bearer good" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"authentication required"}`))
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	anon, _ := New(srv.URL)
	err := anon.Clear(context.Background())
	var apiErr APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized || apiErr.Message != "authentication required" {
		t.Fatalf("expected unauthorised api error, got %v", err)
	}

	authed, _ := New(srv.URL, WithToken("good"))
	if err := authed.Clear(context.Background()); err != nil {
		t.Fatalf("clear: %v", err)
	}
}

func TestExportCopiesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"pc_name":"pc-1"}`))
	}))
	defer srv.Close()

	c, _ := New(srv.URL)
	var buf bytes.Buffer
	if err := c.Export(context.Background(), &buf); err != nil {
		t.Fatalf("export: %v", err)
	}
	if buf.String() != `{"pc_name":"pc-1"}` {
		t.Fatalf("unexpected export %q", buf.String())
	}
}

func TestTailDeliversFrames(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, kind := range []string{"status", "metrics"} {
			payload, _ := json.Marshal(map[string]any{"type": kind, "data": map[string]string{"k": kind}})
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	c, _ := New(srv.URL)
	var kinds []string
	done := errors.New("done")
	err := c.Tail(context.Background(), func(f Frame) error {
		kinds = append(kinds, f.Type)
		if len(kinds) == 2 {
			return done
		}
		return nil
	})
	if !errors.Is(err, done) {
		t.Fatalf("expected handler error, got %v", err)
	}
	if strings.Join(kinds, ",") != "status,metrics" {
		t.Fatalf("unexpected frames %v", kinds)
	}
}
