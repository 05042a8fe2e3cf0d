package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/splax/callwatch/internal/domain"
	"github.com/splax/callwatch/internal/intercept"
	"github.com/splax/callwatch/internal/realtime"
	"github.com/splax/callwatch/internal/repository/memory"
	"github.com/splax/callwatch/pkg/logger"
)

type fixedIdentity struct {
	pc, user string
}

func (f fixedIdentity) PCName() string { return f.pc }
func (f fixedIdentity) User() string   { return f.user }

// scriptedClock hands out start/settle pairs spanning the queued durations.
type scriptedClock struct {
	mu        sync.Mutex
	now       time.Time
	durations []time.Duration
	settle    bool
}

func (c *scriptedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.settle && len(c.durations) > 0 {
		c.now = c.now.Add(c.durations[0])
		c.durations = c.durations[1:]
	}
	c.settle = !c.settle
	return c.now
}

func (c *scriptedClock) queue(ds ...time.Duration) {
	c.mu.Lock()
	c.durations = append(c.durations, ds...)
	c.mu.Unlock()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newBackend(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/fail") || r.URL.Query().Get("fail") == "1" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = io.WriteString(w, `{"ok":true}`)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newMonitor(t *testing.T, pc string, opts Options) *Monitor {
	t.Helper()
	opts.Identity = fixedIdentity{pc: pc, user: "ana"}
	opts.Logger = logger.Discard()
	opts.Registerer = prometheus.NewRegistry()
	if opts.ReconnectInitial == 0 {
		opts.ReconnectInitial = time.Millisecond
	}
	m := New(opts)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func get(t *testing.T, client *http.Client, url string) {
	t.Helper()
	resp, err := client.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

func TestInstrumentedCallsAggregate(t *testing.T) {
	srv := newBackend(t)
	clock := &scriptedClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	m := newMonitor(t, "pc-1", Options{
		Backends: intercept.NewBackendMap([][2]string{{"CONTRATOS", srv.URL}}),
		Now:      clock.Now,
	})
	client := &http.Client{}
	if !m.Install(client) {
		t.Fatal("install failed")
	}

	var updates int
	m.SubscribeMetrics(func([]domain.AggregateMetric) { updates++ })

	clock.queue(100*time.Millisecond, 200*time.Millisecond, 300*time.Millisecond)
	for i := 0; i < 3; i++ {
		get(t, client, srv.URL+"/desembolso")
	}
	rows := m.Metrics()
	if len(rows) != 1 {
		t.Fatalf("expected one aggregate row, got %d", len(rows))
	}
	row := rows[0]
	if row.Backend != "CONTRATOS" || row.Endpoint != "/desembolso" {
		t.Fatalf("unexpected key %s %s", row.Backend, row.Endpoint)
	}
	if row.Count != 3 || row.TotalTime != 600 || row.AvgTime != 200 || row.Status != domain.StatusSuccess {
		t.Fatalf("unexpected row after three successes: %+v", row)
	}

	clock.queue(50 * time.Millisecond)
	get(t, client, srv.URL+"/desembolso?fail=1")
	row = m.Metrics()[0]
	if row.Count != 4 || row.TotalTime != 650 || row.AvgTime != 162.5 || row.Status != domain.StatusError {
		t.Fatalf("unexpected row after failure: %+v", row)
	}
	if updates != 4 {
		t.Fatalf("expected 4 metric notifications, got %d", updates)
	}
	if m.TotalRequests() != 4 {
		t.Fatalf("expected 4 total requests, got %d", m.TotalRequests())
	}
}

func TestDoubleInstallDoesNotDoubleCount(t *testing.T) {
	srv := newBackend(t)
	once := newMonitor(t, "pc-1", Options{})
	twice := newMonitor(t, "pc-1", Options{})

	clientOnce, clientTwice := &http.Client{}, &http.Client{}
	once.Install(clientOnce)
	twice.Install(clientTwice)
	if twice.Install(clientTwice) {
		t.Fatal("second install must report false")
	}

	for i := 0; i < 5; i++ {
		get(t, clientOnce, srv.URL+"/items")
		get(t, clientTwice, srv.URL+"/items")
	}
	if once.TotalRequests() != twice.TotalRequests() || twice.TotalRequests() != 5 {
		t.Fatalf("counts differ: once=%d twice=%d", once.TotalRequests(), twice.TotalRequests())
	}
}

func TestUnsubscribeStopsNotifications(t *testing.T) {
	srv := newBackend(t)
	m := newMonitor(t, "pc-1", Options{})
	client := &http.Client{}
	m.Install(client)

	var calls int
	unsubscribe := m.SubscribeMetrics(func([]domain.AggregateMetric) { calls++ })
	get(t, client, srv.URL+"/a")
	unsubscribe()
	unsubscribe()
	get(t, client, srv.URL+"/b")
	m.Clear()
	if calls != 1 {
		t.Fatalf("expected exactly one notification, got %d", calls)
	}
}

func TestClearWithUnreachableStore(t *testing.T) {
	srv := newBackend(t)
	broker := memory.NewBroker()
	m := newMonitor(t, "pc-1", Options{Store: broker})
	client := &http.Client{}
	m.Install(client)
	if err := m.InitializeRealtimeSync(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	waitFor(t, "connected", func() bool { return m.RealtimeState() == realtime.StateConnected })

	for i := 0; i < 3; i++ {
		get(t, client, srv.URL+"/fail")
	}
	waitFor(t, "history", func() bool { return len(m.History()) == 3 })

	broker.SetFailure(errors.New("database unreachable"))
	var last []domain.AggregateMetric
	m.SubscribeMetrics(func(rows []domain.AggregateMetric) { last = rows })
	m.Clear()

	export := m.Export()
	if export.Summary.TotalRequests != 0 || len(export.Metrics) != 0 {
		t.Fatalf("expected empty export after clear, got %+v", export.Summary)
	}
	if len(export.Realtime) != 0 {
		t.Fatalf("expected empty history after clear, got %d", len(export.Realtime))
	}
	if last == nil || len(last) != 0 {
		t.Fatalf("expected subscribers to receive an empty snapshot, got %v", last)
	}
	if m.TotalRequests() != 0 {
		t.Fatalf("expected zero total requests, got %d", m.TotalRequests())
	}
}

func TestConnectedPeerReceivesEvents(t *testing.T) {
	srv := newBackend(t)
	broker := memory.NewBroker()
	x := newMonitor(t, "pc-x", Options{Store: broker, Backends: intercept.NewBackendMap([][2]string{{"CONTRATOS", srv.URL}})})
	y := newMonitor(t, "pc-y", Options{Store: broker})
	ctx := context.Background()
	_ = x.InitializeRealtimeSync(ctx)
	_ = y.InitializeRealtimeSync(ctx)
	waitFor(t, "peers connected", func() bool {
		return x.RealtimeState() == realtime.StateConnected && y.RealtimeState() == realtime.StateConnected
	})

	var (
		mu   sync.Mutex
		seen []domain.RealtimeEvent
	)
	y.SubscribeRealtime(func(events []domain.RealtimeEvent) {
		mu.Lock()
		seen = events
		mu.Unlock()
	})

	client := &http.Client{}
	x.Install(client)
	get(t, client, srv.URL+"/desembolso")

	waitFor(t, "event on peer", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1
	})
	mu.Lock()
	event := seen[0]
	mu.Unlock()
	if event.PCName != "pc-x" || event.Backend != "CONTRATOS" || event.Endpoint != "/desembolso" {
		t.Fatalf("unexpected event %+v", event)
	}
	if len(y.Metrics()) != 0 {
		t.Fatal("remote events must not fold into the local aggregate table")
	}
}

func TestFreshPeerSeedsBacklog(t *testing.T) {
	srv := newBackend(t)
	broker := memory.NewBroker()
	x := newMonitor(t, "pc-x", Options{Store: broker})
	client := &http.Client{}
	x.Install(client)
	for i := 0; i < 4; i++ {
		get(t, client, srv.URL+"/items")
	}
	waitFor(t, "appends stored", func() bool { return broker.Len() == 4 })

	y := newMonitor(t, "pc-y", Options{Store: broker})
	if err := y.InitializeRealtimeSync(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	waitFor(t, "history seeded", func() bool { return len(y.History()) == 4 })

	recent, err := y.FetchRecent(context.Background(), 5, 200)
	if err != nil {
		t.Fatalf("fetch recent: %v", err)
	}
	if len(recent) != 4 {
		t.Fatalf("expected 4 backlog events, got %d", len(recent))
	}
	for _, e := range recent {
		if e.PCName != "pc-x" {
			t.Fatalf("unexpected pc name %q", e.PCName)
		}
	}
}

func TestExportJSONIncludesViews(t *testing.T) {
	srv := newBackend(t)
	m := newMonitor(t, "pc-1", Options{})
	client := &http.Client{}
	m.Install(client)
	get(t, client, srv.URL+"/a")
	get(t, client, srv.URL+"/fail")

	export := m.Export().
		WithView("by_backend", ByBackend(m.Metrics())).
		WithView("summary", "ignored")
	raw, err := json.Marshal(export)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]json.RawMessage
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"exported_at", "pc_name", "user", "summary", "metrics", "realtime", "by_backend"} {
		if _, ok := decoded[key]; !ok {
			t.Fatalf("missing key %q in %s", key, raw)
		}
	}
	var summary Summary
	if err := json.Unmarshal(decoded["summary"], &summary); err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary.TotalRequests != 2 || summary.TotalErrors != 1 || summary.RealtimeState != "disconnected" {
		t.Fatalf("unexpected summary %+v", summary)
	}
}

func TestReset(t *testing.T) {
	srv := newBackend(t)
	broker := memory.NewBroker()
	m := newMonitor(t, "pc-1", Options{Store: broker})
	client := &http.Client{}
	m.Install(client)
	_ = m.InitializeRealtimeSync(context.Background())
	waitFor(t, "connected", func() bool { return m.RealtimeState() == realtime.StateConnected })
	get(t, client, srv.URL+"/a")
	waitFor(t, "stored", func() bool { return broker.Len() == 1 })

	m.Reset()
	if m.RealtimeState() != realtime.StateDisconnected || len(m.Metrics()) != 0 || len(m.History()) != 0 {
		t.Fatal("expected reset to stop sync and clear local state")
	}
	if broker.Len() != 1 {
		t.Fatal("reset must not clear the shared store")
	}
	_ = m.InitializeRealtimeSync(context.Background())
	waitFor(t, "re-seeded", func() bool { return len(m.History()) == 1 })
}

type manualClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestOverlappingCallsKeepTheirOwnStartTimes(t *testing.T) {
	clock := &manualClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	arrived, gate := make(chan struct{}), make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/slow":
			close(arrived)
			<-gate
		case "/fast":
			clock.Advance(50 * time.Millisecond)
		}
		_, _ = io.WriteString(w, "ok")
	}))
	defer srv.Close()

	var (
		mu       sync.Mutex
		observed = map[string]time.Duration{}
	)
	m := newMonitor(t, "pc-1", Options{
		Backends: intercept.NewBackendMap([][2]string{{"CONTRATOS", srv.URL}}),
		Now:      clock.Now,
	})
	client := &http.Client{}
	m.Install(client)
	m.SubscribeMetrics(func(rows []domain.AggregateMetric) {
		mu.Lock()
		defer mu.Unlock()
		for _, row := range rows {
			observed[row.Endpoint] = time.Duration(row.LastTime * float64(time.Millisecond))
		}
	})

	slowDone := make(chan error, 1)
	go func() {
		resp, err := client.Get(srv.URL + "/slow")
		if err == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}
		slowDone <- err
	}()
	<-arrived

	// the fast call starts 100ms after the slow one and settles while it is still in flight
	clock.Advance(100 * time.Millisecond)
	get(t, client, srv.URL+"/fast")
	mu.Lock()
	fast := observed["/fast"]
	mu.Unlock()
	if fast != 50*time.Millisecond {
		t.Fatalf("fast call measured %s, want 50ms", fast)
	}
	if m.InFlight() != 1 {
		t.Fatalf("expected the slow call still in flight, got %d", m.InFlight())
	}

	clock.Advance(250 * time.Millisecond)
	close(gate)
	if err := <-slowDone; err != nil {
		t.Fatalf("slow call: %v", err)
	}

	totals := map[string]float64{}
	for _, row := range m.Metrics() {
		totals[row.Endpoint] = row.TotalTime
	}
	if totals["/slow"] != 400 || totals["/fast"] != 50 {
		t.Fatalf("expected slow=400ms fast=50ms, got %v", totals)
	}
}

func TestBacklogIgnoresWriterClockSkew(t *testing.T) {
	srv := newBackend(t)
	broker := memory.NewBroker()
	x := newMonitor(t, "pc-x", Options{
		Store: broker,
		Now:   func() time.Time { return time.Now().Add(-10 * time.Minute) },
	})
	client := &http.Client{}
	x.Install(client)
	get(t, client, srv.URL+"/items")
	waitFor(t, "stored", func() bool { return broker.Len() == 1 })

	y := newMonitor(t, "pc-y", Options{Store: broker})
	recent, err := y.FetchRecent(context.Background(), 5, 200)
	if err != nil {
		t.Fatalf("fetch recent: %v", err)
	}
	if len(recent) != 1 || recent[0].PCName != "pc-x" {
		t.Fatalf("expected the skewed writer's event in the backlog, got %+v", recent)
	}
}

func TestInvalidUTF8PathStillReachesStore(t *testing.T) {
	srv := newBackend(t)
	broker := memory.NewBroker()
	m := newMonitor(t, "pc-1", Options{Store: broker})
	client := &http.Client{}
	m.Install(client)

	get(t, client, srv.URL+"/files/%ff")
	get(t, client, srv.URL+"/ok")
	waitFor(t, "both events stored", func() bool { return broker.Len() == 2 })
	if m.TotalRequests() != 2 {
		t.Fatalf("expected 2 local requests, got %d", m.TotalRequests())
	}
	for _, row := range m.Metrics() {
		if !utf8.ValidString(row.Endpoint) {
			t.Fatalf("endpoint %q is not valid UTF-8", row.Endpoint)
		}
	}
}

func TestClearKeepsQueuedEventsOutOfHistory(t *testing.T) {
	srv := newBackend(t)
	broker := memory.NewBroker()
	m := newMonitor(t, "pc-1", Options{Store: broker})
	client := &http.Client{}
	m.Install(client)
	if err := m.InitializeRealtimeSync(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	waitFor(t, "connected", func() bool { return m.RealtimeState() == realtime.StateConnected })

	for i := 0; i < 20; i++ {
		get(t, client, srv.URL+"/items")
	}
	m.Clear()
	_ = m.Close()

	if n := broker.Len(); n != 0 {
		t.Fatalf("expected the store empty after clear, got %d events", n)
	}
	if n := len(m.History()); n != 0 {
		t.Fatalf("expected no history after clear, got %d events", n)
	}
}
