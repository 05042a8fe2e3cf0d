// Package intercept observes outbound HTTP calls through an http.RoundTripper decorator.
package intercept

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/splax/callwatch/internal/domain"
)

// Observer receives one observation per settled call.
type Observer interface {
	Observe(domain.Observation)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(domain.Observation)

// Observe calls f(o).
func (f ObserverFunc) Observe(o domain.Observation) { f(o) }

// Identity supplies the machine and user names attached to observations.
type Identity interface {
	PCName() string
	User() string
}

// Options configures a Transport.
type Options struct {
	Observer  Observer
	Identity  Identity
	Backends  *BackendMap
	Navigator *Navigator
	// Skip excludes requests from measurement; they are still delegated.
	Skip   func(*http.Request) bool
	Logger *slog.Logger
	Now    func() time.Time
}

// Transport wraps another RoundTripper and measures every request it carries.
type Transport struct {
	next     http.RoundTripper
	opts     Options
	logger   *slog.Logger
	now      func() time.Time
	inFlight atomic.Int64
}

// NewTransport decorates next. A nil next uses http.DefaultTransport.
func NewTransport(next http.RoundTripper, opts Options) *Transport {
	if next == nil {
		next = http.DefaultTransport
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Transport{next: next, opts: opts, logger: logger.With("component", "intercept"), now: now}
}

// Unwrap returns the decorated transport.
func (t *Transport) Unwrap() http.RoundTripper { return t.next }

// InFlight reports how many measured requests have started but not settled.
func (t *Transport) InFlight() int64 { return t.inFlight.Load() }

// RoundTrip delegates req untouched and returns the delegate's result exactly.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.skip(req) {
		return t.next.RoundTrip(req)
	}

	start := t.now()
	t.inFlight.Add(1)
	defer t.inFlight.Add(-1)

	resp, err := t.next.RoundTrip(req)
	t.settle(req, start, resp, err)
	return resp, err
}

func (t *Transport) skip(req *http.Request) (skip bool) {
	if t.opts.Skip == nil {
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("skip predicate panicked", "panic", fmt.Sprint(r))
			skip = false
		}
	}()
	return t.opts.Skip(req)
}

// settle builds and forwards the observation. Nothing in here may change the caller's result.
func (t *Transport) settle(req *http.Request, start time.Time, resp *http.Response, callErr error) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("measurement failed", "panic", fmt.Sprint(r), "url", req.URL.String())
		}
	}()

	duration := t.now().Sub(start)
	backend, endpoint := t.opts.Backends.Resolve(req.URL)
	obs := domain.Observation{
		Backend:   strings.ToValidUTF8(backend, "\uFFFD"),
		Endpoint:  strings.ToValidUTF8(endpoint, "\uFFFD"),
		Page:      t.page(req),
		Method:    req.Method,
		Status:    domain.StatusSuccess,
		Duration:  duration,
		StartedAt: start,
	}
	if t.opts.Identity != nil {
		obs.PCName = t.opts.Identity.PCName()
		obs.User = t.opts.Identity.User()
	}
	switch {
	case callErr != nil:
		obs.Status = domain.StatusError
		obs.Err = callErr.Error()
	case resp != nil:
		obs.StatusCode = resp.StatusCode
		if resp.StatusCode >= http.StatusBadRequest {
			obs.Status = domain.StatusError
		}
	}
	if t.opts.Observer != nil {
		t.opts.Observer.Observe(obs)
	}
}

func (t *Transport) page(req *http.Request) string {
	if page, ok := PageFrom(req.Context()); ok {
		return page
	}
	return t.opts.Navigator.Page()
}

// Installer instruments HTTP clients with a single shared Transport configuration. Install
// is guarded so a client is never wrapped twice.
type Installer struct {
	opts      Options
	installed atomic.Bool

	mu         sync.Mutex
	transports []*Transport
}

// NewInstaller prepares an installer; nothing is wrapped until Install is called.
func NewInstaller(opts Options) *Installer {
	return &Installer{opts: opts}
}

// Install wraps client's transport. It returns false when the client is already wrapped or
// when this installer has already instrumented a client.
func (i *Installer) Install(client *http.Client) bool {
	if client == nil {
		return false
	}
	if _, wrapped := client.Transport.(*Transport); wrapped {
		return false
	}
	if !i.installed.CompareAndSwap(false, true) {
		return false
	}
	t := NewTransport(client.Transport, i.opts)
	i.mu.Lock()
	i.transports = append(i.transports, t)
	i.mu.Unlock()
	client.Transport = t
	return true
}

// InstallDefault instruments http.DefaultClient.
func (i *Installer) InstallDefault() bool {
	return i.Install(http.DefaultClient)
}

// Installed reports whether Install has succeeded.
func (i *Installer) Installed() bool { return i.installed.Load() }

// InFlight sums in-flight requests over every installed transport.
func (i *Installer) InFlight() int64 {
	i.mu.Lock()
	defer i.mu.Unlock()
	var n int64
	for _, t := range i.transports {
		n += t.InFlight()
	}
	return n
}
