// Package identity resolves the machine and user names attached to every observed call.
package identity

import (
	"log/slog"
	"os"
	osuser "os/user"
	"strings"
	"sync"

	"github.com/splax/callwatch/pkg/jwt"
)

const (
	// UnknownPC is reported when the host name cannot be determined.
	UnknownPC = "unknown"
	// Anonymous is reported when no user identity is available.
	Anonymous = "anonymous"
)

// Options configures a Resolver. Empty fields fall back to the host environment.
type Options struct {
	PCName    string
	User      string
	AuthToken string
	JWTSecret string
	Logger    *slog.Logger

	// hooks overridable in tests
	hostname    func() (string, error)
	currentUser func() (string, error)
}

// Resolver caches the PC name and user for the lifetime of the process.
type Resolver struct {
	opts   Options
	logger *slog.Logger

	mu     sync.Mutex
	pcOnce *sync.Once
	usOnce *sync.Once
	pc     string
	user   string
}

// New builds a Resolver.
func New(opts Options) *Resolver {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.hostname == nil {
		opts.hostname = os.Hostname
	}
	if opts.currentUser == nil {
		opts.currentUser = lookupOSUser
	}
	return &Resolver{
		opts:   opts,
		logger: logger.With("component", "identity"),
		pcOnce: new(sync.Once),
		usOnce: new(sync.Once),
	}
}

// PCName returns the configured machine name, the OS host name, or "unknown".
func (r *Resolver) PCName() string {
	r.mu.Lock()
	once := r.pcOnce
	r.mu.Unlock()
	once.Do(func() {
		name := strings.TrimSpace(r.opts.PCName)
		if name == "" {
			host, err := r.opts.hostname()
			if err != nil {
				r.logger.Warn("hostname lookup failed", "error", err)
			}
			name = strings.TrimSpace(host)
		}
		if name == "" {
			name = UnknownPC
		}
		r.mu.Lock()
		r.pc = name
		r.mu.Unlock()
	})
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pc
}

// User returns the display name of the current user, or "anonymous".
func (r *Resolver) User() string {
	r.mu.Lock()
	once := r.usOnce
	r.mu.Unlock()
	once.Do(func() {
		name := r.resolveUser()
		r.mu.Lock()
		r.user = name
		r.mu.Unlock()
	})
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.user
}

// Invalidate drops the cached values so the next lookup resolves again, e.g. after login.
func (r *Resolver) Invalidate() {
	r.mu.Lock()
	r.pcOnce = new(sync.Once)
	r.usOnce = new(sync.Once)
	r.mu.Unlock()
}

// SetAuthToken replaces the token used to derive the user name and invalidates the cache.
func (r *Resolver) SetAuthToken(token string) {
	r.mu.Lock()
	r.opts.AuthToken = token
	r.mu.Unlock()
	r.Invalidate()
}

func (r *Resolver) resolveUser() string {
	r.mu.Lock()
	configured := strings.TrimSpace(r.opts.User)
	token := strings.TrimSpace(r.opts.AuthToken)
	secret := r.opts.JWTSecret
	r.mu.Unlock()

	if configured != "" {
		return configured
	}
	if token != "" {
		if name := r.userFromToken(token, secret); name != "" {
			return name
		}
	}
	name, err := r.opts.currentUser()
	if err != nil {
		r.logger.Debug("os user lookup failed", "error", err)
	}
	if name = strings.TrimSpace(name); name != "" {
		return name
	}
	return Anonymous
}

func (r *Resolver) userFromToken(token, secret string) string {
	var (
		claims *jwt.Claims
		err    error
	)
	if secret != "" {
		claims, err = jwt.Parse(strings.TrimPrefix(token, "Bearer "), secret)
	} else {
		claims, err = jwt.ParseUnverified(token)
	}
	if err != nil {
		r.logger.Warn("auth token rejected", "error", err)
		return ""
	}
	return claims.DisplayName()
}

func lookupOSUser() (string, error) {
	u, err := osuser.Current()
	if err != nil {
		return "", err
	}
	if u.Name != "" {
		return u.Name, nil
	}
	return u.Username, nil
}
