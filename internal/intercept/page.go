package intercept

import (
	"context"
	"sync"
)

type pageKey struct{}

// WithPage tags ctx with the UI page that issues the requests made with it.
func WithPage(ctx context.Context, page string) context.Context {
	return context.WithValue(ctx, pageKey{}, page)
}

// PageFrom returns the page stored by WithPage.
func PageFrom(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	page, ok := ctx.Value(pageKey{}).(string)
	return page, ok && page != ""
}

// Navigator holds the process-wide navigation context used when a request carries no page.
type Navigator struct {
	mu   sync.RWMutex
	page string
}

// SetPage records the page currently shown to the user.
func (n *Navigator) SetPage(page string) {
	n.mu.Lock()
	n.page = page
	n.mu.Unlock()
}

// Page returns the current page.
func (n *Navigator) Page() string {
	if n == nil {
		return ""
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.page
}
