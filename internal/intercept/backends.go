package intercept

import (
	"net/url"
	"sort"
	"strings"
)

type backendEntry struct {
	name   string
	host   string
	scheme string
	path   string
}

// BackendMap maps request URLs to logical backend names by longest matching prefix.
type BackendMap struct {
	entries []backendEntry
}

// NewBackendMap builds a map from (name, url-prefix) pairs. Invalid prefixes are skipped.
func NewBackendMap(pairs [][2]string) *BackendMap {
	m := &BackendMap{}
	for _, pair := range pairs {
		u, err := url.Parse(pair[1])
		if err != nil || u.Host == "" {
			continue
		}
		m.entries = append(m.entries, backendEntry{
			name:   pair[0],
			host:   strings.ToLower(u.Host),
			scheme: strings.ToLower(u.Scheme),
			path:   strings.TrimRight(u.Path, "/"),
		})
	}
	sort.SliceStable(m.entries, func(i, j int) bool {
		return len(m.entries[i].path) > len(m.entries[j].path)
	})
	return m
}

// Resolve returns the backend and endpoint for u. Unmapped URLs use the host as the backend
// and the full path as the endpoint.
func (m *BackendMap) Resolve(u *url.URL) (backend, endpoint string) {
	if u == nil {
		return "unknown", "/"
	}
	path := u.Path
	if path == "" {
		path = "/"
	}
	if m != nil {
		host := strings.ToLower(u.Host)
		for _, e := range m.entries {
			if e.host != host || (e.scheme != "" && e.scheme != strings.ToLower(u.Scheme)) {
				continue
			}
			if e.path == "" {
				return e.name, path
			}
			if path == e.path {
				return e.name, "/"
			}
			if strings.HasPrefix(path, e.path+"/") {
				return e.name, strings.TrimPrefix(path, e.path)
			}
		}
	}
	if u.Host == "" {
		return "unknown", path
	}
	return u.Host, path
}
