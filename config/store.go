package config

import (
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"workshop/fault"
	"workshop/fsutil"
)

// Listener observes a settings change. It runs after the new snapshot is
// visible and must not call Update.
type Listener func(old, new Settings)

// Store holds the current settings. Readers take frozen snapshots; writers go
// through Update, which validates, persists and then notifies listeners.
type Store struct {
	path string

	// wmu serializes writers so listeners see changes in order.
	wmu sync.Mutex

	mu        sync.RWMutex
	cur       Settings
	listeners []Listener
}

// NewStore wraps s. When path is empty, changes are kept in memory only.
func NewStore(s Settings, path string) *Store {
	return &Store{cur: clone(s), path: path}
}

// Open loads settings from path (see Load) and returns a store persisting to
// the file they came from.
func Open(path string) (*Store, error) {
	s, saveTo, err := Load(path)
	if err != nil {
		return nil, err
	}
	return NewStore(s, saveTo), nil
}

func (st *Store) Path() string { return st.path }

// Snapshot returns a copy that later updates do not affect.
func (st *Store) Snapshot() Settings {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return clone(st.cur)
}

func (st *Store) OnChange(fn Listener) {
	st.mu.Lock()
	st.listeners = append(st.listeners, fn)
	st.mu.Unlock()
}

// Update applies fn to a copy of the current settings. Invalid results are
// rejected with a Configuration error and leave the store untouched.
func (st *Store) Update(fn func(s *Settings)) error {
	st.wmu.Lock()
	defer st.wmu.Unlock()

	old := st.Snapshot()
	next := clone(old)
	fn(&next)
	if err := Validate(next); err != nil {
		return err
	}
	if err := st.persist(next); err != nil {
		return err
	}

	st.mu.Lock()
	st.cur = next
	listeners := append([]Listener(nil), st.listeners...)
	st.mu.Unlock()

	for _, l := range listeners {
		l(old, clone(next))
	}
	return nil
}

func (st *Store) persist(s Settings) error {
	if st.path == "" {
		return nil
	}
	data, err := yaml.Marshal(s)
	if err != nil {
		return fault.Wrap(fault.KindInternal, err, "encode settings")
	}
	if err := fsutil.WriteFileAtomic(st.path, data, 0o600); err != nil {
		return fault.Wrap(fault.KindConfiguration, err, "save settings to %s", st.path)
	}
	return nil
}

// Linked returns the registered linked project paths.
func (st *Store) Linked() []string {
	return st.Snapshot().Projects.Linked
}

func (st *Store) SetLinked(paths []string) error {
	return st.Update(func(s *Settings) {
		s.Projects.Linked = append([]string(nil), paths...)
	})
}

func clone(s Settings) Settings {
	s.Projects.Linked = append([]string(nil), s.Projects.Linked...)
	return s
}

// HTTPClient builds a client honouring the proxy settings. timeout bounds
// the whole exchange, body included.
func (n NetSettings) HTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout, Transport: n.transport()}
}

// StreamingClient builds a client for long-lived response bodies. timeout
// bounds connecting and waiting for response headers only; the caller's
// context limits the body.
func (n NetSettings) StreamingClient(timeout time.Duration) *http.Client {
	transport := n.transport()
	if timeout > 0 {
		transport.DialContext = (&net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}).DialContext
		transport.TLSHandshakeTimeout = timeout
		transport.ResponseHeaderTimeout = timeout
	}
	return &http.Client{Transport: transport}
}

func (n NetSettings) transport() *http.Transport {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if p := n.ProxyURL(); p != "" {
		if u, err := url.Parse(p); err == nil {
			transport.Proxy = http.ProxyURL(u)
		}
	}
	return transport
}
