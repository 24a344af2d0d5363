package device_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// fakeDevice is a minimal turnstile speaking the load/modify/create
// object endpoints. Handlers can be overridden per test.
type fakeDevice struct {
	mu       sync.Mutex
	session  string
	logins   int
	requests []recordedRequest
	logs     []map[string]int64
	changes  int

	onLogin func(w http.ResponseWriter) bool // return true when handled
	onPath  map[string]func(w http.ResponseWriter, r *http.Request) bool
}

type recordedRequest struct {
	Path    string
	Session string
	Body    map[string]any
}

func newFakeDevice(t *testing.T) (*fakeDevice, *httptest.Server) {
	t.Helper()
	fd := &fakeDevice{session: "s1", changes: 1, onPath: map[string]func(http.ResponseWriter, *http.Request) bool{}}
	srv := httptest.NewServer(http.HandlerFunc(fd.serve))
	t.Cleanup(srv.Close)
	return fd, srv
}

func (fd *fakeDevice) serve(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)

	fd.mu.Lock()
	fd.requests = append(fd.requests, recordedRequest{Path: r.URL.Path, Session: r.URL.Query().Get("session"), Body: body})
	hook := fd.onPath[r.URL.Path]
	fd.mu.Unlock()

	if hook != nil && hook(w, r) {
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if r.URL.Path == "/login.fcgi" {
		fd.mu.Lock()
		fd.logins++
		login := fd.onLogin
		sess := fd.session
		fd.mu.Unlock()
		if login != nil && login(w) {
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"session": sess})
		return
	}

	fd.mu.Lock()
	valid := r.URL.Query().Get("session") == fd.session
	fd.mu.Unlock()
	if !valid {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "Invalid session"})
		return
	}

	switch r.URL.Path {
	case "/load_objects.fcgi":
		fd.mu.Lock()
		defer fd.mu.Unlock()
		switch body["object"] {
		case "groups":
			_ = json.NewEncoder(w).Encode(map[string]any{"groups": []map[string]any{
				{"id": 1, "name": "Colaboradores"},
				{"id": 3, "name": "Interjornada"},
			}})
		case "users":
			_ = json.NewEncoder(w).Encode(map[string]any{"users": []map[string]any{
				{"id": 100, "name": "Ana"},
				{"id": 101, "name": "Bruno"},
			}})
		case "user_groups":
			_ = json.NewEncoder(w).Encode(map[string]any{"user_groups": []map[string]any{
				{"user_id": 100, "group_id": 1},
			}})
		default:
			_ = json.NewEncoder(w).Encode(map[string]any{"access_logs": fd.logs})
		}
	case "/modify_objects.fcgi":
		fd.mu.Lock()
		n := fd.changes
		fd.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]int{"changes": n})
	case "/create_objects.fcgi":
		_ = json.NewEncoder(w).Encode(map[string][]int{"ids": {1}})
	default:
		http.NotFound(w, r)
	}
}

func (fd *fakeDevice) handle(path string, fn func(w http.ResponseWriter, r *http.Request) bool) {
	fd.mu.Lock()
	fd.onPath[path] = fn
	fd.mu.Unlock()
}

func (fd *fakeDevice) setLogin(fn func(w http.ResponseWriter) bool) {
	fd.mu.Lock()
	fd.onLogin = fn
	fd.mu.Unlock()
}

func (fd *fakeDevice) setLogs(logs []map[string]int64) {
	fd.mu.Lock()
	fd.logs = logs
	fd.mu.Unlock()
}

func (fd *fakeDevice) setChanges(n int) {
	fd.mu.Lock()
	fd.changes = n
	fd.mu.Unlock()
}

func (fd *fakeDevice) rotateSession(s string) {
	fd.mu.Lock()
	fd.session = s
	fd.mu.Unlock()
}

func (fd *fakeDevice) paths() []string {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	out := make([]string, len(fd.requests))
	for i, r := range fd.requests {
		out[i] = r.Path
	}
	return out
}

func (fd *fakeDevice) lastBody() map[string]any {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	return fd.requests[len(fd.requests)-1].Body
}

// instantClock never waits; it records every requested delay.
type instantClock struct {
	mu     sync.Mutex
	now    time.Time
	delays []time.Duration
}

func (c *instantClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *instantClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.delays = append(c.delays, d)
	c.now = c.now.Add(d)
	now := c.now
	c.mu.Unlock()

	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

func (c *instantClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
