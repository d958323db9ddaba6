// Package testutil provides shared fixtures for package tests: a Helix mock server and a Postgres
// test database.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// MockTwitchServer creates a test server that mocks Twitch Helix API responses
type MockTwitchServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc

	mu       sync.Mutex
	requests map[string]int
}

// NewMockTwitchServer creates a new mock Twitch API server. Point clients at URL()+"/helix".
func NewMockTwitchServer(t *testing.T) *MockTwitchServer {
	t.Helper()
	m := &MockTwitchServer{
		Handlers: make(map[string]http.HandlerFunc),
		requests: make(map[string]int),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Path
		m.mu.Lock()
		m.requests[key]++
		m.mu.Unlock()
		if handler, ok := m.Handlers[key]; ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// HelixURL is the base URL to hand to a Helix client.
func (m *MockTwitchServer) HelixURL() string { return m.URL + "/helix" }

// Requests reports how many requests hit path.
func (m *MockTwitchServer) Requests(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[path]
}

// Stream is one entry of a mocked streams page.
type Stream struct {
	UserID  string
	Login   string
	Viewers int
}

// MockStreamsPages serves pages in order. Page i is returned for cursor "page-i" (the first page for
// an empty cursor); every page but the last carries the cursor of the next. The requested page
// size is honoured by truncating the page.
func (m *MockTwitchServer) MockStreamsPages(pages [][]Stream) {
	m.Handlers["/helix/streams"] = func(w http.ResponseWriter, r *http.Request) {
		idx := 0
		if after := r.URL.Query().Get("after"); after != "" {
			n, err := strconv.Atoi(strings.TrimPrefix(after, "page-"))
			if err != nil || n >= len(pages) {
				http.Error(w, `{"error":"Bad Request","status":400,"message":"invalid cursor"}`, http.StatusBadRequest)
				return
			}
			idx = n
		}
		var page []Stream
		if idx < len(pages) {
			page = pages[idx]
		}
		if first, err := strconv.Atoi(r.URL.Query().Get("first")); err == nil && first < len(page) {
			page = page[:first]
		}
		data := make([]map[string]interface{}, 0, len(page))
		for _, s := range page {
			data = append(data, map[string]interface{}{
				"id":           "stream-" + s.UserID,
				"user_id":      s.UserID,
				"user_login":   s.Login,
				"user_name":    s.Login,
				"type":         "live",
				"viewer_count": s.Viewers,
			})
		}
		cursor := ""
		if idx+1 < len(pages) {
			cursor = fmt.Sprintf("page-%d", idx+1)
		}
		response := map[string]interface{}{
			"data":       data,
			"pagination": map[string]string{"cursor": cursor},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}

// MockUsers answers /helix/users?id=... from the given id to login table. Unknown ids are omitted.
func (m *MockTwitchServer) MockUsers(logins map[string]string) {
	m.Handlers["/helix/users"] = func(w http.ResponseWriter, r *http.Request) {
		data := []map[string]string{}
		for _, id := range r.URL.Query()["id"] {
			if login, ok := logins[id]; ok {
				data = append(data, map[string]string{"id": id, "login": login, "display_name": login})
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": data}) //nolint:errcheck // test mock response
	}
}

// MockError makes path answer with status and a Helix error body.
func (m *MockTwitchServer) MockError(path string, status int) {
	m.Handlers[path] = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{ //nolint:errcheck // test mock response
			"error":   http.StatusText(status),
			"status":  status,
			"message": "mock failure",
		})
	}
}
