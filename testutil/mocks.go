package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// MockTwitchServer creates a test server that mocks Twitch Helix API responses
type MockTwitchServer struct {
	*httptest.Server

	mu      sync.Mutex
	users   map[string]map[string]string // keyed by user id
	streams map[string]map[string]any    // keyed by user id, nil entry means offline
}

// NewMockTwitchServer creates a new mock Twitch API server covering the token,
// users, and streams endpoints.
func NewMockTwitchServer(t *testing.T) *MockTwitchServer {
	t.Helper()
	m := &MockTwitchServer{
		users:   make(map[string]map[string]string),
		streams: make(map[string]map[string]any),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(m.handle))
	t.Cleanup(m.Close)
	return m
}

// AddUser registers an account resolvable by id and login.
func (m *MockTwitchServer) AddUser(id, login, displayName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[id] = map[string]string{
		"id":                id,
		"login":             login,
		"display_name":      displayName,
		"profile_image_url": "https://example.com/" + login + ".png",
	}
}

// RemoveUser makes an account unknown, as a deleted account would be.
func (m *MockTwitchServer) RemoveUser(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.users, id)
	delete(m.streams, id)
}

// SetLive marks a user as streaming with the given stream id and title.
func (m *MockTwitchServer) SetLive(userID, streamID, title string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streams[userID] = map[string]any{
		"id":            streamID,
		"user_id":       userID,
		"title":         title,
		"started_at":    "2025-06-01T12:00:00Z",
		"thumbnail_url": "https://example.com/thumb-{width}x{height}.jpg",
	}
}

// SetOffline marks a user as explicitly not streaming.
func (m *MockTwitchServer) SetOffline(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.streams, userID)
}

func (m *MockTwitchServer) handle(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	switch {
	case strings.HasSuffix(r.URL.Path, "/oauth2/token"):
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "mock-app-token",
			"expires_in":   3600,
			"token_type":   "bearer",
		})
	case strings.HasSuffix(r.URL.Path, "/users"):
		data := []map[string]string{}
		for _, id := range r.URL.Query()["id"] {
			if u, ok := m.users[id]; ok {
				data = append(data, u)
			}
		}
		for _, login := range r.URL.Query()["login"] {
			for _, u := range m.users {
				if u["login"] == login {
					data = append(data, u)
				}
			}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
	case strings.HasSuffix(r.URL.Path, "/streams"):
		data := []map[string]any{}
		for _, id := range r.URL.Query()["user_id"] {
			if s, ok := m.streams[id]; ok {
				data = append(data, s)
			}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// MockDiscordServer mocks the message endpoints of the Discord REST API and
// records every message it accepts so tests can assert on posts and edits.
type MockDiscordServer struct {
	*httptest.Server

	mu       sync.Mutex
	nextID   int
	messages map[string]map[string]map[string]any // channel id -> message id -> payload
	deleted  map[string]bool           // "channel/message" keys returning 404
}

// NewMockDiscordServer creates a new mock Discord API server.
func NewMockDiscordServer(t *testing.T) *MockDiscordServer {
	t.Helper()
	m := &MockDiscordServer{
		nextID:   1000,
		messages: make(map[string]map[string]map[string]any),
		deleted:  make(map[string]bool),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(m.handle))
	t.Cleanup(m.Close)
	return m
}

// Messages returns a snapshot of all messages in a channel keyed by message id.
func (m *MockDiscordServer) Messages(channelID string) map[string]map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]map[string]any, len(m.messages[channelID]))
	for id, msg := range m.messages[channelID] {
		out[id] = msg
	}
	return out
}

// Message returns one message or nil.
func (m *MockDiscordServer) Message(channelID, messageID string) map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.messages[channelID][messageID]
}

// MarkDeleted makes a message 404 on fetch and edit, as a user deletion would.
func (m *MockDiscordServer) MarkDeleted(channelID, messageID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted[channelID+"/"+messageID] = true
}

func (m *MockDiscordServer) handle(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Paths look like /channels/{channel}/messages[/{message}]
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 3 || parts[0] != "channels" || parts[2] != "messages" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	channelID := parts[1]
	w.Header().Set("Content-Type", "application/json")

	if len(parts) == 3 && r.Method == http.MethodPost {
		var payload map[string]any
		_ = json.NewDecoder(r.Body).Decode(&payload)
		m.nextID++
		id := fmt.Sprintf("%d", m.nextID)
		payload["id"] = id
		payload["channel_id"] = channelID
		if m.messages[channelID] == nil {
			m.messages[channelID] = make(map[string]map[string]any)
		}
		m.messages[channelID][id] = payload
		_ = json.NewEncoder(w).Encode(payload)
		return
	}

	if len(parts) == 4 {
		messageID := parts[3]
		if m.deleted[channelID+"/"+messageID] {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		msg, ok := m.messages[channelID][messageID]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		switch r.Method {
		case http.MethodGet:
			_ = json.NewEncoder(w).Encode(msg)
		case http.MethodPatch:
			var payload map[string]any
			_ = json.NewDecoder(r.Body).Decode(&payload)
			for k, v := range payload {
				msg[k] = v
			}
			_ = json.NewEncoder(w).Encode(msg)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
		return
	}

	w.WriteHeader(http.StatusNotFound)
}
