package session

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cloudinventory/assistant/internal/storage"
)

// fakeBackend is an httptest server that routes "METHOD /path" to handlers
// and counts hits per route.
type fakeBackend struct {
	server   *httptest.Server
	mu       sync.Mutex
	hits     map[string]int
	handlers map[string]http.HandlerFunc
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	b := &fakeBackend{
		hits:     make(map[string]int),
		handlers: make(map[string]http.HandlerFunc),
	}
	b.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := r.Method + " " + r.URL.Path
		b.mu.Lock()
		b.hits[route]++
		h := b.handlers[route]
		b.mu.Unlock()
		if h == nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Not Found"})
			return
		}
		h(w, r)
	}))
	t.Cleanup(b.server.Close)
	return b
}

func (b *fakeBackend) handle(route string, h http.HandlerFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[route] = h
}

func (b *fakeBackend) count(route string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hits[route]
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func loginBody(tok, username, role string) map[string]any {
	return map[string]any{
		"access_token": tok,
		"token_type":   "bearer",
		"user_info": map[string]any{
			"user_id":  username,
			"username": username,
			"role":     role,
			"permissions": map[string]bool{
				"select":             true,
				"archive":            role == "Admin",
				"delete_archive":     role == "Admin",
				"confirm_operations": role == "Admin",
			},
			"active": true,
		},
	}
}

func makeJWT(exp time.Time) string {
	enc := base64.RawURLEncoding
	payload := fmt.Sprintf(`{"username":"admin","role":"Admin","exp":%d}`, exp.Unix())
	return enc.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`)) + "." +
		enc.EncodeToString([]byte(payload)) + "." +
		enc.EncodeToString([]byte("signature"))
}

func seedSession(t *testing.T, store storage.Store, tok string) {
	t.Helper()
	require.NoError(t, store.Set(TokenKey, tok))
	require.NoError(t, store.Set(UserKey, `{"username":"admin","role":"Admin","permissions":["select","archive"],"auth_provider":"traditional"}`))
}

func newTestManager(t *testing.T, b *fakeBackend, store storage.Store) *Manager {
	t.Helper()
	m, err := New(store, Options{BaseURL: b.server.URL, Timeout: 5 * time.Second})
	require.NoError(t, err)
	return m
}

func jsonDecode(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}
