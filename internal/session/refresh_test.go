package session

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudinventory/assistant/internal/storage"
)

func TestRefresh_SingleFlight(t *testing.T) {
	b := newFakeBackend(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	b.handle("POST /auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() { close(entered) })
		<-release
		writeJSON(w, http.StatusOK, loginBody("tok2", "admin", "Admin"))
	})

	store := storage.NewMemoryStore()
	seedSession(t, store, "tok1")
	m := newTestManager(t, b, store)

	const n = 10
	ctx := context.Background()
	tokens := make([]string, n)
	errs := make([]error, n)
	var done sync.WaitGroup
	done.Add(n)

	go func() {
		defer done.Done()
		tokens[0], errs[0] = m.Refresh(ctx)
	}()
	<-entered

	var started sync.WaitGroup
	started.Add(n - 1)
	for i := 1; i < n; i++ {
		go func(i int) {
			defer done.Done()
			started.Done()
			tokens[i], errs[i] = m.Refresh(ctx)
		}(i)
	}
	started.Wait()
	// Let the late callers join the pending refresh before it completes
	time.Sleep(50 * time.Millisecond)
	close(release)
	done.Wait()

	assert.Equal(t, 1, b.count("POST /auth/refresh"))
	for i := 0; i < n; i++ {
		assert.NoError(t, errs[i])
		assert.Equal(t, "tok2", tokens[i])
	}
	assert.Equal(t, "tok2", m.Token())
}

func TestRefresh_ConcurrentUnauthorizedRequests(t *testing.T) {
	b := newFakeBackend(t)
	b.handle("GET /regions", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok2" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "expired"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{})
	})
	b.handle("POST /auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
		writeJSON(w, http.StatusOK, loginBody("tok2", "admin", "Admin"))
	})

	store := storage.NewMemoryStore()
	seedSession(t, store, "tok1")
	m := newTestManager(t, b, store)

	const n = 5
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = m.Get(context.Background(), "/regions", nil)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, "tok2", m.Token())
	// Requests that read tok1 after the first refresh finished may trigger
	// another refresh, but never one per request at the same time.
	assert.LessOrEqual(t, b.count("POST /auth/refresh"), n)
	assert.GreaterOrEqual(t, b.count("POST /auth/refresh"), 1)
}

func TestRefresh_NoCredential(t *testing.T) {
	b := newFakeBackend(t)
	m := newTestManager(t, b, storage.NewMemoryStore())

	_, err := m.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrRefreshFailed)
	assert.Equal(t, 0, b.count("POST /auth/refresh"))
}

func TestRefresh_FailureClearsPendingHandle(t *testing.T) {
	b := newFakeBackend(t)
	var mu sync.Mutex
	calls := 0
	b.handle("POST /auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		first := calls == 1
		mu.Unlock()
		if first {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": "Token refresh error"})
			return
		}
		writeJSON(w, http.StatusOK, loginBody("tok2", "admin", "Admin"))
	})

	store := storage.NewMemoryStore()
	seedSession(t, store, "tok1")
	m := newTestManager(t, b, store)

	_, err := m.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrRefreshFailed)
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, "Token refresh error", httpErr.Detail)
	assert.Equal(t, "tok1", m.Token(), "refresh alone does not clear the session")

	tok, err := m.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok2", tok)
	assert.Equal(t, 2, b.count("POST /auth/refresh"))
}

func TestRefresh_KeepsProviderFields(t *testing.T) {
	b := newFakeBackend(t)
	b.handle("POST /auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, loginBody("tok2", "jane_doe", "Monitor"))
	})

	store := storage.NewMemoryStore()
	require.NoError(t, store.Set(TokenKey, "tok1"))
	require.NoError(t, store.Set(UserKey, `{"username":"jane_doe","role":"Monitor","email":"jane@example.com","display_name":"Jane","auth_provider":"microsoft"}`))
	m := newTestManager(t, b, store)

	_, err := m.Refresh(context.Background())
	require.NoError(t, err)
	u := m.User()
	assert.Equal(t, ProviderMicrosoft, u.Provider())
	assert.Equal(t, "jane@example.com", u.Email)
	assert.Equal(t, Permissions{"select"}, u.Permissions)
}

func TestRefresh_CallerCancelled(t *testing.T) {
	b := newFakeBackend(t)
	release := make(chan struct{})
	b.handle("POST /auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		<-release
		writeJSON(w, http.StatusOK, loginBody("tok2", "admin", "Admin"))
	})

	store := storage.NewMemoryStore()
	seedSession(t, store, "tok1")
	m := newTestManager(t, b, store)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := m.Refresh(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The shared refresh keeps going for other callers
	done := make(chan string)
	go func() {
		tok, _ := m.Refresh(context.Background())
		done <- tok
	}()
	time.Sleep(50 * time.Millisecond)
	close(release)
	assert.Equal(t, "tok2", <-done)
	assert.Equal(t, 1, b.count("POST /auth/refresh"))
}

func TestValidateSession_CallerCancelled(t *testing.T) {
	fresh := makeJWT(time.Now().Add(time.Hour))
	expiring := makeJWT(time.Now().Add(time.Minute))

	cases := []struct {
		name  string
		route string
		tok   string
	}{
		{"identity lookup", "GET /auth/me", fresh},
		{"renewal", "POST /auth/refresh", expiring},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := newFakeBackend(t)
			release := make(chan struct{})
			t.Cleanup(func() { close(release) })
			b.handle(tc.route, func(w http.ResponseWriter, r *http.Request) {
				select {
				case <-release:
				case <-r.Context().Done():
				}
				writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "expired"})
			})

			store := storage.NewMemoryStore()
			seedSession(t, store, tc.tok)
			m := newTestManager(t, b, store)

			ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
			defer cancel()
			assert.False(t, m.ValidateSession(ctx))

			assert.True(t, m.IsAuthenticated())
			assert.Equal(t, tc.tok, m.Token())
			stored, ok, err := store.Get(TokenKey)
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, tc.tok, stored)
		})
	}
}

func TestRefresh_LoginDuringRefresh(t *testing.T) {
	b := newFakeBackend(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	b.handle("POST /auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
		writeJSON(w, http.StatusOK, loginBody("tok2", "admin", "Admin"))
	})
	b.handle("POST /auth/login", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, loginBody("tok-bob", "bob", "Monitor"))
	})

	store := storage.NewMemoryStore()
	seedSession(t, store, "tok1")
	m := newTestManager(t, b, store)

	errc := make(chan error, 1)
	go func() {
		_, err := m.Refresh(context.Background())
		errc <- err
	}()
	<-entered

	_, err := m.Login(context.Background(), "bob", "password")
	require.NoError(t, err)
	close(release)

	assert.ErrorIs(t, <-errc, ErrRefreshFailed)
	assert.Equal(t, "tok-bob", m.Token())
	assert.Equal(t, "bob", m.User().Username)
	stored, _, err := store.Get(TokenKey)
	require.NoError(t, err)
	assert.Equal(t, "tok-bob", stored)
}

func TestValidateSession_RefreshDuringIdentityLookup(t *testing.T) {
	fresh := makeJWT(time.Now().Add(time.Hour))
	renewed := makeJWT(time.Now().Add(2 * time.Hour))

	b := newFakeBackend(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	b.handle("GET /auth/me", func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
		writeJSON(w, http.StatusOK, map[string]any{"username": "admin", "role": "Admin", "permissions": []string{"select"}})
	})
	b.handle("POST /auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, loginBody(renewed, "admin", "Admin"))
	})

	store := storage.NewMemoryStore()
	seedSession(t, store, fresh)
	m := newTestManager(t, b, store)

	valid := make(chan bool, 1)
	go func() { valid <- m.ValidateSession(context.Background()) }()
	<-entered

	_, err := m.Refresh(context.Background())
	require.NoError(t, err)
	close(release)

	assert.True(t, <-valid)
	assert.True(t, m.IsAuthenticated())
	assert.Equal(t, renewed, m.Token())
	stored, _, err := store.Get(TokenKey)
	require.NoError(t, err)
	assert.Equal(t, renewed, stored)
}

func TestIsTokenNearExpiry(t *testing.T) {
	now := time.Unix(1_800_000_000, 0)
	cases := []struct {
		name string
		tok  string
		want bool
	}{
		{"inside buffer", makeJWT(now.Add(200 * time.Second)), true},
		{"outside buffer", makeJWT(now.Add(400 * time.Second)), false},
		{"expired", makeJWT(now.Add(-time.Hour)), true},
		{"malformed", "tok1", true},
		{"two segments", "abc.def", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := storage.NewMemoryStore()
			seedSession(t, store, tc.tok)
			m, err := New(store, Options{Now: func() time.Time { return now }})
			require.NoError(t, err)
			assert.NotPanics(t, func() {
				assert.Equal(t, tc.want, m.IsTokenNearExpiry())
			})
		})
	}

	m, err := New(storage.NewMemoryStore(), Options{})
	require.NoError(t, err)
	assert.True(t, m.IsTokenNearExpiry())
}

func TestValidateSession(t *testing.T) {
	fresh := makeJWT(time.Now().Add(time.Hour))
	expiring := makeJWT(time.Now().Add(time.Minute))
	ctx := context.Background()

	t.Run("no credential", func(t *testing.T) {
		b := newFakeBackend(t)
		m := newTestManager(t, b, storage.NewMemoryStore())
		assert.False(t, m.ValidateSession(ctx))
		assert.Equal(t, 0, b.count("GET /auth/me"))
	})

	t.Run("valid token confirmed by server", func(t *testing.T) {
		b := newFakeBackend(t)
		b.handle("GET /auth/me", func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "Bearer "+fresh, r.Header.Get("Authorization"))
			writeJSON(w, http.StatusOK, map[string]any{
				"username":    "admin",
				"role":        "Admin",
				"permissions": []string{"select", "archive", "delete_archive", "confirm_operations"},
			})
		})
		store := storage.NewMemoryStore()
		seedSession(t, store, fresh)
		m := newTestManager(t, b, store)

		assert.True(t, m.ValidateSession(ctx))
		assert.Equal(t, 1, b.count("GET /auth/me"))
		assert.Equal(t, 0, b.count("POST /auth/refresh"))
		assert.True(t, m.User().HasPermission(PermConfirmOperations))
	})

	t.Run("near expiry refreshes", func(t *testing.T) {
		b := newFakeBackend(t)
		b.handle("POST /auth/refresh", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, loginBody(fresh, "admin", "Admin"))
		})
		store := storage.NewMemoryStore()
		seedSession(t, store, expiring)
		m := newTestManager(t, b, store)

		assert.True(t, m.ValidateSession(ctx))
		assert.Equal(t, 1, b.count("POST /auth/refresh"))
		assert.Equal(t, 0, b.count("GET /auth/me"))
		assert.Equal(t, fresh, m.Token())
	})

	t.Run("refresh rejected", func(t *testing.T) {
		b := newFakeBackend(t)
		b.handle("POST /auth/refresh", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "expired"})
		})
		store := storage.NewMemoryStore()
		seedSession(t, store, expiring)
		m := newTestManager(t, b, store)

		assert.False(t, m.ValidateSession(ctx))
		assert.False(t, m.IsAuthenticated())
		keys, _ := store.Keys()
		assert.Empty(t, keys)
	})

	t.Run("identity lookup fails", func(t *testing.T) {
		b := newFakeBackend(t)
		b.handle("GET /auth/me", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": "Token validation error"})
		})
		store := storage.NewMemoryStore()
		seedSession(t, store, fresh)
		m := newTestManager(t, b, store)

		assert.False(t, m.ValidateSession(ctx))
		assert.False(t, m.IsAuthenticated())
	})
}
