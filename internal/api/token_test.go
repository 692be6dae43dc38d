package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func newTokenServer(t *testing.T, calls *int64, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(calls, 1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func okTokenHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"access_token":"tok-1","expires_in":300}`))
}

func TestTokenCachedUntilExpiry(t *testing.T) {
	var calls int64
	srv := newTokenServer(t, &calls, okTokenHandler)

	m := NewTokenManager(srv.URL, Credentials{ClientID: "id", ClientSecret: "secret"}, nil, testLogger())

	tok, err := m.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)

	tok, err = m.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)

	assert.Equal(t, int64(1), atomic.LoadInt64(&calls), "second call should use the cached token")
}

func TestTokenRefreshAfterExpiry(t *testing.T) {
	var calls int64
	srv := newTokenServer(t, &calls, okTokenHandler)

	m := NewTokenManager(srv.URL, Credentials{ClientID: "id", ClientSecret: "secret"}, nil, testLogger())

	_, err := m.Token(context.Background())
	require.NoError(t, err)

	// Just before expiry: cached token is used.
	m.mu.Lock()
	m.expiresAt = time.Now().Add(1 * time.Second)
	m.mu.Unlock()
	_, err = m.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), atomic.LoadInt64(&calls))

	// Just after expiry: exactly one refresh.
	m.mu.Lock()
	m.expiresAt = time.Now().Add(-1 * time.Second)
	m.mu.Unlock()
	_, err = m.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), atomic.LoadInt64(&calls))
}

func TestTokenConcurrentCallersSingleRefresh(t *testing.T) {
	var calls int64
	srv := newTokenServer(t, &calls, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(20 * time.Millisecond) // widen the race window
		okTokenHandler(w, r)
	})

	m := NewTokenManager(srv.URL, Credentials{ClientID: "id", ClientSecret: "secret"}, nil, testLogger())

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := m.Token(context.Background())
			assert.NoError(t, err)
			assert.Equal(t, "tok-1", tok)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), atomic.LoadInt64(&calls), "concurrent callers must share one refresh")
}

func TestTokenErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		check   func(t *testing.T, err error)
	}{
		{
			name: "bad credentials",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "invalid_client", http.StatusUnauthorized)
			},
			check: func(t *testing.T, err error) {
				var authErr *AuthError
				require.ErrorAs(t, err, &authErr)
				assert.Equal(t, http.StatusUnauthorized, authErr.Status)
			},
		},
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "boom", http.StatusInternalServerError)
			},
			check: func(t *testing.T, err error) {
				var authErr *AuthError
				require.ErrorAs(t, err, &authErr)
			},
		},
		{
			name: "missing access_token",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{"expires_in":300}`))
			},
			check: func(t *testing.T, err error) {
				var authErr *AuthError
				require.ErrorAs(t, err, &authErr)
			},
		},
		{
			name: "malformed payload",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`not json`))
			},
			check: func(t *testing.T, err error) {
				var authErr *AuthError
				require.ErrorAs(t, err, &authErr)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int64
			srv := newTokenServer(t, &calls, tt.handler)
			m := NewTokenManager(srv.URL, Credentials{ClientID: "id", ClientSecret: "s"}, nil, testLogger())

			_, err := m.Token(context.Background())
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestTokenTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(okTokenHandler))
	srv.Close() // unreachable endpoint

	m := NewTokenManager(srv.URL, Credentials{ClientID: "id", ClientSecret: "s"}, nil, testLogger())
	_, err := m.Token(context.Background())

	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.True(t, IsRetryable(err))
}

func TestTokenRequestSendsClientCredentials(t *testing.T) {
	var calls int64
	var gotGrant, gotID string
	srv := newTokenServer(t, &calls, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotGrant = r.PostForm.Get("grant_type")
		gotID = r.PostForm.Get("client_id")
		okTokenHandler(w, r)
	})

	m := NewTokenManager(srv.URL, Credentials{ClientID: "my-id", ClientSecret: "s"}, nil, testLogger())
	_, err := m.Token(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "client_credentials", gotGrant)
	assert.Equal(t, "my-id", gotID)
}
