package credential

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ordergate/internal/domain"
	"ordergate/internal/store/memory"
)

func tokenServer(t *testing.T, calls *int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		if err := r.ParseForm(); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if r.Form.Get("grant_type") != "client_credentials" || r.Form.Get("appkey") != "key" || r.Form.Get("appsecret") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"tok-1","token_type":"Bearer","expires_in":3600}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestClientRequestToken(t *testing.T) {
	var calls int32
	srv := tokenServer(t, &calls)

	resp, err := (&Client{AppKey: "key", AppSecret: "secret", TokenURL: srv.URL}).RequestToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", resp.AccessToken)
	assert.Equal(t, int64(3600), resp.ExpiresIn)

	_, err = (&Client{AppKey: "key", AppSecret: "wrong", TokenURL: srv.URL}).RequestToken(context.Background())
	assert.ErrorContains(t, err, "401")

	_, err = (&Client{AppKey: "key", AppSecret: "secret"}).RequestToken(context.Background())
	assert.Error(t, err)
}

func TestTokenCacheReusesUntilSkew(t *testing.T) {
	var calls int32
	srv := tokenServer(t, &calls)
	st := memory.NewStore()
	clock := time.Date(2026, 10, 16, 0, 0, 0, 0, time.UTC)

	cache := NewTokenCache("gateway", &Client{AppKey: "key", AppSecret: "secret", TokenURL: srv.URL}, st, 10*time.Minute)
	cache.now = func() time.Time { return clock }
	ctx := context.Background()

	auth, err := cache.Authorization(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok-1", auth)
	_, err = cache.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	saved, err := st.LoadBrokerToken(ctx, "gateway")
	require.NoError(t, err)
	assert.Equal(t, clock.Add(time.Hour), saved.ExpiresAt)

	clock = clock.Add(51 * time.Minute)
	_, err = cache.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls), "inside the skew window the token is renewed")
}

func TestTokenCacheLoadsPersistedToken(t *testing.T) {
	var calls int32
	srv := tokenServer(t, &calls)
	st := memory.NewStore()
	clock := time.Date(2026, 10, 16, 0, 0, 0, 0, time.UTC)
	require.NoError(t, st.SaveBrokerToken(context.Background(), domain.BrokerToken{
		Provider: "gateway", AccessToken: "persisted", TokenType: "Bearer", ExpiresAt: clock.Add(2 * time.Hour),
	}))

	cache := NewTokenCache("gateway", &Client{AppKey: "key", AppSecret: "secret", TokenURL: srv.URL}, st, time.Minute)
	cache.now = func() time.Time { return clock }
	tok, err := cache.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "persisted", tok.AccessToken)
	assert.Zero(t, atomic.LoadInt32(&calls))

	cache.Reset()
	tok, err = cache.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok.AccessToken, "reset skips the persisted copy")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestTokenCacheConcurrentCallersFetchOnce(t *testing.T) {
	var calls int32
	srv := tokenServer(t, &calls)
	cache := NewTokenCache("gateway", &Client{AppKey: "key", AppSecret: "secret", TokenURL: srv.URL}, nil, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = cache.Token(context.Background())
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestTokenCacheRunRefreshesInBackground(t *testing.T) {
	var calls int32
	srv := tokenServer(t, &calls)
	cache := NewTokenCache("gateway", &Client{AppKey: "key", AppSecret: "secret", TokenURL: srv.URL}, nil, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go cache.Run(ctx, 10*time.Millisecond)
	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) >= 1 }, time.Second, 5*time.Millisecond)
}
