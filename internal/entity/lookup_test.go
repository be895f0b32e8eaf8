package entity

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticLookup(t *testing.T) {
	l := NewStaticLookup()
	l.Set("CASE", "case-1", map[string]any{"status": "open", "score": 70})
	ctx := context.Background()

	got, err := l.Lookup(ctx, "CASE", "case-1")
	require.NoError(t, err)
	assert.Equal(t, "open", got["status"])

	// Unknown entities resolve to an empty context, not an error.
	got, err = l.Lookup(ctx, "CASE", "case-unknown")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestHTTPLookup_fetchesAndCaches(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		assert.Equal(t, "/contexts/CASE/case-1", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{"status": "open"})
	}))
	defer srv.Close()

	l := NewHTTPLookup(srv.URL, time.Second, time.Minute)
	ctx := context.Background()

	got, err := l.Lookup(ctx, "CASE", "case-1")
	require.NoError(t, err)
	assert.Equal(t, "open", got["status"])

	// Second lookup within the TTL is served from cache.
	_, err = l.Lookup(ctx, "CASE", "case-1")
	require.NoError(t, err)
	assert.Equal(t, 1, hits)

	// A different entity misses the cache.
	_, err = l.Lookup(ctx, "CASE", "case-2")
	require.NoError(t, err)
	assert.Equal(t, 2, hits)
}

func TestHTTPLookup_zeroTTLDisablesCache(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits++
		json.NewEncoder(w).Encode(map[string]any{})
	}))
	defer srv.Close()

	l := NewHTTPLookup(srv.URL, time.Second, 0)
	ctx := context.Background()

	_, _ = l.Lookup(ctx, "CASE", "case-1")
	_, _ = l.Lookup(ctx, "CASE", "case-1")
	assert.Equal(t, 2, hits)
}

func TestHTTPLookup_upstreamErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	l := NewHTTPLookup(srv.URL, time.Second, time.Minute)

	_, err := l.Lookup(context.Background(), "CASE", "case-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}
