// Package entity implements the EntityContextLookup collaborator: it resolves
// the current field values of the business entity an instance is bound to, for
// gate and condition evaluation.
package entity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"
)

const defaultTimeout = 5 * time.Second

// HTTPLookup fetches entity context from an upstream context service:
// GET {base}/contexts/{kind}/{id} returning a flat JSON object. Responses are
// cached briefly so a burst of transition attempts on the same entity does
// not hammer the upstream; gate evaluation tolerates context a few seconds
// stale.
type HTTPLookup struct {
	baseURL  string
	client   *http.Client
	cacheTTL time.Duration

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	ctx     map[string]any
	expires time.Time
}

// NewHTTPLookup creates an HTTP-backed lookup. cacheTTL of zero disables
// caching.
func NewHTTPLookup(baseURL string, timeout, cacheTTL time.Duration) *HTTPLookup {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &HTTPLookup{
		baseURL:  baseURL,
		client:   &http.Client{Timeout: timeout},
		cacheTTL: cacheTTL,
		cache:    make(map[string]cacheEntry),
	}
}

// Lookup resolves the entity's current field values.
func (l *HTTPLookup) Lookup(ctx context.Context, entityKind, entityID string) (map[string]any, error) {
	key := entityKind + "/" + entityID
	if cached, ok := l.cached(key); ok {
		return cached, nil
	}

	u := fmt.Sprintf("%s/contexts/%s/%s",
		l.baseURL, url.PathEscape(entityKind), url.PathEscape(entityID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build context request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch entity context: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("context service returned status %d for %s", resp.StatusCode, key)
	}

	var entityCtx map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&entityCtx); err != nil {
		return nil, fmt.Errorf("decode entity context: %w", err)
	}

	l.store(key, entityCtx)
	return entityCtx, nil
}

func (l *HTTPLookup) cached(key string) (map[string]any, bool) {
	if l.cacheTTL <= 0 {
		return nil, false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.cache[key]
	if !ok || time.Now().After(e.expires) {
		delete(l.cache, key)
		return nil, false
	}
	return e.ctx, true
}

func (l *HTTPLookup) store(key string, entityCtx map[string]any) {
	if l.cacheTTL <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cache[key] = cacheEntry{ctx: entityCtx, expires: time.Now().Add(l.cacheTTL)}
}

// StaticLookup serves entity context from an in-memory map, keyed by
// "kind/id". Used in tests and single-binary deployments with no upstream
// context service.
type StaticLookup struct {
	mu       sync.RWMutex
	contexts map[string]map[string]any
}

// NewStaticLookup creates an empty static lookup.
func NewStaticLookup() *StaticLookup {
	return &StaticLookup{contexts: make(map[string]map[string]any)}
}

// Set registers or replaces the context for an entity.
func (l *StaticLookup) Set(entityKind, entityID string, entityCtx map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.contexts[entityKind+"/"+entityID] = entityCtx
}

// Lookup resolves the entity's registered field values. Unknown entities
// resolve to an empty context rather than an error; a template whose gates
// reference absent fields fails those gates with a precise detail instead.
func (l *StaticLookup) Lookup(_ context.Context, entityKind, entityID string) (map[string]any, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if ctx, ok := l.contexts[entityKind+"/"+entityID]; ok {
		return ctx, nil
	}
	return map[string]any{}, nil
}
