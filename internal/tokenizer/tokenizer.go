// Package tokenizer counts tokens for context budgeting. The remote counter
// asks the local inference server; everything else falls back to a
// character-ratio estimate.
package tokenizer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"time"
)

// charsPerToken is the estimator ratio. It tracks what small local models
// average on English-plus-code input.
const charsPerToken = 3.5

// Counter counts tokens in a string.
type Counter interface {
	Count(ctx context.Context, text string) int
}

// Estimate returns ceil(len(text) / 3.5). Used as the universal fallback and
// by the context fitter, which cannot afford a network call per message.
func Estimate(text string) int {
	if len(text) == 0 {
		return 0
	}
	return int(math.Ceil(float64(len(text)) / charsPerToken))
}

// Estimator is a Counter that never leaves the process.
type Estimator struct{}

func (Estimator) Count(_ context.Context, text string) int { return Estimate(text) }

const (
	defaultCacheSize   = 2048
	maxCacheableLength = 100_000
	defaultTimeout     = 5 * time.Second
)

// RemoteCounter asks the backend's /tokenize endpoint for an exact count.
//
// Results are cached keyed by the full input string because the system
// prompt and unchanged history are re-tokenized every turn. The cache is
// bounded and evicts oldest-inserted first. Any network, timeout, or
// non-2xx failure falls back to Estimate.
//
// Thread Safety:
// Safe for concurrent use; cache mutations are serialized by a mutex.
type RemoteCounter struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger

	mu       sync.Mutex
	cache    map[string]int
	order    []string
	capacity int
}

// RemoteOption configures a RemoteCounter.
type RemoteOption func(*RemoteCounter)

// WithHTTPClient overrides the HTTP client (mainly for tests).
func WithHTTPClient(c *http.Client) RemoteOption {
	return func(r *RemoteCounter) { r.client = c }
}

// WithCacheSize overrides the cache capacity.
func WithCacheSize(n int) RemoteOption {
	return func(r *RemoteCounter) {
		if n > 0 {
			r.capacity = n
		}
	}
}

// WithLogger sets the logger used for fallback warnings.
func WithLogger(l *slog.Logger) RemoteOption {
	return func(r *RemoteCounter) { r.logger = l }
}

// NewRemoteCounter creates a counter against baseURL (e.g. "http://localhost:8080").
func NewRemoteCounter(baseURL string, opts ...RemoteOption) *RemoteCounter {
	r := &RemoteCounter{
		baseURL:  baseURL,
		client:   &http.Client{Timeout: defaultTimeout},
		logger:   slog.Default(),
		cache:    make(map[string]int),
		capacity: defaultCacheSize,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Count returns the token count for text, from cache, the remote endpoint,
// or the estimator, in that order of preference.
func (r *RemoteCounter) Count(ctx context.Context, text string) int {
	if len(text) == 0 {
		return 0
	}

	cacheable := len(text) <= maxCacheableLength
	if cacheable {
		r.mu.Lock()
		if n, ok := r.cache[text]; ok {
			r.mu.Unlock()
			return n
		}
		r.mu.Unlock()
	}

	n, err := r.remoteCount(ctx, text)
	if err != nil {
		r.logger.Debug("tokenize fallback to estimate", "error", err)
		return Estimate(text)
	}

	if cacheable {
		r.put(text, n)
	}
	return n
}

func (r *RemoteCounter) remoteCount(ctx context.Context, text string) (int, error) {
	body, err := json.Marshal(map[string]string{"content": text})
	if err != nil {
		return 0, fmt.Errorf("marshal tokenize request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/tokenize", bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("create tokenize request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("tokenize request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, fmt.Errorf("tokenize returned status %d", resp.StatusCode)
	}

	var out struct {
		Tokens []int `json:"tokens"`
		Count  int   `json:"count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("decode tokenize response: %w", err)
	}
	if len(out.Tokens) > 0 {
		return len(out.Tokens), nil
	}
	return out.Count, nil
}

// put inserts with drop-oldest eviction. Caller must not hold mu.
func (r *RemoteCounter) put(text string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.cache[text]; ok {
		r.cache[text] = n
		return
	}
	for len(r.cache) >= r.capacity && len(r.order) > 0 {
		oldest := r.order[0]
		r.order = r.order[1:]
		delete(r.cache, oldest)
	}
	r.cache[text] = n
	r.order = append(r.order, text)
}

// CacheLen reports the number of cached entries.
func (r *RemoteCounter) CacheLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cache)
}
