package providers

import (
	"context"
	"log/slog"

	"golang.org/x/time/rate"
)

// AdapterFactory builds a concrete adapter bound to one credential.
// Construction must be cheap (no network); a fresh adapter is created per
// chat call so the pool can rotate keys between calls.
type AdapterFactory func(credential string) Provider

// PooledProvider is an ordinary Provider that draws a credential from a
// KeyPool for each call and reports the outcome back. On a retryable
// failure with spare keys it retries once with the next credential.
type PooledProvider struct {
	pool       *KeyPool
	factory    AdapterFactory
	limiter    *rate.Limiter
	logger     *slog.Logger
	onRotation func(kind string)

	// proto serves the metadata methods; it never issues requests.
	proto Provider
}

// PooledOption configures a PooledProvider.
type PooledOption func(*PooledProvider)

// WithRateLimit smooths request starts to r requests per second with the
// given burst.
func WithRateLimit(r rate.Limit, burst int) PooledOption {
	return func(p *PooledProvider) { p.limiter = rate.NewLimiter(r, burst) }
}

// WithPoolLogger sets the logger for rotation events.
func WithPoolLogger(l *slog.Logger) PooledOption {
	return func(p *PooledProvider) { p.logger = l }
}

// WithRotationHook registers a callback fired when an error rotates the
// pool to the next credential, with the triggering error kind.
func WithRotationHook(fn func(kind string)) PooledOption {
	return func(p *PooledProvider) { p.onRotation = fn }
}

// NewPooledProvider wires a key pool to an adapter factory.
func NewPooledProvider(pool *KeyPool, factory AdapterFactory, opts ...PooledOption) *PooledProvider {
	p := &PooledProvider{
		pool:    pool,
		factory: factory,
		logger:  slog.Default(),
		proto:   factory(pool.Get()),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *PooledProvider) Name() string         { return p.proto.Name() }
func (p *PooledProvider) Model() string        { return p.proto.Model() }
func (p *PooledProvider) ContextWindow() int   { return p.proto.ContextWindow() }
func (p *PooledProvider) SupportsVision() bool { return p.proto.SupportsVision() }

// Chat acquires a credential, delegates, and reports the result to the
// pool. Context overflow passes through untouched so the loop can refit.
func (p *PooledProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	resp, err := p.chatOnce(ctx, req)
	if err == nil {
		return resp, nil
	}
	if _, overflow := IsContextSize(err); overflow {
		return nil, err
	}

	kind := ClassifyErr(err)
	if IsRetryable(kind) && p.pool.Size() > 1 {
		p.logger.Info("retrying with next credential", "kind", string(kind))
		return p.chatOnce(ctx, req)
	}
	return nil, err
}

func (p *PooledProvider) chatOnce(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	cred := p.pool.Get()
	adapter := p.factory(cred)

	resp, err := adapter.Chat(ctx, req)
	if err != nil {
		if _, overflow := IsContextSize(err); !overflow {
			kind := ClassifyErr(err)
			p.pool.ReportError(kind)
			if p.onRotation != nil {
				p.onRotation(string(kind))
			}
		}
		return nil, err
	}
	p.pool.ReportSuccess()
	return resp, nil
}
