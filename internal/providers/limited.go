package providers

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimitedLLM waits on a token bucket before every call.
type RateLimitedLLM struct {
	inner   LLMProvider
	limiter *rate.Limiter
}

func NewRateLimitedLLM(inner LLMProvider, perSecond float64, burst int) *RateLimitedLLM {
	return &RateLimitedLLM{inner: inner, limiter: newLimiter(perSecond, burst)}
}

func (r *RateLimitedLLM) Generate(ctx context.Context, req GenerateRequest) (GenerateResponse, ProviderInfo, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return GenerateResponse{}, ProviderInfo{}, err
	}
	return r.inner.Generate(ctx, req)
}

type RateLimitedEmbedder struct {
	inner   EmbeddingProvider
	limiter *rate.Limiter
}

func NewRateLimitedEmbedder(inner EmbeddingProvider, perSecond float64, burst int) *RateLimitedEmbedder {
	return &RateLimitedEmbedder{inner: inner, limiter: newLimiter(perSecond, burst)}
}

func (r *RateLimitedEmbedder) Embed(ctx context.Context, req EmbedRequest) ([][]float32, ProviderInfo, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, ProviderInfo{}, err
	}
	return r.inner.Embed(ctx, req)
}

func newLimiter(perSecond float64, burst int) *rate.Limiter {
	if burst <= 0 {
		burst = 1
	}
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, burst)
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}
