package providers

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// failoverState tracks providers that are cooling down after quota or repeated errors.
type failoverState struct {
	mu            sync.Mutex
	disabledUntil map[int]time.Time
	now           func() time.Time
	sleep         func(context.Context, time.Duration) error
}

func newFailoverState() *failoverState {
	return &failoverState{
		disabledUntil: map[int]time.Time{},
		now:           time.Now,
		sleep: func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		},
	}
}

func (s *failoverState) disabled(idx int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	until, ok := s.disabledUntil[idx]
	return ok && s.now().Before(until)
}

func (s *failoverState) disable(idx int, d time.Duration) {
	s.mu.Lock()
	s.disabledUntil[idx] = s.now().Add(d)
	s.mu.Unlock()
}

// callWithFailover walks providers in order. Quota errors bench a provider for cooldown,
// rate and transient errors get two short retries, context errors abort immediately.
func callWithFailover[T any](ctx context.Context, st *failoverState, order []int, cooldown time.Duration, call func(idx int) (T, error)) (T, error) {
	var zero T
	var lastErr error
	retries := map[int]int{}
	for pass := 0; pass < 4; pass++ {
		progressed := false
		for i := 0; i < len(order); i++ {
			idx := order[i]
			if st.disabled(idx) {
				continue
			}
			progressed = true
			out, err := call(idx)
			if err == nil {
				return out, nil
			}
			lastErr = err
			if ctx.Err() != nil {
				return zero, ctx.Err()
			}
			retries[idx]++
			switch ClassifyError(err) {
			case ErrorQuota:
				st.disable(idx, cooldown)
			case ErrorRate:
				if retries[idx] <= 2 {
					if serr := st.sleep(ctx, time.Duration(retries[idx]*2)*time.Second); serr != nil {
						return zero, serr
					}
					i--
				} else {
					st.disable(idx, 2*time.Minute)
				}
			case ErrorTransient:
				if retries[idx] <= 2 {
					if serr := st.sleep(ctx, time.Duration(retries[idx])*time.Second); serr != nil {
						return zero, serr
					}
					i--
				}
			case ErrorContext:
				return zero, Sentinel(err)
			default:
				st.disable(idx, time.Minute)
			}
		}
		if !progressed {
			break
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("all providers are cooling down")
	}
	return zero, Sentinel(lastErr)
}

// FailoverLLM presents the manager's LLM providers as one provider.
type FailoverLLM struct {
	m        *Manager
	state    *failoverState
	cooldown time.Duration
}

func (f *FailoverLLM) Generate(ctx context.Context, req GenerateRequest) (GenerateResponse, ProviderInfo, error) {
	type result struct {
		resp GenerateResponse
		info ProviderInfo
	}
	out, err := callWithFailover(ctx, f.state, f.m.PreferredLLMOrder(), f.cooldown, func(idx int) (result, error) {
		p, _ := f.m.LLMProviderByIndex(idx)
		resp, info, err := p.Generate(ctx, req)
		return result{resp: resp, info: info}, err
	})
	return out.resp, out.info, err
}

// FailoverEmbedder presents the manager's embedding providers as one provider.
type FailoverEmbedder struct {
	m        *Manager
	state    *failoverState
	cooldown time.Duration
}

func (f *FailoverEmbedder) Embed(ctx context.Context, req EmbedRequest) ([][]float32, ProviderInfo, error) {
	type result struct {
		vecs [][]float32
		info ProviderInfo
	}
	out, err := callWithFailover(ctx, f.state, f.m.PreferredEmbedOrder(), f.cooldown, func(idx int) (result, error) {
		p, _ := f.m.EmbedProviderByIndex(idx)
		vecs, info, err := p.Embed(ctx, req)
		return result{vecs: vecs, info: info}, err
	})
	return out.vecs, out.info, err
}
