package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"boliganalyse/internal/domain"
)

// KeyPool manages a pool of API keys with round-robin rotation and cooldown support.
// A key that receives a rate-limit response is skipped until its cooldown expires.
// KeyPool is safe for concurrent use.
type KeyPool struct {
	keys        []string
	mu          sync.Mutex
	nextIdx     int
	cooldowns   []time.Time // parallel to keys; zero value means no cooldown
	cooldownDur time.Duration
	nowFunc     func() time.Time
}

// NewKeyPool creates a KeyPool from the given keys with the specified cooldown duration.
func NewKeyPool(keys []string, cooldownDur time.Duration) (*KeyPool, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("keypool: at least one key is required")
	}
	return &KeyPool{
		keys:        keys,
		cooldowns:   make([]time.Time, len(keys)),
		cooldownDur: cooldownDur,
		nowFunc:     time.Now,
	}, nil
}

// Next returns the index of the next key not in cooldown, or -1 if every key is cooling down.
func (kp *KeyPool) Next() int {
	kp.mu.Lock()
	defer kp.mu.Unlock()

	now := kp.nowFunc()
	n := len(kp.keys)
	for i := 0; i < n; i++ {
		idx := (kp.nextIdx + i) % n
		if kp.cooldowns[idx].IsZero() || now.After(kp.cooldowns[idx]) {
			kp.nextIdx = (idx + 1) % n
			return idx
		}
	}
	return -1
}

// MarkCooldown puts the key at idx into cooldown. Out-of-range indices are ignored.
func (kp *KeyPool) MarkCooldown(idx int) {
	kp.mu.Lock()
	defer kp.mu.Unlock()
	if idx < 0 || idx >= len(kp.keys) {
		return
	}
	kp.cooldowns[idx] = kp.nowFunc().Add(kp.cooldownDur)
}

func (kp *KeyPool) Len() int { return len(kp.keys) }

// =============================================================================
// KeyPoolClient (ReasoningClient decorator)
// =============================================================================

// KeyPoolClient rotates between one client per API key. A rate-limited key is
// put into cooldown and the request is repeated once with the next key.
type KeyPoolClient struct {
	pool    *KeyPool
	clients []domain.ReasoningClient
}

// NewKeyPoolClient pairs pool with clients; their lengths must match.
func NewKeyPoolClient(pool *KeyPool, clients []domain.ReasoningClient) (*KeyPoolClient, error) {
	if pool == nil {
		return nil, fmt.Errorf("keypool client: pool must not be nil")
	}
	if pool.Len() != len(clients) {
		return nil, fmt.Errorf("keypool client: pool size (%d) must match clients count (%d)", pool.Len(), len(clients))
	}
	return &KeyPoolClient{pool: pool, clients: clients}, nil
}

// Complete implements domain.ReasoningClient.
func (k *KeyPoolClient) Complete(ctx context.Context, req domain.ReasoningRequest) (*domain.ModelOutput, error) {
	idx := k.pool.Next()
	if idx < 0 {
		return nil, allKeysCoolingDown(k.pool.Len())
	}
	out, err := k.clients[idx].Complete(ctx, req)
	var apiErr *APIError
	if err == nil || !errors.As(err, &apiErr) || !apiErr.RateLimited() {
		return out, err
	}
	k.pool.MarkCooldown(idx)
	next := k.pool.Next()
	if next < 0 {
		return nil, err
	}
	return k.clients[next].Complete(ctx, req)
}

// allKeysCoolingDown is reported as a rate limit so the retry layer backs off.
func allKeysCoolingDown(n int) error {
	return &APIError{
		Provider:   "keypool",
		StatusCode: http.StatusTooManyRequests,
		Message:    fmt.Sprintf("all %d keys are in cooldown", n),
	}
}

var _ domain.ReasoningClient = (*KeyPoolClient)(nil)
