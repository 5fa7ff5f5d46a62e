package auth

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/zeebo/blake3"

	"meshtrust/pkg/store"
)

// ReplayGuard rejects timestamped requests that are outside the skew
// window or whose signature was already seen.
type ReplayGuard struct {
	claims store.Claims
	skew   time.Duration
	ttl    time.Duration
	now    func() time.Time
}

// NewReplayGuard remembers signatures for ttl, which must cover twice the
// skew for a replay to always be caught.
func NewReplayGuard(claims store.Claims, skew, ttl time.Duration) *ReplayGuard {
	return &ReplayGuard{claims: claims, skew: skew, ttl: max(ttl, 2*skew), now: time.Now}
}

// Check claims signature. timestamp is unix seconds. Stale or replayed
// requests return ErrPermissionDenied; a claim store failure is returned
// as is.
func (g *ReplayGuard) Check(ctx context.Context, timestamp uint64, signature []byte) error {
	drift := g.now().Sub(time.Unix(int64(timestamp), 0))
	if drift > g.skew || drift < -g.skew {
		return fmt.Errorf("%w: request timestamp outside window", ErrPermissionDenied)
	}
	ok, err := g.claims.Claim(ctx, claimKey(signature), g.ttl)
	if err != nil {
		return fmt.Errorf("claim request: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: replayed request", ErrPermissionDenied)
	}
	return nil
}

// Release forgets signature so the same request can be retried after the
// action it authorized failed.
func (g *ReplayGuard) Release(ctx context.Context, signature []byte) error {
	return g.claims.Release(ctx, claimKey(signature))
}

func claimKey(signature []byte) string {
	digest := blake3.Sum256(signature)
	return hex.EncodeToString(digest[:])
}
