package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/charforge-backend/pkg/redis"
)

// Tracker remembers which outbox rows a relay already handed to the broker.
// Keys follow the `cf:idempotency:evt:published:<relay>:<outbox_id>` pattern.
// A marker survives the relay's transaction, so a row that is fetched again
// after a rollback is acknowledged without a second publish.
type Tracker struct {
	store redis.IdempotencyStore
	relay string
	ttl   time.Duration
}

// NewTracker builds a tracker for the named relay. A zero ttl keeps markers forever.
func NewTracker(store redis.IdempotencyStore, relay string, ttl time.Duration) (*Tracker, error) {
	if store == nil {
		return nil, errors.New("idempotency store is required")
	}
	if relay == "" {
		return nil, errors.New("relay name is required")
	}
	if ttl < 0 {
		return nil, errors.New("ttl must be non-negative")
	}
	return &Tracker{store: store, relay: relay, ttl: ttl}, nil
}

// Claim reserves the row for publishing. It returns false when an earlier
// attempt already published it.
func (t *Tracker) Claim(ctx context.Context, outboxID uuid.UUID) (bool, error) {
	key, err := t.key(outboxID)
	if err != nil {
		return false, err
	}
	return t.store.SetNX(ctx, key, "1", t.ttl)
}

// Release drops the marker so a failed publish can be retried.
func (t *Tracker) Release(ctx context.Context, outboxID uuid.UUID) error {
	key, err := t.key(outboxID)
	if err != nil {
		return err
	}
	return t.store.Del(ctx, key)
}

func (t *Tracker) key(outboxID uuid.UUID) (string, error) {
	if outboxID == uuid.Nil {
		return "", errors.New("outbox id is required")
	}
	return t.store.IdempotencyKey(fmt.Sprintf("evt:published:%s", t.relay), outboxID.String()), nil
}
