package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lalithlochan/flota/internal/metrics"
)

const (
	// IdempotencyTTL is how long a completed response is replayed.
	IdempotencyTTL = 24 * time.Hour

	// inFlightTTL bounds a reservation whose request never completed.
	inFlightTTL = 2 * time.Minute

	inFlightMarker = "in-flight"
)

// ErrDuplicateRequest means another request with the same key is still running.
var ErrDuplicateRequest = errors.New("duplicate request: idempotency key in use")

// StoredResponse is the first response for an idempotency key.
type StoredResponse struct {
	StatusCode int             `json:"status_code"`
	Body       json.RawMessage `json:"body"`
	StoredAt   int64           `json:"stored_at"`
}

// Idempotency replays producer responses keyed by scope and the client's
// Idempotency-Key header.
type Idempotency struct {
	client *Client
	logger *zap.Logger
	ttl    time.Duration
}

func NewIdempotency(client *Client, logger *zap.Logger) *Idempotency {
	return &Idempotency{client: client, logger: logger, ttl: IdempotencyTTL}
}

func idempotencyKey(scope, key string) string {
	return "idem:" + scope + ":" + key
}

// Begin returns the stored response when the key already completed. When the
// key is new it is reserved and (nil, nil) is returned; the caller must then
// call Complete or Release. A reservation held by a running request yields
// ErrDuplicateRequest.
func (s *Idempotency) Begin(ctx context.Context, scope, key string) (*StoredResponse, error) {
	k := idempotencyKey(scope, key)

	reserved, err := s.client.rdb.SetNX(ctx, k, inFlightMarker, inFlightTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("reserve idempotency key: %w", err)
	}
	if reserved {
		return nil, nil
	}

	val, err := s.client.rdb.Get(ctx, k).Result()
	if errors.Is(err, redis.Nil) {
		// Expired between SETNX and GET; treat as a fresh attempt.
		return s.Begin(ctx, scope, key)
	}
	if err != nil {
		return nil, fmt.Errorf("read idempotency key: %w", err)
	}
	if val == inFlightMarker {
		return nil, ErrDuplicateRequest
	}

	var resp StoredResponse
	if err := json.Unmarshal([]byte(val), &resp); err != nil {
		return nil, fmt.Errorf("decode stored response: %w", err)
	}

	metrics.RecordIdempotencyHit()
	s.logger.Debug("idempotent replay", zap.String("scope", scope), zap.Int("status", resp.StatusCode))
	return &resp, nil
}

// Complete stores the response for replay.
func (s *Idempotency) Complete(ctx context.Context, scope, key string, status int, body []byte) error {
	data, err := json.Marshal(StoredResponse{
		StatusCode: status,
		Body:       json.RawMessage(body),
		StoredAt:   time.Now().Unix(),
	})
	if err != nil {
		return fmt.Errorf("encode stored response: %w", err)
	}
	if err := s.client.rdb.Set(ctx, idempotencyKey(scope, key), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("store idempotent response: %w", err)
	}
	return nil
}

// Release drops a reservation so the client may retry, used when the request
// failed with a server error.
func (s *Idempotency) Release(ctx context.Context, scope, key string) error {
	return s.client.rdb.Del(ctx, idempotencyKey(scope, key)).Err()
}
