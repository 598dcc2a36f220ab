package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix = "generation:status:"

	// scanBatch bounds each SCAN iteration so listing never blocks the store
	// proportional to total key count.
	scanBatch = 200
)

// claimQueuedScript atomically takes over a queued record: decode, check
// status, set processing/processor, write back with a fresh TTL. Running it
// server-side closes the read-then-overwrite window between two claimers.
// A payload cjson cannot decode is deleted, mirroring Read's self-heal.
var claimQueuedScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then
  return 0
end
local ok, rec = pcall(cjson.decode, raw)
if not ok then
  redis.call('DEL', KEYS[1])
  return 0
end
if rec['status'] ~= 'queued' then
  return 0
end
rec['status'] = 'processing'
rec['processor'] = ARGV[1]
rec['updatedAt'] = ARGV[2]
redis.call('SET', KEYS[1], cjson.encode(rec), 'EX', tonumber(ARGV[3]))
return 1
`)

// RedisStore is the production Store. Records live as JSON values with a TTL
// used both for bounded retention and as the implicit dead-job timeout.
type RedisStore struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisStore wraps an already-connected client. A non-positive ttl falls
// back to DefaultTTL.
func NewRedisStore(rdb *redis.Client, ttl time.Duration, logger *slog.Logger) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{rdb: rdb, ttl: ttl, logger: logger}
}

func (s *RedisStore) key(requestID string) string {
	return keyPrefix + requestID
}

func (s *RedisStore) Create(ctx context.Context, requestID string, rec *Record) (bool, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("marshal status record: %w", err)
	}

	created, err := s.rdb.SetNX(ctx, s.key(requestID), raw, s.ttl).Result()
	if err != nil {
		// Fail open: a status-store outage must not deadlock generation.
		s.logger.Warn("Status store unreachable on create, failing open",
			slog.String("request_id", requestID),
			slog.Any("error", err),
		)
		return true, nil
	}
	return created, nil
}

func (s *RedisStore) Read(ctx context.Context, requestID string) (*Record, error) {
	raw, err := s.rdb.Get(ctx, s.key(requestID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.logger.Warn("Status store read failed, treating as not found",
				slog.String("request_id", requestID),
				slog.Any("error", err),
			)
		}
		return nil, ErrNotFound
	}

	rec, ok := s.decode(ctx, requestID, raw)
	if !ok {
		return nil, ErrNotFound
	}
	return rec, nil
}

func (s *RedisStore) Write(ctx context.Context, requestID string, upd Update) (*Record, error) {
	now := time.Now().UTC()

	rec, err := s.Read(ctx, requestID)
	if err != nil {
		rec = materialize(requestID, upd, now)
	} else {
		rec.Apply(upd, now)
	}

	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal status record: %w", err)
	}
	if err := s.rdb.Set(ctx, s.key(requestID), raw, s.ttl).Err(); err != nil {
		return nil, fmt.Errorf("write status record %s: %w", requestID, err)
	}
	return rec, nil
}

func (s *RedisStore) Delete(ctx context.Context, requestID string) error {
	if err := s.rdb.Del(ctx, s.key(requestID)).Err(); err != nil {
		return fmt.Errorf("delete status record %s: %w", requestID, err)
	}
	return nil
}

func (s *RedisStore) ListActive(ctx context.Context) ([]*Record, error) {
	var (
		records []*Record
		cursor  uint64
	)

	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, keyPrefix+"*", scanBatch).Result()
		if err != nil {
			return nil, fmt.Errorf("scan status records: %w", err)
		}

		if len(keys) > 0 {
			values, err := s.rdb.MGet(ctx, keys...).Result()
			if err != nil {
				return nil, fmt.Errorf("fetch status records: %w", err)
			}
			for i, v := range values {
				str, ok := v.(string)
				if !ok {
					continue // expired between SCAN and MGET
				}
				requestID := keys[i][len(keyPrefix):]
				if rec, ok := s.decode(ctx, requestID, []byte(str)); ok {
					records = append(records, rec)
				}
			}
		}

		cursor = next
		if cursor == 0 {
			return records, nil
		}
	}
}

func (s *RedisStore) ClaimQueued(ctx context.Context, requestID, processor string) (bool, error) {
	res, err := claimQueuedScript.Run(ctx, s.rdb,
		[]string{s.key(requestID)},
		processor,
		time.Now().UTC().Format(time.RFC3339Nano),
		int(s.ttl.Seconds()),
	).Int()
	if err != nil {
		// Same availability tradeoff as Create: a store outage during a claim
		// attempt must not stall the job.
		s.logger.Warn("Status store unreachable on claim, failing open",
			slog.String("request_id", requestID),
			slog.String("processor", processor),
			slog.Any("error", err),
		)
		return true, nil
	}
	return res == 1, nil
}

// decode unmarshals a stored payload, deleting the key when it is corrupt.
func (s *RedisStore) decode(ctx context.Context, requestID string, raw []byte) (*Record, bool) {
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil || !rec.Status.Valid() {
		s.logger.Warn("Corrupt status record, deleting",
			slog.String("request_id", requestID),
			slog.Any("error", err),
		)
		if delErr := s.rdb.Del(ctx, s.key(requestID)).Err(); delErr != nil {
			s.logger.Warn("Failed to delete corrupt status record",
				slog.String("request_id", requestID),
				slog.Any("error", delErr),
			)
		}
		return nil, false
	}
	return &rec, true
}
