package coauthoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "docsync:editing:"

// RedisRegistry shares the editing set between server instances. Every file
// is one hash keyed by principal. Add and Remove are single atomic commands;
// Update is an optimistic WATCH/MULTI transaction retried on conflict, so
// read-modify-write sequences from different instances never interleave.
// The hash expires ttl after the last addition, bounding abandoned entries.
type RedisRegistry struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
}

// NewRedisRegistry creates a registry on top of client.
func NewRedisRegistry(client *redis.Client, ttl time.Duration) *RedisRegistry {
	return &RedisRegistry{client: client, ttl: ttl, now: time.Now}
}

type redisEntry struct {
	Alone  bool      `json:"alone"`
	SeenAt time.Time `json:"seenAt"`
}

func redisKey(fileID string) string {
	return redisKeyPrefix + fileID
}

// Add records principal as editing fileID and extends the file's lifetime.
func (r *RedisRegistry) Add(ctx context.Context, fileID, principal string, alone bool) error {
	data, err := json.Marshal(redisEntry{Alone: alone, SeenAt: r.now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal editor: %w", err)
	}
	key := redisKey(fileID)
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, principal, data)
		if r.ttl > 0 {
			pipe.Expire(ctx, key, r.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("add editor: %w", err)
	}
	return nil
}

// Remove drops principals, or the whole file when none are given.
func (r *RedisRegistry) Remove(ctx context.Context, fileID string, principals ...string) error {
	key := redisKey(fileID)
	var err error
	if len(principals) == 0 {
		err = r.client.Del(ctx, key).Err()
	} else {
		err = r.client.HDel(ctx, key, principals...).Err()
	}
	if err != nil {
		return fmt.Errorf("remove editors: %w", err)
	}
	return nil
}

// List returns the editors of fileID ordered by principal.
func (r *RedisRegistry) List(ctx context.Context, fileID string) ([]Editor, error) {
	fields, err := r.client.HGetAll(ctx, redisKey(fileID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list editors: %w", err)
	}
	return decodeEditors(fields)
}

func decodeEditors(fields map[string]string) ([]Editor, error) {
	out := make([]Editor, 0, len(fields))
	for principal, raw := range fields {
		var entry redisEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			return nil, fmt.Errorf("decode editor %s: %w", principal, err)
		}
		out = append(out, Editor{Principal: principal, Alone: entry.Alone, SeenAt: entry.SeenAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Principal < out[j].Principal })
	return out, nil
}

// IsEditingAlone reports whether one non-co-authoring principal holds fileID.
func (r *RedisRegistry) IsEditingAlone(ctx context.Context, fileID string) (bool, error) {
	editors, err := r.List(ctx, fileID)
	if err != nil {
		return false, err
	}
	return EditingAlone(editors), nil
}

const maxUpdateAttempts = 16

var errUpdateContended = errors.New("editing set kept changing during update")

// Update runs decide against the current hash under WATCH and applies its
// change in MULTI. A concurrent write to the hash aborts the transaction and
// the whole read-decide-apply cycle is retried.
func (r *RedisRegistry) Update(ctx context.Context, fileID string, decide func([]Editor) (Change, error)) error {
	key := redisKey(fileID)
	var decideErr error
	txf := func(tx *redis.Tx) error {
		fields, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		current, err := decodeEditors(fields)
		if err != nil {
			return err
		}
		change, err := decide(current)
		if err != nil {
			decideErr = err
			return err
		}
		if change.Empty() {
			return nil
		}
		now := r.now().UTC()
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if len(change.Remove) > 0 {
				pipe.HDel(ctx, key, change.Remove...)
			}
			for _, e := range change.Add {
				data, err := json.Marshal(redisEntry{Alone: e.Alone, SeenAt: now})
				if err != nil {
					return fmt.Errorf("marshal editor: %w", err)
				}
				pipe.HSet(ctx, key, e.Principal, data)
			}
			if len(change.Add) > 0 && r.ttl > 0 {
				pipe.Expire(ctx, key, r.ttl)
			}
			return nil
		})
		return err
	}
	for range maxUpdateAttempts {
		decideErr = nil
		err := r.client.Watch(ctx, txf, key)
		switch {
		case err == nil:
			return nil
		case decideErr != nil:
			return decideErr
		case errors.Is(err, redis.TxFailedErr):
			continue
		default:
			return fmt.Errorf("update editors: %w", err)
		}
	}
	return errUpdateContended
}
