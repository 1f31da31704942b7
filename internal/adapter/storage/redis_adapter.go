package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"

	"github.com/rl1809/bundle-ledger/internal/core/domain"
	"github.com/rl1809/bundle-ledger/internal/port"
)

const (
	itemKeyPrefix        = "stockitem:"
	movementKeyPrefix    = "movements:"
	lockKeyPrefix        = "lock:stockitem:"
	idempotencyKeyPrefix = "idempotency:"
	itemSetKey           = "stockitems"

	lockRetryBackoff = 20 * time.Millisecond
)

var (
	ErrLockNotObtained = errors.New("could not obtain stock item lock")
	ErrLockExpired     = errors.New("stock item lock expired before commit")
)

// RedisAdapter stores items as hashes and movements as lists. Writes to one
// item are serialized with a redislock lock and applied in a MULTI/EXEC block
// fenced by WATCH.
type RedisAdapter struct {
	client         *redis.Client
	locker         *redislock.Client
	lockTTL        time.Duration
	idempotencyTTL time.Duration
}

func NewRedisAdapter(client *redis.Client, lockTTL, idempotencyTTL time.Duration) *RedisAdapter {
	return &RedisAdapter{
		client:         client,
		locker:         redislock.New(client),
		lockTTL:        lockTTL,
		idempotencyTTL: idempotencyTTL,
	}
}

type movementDoc struct {
	ID                 string                    `json:"id"`
	StockItemID        string                    `json:"stock_item_id"`
	QuantityChange     int                       `json:"quantity_change"`
	QuantityAfter      int                       `json:"quantity_after"`
	Kind               domain.MovementKind       `json:"kind"`
	Reason             string                    `json:"reason"`
	OrderID            *string                   `json:"order_id,omitempty"`
	ChangedBy          *string                   `json:"changed_by,omitempty"`
	DenominationDeltas map[domain.BundleSize]int `json:"denomination_deltas,omitempty"`
	CreatedAt          time.Time                 `json:"created_at"`
}

func (r *RedisAdapter) CreateItem(ctx context.Context, item domain.StockItem, opening *domain.MovementRecord) error {
	lock, err := r.obtain(ctx, item.ID)
	if err != nil {
		return err
	}
	defer lock.Release(context.WithoutCancel(ctx))

	exists, err := r.client.Exists(ctx, itemKeyPrefix+item.ID).Result()
	if err != nil {
		return fmt.Errorf("check stock item: %w", err)
	}
	if exists > 0 {
		return port.ErrItemExists
	}

	fields, err := itemFields(item)
	if err != nil {
		return err
	}
	var doc []byte
	if opening != nil {
		if doc, err = json.Marshal(movementDoc(*opening)); err != nil {
			return fmt.Errorf("encode movement: %w", err)
		}
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, itemKeyPrefix+item.ID, fields)
		pipe.SAdd(ctx, itemSetKey, item.ID)
		if doc != nil {
			pipe.RPush(ctx, movementKeyPrefix+item.ID, doc)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("create stock item: %w", err)
	}
	return nil
}

func (r *RedisAdapter) GetItem(ctx context.Context, itemID string) (*domain.StockItem, error) {
	values, err := r.client.HGetAll(ctx, itemKeyPrefix+itemID).Result()
	if err != nil {
		return nil, fmt.Errorf("get stock item: %w", err)
	}
	if len(values) == 0 {
		return nil, port.ErrItemNotFound
	}
	return parseItem(itemID, values)
}

// UpdateItem reads and writes the item under WATCH on both the item key and
// its lock key. If the lock lapsed and another writer took it, or touched the
// item, EXEC is aborted and ErrLockExpired is returned.
func (r *RedisAdapter) UpdateItem(ctx context.Context, itemID string, fn port.MutateFunc) (*domain.StockItem, error) {
	lock, err := r.obtain(ctx, itemID)
	if err != nil {
		return nil, err
	}
	defer lock.Release(context.WithoutCancel(ctx))

	key := itemKeyPrefix + itemID
	var result *domain.StockItem
	err = r.client.Watch(ctx, func(tx *redis.Tx) error {
		values, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("get stock item: %w", err)
		}
		if len(values) == 0 {
			return port.ErrItemNotFound
		}
		current, err := parseItem(itemID, values)
		if err != nil {
			return err
		}

		working := current.Clone()
		movement, err := fn(&working)
		if err != nil {
			return err
		}

		changed := !working.SameState(*current)
		if !changed && movement == nil {
			result = &working
			return nil
		}

		var fields map[string]any
		if changed {
			working.UpdatedAt = time.Now().UTC()
			if fields, err = itemFields(working); err != nil {
				return err
			}
		}
		var doc []byte
		if movement != nil {
			if doc, err = json.Marshal(movementDoc(*movement)); err != nil {
				return fmt.Errorf("encode movement: %w", err)
			}
		}

		// A lock that lapsed during fn may already be held by another writer.
		held, err := tx.Get(ctx, lock.Key()).Result()
		if errors.Is(err, redis.Nil) || (err == nil && held != lock.Token()+lock.Metadata()) {
			return ErrLockExpired
		}
		if err != nil {
			return fmt.Errorf("check lock: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if changed {
				pipe.HSet(ctx, key, fields)
				if working.Inventory == nil {
					pipe.HDel(ctx, key, "inventory")
				}
				if working.LowStockThreshold == nil {
					pipe.HDel(ctx, key, "threshold")
				}
			}
			if doc != nil {
				pipe.RPush(ctx, movementKeyPrefix+itemID, doc)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("update stock item: %w", err)
		}
		result = &working
		return nil
	}, key, lock.Key())
	if errors.Is(err, redis.TxFailedErr) {
		return nil, ErrLockExpired
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (r *RedisAdapter) ListThresholdItems(ctx context.Context) ([]domain.StockItem, error) {
	ids, err := r.client.SMembers(ctx, itemSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list stock items: %w", err)
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, itemKeyPrefix+id)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load stock items: %w", err)
	}

	var items []domain.StockItem
	for i, cmd := range cmds {
		values := cmd.Val()
		if len(values) == 0 {
			continue
		}
		item, err := parseItem(ids[i], values)
		if err != nil {
			return nil, err
		}
		if item.Tracked() && item.LowStockThreshold != nil {
			items = append(items, *item)
		}
	}
	return items, nil
}

func (r *RedisAdapter) ListMovements(ctx context.Context, itemID string) ([]domain.MovementRecord, error) {
	exists, err := r.client.Exists(ctx, itemKeyPrefix+itemID).Result()
	if err != nil {
		return nil, fmt.Errorf("check stock item: %w", err)
	}
	if exists == 0 {
		return nil, port.ErrItemNotFound
	}

	raw, err := r.client.LRange(ctx, movementKeyPrefix+itemID, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list movements: %w", err)
	}

	movements := make([]domain.MovementRecord, 0, len(raw))
	for _, entry := range raw {
		var doc movementDoc
		if err := json.Unmarshal([]byte(entry), &doc); err != nil {
			return nil, fmt.Errorf("decode movement: %w", err)
		}
		movements = append(movements, domain.MovementRecord(doc))
	}
	return movements, nil
}

func (r *RedisAdapter) SetIdempotency(ctx context.Context, key string) (bool, error) {
	ok, err := r.client.SetNX(ctx, idempotencyKeyPrefix+key, 1, r.idempotencyTTL).Result()
	if err != nil {
		return false, err
	}

	return ok, nil
}

func (r *RedisAdapter) ReleaseIdempotency(ctx context.Context, key string) error {
	return r.client.Del(ctx, idempotencyKeyPrefix+key).Err()
}

func (r *RedisAdapter) obtain(ctx context.Context, itemID string) (*redislock.Lock, error) {
	retries := int(r.lockTTL / lockRetryBackoff)
	lock, err := r.locker.Obtain(ctx, lockKeyPrefix+itemID, r.lockTTL, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(lockRetryBackoff), retries),
	})
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, fmt.Errorf("%w: %s", ErrLockNotObtained, itemID)
	}
	if err != nil {
		return nil, fmt.Errorf("obtain lock: %w", err)
	}
	return lock, nil
}

func itemFields(item domain.StockItem) (map[string]any, error) {
	fields := map[string]any{
		"track":      strconv.FormatBool(item.TrackInventory),
		"created_at": item.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updated_at": item.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if item.Inventory != nil {
		raw, err := json.Marshal(item.Inventory)
		if err != nil {
			return nil, fmt.Errorf("encode inventory: %w", err)
		}
		fields["inventory"] = string(raw)
	}
	if item.LowStockThreshold != nil {
		fields["threshold"] = strconv.Itoa(*item.LowStockThreshold)
	}
	return fields, nil
}

func parseItem(itemID string, values map[string]string) (*domain.StockItem, error) {
	item := domain.StockItem{ID: itemID}
	var err error
	if item.TrackInventory, err = strconv.ParseBool(values["track"]); err != nil {
		return nil, fmt.Errorf("decode track flag: %w", err)
	}
	if raw, ok := values["inventory"]; ok {
		item.Inventory = domain.Inventory{}
		if err := json.Unmarshal([]byte(raw), &item.Inventory); err != nil {
			return nil, fmt.Errorf("decode inventory: %w", err)
		}
	}
	if raw, ok := values["threshold"]; ok {
		t, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("decode threshold: %w", err)
		}
		item.LowStockThreshold = &t
	}
	if item.CreatedAt, err = time.Parse(time.RFC3339Nano, values["created_at"]); err != nil {
		return nil, fmt.Errorf("decode created_at: %w", err)
	}
	if item.UpdatedAt, err = time.Parse(time.RFC3339Nano, values["updated_at"]); err != nil {
		return nil, fmt.Errorf("decode updated_at: %w", err)
	}
	return &item, nil
}
