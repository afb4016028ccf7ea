package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mossy-p/blink-signaling/config"
	"github.com/mossy-p/blink-signaling/internal/store"
	"github.com/redis/go-redis/v9"
)

// Client is a store.Store backed by Redis. Every document is a hash whose
// fields hold JSON values; every write publishes on the document's change
// channel so watchers can re-read it.
type Client struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

var _ store.Store = (*Client)(nil)

// Connect initializes the Redis client
func Connect(ctx context.Context, cfg config.RedisConfig) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Test connection
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return New(rdb, cfg.KeyPrefix, cfg.TTL), nil
}

// New wraps an existing go-redis client. A zero ttl disables expiry.
func New(rdb *redis.Client, prefix string, ttl time.Duration) *Client {
	return &Client{rdb: rdb, prefix: prefix, ttl: ttl}
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Redis exposes the underlying client for components that need native
// commands, such as presence tracking.
func (c *Client) Redis() *redis.Client {
	return c.rdb
}

// Prefix returns the key prefix shared by all documents.
func (c *Client) Prefix() string {
	return c.prefix
}

func (c *Client) key(path string) string {
	return c.prefix + path
}

func (c *Client) channel(path string) string {
	return c.prefix + "changes:" + path
}

// Get implements store.Store.
func (c *Client) Get(ctx context.Context, path string) (store.Snapshot, error) {
	return c.read(ctx, c.rdb, path)
}

// hashReader is the part of redis.Client and redis.Tx that reads documents.
type hashReader interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

func (c *Client) read(ctx context.Context, cmd hashReader, path string) (store.Snapshot, error) {
	fields, err := cmd.HGetAll(ctx, c.key(path)).Result()
	if err != nil {
		return store.Snapshot{}, mapErr(err)
	}
	if len(fields) == 0 {
		return store.Snapshot{Path: path}, nil
	}
	doc := make(store.Document, len(fields))
	for k, v := range fields {
		doc[k] = []byte(v)
	}
	return store.Snapshot{Path: path, Exists: true, Data: doc}, nil
}

// queueSet, queueMerge and queueDelete append the commands of one write to a
// MULTI block, including the change notification.
func (c *Client) queueSet(ctx context.Context, pipe redis.Pipeliner, path string, doc store.Document) {
	pipe.Del(ctx, c.key(path))
	c.queueMerge(ctx, pipe, path, doc)
}

func (c *Client) queueMerge(ctx context.Context, pipe redis.Pipeliner, path string, doc store.Document) {
	if len(doc) > 0 {
		values := make(map[string]interface{}, len(doc))
		for k, v := range doc {
			values[k] = string(v)
		}
		pipe.HSet(ctx, c.key(path), values)
		if c.ttl > 0 {
			pipe.Expire(ctx, c.key(path), c.ttl)
		}
	}
	pipe.Publish(ctx, c.channel(path), "set")
}

func (c *Client) queueDelete(ctx context.Context, pipe redis.Pipeliner, path string) {
	pipe.Del(ctx, c.key(path))
	pipe.Publish(ctx, c.channel(path), "delete")
}

// Set implements store.Store.
func (c *Client) Set(ctx context.Context, path string, doc store.Document) error {
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		c.queueSet(ctx, pipe, path, doc)
		return nil
	})
	return mapErr(err)
}

// Merge implements store.Store.
func (c *Client) Merge(ctx context.Context, path string, doc store.Document) error {
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		c.queueMerge(ctx, pipe, path, doc)
		return nil
	})
	return mapErr(err)
}

// Update implements store.Store.
func (c *Client) Update(ctx context.Context, path string, doc store.Document) error {
	key := c.key(path)
	err := c.rdb.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%s: %w", path, store.ErrNotFound)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			c.queueMerge(ctx, pipe, path, doc)
			return nil
		})
		return err
	}, key)
	return mapErr(err)
}

// Delete implements store.Store.
func (c *Client) Delete(ctx context.Context, path string) error {
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		c.queueDelete(ctx, pipe, path)
		return nil
	})
	return mapErr(err)
}

// RunTransaction implements store.Store with WATCH/MULTI/EXEC on the keys of
// paths. Losing the race surfaces as store.ErrConflict.
func (c *Client) RunTransaction(ctx context.Context, fn store.TxFunc, paths ...string) error {
	keys := make([]string, len(paths))
	for i, p := range paths {
		keys[i] = c.key(p)
	}

	var fnErr error
	err := c.rdb.Watch(ctx, func(tx *redis.Tx) error {
		rtx := &redisTx{client: c, tx: tx}
		if fnErr = fn(ctx, rtx); fnErr != nil {
			return fnErr
		}
		if len(rtx.ops) == 0 {
			return nil
		}
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, op := range rtx.ops {
				if op.delete {
					c.queueDelete(ctx, pipe, op.path)
				} else {
					c.queueSet(ctx, pipe, op.path, op.doc)
				}
			}
			return nil
		})
		return err
	}, keys...)
	if fnErr != nil {
		return fnErr
	}
	return mapErr(err)
}

// Watch implements store.Store on top of pub/sub. The subscription is
// confirmed before the first read so no change between the two is missed.
func (c *Client) Watch(ctx context.Context, path string, fn store.WatchFunc) (store.Subscription, error) {
	ps := c.rdb.Subscribe(ctx, c.channel(path))
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, mapErr(err)
	}

	read := func(ctx context.Context) (store.Snapshot, error) {
		return c.read(ctx, c.rdb, path)
	}
	stop := func() { ps.Close() }
	return store.StartFeed(ctx, read, ps.Channel(), fn, stop), nil
}

type txOp struct {
	path   string
	doc    store.Document
	delete bool
}

type redisTx struct {
	client *Client
	tx     *redis.Tx
	ops    []txOp
}

func (t *redisTx) Get(ctx context.Context, path string) (store.Snapshot, error) {
	return t.client.read(ctx, t.tx, path)
}

func (t *redisTx) Set(path string, doc store.Document) {
	t.ops = append(t.ops, txOp{path: path, doc: doc})
}

func (t *redisTx) Delete(path string) {
	t.ops = append(t.ops, txOp{path: path, delete: true})
}

// mapErr translates go-redis failures into the store taxonomy. Errors that
// already carry a store sentinel pass through.
func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrUnavailable):
		return err
	case errors.Is(err, redis.TxFailedErr):
		return fmt.Errorf("%w: %v", store.ErrConflict, err)
	default:
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
}
