package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisDirectory stores connection handles in Redis so every instance can
// answer presence queries. Each handle expires on its own, so a crashed
// instance's handles drop out even while other instances keep the key alive.
// Keys used:
// - <prefix>:conn:<userID>: sorted set of "<instanceID>/<handleID>" scored
//   by expiry in Unix milliseconds
type RedisDirectory struct {
	client     *redis.Client
	prefix     string
	instanceID string
	ttl        time.Duration
	now        func() time.Time
}

func NewRedisDirectory(client *redis.Client, prefix, instanceID string, ttl time.Duration) *RedisDirectory {
	if ttl <= 0 {
		ttl = 90 * time.Second
	}
	return &RedisDirectory{client: client, prefix: prefix, instanceID: instanceID, ttl: ttl, now: time.Now}
}

func (d *RedisDirectory) connKey(userID string) string {
	return fmt.Sprintf("%s:conn:%s", d.prefix, userID)
}

func (d *RedisDirectory) member(handleID string) string {
	return d.instanceID + "/" + handleID
}

// Add records the handle, or extends its expiry when already present.
func (d *RedisDirectory) Add(ctx context.Context, userID, handleID string) error {
	key := d.connKey(userID)
	expiry := d.now().Add(d.ttl).UnixMilli()
	pipe := d.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(expiry), Member: d.member(handleID)})
	pipe.Expire(ctx, key, d.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (d *RedisDirectory) Remove(ctx context.Context, userID, handleID string) error {
	return d.client.ZRem(ctx, d.connKey(userID), d.member(handleID)).Err()
}

// IsOnline drops expired handles and reports whether any remain.
func (d *RedisDirectory) IsOnline(ctx context.Context, userID string) (bool, error) {
	key := d.connKey(userID)
	now := strconv.FormatInt(d.now().UnixMilli(), 10)
	pipe := d.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", now)
	card := pipe.ZCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return card.Val() > 0, nil
}

// Delivery is an event addressed to a user, relayed between instances.
type Delivery struct {
	Origin  string          `json:"origin"`
	UserID  string          `json:"user_id"`
	Payload json.RawMessage `json:"payload"`
}

// RedisBus fans deliveries out to every relay instance over Redis pub/sub.
// Each instance only pushes to the handles it holds itself.
type RedisBus struct {
	client     *redis.Client
	channel    string
	instanceID string
	log        *zap.Logger
}

func NewRedisBus(client *redis.Client, prefix, instanceID string, log *zap.Logger) *RedisBus {
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisBus{
		client:     client,
		channel:    prefix + ":deliver",
		instanceID: instanceID,
		log:        log,
	}
}

func (b *RedisBus) InstanceID() string { return b.instanceID }

func (b *RedisBus) Publish(ctx context.Context, userID string, payload []byte) error {
	data, err := json.Marshal(Delivery{Origin: b.instanceID, UserID: userID, Payload: payload})
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel, data).Err()
}

// Subscribe blocks, calling deliver for every delivery published by another
// instance, until ctx is cancelled. ready, if non-nil, is closed once the
// subscription is active.
func (b *RedisBus) Subscribe(ctx context.Context, ready chan<- struct{}, deliver func(Delivery)) error {
	ps := b.client.Subscribe(ctx, b.channel)
	defer ps.Close()

	if _, err := ps.Receive(ctx); err != nil {
		return err
	}
	if ready != nil {
		close(ready)
	}

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var d Delivery
			if err := json.Unmarshal([]byte(msg.Payload), &d); err != nil {
				b.log.Warn("invalid delivery on bus", zap.Error(err))
				continue
			}
			if d.Origin == b.instanceID {
				continue
			}
			deliver(d)
		}
	}
}
