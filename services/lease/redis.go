// Package leasesvc provides the lease shared by the dispatchers of several API instances.
package leasesvc

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/trezcool/rollcall/core"
	"github.com/trezcool/rollcall/core/notify"
)

const sweepLeaseKey = "rollcall:notify:sweep-lease"

// releaseScript only deletes the key while it still holds the caller's token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type redisLease struct {
	client redis.UniversalClient
	key    string
}

var _ notify.Lease = (*redisLease)(nil)

func NewRedisLease(client redis.UniversalClient, key ...string) *redisLease {
	k := sweepLeaseKey
	if len(key) > 0 && key[0] != "" {
		k = key[0]
	}
	return &redisLease{client: client, key: k}
}

// NewRedisClient connects to the configured redis server and checks it answers.
func NewRedisClient(ctx context.Context, conf *core.Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     conf.Notify.RedisAddress,
		Password: conf.Notify.RedisPassword,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "pinging redis")
	}
	return client, nil
}

func (l *redisLease) TryAcquire(ctx context.Context, ttl time.Duration) (string, bool, error) {
	token := uuid.New().String()
	ok, err := l.client.SetNX(ctx, l.key, token, ttl).Result()
	if err != nil {
		return "", false, errors.Wrap(err, "setting lease key")
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

func (l *redisLease) Release(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, token).Err(); err != nil && err != redis.Nil {
		return errors.Wrap(err, "releasing lease key")
	}
	return nil
}
