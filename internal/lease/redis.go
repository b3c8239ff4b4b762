package lease

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/terraform-plugin-log/tflog"
	"github.com/redis/go-redis/v9"
)

// RedisConfig configures a Redis lease.
type RedisConfig struct {
	Key string `mapstructure:"key"`
	// TTL bounds how long a crashed holder can block other instances.
	TTL time.Duration `mapstructure:"ttl"`
	// RefreshInterval is how often a held lease extends its TTL.
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
}

// DefaultRedisConfig returns the default Redis lease settings.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Key:             "adsync:sync:lease",
		TTL:             30 * time.Second,
		RefreshInterval: 10 * time.Second,
	}
}

// Redis is a Lease shared by every process using the same Redis key, so
// several daemon replicas still run one sync at a time.
type Redis struct {
	client *redis.Client
	config RedisConfig
}

// NewRedis returns a Redis lease on client.
func NewRedis(client *redis.Client, cfg RedisConfig) *Redis {
	def := DefaultRedisConfig()
	if cfg.Key == "" {
		cfg.Key = def.Key
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.RefreshInterval <= 0 || cfg.RefreshInterval >= cfg.TTL {
		cfg.RefreshInterval = cfg.TTL / 3
	}
	return &Redis{client: client, config: cfg}
}

// refreshScript extends the TTL only if the caller still owns the key.
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// releaseScript deletes the key only if the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

func (r *Redis) Acquire(ctx context.Context, holder string) (Handle, error) {
	value := holder + "|" + uuid.NewString()

	ok, err := r.client.SetNX(ctx, r.config.Key, value, r.config.TTL).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lease %s: %w", r.config.Key, err)
	}
	if !ok {
		current, err := r.client.Get(ctx, r.config.Key).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("read lease %s: %w", r.config.Key, err)
		}
		owner, _, _ := strings.Cut(current, "|")
		return nil, busy(owner)
	}

	h := &redisHandle{
		lease:  r,
		holder: holder,
		value:  value,
		done:   make(chan struct{}),
		stop:   make(chan struct{}),
	}
	h.wg.Go(func() { h.keepAlive(context.WithoutCancel(ctx)) })

	tflog.SubsystemDebug(ctx, "scheduler", "Acquired Redis lease", map[string]any{
		"key":    r.config.Key,
		"holder": holder,
	})
	return h, nil
}

type redisHandle struct {
	lease  *Redis
	holder string
	value  string

	once     sync.Once
	stopOnce sync.Once
	done     chan struct{}
	stop     chan struct{}
	wg       sync.WaitGroup
}

func (h *redisHandle) Holder() string        { return h.holder }
func (h *redisHandle) Done() <-chan struct{} { return h.done }

func (h *redisHandle) finish() {
	h.once.Do(func() { close(h.done) })
}

func (h *redisHandle) keepAlive(ctx context.Context) {
	ticker := time.NewTicker(h.lease.config.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			n, err := refreshScript.Run(ctx, h.lease.client, []string{h.lease.config.Key},
				h.value, h.lease.config.TTL.Milliseconds()).Int64()
			if err != nil {
				tflog.SubsystemWarn(ctx, "scheduler", "Failed to refresh Redis lease", map[string]any{
					"key":   h.lease.config.Key,
					"error": err.Error(),
				})
				continue
			}
			if n == 0 {
				tflog.SubsystemError(ctx, "scheduler", "Redis lease lost", map[string]any{
					"key":    h.lease.config.Key,
					"holder": h.holder,
				})
				h.finish()
				return
			}
		}
	}
}

func (h *redisHandle) Release(ctx context.Context) error {
	first := false
	h.stopOnce.Do(func() {
		close(h.stop)
		first = true
	})
	if !first {
		return nil
	}
	h.wg.Wait()

	var err error

	_, runErr := releaseScript.Run(ctx, h.lease.client, []string{h.lease.config.Key}, h.value).Int64()
	if runErr != nil {
		err = fmt.Errorf("release lease %s: %w", h.lease.config.Key, runErr)
	}
	h.finish()
	return err
}
