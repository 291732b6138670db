package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/deepsearch/config"
)

// ErrLocked is returned when another writer holds the session.
var ErrLocked = errors.New("session is locked by another writer")

// Locker grants exclusive write access to one session.
type Locker interface {
	Lock(ctx context.Context, sessionID string) (unlock func(), err error)
}

// LocalLocker serialises writers inside one process.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]bool)}
}

func (l *LocalLocker) Lock(ctx context.Context, sessionID string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[sessionID] {
		return nil, ErrLocked
	}
	l.held[sessionID] = true
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, sessionID)
			l.mu.Unlock()
		})
	}, nil
}

// RedisLocker holds a SetNX lease per session so several processes can
// share one store without interleaving writes.
type RedisLocker struct {
	rdb    *redis.Client
	ttl    time.Duration
	prefix string
}

func NewRedisLocker(rdb *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 45 * time.Minute
	}
	return &RedisLocker{rdb: rdb, ttl: ttl, prefix: "deepsearch:lock:"}
}

// releaseScript deletes the key only if it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func (l *RedisLocker) Lock(ctx context.Context, sessionID string) (func(), error) {
	key := l.prefix + sessionID
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLocked
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = releaseScript.Run(rctx, l.rdb, []string{key}, token).Err()
		})
	}, nil
}

// NewRedisClient builds a go-redis client from config.
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Addr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})
}

// NewLocker builds the locker selected by cfg.Backend. rdb may be nil for
// the local backend.
func NewLocker(cfg config.LockingConfig, rdb *redis.Client) (Locker, error) {
	switch cfg.Backend {
	case "", "local":
		return NewLocalLocker(), nil
	case "redis":
		if rdb == nil {
			return nil, errors.New("redis locking requires a redis client")
		}
		return NewRedisLocker(rdb, cfg.TTL), nil
	}
	return nil, errors.New("unsupported locking backend " + cfg.Backend)
}
