package redis

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrLockHeld is returned when another process holds the lock
var ErrLockHeld = errors.New("lock held by another process")

// ErrLockLost is returned when the key expired or was taken over
var ErrLockLost = errors.New("lock no longer owned")

// Lock is a single-owner distributed lock (SET NX PX + compare-and-delete).
// While held, the TTL is extended every ttl/3 until Release.
// ⭐ SSOT: 실행 잠금은 여기서만
type Lock struct {
	client *Client
	key    string
	ttl    time.Duration

	mu    sync.Mutex
	token string
	stop  chan struct{}
	done  chan struct{}
}

// NewLock creates a lock on prefix:lock:name
func NewLock(client *Client, prefix, name string, ttl time.Duration) *Lock {
	return &Lock{
		client: client,
		key:    fmt.Sprintf("%s:lock:%s", prefix, name),
		ttl:    ttl,
	}
}

// Acquire takes the lock or returns ErrLockHeld. Always succeeds when Redis
// is disabled.
func (l *Lock) Acquire(ctx context.Context) error {
	if !l.client.Enabled() {
		return nil
	}

	token, err := newToken()
	if err != nil {
		return err
	}

	ok, err := l.client.Redis().SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("lock acquire failed: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrLockHeld, l.key)
	}

	l.mu.Lock()
	l.token = token
	l.stop = make(chan struct{})
	l.done = make(chan struct{})
	go l.keepAlive(token, l.stop, l.done)
	l.mu.Unlock()
	return nil
}

// extendScript resets the TTL only if the key still holds our token
var extendScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('PEXPIRE', KEYS[1], ARGV[2])
	end
	return 0
`)

// Extend resets the TTL of a held lock. Returns ErrLockLost when the key
// no longer carries this Lock's token.
func (l *Lock) Extend(ctx context.Context) error {
	if !l.client.Enabled() {
		return nil
	}
	l.mu.Lock()
	token := l.token
	l.mu.Unlock()
	if token == "" {
		return ErrLockLost
	}
	return l.extend(ctx, token)
}

func (l *Lock) extend(ctx context.Context, token string) error {
	n, err := extendScript.Run(ctx, l.client.Redis(), []string{l.key}, token, l.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("lock extend failed: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrLockLost, l.key)
	}
	return nil
}

func (l *Lock) keepAlive(token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	interval := l.ttl / 3
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			err := l.extend(ctx, token)
			cancel()
			if errors.Is(err, ErrLockLost) {
				return
			}
		}
	}
}

// releaseScript deletes the key only if it still holds our token
var releaseScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`)

// Release frees the lock if this Lock still owns it
func (l *Lock) Release(ctx context.Context) error {
	if !l.client.Enabled() {
		return nil
	}

	l.mu.Lock()
	token, stop, done := l.token, l.stop, l.done
	l.token, l.stop, l.done = "", nil, nil
	l.mu.Unlock()
	if token == "" {
		return nil
	}

	close(stop)
	<-done
	if err := releaseScript.Run(ctx, l.client.Redis(), []string{l.key}, token).Err(); err != nil {
		return fmt.Errorf("lock release failed: %w", err)
	}
	return nil
}

func newToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("lock token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
