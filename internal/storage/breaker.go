package storage

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
)

// Breaker fails fast once the wrapped backend keeps failing, so a storage
// outage turns into quick job failures instead of stacked timeouts.
type Breaker struct {
	next ObjectStorage
	cb   *gobreaker.CircuitBreaker
}

// NewBreaker trips after consecutive failures and probes again after timeout.
func NewBreaker(next ObjectStorage, failures uint32, timeout time.Duration) *Breaker {
	if failures == 0 {
		failures = 5
	}
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Breaker{
		next: next,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "object-storage",
			Timeout: timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= failures
			},
			IsSuccessful: func(err error) bool {
				// A missing object says nothing about backend health.
				return err == nil || errors.Is(err, ErrNotFound)
			},
		}),
	}
}

// State is reported by the API health check.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

func (b *Breaker) Put(ctx context.Context, path string, body []byte, contentType string, acl ACL) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.next.Put(ctx, path, body, contentType, acl)
	})
	return err
}

func (b *Breaker) Delete(ctx context.Context, path string) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.next.Delete(ctx, path)
	})
	return err
}

func (b *Breaker) Presign(ctx context.Context, path string, ttl time.Duration) (string, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Presign(ctx, path, ttl)
	})
	if err != nil {
		return "", err
	}
	return out.(string), nil
}

func (b *Breaker) SetACL(ctx context.Context, path string, acl ACL) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.next.SetACL(ctx, path, acl)
	})
	return err
}
