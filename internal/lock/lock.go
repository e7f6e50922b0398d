// Package lock provides the per-conversation mutual exclusion used by the
// orchestrator around every start, resume and timer callback.
package lock

import (
	"context"
	"strings"
	"time"

	"github.com/rendis/convo/internal/store"
)

// Mutex is a TTL-bounded exclusive lock keyed by string. TryAcquire never
// blocks and hands out an owner token for each acquisition. Extend and
// Release act only while the key still holds that token, so a holder whose
// TTL lapsed cannot touch the lock of the next owner.
type Mutex interface {
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, token string) error
}

var keyEscaper = strings.NewReplacer(`\`, `\\`, `:`, `\:`)

// ConversationKey builds the lock key for a conversation: tenant:channel:contact.
// Colons inside the parts are escaped so distinct conversations never share a key.
func ConversationKey(conv store.Conversation) string {
	return keyEscaper.Replace(conv.TenantID) + ":" +
		keyEscaper.Replace(conv.Channel) + ":" +
		keyEscaper.Replace(conv.ContactID)
}

const pollInterval = 25 * time.Millisecond

// Acquire retries TryAcquire until it succeeds, wait elapses or ctx is done.
// A zero wait makes a single attempt.
func Acquire(ctx context.Context, m Mutex, key string, ttl, wait time.Duration) (string, bool, error) {
	deadline := time.Now().Add(wait)
	for {
		token, ok, err := m.TryAcquire(ctx, key, ttl)
		if err != nil || ok {
			return token, ok, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", false, nil
		}
		sleep := min(pollInterval, remaining)
		select {
		case <-ctx.Done():
			return "", false, ctx.Err()
		case <-time.After(sleep):
		}
	}
}
