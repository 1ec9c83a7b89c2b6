package app

import (
	"context"
	"fmt"

	"github.com/fairyhunter13/project-queue/internal/adapter/store/redisstore"
)

// BuildRedisCheck returns the readiness probe for the backing store.
func BuildRedisCheck(store *redisstore.Store) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if store == nil {
			return fmt.Errorf("store not configured")
		}
		return store.Ping(ctx)
	}
}
