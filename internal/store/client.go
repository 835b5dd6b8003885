// Package store owns the connection to the shared key-value store. The
// store's single-threaded command execution is the only atomicity the
// dispatcher relies on; every multi-key mutation elsewhere in the repo
// goes through a TxPipeline on this client.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kmaus/dispatchq/internal/config"
)

// Connect builds the shared client and verifies the connection before
// handing it out.
func Connect(cfg *config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.ConnectTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to store at %s: %w", cfg.Addr(), err)
	}

	return client, nil
}
