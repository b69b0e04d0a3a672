package cache

import (
	"context"
	"fmt"
	"strconv"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/InvoiceFox/internal/pkg/env"
)

var (
	client *redis.Client
	ctx    = context.Background()
)

// Options returns the connection settings of the queue/cache Redis.
func Options() (host string, port int, password string, db int) {
	host = env.GetEnv("CACHE_HOST", "localhost")
	port, _ = strconv.Atoi(env.GetEnv("CACHE_PORT", "6379"))
	password = env.GetEnv("CACHE_PASSWORD", "")
	db, _ = strconv.Atoi(env.GetEnv("CACHE_DB", "0"))
	return host, port, password, db
}

// SetupCache initializes the connection to the Redis server backing the job queue
func SetupCache() {
	host, port, password, db := Options()

	client = redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})

	// Test the connection
	pong, err := client.Ping(ctx).Result()
	if err != nil {
		log.Warnf("[Cache] Could not connect to Redis: %v", err)
	} else {
		log.Infof("[Cache] Successfully connected to Redis: %s", pong)
	}
}

// GetClient returns the Redis client instance
func GetClient() *redis.Client {
	if client == nil {
		SetupCache()
	}
	return client
}

// SetClient replaces the shared client (tests use an isolated database).
func SetClient(c *redis.Client) {
	client = c
}
