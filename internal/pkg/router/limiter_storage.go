package router

import (
	"net"
	"strconv"

	"github.com/gofiber/storage/redis"
	goredis "github.com/redis/go-redis/v9"
)

// limiterDatabase keeps limiter counters apart from the job queue keys
const limiterDatabase = 2

// NewLimiterStorage builds a Redis limiter storage on the same server as the given client.
func NewLimiterStorage(client *goredis.Client) *redis.Storage {
	host := "localhost"
	port := 6379
	password := ""
	if client != nil {
		opts := client.Options()
		if h, p, err := net.SplitHostPort(opts.Addr); err == nil {
			host = h
			if v, err := strconv.Atoi(p); err == nil {
				port = v
			}
		}
		password = opts.Password
	}

	return redis.New(redis.Config{
		Host:     host,
		Port:     port,
		Password: password,
		Database: limiterDatabase,
		Reset:    false,
	})
}
