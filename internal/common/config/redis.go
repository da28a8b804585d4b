package config

import (
	"time"

	"github.com/go-redis/redis"
)

// RedisConfig describes a single redis node, a cluster seed list or, when MasterName is set, a sentinel group.
type RedisConfig struct {
	Addrs        []string `validate:"required"`
	DB           int      `validate:"gte=0,lte=16"`
	Password     string
	MasterName   string
	PoolSize     int `validate:"required"`
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func (rc RedisConfig) AsUniversalOptions() *redis.UniversalOptions {
	return &redis.UniversalOptions{
		Addrs:        rc.Addrs,
		DB:           rc.DB,
		Password:     rc.Password,
		MasterName:   rc.MasterName,
		PoolSize:     rc.PoolSize,
		MaxRetries:   rc.MaxRetries,
		DialTimeout:  rc.DialTimeout,
		ReadTimeout:  rc.ReadTimeout,
		WriteTimeout: rc.WriteTimeout,
	}
}
