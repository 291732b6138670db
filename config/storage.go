package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Normalize lowercases the backend and applies connection defaults.
func (s StorageConfig) Normalize() StorageConfig {
	s.Backend = strings.ToLower(strings.TrimSpace(s.Backend))
	if s.Backend == "" {
		s.Backend = "file"
	}
	if s.File.DataDir == "" {
		s.File.DataDir = "./sessions"
	}
	if s.Postgres.Timeout <= 0 {
		s.Postgres.Timeout = 10 * time.Second
	}
	if s.Redis.Timeout <= 0 {
		s.Redis.Timeout = 5 * time.Second
	}
	return s
}

// Validate checks the selected backend is configured.
func (s StorageConfig) Validate() error {
	switch s.Backend {
	case "file":
		if strings.TrimSpace(s.File.DataDir) == "" {
			return fmt.Errorf("storage.file.data_dir is required")
		}
	case "postgres":
		if s.Postgres.URL == "" && s.Postgres.Host == "" {
			return fmt.Errorf("storage.postgres.url or storage.postgres.host is required")
		}
	default:
		return fmt.Errorf("storage.backend %q is not supported", s.Backend)
	}
	return nil
}

// DSN returns the Postgres connection string.
func (p PostgresConfig) DSN() string {
	if p.URL != "" {
		return p.URL
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   p.Host + ":" + p.Port,
		Path:   "/" + p.DBName,
	}
	if p.User != "" {
		u.User = url.UserPassword(p.User, p.Password)
	}
	q := u.Query()
	q.Set("sslmode", p.SSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}

// Addr returns host:port for the Redis client.
func (r RedisConfig) Addr() string {
	return r.Host + ":" + r.Port
}

// Validate checks a Redis endpoint is set.
func (r RedisConfig) Validate() error {
	if strings.TrimSpace(r.Host) == "" {
		return fmt.Errorf("storage.redis.host is required")
	}
	return nil
}

// Normalize lowercases the backend and fills the lease TTL.
func (l LockingConfig) Normalize() LockingConfig {
	l.Backend = strings.ToLower(strings.TrimSpace(l.Backend))
	if l.Backend == "" {
		l.Backend = "local"
	}
	if l.TTL <= 0 {
		l.TTL = 45 * time.Minute
	}
	return l
}

// Validate checks the locking backend; redis locking needs a Redis endpoint.
func (l LockingConfig) Validate(redis RedisConfig) error {
	switch l.Backend {
	case "local":
		return nil
	case "redis":
		if err := redis.Validate(); err != nil {
			return fmt.Errorf("locking.backend=redis: %w", err)
		}
		return nil
	}
	return fmt.Errorf("locking.backend %q is not supported", l.Backend)
}
