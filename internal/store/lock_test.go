package store

import (
	"context"
	"errors"
	"testing"

	"github.com/mohammad-safakhou/deepsearch/config"
)

func TestLocalLockerExclusive(t *testing.T) {
	l := NewLocalLocker()
	unlock, err := l.Lock(context.Background(), "s1")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if _, err := l.Lock(context.Background(), "s1"); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
	other, err := l.Lock(context.Background(), "s2")
	if err != nil {
		t.Fatalf("independent session should lock: %v", err)
	}
	other()
	unlock()
	unlock()
	again, err := l.Lock(context.Background(), "s1")
	if err != nil {
		t.Fatalf("relock after unlock: %v", err)
	}
	again()
}

func TestNewLockerRequiresRedisClient(t *testing.T) {
	if _, err := NewLocker(config.LockingConfig{Backend: "redis"}, nil); err == nil {
		t.Fatalf("expected error without redis client")
	}
	l, err := NewLocker(config.LockingConfig{Backend: "local"}, nil)
	if err != nil {
		t.Fatalf("local locker: %v", err)
	}
	if _, ok := l.(*LocalLocker); !ok {
		t.Fatalf("expected LocalLocker, got %T", l)
	}
}
