package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

const compileKey = "compile:3fb4a1"

func TestMemoryCacheSetNXAndDel(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()

	ok, err := c.SetNX(ctx, compileKey, `{"status":200}`, time.Second)
	if err != nil || !ok {
		t.Fatalf("first setnx: ok=%v err=%v", ok, err)
	}
	ok, err = c.SetNX(ctx, compileKey, `{"status":422}`, time.Second)
	if err != nil {
		t.Fatalf("setnx error: %v", err)
	}
	if ok {
		t.Fatal("duplicate setnx must not overwrite a cached result")
	}
	if err := c.Del(ctx, compileKey); err != nil {
		t.Fatalf("del error: %v", err)
	}
	if ok, _ := c.SetNX(ctx, compileKey, `{"status":200}`, time.Second); !ok {
		t.Fatal("expected setnx after del to succeed")
	}
}

func TestMemoryCacheGetSetAndExpiry(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()

	if err := c.Set(ctx, compileKey, "cached-bundle", 10*time.Millisecond); err != nil {
		t.Fatalf("set error: %v", err)
	}
	got, err := c.Get(ctx, compileKey)
	if err != nil || got != "cached-bundle" {
		t.Fatalf("get = %q, %v", got, err)
	}

	time.Sleep(15 * time.Millisecond)
	if _, err := c.Get(ctx, compileKey); !errors.Is(err, redis.Nil) {
		t.Fatalf("expected redis.Nil after ttl, got %v", err)
	}
}

func TestNewCacheFallsBackToMemory(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 25*time.Millisecond)
	defer cancel()

	if _, ok := NewCache(ctx, nil).(*MemoryCache); !ok {
		t.Fatal("expected MemoryCache fallback for nil redis client")
	}

	dead := redis.NewClient(&redis.Options{
		Addr:         "127.0.0.1:1",
		DialTimeout:  5 * time.Millisecond,
		ReadTimeout:  5 * time.Millisecond,
		WriteTimeout: 5 * time.Millisecond,
	})
	defer dead.Close()
	if _, ok := NewCache(ctx, dead).(*MemoryCache); !ok {
		t.Fatal("expected MemoryCache fallback on redis ping failure")
	}
}

func TestRedisCacheBehavesLikeMemoryCache(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	ctx := context.Background()

	cache := NewCache(ctx, client)
	if _, ok := cache.(*RedisCache); !ok {
		t.Fatalf("expected RedisCache when redis ping succeeds, got %T", cache)
	}

	ok, err := cache.SetNX(ctx, compileKey, "v1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("setnx: ok=%v err=%v", ok, err)
	}
	if ok, _ := cache.SetNX(ctx, compileKey, "v2", time.Minute); ok {
		t.Fatal("expected duplicate setnx to fail")
	}
	if err := cache.Set(ctx, "compile:other", "v2", time.Minute); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	got, err := cache.Get(ctx, "compile:other")
	if err != nil || got != "v2" {
		t.Fatalf("get = %q, %v", got, err)
	}
	if err := cache.Del(ctx, "compile:other"); err != nil {
		t.Fatalf("del failed: %v", err)
	}
	if _, err := cache.Get(ctx, "compile:other"); !errors.Is(err, redis.Nil) {
		t.Fatalf("expected redis.Nil after delete, got %v", err)
	}
}
