package ristretto

import (
	"context"
	"testing"
	"time"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := New(1 << 20)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestCache_SetAndGet(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	if err := c.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	c.c.Wait() // admission is async

	val, found, err := c.Get(ctx, "k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !found || string(val) != "v" {
		t.Errorf("get = %q, %v, want v, true", val, found)
	}
}

func TestCache_GetMiss(t *testing.T) {
	c := newTestCache(t)
	if _, found, err := c.Get(context.Background(), "nope"); err != nil || found {
		t.Errorf("get = %v, %v, want miss", found, err)
	}
}

func TestCache_Overwrite(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	_ = c.Set(ctx, "k", []byte("v1"), time.Minute)
	c.c.Wait()
	_ = c.Set(ctx, "k", []byte("v2"), time.Minute)
	c.c.Wait()

	val, found, _ := c.Get(ctx, "k")
	if !found || string(val) != "v2" {
		t.Errorf("get = %q, %v, want v2", val, found)
	}
}

func TestCache_Delete(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	_ = c.Set(ctx, "k", []byte("v"), time.Minute)
	c.c.Wait()
	if err := c.Delete(ctx, "k"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, found, _ := c.Get(ctx, "k"); found {
		t.Error("value survived delete")
	}

	// Deleting a missing key is not an error.
	if err := c.Delete(ctx, "never-set"); err != nil {
		t.Errorf("delete missing: %v", err)
	}
}

func TestCache_TTL(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	_ = c.Set(ctx, "k", []byte("v"), 10*time.Millisecond)
	c.c.Wait()
	time.Sleep(30 * time.Millisecond)
	if _, found, _ := c.Get(ctx, "k"); found {
		t.Error("value survived its ttl")
	}
}
