package engine

import (
	"testing"
	"time"
)

func TestCacheGetSetInvalidate(t *testing.T) {
	c := NewCache(time.Hour)
	if _, ok := c.Get("spaces"); ok {
		t.Fatal("expected empty cache miss")
	}
	c.Set("spaces", 42)
	v, ok := c.Get("spaces")
	if !ok || v.(int) != 42 {
		t.Fatalf("expected cached value 42, got %v ok=%v", v, ok)
	}
	c.Invalidate("spaces")
	if _, ok := c.Get("spaces"); ok {
		t.Fatal("expected invalidated entry to miss")
	}
}

func TestCacheExpiry(t *testing.T) {
	c := NewCache(10 * time.Millisecond)
	c.Set("spaces", 1)
	time.Sleep(30 * time.Millisecond)
	if _, ok := c.Get("spaces"); ok {
		t.Fatal("expected expired entry to miss")
	}
}
