package cache

import (
	"testing"
	"time"
)

func TestGetSet(t *testing.T) {
	c := New[string](10, time.Minute)

	if _, ok := c.Get("missing"); ok {
		t.Error("Get on empty cache should miss")
	}

	c.Set("k", "v")
	got, ok := c.Get("k")
	if !ok || got != "v" {
		t.Errorf("Get = (%q, %v), want (v, true)", got, ok)
	}
}

func TestExpiry(t *testing.T) {
	c := New[string](10, time.Minute)
	base := time.Now()
	c.now = func() time.Time { return base }

	c.Set("k", "v")

	c.now = func() time.Time { return base.Add(30 * time.Second) }
	if _, ok := c.Get("k"); !ok {
		t.Error("entry expired too early")
	}

	c.now = func() time.Time { return base.Add(2 * time.Minute) }
	if _, ok := c.Get("k"); ok {
		t.Error("entry should have expired")
	}
}

func TestEvictionBound(t *testing.T) {
	c := New[int](3, time.Minute)
	for i, k := range []string{"a", "b", "c", "d", "e"} {
		c.Set(k, i)
	}
	if c.Len() > 3 {
		t.Errorf("cache grew to %d entries, bound is 3", c.Len())
	}
}
