package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/LENAX/crm-automation/pkg/core/clock"
)

func TestTTLCache_Expiry(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	c := NewTTLCache[int](time.Minute, 0, clk)
	defer c.Close()

	c.Set("a", 1)
	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	clk.Advance(time.Minute)
	_, ok = c.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestTTLCache_SetIfAbsent(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	c := NewTTLCache[struct{}](time.Hour, 0, clk)

	assert.True(t, c.SetIfAbsent("ev-1", struct{}{}))
	assert.False(t, c.SetIfAbsent("ev-1", struct{}{}))
	clk.Advance(2 * time.Hour)
	assert.True(t, c.SetIfAbsent("ev-1", struct{}{}))
	assert.False(t, c.SetIfAbsent("", struct{}{}))
}

func TestTTLCache_DeletePrefix(t *testing.T) {
	c := NewTTLCache[string](time.Hour, 0, nil)
	c.Set("org-1|toxins", "x")
	c.Set("org-1|manual", "y")
	c.Set("org-2|toxins", "z")

	assert.Equal(t, 2, c.DeletePrefix("org-1|"))
	_, ok := c.Get("org-2|toxins")
	assert.True(t, ok)

	c.Clear()
	assert.Equal(t, 0, c.Len())
}

func TestTTLCache_CleanupLoop(t *testing.T) {
	c := NewTTLCache[int](10*time.Millisecond, 5*time.Millisecond, nil)
	defer c.Close()
	c.Set("a", 1)
	assert.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, 5*time.Millisecond)
}
