// Package clock 提供时间源实现
//
// SystemClock 读取系统时间；FixedClock 返回可控的固定时间，用于测试与可重放的本地执行。
package clock

import (
	"sync"
	"time"

	infraClock "github.com/weisyn/wasmvm/pkg/interfaces/infrastructure/clock"
)

// SystemClock 使用系统真实时间
type SystemClock struct{}

// NewSystemClock 创建系统时钟
func NewSystemClock() infraClock.Clock { return &SystemClock{} }

func (c *SystemClock) Now() time.Time                  { return time.Now() }
func (c *SystemClock) Since(t time.Time) time.Duration { return time.Since(t) }
func (c *SystemClock) Unix() int64                     { return time.Now().Unix() }
func (c *SystemClock) UnixNano() int64                 { return time.Now().UnixNano() }

// FixedClock 固定时间的时钟，只在 Advance 时前进
type FixedClock struct {
	mu      sync.Mutex
	current time.Time
}

// NewFixedClock 创建固定时钟
func NewFixedClock(initial time.Time) *FixedClock { return &FixedClock{current: initial} }

// Now 当前时间
func (c *FixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *FixedClock) Since(t time.Time) time.Duration { return c.Now().Sub(t) }
func (c *FixedClock) Unix() int64                     { return c.Now().Unix() }
func (c *FixedClock) UnixNano() int64                 { return c.Now().UnixNano() }

// Advance 推进时间
func (c *FixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.current = c.current.Add(d)
	c.mu.Unlock()
}

var (
	_ infraClock.Clock = (*SystemClock)(nil)
	_ infraClock.Clock = (*FixedClock)(nil)
)
