// file: pkg/informer/backoff.go

package informer

import (
	"math"
	"math/rand"
	"time"
)

// backoff 是带 full jitter 的指数退避：
// 第 n 次重试等待 [0, min(max, base*2^(n-1))) 之间的随机时长。
type backoff struct {
	base    time.Duration
	max     time.Duration
	attempt int

	// 测试中可以替换
	random func() float64
}

func newBackoff(base, maxDelay time.Duration) *backoff {
	return &backoff{base: base, max: maxDelay, random: rand.Float64}
}

// Next 返回下一次等待的时长，并递增重试计数。
func (b *backoff) Next() time.Duration {
	b.attempt++
	return time.Duration(b.random() * float64(b.ceiling(b.attempt)))
}

func (b *backoff) ceiling(attempt int) time.Duration {
	interval := float64(b.base) * math.Pow(2, float64(attempt-1))
	if interval > float64(b.max) || math.IsInf(interval, 0) {
		return b.max
	}
	return time.Duration(interval)
}

func (b *backoff) Reset() {
	b.attempt = 0
}
