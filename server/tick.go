package server

import (
	"context"
	"time"
)

// Run 启动世界的 Tick 循环，直到 ctx 结束。
// 每个 tick：测量距上一次 tick 的实际耗时 → 下限截断 → 刷新全部状态时间戳。
func (w *World) Run(ctx context.Context, period time.Duration, metrics *Metrics) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			start := time.Now()
			dt := clampDelta(now.Sub(last), period)
			last = now
			w.Stamp(now, dt)
			if metrics != nil {
				metrics.AddTick(time.Since(start).Nanoseconds())
			}
		}
	}
}

// clampDelta 不低于名义周期，但不设上限：慢 tick 如实上报
func clampDelta(elapsed, period time.Duration) float64 {
	if elapsed < period {
		elapsed = period
	}
	return elapsed.Seconds()
}
