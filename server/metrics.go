package server

import (
	"sync/atomic"

	"realmnet/protocol"
)

// Metrics 记录服务端运行期的关键指标（用于监控与调试）；
// 同时作为 pipeline.Observer 统计收发
type Metrics struct {
	ConnectionsOpened int64 // 累计接入的连接数
	ConnectionsClosed int64 // 累计关闭的连接数
	PacketsIn         int64 // 解码成功的入站包
	PacketsOut        int64 // 写出的出站包
	BytesOut          int64 // 写出的字节数（含帧头）
	FramesDropped     int64 // 格式错误或未知类型的帧
	Rejections        int64 // 回送给客户端的 ErrorEvent
	Snapshots         int64 // 推送的 GAMESTATE 快照
	PersistFailures   int64 // 周期持久化失败次数
	TickCount         int64 // 统计的 Tick 次数
	TotalTickNs       int64 // Tick 累计耗时（纳秒）
}

func (m *Metrics) PacketReceived(protocol.Packet) { atomic.AddInt64(&m.PacketsIn, 1) }
func (m *Metrics) PacketSent(_ protocol.Packet, n int) {
	atomic.AddInt64(&m.PacketsOut, 1)
	atomic.AddInt64(&m.BytesOut, int64(n))
}
func (m *Metrics) FrameDropped(error) { atomic.AddInt64(&m.FramesDropped, 1) }

func (m *Metrics) IncConnOpened() { atomic.AddInt64(&m.ConnectionsOpened, 1) }
func (m *Metrics) IncConnClosed() { atomic.AddInt64(&m.ConnectionsClosed, 1) }
func (m *Metrics) IncRejected() { atomic.AddInt64(&m.Rejections, 1) }
func (m *Metrics) IncSnapshot() { atomic.AddInt64(&m.Snapshots, 1) }
func (m *Metrics) IncPersistFailure() { atomic.AddInt64(&m.PersistFailures, 1) }
func (m *Metrics) AddTick(ns int64) {
	atomic.AddInt64(&m.TickCount, 1)
	atomic.AddInt64(&m.TotalTickNs, ns)
}

// Snapshot 返回只读副本，便于 HTTP 输出
func (m *Metrics) Snapshot() map[string]any {
	tick := atomic.LoadInt64(&m.TickCount)
	total := atomic.LoadInt64(&m.TotalTickNs)
	var avgMs float64
	if tick > 0 {
		avgMs = float64(total) / float64(tick) / 1e6
	}
	return map[string]any{
		"connections_opened": atomic.LoadInt64(&m.ConnectionsOpened),
		"connections_closed": atomic.LoadInt64(&m.ConnectionsClosed),
		"packets_in":         atomic.LoadInt64(&m.PacketsIn),
		"packets_out":        atomic.LoadInt64(&m.PacketsOut),
		"bytes_out":          atomic.LoadInt64(&m.BytesOut),
		"frames_dropped":     atomic.LoadInt64(&m.FramesDropped),
		"rejections":         atomic.LoadInt64(&m.Rejections),
		"snapshots":          atomic.LoadInt64(&m.Snapshots),
		"persist_failures":   atomic.LoadInt64(&m.PersistFailures),
		"tick_count":         tick,
		"avg_tick_ms":        avgMs,
	}
}
