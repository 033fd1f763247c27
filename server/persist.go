package server

import (
	"context"
	"time"
)

// runPersistence 以较低频率把全部在线角色写回存储。
// 失败只记录日志，下一个周期自然重试。
func (s *Server) runPersistence(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SyncPeriod())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.syncAll(ctx)
		}
	}
}

// syncAll 持有 persistMu 期间读取快照，下线流程不会被旧值覆盖
func (s *Server) syncAll(ctx context.Context) {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	start := time.Now()
	saved := 0
	for id, st := range s.world.States() {
		if err := s.store.SaveLocation(pctx, id, locationOf(st)); err != nil {
			s.metrics.IncPersistFailure()
			s.log.Warnw("failed to persist character", "character", id, "err", err)
			continue
		}
		saved++
	}
	if saved > 0 {
		s.log.Debugw("world persisted", "characters", saved, "took", time.Since(start))
	}
}
