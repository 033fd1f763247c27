package server

import (
	"context"
	"time"

	"realmnet/pipeline"
)

// broadcast 登录后启动，每个 tick 推送一份按地图过滤的新快照；首份立即发送
func (s *Server) broadcast(ctx context.Context, conn *pipeline.Conn, characterID string) {
	ticker := time.NewTicker(s.cfg.TickPeriod())
	defer ticker.Stop()
	for {
		snap, ok := s.world.Snapshot(characterID)
		if !ok {
			return
		}
		if err := conn.SendEvent(snap); err != nil {
			s.log.Errorw("failed to encode snapshot", "character", characterID, "err", err)
		} else {
			s.metrics.IncSnapshot()
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
