package server

import (
	"encoding/json"
	"net/http"
)

// HandleAdminConfig 提供运行规则的读取与更新（热更新）
// GET /admin/config   返回当前配置
// POST /admin/config  以 JSON 载荷更新部分字段
func (s *Server) HandleAdminConfig(w http.ResponseWriter, r *http.Request) {
	type cfg struct {
		EnforceOwnership *bool    `json:"enforceOwnership,omitempty"`
		MaxStepDistance  *float64 `json:"maxStepDistance,omitempty"`
	}

	switch r.Method {
	case http.MethodGet:
		enforce := s.rules.EnforceOwnership()
		maxStep := s.rules.MaxStepDistance()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(cfg{EnforceOwnership: &enforce, MaxStepDistance: &maxStep})
	case http.MethodPost:
		var body cfg
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		if body.MaxStepDistance != nil && *body.MaxStepDistance < 0 {
			http.Error(w, "maxStepDistance must not be negative", http.StatusBadRequest)
			return
		}
		if body.EnforceOwnership != nil {
			s.rules.SetEnforceOwnership(*body.EnforceOwnership)
		}
		if body.MaxStepDistance != nil {
			s.rules.SetMaxStepDistance(*body.MaxStepDistance)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
		s.log.Infof("config updated: enforceOwnership=%v maxStepDistance=%.2f",
			s.rules.EnforceOwnership(), s.rules.MaxStepDistance())
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleMetrics 输出运行指标
// GET /metrics
func (s *Server) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{
		"connections": s.hub.Count(),
		"players":     s.world.Len(),
		"delta_time":  s.world.DeltaTime(),
		"metrics":     s.metrics.Snapshot(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}
