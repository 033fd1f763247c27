package server

import (
	"errors"
	"sync"
	"time"

	"realmnet/protocol"
)

var (
	// ErrCharacterInUse 角色已被另一条连接登录
	ErrCharacterInUse = errors.New("server: character already in play")
	// ErrNotSpawned 角色不在世界中
	ErrNotSpawned = errors.New("server: character not spawned")
	// ErrStepTooLong 单次上报位移超过上限
	ErrStepTooLong = errors.New("server: movement step too long")
)

// World 权威世界状态：所有连接共享一份，读改写都在同一把锁内完成
type World struct {
	mu sync.Mutex

	players map[string]protocol.PlayerState // 角色 ID → 状态
	owners  map[string]string               // 角色 ID → 连接 ID

	deltaTime float64
}

// NewWorld period 为名义 tick 周期，作为首个 delta-time
func NewWorld(period time.Duration) *World {
	return &World{
		players:   make(map[string]protocol.PlayerState),
		owners:    make(map[string]string),
		deltaTime: period.Seconds(),
	}
}

// Spawn 以持久化位置为种子放入世界
func (w *World) Spawn(connID, characterID string, loc protocol.Location, travelSpeed float64, now time.Time) (protocol.PlayerState, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.owners[characterID]; ok {
		return protocol.PlayerState{}, ErrCharacterInUse
	}
	st := protocol.PlayerState{
		MapID:       loc.MapID,
		Position:    protocol.Vec2{X: loc.X, Y: loc.Y},
		ZIndex:      protocol.DefaultZIndex,
		TravelSpeed: travelSpeed,
		UpdatedAt:   unixSeconds(now),
	}
	w.players[characterID] = st
	w.owners[characterID] = connID
	return st, nil
}

// Despawn 移除角色并返回移除前的最终状态
func (w *World) Despawn(characterID string) (protocol.PlayerState, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	st, ok := w.players[characterID]
	if !ok {
		return protocol.PlayerState{}, false
	}
	delete(w.players, characterID)
	delete(w.owners, characterID)
	return st, true
}

// Move 客户端权威的位置覆盖；返回与上一位置的距离。
// maxStep > 0 时超过上限的位移被拒绝，状态不变。
func (w *World) Move(characterID string, velocity, position protocol.Vec2, maxStep float64) (float64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	st, ok := w.players[characterID]
	if !ok {
		return 0, ErrNotSpawned
	}
	distance := st.Position.Distance(position)
	if maxStep > 0 && distance > maxStep {
		return distance, ErrStepTooLong
	}
	st.Velocity = velocity
	st.Position = position
	w.players[characterID] = st
	return distance, nil
}

// Snapshot 为某个角色构造只含同地图玩家的全新副本
func (w *World) Snapshot(characterID string) (protocol.GameState, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	self, ok := w.players[characterID]
	if !ok {
		return protocol.GameState{}, false
	}
	gs := protocol.GameState{
		PlayerStates: make(map[string]protocol.PlayerState),
		DeltaTime:    w.deltaTime,
	}
	for id, st := range w.players {
		if st.MapID == self.MapID {
			gs.PlayerStates[id] = st
		}
	}
	return gs, true
}

// States 全量副本，供持久化循环使用
func (w *World) States() map[string]protocol.PlayerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]protocol.PlayerState, len(w.players))
	for id, st := range w.players {
		out[id] = st
	}
	return out
}

// Stamp 每个 tick 调用：刷新所有 updated_at 并记录本次 delta-time
func (w *World) Stamp(now time.Time, deltaTime float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	ts := unixSeconds(now)
	for id, st := range w.players {
		st.UpdatedAt = ts
		w.players[id] = st
	}
	w.deltaTime = deltaTime
}

func (w *World) DeltaTime() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.deltaTime
}

// Owner 返回登录该角色的连接
func (w *World) Owner(characterID string) (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	id, ok := w.owners[characterID]
	return id, ok
}

func (w *World) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.players)
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}
