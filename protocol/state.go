package protocol

import (
	"bytes"
	"encoding/json"
)

const (
	ServerTickHz = 5
	ClientTickHz = 5

	DefaultTravelSpeed = 200
	DefaultZIndex      = 1
)

// PlayerState 单个角色的权威世界状态
type PlayerState struct {
	MapID       int     `json:"map_id"`
	Position    Vec2    `json:"position"`
	ZIndex      int     `json:"-"`
	TravelSpeed float64 `json:"travel_speed"`
	UpdatedAt   float64 `json:"updated_at"` // unix 秒
	Velocity    Vec2    `json:"-"`
}

// playerStateFields 避免 UnmarshalJSON 递归
type playerStateFields PlayerState

// UnmarshalJSON 兼容旧格式：值本身是一段 JSON 字符串
func (s *PlayerState) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var inner string
		if err := json.Unmarshal(b, &inner); err != nil {
			return err
		}
		b = []byte(inner)
	}
	f := playerStateFields{ZIndex: DefaultZIndex, TravelSpeed: DefaultTravelSpeed}
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	*s = PlayerState(f)
	return nil
}

// GameState 快照；map 存值而非指针，拷贝之间不会共享状态
type GameState struct {
	PlayerStates map[string]PlayerState `json:"player_states"`
	DeltaTime    float64                `json:"delta_time"`
}

func NewGameState() GameState {
	return GameState{PlayerStates: map[string]PlayerState{}, DeltaTime: 1.0 / ServerTickHz}
}

func (g GameState) Packet() (Packet, error) {
	if g.PlayerStates == nil {
		g.PlayerStates = map[string]PlayerState{}
	}
	b, err := json.Marshal(g)
	if err != nil {
		return Packet{}, err
	}
	return Packet{Type: PacketGameState, Payload: b}, nil
}

func ParseGameState(payload []byte) (GameState, error) {
	g := NewGameState()
	if err := json.Unmarshal(payload, &g); err != nil {
		return GameState{}, err
	}
	if g.PlayerStates == nil {
		g.PlayerStates = map[string]PlayerState{}
	}
	return g, nil
}
