package client

import (
	"fmt"
	"sync"
	"time"

	"realmnet/pipeline"
	"realmnet/protocol"
)

// Status 本地会话状态
type Status int

const (
	StatusIdle Status = iota
	StatusPlay
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "IDLE"
	case StatusPlay:
		return "PLAY"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// View 某一时刻的只读副本，渲染侧随意使用，不与网络侧共享内存
type View struct {
	Status             Status
	Character          *protocol.Character
	Scope              protocol.Scope
	GameState          protocol.GameState
	GameStateUpdatedAt time.Time
	AverageServerDT    float64
	LocalPos           protocol.Vec2
	OldLocalPos        protocol.Vec2
	LocalVelocity      protocol.Vec2
	ServerPos          protocol.Vec2
	LastError          *protocol.ErrorEvent
}

// SharedState 渲染线程与网络调度之间的桥：一把锁保护全部字段，
// 命令通过线程安全队列从渲染侧流向网络侧。
// 会话镜像只随服务端确认的 SessionEvent 变化，从不乐观更新。
type SharedState struct {
	Commands *pipeline.Queue[Command]

	mu                 sync.Mutex
	status             Status
	character          *protocol.Character
	scope              protocol.Scope
	gameState          protocol.GameState
	gameStateUpdatedAt time.Time
	averageServerDT    float64
	keys               int
	localPos           protocol.Vec2
	oldLocalPos        protocol.Vec2
	localVelocity      protocol.Vec2
	serverPos          protocol.Vec2
	lastError          *protocol.ErrorEvent
}

func NewSharedState() *SharedState {
	return &SharedState{
		Commands:        pipeline.NewQueue[Command](),
		gameState:       protocol.NewGameState(),
		averageServerDT: 1.0 / protocol.ServerTickHz,
	}
}

// Post 渲染侧投递命令，永不阻塞
func (s *SharedState) Post(cmd Command) {
	s.Commands.Push(cmd)
}

// Steer 渲染侧每帧调用：记录按键并在本地预测位置（仅 PLAY 状态）
func (s *SharedState) Steer(keys int, dt float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = keys
	s.localVelocity = protocol.Velocity(keys)
	if s.status != StatusPlay {
		return
	}
	s.localPos = protocol.Simulate(s.localPos, s.localVelocity, s.travelSpeedLocked(), dt)
}

// View 拷贝当前状态
func (s *SharedState) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := View{
		Status:             s.status,
		Scope:              protocol.Scope{Characters: append([]string{}, s.scope.Characters...)},
		GameState:          copyGameState(s.gameState),
		GameStateUpdatedAt: s.gameStateUpdatedAt,
		AverageServerDT:    s.averageServerDT,
		LocalPos:           s.localPos,
		OldLocalPos:        s.oldLocalPos,
		LocalVelocity:      s.localVelocity,
		ServerPos:          s.serverPos,
	}
	if s.character != nil {
		c := *s.character
		v.Character = &c
	}
	if s.lastError != nil {
		e := *s.lastError
		v.LastError = &e
	}
	return v
}

func (s *SharedState) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *SharedState) travelSpeedLocked() float64 {
	if s.character != nil {
		if st, ok := s.gameState.PlayerStates[s.character.UUID]; ok && st.TravelSpeed > 0 {
			return st.TravelSpeed
		}
	}
	return protocol.DefaultTravelSpeed
}

// takeMovement 客户端 tick：PLAY 且本地位置变化时产生一次上报
func (s *SharedState) takeMovement() (protocol.MovementEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusPlay || s.localPos == s.oldLocalPos {
		return protocol.MovementEvent{}, false
	}
	s.oldLocalPos = s.localPos
	return protocol.MovementEvent{Keys: s.keys, Position: s.localPos}, true
}

func (s *SharedState) applyGameState(gs protocol.GameState, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gameState = gs
	s.gameStateUpdatedAt = now
	s.averageServerDT = (s.averageServerDT + gs.DeltaTime) / 2
	if s.character != nil {
		if st, ok := gs.PlayerStates[s.character.UUID]; ok {
			s.serverPos = st.Position
		}
	}
}

func (s *SharedState) applySession(ev protocol.SessionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch ev.Command {
	case protocol.CommandScope:
		var scope protocol.Scope
		if _, err := ev.Arg(protocol.ArgScope, &scope); err != nil {
			return err
		}
		s.scope = scope
	case protocol.CommandLogin:
		var c protocol.Character
		ok, err := ev.Arg(protocol.ArgCharacter, &c)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("client: LOGIN without %q", protocol.ArgCharacter)
		}
		s.character = &c
		s.localPos = protocol.Vec2{X: c.Location.X, Y: c.Location.Y}
		s.oldLocalPos = s.localPos
		s.serverPos = s.localPos
		s.status = StatusPlay
	case protocol.CommandLogout:
		s.character = nil
		s.gameState = protocol.NewGameState()
		s.status = StatusIdle
	case protocol.CommandCreate:
		var id string
		if _, err := ev.Arg(protocol.ArgCharacterUUID, &id); err != nil {
			return err
		}
		s.scope.Characters = append(s.scope.Characters, id)
	case protocol.CommandDelete:
		var id string
		if _, err := ev.Arg(protocol.ArgCharacterUUID, &id); err != nil {
			return err
		}
		for i, c := range s.scope.Characters {
			if c == id {
				s.scope.Characters = append(s.scope.Characters[:i], s.scope.Characters[i+1:]...)
				break
			}
		}
	}
	return nil
}

func (s *SharedState) applyError(ev *protocol.ErrorEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastError = ev
}

func copyGameState(gs protocol.GameState) protocol.GameState {
	out := protocol.GameState{PlayerStates: make(map[string]protocol.PlayerState, len(gs.PlayerStates)), DeltaTime: gs.DeltaTime}
	for id, st := range gs.PlayerStates {
		out.PlayerStates[id] = st
	}
	return out
}
