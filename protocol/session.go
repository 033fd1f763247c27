package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// SessionCommand 会话控制指令
type SessionCommand int

const (
	CommandScope SessionCommand = iota
	CommandLogin
	CommandLogout
	CommandCreate
	CommandDelete
)

func (c SessionCommand) String() string {
	switch c {
	case CommandScope:
		return "SCOPE"
	case CommandLogin:
		return "LOGIN"
	case CommandLogout:
		return "LOGOUT"
	case CommandCreate:
		return "CREATE"
	case CommandDelete:
		return "DELETE"
	default:
		return fmt.Sprintf("SessionCommand(%d)", int(c))
	}
}

func (c SessionCommand) Valid() bool {
	return c >= CommandScope && c <= CommandDelete
}

// 各指令使用的参数名
const (
	ArgCharacterUUID       = "character_uuid"
	ArgCharacter           = "character"
	ArgCharacterAttributes = "character_attributes"
	ArgCharacterProperties = "character_properties"
	ArgScope               = "scope"
)

const commandKey = "command"

// SessionEvent 线上格式：{..参数.., "command": <int>}
type SessionEvent struct {
	Command SessionCommand
	Args    map[string]json.RawMessage
}

func NewSessionEvent(cmd SessionCommand) SessionEvent {
	return SessionEvent{Command: cmd, Args: map[string]json.RawMessage{}}
}

// Set 写入一个命名参数，v 按 JSON 编码
func (e *SessionEvent) Set(name string, v any) error {
	if name == commandKey {
		return fmt.Errorf("protocol: %q is reserved", commandKey)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("protocol: encode argument %q: %w", name, err)
	}
	if e.Args == nil {
		e.Args = map[string]json.RawMessage{}
	}
	e.Args[name] = raw
	return nil
}

// With 链式 Set，仅用于参数一定可编码的场景
func (e SessionEvent) With(name string, v any) SessionEvent {
	if err := e.Set(name, v); err != nil {
		panic(err)
	}
	return e
}

// Has 参数存在且不是 JSON null
func (e SessionEvent) Has(name string) bool {
	raw, ok := e.Args[name]
	return ok && !bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// Arg 读取参数到 dst；参数缺失（或为 null）时返回 false
func (e SessionEvent) Arg(name string, dst any) (bool, error) {
	if !e.Has(name) {
		return false, nil
	}
	if err := json.Unmarshal(e.Args[name], dst); err != nil {
		return true, fmt.Errorf("protocol: decode argument %q: %w", name, err)
	}
	return true, nil
}

func (e SessionEvent) MarshalJSON() ([]byte, error) {
	obj := make(map[string]json.RawMessage, len(e.Args)+1)
	for k, v := range e.Args {
		obj[k] = v
	}
	cmd, _ := json.Marshal(int(e.Command))
	obj[commandKey] = cmd
	return json.Marshal(obj)
}

func (e *SessionEvent) UnmarshalJSON(b []byte) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	raw, ok := obj[commandKey]
	if !ok {
		return fmt.Errorf("protocol: session event without %q", commandKey)
	}
	var cmd int
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return fmt.Errorf("protocol: session command: %w", err)
	}
	if !SessionCommand(cmd).Valid() {
		return fmt.Errorf("protocol: unknown session command %d", cmd)
	}
	delete(obj, commandKey)
	e.Command = SessionCommand(cmd)
	e.Args = obj
	return nil
}

// String 用于 ErrorEvent.failed_action 与日志
func (e SessionEvent) String() string {
	keys := make([]string, 0, len(e.Args))
	for k := range e.Args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, e.Args[k]))
	}
	return fmt.Sprintf("SessionEvent(%s, {%s})", e.Command, strings.Join(parts, ", "))
}

// Packet 序列化为 SESSION 帧
func (e SessionEvent) Packet() (Packet, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return Packet{}, err
	}
	return Packet{Type: PacketSession, Payload: b}, nil
}

// ParseSessionEvent 解析 SESSION 帧负载
func ParseSessionEvent(payload []byte) (SessionEvent, error) {
	var e SessionEvent
	if err := json.Unmarshal(payload, &e); err != nil {
		return SessionEvent{}, err
	}
	return e, nil
}

// Scope SCOPE 应答里的权限范围
type Scope struct {
	Characters []string `json:"characters"`
}

// Location 角色的持久化位置
type Location struct {
	MapID int     `json:"map_id"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
}

// Character LOGIN 应答中的完整角色数据
type Character struct {
	ID        int64    `json:"id"`
	UUID      string   `json:"uuid"`
	Name      string   `json:"name"`
	CreatedAt string   `json:"created_at"`
	UpdatedAt string   `json:"updated_at"`
	Location  Location `json:"location"`
}

// CharacterAttributes CREATE 的 character_attributes 参数
type CharacterAttributes struct {
	Name string `json:"name"`
}
