package client

import (
	"fmt"

	"realmnet/protocol"
)

// Command 渲染侧投递给网络侧的请求。封闭集合：只有本包内的类型实现它。
type Command interface {
	isCommand()
}

// SessionRequest 会话控制请求
type SessionRequest struct {
	Event protocol.SessionEvent
}

// MoveRequest 一次移动上报
type MoveRequest struct {
	Event protocol.MovementEvent
}

func (SessionRequest) isCommand() {}
func (MoveRequest) isCommand() {}

func Scope() SessionRequest {
	return SessionRequest{Event: protocol.NewSessionEvent(protocol.CommandScope)}
}

func Login(characterUUID string) SessionRequest {
	return SessionRequest{Event: protocol.NewSessionEvent(protocol.CommandLogin).
		With(protocol.ArgCharacterUUID, characterUUID)}
}

func Logout() SessionRequest {
	return SessionRequest{Event: protocol.NewSessionEvent(protocol.CommandLogout)}
}

// Create 角色属性只有名字；properties 目前为空对象
func Create(name string) SessionRequest {
	return SessionRequest{Event: protocol.NewSessionEvent(protocol.CommandCreate).
		With(protocol.ArgCharacterAttributes, protocol.CharacterAttributes{Name: name}).
		With(protocol.ArgCharacterProperties, map[string]any{})}
}

func Delete(characterUUID string) SessionRequest {
	return SessionRequest{Event: protocol.NewSessionEvent(protocol.CommandDelete).
		With(protocol.ArgCharacterUUID, characterUUID)}
}

// packetFor 命令 → 帧；按类型分派，没有运行时反射
func packetFor(cmd Command) (protocol.Packet, error) {
	switch c := cmd.(type) {
	case SessionRequest:
		return c.Event.Packet()
	case MoveRequest:
		return c.Event.Packet()
	default:
		return protocol.Packet{}, fmt.Errorf("client: unsupported command %T", cmd)
	}
}
