package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"realmnet/pipeline"
	"realmnet/protocol"
	"realmnet/store"
)

const persistTimeout = 5 * time.Second

// Session 单连接的会话状态机（IDLE / PLAY）。
// 只在分发循环里被调用，字段不需要加锁。
type Session struct {
	srv     *Server
	conn    *pipeline.Conn
	account store.Account
	log     *zap.SugaredLogger

	character     string // 已登录的角色；空表示 IDLE
	stopBroadcast func()
}

func newSession(srv *Server, conn *pipeline.Conn, account store.Account) *Session {
	return &Session{
		srv:     srv,
		conn:    conn,
		account: account,
		log:     srv.log.With("conn", conn.ID(), "account", account.UUID),
	}
}

// Playing 是否处于 PLAY 状态
func (s *Session) Playing() bool { return s.character != "" }

// HandlePacket 按包类型路由。领域错误回送给客户端，不中断连接。
func (s *Session) HandlePacket(ctx context.Context, p protocol.Packet) error {
	var err error
	switch p.Type {
	case protocol.PacketSession:
		ev, perr := protocol.ParseSessionEvent(p.Payload)
		if perr != nil {
			err = protocol.Benign(protocol.ErrorInvalidRequest, "Malformed session event", p.String())
			break
		}
		err = s.handleSession(ctx, ev)
	case protocol.PacketMovement:
		ev, perr := protocol.ParseMovementEvent(p.Payload)
		if perr != nil {
			err = protocol.Benign(protocol.ErrorInvalidRequest, "Malformed movement event", p.String())
			break
		}
		err = s.handleMovement(ev)
	case protocol.PacketUnknown:
		s.log.Debugw("dropping packet of unknown type", "bytes", len(p.Payload))
	default:
		s.log.Debugw("ignoring packet", "type", p.Type)
	}
	return s.reply(ctx, p, err)
}

// reply 把处理结果转换为回包：ErrorEvent 原样回送，其余错误记为 SERVER_ERROR
func (s *Session) reply(ctx context.Context, p protocol.Packet, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var ev *protocol.ErrorEvent
	if !errors.As(err, &ev) {
		s.log.Errorw("request failed", "err", err)
		ev = protocol.NewErrorEvent(protocol.ErrorServer, protocol.SeverityHigh, protocol.NatureRuntime,
			"Internal server error", p.String())
	} else {
		s.log.Debugw("request rejected", "code", ev.Code, "message", ev.Message)
	}
	s.srv.metrics.IncRejected()
	return s.conn.SendEvent(ev)
}

func (s *Session) handleSession(ctx context.Context, ev protocol.SessionEvent) error {
	switch ev.Command {
	case protocol.CommandScope:
		return s.scope(ctx)
	case protocol.CommandLogin:
		return s.login(ctx, ev)
	case protocol.CommandLogout:
		return s.logout(ctx, ev)
	case protocol.CommandCreate:
		return s.create(ctx, ev)
	case protocol.CommandDelete:
		return s.delete(ctx, ev)
	}
	return protocol.Benign(protocol.ErrorInvalidRequest, "Unknown session command", ev.String())
}

// scope 每次都从数据库读取：同一账号的其他连接可能已创建或删除角色
func (s *Session) scope(ctx context.Context) error {
	ids, err := s.srv.store.ListCharacterIDs(ctx, s.account.ID)
	if err != nil {
		return err
	}
	return s.conn.SendEvent(protocol.NewSessionEvent(protocol.CommandScope).
		With(protocol.ArgScope, protocol.Scope{Characters: ids}))
}

func (s *Session) login(ctx context.Context, ev protocol.SessionEvent) error {
	action := ev.String()
	id, err := s.characterArg(ev)
	if err != nil {
		return err
	}
	if err := s.authorize(ctx, id, action); err != nil {
		return err
	}
	if s.Playing() {
		return protocol.Benign(protocol.ErrorConflict, "Currently logged in", action)
	}

	character, err := s.srv.store.LoadCharacter(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return protocol.Benign(protocol.ErrorInvalidRequest, "Character not found", action)
	}
	if err != nil {
		return fmt.Errorf("load character %s: %w", id, err)
	}
	if _, err := s.srv.world.Spawn(s.conn.ID(), id, character.Location, s.srv.cfg.TravelSpeed, time.Now()); err != nil {
		if errors.Is(err, ErrCharacterInUse) {
			return protocol.Benign(protocol.ErrorConflict, "Character already in play", action)
		}
		return err
	}
	s.character = id

	// 先回 LOGIN，再启动广播，保证客户端先看到角色数据
	if err := s.conn.SendEvent(protocol.NewSessionEvent(protocol.CommandLogin).With(protocol.ArgCharacter, character)); err != nil {
		return err
	}
	s.stopBroadcast = s.conn.Go(func(ctx context.Context) {
		s.srv.broadcast(ctx, s.conn, id)
	})
	s.log.Infow("character spawned", "character", id, "map", character.Location.MapID)
	return nil
}

func (s *Session) logout(ctx context.Context, ev protocol.SessionEvent) error {
	if !s.Playing() {
		return protocol.Benign(protocol.ErrorConflict, "Currently logged out", ev.String())
	}
	s.despawn(ctx)
	return s.conn.SendEvent(protocol.NewSessionEvent(protocol.CommandLogout))
}

func (s *Session) create(ctx context.Context, ev protocol.SessionEvent) error {
	action := ev.String()
	var attrs protocol.CharacterAttributes
	ok, err := ev.Arg(protocol.ArgCharacterAttributes, &attrs)
	if err != nil {
		return invalidArgument(protocol.ArgCharacterAttributes, action)
	}
	if !ok {
		return protocol.MissingArgument(protocol.ArgCharacterAttributes, action)
	}
	if !ev.Has(protocol.ArgCharacterProperties) {
		return protocol.MissingArgument(protocol.ArgCharacterProperties, action)
	}
	if attrs.Name == "" {
		return invalidArgument(protocol.ArgCharacterAttributes, action)
	}

	atCap, err := s.srv.store.AtCharacterCap(ctx, s.account.ID)
	if err != nil {
		return err
	}
	if atCap {
		return protocol.Benign(protocol.ErrorOutOfBounds, "Character limit reached", action)
	}
	taken, err := s.srv.store.NameExists(ctx, attrs.Name)
	if err != nil {
		return err
	}
	if taken {
		return protocol.Benign(protocol.ErrorReserved, "Character name already taken", action)
	}
	if s.Playing() {
		return protocol.Benign(protocol.ErrorConflict, "Currently logged in", action)
	}

	// 上面的检查与插入之间可能有并发的创建，以插入结果为准
	character, err := s.srv.store.CreateCharacter(ctx, s.account.ID, attrs.Name)
	switch {
	case errors.Is(err, store.ErrCharacterCap):
		return protocol.Benign(protocol.ErrorOutOfBounds, "Character limit reached", action)
	case errors.Is(err, store.ErrNameTaken):
		return protocol.Benign(protocol.ErrorReserved, "Character name already taken", action)
	case err != nil:
		return err
	}
	s.log.Infow("character created", "character", character.UUID, "name", character.Name)
	return s.conn.SendEvent(protocol.NewSessionEvent(protocol.CommandCreate).
		With(protocol.ArgCharacterUUID, character.UUID))
}

func (s *Session) delete(ctx context.Context, ev protocol.SessionEvent) error {
	action := ev.String()
	id, err := s.characterArg(ev)
	if err != nil {
		return err
	}
	if err := s.authorize(ctx, id, action); err != nil {
		return err
	}
	if s.Playing() {
		return protocol.Benign(protocol.ErrorConflict, "Currently logged in", action)
	}
	if _, inPlay := s.srv.world.Owner(id); inPlay {
		return protocol.Benign(protocol.ErrorConflict, "Character already in play", action)
	}

	if err := s.srv.store.DeleteCharacter(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return protocol.Benign(protocol.ErrorInvalidRequest, "Character not found", action)
		}
		return err
	}
	s.log.Infow("character deleted", "character", id)
	return s.conn.SendEvent(protocol.NewSessionEvent(protocol.CommandDelete).
		With(protocol.ArgCharacterUUID, id))
}

// despawn 停止广播 → 移出世界 → 写回最终位置。持久化失败只记录日志。
func (s *Session) despawn(ctx context.Context) {
	id := s.character
	if id == "" {
		return
	}
	if s.stopBroadcast != nil {
		s.stopBroadcast()
		s.stopBroadcast = nil
	}
	s.character = ""

	s.srv.persistMu.Lock()
	defer s.srv.persistMu.Unlock()
	final, ok := s.srv.world.Despawn(id)
	if !ok {
		return
	}
	// 连接可能已取消，下线持久化仍要完成
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := s.srv.store.SaveLocation(pctx, id, locationOf(final)); err != nil {
		s.srv.metrics.IncPersistFailure()
		s.log.Warnw("failed to persist character on despawn", "character", id, "err", err)
		return
	}
	s.log.Infow("character despawned", "character", id, "x", final.Position.X, "y", final.Position.Y)
}

// teardown 连接关闭后调用
func (s *Session) teardown() {
	s.despawn(context.Background())
}

func (s *Session) characterArg(ev protocol.SessionEvent) (string, error) {
	var id string
	ok, err := ev.Arg(protocol.ArgCharacterUUID, &id)
	if err != nil {
		return "", invalidArgument(protocol.ArgCharacterUUID, ev.String())
	}
	if !ok || id == "" {
		return "", protocol.MissingArgument(protocol.ArgCharacterUUID, ev.String())
	}
	return id, nil
}

// authorize 开启所有权校验时，角色必须属于本连接的账号
func (s *Session) authorize(ctx context.Context, id, action string) error {
	if !s.srv.rules.EnforceOwnership() {
		return nil
	}
	ids, err := s.srv.store.ListCharacterIDs(ctx, s.account.ID)
	if err != nil {
		return err
	}
	for _, c := range ids {
		if c == id {
			return nil
		}
	}
	return unauthorized(protocol.ArgCharacterUUID, action)
}

func unauthorized(name, action string) *protocol.ErrorEvent {
	return protocol.Benign(protocol.ErrorAuthorization,
		fmt.Sprintf("Unauthorized use of keyword argument: %q", name), action)
}

func invalidArgument(name, action string) *protocol.ErrorEvent {
	return protocol.Benign(protocol.ErrorInvalidRequest,
		fmt.Sprintf("Invalid keyword argument: %q", name), action)
}

func locationOf(st protocol.PlayerState) protocol.Location {
	return protocol.Location{MapID: st.MapID, X: st.Position.X, Y: st.Position.Y}
}
