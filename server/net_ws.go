package server

import (
	"errors"
	"math/rand"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"realmnet/auth"
	"realmnet/pipeline"
	"realmnet/protocol"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// 客户端为原生程序而非浏览器，不校验 Origin
		return true
	},
}

// HandleWS WebSocket 接入：握手时校验 "Authorization: Bearer <token>"，
// 之后整条连接交给 pipeline.Conn，直到任一循环出错。
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	token, err := auth.BearerToken(r.Header.Get("Authorization"))
	if err != nil {
		w.Header().Set("WWW-Authenticate", "Bearer")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	identity, err := s.auth.Authenticate(r.Context(), token)
	if err != nil {
		s.log.Infow("rejected handshake", "remote", r.RemoteAddr, "err", err)
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	account, err := s.store.EnsureAccount(r.Context(), identity.AccountUUID, s.cfg.MaxCharacters)
	if err != nil {
		s.log.Errorw("failed to load account", "account", identity.AccountUUID, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	characters, err := s.store.ListCharacterIDs(r.Context(), account.ID)
	if err != nil {
		s.log.Errorw("failed to list characters", "account", account.UUID, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if len(characters) == 0 && s.cfg.AutoCreateCharacter {
		if _, err := s.store.CreateCharacter(r.Context(), account.ID, randomName()); err != nil {
			s.log.Errorw("failed to create starter character", "account", account.UUID, "err", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnw("upgrade error", "err", err)
		return
	}
	ws.SetReadLimit(int64(s.cfg.MaxFrameBytes) + protocol.HeaderSize)
	ws.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		return nil
	})

	connID := uuid.NewString()
	conn := pipeline.NewConn(connID, ws,
		pipeline.WithLogger(s.log),
		pipeline.WithObserver(s.metrics),
		pipeline.WithWriteTimeout(s.cfg.WriteTimeout),
		pipeline.WithPingInterval(s.cfg.PingInterval),
		pipeline.WithMaxFrame(s.cfg.MaxFrameBytes),
	)
	sess := newSession(s, conn, account)

	if err := s.hub.Register(conn); err != nil {
		s.log.Infow("refusing connection during shutdown", "conn", connID, "remote", r.RemoteAddr)
		conn.Close()
		return
	}
	s.metrics.IncConnOpened()
	s.log.Infow("client connected", "conn", connID, "account", account.UUID, "remote", r.RemoteAddr)

	err = conn.Run(s.baseCtx, sess)
	// 关闭连接时若仍在 PLAY，先下线再完成拆除
	sess.teardown()
	s.hub.Unregister(conn)
	s.metrics.IncConnClosed()

	if err != nil && !errors.Is(err, pipeline.ErrClosed) {
		s.log.Infow("client disconnected", "conn", connID, "reason", err)
	} else {
		s.log.Infow("client disconnected", "conn", connID)
	}
}

const nameLetters = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

// randomName 新账号的初始角色名：8 个随机字母
func randomName() string {
	b := make([]byte, 8)
	for i := range b {
		b[i] = nameLetters[rand.Intn(len(nameLetters))]
	}
	return string(b)
}
