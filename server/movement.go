package server

import (
	"errors"

	"realmnet/protocol"
)

// handleMovement 按键位图换算速度，覆盖权威位置；距离只用于遥测
func (s *Session) handleMovement(ev protocol.MovementEvent) error {
	if !s.Playing() {
		return protocol.Benign(protocol.ErrorConflict, "Currently logged out", ev.String())
	}
	velocity := protocol.Velocity(ev.Keys)
	distance, err := s.srv.world.Move(s.character, velocity, ev.Position, s.srv.rules.MaxStepDistance())
	switch {
	case errors.Is(err, ErrStepTooLong):
		s.log.Warnw("movement step rejected", "character", s.character, "distance", distance)
		return protocol.NewErrorEvent(protocol.ErrorOutOfBounds, protocol.SeverityMedium, protocol.NatureAbuse,
			"Movement exceeds maximum step", ev.String())
	case errors.Is(err, ErrNotSpawned):
		return protocol.Benign(protocol.ErrorConflict, "Currently logged out", ev.String())
	case err != nil:
		return err
	}
	s.log.Debugw("movement", "character", s.character, "keys", protocol.UnmapKeys(ev.Keys),
		"x", ev.Position.X, "y", ev.Position.Y, "distance", distance)
	return nil
}
