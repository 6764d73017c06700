package service

import (
	"fmt"

	"werewolf-session/internal/service/dto"
	"werewolf-session/internal/session"
)

type health int

const (
	healthOK health = iota
	healthTerminal
	healthGone
)

func sessionHealth(s *session.Session) health {
	if s == nil || !s.Active() {
		return healthGone
	}
	if s.Stats().Terminal {
		return healthTerminal
	}
	return healthOK
}

func gameState(s *session.Session) dto.GameStateResponse {
	resp := dto.GameStateResponse{
		Game:   s.Store.CurrentGame(),
		Player: s.Store.CurrentPlayer(),
	}
	if err := s.Store.Err(); err != nil {
		resp.Error = err.Error()
	}
	return resp
}

func joinResponse(id string, s *session.Session) (dto.JoinGameResponse, error) {
	p := s.Store.CurrentPlayer()
	if p == nil {
		return dto.JoinGameResponse{}, session.ErrNoGame
	}
	return dto.JoinGameResponse{
		SessionID: id,
		Player:    *p,
		Game:      s.Store.CurrentGame(),
	}, nil
}

func invalidRequest(reqType string) error {
	return fmt.Errorf("%w: malformed %s payload", ErrInvalidRequest, reqType)
}
