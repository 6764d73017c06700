package websocket

import (
	"encoding/json"
	"time"

	"werewolf-session/internal/service/dto"
	"werewolf-session/internal/session"
	"werewolf-session/internal/state"

	"github.com/gorilla/websocket"
	"github.com/kataras/iris/v12"
	"go.uber.org/zap"
)

// StreamSession upgrades to a websocket that pushes every state, connection
// and countdown change of one session and accepts UI intents in return.
func StreamSession(appState *state.AppState) iris.Handler {
	return func(ctx iris.Context) {
		sessionID := ctx.Params().Get("id")

		s, err := appState.SessionSvc.Session(sessionID)
		if err != nil {
			ctx.StatusCode(iris.StatusNotFound)
			ctx.JSON(iris.Map{
				"error": err.Error(),
			})
			return
		}

		conn, err := upgrader.Upgrade(
			ctx.ResponseWriter(),
			ctx.Request(),
			nil,
		)
		if err != nil {
			zap.L().Error("failed to upgrade to websocket", zap.Error(err))
			return
		}

		defer conn.Close()

		conn.SetReadDeadline(time.Now().Add(HEARTBEAT_TIMEOUT))
		conn.SetPongHandler(heartbeatHandler(conn))

		clientIP := ctx.RemoteAddr()

		events, unsubscribe := s.Bus.Subscribe(STREAM_BUFFER)
		defer unsubscribe()

		respCh := make(chan dto.ResponseWrapper, STREAM_BUFFER)

		// The stream opens with the full picture; events only carry deltas
		// of one kind each.
		if st, err := appState.SessionSvc.GameState(sessionID); err == nil {
			respCh <- dto.WrapResponse(dto.RESP_GAME_STATE, st)
		}
		respCh <- dto.WrapResponse(dto.RESP_CONNECTION_STATS, s.Stats())
		respCh <- dto.WrapResponse(dto.RESP_COUNTDOWN, s.Phase.Countdown())

		zap.L().Info(
			"session stream opened",
			zap.String("client_ip", clientIP),
			zap.String("session_id", sessionID),
		)

		writeDoneCh := make(chan struct{})
		defer close(writeDoneCh)

		go func() {
			ticker := time.NewTicker(HEARTBEAT_INTERVAL)
			defer ticker.Stop()

			write := func(resp dto.ResponseWrapper) bool {
				conn.SetWriteDeadline(time.Now().Add(HEARTBEAT_TIMEOUT))
				if err := conn.WriteJSON(resp); err != nil {
					zap.L().Error(
						"failed to send message",
						zap.String("client_ip", clientIP),
						zap.Error(err),
					)
					return false
				}
				return true
			}

			for {
				select {
				case <-writeDoneCh:
					return

				case <-ticker.C:
					conn.SetWriteDeadline(time.Now().Add(HEARTBEAT_TIMEOUT))
					if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
						zap.L().Error(
							"failed to send heartbeat",
							zap.String("client_ip", clientIP),
							zap.Error(err),
						)
						return
					}

				case ev, ok := <-events:
					if !ok {
						return
					}
					if resp, ok := eventResponse(s, ev); ok && !write(resp) {
						return
					}

				case resp := <-respCh:
					if !write(resp) {
						return
					}
				}
			}
		}()

		reply := func(resp dto.ResponseWrapper) {
			select {
			case respCh <- resp:
			default:
				zap.L().Warn(
					"dropping reply: response channel full",
					zap.String("session_id", sessionID),
				)
			}
		}

		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(
					err,
					websocket.CloseGoingAway,
					websocket.CloseAbnormalClosure,
				) {
					zap.L().Error(
						"failed to read message",
						zap.String("client_ip", clientIP),
						zap.Error(err),
					)
				}

				break
			}

			var wrapper dto.RequestWrapper

			if err := json.Unmarshal(msg, &wrapper); err != nil {
				zap.L().Error(
					"failed to parse message",
					zap.String("client_ip", clientIP),
					zap.Error(err),
				)

				reply(dto.WrapErrResponse("invalid request format"))
				continue
			}

			result, err := appState.SessionSvc.Handle(ctx.Request().Context(), sessionID, wrapper)
			if err != nil {
				zap.L().Warn(
					"request failed",
					zap.String("session_id", sessionID),
					zap.String("request_type", wrapper.ReqType),
					zap.Error(err),
				)

				reply(dto.WrapErrResponse(err.Error()))
				continue
			}

			reply(dto.WrapResponse(dto.RESP_ACK, ack{RequestType: wrapper.ReqType, Result: result}))
		}

		// A dropped stream is not a leave: the session keeps syncing until
		// it is left explicitly or reaped.
		zap.L().Info(
			"session stream closed",
			zap.String("client_ip", clientIP),
			zap.String("session_id", sessionID),
		)
	}
}

type ack struct {
	RequestType string `json:"request_type"`
	Result      any    `json:"result,omitempty"`
}

func eventResponse(s *session.Session, ev session.Event) (dto.ResponseWrapper, bool) {
	switch ev.Kind {
	case session.EventGameChanged:
		resp := dto.GameStateResponse{Game: ev.Game, Player: s.Store.CurrentPlayer()}
		if err := s.Store.Err(); err != nil {
			resp.Error = err.Error()
		}
		return dto.WrapResponse(dto.RESP_GAME_STATE, resp), true

	case session.EventError:
		if ev.Err == nil {
			return dto.ResponseWrapper{}, false
		}
		return dto.WrapErrResponse(ev.Err.Error()), true

	case session.EventConnection:
		return dto.WrapResponse(dto.RESP_CONNECTION_STATS, ev.Stats), true

	case session.EventCountdown:
		return dto.WrapResponse(dto.RESP_COUNTDOWN, ev.Countdown), true
	}

	return dto.ResponseWrapper{}, false
}
