package http

import (
	"time"

	"werewolf-session/internal/service/dto"
	"werewolf-session/internal/session"
	"werewolf-session/internal/state"

	"github.com/kataras/iris/v12"
)

// Dispatch runs the request body as a reqType intent, the same way the
// websocket stream does.
func Dispatch(appState *state.AppState, reqType string) iris.Handler {
	return func(ctx iris.Context) {
		body, err := ctx.GetBody()
		if err != nil {
			ctx.StatusCode(iris.StatusBadRequest)
			ctx.JSON(iris.Map{
				"error": "invalid request body",
			})
			return
		}

		result, err := appState.SessionSvc.Handle(
			ctx.Request().Context(),
			ctx.Params().Get("id"),
			dto.RequestWrapper{ReqType: reqType, Data: body},
		)
		if err != nil {
			writeError(ctx, err)
			return
		}

		if result == nil {
			ctx.StatusCode(iris.StatusNoContent)
			return
		}
		ctx.JSON(result)
	}
}

func NextPhase(appState *state.AppState) iris.Handler {
	return withSession(appState, func(ctx iris.Context, s *session.Session) {
		phase, err := s.Phase.NextPhase(ctx.Request().Context())
		if err != nil {
			writeError(ctx, err)
			return
		}

		ctx.JSON(dto.PhaseChangeResponse{Phase: phase})
	})
}

func EndGame(appState *state.AppState) iris.Handler {
	return withSession(appState, func(ctx iris.Context, s *session.Session) {
		if err := s.Phase.EndGame(ctx.Request().Context()); err != nil {
			writeError(ctx, err)
			return
		}

		ctx.StatusCode(iris.StatusNoContent)
	})
}

func RestartCountdown(appState *state.AppState) iris.Handler {
	return withSession(appState, func(ctx iris.Context, s *session.Session) {
		if err := s.Phase.RestartCountdown(); err != nil {
			writeError(ctx, err)
			return
		}

		ctx.JSON(s.Phase.Countdown())
	})
}

func VisibilityRegained(appState *state.AppState) iris.Handler {
	return withSession(appState, func(ctx iris.Context, s *session.Session) {
		if err := s.VisibilityRegained(ctx.Request().Context()); err != nil {
			writeError(ctx, err)
			return
		}

		ctx.JSON(s.Stats())
	})
}

func Probe(appState *state.AppState) iris.Handler {
	return withSession(appState, func(ctx iris.Context, s *session.Session) {
		latency, err := s.Conn.Probe(ctx.Request().Context())
		if err != nil {
			writeError(ctx, err)
			return
		}

		ctx.JSON(dto.ProbeResponse{Latency: latency})
	})
}

// ReplayActions re-applies the action log from the RFC 3339 "since" query
// parameter, or from the beginning when it is absent.
func ReplayActions(appState *state.AppState) iris.Handler {
	return withSession(appState, func(ctx iris.Context, s *session.Session) {
		var since time.Time

		if raw := ctx.URLParam("since"); raw != "" {
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				ctx.StatusCode(iris.StatusBadRequest)
				ctx.JSON(iris.Map{
					"error": "since must be an RFC 3339 timestamp",
				})
				return
			}
			since = t
		}

		applied, err := s.ReplayActions(ctx.Request().Context(), since)
		if err != nil {
			writeError(ctx, err)
			return
		}

		ctx.JSON(dto.ReplayResponse{Applied: applied})
	})
}
