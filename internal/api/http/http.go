package http

import (
	"errors"
	"fmt"

	"werewolf-session/internal/api/http/websocket"
	"werewolf-session/internal/model"
	"werewolf-session/internal/service"
	"werewolf-session/internal/service/dto"
	"werewolf-session/internal/session"
	"werewolf-session/internal/state"

	"github.com/kataras/iris/v12"
)

func NewApp(appState *state.AppState) *iris.Application {
	app := iris.Default()

	api := app.Party("/api/v1")

	api.Post("/games", CreateGame(appState))

	api.Post("/sessions", JoinGame(appState))
	api.Delete("/sessions/{id}", LeaveGame(appState))
	api.Get("/sessions/{id}/state", GameState(appState))
	api.Get("/sessions/{id}/roster", Roster(appState))
	api.Get("/sessions/{id}/stats", ConnectionStats(appState))
	api.Get("/sessions/{id}/ws", websocket.StreamSession(appState))

	api.Post("/sessions/{id}/vote", Dispatch(appState, dto.REQ_VOTE))
	api.Post("/sessions/{id}/night-action", Dispatch(appState, dto.REQ_NIGHT_ACTION))
	api.Post("/sessions/{id}/eliminate", Dispatch(appState, dto.REQ_ELIMINATE))
	api.Post("/sessions/{id}/reveal", Dispatch(appState, dto.REQ_REVEAL_ROLE))
	api.Post("/sessions/{id}/phase", Dispatch(appState, dto.REQ_PHASE_CHANGE))
	api.Post("/sessions/{id}/phase/next", NextPhase(appState))
	api.Post("/sessions/{id}/phase/end", EndGame(appState))
	api.Post("/sessions/{id}/start", Dispatch(appState, dto.REQ_START_GAME))
	api.Post("/sessions/{id}/countdown/cancel", Dispatch(appState, dto.REQ_CANCEL_COUNTDOWN))
	api.Post("/sessions/{id}/countdown/restart", RestartCountdown(appState))

	api.Post("/sessions/{id}/reconnect", Dispatch(appState, dto.REQ_FORCE_RECONNECT))
	api.Post("/sessions/{id}/visibility", VisibilityRegained(appState))
	api.Post("/sessions/{id}/probe", Probe(appState))
	api.Post("/sessions/{id}/replay", ReplayActions(appState))

	api.Get("/sessions/{id}/backups", ListBackups(appState))
	api.Post("/sessions/{id}/backups", BackupNow(appState))
	api.Post("/sessions/{id}/backups/restore", RestoreBackup(appState))
	api.Get("/sessions/{id}/snapshot", ExportSnapshot(appState))
	api.Post("/sessions/{id}/snapshot", ImportSnapshot(appState))

	return app
}

// RunServer blocks until the server stops. An interrupt shuts it down
// gracefully, in which case the error is nil.
func RunServer(appState *state.AppState) error {
	app := NewApp(appState)

	addr := fmt.Sprintf(
		"%s:%d",
		appState.Cfg.Host,
		appState.Cfg.Port,
	)

	if err := app.Listen(addr); err != nil && !errors.Is(err, iris.ErrServerClosed) {
		return err
	}
	return nil
}

func withSession(appState *state.AppState, fn func(ctx iris.Context, s *session.Session)) iris.Handler {
	return func(ctx iris.Context) {
		s, err := appState.SessionSvc.Session(ctx.Params().Get("id"))
		if err != nil {
			writeError(ctx, err)
			return
		}
		fn(ctx, s)
	}
}

func writeError(ctx iris.Context, err error) {
	ctx.StatusCode(statusOf(err))
	ctx.JSON(iris.Map{
		"error": err.Error(),
	})
}

func statusOf(err error) int {
	var ve *model.ValidationError

	switch {
	case errors.As(err, &ve),
		errors.Is(err, service.ErrInvalidRequest),
		errors.Is(err, session.ErrInvalidPhase),
		errors.Is(err, session.ErrInvalidTransition):
		return iris.StatusBadRequest

	case errors.Is(err, session.ErrNotGameMaster):
		return iris.StatusForbidden

	case errors.Is(err, service.ErrSessionNotFound),
		errors.Is(err, session.ErrGameNotFound),
		errors.Is(err, session.ErrPlayerNotFound),
		errors.Is(err, session.ErrNoBackup):
		return iris.StatusNotFound

	case errors.Is(err, session.ErrGameInProgress),
		errors.Is(err, session.ErrGameFull),
		errors.Is(err, session.ErrAlreadyJoined),
		errors.Is(err, session.ErrNotReady),
		errors.Is(err, session.ErrGameMasterLost),
		errors.Is(err, session.ErrNoGame),
		errors.Is(err, session.ErrNoRoom),
		errors.Is(err, session.ErrBackupStale),
		errors.Is(err, session.ErrSnapshotRoom),
		errors.Is(err, session.ErrSnapshotVersion):
		return iris.StatusConflict

	case errors.Is(err, session.ErrReconnectExhausted),
		errors.Is(err, session.ErrStaleState):
		return iris.StatusServiceUnavailable
	}

	return iris.StatusInternalServerError
}
