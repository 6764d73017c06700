package http

import (
	"bytes"

	"werewolf-session/internal/service/dto"
	"werewolf-session/internal/session"
	"werewolf-session/internal/state"

	"github.com/kataras/iris/v12"
)

func ListBackups(appState *state.AppState) iris.Handler {
	return withSession(appState, func(ctx iris.Context, s *session.Session) {
		backups, err := s.Backup.ListBackups(ctx.Request().Context())
		if err != nil {
			writeError(ctx, err)
			return
		}

		ctx.JSON(backups)
	})
}

func BackupNow(appState *state.AppState) iris.Handler {
	return withSession(appState, func(ctx iris.Context, s *session.Session) {
		key, err := s.Backup.BackupNow(ctx.Request().Context())
		if err != nil {
			writeError(ctx, err)
			return
		}

		ctx.StatusCode(iris.StatusCreated)
		ctx.JSON(dto.BackupResponse{Key: key})
	})
}

func RestoreBackup(appState *state.AppState) iris.Handler {
	return withSession(appState, func(ctx iris.Context, s *session.Session) {
		var req dto.RestoreBackupRequest

		if err := ctx.ReadJSON(&req); err != nil || req.Key == "" {
			ctx.StatusCode(iris.StatusBadRequest)
			ctx.JSON(iris.Map{
				"error": "key is required",
			})
			return
		}

		if err := s.Backup.RestoreBackup(ctx.Request().Context(), req.Key); err != nil {
			writeError(ctx, err)
			return
		}

		ctx.JSON(dto.GameStateResponse{
			Game:   s.Store.CurrentGame(),
			Player: s.Store.CurrentPlayer(),
		})
	})
}

func ExportSnapshot(appState *state.AppState) iris.Handler {
	return withSession(appState, func(ctx iris.Context, s *session.Session) {
		var buf bytes.Buffer

		if err := s.Backup.Export(&buf); err != nil {
			writeError(ctx, err)
			return
		}

		ctx.ContentType("application/json")
		ctx.Header("Content-Disposition", "attachment; filename=\""+s.RoomCode()+"-snapshot.json\"")
		ctx.Write(buf.Bytes())
	})
}

func ImportSnapshot(appState *state.AppState) iris.Handler {
	return withSession(appState, func(ctx iris.Context, s *session.Session) {
		if err := s.Backup.Import(ctx.Request().Context(), ctx.Request().Body); err != nil {
			writeError(ctx, err)
			return
		}

		ctx.StatusCode(iris.StatusNoContent)
	})
}
