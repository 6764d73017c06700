package session

import "errors"

var (
	// ErrNoRoom means a dispatcher call was made before joining a room. It
	// is a programming error and is never retried.
	ErrNoRoom = errors.New("session: no room code")

	ErrNoGame            = errors.New("session: no game loaded")
	ErrGameNotFound      = errors.New("session: game not found")
	ErrPlayerNotFound    = errors.New("session: player not found")
	ErrNotGameMaster     = errors.New("session: only the game master can do that")
	ErrGameMasterLost    = errors.New("session: update would leave the game without a game master")
	ErrGameInProgress    = errors.New("session: game already started")
	ErrGameFull          = errors.New("session: game is full")
	ErrAlreadyJoined     = errors.New("session: already joined")
	ErrInvalidPhase      = errors.New("session: invalid phase")
	ErrInvalidTransition = errors.New("session: invalid phase transition")
	ErrNotReady          = errors.New("session: not every player is connected")

	ErrReconnectExhausted = errors.New("connection: reconnect attempts exhausted")
	ErrStaleState         = errors.New("state may be stale: no fresh backup to restore")

	ErrNoBackup        = errors.New("backup: no snapshot for room")
	ErrBackupStale     = errors.New("backup: snapshot older than freshness threshold")
	ErrSnapshotVersion = errors.New("backup: unsupported snapshot version")
	ErrSnapshotRoom    = errors.New("backup: snapshot belongs to another room")
)
