package dto

import (
	"encoding/json"

	"go.uber.org/zap"
)

// Request types sent by the UI over the websocket.
const (
	REQ_VOTE             = "Vote"
	REQ_NIGHT_ACTION     = "NightAction"
	REQ_PHASE_CHANGE     = "PhaseChange"
	REQ_ELIMINATE        = "Eliminate"
	REQ_REVEAL_ROLE      = "RevealRole"
	REQ_START_GAME       = "StartGame"
	REQ_CANCEL_COUNTDOWN = "CancelCountdown"
	REQ_FORCE_RECONNECT  = "ForceReconnect"
)

type RequestWrapper struct {
	ReqType string          `json:"request_type"`
	Data    json.RawMessage `json:"data"`
}

// TryUnwrap decodes the payload of wrapper if it is of reqType.
func TryUnwrap[T any](wrapper RequestWrapper, reqType string) *T {
	if wrapper.ReqType != reqType {
		return nil
	}

	var req T

	if len(wrapper.Data) == 0 {
		return &req
	}
	if err := json.Unmarshal(wrapper.Data, &req); err != nil {
		zap.L().Error(
			"failed to unwrap request",
			zap.String("request_type", reqType),
			zap.Error(err),
		)
		return nil
	}

	return &req
}

// Response types pushed to the UI.
const (
	RESP_ERROR            = "Error"
	RESP_GAME_STATE       = "GameState"
	RESP_CONNECTION_STATS = "ConnectionStats"
	RESP_COUNTDOWN        = "Countdown"
	RESP_ACK              = "Ack"
)

type ResponseWrapper struct {
	RespType string `json:"response_type"`
	Data     any    `json:"data"`
	ErrMsg   string `json:"error_message,omitempty"`
}

func WrapResponse(respType string, data any) ResponseWrapper {
	return ResponseWrapper{
		RespType: respType,
		Data:     data,
	}
}

func WrapErrResponse(errMsg string) ResponseWrapper {
	return ResponseWrapper{
		RespType: RESP_ERROR,
		ErrMsg:   errMsg,
	}
}
