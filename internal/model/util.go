package model

import (
	crand "crypto/rand"
	"math/big"
	"strings"

	"github.com/google/uuid"
)

const (
	RoomCodeLength = 6
	RoomCodeChars  = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
)

func GenID() string {
	id, err := uuid.NewV7()
	if err != nil {
		panic("Failed to generate UUID: " + err.Error())
	}

	return id.String()
}

// GenerateRoomCode draws RoomCodeLength characters from RoomCodeChars.
func GenerateRoomCode() string {
	code := make([]byte, RoomCodeLength)
	for i := range RoomCodeLength {
		n, err := crand.Int(crand.Reader, big.NewInt(int64(len(RoomCodeChars))))
		if err != nil {
			panic("Failed to generate room code: " + err.Error())
		}
		code[i] = RoomCodeChars[n.Int64()]
	}
	return string(code)
}

// NormalizeRoomCode makes room codes case-insensitive.
func NormalizeRoomCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
