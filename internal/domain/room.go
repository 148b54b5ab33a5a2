package domain

import (
	"errors"
	"strings"
)

const MaxRoomIDLen = 64

var (
	ErrRoomIDEmpty   = errors.New("room id empty")
	ErrRoomIDTooLong = errors.New("room id too long")
)

type RoomID string

func NewRoomID(raw string) (RoomID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrRoomIDEmpty
	}
	if len(raw) > MaxRoomIDLen {
		return "", ErrRoomIDTooLong
	}
	return RoomID(raw), nil
}
