package domain

import "errors"

const MaxRoomIDLen = 128

var ErrRoomIDInvalid = errors.New("room id invalid")

type RoomID string

func ParseRoomID(raw string) (RoomID, error) {
	if raw == "" || len(raw) > MaxRoomIDLen {
		return "", ErrRoomIDInvalid
	}
	return RoomID(raw), nil
}
