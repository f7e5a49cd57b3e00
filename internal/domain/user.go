// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"fmt"
	"strconv"
	"unicode/utf8"
)

const (
	MaxUsernameLen = 64

	GuestIDMin = 10000
	GuestIDMax = 99999
)

var (
	ErrUsernameTooLong = errors.New("username too long")
	ErrUsernameEmpty   = errors.New("username empty")
)

type UserID int64

func (id UserID) String() string { return strconv.FormatInt(int64(id), 10) }

// User is an authenticated identity. Guest users live only as long as their connection.
type User struct {
	ID       UserID `json:"id"`
	Username string `json:"username"`
	Guest    bool   `json:"-"`
}

// NewUser is a tiny helper to avoid ad-hoc struct literals in adapters.
func NewUser(id UserID, username string) (*User, error) {
	if err := validUsername(username); err != nil {
		return nil, err
	}
	return &User{ID: id, Username: username}, nil
}

// NewGuest builds the meets-flow guest identity: "Guest_<name>_<id>".
func NewGuest(id UserID, name string) *User {
	if name == "" {
		name = "Guest"
	}
	name = truncate(name, MaxUsernameLen)
	return &User{
		ID:       id,
		Username: fmt.Sprintf("Guest_%s_%d", name, id),
		Guest:    true,
	}
}

// NewRoomGuest builds a rooms-flow guest from the name given at connect time.
func NewRoomGuest(name string) (*User, error) {
	if err := validUsername(name); err != nil {
		return nil, err
	}
	return &User{Username: name, Guest: true}, nil
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func validUsername(username string) error {
	if len(username) == 0 {
		return ErrUsernameEmpty
	}
	if len(username) > MaxUsernameLen {
		return ErrUsernameTooLong
	}
	return nil
}
