package api

import (
	"encoding/json"
	"fmt"
	"strconv"
	"unicode/utf8"
)

// Envelope is the uniform response wrapper returned by every endpoint.
type Envelope[T any] struct {
	Data    T      `json:"data"`
	Message string `json:"message,omitempty"`
	Status  string `json:"status,omitempty"`
}

// rawEnvelope is used while decoding so a missing data field can be told
// apart from a zero value.
type rawEnvelope struct {
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message,omitempty"`
	Status  string          `json:"status,omitempty"`
}

// Room is the read model of a room ("spot"). Host fields are denormalized
// onto the room and the wire format is snake_case.
type Room struct {
	ID                  int64   `json:"id"`
	Name                string  `json:"name"`
	Description         string  `json:"description"`
	IsPrivate           bool    `json:"is_private"`
	Thumbnail           *string `json:"thumbnail,omitempty"`
	HostID              int64   `json:"host_id"`
	InviteCode          string  `json:"invite_code,omitempty"`
	HostNickname        string  `json:"host_nickname,omitempty"`
	HostProfileImageURL string  `json:"host_profile_image_url,omitempty"`
	MemberCount         int     `json:"member_count"`
}

// Maximum lengths enforced by the room form.
const (
	MaxRoomNameLength        = 50
	MaxRoomDescriptionLength = 50
)

// RoomCreateRequest is the body of POST /api/v1/rooms.
type RoomCreateRequest struct {
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	IsPrivate   bool    `json:"isPrivate,omitempty"`
	Thumbnail   *string `json:"thumbnail,omitempty"`
}

// Validate checks the request before it is sent.
func (r RoomCreateRequest) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidRequest)
	}
	return validateRoomText(r.Name, r.Description)
}

// RoomUpdateRequest is the body of PATCH /api/v1/rooms/{id}. Nil fields are
// left unchanged by the server.
type RoomUpdateRequest struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	IsPrivate   *bool   `json:"isPrivate,omitempty"`
	Thumbnail   *string `json:"thumbnail,omitempty"`
}

// Validate checks the request before it is sent.
func (r RoomUpdateRequest) Validate() error {
	var name, desc string
	if r.Name != nil {
		if *r.Name == "" {
			return fmt.Errorf("%w: name must not be empty", ErrInvalidRequest)
		}
		name = *r.Name
	}
	if r.Description != nil {
		desc = *r.Description
	}
	return validateRoomText(name, desc)
}

func validateRoomText(name, desc string) error {
	if utf8.RuneCountInString(name) > MaxRoomNameLength {
		return fmt.Errorf("%w: name exceeds %d characters", ErrInvalidRequest, MaxRoomNameLength)
	}
	if utf8.RuneCountInString(desc) > MaxRoomDescriptionLength {
		return fmt.Errorf("%w: description exceeds %d characters", ErrInvalidRequest, MaxRoomDescriptionLength)
	}
	return nil
}

// Profile is the user payload of the profile endpoints. The backend has
// shipped both user_id/id and name/nickname spellings; accessors reconcile
// them.
type Profile struct {
	UserID       int64  `json:"user_id,omitempty"`
	ID           int64  `json:"id,omitempty"`
	Email        string `json:"email,omitempty"`
	Name         string `json:"name,omitempty"`
	Nickname     string `json:"nickname,omitempty"`
	ProfileImage string `json:"profile_image,omitempty"`
	Status       string `json:"status,omitempty"`
}

// GuestStatus marks an anonymous session in Profile.Status.
const GuestStatus = "guest"

// Identity returns the user id, preferring user_id.
func (p Profile) Identity() int64 {
	if p.UserID != 0 {
		return p.UserID
	}
	return p.ID
}

// DisplayName returns the nickname, preferring name.
func (p Profile) DisplayName() string {
	if p.Name != "" {
		return p.Name
	}
	return p.Nickname
}

// IsGuest reports whether the payload describes an anonymous session.
func (p Profile) IsGuest() bool { return p.Status == GuestStatus }

// ProfileUpdateRequest is the body of PUT /api/v1/users.
type ProfileUpdateRequest struct {
	Nickname        string `json:"nickname"`
	ProfileImageURL string `json:"profileImageUrl,omitempty"`
}

func formatID(id int64) string { return strconv.FormatInt(id, 10) }
