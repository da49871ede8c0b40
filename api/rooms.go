package api

import (
	"context"
	"net/http"
	"net/url"
)

const roomsEndpoint = "/api/v1/rooms"

// PublicRoom fetches a public room by id.
// GET /api/v1/rooms/public/{roomId}
func (c *Client) PublicRoom(ctx context.Context, roomID int64) (*Room, error) {
	var room Room
	if err := c.call(ctx, http.MethodGet, roomsEndpoint+"/public/"+formatID(roomID), nil, nil, &room); err != nil {
		return nil, err
	}
	return &room, nil
}

// PrivateRoom fetches a private room by id. The caller must be allowed to
// see it.
// GET /api/v1/rooms/private/{roomId}
func (c *Client) PrivateRoom(ctx context.Context, roomID int64) (*Room, error) {
	var room Room
	if err := c.call(ctx, http.MethodGet, roomsEndpoint+"/private/"+formatID(roomID), nil, nil, &room); err != nil {
		return nil, err
	}
	return &room, nil
}

// PublicRooms lists public rooms, latest first.
// GET /api/v1/rooms/public
func (c *Client) PublicRooms(ctx context.Context) ([]Room, error) {
	return c.roomList(ctx, roomsEndpoint+"/public", nil)
}

// PrivateRooms lists private rooms visible to the caller, latest first.
// GET /api/v1/rooms/private
func (c *Client) PrivateRooms(ctx context.Context) ([]Room, error) {
	return c.roomList(ctx, roomsEndpoint+"/private", nil)
}

// HostedRooms lists rooms hosted by userID.
// GET /api/v1/rooms/hosted?userId={userId}
func (c *Client) HostedRooms(ctx context.Context, userID int64) ([]Room, error) {
	return c.roomList(ctx, roomsEndpoint+"/hosted", idQuery("userId", userID))
}

// JoinedRooms lists rooms userID participates in.
// GET /api/v1/rooms/joined?userId={userId}
func (c *Client) JoinedRooms(ctx context.Context, userID int64) ([]Room, error) {
	return c.roomList(ctx, roomsEndpoint+"/joined", idQuery("userId", userID))
}

// CreateRoom creates a room hosted by hostID.
// POST /api/v1/rooms?hostId={hostId}
func (c *Client) CreateRoom(ctx context.Context, hostID int64, req RoomCreateRequest) (*Room, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	var room Room
	if err := c.call(ctx, http.MethodPost, roomsEndpoint, idQuery("hostId", hostID), req, &room); err != nil {
		return nil, err
	}
	return &room, nil
}

// UpdateRoom applies a partial update on behalf of requesterID.
// PATCH /api/v1/rooms/{roomId}?requesterId={requesterId}
func (c *Client) UpdateRoom(ctx context.Context, roomID, requesterID int64, req RoomUpdateRequest) (*Room, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	var room Room
	if err := c.call(ctx, http.MethodPatch, roomsEndpoint+"/"+formatID(roomID), idQuery("requesterId", requesterID), req, &room); err != nil {
		return nil, err
	}
	return &room, nil
}

// DeleteRoom deletes a room on behalf of requesterID and returns the id the
// server reports as deleted.
// DELETE /api/v1/rooms/{roomId}?requesterId={requesterId}
func (c *Client) DeleteRoom(ctx context.Context, roomID, requesterID int64) (int64, error) {
	var deleted int64
	if err := c.call(ctx, http.MethodDelete, roomsEndpoint+"/"+formatID(roomID), idQuery("requesterId", requesterID), nil, &deleted); err != nil {
		return 0, err
	}
	return deleted, nil
}

// JoinRoom adds userID to a room. inviteCode is only sent when non-empty.
// POST /api/v1/rooms/{roomId}/join?userId={userId}&inviteCode={inviteCode}
func (c *Client) JoinRoom(ctx context.Context, roomID, userID int64, inviteCode string) (*Room, error) {
	q := idQuery("userId", userID)
	if inviteCode != "" {
		q.Set("inviteCode", inviteCode)
	}
	var room Room
	if err := c.call(ctx, http.MethodPost, roomsEndpoint+"/"+formatID(roomID)+"/join", q, nil, &room); err != nil {
		return nil, err
	}
	return &room, nil
}

// LeaveRoom removes userID from a room.
// POST /api/v1/rooms/{roomId}/leave?userId={userId}
func (c *Client) LeaveRoom(ctx context.Context, roomID, userID int64) (*Room, error) {
	var room Room
	if err := c.call(ctx, http.MethodPost, roomsEndpoint+"/"+formatID(roomID)+"/leave", idQuery("userId", userID), nil, &room); err != nil {
		return nil, err
	}
	return &room, nil
}

func (c *Client) roomList(ctx context.Context, path string, q url.Values) ([]Room, error) {
	var rooms []Room
	if err := c.call(ctx, http.MethodGet, path, q, nil, &rooms); err != nil {
		return nil, err
	}
	if rooms == nil {
		rooms = []Room{}
	}
	return rooms, nil
}
