package apitest

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/ggoodman/loco-client-go/api"
	"github.com/google/uuid"
)

func (s *Server) getProfile(c *gin.Context) {
	tok, _ := c.Cookie(CookieName)
	s.mu.Lock()
	_, guest := s.guests[tok]
	s.mu.Unlock()
	if guest {
		respond(c, api.Profile{Status: api.GuestStatus})
		return
	}

	id, authed := s.requireCaller(c)
	if !authed {
		return
	}
	s.mu.Lock()
	p := *s.users[id]
	s.mu.Unlock()
	respond(c, p)
}

func (s *Server) putProfile(c *gin.Context) {
	id, authed := s.requireCaller(c)
	if !authed {
		return
	}
	var req api.ProfileUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid body")
		return
	}
	if req.Nickname == "" {
		fail(c, http.StatusBadRequest, "nickname is required")
		return
	}

	s.mu.Lock()
	u := s.users[id]
	u.Name = req.Nickname
	if req.ProfileImageURL != "" {
		u.ProfileImage = req.ProfileImageURL
	}
	for _, r := range s.rooms {
		if r.HostID == id {
			s.syncHost(r)
		}
	}
	p := *u
	s.mu.Unlock()
	respond(c, p)
}

func (s *Server) logout(c *gin.Context) {
	if tok, err := c.Cookie(CookieName); err == nil {
		s.mu.Lock()
		delete(s.tokens, tok)
		s.mu.Unlock()
	}
	c.SetCookie(CookieName, "", -1, "/", "", false, true)
	c.JSON(http.StatusOK, gin.H{"data": true, "message": "logged out"})
}

func (s *Server) listPublic(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	respond(c, s.sortedRooms(func(r *room) bool { return !r.IsPrivate }))
}

func (s *Server) listPrivate(c *gin.Context) {
	id, authed := s.requireCaller(c)
	if !authed {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	respond(c, s.sortedRooms(func(r *room) bool {
		_, member := r.members[id]
		return r.IsPrivate && member
	}))
}

func (s *Server) getPublic(c *gin.Context) {
	id, valid := pathID(c)
	if !valid {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, found := s.rooms[id]
	if !found || r.IsPrivate {
		fail(c, http.StatusNotFound, "room not found")
		return
	}
	respond(c, r.Room)
}

func (s *Server) getPrivate(c *gin.Context) {
	id, valid := pathID(c)
	if !valid {
		return
	}
	uid, authed := s.requireCaller(c)
	if !authed {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, found := s.rooms[id]
	if !found || !r.IsPrivate {
		fail(c, http.StatusNotFound, "room not found")
		return
	}
	if _, member := r.members[uid]; !member {
		fail(c, http.StatusForbidden, "not a member of this room")
		return
	}
	respond(c, r.Room)
}

func (s *Server) listHosted(c *gin.Context) {
	uid, valid := queryID(c, "userId")
	if !valid {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	respond(c, s.sortedRooms(func(r *room) bool { return r.HostID == uid }))
}

func (s *Server) listJoined(c *gin.Context) {
	uid, valid := queryID(c, "userId")
	if !valid {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	respond(c, s.sortedRooms(func(r *room) bool {
		_, member := r.members[uid]
		return member && r.HostID != uid
	}))
}

func (s *Server) createRoom(c *gin.Context) {
	hostID, valid := queryID(c, "hostId")
	if !valid {
		return
	}
	uid, authed := s.requireCaller(c)
	if !authed {
		return
	}
	if uid != hostID {
		fail(c, http.StatusForbidden, "cannot create rooms for another user")
		return
	}
	var req api.RoomCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Name == "" {
		fail(c, http.StatusBadRequest, "room name is required")
		return
	}

	rm := api.Room{
		Name:        req.Name,
		Description: req.Description,
		IsPrivate:   req.IsPrivate,
		Thumbnail:   req.Thumbnail,
		HostID:      hostID,
	}
	if rm.IsPrivate {
		rm.InviteCode = uuid.NewString()[:8]
	}
	respond(c, s.AddRoom(rm))
}

func (s *Server) updateRoom(c *gin.Context) {
	id, valid := pathID(c)
	if !valid {
		return
	}
	requester, valid := queryID(c, "requesterId")
	if !valid {
		return
	}
	var req api.RoomUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid body")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	r, found := s.rooms[id]
	if !found {
		fail(c, http.StatusNotFound, "room not found")
		return
	}
	if r.HostID != requester {
		fail(c, http.StatusForbidden, "only the host can edit this room")
		return
	}
	if req.Name != nil {
		r.Name = *req.Name
	}
	if req.Description != nil {
		r.Description = *req.Description
	}
	if req.Thumbnail != nil {
		r.Thumbnail = req.Thumbnail
	}
	if req.IsPrivate != nil {
		r.IsPrivate = *req.IsPrivate
		if r.IsPrivate && r.InviteCode == "" {
			r.InviteCode = uuid.NewString()[:8]
		}
		if !r.IsPrivate {
			r.InviteCode = ""
		}
	}
	respond(c, r.Room)
}

func (s *Server) deleteRoom(c *gin.Context) {
	id, valid := pathID(c)
	if !valid {
		return
	}
	requester, valid := queryID(c, "requesterId")
	if !valid {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, found := s.rooms[id]
	if !found {
		fail(c, http.StatusNotFound, "room not found")
		return
	}
	if r.HostID != requester {
		fail(c, http.StatusForbidden, "only the host can delete this room")
		return
	}
	delete(s.rooms, id)
	respond(c, id)
}

func (s *Server) joinRoom(c *gin.Context) {
	id, valid := pathID(c)
	if !valid {
		return
	}
	uid, valid := queryID(c, "userId")
	if !valid {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, found := s.rooms[id]
	if !found {
		fail(c, http.StatusNotFound, "room not found")
		return
	}
	if r.IsPrivate && c.Query("inviteCode") != r.InviteCode {
		fail(c, http.StatusForbidden, "invalid invite code")
		return
	}
	if _, member := r.members[uid]; member {
		fail(c, http.StatusConflict, "already joined")
		return
	}
	r.members[uid] = struct{}{}
	r.MemberCount = len(r.members)
	respond(c, r.Room)
}

func (s *Server) leaveRoom(c *gin.Context) {
	id, valid := pathID(c)
	if !valid {
		return
	}
	uid, valid := queryID(c, "userId")
	if !valid {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, found := s.rooms[id]
	if !found {
		fail(c, http.StatusNotFound, "room not found")
		return
	}
	if r.HostID == uid {
		fail(c, http.StatusBadRequest, "the host cannot leave the room")
		return
	}
	if _, member := r.members[uid]; !member {
		fail(c, http.StatusConflict, "not a member of this room")
		return
	}
	delete(r.members, uid)
	r.MemberCount = len(r.members)
	respond(c, r.Room)
}
