// Package apitest provides an in-memory fake of the Loco REST service for
// tests and local development. It serves the same routes and envelope shape
// as the real backend, authenticates via the access_token cookie, counts
// calls per route and lets tests intercept individual routes.
package apitest

import (
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ggoodman/loco-client-go/api"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// CookieName is the credential cookie the fake reads.
const CookieName = "access_token"

// Hook intercepts a route before its handler runs. Returning true means the
// hook wrote the response and the handler must not run.
type Hook func(c *gin.Context) bool

type room struct {
	api.Room
	members map[int64]struct{}
}

// Server is the fake backend. Use New to start one and Close when done.
type Server struct {
	*httptest.Server

	// SigningKey signs the HS256 credentials minted by AddUser.
	SigningKey []byte

	mu         sync.Mutex
	users      map[int64]*api.Profile
	tokens     map[string]int64
	guests     map[string]struct{}
	rooms      map[int64]*room
	nextRoomID int64
	calls      map[string]int
	hooks      map[string]Hook
}

// New starts a fake backend on a loopback listener.
func New() *Server {
	gin.SetMode(gin.TestMode)

	s := &Server{
		SigningKey: []byte("apitest-signing-key"),
		users:      make(map[int64]*api.Profile),
		tokens:     make(map[string]int64),
		guests:     make(map[string]struct{}),
		rooms:      make(map[int64]*room),
		calls:      make(map[string]int),
		hooks:      make(map[string]Hook),
	}

	r := gin.New()
	r.Use(gin.Recovery(), s.intercept)

	users := r.Group("/api/v1/users")
	users.GET("/profile", s.getProfile)
	users.PUT("", s.putProfile)
	users.POST("/logout", s.logout)

	rooms := r.Group("/api/v1/rooms")
	rooms.GET("/public", s.listPublic)
	rooms.GET("/private", s.listPrivate)
	rooms.GET("/public/:id", s.getPublic)
	rooms.GET("/private/:id", s.getPrivate)
	rooms.GET("/hosted", s.listHosted)
	rooms.GET("/joined", s.listJoined)
	rooms.POST("", s.createRoom)
	rooms.PATCH("/:id", s.updateRoom)
	rooms.DELETE("/:id", s.deleteRoom)
	rooms.POST("/:id/join", s.joinRoom)
	rooms.POST("/:id/leave", s.leaveRoom)

	s.Server = httptest.NewServer(r)
	return s
}

// AddUser registers a user and returns a credential for it. The credential
// is a signed JWT carrying sub, email and nickname claims.
func (s *Server) AddUser(p api.Profile) string {
	id := p.Identity()
	now := time.Now()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":      strconv.FormatInt(id, 10),
		"email":    p.Email,
		"nickname": p.DisplayName(),
		"iat":      now.Unix(),
		"exp":      now.Add(time.Hour).Unix(),
	}).SignedString(s.SigningKey)
	if err != nil {
		panic("apitest: sign credential: " + err.Error())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cp := api.Profile{UserID: id, Email: p.Email, Name: p.DisplayName(), ProfileImage: p.ProfileImage}
	s.users[id] = &cp
	s.tokens[tok] = id
	return tok
}

// AddGuest returns a credential the profile endpoint reports as a guest
// session.
func (s *Server) AddGuest() string {
	tok := "guest-" + uuid.NewString()
	s.mu.Lock()
	s.guests[tok] = struct{}{}
	s.mu.Unlock()
	return tok
}

// AddRoom stores a room as-is (its id is assigned when zero). The host and
// the given members belong to it; MemberCount is derived from them.
func (s *Server) AddRoom(r api.Room, members ...int64) api.Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == 0 {
		s.nextRoomID++
		r.ID = s.nextRoomID
	} else if r.ID > s.nextRoomID {
		s.nextRoomID = r.ID
	}
	rr := &room{Room: r, members: map[int64]struct{}{r.HostID: {}}}
	for _, m := range members {
		rr.members[m] = struct{}{}
	}
	s.syncHost(rr)
	rr.MemberCount = len(rr.members)
	s.rooms[r.ID] = rr
	return rr.Room
}

// Room returns the stored room with the given id.
func (s *Server) Room(id int64) (api.Room, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[id]
	if !ok {
		return api.Room{}, false
	}
	return r.Room, true
}

// Calls returns how many requests reached the route identified by method
// and gin route pattern, e.g. ("GET", "/api/v1/rooms/public/:id").
func (s *Server) Calls(method, route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method+" "+route]
}

// TotalCalls returns the number of requests served so far.
func (s *Server) TotalCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		n += c
	}
	return n
}

// SetHook installs h for method and route; a nil h removes it.
func (s *Server) SetHook(method, route string, h Hook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h == nil {
		delete(s.hooks, method+" "+route)
		return
	}
	s.hooks[method+" "+route] = h
}

// Fail returns a Hook that answers with status and an envelope message.
func Fail(status int, message string) Hook {
	return func(c *gin.Context) bool {
		c.AbortWithStatusJSON(status, gin.H{"message": message, "status": "error"})
		return true
	}
}

func (s *Server) intercept(c *gin.Context) {
	key := c.Request.Method + " " + c.FullPath()
	s.mu.Lock()
	s.calls[key]++
	h := s.hooks[key]
	s.mu.Unlock()
	if h != nil && h(c) {
		c.Abort()
		return
	}
	c.Next()
}

// caller resolves the authenticated user id from the credential cookie.
func (s *Server) caller(c *gin.Context) (int64, bool) {
	tok, err := c.Cookie(CookieName)
	if err != nil || tok == "" {
		return 0, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.tokens[tok]
	return id, ok
}

func (s *Server) requireCaller(c *gin.Context) (int64, bool) {
	id, ok := s.caller(c)
	if !ok {
		fail(c, http.StatusUnauthorized, "login required")
	}
	return id, ok
}

// syncHost copies the host's profile fields onto the room. Callers hold mu.
func (s *Server) syncHost(r *room) {
	if u, ok := s.users[r.HostID]; ok {
		r.HostNickname = u.Name
		r.HostProfileImageURL = u.ProfileImage
	}
}

func respond(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"data": data, "status": "success"})
}

func fail(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, gin.H{"message": message, "status": "error"})
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		fail(c, http.StatusBadRequest, "invalid room id")
		return 0, false
	}
	return id, true
}

func queryID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Query(name), 10, 64)
	if err != nil || id <= 0 {
		fail(c, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return id, true
}

// sortedRooms returns rooms matching keep, latest first. Callers hold mu.
func (s *Server) sortedRooms(keep func(*room) bool) []api.Room {
	out := make([]api.Room, 0)
	for _, r := range s.rooms {
		if keep(r) {
			out = append(out, r.Room)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out
}
