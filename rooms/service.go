// Package rooms is the room data cache: typed reads of room entities and
// room lists through a cache.Cache, and writes that republish the keys they
// affect once the server confirms them.
//
// Writes never retry. On success, entity detail keys are overwritten with the
// server's response and list keys are invalidated so their next read
// refetches. On failure the cache is left untouched and the caller receives
// an *api.ActionError naming the action.
package rooms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ggoodman/loco-client-go/api"
	"github.com/ggoodman/loco-client-go/cache"
	"github.com/ggoodman/loco-client-go/internal/logctx"
)

// API is the transport surface the service needs. *api.Client implements it.
type API interface {
	PublicRoom(ctx context.Context, roomID int64) (*api.Room, error)
	PrivateRoom(ctx context.Context, roomID int64) (*api.Room, error)
	PublicRooms(ctx context.Context) ([]api.Room, error)
	PrivateRooms(ctx context.Context) ([]api.Room, error)
	HostedRooms(ctx context.Context, userID int64) ([]api.Room, error)
	JoinedRooms(ctx context.Context, userID int64) ([]api.Room, error)
	CreateRoom(ctx context.Context, hostID int64, req api.RoomCreateRequest) (*api.Room, error)
	UpdateRoom(ctx context.Context, roomID, requesterID int64, req api.RoomUpdateRequest) (*api.Room, error)
	DeleteRoom(ctx context.Context, roomID, requesterID int64) (int64, error)
	JoinRoom(ctx context.Context, roomID, userID int64, inviteCode string) (*api.Room, error)
	LeaveRoom(ctx context.Context, roomID, userID int64) (*api.Room, error)
}

var _ API = (*api.Client)(nil)

// Identity reports the currently logged-in user.
type Identity interface {
	UserID() (int64, bool)
}

// Action names used in write errors.
const (
	ActionCreate = "create room"
	ActionUpdate = "update room"
	ActionDelete = "delete room"
	ActionJoin   = "join room"
	ActionLeave  = "leave room"
)

// Option configures a Service.
type Option func(*newConfig)

type newConfig struct {
	identity Identity
	logger   *slog.Logger
}

// WithIdentity makes writes re-check the acting user after the transport
// call returns. If the logged-in user changed meanwhile, entity keys are
// invalidated instead of overwritten.
func WithIdentity(id Identity) Option {
	return func(c *newConfig) { c.identity = id }
}

// WithLogger sets the logger. If not provided, logs are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(c *newConfig) { c.logger = l }
}

// Service reads and writes rooms through the cache. It is safe for
// concurrent use.
type Service struct {
	api      API
	cache    *cache.Cache
	identity Identity
	log      *slog.Logger
}

// New creates a Service over client and c.
func New(client API, c *cache.Cache, opts ...Option) *Service {
	cfg := &newConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	return &Service{
		api:      client,
		cache:    c,
		identity: cfg.identity,
		log:      logctx.Wrap(cfg.logger),
	}
}

// Cache returns the underlying cache, e.g. for watching keys.
func (s *Service) Cache() *cache.Cache {
	return s.cache
}

// PublicRoom reads a room through the public channel. Disabled for
// roomID <= 0.
func (s *Service) PublicRoom(ctx context.Context, roomID int64, opts ...cache.QueryOption) cache.Result[api.Room] {
	return cache.Query(ctx, s.cache, PublicDetailKey{RoomID: roomID}, func(ctx context.Context) (api.Room, error) {
		return deref(s.api.PublicRoom(ctx, roomID))
	}, guard(roomID > 0, opts)...)
}

// PrivateRoom reads a room through the private channel. Disabled for
// roomID <= 0.
func (s *Service) PrivateRoom(ctx context.Context, roomID int64, opts ...cache.QueryOption) cache.Result[api.Room] {
	return cache.Query(ctx, s.cache, PrivateDetailKey{RoomID: roomID}, func(ctx context.Context) (api.Room, error) {
		return deref(s.api.PrivateRoom(ctx, roomID))
	}, guard(roomID > 0, opts)...)
}

// Room reads a room whose visibility is unknown by racing the public and
// private channels and keeping the first success. It fails only when both
// channels fail, with both errors joined.
func (s *Service) Room(ctx context.Context, roomID int64, opts ...cache.QueryOption) cache.Result[api.Room] {
	if roomID <= 0 {
		return cache.Result[api.Room]{Status: cache.StatusDisabled}
	}
	via := func(read func(context.Context, int64, ...cache.QueryOption) cache.Result[api.Room]) func(context.Context) (cache.Result[api.Room], error) {
		return func(ctx context.Context) (cache.Result[api.Room], error) {
			res := read(ctx, roomID, opts...)
			if res.Status == cache.StatusDisabled {
				return res, errDisabled
			}
			return res, res.Err
		}
	}
	res, err := FirstSuccess(ctx, via(s.PublicRoom), via(s.PrivateRoom))
	if err != nil {
		return cache.Result[api.Room]{Err: err, Status: cache.StatusError}
	}
	return res
}

// PublicRooms reads the public room list.
func (s *Service) PublicRooms(ctx context.Context, opts ...cache.QueryOption) cache.Result[[]api.Room] {
	return cache.Query(ctx, s.cache, PublicListKey{}, s.api.PublicRooms, opts...)
}

// PrivateRooms reads the private room list visible to the caller.
func (s *Service) PrivateRooms(ctx context.Context, opts ...cache.QueryOption) cache.Result[[]api.Room] {
	return cache.Query(ctx, s.cache, PrivateListKey{}, s.api.PrivateRooms, opts...)
}

// HostedRooms reads the rooms hosted by userID. Disabled for userID <= 0.
func (s *Service) HostedRooms(ctx context.Context, userID int64, opts ...cache.QueryOption) cache.Result[[]api.Room] {
	return cache.Query(ctx, s.cache, HostedKey{UserID: userID}, func(ctx context.Context) ([]api.Room, error) {
		return s.api.HostedRooms(ctx, userID)
	}, guard(userID > 0, opts)...)
}

// JoinedRooms reads the rooms userID has joined. Disabled for userID <= 0.
func (s *Service) JoinedRooms(ctx context.Context, userID int64, opts ...cache.QueryOption) cache.Result[[]api.Room] {
	return cache.Query(ctx, s.cache, JoinedKey{UserID: userID}, func(ctx context.Context) ([]api.Room, error) {
		return s.api.JoinedRooms(ctx, userID)
	}, guard(userID > 0, opts)...)
}

// CreateRoom creates a room hosted by hostID. On success the public,
// private and hosted-by-host lists are invalidated.
func (s *Service) CreateRoom(ctx context.Context, hostID int64, req api.RoomCreateRequest) (*api.Room, error) {
	if err := requireID("host id", hostID); err != nil {
		return nil, api.Action(ActionCreate, err)
	}
	room, err := s.api.CreateRoom(ctx, hostID, req)
	if err != nil {
		return nil, s.fail(ctx, ActionCreate, err)
	}
	s.invalidate(ctx, PublicListKey{}, PrivateListKey{}, HostedKey{UserID: hostID})
	s.log.InfoContext(ctx, "rooms.create.ok", slog.Int64("room", room.ID), slog.Int64("host", hostID))
	return room, nil
}

// UpdateRoom edits a room on behalf of requesterID. On success both detail
// keys are overwritten with the returned room and the public, private and
// hosted-by-requester lists are invalidated.
func (s *Service) UpdateRoom(ctx context.Context, requesterID, roomID int64, req api.RoomUpdateRequest) (*api.Room, error) {
	if err := requireID("requester id", requesterID); err != nil {
		return nil, api.Action(ActionUpdate, err)
	}
	room, err := s.api.UpdateRoom(ctx, roomID, requesterID, req)
	if err != nil {
		return nil, s.fail(ctx, ActionUpdate, err)
	}
	s.publish(ctx, requesterID, room)
	s.invalidate(ctx, PublicListKey{}, PrivateListKey{}, HostedKey{UserID: requesterID})
	s.log.InfoContext(ctx, "rooms.update.ok", slog.Int64("room", room.ID))
	return room, nil
}

// DeleteRoom deletes a room on behalf of requesterID. On success both
// detail keys are removed and the public, private and hosted-by-requester
// lists are invalidated.
func (s *Service) DeleteRoom(ctx context.Context, requesterID, roomID int64) error {
	if err := requireID("requester id", requesterID); err != nil {
		return api.Action(ActionDelete, err)
	}
	if _, err := s.api.DeleteRoom(ctx, roomID, requesterID); err != nil {
		return s.fail(ctx, ActionDelete, err)
	}
	for _, k := range DetailKeys(roomID) {
		if err := s.cache.Remove(ctx, k); err != nil {
			s.log.WarnContext(ctx, "rooms.cache.remove.fail", slog.String("key", k.String()), slog.String("err", err.Error()))
		}
	}
	s.invalidate(ctx, PublicListKey{}, PrivateListKey{}, HostedKey{UserID: requesterID})
	s.log.InfoContext(ctx, "rooms.delete.ok", slog.Int64("room", roomID))
	return nil
}

// JoinRoom adds userID to a room. inviteCode may be empty for public rooms.
// On success both detail keys are overwritten and the joined-by-user list is
// invalidated.
func (s *Service) JoinRoom(ctx context.Context, userID, roomID int64, inviteCode string) (*api.Room, error) {
	if err := requireID("user id", userID); err != nil {
		return nil, api.Action(ActionJoin, err)
	}
	room, err := s.api.JoinRoom(ctx, roomID, userID, inviteCode)
	if err != nil {
		return nil, s.fail(ctx, ActionJoin, err)
	}
	s.publish(ctx, userID, room)
	s.invalidate(ctx, JoinedKey{UserID: userID})
	s.log.InfoContext(ctx, "rooms.join.ok", slog.Int64("room", room.ID), slog.Int("members", room.MemberCount))
	return room, nil
}

// LeaveRoom removes userID from a room. On success both detail keys are
// overwritten and the joined-by-user list is invalidated.
func (s *Service) LeaveRoom(ctx context.Context, userID, roomID int64) (*api.Room, error) {
	if err := requireID("user id", userID); err != nil {
		return nil, api.Action(ActionLeave, err)
	}
	room, err := s.api.LeaveRoom(ctx, roomID, userID)
	if err != nil {
		return nil, s.fail(ctx, ActionLeave, err)
	}
	s.publish(ctx, userID, room)
	s.invalidate(ctx, JoinedKey{UserID: userID})
	s.log.InfoContext(ctx, "rooms.leave.ok", slog.Int64("room", room.ID), slog.Int("members", room.MemberCount))
	return room, nil
}

// publish overwrites both detail keys with room, unless the logged-in user
// is no longer actorID, in which case the keys are only invalidated.
func (s *Service) publish(ctx context.Context, actorID int64, room *api.Room) {
	keys := DetailKeys(room.ID)
	if !s.stillActing(actorID) {
		s.log.InfoContext(ctx, "rooms.identity.changed", slog.Int64("actor", actorID))
		s.invalidate(ctx, keys...)
		return
	}
	for _, k := range keys {
		if err := s.cache.Set(ctx, k, room); err != nil {
			s.log.WarnContext(ctx, "rooms.cache.set.fail", slog.String("key", k.String()), slog.String("err", err.Error()))
			s.cache.Invalidate(ctx, k)
		}
	}
}

func (s *Service) stillActing(actorID int64) bool {
	if s.identity == nil {
		return true
	}
	id, ok := s.identity.UserID()
	return ok && id == actorID
}

func (s *Service) invalidate(ctx context.Context, keys ...Key) {
	for _, k := range keys {
		s.cache.Invalidate(ctx, k)
	}
}

func (s *Service) fail(ctx context.Context, action string, err error) error {
	s.log.WarnContext(ctx, "rooms.write.fail", slog.String("action", action), slog.String("err", err.Error()))
	return api.Action(action, err)
}

var errDisabled = errors.New("rooms: read disabled")

// guard appends a disabling option when ok is false, so that a caller's
// own options cannot re-enable a read whose key parameter is unknown.
func guard(ok bool, opts []cache.QueryOption) []cache.QueryOption {
	if ok {
		return opts
	}
	return append(append([]cache.QueryOption(nil), opts...), cache.Enabled(false))
}

func requireID(name string, id int64) error {
	if id <= 0 {
		return fmt.Errorf("%w: %s must be positive", api.ErrInvalidRequest, name)
	}
	return nil
}

func deref(room *api.Room, err error) (api.Room, error) {
	if err != nil {
		return api.Room{}, err
	}
	return *room, nil
}
