package rooms

import (
	"fmt"
	"strconv"

	"github.com/ggoodman/loco-client-go/cache"
)

// Kind names the resource category of a Key.
type Kind int

const (
	KindPublicDetail Kind = iota + 1
	KindPrivateDetail
	KindPublicList
	KindPrivateList
	KindHosted
	KindJoined
)

func (k Kind) String() string {
	switch k {
	case KindPublicDetail:
		return "public-detail"
	case KindPrivateDetail:
		return "private-detail"
	case KindPublicList:
		return "public-list"
	case KindPrivateList:
		return "private-list"
	case KindHosted:
		return "hosted"
	case KindJoined:
		return "joined"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Key addresses one room cache entry. Only the types in this package
// implement it.
type Key interface {
	cache.Key
	Kind() Kind
	roomKey() // private method to ensure only our types implement this
}

const keyPrefix = "rooms:"

// PublicDetailKey addresses a room fetched through the public channel.
type PublicDetailKey struct{ RoomID int64 }

// PrivateDetailKey addresses a room fetched through the private channel.
type PrivateDetailKey struct{ RoomID int64 }

// PublicListKey addresses the public room list.
type PublicListKey struct{}

// PrivateListKey addresses the private room list visible to the caller.
type PrivateListKey struct{}

// HostedKey addresses the rooms hosted by a user.
type HostedKey struct{ UserID int64 }

// JoinedKey addresses the rooms a user has joined.
type JoinedKey struct{ UserID int64 }

func (PublicDetailKey) Kind() Kind  { return KindPublicDetail }
func (PrivateDetailKey) Kind() Kind { return KindPrivateDetail }
func (PublicListKey) Kind() Kind    { return KindPublicList }
func (PrivateListKey) Kind() Kind   { return KindPrivateList }
func (HostedKey) Kind() Kind        { return KindHosted }
func (JoinedKey) Kind() Kind        { return KindJoined }

func (k PublicDetailKey) String() string  { return keyPrefix + "public:detail:" + itoa(k.RoomID) }
func (k PrivateDetailKey) String() string { return keyPrefix + "private:detail:" + itoa(k.RoomID) }
func (PublicListKey) String() string      { return keyPrefix + "public:list" }
func (PrivateListKey) String() string     { return keyPrefix + "private:list" }
func (k HostedKey) String() string        { return keyPrefix + "hosted:" + itoa(k.UserID) }
func (k JoinedKey) String() string        { return keyPrefix + "joined:" + itoa(k.UserID) }

func (PublicDetailKey) roomKey()  {}
func (PrivateDetailKey) roomKey() {}
func (PublicListKey) roomKey()    {}
func (PrivateListKey) roomKey()   {}
func (HostedKey) roomKey()        {}
func (JoinedKey) roomKey()        {}

// DetailKeys returns the public and private detail keys for roomID. A room
// is cached under both so that either read channel sees writes.
func DetailKeys(roomID int64) []Key {
	return []Key{PublicDetailKey{RoomID: roomID}, PrivateDetailKey{RoomID: roomID}}
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
