// Package session holds process-wide authentication state: whether startup
// hydration has finished, whether a user is logged in, and who.
//
// LoggedIn is true exactly when User is non-nil. Initialized flips from
// false to true once, when the first Hydrate finishes, whatever its outcome.
// Every Login, Logout and Hydrate starts a new generation; a Hydrate whose
// generation has been overtaken discards its result.
package session

import (
	"context"
	"log/slog"
	"sync"

	"github.com/ggoodman/loco-client-go/api"
	"github.com/ggoodman/loco-client-go/internal/logctx"
)

// DefaultCookieName is the credential cookie read by Hydrate.
const DefaultCookieName = "access_token"

// ActionUpdateProfile names profile update failures.
const ActionUpdateProfile = "update profile"

// User is the logged-in identity. Every field is independently optional.
type User struct {
	ID           *int64  `json:"id,omitempty" yaml:"id,omitempty"`
	Email        *string `json:"email,omitempty" yaml:"email,omitempty"`
	Nickname     *string `json:"nickname,omitempty" yaml:"nickname,omitempty"`
	ProfileImage *string `json:"profileImage,omitempty" yaml:"profileImage,omitempty"`
}

func (u *User) clone() *User {
	if u == nil {
		return nil
	}
	c := &User{}
	if u.ID != nil {
		c.ID = ptr(*u.ID)
	}
	if u.Email != nil {
		c.Email = ptr(*u.Email)
	}
	if u.Nickname != nil {
		c.Nickname = ptr(*u.Nickname)
	}
	if u.ProfileImage != nil {
		c.ProfileImage = ptr(*u.ProfileImage)
	}
	return c
}

// merge copies the non-nil fields of patch into u.
func (u *User) merge(patch User) {
	if patch.ID != nil {
		u.ID = ptr(*patch.ID)
	}
	if patch.Email != nil {
		u.Email = ptr(*patch.Email)
	}
	if patch.Nickname != nil {
		u.Nickname = ptr(*patch.Nickname)
	}
	if patch.ProfileImage != nil {
		u.ProfileImage = ptr(*patch.ProfileImage)
	}
}

// State is a snapshot of the session.
type State struct {
	Initialized bool  `json:"initialized" yaml:"initialized"`
	LoggedIn    bool  `json:"loggedIn" yaml:"loggedIn"`
	User        *User `json:"user,omitempty" yaml:"user,omitempty"`
}

// CredentialSource reads the stored credential.
type CredentialSource interface {
	Credential(name string) (string, bool)
}

// Forgetter is implemented by credential sources that can drop a credential
// locally. Logout uses it after the server notification settles, and only
// drops the credential it logged out with.
type Forgetter interface {
	// ForgetValue drops the named credential if it still holds value and
	// reports whether it did.
	ForgetValue(name, value string) bool
}

// IdentityFunc is called when the logged-in user id changes. loggedIn is
// false after a logout.
type IdentityFunc func(ctx context.Context, userID int64, loggedIn bool)

// Client is the transport surface the store needs. *api.Client implements
// it.
type Client interface {
	ProfileAPI
	UpdateProfile(ctx context.Context, req api.ProfileUpdateRequest) (*api.Profile, error)
	Logout(ctx context.Context) error
}

var _ Client = (*api.Client)(nil)

// Option configures a Store.
type Option func(*newConfig)

type newConfig struct {
	creds      CredentialSource
	cookieName string
	hydrator   Hydrator
	onIdentity IdentityFunc
	logger     *slog.Logger
}

// WithCredentials sets where Hydrate looks for the credential. Without one,
// Hydrate always ends logged out.
func WithCredentials(src CredentialSource) Option {
	return func(c *newConfig) { c.creds = src }
}

// WithCookieName overrides DefaultCookieName.
func WithCookieName(name string) Option {
	return func(c *newConfig) { c.cookieName = name }
}

// WithHydrator sets the hydration strategy. Default: a ProfileHydrator over
// the store's client.
func WithHydrator(h Hydrator) Option {
	return func(c *newConfig) { c.hydrator = h }
}

// WithIdentityChange registers fn to run whenever the user id changes. It
// runs synchronously, before the changing call returns, and calls are
// serialized.
func WithIdentityChange(fn IdentityFunc) Option {
	return func(c *newConfig) { c.onIdentity = fn }
}

// WithLogger sets the logger. If not provided, logs are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(c *newConfig) { c.logger = l }
}

// Store owns the session state. It is safe for concurrent use.
type Store struct {
	client     Client
	creds      CredentialSource
	cookieName string
	hydrator   Hydrator
	onIdentity IdentityFunc
	log        *slog.Logger

	// changeMu serializes state changes with their identity callbacks.
	changeMu sync.Mutex
	mu       sync.RWMutex
	state    State
	gen      uint64

	initOnce sync.Once
	pending  sync.WaitGroup
	subs     subscribers
}

// New creates a logged-out, uninitialized store.
func New(client Client, opts ...Option) *Store {
	cfg := &newConfig{cookieName: DefaultCookieName}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.hydrator == nil {
		cfg.hydrator = &ProfileHydrator{API: client}
	}
	return &Store{
		client:     client,
		creds:      cfg.creds,
		cookieName: cfg.cookieName,
		hydrator:   cfg.hydrator,
		onIdentity: cfg.onIdentity,
		log:        logctx.Wrap(cfg.logger),
	}
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return State{
		Initialized: s.state.Initialized,
		LoggedIn:    s.state.LoggedIn,
		User:        s.state.User.clone(),
	}
}

// UserID returns the logged-in user's id, if any.
func (s *Store) UserID() (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return userID(s.state.User)
}

// Login replaces the current user wholesale and marks the session logged in.
func (s *Store) Login(user User) {
	s.login(context.Background(), 0, user)
}

// Logout ends the session locally at once and notifies the server in the
// background. The notification's outcome is only logged. Close waits for
// outstanding notifications.
func (s *Store) Logout(ctx context.Context) {
	var tok string
	if s.creds != nil {
		tok, _ = s.creds.Credential(s.cookieName)
	}
	s.clear(ctx, 0)
	s.log.InfoContext(ctx, "session.logout")

	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		ctx := context.WithoutCancel(ctx)
		if err := s.client.Logout(ctx); err != nil {
			s.log.WarnContext(ctx, "session.logout.notify.fail", slog.String("err", err.Error()))
		} else {
			s.log.DebugContext(ctx, "session.logout.notify.ok")
		}
		f, ok := s.creds.(Forgetter)
		if !ok || tok == "" {
			return
		}
		if !f.ForgetValue(s.cookieName, tok) {
			s.log.InfoContext(ctx, "session.logout.credential.replaced")
		}
	}()
}

// Hydrate resolves the session from the stored credential. Without a
// credential it ends logged out without any network call. Any failure ends
// logged out. The first call marks the store initialized on every path.
func (s *Store) Hydrate(ctx context.Context) (st State) {
	defer func() {
		s.markInitialized()
		st = s.Snapshot()
	}()

	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	var (
		tok string
		ok  bool
	)
	if s.creds != nil {
		tok, ok = s.creds.Credential(s.cookieName)
	}
	if !ok || tok == "" {
		s.clear(ctx, gen)
		s.log.DebugContext(ctx, "session.hydrate.anonymous")
		return
	}

	u, err := s.hydrator.Hydrate(ctx, tok)
	switch {
	case err != nil:
		if s.clear(ctx, gen) {
			s.log.WarnContext(ctx, "session.hydrate.fail", slog.String("err", err.Error()))
		}
	case s.login(ctx, gen, *u):
		s.log.InfoContext(ctx, "session.hydrate.ok")
	default:
		s.log.InfoContext(ctx, "session.hydrate.superseded")
	}
	return
}

// SetUser merges the non-nil fields of patch into the current user. It does
// nothing when logged out and never changes LoggedIn.
func (s *Store) SetUser(patch User) {
	s.update(context.Background(), func(st *State) bool {
		if st.User == nil {
			return false
		}
		st.User.merge(patch)
		return true
	})
}

// UpdateProfile changes the nickname and profile image on the server and
// merges the server-confirmed display name, image and email into the user. Failures
// come back as *api.ActionError and leave the state untouched.
func (s *Store) UpdateProfile(ctx context.Context, nickname, profileImageURL string) (*User, error) {
	actor, ok := s.UserID()
	if !ok {
		return nil, api.Action(ActionUpdateProfile, api.ErrUnauthorized)
	}
	p, err := s.client.UpdateProfile(ctx, api.ProfileUpdateRequest{Nickname: nickname, ProfileImageURL: profileImageURL})
	if err != nil {
		s.log.WarnContext(ctx, "session.profile.update.fail", slog.String("err", err.Error()))
		return nil, api.Action(ActionUpdateProfile, err)
	}

	var patch User
	if name := p.DisplayName(); name != "" {
		patch.Nickname = ptr(name)
	}
	if p.ProfileImage != "" {
		patch.ProfileImage = ptr(p.ProfileImage)
	}
	if p.Email != "" {
		patch.Email = ptr(p.Email)
	}
	if id, ok := s.UserID(); ok && id == actor {
		s.SetUser(patch)
	} else {
		s.log.InfoContext(ctx, "session.identity.changed")
	}
	return s.Snapshot().User, nil
}

// Subscribe returns a channel signalled after every state change. Signals
// coalesce. The channel is closed by Close.
func (s *Store) Subscribe() <-chan struct{} {
	return s.subs.add()
}

// Close waits for background logout notifications and closes subscriber
// channels.
func (s *Store) Close() {
	s.pending.Wait()
	s.subs.close()
}

func (s *Store) login(ctx context.Context, gen uint64, user User) bool {
	return s.replace(ctx, gen, func(st *State) {
		st.User = user.clone()
		st.LoggedIn = true
	})
}

func (s *Store) clear(ctx context.Context, gen uint64) bool {
	return s.replace(ctx, gen, func(st *State) {
		st.User = nil
		st.LoggedIn = false
	})
}

// replace starts a new generation and runs fn on the state. A non-zero gen
// must still be current or nothing changes. It reports whether fn ran.
func (s *Store) replace(ctx context.Context, gen uint64, fn func(*State)) bool {
	return s.update(ctx, func(st *State) bool {
		if gen != 0 && gen != s.gen {
			return false
		}
		s.gen++
		fn(st)
		return true
	})
}

// update runs fn under the state lock. When fn reports a change, subscribers
// are signalled and a changed user id is passed to the identity callback.
func (s *Store) update(ctx context.Context, fn func(*State) bool) bool {
	s.changeMu.Lock()
	defer s.changeMu.Unlock()

	s.mu.Lock()
	before, wasIn := userID(s.state.User)
	if !fn(&s.state) {
		s.mu.Unlock()
		return false
	}
	after, isIn := userID(s.state.User)
	s.mu.Unlock()

	if s.onIdentity != nil && (before != after || wasIn != isIn) {
		s.onIdentity(ctx, after, isIn)
	}
	s.subs.notify()
	return true
}

func userID(u *User) (int64, bool) {
	if u == nil || u.ID == nil {
		return 0, false
	}
	return *u.ID, true
}

func (s *Store) markInitialized() {
	s.initOnce.Do(func() {
		s.mu.Lock()
		s.state.Initialized = true
		s.mu.Unlock()
		s.subs.notify()
	})
}

type subscribers struct {
	mu     sync.Mutex
	chans  []chan struct{}
	closed bool
}

func (sb *subscribers) add() <-chan struct{} {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	ch := make(chan struct{}, 1)
	if sb.closed {
		close(ch)
		return ch
	}
	sb.chans = append(sb.chans, ch)
	return ch
}

func (sb *subscribers) notify() {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	for _, ch := range sb.chans {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (sb *subscribers) close() {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if sb.closed {
		return
	}
	sb.closed = true
	for _, ch := range sb.chans {
		close(ch)
	}
	sb.chans = nil
}
