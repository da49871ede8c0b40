package session_test

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ggoodman/loco-client-go/api"
	"github.com/ggoodman/loco-client-go/apitest"
	"github.com/ggoodman/loco-client-go/credential"
	"github.com/ggoodman/loco-client-go/internal/jwtclaims"
	"github.com/ggoodman/loco-client-go/session"
)

type fixture struct {
	srv    *apitest.Server
	jar    *credential.Jar
	client *api.Client
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	srv := apitest.New()
	t.Cleanup(srv.Close)
	return attach(t, srv, srv.URL)
}

func attach(t *testing.T, srv *apitest.Server, baseURL string) *fixture {
	t.Helper()
	jar, err := credential.New(baseURL)
	if err != nil {
		t.Fatalf("credential.New: %v", err)
	}
	client, err := api.New(baseURL, api.WithCookieJar(jar), api.WithTimeout(2*time.Second))
	if err != nil {
		t.Fatalf("api.New: %v", err)
	}
	return &fixture{srv: srv, jar: jar, client: client}
}

func (f *fixture) store(opts ...session.Option) *session.Store {
	return session.New(f.client, append([]session.Option{session.WithCredentials(f.jar)}, opts...)...)
}

func checkInvariant(t *testing.T, st session.State) {
	t.Helper()
	if st.LoggedIn != (st.User != nil) {
		t.Fatalf("invariant broken: LoggedIn=%v User=%+v", st.LoggedIn, st.User)
	}
}

func TestStore_LoginLogout(t *testing.T) {
	f := newFixture(t)
	s := f.store()

	id := int64(7)
	nick := "seven"
	s.Login(session.User{ID: &id, Nickname: &nick})
	st := s.Snapshot()
	checkInvariant(t, st)
	if !st.LoggedIn || *st.User.ID != 7 || *st.User.Nickname != "seven" {
		t.Fatalf("unexpected state after login: %+v", st)
	}
	if st.Initialized {
		t.Fatal("Login must not mark the store initialized")
	}

	// Login replaces the user wholesale.
	s.Login(session.User{Nickname: &nick})
	if st := s.Snapshot(); st.User.ID != nil {
		t.Fatalf("expected user replaced, got id %d", *st.User.ID)
	}

	s.Logout(context.Background())
	st = s.Snapshot()
	checkInvariant(t, st)
	if st.LoggedIn {
		t.Fatal("expected logged out immediately")
	}

	s.Close()
	if n := f.srv.Calls(http.MethodPost, "/api/v1/users/logout"); n != 1 {
		t.Fatalf("expected one logout notification, got %d", n)
	}
}

func TestStore_SnapshotIsACopy(t *testing.T) {
	f := newFixture(t)
	s := f.store()
	nick := "a"
	s.Login(session.User{Nickname: &nick})

	st := s.Snapshot()
	*st.User.Nickname = "mutated"
	if got := *s.Snapshot().User.Nickname; got != "a" {
		t.Fatalf("snapshot aliased internal state: %q", got)
	}
	nick = "also mutated"
	if got := *s.Snapshot().User.Nickname; got != "a" {
		t.Fatalf("login aliased caller state: %q", got)
	}
}

func TestStore_HydrateFromProfile(t *testing.T) {
	f := newFixture(t)
	tok := f.srv.AddUser(api.Profile{UserID: 7, Email: "seven@example.com", Name: "seven", ProfileImage: "https://img/7.png"})
	f.jar.SetCredential(session.DefaultCookieName, tok)

	s := f.store()
	defer s.Close()
	st := s.Hydrate(context.Background())
	checkInvariant(t, st)
	if !st.Initialized || !st.LoggedIn {
		t.Fatalf("expected initialized and logged in, got %+v", st)
	}
	if *st.User.ID != 7 || *st.User.Email != "seven@example.com" || *st.User.Nickname != "seven" || *st.User.ProfileImage != "https://img/7.png" {
		t.Fatalf("unexpected user %+v", st.User)
	}
	if id, ok := s.UserID(); !ok || id != 7 {
		t.Fatalf("UserID = %d, %v", id, ok)
	}
}

func TestStore_HydrateWithoutCredentialMakesNoCalls(t *testing.T) {
	f := newFixture(t)
	s := f.store()
	defer s.Close()

	st := s.Hydrate(context.Background())
	checkInvariant(t, st)
	if !st.Initialized || st.LoggedIn {
		t.Fatalf("expected initialized and logged out, got %+v", st)
	}
	if n := f.srv.TotalCalls(); n != 0 {
		t.Fatalf("expected zero network calls, got %d", n)
	}
}

func TestStore_HydrateFailuresEndLoggedOut(t *testing.T) {
	cases := map[string]func(t *testing.T) *fixture{
		"guest": func(t *testing.T) *fixture {
			f := newFixture(t)
			f.jar.SetCredential(session.DefaultCookieName, f.srv.AddGuest())
			return f
		},
		"unknown credential": func(t *testing.T) *fixture {
			f := newFixture(t)
			f.jar.SetCredential(session.DefaultCookieName, "not-a-real-token")
			return f
		},
		"server error": func(t *testing.T) *fixture {
			f := newFixture(t)
			f.srv.SetHook(http.MethodGet, "/api/v1/users/profile", apitest.Fail(http.StatusInternalServerError, "boom"))
			f.jar.SetCredential(session.DefaultCookieName, f.srv.AddUser(api.Profile{UserID: 1}))
			return f
		},
		"profile without id": func(t *testing.T) *fixture {
			f := newFixture(t)
			f.srv.SetHook(http.MethodGet, "/api/v1/users/profile", func(c *gin.Context) bool {
				c.JSON(http.StatusOK, gin.H{"data": gin.H{"email": "nobody@example.com"}})
				return true
			})
			f.jar.SetCredential(session.DefaultCookieName, "tok")
			return f
		},
		"network failure": func(t *testing.T) *fixture {
			srv := apitest.New()
			base := srv.URL
			srv.Close()
			f := attach(t, srv, base)
			f.jar.SetCredential(session.DefaultCookieName, "tok")
			return f
		},
	}
	for name, setup := range cases {
		t.Run(name, func(t *testing.T) {
			f := setup(t)
			s := f.store()
			defer s.Close()

			id := int64(99)
			s.Login(session.User{ID: &id})

			st := s.Hydrate(context.Background())
			checkInvariant(t, st)
			if !st.Initialized {
				t.Fatal("expected initialized after failed hydration")
			}
			if st.LoggedIn {
				t.Fatalf("expected logged out, got %+v", st.User)
			}
		})
	}
}

func TestStore_InitializedIsSetOnce(t *testing.T) {
	f := newFixture(t)
	tok := f.srv.AddUser(api.Profile{UserID: 3, Name: "three"})
	s := f.store()
	defer s.Close()

	signals := s.Subscribe()
	if st := s.Hydrate(context.Background()); !st.Initialized || st.LoggedIn {
		t.Fatalf("unexpected state %+v", st)
	}
	drain(signals)

	f.jar.SetCredential(session.DefaultCookieName, tok)
	st := s.Hydrate(context.Background())
	if !st.Initialized || !st.LoggedIn {
		t.Fatalf("expected re-hydration to log in, got %+v", st)
	}
}

func TestStore_HydrateWithClaims(t *testing.T) {
	f := newFixture(t)
	tok := f.srv.AddUser(api.Profile{UserID: 11, Email: "e@example.com", Name: "eleven"})
	f.jar.SetCredential(session.DefaultCookieName, tok)

	s := f.store(session.WithHydrator(&session.ClaimsHydrator{Decoder: jwtclaims.NewUnverified()}))
	defer s.Close()

	st := s.Hydrate(context.Background())
	checkInvariant(t, st)
	if !st.LoggedIn || *st.User.ID != 11 || *st.User.Email != "e@example.com" || *st.User.Nickname != "eleven" {
		t.Fatalf("unexpected state %+v", st)
	}
	if st.User.ProfileImage != nil {
		t.Fatal("claims carry no profile image")
	}
	if n := f.srv.TotalCalls(); n != 0 {
		t.Fatalf("claims hydration must not call the server, got %d calls", n)
	}
}

func TestStore_HydrateWithClaimsRejectsGarbage(t *testing.T) {
	f := newFixture(t)
	f.jar.SetCredential(session.DefaultCookieName, "garbage")
	s := f.store(session.WithHydrator(&session.ClaimsHydrator{Decoder: jwtclaims.NewUnverified()}))
	defer s.Close()

	if st := s.Hydrate(context.Background()); st.LoggedIn || !st.Initialized {
		t.Fatalf("unexpected state %+v", st)
	}
}

func TestStore_CustomCookieName(t *testing.T) {
	f := newFixture(t)
	tok := f.srv.AddUser(api.Profile{UserID: 5})
	f.jar.SetCredential("session", tok)

	s := f.store(session.WithCookieName("session"), session.WithHydrator(&session.ClaimsHydrator{Decoder: jwtclaims.NewUnverified()}))
	defer s.Close()
	if st := s.Hydrate(context.Background()); !st.LoggedIn {
		t.Fatal("expected credential read from the custom cookie")
	}
}

func TestStore_LogoutFailureIsSwallowed(t *testing.T) {
	f := newFixture(t)
	f.srv.SetHook(http.MethodPost, "/api/v1/users/logout", apitest.Fail(http.StatusInternalServerError, "boom"))
	f.jar.SetCredential(session.DefaultCookieName, f.srv.AddUser(api.Profile{UserID: 4}))

	s := f.store()
	if st := s.Hydrate(context.Background()); !st.LoggedIn {
		t.Fatal("expected logged in")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.Logout(ctx)
	cancel()
	if st := s.Snapshot(); st.LoggedIn {
		t.Fatal("expected logged out despite server failure")
	}
	s.Close()

	if n := f.srv.Calls(http.MethodPost, "/api/v1/users/logout"); n != 1 {
		t.Fatalf("expected the notification to run after cancel, got %d calls", n)
	}
	if _, ok := f.jar.Credential(session.DefaultCookieName); ok {
		t.Fatal("expected the credential to be forgotten locally")
	}
}

func TestStore_SetUser(t *testing.T) {
	f := newFixture(t)
	s := f.store()

	nick := "ignored"
	s.SetUser(session.User{Nickname: &nick})
	if st := s.Snapshot(); st.LoggedIn || st.User != nil {
		t.Fatalf("SetUser while logged out must be a no-op, got %+v", st)
	}

	id := int64(1)
	email := "a@example.com"
	s.Login(session.User{ID: &id, Email: &email})
	nick = "renamed"
	s.SetUser(session.User{Nickname: &nick})

	st := s.Snapshot()
	checkInvariant(t, st)
	if *st.User.ID != 1 || *st.User.Email != "a@example.com" || *st.User.Nickname != "renamed" {
		t.Fatalf("unexpected merge result %+v", st.User)
	}
}

func TestStore_UpdateProfile(t *testing.T) {
	f := newFixture(t)
	f.jar.SetCredential(session.DefaultCookieName, f.srv.AddUser(api.Profile{UserID: 8, Email: "eight@example.com", Name: "old"}))
	s := f.store()
	defer s.Close()
	s.Hydrate(context.Background())

	u, err := s.UpdateProfile(context.Background(), "new", "https://img/new.png")
	if err != nil {
		t.Fatalf("UpdateProfile: %v", err)
	}
	if *u.Nickname != "new" || *u.ProfileImage != "https://img/new.png" || *u.Email != "eight@example.com" {
		t.Fatalf("unexpected user %+v", u)
	}
	if got := *s.Snapshot().User.Nickname; got != "new" {
		t.Fatalf("expected state merged, got %q", got)
	}
}

func TestStore_UpdateProfileFailure(t *testing.T) {
	f := newFixture(t)
	f.jar.SetCredential(session.DefaultCookieName, f.srv.AddUser(api.Profile{UserID: 8, Name: "old"}))
	s := f.store()
	defer s.Close()

	if _, err := s.UpdateProfile(context.Background(), "new", ""); !errors.Is(err, api.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized when logged out, got %v", err)
	}
	if n := f.srv.Calls(http.MethodPut, "/api/v1/users"); n != 0 {
		t.Fatalf("expected no call when logged out, got %d", n)
	}

	s.Hydrate(context.Background())
	_, err := s.UpdateProfile(context.Background(), "", "")
	var ae *api.ActionError
	if !errors.As(err, &ae) || ae.Action != session.ActionUpdateProfile {
		t.Fatalf("expected ActionError, got %v", err)
	}
	if api.Message(err) != "nickname is required" {
		t.Fatalf("expected server message, got %q", api.Message(err))
	}
	if got := *s.Snapshot().User.Nickname; got != "old" {
		t.Fatalf("state must be untouched on failure, got %q", got)
	}
}

func TestStore_UpdateProfileUsesNicknameField(t *testing.T) {
	f := newFixture(t)
	f.jar.SetCredential(session.DefaultCookieName, f.srv.AddUser(api.Profile{UserID: 8, Name: "old"}))
	f.srv.SetHook(http.MethodPut, "/api/v1/users", func(c *gin.Context) bool {
		c.JSON(http.StatusOK, gin.H{"data": gin.H{"user_id": 8, "nickname": "nick-only"}})
		return true
	})
	s := f.store()
	defer s.Close()
	s.Hydrate(context.Background())

	u, err := s.UpdateProfile(context.Background(), "nick-only", "")
	if err != nil {
		t.Fatalf("UpdateProfile: %v", err)
	}
	if *u.Nickname != "nick-only" {
		t.Fatalf("expected nickname from the nickname field, got %q", *u.Nickname)
	}
}

// gateHydrator blocks in Hydrate until release is closed.
type gateHydrator struct {
	entered chan struct{}
	release chan struct{}
	user    session.User
}

func newGateHydrator(id int64) *gateHydrator {
	return &gateHydrator{entered: make(chan struct{}), release: make(chan struct{}), user: session.User{ID: &id}}
}

func (h *gateHydrator) Hydrate(ctx context.Context, credential string) (*session.User, error) {
	close(h.entered)
	<-h.release
	u := h.user
	return &u, nil
}

// memCreds is a credential source whose value can change under the store.
type memCreds struct {
	mu    sync.Mutex
	value string
}

func (c *memCreds) Credential(name string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value, c.value != ""
}

func (c *memCreds) ForgetValue(name, value string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.value != value {
		return false
	}
	c.value = ""
	return true
}

func (c *memCreds) set(v string) {
	c.mu.Lock()
	c.value = v
	c.mu.Unlock()
}

func hydrateAsync(s *session.Store) <-chan session.State {
	out := make(chan session.State, 1)
	go func() { out <- s.Hydrate(context.Background()) }()
	return out
}

func TestStore_LogoutDuringHydrateWins(t *testing.T) {
	f := newFixture(t)
	h := newGateHydrator(7)
	s := session.New(f.client, session.WithCredentials(&memCreds{value: "tok"}), session.WithHydrator(h))
	defer s.Close()

	res := hydrateAsync(s)
	<-h.entered
	s.Logout(context.Background())
	close(h.release)

	st := <-res
	checkInvariant(t, st)
	if !st.Initialized || st.LoggedIn {
		t.Fatalf("expected the logout to stand, got %+v", st)
	}
}

func TestStore_LoginDuringHydrateWins(t *testing.T) {
	f := newFixture(t)
	h := newGateHydrator(7)
	s := session.New(f.client, session.WithCredentials(&memCreds{value: "tok"}), session.WithHydrator(h))
	defer s.Close()

	res := hydrateAsync(s)
	<-h.entered
	id := int64(5)
	s.Login(session.User{ID: &id})
	close(h.release)

	st := <-res
	if !st.LoggedIn || *st.User.ID != 5 {
		t.Fatalf("expected the later login to stand, got %+v", st)
	}
}

// gateClient blocks Logout until release is closed.
type gateClient struct {
	session.Client
	release chan struct{}
}

func (c *gateClient) Logout(ctx context.Context) error {
	<-c.release
	return nil
}

func TestStore_LogoutKeepsCredentialReplacedMeanwhile(t *testing.T) {
	f := newFixture(t)
	creds := &memCreds{value: "old"}
	client := &gateClient{Client: f.client, release: make(chan struct{})}
	s := session.New(client, session.WithCredentials(creds))

	id := int64(7)
	s.Login(session.User{ID: &id})
	s.Logout(context.Background())
	creds.set("new")
	close(client.release)
	s.Close()

	if v, ok := creds.Credential(session.DefaultCookieName); !ok || v != "new" {
		t.Fatalf("expected the new credential kept, got %q (ok=%v)", v, ok)
	}
}

func TestStore_IdentityChangeCallback(t *testing.T) {
	f := newFixture(t)
	type change struct {
		id int64
		in bool
	}
	var got []change
	s := session.New(f.client, session.WithIdentityChange(func(ctx context.Context, id int64, in bool) {
		got = append(got, change{id, in})
	}))
	defer s.Close()

	a, b := int64(1), int64(2)
	nick := "x"
	s.Login(session.User{ID: &a})
	s.Login(session.User{ID: &a, Nickname: &nick})
	s.SetUser(session.User{Nickname: &nick})
	s.Login(session.User{ID: &b})
	s.Logout(context.Background())

	want := []change{{1, true}, {2, true}, {0, false}}
	if len(got) != len(want) {
		t.Fatalf("expected %d changes, got %+v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("change %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestStore_SubscribeSignalsChanges(t *testing.T) {
	f := newFixture(t)
	s := f.store()
	ch := s.Subscribe()

	id := int64(1)
	s.Login(session.User{ID: &id})
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected a signal after login")
	}

	s.Close()
	drain(ch)
	if _, open := <-ch; open {
		t.Fatal("expected channel closed after Close")
	}
	if _, open := <-s.Subscribe(); open {
		t.Fatal("subscribing after Close must yield a closed channel")
	}
}

func drain(ch <-chan struct{}) {
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		default:
			return
		}
	}
}
