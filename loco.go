// Package loco wires the Loco client SDK together: a persistent credential
// jar, the REST transport, the room data cache on a memory or Redis store,
// the session store and the room service.
//
// Typical use:
//
//	cfg, err := config.Load()
//	...
//	c, err := loco.New(ctx, cfg, loco.WithLogger(logger))
//	...
//	defer c.Close()
//	state, err := c.Start(ctx)
//	...
//	res := c.Rooms().PublicRooms(ctx)
package loco

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ggoodman/loco-client-go/api"
	"github.com/ggoodman/loco-client-go/cache"
	"github.com/ggoodman/loco-client-go/cache/memory"
	cacheredis "github.com/ggoodman/loco-client-go/cache/redis"
	"github.com/ggoodman/loco-client-go/config"
	"github.com/ggoodman/loco-client-go/credential"
	"github.com/ggoodman/loco-client-go/internal/jwtclaims"
	"github.com/ggoodman/loco-client-go/internal/logctx"
	"github.com/ggoodman/loco-client-go/rooms"
	"github.com/ggoodman/loco-client-go/session"
	"github.com/redis/go-redis/v9"
)

// Option configures a Client.
type Option func(*newConfig)

type newConfig struct {
	logger     *slog.Logger
	httpClient *http.Client
	store      cache.Store
}

// WithLogger sets the logger shared by every component. If not provided,
// logs are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(c *newConfig) { c.logger = l }
}

// WithHTTPClient supplies the http.Client used by the transport. Its jar is
// replaced by the credential jar.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *newConfig) { c.httpClient = hc }
}

// WithStore overrides the cache store selected from configuration.
func WithStore(s cache.Store) Option {
	return func(c *newConfig) { c.store = s }
}

// Client owns every SDK component. Create it with New, call Start once and
// Close when done.
type Client struct {
	cfg *config.Config
	log *slog.Logger

	jar     *credential.Jar
	api     *api.Client
	store   cache.Store
	cache   *cache.Cache
	session *session.Store
	rooms   *rooms.Service

	bg        context.Context
	cancel    context.CancelFunc
	watchDone <-chan struct{}

	mu      sync.Mutex
	started bool
	closed  bool
}

// ownerKey holds the identity the cached room data was fetched for. It lives
// in the cache store so that a store shared across runs is checked too.
const ownerKey = "session:owner"

type owner struct {
	UserID *int64 `json:"user_id,omitempty"`
}

// New builds a Client from cfg. It performs no session network calls; Start
// runs the startup hydration.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("loco: config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	nc := &newConfig{}
	for _, opt := range opts {
		opt(nc)
	}
	log := logctx.Wrap(nc.logger)

	bg, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c := &Client{cfg: cfg, log: log, bg: bg, cancel: cancel}
	ok := false
	defer func() {
		if !ok {
			cancel()
		}
	}()

	jarOpts := []credential.Option{credential.WithLogger(log)}
	if cfg.CredentialFile != "" {
		jarOpts = append(jarOpts, credential.WithFile(cfg.CredentialFile))
	}
	jar, err := credential.New(cfg.APIBaseURL, jarOpts...)
	if err != nil {
		return nil, err
	}
	c.jar = jar

	apiOpts := []api.Option{api.WithCookieJar(jar), api.WithTimeout(cfg.HTTPTimeout), api.WithLogger(log)}
	if nc.httpClient != nil {
		apiOpts = append(apiOpts, api.WithHTTPClient(nc.httpClient))
	}
	client, err := api.New(cfg.APIBaseURL, apiOpts...)
	if err != nil {
		return nil, err
	}
	c.api = client

	store := nc.store
	if store == nil {
		store, err = newStore(ctx, cfg)
		if err != nil {
			return nil, err
		}
	}
	c.store = store
	qc, err := cache.New(cache.Config{
		Store:       store,
		StaleTime:   staleTime(cfg),
		GCTime:      cfg.GCTime,
		ReadRetries: retries(cfg.ReadRetries),
		RetryDelay:  delay(cfg),
		ShouldRetry: api.IsRetryable,
		Logger:      log,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	c.cache = qc

	hydrator, err := newHydrator(bg, cfg, client)
	if err != nil {
		_ = qc.Close()
		return nil, err
	}
	c.session = session.New(client,
		session.WithCredentials(jar),
		session.WithCookieName(cfg.CookieName),
		session.WithHydrator(hydrator),
		session.WithIdentityChange(c.claim),
		session.WithLogger(log),
	)
	c.rooms = rooms.New(client, qc, rooms.WithIdentity(c.session), rooms.WithLogger(log))

	ok = true
	return c, nil
}

// Start runs the startup hydration and makes sure the cache store holds no
// data fetched for another identity. With a credential file configured it
// then re-hydrates whenever the file changes. It must be called at most once.
//
// The room cache is cleared synchronously whenever the logged-in user id
// changes, from Start onwards.
func (c *Client) Start(ctx context.Context) (session.State, error) {
	c.mu.Lock()
	if c.started || c.closed {
		c.mu.Unlock()
		return c.session.Snapshot(), errors.New("loco: client already started or closed")
	}
	c.started = true
	c.mu.Unlock()

	st := c.session.Hydrate(ctx)
	id, ok := c.session.UserID()
	c.claim(ctx, id, ok)

	if c.cfg.CredentialFile != "" {
		done, err := c.jar.Watch(c.bg, func() {
			c.log.InfoContext(c.bg, "loco.credential.changed")
			c.session.Hydrate(c.bg)
		})
		if err != nil {
			c.log.WarnContext(ctx, "loco.credential.watch.fail", slog.String("err", err.Error()))
		}
		c.mu.Lock()
		c.watchDone = done
		c.mu.Unlock()
	}
	c.log.InfoContext(ctx, "loco.start", slog.Bool("logged_in", st.LoggedIn))
	return st, nil
}

// claim records the identity as owner of the cache store, clearing the room
// cache first when the recorded owner differs or is unknown. The session
// calls it on every user id change.
func (c *Client) claim(ctx context.Context, userID int64, loggedIn bool) {
	want := owner{}
	if loggedIn {
		want.UserID = &userID
	}
	data, err := json.Marshal(want)
	if err != nil {
		c.log.WarnContext(ctx, "loco.owner.encode.fail", slog.String("err", err.Error()))
		return
	}
	item, err := c.store.Get(ctx, ownerKey)
	if err != nil {
		c.log.WarnContext(ctx, "loco.owner.get.fail", slog.String("err", err.Error()))
	}
	if item != nil && string(item.Data) == string(data) {
		return
	}

	if err := c.cache.Clear(ctx); err != nil {
		c.log.WarnContext(ctx, "loco.cache.clear.fail", slog.String("err", err.Error()))
		return
	}
	if err := c.store.Set(ctx, ownerKey, data); err != nil {
		c.log.WarnContext(ctx, "loco.owner.set.fail", slog.String("err", err.Error()))
	}
	c.log.InfoContext(ctx, "loco.identity.changed", slog.Bool("logged_in", loggedIn))
}

// Close stops the credential watcher, waits for pending logout notifications,
// persists the credential jar and closes the cache store.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	done := c.watchDone
	c.mu.Unlock()

	c.cancel()
	if done != nil {
		<-done
	}
	c.session.Close()
	return errors.Join(c.jar.Save(), c.cache.Close())
}

// Config returns the configuration the client was built from.
func (c *Client) Config() *config.Config { return c.cfg }

// API returns the REST transport.
func (c *Client) API() *api.Client { return c.api }

// Jar returns the credential jar.
func (c *Client) Jar() *credential.Jar { return c.jar }

// Cache returns the room data cache.
func (c *Client) Cache() *cache.Cache { return c.cache }

// Session returns the session store.
func (c *Client) Session() *session.Store { return c.session }

// Rooms returns the room service.
func (c *Client) Rooms() *rooms.Service { return c.rooms }

func newStore(ctx context.Context, cfg *config.Config) (cache.Store, error) {
	if cfg.RedisAddr == "" {
		return memory.New(cfg.CacheSize, cfg.GCTime), nil
	}
	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err := rc.Ping(ctx).Err(); err != nil {
		_ = rc.Close()
		return nil, fmt.Errorf("loco: ping redis %s: %w", cfg.RedisAddr, err)
	}
	s, err := cacheredis.New(cacheredis.Config{Client: rc, KeyPrefix: cfg.RedisKeyPrefix})
	if err != nil {
		_ = rc.Close()
		return nil, err
	}
	return s, nil
}

func newHydrator(ctx context.Context, cfg *config.Config, client *api.Client) (session.Hydrator, error) {
	if cfg.Hydrate != config.HydrateClaims {
		return &session.ProfileHydrator{API: client}, nil
	}
	var (
		dec jwtclaims.Decoder
		err error
	)
	switch {
	case cfg.OIDCIssuer != "":
		jc := jwtclaims.DefaultConfig()
		jc.Issuer = cfg.OIDCIssuer
		dec, err = jwtclaims.NewFromDiscovery(ctx, jc)
	case cfg.JWKSURL != "":
		dec, err = jwtclaims.NewJWKS(ctx, jwtclaims.DefaultConfig(), cfg.JWKSURL)
	default:
		dec = jwtclaims.NewUnverified()
	}
	if err != nil {
		return nil, fmt.Errorf("loco: claims decoder: %w", err)
	}
	return &session.ClaimsHydrator{Decoder: dec}, nil
}

// retries maps the configured count onto cache.Config, where zero means the
// default.
func retries(n int) int {
	if n == 0 {
		return -1
	}
	return n
}

// staleTime maps a configured zero, meaning always stale, onto cache.Config.
func staleTime(cfg *config.Config) time.Duration {
	if cfg.StaleTime == 0 {
		return -1
	}
	return cfg.StaleTime
}

func delay(cfg *config.Config) time.Duration {
	if cfg.RetryDelay == 0 {
		return -1
	}
	return cfg.RetryDelay
}
