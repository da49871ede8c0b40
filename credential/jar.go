// Package credential holds the session credential. Jar is an http.CookieJar
// for the API origin that can persist its cookies to a file and reload them
// when another process rewrites that file.
package credential

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/ggoodman/loco-client-go/internal/logctx"
	"golang.org/x/net/publicsuffix"
)

// DefaultCookieName is the cookie that carries the session credential.
const DefaultCookieName = "access_token"

// Option configures a Jar.
type Option func(*newConfig)

type newConfig struct {
	path   string
	logger *slog.Logger
}

// WithFile persists cookies for the origin to path. Existing contents are
// loaded by New.
func WithFile(path string) Option {
	return func(c *newConfig) { c.path = path }
}

// WithLogger sets the logger. If not provided, logs are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(c *newConfig) { c.logger = l }
}

// Jar is a cookie jar scoped to one API origin. It is safe for concurrent
// use.
type Jar struct {
	origin *url.URL
	path   string
	log    *slog.Logger

	mu      sync.Mutex
	jar     *cookiejar.Jar
	records map[string]record
	written []byte
}

type record struct {
	Name     string    `json:"name"`
	Value    string    `json:"value"`
	Path     string    `json:"path,omitempty"`
	Domain   string    `json:"domain,omitempty"`
	Expires  time.Time `json:"expires,omitzero"`
	Secure   bool      `json:"secure,omitempty"`
	HttpOnly bool      `json:"http_only,omitempty"`
}

type fileFormat struct {
	Origin  string   `json:"origin"`
	Cookies []record `json:"cookies"`
}

// New creates a jar for the service at origin.
func New(origin string, opts ...Option) (*Jar, error) {
	u, err := url.Parse(origin)
	if err != nil {
		return nil, fmt.Errorf("credential: invalid origin: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("credential: origin %q has no host", origin)
	}

	cfg := &newConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	j := &Jar{
		origin: &url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/"},
		path:   cfg.path,
		log:    logctx.Wrap(cfg.logger),
	}
	if err := j.Load(); err != nil {
		return nil, err
	}
	return j, nil
}

// SetCookies implements http.CookieJar. Cookies for the origin are recorded
// and, when a file is configured, persisted.
func (j *Jar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	j.mu.Lock()
	changed := j.setLocked(u, cookies)
	j.mu.Unlock()
	j.saveIf(changed)
}

// setLocked records cookies and reports whether the origin's set changed.
// Callers hold mu.
func (j *Jar) setLocked(u *url.URL, cookies []*http.Cookie) bool {
	j.jar.SetCookies(u, cookies)
	changed := false
	if u.Host == j.origin.Host {
		now := time.Now()
		for _, c := range cookies {
			if c.MaxAge < 0 || (!c.Expires.IsZero() && !c.Expires.After(now)) {
				if _, ok := j.records[c.Name]; ok {
					delete(j.records, c.Name)
					changed = true
				}
				continue
			}
			rec := record{
				Name:     c.Name,
				Value:    c.Value,
				Path:     c.Path,
				Domain:   c.Domain,
				Expires:  c.Expires,
				Secure:   c.Secure,
				HttpOnly: c.HttpOnly,
			}
			if c.MaxAge > 0 {
				rec.Expires = now.Add(time.Duration(c.MaxAge) * time.Second)
			}
			j.records[c.Name] = rec
			changed = true
		}
	}
	return changed
}

func (j *Jar) saveIf(changed bool) {
	if !changed {
		return
	}
	if err := j.Save(); err != nil {
		j.log.Warn("credential.save.fail", slog.String("err", err.Error()))
	}
}

// Cookies implements http.CookieJar.
func (j *Jar) Cookies(u *url.URL) []*http.Cookie {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.jar.Cookies(u)
}

// Credential returns the value of the named cookie as it would be sent to
// the origin. httpOnly cookies are included.
func (j *Jar) Credential(name string) (string, bool) {
	for _, c := range j.Cookies(j.origin) {
		if c.Name == name && c.Value != "" {
			return c.Value, true
		}
	}
	return "", false
}

// SetCredential stores a cookie for the origin, e.g. a token obtained out of
// band.
func (j *Jar) SetCredential(name, value string) {
	j.SetCookies(j.origin, []*http.Cookie{{Name: name, Value: value, Path: "/", HttpOnly: true}})
}

// Forget drops the named cookie locally.
func (j *Jar) Forget(name string) {
	j.mu.Lock()
	changed := j.forgetLocked(name)
	j.mu.Unlock()
	j.saveIf(changed)
}

// ForgetValue drops the named cookie only while it still holds value, so a
// credential written in the meantime survives. It reports whether the
// cookie was dropped.
func (j *Jar) ForgetValue(name, value string) bool {
	j.mu.Lock()
	rec, ok := j.records[name]
	if !ok || rec.Value != value {
		j.mu.Unlock()
		return false
	}
	changed := j.forgetLocked(name)
	j.mu.Unlock()
	j.saveIf(changed)
	return true
}

func (j *Jar) forgetLocked(name string) bool {
	path := "/"
	if rec, ok := j.records[name]; ok && rec.Path != "" {
		path = rec.Path
	}
	return j.setLocked(j.origin, []*http.Cookie{{Name: name, Path: path, MaxAge: -1}})
}

// Save writes the origin's cookies to the configured file with 0600
// permissions. It is a no-op without a file.
func (j *Jar) Save() error {
	if j.path == "" {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	out := fileFormat{Origin: j.origin.String(), Cookies: make([]record, 0, len(j.records))}
	for _, rec := range j.records {
		out.Cookies = append(out.Cookies, rec)
	}
	sort.Slice(out.Cookies, func(a, b int) bool { return out.Cookies[a].Name < out.Cookies[b].Name })
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("credential: marshal: %w", err)
	}
	if bytes.Equal(data, j.written) {
		return nil
	}
	if err := writeFile(j.path, data); err != nil {
		return err
	}
	j.written = data
	return nil
}

// Load replaces the jar's contents with the configured file. A missing file
// yields an empty jar.
func (j *Jar) Load() error {
	var data []byte
	if j.path != "" {
		var err error
		data, err = os.ReadFile(j.path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("credential: read %s: %w", j.path, err)
		}
	}

	var in fileFormat
	if len(data) > 0 {
		if err := json.Unmarshal(data, &in); err != nil {
			return fmt.Errorf("credential: decode %s: %w", j.path, err)
		}
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return fmt.Errorf("credential: cookiejar: %w", err)
	}
	records := make(map[string]record, len(in.Cookies))
	now := time.Now()
	cookies := make([]*http.Cookie, 0, len(in.Cookies))
	for _, rec := range in.Cookies {
		if !rec.Expires.IsZero() && !rec.Expires.After(now) {
			continue
		}
		records[rec.Name] = rec
		cookies = append(cookies, &http.Cookie{
			Name:     rec.Name,
			Value:    rec.Value,
			Path:     rec.Path,
			Domain:   rec.Domain,
			Expires:  rec.Expires,
			Secure:   rec.Secure,
			HttpOnly: rec.HttpOnly,
		})
	}
	jar.SetCookies(j.origin, cookies)

	j.mu.Lock()
	j.jar = jar
	j.records = records
	j.written = data
	j.mu.Unlock()
	return nil
}

// changedOnDisk reports whether the file differs from what the jar last
// loaded or wrote.
func (j *Jar) changedOnDisk() bool {
	data, err := os.ReadFile(j.path)
	if err != nil {
		data = nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return !bytes.Equal(data, j.written)
}

func writeFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("credential: mkdir %s: %w", dir, err)
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("credential: create temp: %w", err)
	}
	tmp := f.Name()
	defer func() { _ = os.Remove(tmp) }()

	if err := f.Chmod(0o600); err != nil {
		_ = f.Close()
		return fmt.Errorf("credential: chmod: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("credential: write: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("credential: close: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("credential: rename: %w", err)
	}
	return nil
}

var _ http.CookieJar = (*Jar)(nil)
