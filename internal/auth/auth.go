// Package auth negotiates HTTP Basic and Digest authentication: issue an
// unauthenticated HEAD, inspect WWW-Authenticate, and build the
// Authorization header for the real request. Digest nonce counters are
// tracked per-process, keyed by nonce, and incremented atomically on
// every reuse.
package auth

import (
	"crypto/md5"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/atomic"

	"github.com/daveallie/grapple/internal/grappleerr"
)

// Prober is the subset of an HTTP client the Engine needs to issue the
// unauthenticated probe HEAD. http.Client satisfies this.
type Prober interface {
	Do(req *http.Request) (*http.Response, error)
}

// Engine negotiates auth for a single process lifetime. The nonce counter
// map is shared across every URL/goroutine using this Engine.
type Engine struct {
	prober Prober

	// mu guards nonceNC's lookups and first-sighting inserts; bumping a
	// counter once it has been fetched is an atomic increment done
	// outside the lock.
	mu      sync.Mutex
	nonceNC map[string]*atomic.Uint64

	// cnonceFunc generates the client nonce for Digest auth. Defaults to
	// a fresh UUID; overridable so tests can pin the published
	// httpbin.org test vector.
	cnonceFunc func() string
}

// New returns an Engine that probes using client.
func New(client Prober) *Engine {
	return &Engine{
		prober:     client,
		nonceNC:    make(map[string]*atomic.Uint64),
		cnonceFunc: func() string { return uuid.New().String() },
	}
}

// Authenticate issues an unauthenticated HEAD against rawURL and, if the
// server challenges, builds the Authorization header value for a
// subsequent request of the given method. A nil, nil return means the
// caller should proceed without an Authorization header at all.
func (e *Engine) Authenticate(rawURL, username, password, method string) (http.Header, error) {
	req, err := http.NewRequest(http.MethodHead, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", grappleerr.ProbeFailed, err)
	}

	resp, err := e.prober.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", grappleerr.ProbeFailed, err)
	}
	defer resp.Body.Close()

	challenge := resp.Header.Get("WWW-Authenticate")
	if challenge == "" {
		return nil, nil
	}

	scheme, rest, ok := strings.Cut(challenge, " ")
	if !ok {
		return nil, nil
	}

	switch scheme {
	case "Basic":
		return e.basicAuth(username, password), nil
	case "Digest":
		return e.digestAuth(rawURL, username, password, method, rest)
	default:
		return nil, fmt.Errorf("%w: %q", grappleerr.UnsupportedAuthScheme, scheme)
	}
}

func (e *Engine) basicAuth(username, password string) http.Header {
	userinfo := username + ":" + password
	encoded := base64.StdEncoding.EncodeToString([]byte(userinfo))

	h := make(http.Header)
	h.Set("Authorization", "Basic "+encoded)
	return h
}

func (e *Engine) digestAuth(rawURL, username, password, method, challenge string) (http.Header, error) {
	if method == "" {
		return nil, grappleerr.MethodRequired
	}

	fields := parseChallengeFields(challenge)

	realm := fields["realm"]
	nonce := fields["nonce"]
	qop := fields["qop"]
	opaque := fields["opaque"]

	uri, err := requestURI(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", grappleerr.ProbeFailed, err)
	}

	nc := e.nextNonceCount(nonce)
	cnonce := e.cnonceFunc()

	ha1 := md5Hex(username + ":" + realm + ":" + password)
	ha2 := md5Hex(method + ":" + uri)
	response := md5Hex(strings.Join([]string{ha1, nonce, nc, cnonce, qop, ha2}, ":"))

	var b strings.Builder
	fmt.Fprintf(&b, `Digest username="%s", realm="%s", nonce="%s", uri="%s", qop=%s, nc=%s, cnonce="%s", response="%s"`,
		username, realm, nonce, uri, qop, nc, cnonce, response)
	if opaque != "" {
		fmt.Fprintf(&b, `, opaque="%s"`, opaque)
	}

	h := make(http.Header)
	h.Set("Authorization", b.String())
	return h, nil
}

// nextNonceCount returns the next 8-digit lowercase hex counter value for
// nonce. Counters start at 1. Every call takes the lock to look up the
// nonce's counter (inserting one on first sighting); the increment itself
// happens atomically after the lock is released.
func (e *Engine) nextNonceCount(nonce string) string {
	e.mu.Lock()
	counter, ok := e.nonceNC[nonce]
	if !ok {
		counter = atomic.NewUint64(0)
		e.nonceNC[nonce] = counter
	}
	e.mu.Unlock()

	return fmt.Sprintf("%08x", counter.Inc())
}

// parseChallengeFields parses a comma-separated field=value challenge
// body, trimming whitespace and surrounding double quotes from values.
func parseChallengeFields(challenge string) map[string]string {
	fields := make(map[string]string)
	for _, part := range strings.Split(challenge, ",") {
		part = strings.TrimSpace(part)
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.Trim(strings.TrimSpace(value), `"`)
		fields[key] = value
	}
	return fields
}

// requestURI returns the path of rawURL with "?query" appended if present.
func requestURI(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if u.RawQuery != "" {
		return u.Path + "?" + u.RawQuery, nil
	}
	return u.Path, nil
}

func md5Hex(input string) string {
	sum := md5.Sum([]byte(input))
	return fmt.Sprintf("%x", sum)
}
