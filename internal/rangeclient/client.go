// Package rangeclient is a thin, authenticated wrapper over an HTTP
// transport: it issues HEAD and ranged GET requests through the Auth
// Engine, asserts 2xx, and exposes Content-Range parsing.
package rangeclient

import (
	"fmt"
	"log"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/cognusion/go-timings"
	"github.com/cognusion/semaphore"

	"github.com/daveallie/grapple/internal/auth"
	"github.com/daveallie/grapple/internal/grappleerr"
)

// contentRangeRegex recovers the starting offset (and, where present, the
// end and total) from a Content-Range header.
var contentRangeRegex = regexp.MustCompile(`^[A-Za-z][\w]*\s+(\d+)\s?-\s?(\d+)?\s?/\s?(\d+|\*)?`)

// Response wraps an *http.Response with Content-Range parsing.
type Response struct {
	*http.Response
}

// FirstByte parses the Content-Range header's starting offset. A missing
// or unparseable header is fatal.
func (r *Response) FirstByte() (int64, error) {
	cr := r.Header.Get("Content-Range")
	matches := contentRangeRegex.FindStringSubmatch(cr)
	if matches == nil || matches[1] == "" {
		return 0, fmt.Errorf("%w: %q", grappleerr.BadContentRange, cr)
	}
	first, err := strconv.ParseInt(matches[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", grappleerr.BadContentRange, cr)
	}
	return first, nil
}

// RangeClient issues authenticated HEAD and ranged-GET requests.
type RangeClient struct {
	TimingsOut *log.Logger
	DebugOut   *log.Logger

	client Client
	auth   *auth.Engine

	// inFlight bounds how many ranged GETs are being issued at once,
	// independently of the Worker Pool's thread-id gate. A slot is held
	// until the response headers arrive; streaming the body is not
	// counted against it.
	inFlight semaphore.Semaphore
}

// New returns a RangeClient that issues requests via client, authenticating
// through authEngine, and never has more than maxInFlight ranged GETs
// waiting on response headers at once. Reading a returned body does not
// hold a slot.
func New(client Client, authEngine *auth.Engine, maxInFlight int) *RangeClient {
	if maxInFlight < 1 {
		maxInFlight = 1
	}
	return &RangeClient{
		TimingsOut: log.New(discard{}, "", 0),
		DebugOut:   log.New(discard{}, "", 0),
		client:     client,
		auth:       authEngine,
		inFlight:   semaphore.NewSemaphore(maxInFlight),
	}
}

// Head performs authenticate() and issues a HEAD for url, asserting 2xx.
func (rc *RangeClient) Head(url, username, password string) (*http.Response, error) {
	defer timings.Track("rangeclient.Head "+url, time.Now(), rc.TimingsOut)

	headers, err := rc.auth.Authenticate(url, username, password, http.MethodHead)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequest(http.MethodHead, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", grappleerr.ProbeFailed, err)
	}
	applyHeaders(req, headers)

	resp, err := rc.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", grappleerr.ProbeFailed, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: %s", grappleerr.HTTPStatusNot2xx, resp.Status)
	}
	return resp, nil
}

// GetRange performs authenticate() and issues a ranged GET for
// [first, last] (inclusive) against url, asserting 2xx.
func (rc *RangeClient) GetRange(url, username, password string, first, last int64) (*Response, error) {
	rc.inFlight.Lock()
	defer rc.inFlight.Unlock()

	defer timings.Track(fmt.Sprintf("rangeclient.GetRange %d-%d %s", first, last, url), time.Now(), rc.TimingsOut)

	headers, err := rc.auth.Authenticate(url, username, password, http.MethodGet)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", grappleerr.PartFailed, err)
	}
	applyHeaders(req, headers)
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", first, last))

	resp, err := rc.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", grappleerr.PartFailed, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: %s", grappleerr.HTTPStatusNot2xx, resp.Status)
	}

	rc.DebugOut.Printf("GetRange %d-%d returned %d, Content-Range %s\n", first, last, resp.StatusCode, resp.Header.Get("Content-Range"))

	return &Response{Response: resp}, nil
}

func applyHeaders(req *http.Request, headers http.Header) {
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
}

// discard is an io.Writer that throws away everything written to it,
// used to default TimingsOut/DebugOut.
type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
