// Package engine wires the Auth Engine, Range Client, Part Planner,
// Partial File, Worker Pool, and Progress Sink into the single driver
// operation, Run: discover the resource with a HEAD, plan parts, open or
// reuse the partial file, dispatch the worker pool, then finalize.
package engine

import (
	"context"
	"fmt"
	"io/ioutil"
	"log"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cognusion/go-sequence"
	"github.com/cognusion/go-timings"

	"github.com/daveallie/grapple/internal/auth"
	"github.com/daveallie/grapple/internal/grappleerr"
	"github.com/daveallie/grapple/internal/naming"
	"github.com/daveallie/grapple/internal/partialfile"
	"github.com/daveallie/grapple/internal/partition"
	"github.com/daveallie/grapple/internal/pool"
	"github.com/daveallie/grapple/internal/progress"
	"github.com/daveallie/grapple/internal/rangeclient"
)

var seq = sequence.New(0)

// Options configures a single Run invocation, bound from cmd/grapple's
// cobra flags.
type Options struct {
	URL             string
	ThreadCount     int
	PartCount       int
	Username        string
	Password        string
	ThreadBandwidth int

	// Sink defaults to a progress.BarSink if nil.
	Sink progress.Sink

	TimingsOut *log.Logger
	DebugOut   *log.Logger
}

// Engine drives one download end to end.
type Engine struct {
	opts Options

	rangeClient *rangeclient.RangeClient
}

// New returns an Engine ready for Run, normalizing nil loggers to discard
// and a nil sink to a default BarSink.
func New(opts Options) *Engine {
	if opts.TimingsOut == nil {
		opts.TimingsOut = log.New(ioutil.Discard, "", 0)
	}
	if opts.DebugOut == nil {
		opts.DebugOut = log.New(ioutil.Discard, "", 0)
	}
	if opts.Sink == nil {
		opts.Sink = progress.NewBarSink()
	}

	retryClient := rangeclient.NewRetryClient(3, time.Second, 30*time.Second)
	authEngine := auth.New(&http.Client{Timeout: 30 * time.Second})
	rc := rangeclient.New(retryClient, authEngine, opts.ThreadCount)
	rc.TimingsOut = opts.TimingsOut
	rc.DebugOut = opts.DebugOut

	return &Engine{
		opts:        opts,
		rangeClient: rc,
	}
}

// Run discovers the resource, plans its parts, downloads them, and
// finalizes the output file. A non-nil error is always fatal, except
// that a PartFailed condition is only surfaced after every worker has
// joined, since other parts are allowed to finish first.
func (e *Engine) Run() error {
	dlid := seq.NextHashID()
	defer timings.Track(fmt.Sprintf("[%s] engine.Run", dlid), time.Now(), e.opts.TimingsOut)

	if err := validateOptions(e.opts); err != nil {
		return err
	}

	finalName := naming.DestinationFileName(e.opts.URL)
	if _, err := statExists(finalName); err != nil {
		return err
	}

	username, password := e.opts.Username, e.opts.Password
	if urlUser, urlPass, ok := userinfoFrom(e.opts.URL); ok {
		if username == "" {
			username = urlUser
		}
		if password == "" {
			password = urlPass
		}
	}

	head, err := e.rangeClient.Head(e.opts.URL, username, password)
	if err != nil {
		return err
	}
	defer head.Body.Close()

	if !strings.Contains(strings.ToLower(head.Header.Get("Accept-Ranges")), "bytes") {
		return grappleerr.NoRangeSupport
	}

	totalSize, err := strconv.ParseInt(head.Header.Get("Content-Length"), 10, 64)
	if err != nil {
		return fmt.Errorf("%w: Content-Length %q", grappleerr.ProbeFailed, head.Header.Get("Content-Length"))
	}

	parts, err := partition.Plan(totalSize, e.opts.ThreadCount, e.opts.PartCount)
	if err != nil {
		return err
	}

	pf, err := partialfile.Open(finalName, totalSize)
	if err != nil {
		return err
	}
	defer pf.Close()

	e.opts.DebugOut.Printf("[%s] %s: %d bytes, %d parts, %d threads\n", dlid, finalName, totalSize, len(parts), e.opts.ThreadCount)

	partLengths := make([]int64, len(parts))
	for i, p := range parts {
		partLengths[i] = p.Length()
	}
	e.opts.Sink.StartAll(finalName, e.opts.ThreadCount, partLengths)
	if barSink, ok := e.opts.Sink.(*progress.BarSink); ok {
		defer barSink.Stop()
	}

	jobs := make([]pool.Job, len(parts))
	for i, p := range parts {
		jobs[i] = pool.Job{
			PartID:          i,
			Part:            p,
			URL:             e.opts.URL,
			Username:        username,
			Password:        password,
			ThreadBandwidth: e.opts.ThreadBandwidth,
		}
	}

	workers := pool.New(e.opts.ThreadCount)
	workers.Run(context.Background(), jobs, pf, e.rangeClient, e.opts.Sink)

	if workers.HasFailed.Load() {
		return fmt.Errorf("%w: one or more parts failed, rerun to resume", grappleerr.PartFailed)
	}

	return pf.Finalize(finalName)
}

func validateOptions(opts Options) error {
	if opts.URL == "" {
		return fmt.Errorf("%w: a URL is required", grappleerr.UsageError)
	}
	if opts.ThreadCount < partition.MinThreadCount || opts.ThreadCount > partition.MaxThreadCount {
		return fmt.Errorf("%w: thread count must be between %d and %d",
			grappleerr.UsageError, partition.MinThreadCount, partition.MaxThreadCount)
	}
	if opts.PartCount < opts.ThreadCount {
		return fmt.Errorf("%w: part count must be at least the thread count", grappleerr.UsageError)
	}
	return nil
}

func statExists(name string) (bool, error) {
	if _, err := os.Stat(name); err == nil {
		return true, fmt.Errorf("%w: %s already exists, please remove it and try again", grappleerr.AlreadyExists, name)
	}
	return false, nil
}

func userinfoFrom(rawURL string) (username, password string, ok bool) {
	u, err := url.Parse(rawURL)
	if err != nil || u.User == nil {
		return "", "", false
	}
	password, _ = u.User.Password()
	return u.User.Username(), password, true
}
