// Package fetch retrieves many HTTP sources concurrently while handing them
// to the caller strictly in submission order.
package fetch

import (
	"context"
	"io"
	"iter"
	"log/slog"
	nethttp "net/http"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/meigma/zipstream/stream"
)

// DefaultConcurrency is the fetch window used when none is configured.
const DefaultConcurrency = 8

// Request names one source to retrieve.
type Request struct {
	URL      string
	Filename string
}

// Outcome is the result of one Request. Exactly one of Body and Err is set.
//
// Body starts streaming as soon as the response headers arrive. The consumer
// owns it and must close it; closing releases the pool slot so the next
// source can start.
type Outcome struct {
	Index    int
	Filename string
	URL      string
	Body     io.ReadCloser
	Err      error
}

// Pool fetches sources with a bounded window of concurrent work.
type Pool struct {
	client      *nethttp.Client
	headers     nethttp.Header
	userAgent   string
	concurrency int
	spoolDir    string
	logger      *slog.Logger
}

// New creates a Pool.
func New(opts ...Option) *Pool {
	p := &Pool{
		client:      nethttp.DefaultClient,
		concurrency: DefaultConcurrency,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.client == nil {
		p.client = nethttp.DefaultClient
	}
	if p.concurrency < 1 {
		p.concurrency = DefaultConcurrency
	}
	return p
}

// Concurrency returns the size of the fetch window.
func (p *Pool) Concurrency() int {
	return p.concurrency
}

// log returns the logger, falling back to a discard logger if nil.
func (p *Pool) log() *slog.Logger {
	if p.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return p.logger
}

// slot holds the outcome of one request until the consumer reaches it.
type slot struct {
	ready   chan struct{}
	outcome Outcome
}

func (s *slot) settle(o Outcome) {
	s.outcome = o
	close(s.ready)
}

// Fetch starts retrieving reqs and yields one Outcome per request in the
// order of reqs, whatever order the sources complete in.
//
// At most Concurrency sources are in flight or waiting to be consumed at any
// moment: source i+K does not start until the body of source i is closed.
// A failed source is yielded as an Outcome with a *Error; later sources are
// still fetched. Stopping the iteration early cancels outstanding requests
// and closes bodies that were never yielded.
//
//nolint:gocognit // dispatcher, workers and ordered consumer share one scope
func (p *Pool) Fetch(ctx context.Context, reqs []Request) iter.Seq[Outcome] {
	return func(yield func(Outcome) bool) {
		if len(reqs) == 0 {
			return
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		slots := make([]*slot, len(reqs))
		for i := range slots {
			slots[i] = &slot{ready: make(chan struct{})}
		}
		window := semaphore.NewWeighted(int64(p.concurrency))

		var g errgroup.Group
		g.Go(func() error {
			for i, req := range reqs {
				if err := window.Acquire(ctx, 1); err != nil {
					for j := i; j < len(reqs); j++ {
						slots[j].settle(Outcome{
							Index:    j,
							Filename: reqs[j].Filename,
							URL:      reqs[j].URL,
							Err:      &Error{Filename: reqs[j].Filename, URL: reqs[j].URL, Err: err},
						})
					}
					return nil
				}
				g.Go(func() error {
					p.run(ctx, i, req, slots[i], window)
					return nil
				})
			}
			return nil
		})

		next := 0
		defer func() {
			if next < len(slots) {
				cancel()
			}
			_ = g.Wait()
			for ; next < len(slots); next++ {
				if body := slots[next].outcome.Body; body != nil {
					_ = body.Close()
				}
			}
		}()

		for next < len(slots) {
			s := slots[next]
			<-s.ready
			if !yield(s.outcome) {
				next++
				cancel()
				return
			}
			next++
		}
	}
}

// run performs one request and settles its slot as soon as the outcome is
// known. On success the body keeps spooling after the slot is settled.
func (p *Pool) run(ctx context.Context, index int, req Request, s *slot, window *semaphore.Weighted) {
	log := p.log().With("index", index, "filename", req.Filename, "url", req.URL)
	fail := func(o Outcome) {
		window.Release(1)
		s.settle(o)
	}
	outcome := Outcome{Index: index, Filename: req.Filename, URL: req.URL}

	reqCtx, reqCancel := context.WithCancel(ctx)
	httpReq, err := nethttp.NewRequestWithContext(reqCtx, nethttp.MethodGet, req.URL, nil)
	if err != nil {
		reqCancel()
		outcome.Err = &Error{Filename: req.Filename, URL: req.URL, Err: err}
		fail(outcome)
		return
	}
	for key, values := range p.headers {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}
	if p.userAgent != "" {
		httpReq.Header.Set("User-Agent", p.userAgent)
	}

	log.Debug("fetch started")
	resp, err := p.client.Do(httpReq) //nolint:gosec // fetching caller-supplied URLs is the purpose of this package
	if err != nil {
		reqCancel()
		log.Warn("fetch failed", "error", err)
		outcome.Err = &Error{Filename: req.Filename, URL: req.URL, Err: err}
		fail(outcome)
		return
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		reqCancel()
		log.Warn("fetch failed", "status", resp.StatusCode)
		outcome.Err = &Error{Filename: req.Filename, URL: req.URL, StatusCode: resp.StatusCode}
		fail(outcome)
		return
	}

	backing, err := p.newBacking()
	if err != nil {
		resp.Body.Close()
		reqCancel()
		outcome.Err = &Error{Filename: req.Filename, URL: req.URL, Err: err}
		fail(outcome)
		return
	}

	buf := stream.NewBuffer(backing)
	spooled := make(chan struct{})
	b := &body{
		reader:  buf.NewReader(reqCtx),
		cancel:  reqCancel,
		spooled: spooled,
		backing: backing,
		window:  window,
	}
	outcome.Body = b
	s.settle(outcome)

	n, err := io.Copy(buf, resp.Body)
	resp.Body.Close()
	if err != nil {
		log.Warn("fetch interrupted", "bytes", n, "error", err)
		_ = buf.CloseWithError(&Error{Filename: req.Filename, URL: req.URL, Err: err})
	} else {
		log.Debug("fetch complete", "bytes", n)
		_ = buf.Close()
	}
	close(spooled)
}

func (p *Pool) newBacking() (stream.Backing, error) {
	if p.spoolDir == "" {
		return stream.NewMemory(), nil
	}
	return stream.NewTempFile(p.spoolDir, "fetch-*.part")
}

// body is the consumer's view of a spooling response.
type body struct {
	reader  *stream.Reader
	cancel  context.CancelFunc
	spooled <-chan struct{}
	backing stream.Backing
	window  *semaphore.Weighted
	once    sync.Once
}

func (b *body) Read(p []byte) (int, error) {
	return b.reader.Read(p)
}

// Close stops the transfer if it is still running, discards spooled bytes
// and frees the pool slot.
func (b *body) Close() error {
	var err error
	b.once.Do(func() {
		_ = b.reader.Close()
		b.cancel()
		<-b.spooled
		if c, ok := b.backing.(io.Closer); ok {
			err = c.Close()
		}
		b.window.Release(1)
	})
	return err
}
