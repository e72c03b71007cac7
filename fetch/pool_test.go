package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	nethttp "net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fetched struct {
	Outcome
	data string
}

// collect drains every outcome, reading and closing successful bodies.
func collect(t *testing.T, p *Pool, reqs []Request) []fetched {
	t.Helper()
	var out []fetched
	for o := range p.Fetch(context.Background(), reqs) {
		f := fetched{Outcome: o}
		if o.Body != nil {
			data, err := io.ReadAll(o.Body)
			require.NoError(t, err)
			require.NoError(t, o.Body.Close())
			f.data = string(data)
		}
		out = append(out, f)
	}
	return out
}

func TestFetchPreservesOrder(t *testing.T) {
	t.Parallel()

	fastServed := make(chan struct{})
	mux := nethttp.NewServeMux()
	mux.HandleFunc("/slow", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		select {
		case <-fastServed:
		case <-r.Context().Done():
			return
		}
		_, _ = io.WriteString(w, "slow")
	})
	mux.HandleFunc("/fast", func(w nethttp.ResponseWriter, _ *nethttp.Request) {
		_, _ = io.WriteString(w, "fast")
		w.(nethttp.Flusher).Flush()
		close(fastServed)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	reqs := []Request{
		{URL: srv.URL + "/slow", Filename: "1.txt"},
		{URL: srv.URL + "/fast", Filename: "2.txt"},
	}

	var got []string
	for o := range New().Fetch(context.Background(), reqs) {
		require.NoError(t, o.Err)
		data, err := io.ReadAll(o.Body)
		require.NoError(t, err)
		require.NoError(t, o.Body.Close())
		got = append(got, fmt.Sprintf("%d:%s", o.Index, data))
	}
	assert.Equal(t, []string{"0:slow", "1:fast"}, got)
}

func TestFetchFailureDoesNotStopLaterSources(t *testing.T) {
	t.Parallel()

	mux := nethttp.NewServeMux()
	mux.HandleFunc("/ok", func(w nethttp.ResponseWriter, _ *nethttp.Request) {
		_, _ = io.WriteString(w, "ok")
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	reqs := []Request{
		{URL: srv.URL + "/missing", Filename: "missing.txt"},
		{URL: srv.URL + "/ok", Filename: "ok.txt"},
		{URL: "://not a url", Filename: "bad.txt"},
	}
	out := collect(t, New(), reqs)
	require.Len(t, out, 3)

	var fe *Error
	require.ErrorAs(t, out[0].Err, &fe)
	assert.Equal(t, nethttp.StatusNotFound, fe.StatusCode)
	assert.Equal(t, "missing.txt", fe.Filename)
	assert.ErrorIs(t, out[0].Err, ErrFetchFailed)
	assert.Nil(t, out[0].Body)

	assert.Equal(t, "ok", out[1].data)
	assert.Equal(t, "ok.txt", out[1].Filename)

	require.ErrorAs(t, out[2].Err, &fe)
	assert.Zero(t, fe.StatusCode)
	assert.Error(t, fe.Err)
	assert.ErrorIs(t, out[2].Err, ErrFetchFailed)
}

func TestFetchWindowBoundsOutstandingWork(t *testing.T) {
	t.Parallel()

	var started atomic.Int32
	srv := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		started.Add(1)
		_, _ = io.WriteString(w, r.URL.Path)
	}))
	t.Cleanup(srv.Close)

	reqs := make([]Request, 5)
	for i := range reqs {
		reqs[i] = Request{URL: fmt.Sprintf("%s/%d", srv.URL, i), Filename: fmt.Sprintf("%d", i)}
	}

	p := New(WithConcurrency(2))
	assert.Equal(t, 2, p.Concurrency())

	first := true
	for o := range p.Fetch(context.Background(), reqs) {
		require.NoError(t, o.Err)
		if first {
			first = false
			// Leave the first body unconsumed: only the window may have started.
			time.Sleep(50 * time.Millisecond)
			assert.Equal(t, int32(2), started.Load())
		}
		_, err := io.Copy(io.Discard, o.Body)
		require.NoError(t, err)
		require.NoError(t, o.Body.Close())
	}
	assert.Equal(t, int32(5), started.Load())
}

func TestFetchStreamsHeadBeforeCompletion(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		_, _ = io.WriteString(w, "part1")
		w.(nethttp.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
			return
		}
		_, _ = io.WriteString(w, "part2")
	}))
	t.Cleanup(srv.Close)

	for o := range New().Fetch(context.Background(), []Request{{URL: srv.URL, Filename: "f"}}) {
		require.NoError(t, o.Err)
		p := make([]byte, 5)
		_, err := io.ReadFull(o.Body, p)
		require.NoError(t, err)
		assert.Equal(t, "part1", string(p))

		close(release)
		rest, err := io.ReadAll(o.Body)
		require.NoError(t, err)
		assert.Equal(t, "part2", string(rest))
		require.NoError(t, o.Body.Close())
	}
}

func TestFetchBreakCancelsRemaining(t *testing.T) {
	t.Parallel()

	cancelled := make(chan struct{}, 1)
	mux := nethttp.NewServeMux()
	mux.HandleFunc("/first", func(w nethttp.ResponseWriter, _ *nethttp.Request) {
		_, _ = io.WriteString(w, "first")
	})
	mux.HandleFunc("/hang", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		w.WriteHeader(nethttp.StatusOK)
		w.(nethttp.Flusher).Flush()
		<-r.Context().Done()
		cancelled <- struct{}{}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	reqs := []Request{
		{URL: srv.URL + "/first", Filename: "first"},
		{URL: srv.URL + "/hang", Filename: "hang"},
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for o := range New().Fetch(context.Background(), reqs) {
			if o.Body != nil {
				_ = o.Body.Close()
			}
			break
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Fetch did not return after break")
	}
	select {
	case <-cancelled:
	case <-time.After(5 * time.Second):
		t.Fatal("outstanding request was not cancelled")
	}
}

func TestFetchContextCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	srv := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, _ *nethttp.Request) {
		_, _ = io.WriteString(w, "x")
	}))
	t.Cleanup(srv.Close)

	var errs []error
	for o := range New().Fetch(ctx, []Request{{URL: srv.URL, Filename: "a"}, {URL: srv.URL, Filename: "b"}}) {
		if o.Body != nil {
			_ = o.Body.Close()
		}
		errs = append(errs, o.Err)
	}
	require.Len(t, errs, 2)
	for _, err := range errs {
		assert.ErrorIs(t, err, ErrFetchFailed)
		assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
	}
}

func TestFetchSendsHeaders(t *testing.T) {
	t.Parallel()

	headers := make(chan nethttp.Header, 1)
	srv := httptest.NewServer(nethttp.HandlerFunc(func(_ nethttp.ResponseWriter, r *nethttp.Request) {
		headers <- r.Header.Clone()
	}))
	t.Cleanup(srv.Close)

	p := New(WithUserAgent("zipstream-test"), WithHeader("X-Token", "abc"), WithClient(srv.Client()))
	out := collect(t, p, []Request{{URL: srv.URL, Filename: "f"}})
	require.Len(t, out, 1)
	require.NoError(t, out[0].Err)
	got := <-headers
	assert.Equal(t, "zipstream-test", got.Get("User-Agent"))
	assert.Equal(t, "abc", got.Get("X-Token"))
}

func TestFetchSpoolDirIsCleanedUp(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, _ *nethttp.Request) {
		_, _ = io.WriteString(w, "spooled body")
	}))
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	out := collect(t, New(WithSpoolDir(dir)), []Request{
		{URL: srv.URL, Filename: "a"},
		{URL: srv.URL, Filename: "b"},
	})
	require.Len(t, out, 2)
	assert.Equal(t, "spooled body", out[0].data)
	assert.Equal(t, "spooled body", out[1].data)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestFetchEmpty(t *testing.T) {
	t.Parallel()

	for range New().Fetch(context.Background(), nil) {
		t.Fatal("unexpected outcome")
	}
}
