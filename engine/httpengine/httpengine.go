// Copyright (c) 2024 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package httpengine implements the engine contract on top of net/http.
package httpengine

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/z5labs/ferry/engine"
	"github.com/z5labs/ferry/internal/try"

	"go.uber.org/zap"
)

type completion struct {
	id  engine.ID
	err error
}

type inflight struct {
	handle *engine.Handle
	cancel context.CancelFunc
	done   bool
}

// Set implements engine.Set. Each added Handle is performed on its own
// goroutine; Drive and DrainCompletions observe their progress. The
// engine.Set methods must be called from a single goroutine, matching
// the single-owner contract, but the transfer goroutines themselves
// only touch Set state under the internal mutex.
type Set struct {
	base *http.Client
	hint time.Duration
	log  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	nextID      engine.ID
	inflights   map[engine.ID]*inflight
	completions []completion
}

// SetOption configures a Set.
type SetOption func(*Set)

// HTTPClient sets the base client used to perform transfers. Per handle
// settings, e.g. timeouts and redirect policy, are applied on a shallow
// copy so the provided client is never mutated. Proxy, connect timeout
// and TLS settings are overlaid on a clone of the client's Transport;
// that requires the Transport to be nil or a *http.Transport, otherwise
// Add fails for handles which configure any of them.
func HTTPClient(c *http.Client) SetOption {
	return func(s *Set) {
		s.base = c
	}
}

// WaitHint configures the duration the Set suggests callers wait
// between drives. Without it SuggestedWait reports no suggestion.
func WaitHint(d time.Duration) SetOption {
	return func(s *Set) {
		s.hint = d
	}
}

// Logger sets the zap.Logger used for transfer lifecycle logging.
func Logger(log *zap.Logger) SetOption {
	return func(s *Set) {
		s.log = log
	}
}

// NewSet returns an empty Set ready to register transfers with.
func NewSet(opts ...SetOption) *Set {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Set{
		log:       zap.NewNop(),
		ctx:       ctx,
		cancel:    cancel,
		inflights: make(map[engine.ID]*inflight),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add implements the engine.Set interface.
func (s *Set) Add(h *engine.Handle) (engine.ID, error) {
	if h.URL() == nil {
		return 0, engine.Error{Op: "add", Cause: engine.ErrNoURL}
	}
	client, err := s.clientFor(h)
	if err != nil {
		return 0, engine.Error{Op: "add", Cause: err}
	}

	ctx, cancel := context.WithCancel(s.ctx)
	req, err := s.newRequest(ctx, h)
	if err != nil {
		cancel()
		return 0, engine.Error{Op: "add", Cause: err}
	}

	s.mu.Lock()
	s.nextID++
	id := s.nextID
	fl := &inflight{handle: h, cancel: cancel}
	s.inflights[id] = fl
	s.mu.Unlock()

	s.log.Debug("transfer registered",
		zap.Uint64("transfer_id", uint64(id)),
		zap.String("url", h.URL().String()))

	go s.perform(id, fl, client, req)
	return id, nil
}

// Drive implements the engine.Set interface. Transfers progress on
// their own goroutines, so driving only reports how many have not
// yet reached a terminal state.
func (s *Set) Drive() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, fl := range s.inflights {
		if !fl.done {
			n++
		}
	}
	return n, nil
}

// SuggestedWait implements the engine.Set interface.
func (s *Set) SuggestedWait() (time.Duration, bool) {
	if s.hint <= 0 {
		return 0, false
	}
	return s.hint, true
}

// DrainCompletions implements the engine.Set interface.
func (s *Set) DrainCompletions(f engine.CompletionFunc) {
	s.mu.Lock()
	completions := s.completions
	s.completions = nil
	s.mu.Unlock()

	for _, c := range completions {
		f(c.id, c.err)
	}
}

// Remove implements the engine.Set interface. Removing a transfer
// which has not reached a terminal state cancels it; its completion is
// still reported via DrainCompletions.
func (s *Set) Remove(id engine.ID) (*engine.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fl, ok := s.inflights[id]
	if !ok {
		return nil, engine.Error{Op: "remove", Cause: engine.ErrUnknownHandle}
	}
	delete(s.inflights, id)
	fl.cancel()
	return fl.handle, nil
}

// Close cancels all in-flight transfers. Completions for canceled
// transfers are still reported via DrainCompletions.
func (s *Set) Close() error {
	s.cancel()
	return nil
}

func (s *Set) perform(id engine.ID, fl *inflight, client *http.Client, req *http.Request) {
	defer fl.cancel()

	err := s.do(fl.handle, client, req)
	if err != nil {
		s.log.Debug("transfer failed",
			zap.Uint64("transfer_id", uint64(id)),
			zap.Error(err))
	}

	s.mu.Lock()
	fl.done = true
	s.completions = append(s.completions, completion{id: id, err: err})
	s.mu.Unlock()
}

func (s *Set) do(h *engine.Handle, client *http.Client, req *http.Request) (err error) {
	// The sink is caller supplied code.
	defer try.Recover(&err)

	resp, err := client.Do(req)
	if err != nil {
		return engine.Error{Op: "perform", Cause: err}
	}
	defer resp.Body.Close()

	_, err = io.Copy(h.Sink(), resp.Body)
	if err != nil {
		return engine.Error{Op: "read response body", Cause: err}
	}

	h.Complete(resp.StatusCode, resp.Header)
	return nil
}

func (s *Set) newRequest(ctx context.Context, h *engine.Handle) (*http.Request, error) {
	var body io.Reader
	if len(h.Body()) > 0 {
		body = bytes.NewReader(h.Body())
	}

	req, err := http.NewRequestWithContext(ctx, h.Method(), h.URL().String(), body)
	if err != nil {
		return nil, err
	}
	for key, values := range h.Header() {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	if ua := h.UserAgent(); ua != "" {
		req.Header.Set("User-Agent", ua)
	}
	if username, password, ok := h.BasicAuth(); ok {
		req.SetBasicAuth(username, password)
	}
	for _, cookie := range h.Cookies() {
		req.Header.Add("Cookie", cookie)
	}
	return req, nil
}

func (s *Set) clientFor(h *engine.Handle) (*http.Client, error) {
	base := s.base
	if base == nil {
		base = &http.Client{}
	}

	// Shallow copy so per handle settings never leak into the shared client.
	client := *base
	if h.Timeout() > 0 {
		client.Timeout = h.Timeout()
	}

	if h.ConnectTimeout() > 0 || h.InsecureSkipVerify() || h.Proxy() != nil {
		transport, err := cloneTransport(client.Transport)
		if err != nil {
			return nil, err
		}
		if h.Proxy() != nil {
			transport.Proxy = http.ProxyURL(h.Proxy())
		}
		if h.ConnectTimeout() > 0 {
			transport.DialContext = (&net.Dialer{Timeout: h.ConnectTimeout()}).DialContext
		}
		if h.InsecureSkipVerify() {
			tlsConfig := transport.TLSClientConfig.Clone()
			if tlsConfig == nil {
				tlsConfig = &tls.Config{}
			}
			tlsConfig.InsecureSkipVerify = true
			transport.TLSClientConfig = tlsConfig
		}
		client.Transport = transport
	}

	if !h.FollowRedirects() {
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		}
	} else {
		max := h.MaxRedirects()
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			if len(via) > max {
				return fmt.Errorf("stopped after %d redirects", max)
			}
			return nil
		}
	}
	return &client, nil
}

// cloneTransport returns a copy of rt which per handle settings can be
// overlaid on without mutating a transport shared between transfers.
func cloneTransport(rt http.RoundTripper) (*http.Transport, error) {
	switch t := rt.(type) {
	case nil:
		return &http.Transport{Proxy: http.ProxyFromEnvironment}, nil
	case *http.Transport:
		return t.Clone(), nil
	default:
		return nil, fmt.Errorf("transport %T does not support per transfer proxy, connect timeout or tls settings", rt)
	}
}
