// Copyright (c) 2024 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package engine defines the contract between the ferry bridge and the
// underlying transfer engine which actually moves bytes over the network.
package engine

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// ID identifies a Handle registered with a Set. IDs are only meaningful
// to the Set which issued them.
type ID uint64

// CompletionFunc is invoked by a Set for each transfer which has reached
// a terminal state since the last drain. A nil error means the transfer
// completed and its outcome has been recorded on the Handle.
type CompletionFunc func(ID, error)

// Set is a multiplexer capable of holding many Handles and advancing
// all of them together without a thread per transfer. A Set is owned by
// exactly one goroutine; implementations are not required to be safe
// for concurrent use.
type Set interface {
	// Add registers the Handle and begins the transfer. The Handle
	// remains registered until it is passed back out via Remove.
	Add(*Handle) (ID, error)

	// Drive advances all registered transfers and reports how many
	// have not yet reached a terminal state.
	Drive() (int, error)

	// SuggestedWait reports how long the caller should wait before
	// driving again. ok is false when the Set cannot suggest one.
	SuggestedWait() (wait time.Duration, ok bool)

	// DrainCompletions invokes f once per newly terminal transfer.
	DrainCompletions(f CompletionFunc)

	// Remove unregisters a transfer and returns its Handle. The
	// transfer need not have reached a terminal state; implementations
	// must cancel a removed transfer which is still running and report
	// its completion via DrainCompletions once it has stopped.
	Remove(ID) (*Handle, error)
}

var (
	// ErrFinalized is returned by Handle setters once Finalize has been called.
	ErrFinalized = errors.New("engine: handle has been finalized")

	// ErrNoURL is returned by Set.Add when the Handle has no URL configured.
	ErrNoURL = errors.New("engine: handle has no url")

	// ErrUnknownHandle is returned by Set.Remove for an ID the Set does not hold.
	ErrUnknownHandle = errors.New("engine: unknown handle id")

	// ErrNotCompleted is returned by outcome getters before the transfer completed.
	ErrNotCompleted = errors.New("engine: transfer has not completed")
)

// Error represents a failure reported by the transfer engine for a
// single transfer, e.g. DNS resolution, connection or TLS failures.
type Error struct {
	Op    string
	Cause error
}

// Error implements the error interface.
func (e Error) Error() string {
	return fmt.Sprintf("engine: %s: %s", e.Op, e.Cause)
}

// Unwrap implements the implicit interface for usage with errors.Is and errors.As.
func (e Error) Unwrap() error {
	return e.Cause
}

// Handle is the description of one transfer plus its response sink.
// It is built up by setters, frozen with Finalize and then owned by
// exactly one component at a time as it moves from the caller through
// the bridge, into a Set and finally back to the caller carrying the
// completion outcome. It is never shared between goroutines.
type Handle struct {
	url             *url.URL
	method          string
	header          http.Header
	body            []byte
	timeout         time.Duration
	connectTimeout  time.Duration
	followRedirects bool
	maxRedirects    int
	skipVerify      bool
	proxy           *url.URL
	username        string
	password        string
	hasAuth         bool
	cookies         []string
	userAgent       string

	sink      Sink
	finalized bool

	completed  bool
	status     int
	respHeader http.Header
}

// NewHandle returns a Handle with the engine defaults: GET, redirects
// followed up to 10 hops, no timeouts.
func NewHandle(sink Sink) *Handle {
	return &Handle{
		method:          http.MethodGet,
		header:          make(http.Header),
		followRedirects: true,
		maxRedirects:    10,
		sink:            sink,
	}
}

// SetURL parses and sets the target url.
func (h *Handle) SetURL(raw string) error {
	if h.finalized {
		return ErrFinalized
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Error{Op: "parse url", Cause: err}
	}
	if u.Scheme == "" || u.Host == "" {
		return Error{Op: "parse url", Cause: fmt.Errorf("url must be absolute: %q", raw)}
	}
	h.url = u
	return nil
}

// SetMethod sets the request method.
func (h *Handle) SetMethod(method string) error {
	if h.finalized {
		return ErrFinalized
	}
	if method == "" {
		return Error{Op: "set method", Cause: errors.New("method must not be empty")}
	}
	h.method = method
	return nil
}

// SetHeader sets a request header, replacing any existing values for the key.
func (h *Handle) SetHeader(key, value string) error {
	if h.finalized {
		return ErrFinalized
	}
	h.header.Set(key, value)
	return nil
}

// SetBody sets the request body.
func (h *Handle) SetBody(body []byte) error {
	if h.finalized {
		return ErrFinalized
	}
	h.body = body
	return nil
}

// SetTimeout bounds the entire transfer, including connecting, redirects
// and reading the response body. Zero means no bound.
func (h *Handle) SetTimeout(d time.Duration) error {
	if h.finalized {
		return ErrFinalized
	}
	if d < 0 {
		return Error{Op: "set timeout", Cause: errors.New("timeout must not be negative")}
	}
	h.timeout = d
	return nil
}

// SetConnectTimeout bounds connection establishment only.
func (h *Handle) SetConnectTimeout(d time.Duration) error {
	if h.finalized {
		return ErrFinalized
	}
	if d < 0 {
		return Error{Op: "set connect timeout", Cause: errors.New("timeout must not be negative")}
	}
	h.connectTimeout = d
	return nil
}

// SetFollowRedirects controls whether redirect responses are followed.
func (h *Handle) SetFollowRedirects(follow bool) error {
	if h.finalized {
		return ErrFinalized
	}
	h.followRedirects = follow
	return nil
}

// SetMaxRedirects bounds how many redirect hops are followed.
func (h *Handle) SetMaxRedirects(n int) error {
	if h.finalized {
		return ErrFinalized
	}
	if n < 0 {
		return Error{Op: "set max redirects", Cause: errors.New("max redirects must not be negative")}
	}
	h.maxRedirects = n
	return nil
}

// SetInsecureSkipVerify disables TLS certificate verification.
func (h *Handle) SetInsecureSkipVerify(skip bool) error {
	if h.finalized {
		return ErrFinalized
	}
	h.skipVerify = skip
	return nil
}

// SetProxy parses and sets a proxy url for this transfer.
func (h *Handle) SetProxy(raw string) error {
	if h.finalized {
		return ErrFinalized
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Error{Op: "parse proxy url", Cause: err}
	}
	if u.Scheme == "" || u.Host == "" {
		return Error{Op: "parse proxy url", Cause: fmt.Errorf("proxy url must be absolute: %q", raw)}
	}
	h.proxy = u
	return nil
}

// SetBasicAuth sets credentials for HTTP basic authentication.
func (h *Handle) SetBasicAuth(username, password string) error {
	if h.finalized {
		return ErrFinalized
	}
	h.username = username
	h.password = password
	h.hasAuth = true
	return nil
}

// AddCookie appends a cookie in "NAME=VALUE" form.
func (h *Handle) AddCookie(cookie string) error {
	if h.finalized {
		return ErrFinalized
	}
	if cookie == "" {
		return Error{Op: "add cookie", Cause: errors.New("cookie must not be empty")}
	}
	h.cookies = append(h.cookies, cookie)
	return nil
}

// SetUserAgent sets the User-Agent header value.
func (h *Handle) SetUserAgent(ua string) error {
	if h.finalized {
		return ErrFinalized
	}
	h.userAgent = ua
	return nil
}

// Finalize freezes the Handle. All setters fail with ErrFinalized afterwards.
func (h *Handle) Finalize() {
	h.finalized = true
}

// Finalized reports whether Finalize has been called.
func (h *Handle) Finalized() bool {
	return h.finalized
}

// URL returns the configured target url, which may be nil.
func (h *Handle) URL() *url.URL {
	return h.url
}

// Method returns the configured request method.
func (h *Handle) Method() string {
	return h.method
}

// Header returns the configured request headers.
func (h *Handle) Header() http.Header {
	return h.header
}

// Body returns the configured request body.
func (h *Handle) Body() []byte {
	return h.body
}

// Timeout returns the configured total transfer timeout.
func (h *Handle) Timeout() time.Duration {
	return h.timeout
}

// ConnectTimeout returns the configured connection timeout.
func (h *Handle) ConnectTimeout() time.Duration {
	return h.connectTimeout
}

// FollowRedirects reports whether redirects will be followed.
func (h *Handle) FollowRedirects() bool {
	return h.followRedirects
}

// MaxRedirects returns the configured redirect hop bound.
func (h *Handle) MaxRedirects() int {
	return h.maxRedirects
}

// InsecureSkipVerify reports whether TLS verification is disabled.
func (h *Handle) InsecureSkipVerify() bool {
	return h.skipVerify
}

// Proxy returns the configured proxy url, which may be nil.
func (h *Handle) Proxy() *url.URL {
	return h.proxy
}

// BasicAuth returns the configured credentials, if any.
func (h *Handle) BasicAuth() (username, password string, ok bool) {
	return h.username, h.password, h.hasAuth
}

// Cookies returns the configured cookies.
func (h *Handle) Cookies() []string {
	return h.cookies
}

// UserAgent returns the configured User-Agent value.
func (h *Handle) UserAgent() string {
	return h.userAgent
}

// Sink returns the response sink the engine writes body chunks to.
func (h *Handle) Sink() Sink {
	return h.sink
}

// Complete records the terminal outcome of the transfer. It is meant
// to be called by Set implementations, not by users of the Handle.
func (h *Handle) Complete(status int, header http.Header) {
	h.completed = true
	h.status = status
	h.respHeader = header
}

// Completed reports whether a terminal outcome has been recorded.
func (h *Handle) Completed() bool {
	return h.completed
}

// StatusCode returns the response status code of the completed transfer.
func (h *Handle) StatusCode() (int, error) {
	if !h.completed {
		return 0, ErrNotCompleted
	}
	return h.status, nil
}

// ResponseHeader returns the response headers of a completed transfer.
func (h *Handle) ResponseHeader() (http.Header, error) {
	if !h.completed {
		return nil, ErrNotCompleted
	}
	return h.respHeader, nil
}
