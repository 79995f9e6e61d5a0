package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// ErrUpstreamTimeout is the cancellation cause when a route's time budget
// runs out.
var ErrUpstreamTimeout = errors.New("upstream timeout")

// ForwardError describes a failed forward. HeadersSent means the backend's
// status line was already relayed and the response can only be aborted.
type ForwardError struct {
	Err         error
	Timeout     bool
	ClientGone  bool
	HeadersSent bool
}

func (e *ForwardError) Error() string { return e.Err.Error() }

func (e *ForwardError) Unwrap() error { return e.Err }

// Forwarder relays one request to target and streams the answer back to w.
// timeout bounds the response phase of the exchange.
type Forwarder interface {
	Forward(w http.ResponseWriter, r *http.Request, target *url.URL, timeout time.Duration) error
}

// TransportConfig tunes the outbound connection pool.
type TransportConfig struct {
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
	DialTimeout         time.Duration
	TLSHandshakeTimeout time.Duration
}

func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialTimeout:         10 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
}

// HTTPForwarder forwards over a pooled http.Client. Redirects are relayed to
// the client rather than followed, and content encodings are left for the
// client and backend to negotiate.
type HTTPForwarder struct {
	client *http.Client
}

func NewHTTPForwarder(cfg TransportConfig) *HTTPForwarder {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:     cfg.IdleConnTimeout,
		TLSHandshakeTimeout: cfg.TLSHandshakeTimeout,
		DisableCompression:  true,
		DialContext: (&net.Dialer{
			Timeout:   cfg.DialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &HTTPForwarder{
		client: &http.Client{
			Transport: transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// budget starts a single timer on first use and cancels the exchange with
// ErrUpstreamTimeout when it fires.
type budget struct {
	once    sync.Once
	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
	timeout time.Duration
	cancel  context.CancelCauseFunc
}

func (b *budget) start() {
	b.once.Do(func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.stopped {
			return
		}
		b.timer = time.AfterFunc(b.timeout, func() { b.cancel(ErrUpstreamTimeout) })
	})
}

func (b *budget) stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopped = true
	if b.timer != nil {
		b.timer.Stop()
	}
}

// eofBody starts the budget once the inbound body has been fully read by
// the transport.
type eofBody struct {
	io.ReadCloser
	onEOF func()
}

func (b *eofBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if err == io.EOF {
		b.onEOF()
	}
	return n, err
}

func (f *HTTPForwarder) Forward(w http.ResponseWriter, r *http.Request, target *url.URL, timeout time.Duration) error {
	ctx, cancel := context.WithCancelCause(r.Context())
	defer cancel(nil)

	b := &budget{timeout: timeout, cancel: cancel}
	defer b.stop()

	var body io.ReadCloser
	if r.Body != nil && r.Body != http.NoBody {
		body = &eofBody{ReadCloser: r.Body, onEOF: b.start}
	} else {
		b.start()
	}

	out, err := http.NewRequestWithContext(ctx, r.Method, target.String(), body)
	if err != nil {
		return &ForwardError{Err: fmt.Errorf("build outbound request: %w", err)}
	}
	if body != nil {
		out.ContentLength = r.ContentLength
	}
	copyHeaders(out.Header, r.Header)
	out.Header.Del("Host")
	if _, ok := r.Header["User-Agent"]; !ok {
		// An empty value keeps net/http from sending its own.
		out.Header["User-Agent"] = []string{""}
	}

	resp, err := f.client.Do(out)
	if err != nil {
		return f.classify(ctx, r.Context(), err, false, timeout)
	}
	defer resp.Body.Close()
	b.start()

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	if err := stream(w, resp.Body); err != nil {
		return f.classify(ctx, r.Context(), err, true, timeout)
	}
	return nil
}

func (f *HTTPForwarder) classify(ctx, parent context.Context, err error, headersSent bool, timeout time.Duration) *ForwardError {
	fe := &ForwardError{Err: err, HeadersSent: headersSent}
	switch {
	case errors.Is(context.Cause(ctx), ErrUpstreamTimeout):
		fe.Timeout = true
		fe.Err = fmt.Errorf("no complete response within %s: %w", timeout, ErrUpstreamTimeout)
	case parent.Err() != nil:
		fe.ClientGone = true
	}
	return fe
}

// stream copies the backend body to the client, flushing after every chunk.
func stream(w http.ResponseWriter, src io.Reader) error {
	rc := http.NewResponseController(w)
	buf := make([]byte, 32*1024)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return fmt.Errorf("write to client: %w", werr)
			}
			if ferr := rc.Flush(); ferr != nil && !errors.Is(ferr, http.ErrNotSupported) {
				return fmt.Errorf("flush to client: %w", ferr)
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return fmt.Errorf("read upstream body: %w", rerr)
		}
	}
}

func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
