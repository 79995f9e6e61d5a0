package proxy

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/relaypoint/rulegate/internal/auth"
	gwerrors "github.com/relaypoint/rulegate/internal/errors"
	"github.com/relaypoint/rulegate/internal/metrics"
	"github.com/relaypoint/rulegate/internal/ratelimit"
	"github.com/relaypoint/rulegate/internal/router"
	"github.com/relaypoint/rulegate/internal/rules"
)

// DefaultExcludedPaths are reserved for the operator UI and admin surface.
var DefaultExcludedPaths = []string{
	"/",
	"/index.html",
	"/styles.css",
	"/app.js",
	"/favicon.ico",
	"/admin*",
	"/admin/**",
	"/admin*/**",
}

// SnapshotSource supplies the live routing table.
type SnapshotSource interface {
	Get() *rules.Snapshot
}

type Options struct {
	Rules     SnapshotSource
	Gate      *auth.Gate
	Limiter   *ratelimit.Limiter
	Metrics   *metrics.Registry
	Forwarder Forwarder

	// ExcludedPaths are doublestar globs answered with 404 before routing.
	// Nil selects DefaultExcludedPaths.
	ExcludedPaths []string
	// DefaultTimeout applies to rules without a positive timeoutMs.
	DefaultTimeout time.Duration

	Logger *zap.Logger
}

// Dispatcher runs the per-request pipeline: exclusion, rule selection,
// enabled check, auth, rate limit, target construction, and forwarding.
type Dispatcher struct {
	rules          SnapshotSource
	gate           *auth.Gate
	limiter        *ratelimit.Limiter
	metrics        *metrics.Registry
	forwarder      Forwarder
	excluded       []string
	defaultTimeout time.Duration
	logger         *zap.Logger
}

func NewDispatcher(opts Options) (*Dispatcher, error) {
	if opts.Rules == nil {
		return nil, errors.New("dispatcher requires a rule source")
	}
	if opts.Gate == nil {
		opts.Gate = auth.NewGate()
	}
	if opts.Limiter == nil {
		opts.Limiter = ratelimit.New(ratelimit.Config{})
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(metrics.DefaultConfig())
	}
	if opts.Forwarder == nil {
		opts.Forwarder = NewHTTPForwarder(DefaultTransportConfig())
	}
	if opts.ExcludedPaths == nil {
		opts.ExcludedPaths = DefaultExcludedPaths
	}
	for _, p := range opts.ExcludedPaths {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid excluded path pattern %q", p)
		}
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = rules.DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	return &Dispatcher{
		rules:          opts.Rules,
		gate:           opts.Gate,
		limiter:        opts.Limiter,
		metrics:        opts.Metrics,
		forwarder:      opts.Forwarder,
		excluded:       append([]string(nil), opts.ExcludedPaths...),
		defaultTimeout: opts.DefaultTimeout,
		logger:         opts.Logger,
	}, nil
}

func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.EscapedPath()
	if path == "" {
		path = "/"
	}

	if d.isExcluded(r.URL.Path) {
		d.fail(w, r, "", gwerrors.Excluded(r.URL.Path))
		return
	}

	// One snapshot for the whole request, even if a newer one is installed
	// meanwhile.
	snap := d.rules.Get()
	rule, ok := router.Select(snap, r.Method, path)
	if !ok {
		d.fail(w, r, "", gwerrors.NoRouteMatched(r.Method, path))
		return
	}

	if !rule.IsEnabled() {
		d.fail(w, r, rule.ID, gwerrors.RouteDisabled(rule.ID))
		return
	}

	if err := d.gate.Validate(rule, r.Header); err != nil {
		d.fail(w, r, rule.ID, gwerrors.Unauthorized(err))
		return
	}

	if !d.limiter.TryAcquire(rule.ID, rule.QPS()) {
		d.fail(w, r, rule.ID, gwerrors.RateLimited(rule.ID))
		return
	}

	if !validMethod(r.Method) {
		d.fail(w, r, rule.ID, gwerrors.BadRequest("unresolvable request method"))
		return
	}

	target, err := BuildTarget(rule.Target, router.ForwardPath(rule, path), r.URL.RawQuery)
	if err != nil {
		d.fail(w, r, rule.ID, gwerrors.BadTarget(rule.Target, err))
		return
	}

	d.metrics.RecordHit(rule.ID)
	d.forward(w, r, rule, target)
}

func (d *Dispatcher) forward(w http.ResponseWriter, r *http.Request, rule *rules.Rule, target *url.URL) {
	done := d.metrics.InFlight(rule.ID)
	defer done()

	start := time.Now()
	err := d.forwarder.Forward(w, r, target, d.timeoutFor(rule))
	d.metrics.ObserveUpstream(rule.ID, time.Since(start))

	if err == nil {
		d.metrics.RecordOutcome(rule.ID, gwerrors.OutcomeForwarded)
		d.logger.Debug("request forwarded",
			zap.String("route", rule.ID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("target", target.String()),
			zap.Duration("duration", time.Since(start)),
		)
		return
	}

	var fe *ForwardError
	if !errors.As(err, &fe) {
		fe = &ForwardError{Err: err}
	}

	switch {
	case fe.ClientGone:
		d.metrics.RecordOutcome(rule.ID, gwerrors.OutcomeClientGone)
		d.logger.Debug("client went away during forward",
			zap.String("route", rule.ID),
			zap.String("path", r.URL.Path),
			zap.Error(fe.Err),
		)
	case fe.HeadersSent:
		outcome := gwerrors.OutcomeBadGateway
		if fe.Timeout {
			outcome = gwerrors.OutcomeUpstreamTimeout
		}
		d.metrics.RecordOutcome(rule.ID, outcome)
		d.logger.Warn("aborting partially relayed response",
			zap.String("route", rule.ID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("outcome", outcome),
			zap.Error(fe.Err),
		)
		// The status line is gone; resetting the connection is the only
		// signal left.
		panic(http.ErrAbortHandler)
	case fe.Timeout:
		d.fail(w, r, rule.ID, gwerrors.UpstreamTimeout(fe.Err))
	default:
		d.fail(w, r, rule.ID, gwerrors.BadGateway(fe.Err))
	}
}

func (d *Dispatcher) fail(w http.ResponseWriter, r *http.Request, routeID string, e *gwerrors.GatewayError) {
	d.metrics.RecordOutcome(routeID, e.Outcome)
	d.logger.Warn("request rejected",
		zap.String("route", routeID),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Int("status", e.Code),
		zap.String("outcome", e.Outcome),
		zap.Error(e),
	)
	e.WriteJSON(w)
}

func (d *Dispatcher) isExcluded(path string) bool {
	for _, pattern := range d.excluded {
		if ok, _ := doublestar.Match(pattern, path); ok {
			return true
		}
	}
	return false
}

func (d *Dispatcher) timeoutFor(rule *rules.Rule) time.Duration {
	if rule.TimeoutMs == nil || *rule.TimeoutMs <= 0 {
		return d.defaultTimeout
	}
	return rule.Timeout()
}

// BuildTarget joins the rule's base URL with the forward path and query. The
// result must be an absolute http(s) URL.
func BuildTarget(base, forwardPath, rawQuery string) (*url.URL, error) {
	base = strings.TrimSuffix(strings.TrimSpace(base), "/")
	if !strings.HasPrefix(forwardPath, "/") {
		forwardPath = "/" + forwardPath
	}
	raw := base + forwardPath
	if rawQuery != "" {
		raw += "?" + rawQuery
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q in %q", u.Scheme, raw)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("missing host in %q", raw)
	}
	return u, nil
}

// validMethod reports whether m is a non-empty RFC 9110 token.
func validMethod(m string) bool {
	if m == "" {
		return false
	}
	for i := 0; i < len(m); i++ {
		c := m[i]
		switch {
		case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		case strings.IndexByte("!#$%&'*+-.^_`|~", c) >= 0:
		default:
			return false
		}
	}
	return true
}
