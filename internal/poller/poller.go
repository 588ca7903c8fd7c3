package poller

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/g960059/tunnelctl/internal/logging"
	"github.com/g960059/tunnelctl/internal/model"
)

// Checker fetches the current checkpoints from the service.
type Checker interface {
	CheckState(ctx context.Context) (model.Checkpoints, error)
}

type Options struct {
	Interval time.Duration
	// FailureLimit is the number of consecutive failed cycles, while
	// connected, that raise Disconnected.
	FailureLimit int
	// Seed pre-loads last-known checkpoints; only ErrorTime and
	// WarnTime are honored.
	Seed   model.Checkpoints
	Logger *zap.SugaredLogger
}

// Poller detects server state changes by diffing checkpoints and raises
// one event per changed field per cycle.
type Poller struct {
	checker      Checker
	interval     time.Duration
	failureLimit int
	log          *zap.SugaredLogger
	update       chan struct{}
	ch           channels

	mu    sync.RWMutex
	state model.ConnState

	// Owned by the Run goroutine.
	failures     int
	last         model.Checkpoints
	startedKnown bool
}

func New(checker Checker, opts Options) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = 2500 * time.Millisecond
	}
	if opts.FailureLimit <= 0 {
		opts.FailureLimit = 3
	}
	return &Poller{
		checker:      checker,
		interval:     opts.Interval,
		failureLimit: opts.FailureLimit,
		log:          logging.OrNop(opts.Logger),
		update:       make(chan struct{}, 1),
		ch:           newChannels(),
		state:        model.ConnConnecting,
		last: model.Checkpoints{
			ErrorTime: opts.Seed.ErrorTime,
			WarnTime:  opts.Seed.WarnTime,
		},
	}
}

func (p *Poller) Events() Events {
	return p.ch.public()
}

func (p *Poller) State() model.ConnState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// RequestUpdate asks for a check outside the normal cadence. Requests
// made while one is already queued coalesce.
func (p *Poller) RequestUpdate() {
	select {
	case p.update <- struct{}{}:
	default:
	}
}

// Run polls until ctx is canceled. Cancellation is observed while
// waiting and while a check is in flight.
func (p *Poller) Run(ctx context.Context) {
	for {
		p.cycle(ctx)
		if ctx.Err() != nil {
			return
		}
		timer := time.NewTimer(p.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-p.update:
		case <-timer.C:
		}
		timer.Stop()
	}
}

func (p *Poller) cycle(ctx context.Context) {
	cp, err := p.checker.CheckState(ctx)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		p.onFailure(ctx, err)
		return
	}
	p.onSuccess(ctx, cp)
}

func (p *Poller) onSuccess(ctx context.Context, cp model.Checkpoints) {
	if p.State() != model.ConnConnected {
		p.setState(model.ConnConnected)
		p.failures = 0
		p.last.RuleSetTime = 0
		p.startedKnown = false
		p.log.Infow("service connected")
		p.emitConnection(ctx, ConnectionEvent{Kind: EventConnected})
	}
	p.failures = 0

	changes := diffCheckpoints(&p.last, p.startedKnown, cp)
	p.startedKnown = true
	for _, c := range changes {
		p.emitChange(ctx, c)
	}
}

func (p *Poller) onFailure(ctx context.Context, err error) {
	switch p.State() {
	case model.ConnConnected:
		p.failures++
		if p.failures >= p.failureLimit {
			p.setState(model.ConnDisconnected)
			p.log.Warnw("service disconnected", "failures", p.failures, "error", err)
			p.emitConnection(ctx, ConnectionEvent{Kind: EventDisconnected, Err: err})
			return
		}
		p.log.Debugw("check state failed, retrying now", "failures", p.failures, "error", err)
		p.RequestUpdate()
	case model.ConnConnecting:
		p.setState(model.ConnDisconnected)
		p.log.Warnw("service connection failed", "error", err)
		p.emitConnection(ctx, ConnectionEvent{Kind: EventConnectionFailed, Err: err})
	default:
		p.log.Debugw("service still unreachable", "error", err)
	}
}

func (p *Poller) setState(s model.ConnState) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

func (p *Poller) emitChange(ctx context.Context, c Change) {
	switch c.Field {
	case FieldStarted:
		send(ctx, p.ch.service, ServiceEvent{Started: c.Started})
	case FieldRuleSet:
		send(ctx, p.ch.ruleSet, RuleSetEvent{ModifiedAt: c.Value})
	case FieldLicenseKey:
		send(ctx, p.ch.license, LicenseEvent{ModifiedAt: c.Value})
	case FieldLogSize:
		send(ctx, p.ch.log, LogEvent{Kind: LogAppended, Size: c.Size})
	case FieldErrorTime:
		send(ctx, p.ch.log, LogEvent{Kind: LogError, At: c.Value})
	case FieldWarnTime:
		send(ctx, p.ch.log, LogEvent{Kind: LogWarning, At: c.Value})
	}
}

func (p *Poller) emitConnection(ctx context.Context, e ConnectionEvent) {
	send(ctx, p.ch.connection, e)
}

func send[T any](ctx context.Context, ch chan T, v T) {
	select {
	case ch <- v:
	case <-ctx.Done():
	}
}
