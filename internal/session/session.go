// Package session ties the RPC client, its poller and the reconciler
// together behind a single control goroutine.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/g960059/tunnelctl/internal/db"
	"github.com/g960059/tunnelctl/internal/logging"
	"github.com/g960059/tunnelctl/internal/model"
	"github.com/g960059/tunnelctl/internal/poller"
	"github.com/g960059/tunnelctl/internal/reconcile"
)

var ErrClosed = errors.New("session closed")

// Client is the part of the RPC client a session drives.
type Client interface {
	reconcile.RuleService
	Connect(ctx context.Context, seed model.Checkpoints) error
	Close()
	Events() poller.Events
	GetLicense(ctx context.Context) (model.License, error)
}

// Settings persists acknowledged log checkpoints.
type Settings interface {
	ReadInt64(ctx context.Context, key string, def int64) (int64, error)
	WriteInt64(ctx context.Context, key string, value int64) error
}

type Options struct {
	Logger        *zap.SugaredLogger
	FreeRuleLimit int
}

// Status is a snapshot of what the control center shows.
type Status struct {
	Conn       model.ConnState
	Started    bool
	HasError   bool
	HasWarning bool
	Rules      int
	Pending    int
	License    model.License
	LogSize    uint64
	LastErr    error
}

type op struct {
	fn   func(context.Context, *reconcile.Reconciler) error
	done chan error
}

// Session owns the reconciler. Rule state is only touched on the Run
// goroutine; other goroutines reach it through Do.
type Session struct {
	client   Client
	settings Settings
	rec      *reconcile.Reconciler
	log      *zap.SugaredLogger
	free     int

	ops     chan op
	updates chan Status
	closed  chan struct{}
	once    sync.Once

	mu     sync.RWMutex
	status Status

	// Owned by the Run goroutine.
	ackError  int64
	ackWarn   int64
	lastError int64
	lastWarn  int64
}

func New(client Client, settings Settings, opts Options) *Session {
	log := logging.OrNop(opts.Logger)
	return &Session{
		client:   client,
		settings: settings,
		rec: reconcile.New(client, reconcile.Options{
			Logger: log.Named("reconcile"),
			Limit:  opts.FreeRuleLimit,
		}),
		log:     log,
		free:    opts.FreeRuleLimit,
		ops:     make(chan op),
		updates: make(chan Status, 1),
		closed:  make(chan struct{}),
		status:  Status{Conn: model.ConnConnecting},
	}
}

// Run connects the client and serves events and operations until ctx
// is canceled. The poller is stopped before Run returns.
func (s *Session) Run(ctx context.Context) error {
	defer s.once.Do(func() { close(s.closed) })

	seed, err := s.loadAcknowledged(ctx)
	if err != nil {
		return err
	}
	if err := s.client.Connect(ctx, seed); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer s.client.Close()
	events := s.client.Events()
	s.publish()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-events.Connection:
			s.onConnection(ctx, ev)
		case ev := <-events.Service:
			s.update(func(st *Status) { st.Started = ev.Started })
		case <-events.RuleSet:
			s.refresh(ctx)
		case <-events.License:
			s.refreshLicense(ctx)
		case ev := <-events.Log:
			s.onLog(ev)
		case o := <-s.ops:
			err := o.fn(ctx, s.rec)
			s.publish()
			o.done <- err
		}
	}
}

func (s *Session) loadAcknowledged(ctx context.Context) (model.Checkpoints, error) {
	var err error
	if s.ackError, err = s.settings.ReadInt64(ctx, db.KeyAckErrorTime, 0); err != nil {
		return model.Checkpoints{}, fmt.Errorf("read acknowledged error time: %w", err)
	}
	if s.ackWarn, err = s.settings.ReadInt64(ctx, db.KeyAckWarnTime, 0); err != nil {
		return model.Checkpoints{}, fmt.Errorf("read acknowledged warning time: %w", err)
	}
	s.lastError, s.lastWarn = s.ackError, s.ackWarn
	return model.Checkpoints{ErrorTime: s.ackError, WarnTime: s.ackWarn}, nil
}

func (s *Session) onConnection(ctx context.Context, ev poller.ConnectionEvent) {
	switch ev.Kind {
	case poller.EventConnected:
		s.log.Infow("connected to service")
		s.update(func(st *Status) {
			st.Conn = model.ConnConnected
			st.LastErr = nil
		})
		s.refreshLicense(ctx)
		s.refresh(ctx)
	case poller.EventDisconnected:
		s.log.Warnw("lost connection to service", "error", ev.Err)
		s.update(func(st *Status) {
			st.Conn = model.ConnDisconnected
			st.LastErr = ev.Err
		})
	case poller.EventConnectionFailed:
		s.log.Warnw("could not connect to service", "error", ev.Err)
		s.update(func(st *Status) {
			st.Conn = model.ConnDisconnected
			st.LastErr = ev.Err
		})
	}
}

func (s *Session) onLog(ev poller.LogEvent) {
	switch ev.Kind {
	case poller.LogAppended:
		s.update(func(st *Status) { st.LogSize = ev.Size })
	case poller.LogError:
		s.lastError = ev.At
		s.update(func(st *Status) { st.HasError = ev.At > s.ackError })
	case poller.LogWarning:
		s.lastWarn = ev.At
		s.update(func(st *Status) { st.HasWarning = ev.At > s.ackWarn })
	}
}

func (s *Session) refresh(ctx context.Context) {
	if err := s.rec.Refresh(ctx); err != nil {
		s.log.Warnw("refresh rules failed", "error", err)
		s.update(func(st *Status) { st.LastErr = err })
		return
	}
	s.publish()
}

func (s *Session) refreshLicense(ctx context.Context) {
	lic, err := s.client.GetLicense(ctx)
	if err != nil {
		s.log.Warnw("fetch license failed", "error", err)
		return
	}
	s.rec.SetLicenseLimit(reconcile.LicenseLimit(lic, s.free))
	s.update(func(st *Status) { st.License = lic })
}

func (s *Session) update(fn func(*Status)) {
	s.mu.Lock()
	fn(&s.status)
	s.mu.Unlock()
	s.publish()
}

// publish refreshes the rule counters and offers the snapshot to
// Updates, replacing one the reader has not taken yet.
func (s *Session) publish() {
	s.mu.Lock()
	s.status.Rules = len(s.rec.Rules())
	s.status.Pending = len(s.rec.Pending())
	snap := s.status
	s.mu.Unlock()
	select {
	case <-s.updates:
	default:
	}
	select {
	case s.updates <- snap:
	default:
	}
}

// Do runs fn on the control goroutine and returns its error.
func (s *Session) Do(ctx context.Context, fn func(context.Context, *reconcile.Reconciler) error) error {
	o := op{fn: fn, done: make(chan error, 1)}
	select {
	case s.ops <- o:
	case <-s.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-o.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Updates delivers the latest status after each change. Only the newest
// snapshot is kept.
func (s *Session) Updates() <-chan Status {
	return s.updates
}

// Acknowledge marks every error and warning seen so far as read and
// persists the marks.
func (s *Session) Acknowledge(ctx context.Context) error {
	return s.Do(ctx, func(ctx context.Context, _ *reconcile.Reconciler) error {
		if err := s.settings.WriteInt64(ctx, db.KeyAckErrorTime, s.lastError); err != nil {
			return fmt.Errorf("store acknowledged error time: %w", err)
		}
		if err := s.settings.WriteInt64(ctx, db.KeyAckWarnTime, s.lastWarn); err != nil {
			return fmt.Errorf("store acknowledged warning time: %w", err)
		}
		s.ackError, s.ackWarn = s.lastError, s.lastWarn
		s.mu.Lock()
		s.status.HasError = false
		s.status.HasWarning = false
		s.mu.Unlock()
		return nil
	})
}
