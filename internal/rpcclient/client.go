package rpcclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/g960059/tunnelctl/internal/api"
	"github.com/g960059/tunnelctl/internal/logging"
	"github.com/g960059/tunnelctl/internal/model"
	"github.com/g960059/tunnelctl/internal/poller"
	"github.com/g960059/tunnelctl/internal/rulexml"
	"github.com/g960059/tunnelctl/internal/security"
)

// maxAttempts bounds every call: the first try plus one retry after a
// stale keep-alive connection.
const maxAttempts = 2

var ErrAlreadyConnected = errors.New("client already connected")

type Options struct {
	Logger       *zap.SugaredLogger
	Progress     Progress
	ProgressOpts ProgressOptions
	PollInterval time.Duration
	FailureLimit int
}

// Client performs remote operations over one shared connection. Calls
// are serialized: at most one request is on the wire, whether it comes
// from a foreground operation or the background poller.
type Client struct {
	conn         Conn
	log          *zap.SugaredLogger
	progress     Progress
	progressOpts ProgressOptions
	pollInterval time.Duration
	failureLimit int

	// callSlot holds one token while a request is on the wire.
	callSlot chan struct{}

	pollMu     sync.Mutex
	poller     *poller.Poller
	stopPoller context.CancelFunc
	pollerDone chan struct{}
}

func New(conn Conn, opts Options) *Client {
	if opts.ProgressOpts == (ProgressOptions{}) {
		opts.ProgressOpts = DefaultProgressOptions()
	}
	return &Client{
		conn:         conn,
		log:          logging.OrNop(opts.Logger),
		progress:     opts.Progress,
		progressOpts: opts.ProgressOpts,
		pollInterval: opts.PollInterval,
		failureLimit: opts.FailureLimit,
		callSlot:     make(chan struct{}, 1),
	}
}

// Connect starts the state poller. seed carries persisted last-known
// error and warning checkpoints.
func (c *Client) Connect(ctx context.Context, seed model.Checkpoints) error {
	c.pollMu.Lock()
	defer c.pollMu.Unlock()
	if c.poller != nil {
		return ErrAlreadyConnected
	}
	p := poller.New(c, poller.Options{
		Interval:     c.pollInterval,
		FailureLimit: c.failureLimit,
		Seed:         seed,
		Logger:       c.log.Named("poller"),
	})
	pollCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Run(pollCtx)
	}()
	c.poller = p
	c.stopPoller = cancel
	c.pollerDone = done
	return nil
}

// Close stops the poller and waits for it to exit. A poller check
// queued behind a foreground call gives up its turn, so Close does not
// wait for that call. The client can be connected again afterwards.
func (c *Client) Close() {
	c.pollMu.Lock()
	cancel, done := c.stopPoller, c.pollerDone
	c.poller, c.stopPoller, c.pollerDone = nil, nil, nil
	c.pollMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Events exposes the poller's event channels. It returns the zero
// Events before Connect.
func (c *Client) Events() poller.Events {
	c.pollMu.Lock()
	defer c.pollMu.Unlock()
	if c.poller == nil {
		return poller.Events{}
	}
	return c.poller.Events()
}

func (c *Client) State() model.ConnState {
	c.pollMu.Lock()
	defer c.pollMu.Unlock()
	if c.poller == nil {
		return model.ConnDisconnected
	}
	return c.poller.State()
}

// RequestUpdate asks the poller to re-check state now.
func (c *Client) RequestUpdate() {
	c.pollMu.Lock()
	p := c.poller
	c.pollMu.Unlock()
	if p != nil {
		p.RequestUpdate()
	}
}

// call issues one action with the retry-once policy for stale
// connections. Service errors are returned as is.
func (c *Client) call(ctx context.Context, action api.Action, req, resp any) error {
	err := c.callLocked(ctx, action, req, resp)
	if err == nil && action.Mutating() {
		c.RequestUpdate()
	}
	return err
}

func (c *Client) callLocked(ctx context.Context, action api.Action, req, resp any) error {
	select {
	case c.callSlot <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", action, ctx.Err())
	}
	defer func() { <-c.callSlot }()

	var lastErr error
	attempts := 0
	for attempts < maxAttempts {
		attempts++
		err := c.conn.Call(ctx, action, req, resp)
		if err == nil {
			return nil
		}
		var se *ServiceError
		if errors.As(err, &se) {
			c.log.Warnw("service rejected request", "action", action, "code", se.Code, "message", security.Redact(se.Message))
			return err
		}
		lastErr = err
		if !errors.Is(err, ErrStaleConnection) {
			break
		}
		c.log.Debugw("stale connection, retrying", "action", action, "attempt", attempts, "error", err)
	}
	cerr := &ConnectionError{Action: action, Attempts: attempts, Err: lastErr}
	c.log.Warnw("rpc failed", "action", action, "attempts", attempts, "error", lastErr)
	return cerr
}

// invoke runs a foreground call on a worker with the busy indicator.
func (c *Client) invoke(ctx context.Context, title string, action api.Action, req, resp any) error {
	_, err := RunBlocking(ctx, c.progress, c.progressOpts, title, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.call(ctx, action, req, resp)
	})
	return err
}

// CheckState fetches the checkpoint set. It never shows progress.
func (c *Client) CheckState(ctx context.Context) (model.Checkpoints, error) {
	var resp api.CheckStateResponse
	if err := c.call(ctx, api.ActionCheckState, nil, &resp); err != nil {
		return model.Checkpoints{}, err
	}
	return model.Checkpoints{
		Started:        resp.IsStarted,
		RuleSetTime:    resp.RuleSetTime,
		LicenseKeyTime: resp.LicenseKeyTime,
		LogSize:        resp.LogSize,
		ErrorTime:      resp.ErrorTime,
		WarnTime:       resp.WarnTime,
	}, nil
}

func (c *Client) Start(ctx context.Context) (bool, error) {
	var resp api.BoolResponse
	if err := c.invoke(ctx, "Starting service", api.ActionStart, nil, &resp); err != nil {
		return false, err
	}
	return resp.Value, nil
}

func (c *Client) Stop(ctx context.Context) (bool, error) {
	var resp api.BoolResponse
	if err := c.invoke(ctx, "Stopping service", api.ActionStop, nil, &resp); err != nil {
		return false, err
	}
	return resp.Value, nil
}

func (c *Client) GetRuleSet(ctx context.Context) (model.RuleSet, error) {
	var resp api.RuleSetPayload
	if err := c.invoke(ctx, "Loading rules", api.ActionGetRuleSet, nil, &resp); err != nil {
		return model.RuleSet{}, err
	}
	rs, err := rulexml.Unmarshal(resp.XML)
	if err != nil {
		return model.RuleSet{}, fmt.Errorf("get rule set: %w", err)
	}
	return rs, nil
}

func (c *Client) UpdateRules(ctx context.Context, rs model.RuleSet) error {
	doc, err := rulexml.Marshal(rs)
	if err != nil {
		return fmt.Errorf("update rules: %w", err)
	}
	return c.invoke(ctx, "Saving rules", api.ActionUpdateRules, api.RuleSetPayload{XML: doc}, nil)
}

func (c *Client) DeleteRules(ctx context.Context, uuids []string) error {
	return c.invoke(ctx, "Deleting rules", api.ActionDeleteRules, api.UUIDListRequest{UUIDs: uuids}, nil)
}

func (c *Client) EnableRules(ctx context.Context, uuids []string) error {
	return c.invoke(ctx, "Enabling rules", api.ActionEnableRules, api.UUIDListRequest{UUIDs: uuids}, nil)
}

func (c *Client) DisableRules(ctx context.Context, uuids []string) error {
	return c.invoke(ctx, "Disabling rules", api.ActionDisableRules, api.UUIDListRequest{UUIDs: uuids}, nil)
}

func (c *Client) GetLogRecords(ctx context.Context, count int) ([]model.LogRecord, error) {
	var resp api.LogRecordsResponse
	if err := c.invoke(ctx, "Loading log", api.ActionGetLogRecords, api.LogRecordsRequest{Count: count}, &resp); err != nil {
		return nil, err
	}
	out := make([]model.LogRecord, 0, len(resp.Records))
	for _, r := range resp.Records {
		out = append(out, model.LogRecord{
			Time:     time.UnixMilli(r.TimeMillis).UTC(),
			Level:    model.LogLevel(r.Level),
			RuleUUID: r.RuleUUID,
			Message:  r.Message,
		})
	}
	return out, nil
}

func (c *Client) SetLogLevel(ctx context.Context, level model.LogLevel) error {
	return c.invoke(ctx, "Setting log level", api.ActionSetLogLevel, api.LogLevelPayload{Level: string(level)}, nil)
}

func (c *Client) GetLogLevel(ctx context.Context) (model.LogLevel, error) {
	var resp api.LogLevelPayload
	if err := c.invoke(ctx, "Loading log level", api.ActionGetLogLevel, nil, &resp); err != nil {
		return "", err
	}
	return model.ParseLogLevel(resp.Level)
}

func (c *Client) GetNetworkAdapters(ctx context.Context) ([]model.NetworkAdapter, error) {
	var resp api.NetworkAdaptersResponse
	if err := c.invoke(ctx, "Loading network adapters", api.ActionGetNetworkAdapters, nil, &resp); err != nil {
		return nil, err
	}
	out := make([]model.NetworkAdapter, 0, len(resp.Adapters))
	for _, a := range resp.Adapters {
		out = append(out, model.NetworkAdapter{Name: a.Name, Addresses: a.Addresses, Up: a.Up})
	}
	return out, nil
}

func (c *Client) GetLicense(ctx context.Context) (model.License, error) {
	var resp api.LicenseResponse
	if err := c.invoke(ctx, "Loading license", api.ActionGetLicense, nil, &resp); err != nil {
		return model.License{}, err
	}
	lic := model.License{Licensee: resp.Licensee, MaxRules: resp.MaxRules, Valid: resp.Valid}
	if resp.ExpiresAtMillis > 0 {
		lic.ExpiresAt = time.UnixMilli(resp.ExpiresAtMillis).UTC()
	}
	return lic, nil
}

func (c *Client) SetLicenseKey(ctx context.Context, key string) error {
	return c.invoke(ctx, "Installing license key", api.ActionSetLicenseKey, api.LicenseKeyRequest{Key: key}, nil)
}

func (c *Client) GetCertificate(ctx context.Context) (model.Certificate, error) {
	var resp api.CertificateResponse
	if err := c.invoke(ctx, "Loading certificate", api.ActionGetCertificate, nil, &resp); err != nil {
		return model.Certificate{}, err
	}
	return certificateFrom(resp), nil
}

func (c *Client) RegenerateCertificate(ctx context.Context) (model.Certificate, error) {
	var resp api.CertificateResponse
	if err := c.invoke(ctx, "Regenerating certificate", api.ActionRegenerateCertificate, nil, &resp); err != nil {
		return model.Certificate{}, err
	}
	return certificateFrom(resp), nil
}

func certificateFrom(resp api.CertificateResponse) model.Certificate {
	return model.Certificate{
		Subject:     resp.Subject,
		Fingerprint: resp.Fingerprint,
		NotAfter:    time.UnixMilli(resp.NotAfterMillis).UTC(),
		PEM:         resp.PEM,
	}
}
