// Package mockservice is an in-memory rule service that speaks the v1
// RPC protocol. It backs local runs of the control center and the
// integration tests.
package mockservice

import (
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/g960059/tunnelctl/internal/api"
	"github.com/g960059/tunnelctl/internal/logging"
	"github.com/g960059/tunnelctl/internal/model"
	"github.com/g960059/tunnelctl/internal/rulexml"
)

const maxLogRecords = 1000

var licenseKeyPattern = regexp.MustCompile(`^TUNNEL-([0-9]+)-([A-Za-z0-9]+)$`)

// AdapterLister reports the host's network adapters.
type AdapterLister func() ([]model.NetworkAdapter, error)

type Options struct {
	Logger   *zap.SugaredLogger
	Now      func() time.Time
	Adapters AdapterLister
}

type Service struct {
	log      *zap.SugaredLogger
	now      func() time.Time
	adapters AdapterLister

	mu       sync.Mutex
	cp       model.Checkpoints
	lastTick int64
	order    []string
	rules    map[string]model.Rule
	logs     []model.LogRecord
	level    model.LogLevel
	license  model.License
	cert     model.Certificate
	calls    map[api.Action]int
	dropNext int
}

func New(opts Options) *Service {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Adapters == nil {
		opts.Adapters = HostAdapters
	}
	return &Service{
		log:      logging.OrNop(opts.Logger),
		now:      opts.Now,
		adapters: opts.Adapters,
		rules:    make(map[string]model.Rule),
		level:    model.LogLevelInfo,
		calls:    make(map[api.Action]int),
	}
}

// tick returns a strictly increasing unix-millisecond timestamp.
func (s *Service) tick() int64 {
	t := s.now().UnixMilli()
	if t <= s.lastTick {
		t = s.lastTick + 1
	}
	s.lastTick = t
	return t
}

// Seed installs rules without raising the log, as if they were loaded
// at service start.
func (s *Service) Seed(rules ...model.Rule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rules {
		s.upsertLocked(r)
	}
	s.cp.RuleSetTime = s.tick()
}

// RuleSet returns a copy of the rules the service holds.
func (s *Service) RuleSet() model.RuleSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ruleSetLocked()
}

func (s *Service) Checkpoints() model.Checkpoints {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cp
}

// Calls reports how many times action was handled.
func (s *Service) Calls(action api.Action) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[action]
}

// DropNext makes the next n requests end with a truncated response,
// the symptom of a stale keep-alive connection.
func (s *Service) DropNext(n int) {
	s.mu.Lock()
	s.dropNext = n
	s.mu.Unlock()
}

// Restart clears the in-memory checkpoints and log as a service restart
// would; rules are kept.
func (s *Service) Restart() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cp = model.Checkpoints{}
	s.logs = nil
}

// Log appends a record and advances the log checkpoints.
func (s *Service) Log(level model.LogLevel, ruleUUID, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendLogLocked(level, ruleUUID, message)
}

func (s *Service) appendLogLocked(level model.LogLevel, ruleUUID, message string) {
	now := s.tick()
	s.logs = append(s.logs, model.LogRecord{
		Time:     time.UnixMilli(now).UTC(),
		Level:    level,
		RuleUUID: ruleUUID,
		Message:  message,
	})
	if len(s.logs) > maxLogRecords {
		s.logs = s.logs[len(s.logs)-maxLogRecords:]
	}
	s.cp.LogSize += uint64(len(message)) + 1
	switch level {
	case model.LogLevelError:
		s.cp.ErrorTime = now
	case model.LogLevelWarning:
		s.cp.WarnTime = now
	}
}

func (s *Service) upsertLocked(r model.Rule) {
	if _, ok := s.rules[r.UUID]; !ok {
		s.order = append(s.order, r.UUID)
	}
	s.rules[r.UUID] = r.Clone()
}

func (s *Service) ruleSetLocked() model.RuleSet {
	var rs model.RuleSet
	for _, id := range s.order {
		rs.Add(s.rules[id].Clone())
	}
	return rs
}

func (s *Service) enabledCountLocked() int {
	n := 0
	for _, r := range s.rules {
		if r.Enabled {
			n++
		}
	}
	return n
}

func (s *Service) checkState() api.CheckStateResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	return api.CheckStateResponse{
		IsStarted:      s.cp.Started,
		RuleSetTime:    s.cp.RuleSetTime,
		LicenseKeyTime: s.cp.LicenseKeyTime,
		LogSize:        s.cp.LogSize,
		ErrorTime:      s.cp.ErrorTime,
		WarnTime:       s.cp.WarnTime,
	}
}

func (s *Service) setStarted(started bool) api.BoolResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cp.Started == started {
		return api.BoolResponse{Value: false}
	}
	s.cp.Started = started
	if started {
		s.appendLogLocked(model.LogLevelInfo, "", "service started")
	} else {
		s.appendLogLocked(model.LogLevelInfo, "", "service stopped")
	}
	return api.BoolResponse{Value: true}
}

func (s *Service) getRuleSet() (api.RuleSetPayload, error) {
	doc, err := rulexml.Marshal(s.RuleSet())
	if err != nil {
		return api.RuleSetPayload{}, err
	}
	return api.RuleSetPayload{XML: doc}, nil
}

func (s *Service) updateRules(req api.RuleSetPayload) error {
	rs, err := rulexml.Unmarshal(req.XML)
	if err != nil {
		return &rpcError{code: api.CodeInvalidRules, message: err.Error()}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rs.All() {
		s.upsertLocked(r)
		s.appendLogLocked(model.LogLevelInfo, r.UUID, fmt.Sprintf("rule %q updated", r.Name))
	}
	s.cp.RuleSetTime = s.tick()
	return nil
}

func (s *Service) deleteRules(req api.UUIDListRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range req.UUIDs {
		if _, ok := s.rules[id]; !ok {
			continue
		}
		delete(s.rules, id)
		s.order = slices.DeleteFunc(s.order, func(v string) bool { return v == id })
		s.appendLogLocked(model.LogLevelInfo, id, "rule deleted")
	}
	s.cp.RuleSetTime = s.tick()
}

func (s *Service) setEnabled(req api.UUIDListRequest, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range req.UUIDs {
		if _, ok := s.rules[id]; !ok {
			return &rpcError{code: api.CodeUnknownRule, message: "unknown rule " + id}
		}
	}
	if enabled && s.license.Valid && s.license.MaxRules > 0 {
		n := s.enabledCountLocked()
		for _, id := range req.UUIDs {
			if !s.rules[id].Enabled {
				n++
			}
		}
		if n > s.license.MaxRules {
			s.appendLogLocked(model.LogLevelWarning, "", "license rule limit reached")
			return &rpcError{code: api.CodeLicenseLimit, message: "license allows " + strconv.Itoa(s.license.MaxRules) + " enabled rules"}
		}
	}
	for _, id := range req.UUIDs {
		r := s.rules[id]
		r.Enabled = enabled
		s.rules[id] = r
	}
	s.cp.RuleSetTime = s.tick()
	return nil
}

func (s *Service) logRecords(req api.LogRecordsRequest) api.LogRecordsResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	records := s.logs
	if req.Count > 0 && len(records) > req.Count {
		records = records[len(records)-req.Count:]
	}
	out := api.LogRecordsResponse{Records: make([]api.LogRecordItem, 0, len(records))}
	for _, r := range records {
		out.Records = append(out.Records, api.LogRecordItem{
			TimeMillis: r.Time.UnixMilli(),
			Level:      string(r.Level),
			RuleUUID:   r.RuleUUID,
			Message:    r.Message,
		})
	}
	return out
}

func (s *Service) setLogLevel(req api.LogLevelPayload) error {
	level, err := model.ParseLogLevel(req.Level)
	if err != nil {
		return &rpcError{code: api.CodeBadRequest, message: err.Error()}
	}
	s.mu.Lock()
	s.level = level
	s.mu.Unlock()
	return nil
}

func (s *Service) logLevel() api.LogLevelPayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return api.LogLevelPayload{Level: string(s.level)}
}

func (s *Service) networkAdapters() (api.NetworkAdaptersResponse, error) {
	adapters, err := s.adapters()
	if err != nil {
		return api.NetworkAdaptersResponse{}, err
	}
	out := api.NetworkAdaptersResponse{Adapters: make([]api.NetworkAdapterItem, 0, len(adapters))}
	for _, a := range adapters {
		out.Adapters = append(out.Adapters, api.NetworkAdapterItem{Name: a.Name, Addresses: a.Addresses, Up: a.Up})
	}
	return out, nil
}

func (s *Service) getLicense() api.LicenseResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	resp := api.LicenseResponse{
		Licensee: s.license.Licensee,
		MaxRules: s.license.MaxRules,
		Valid:    s.license.Valid,
	}
	if !s.license.ExpiresAt.IsZero() {
		resp.ExpiresAtMillis = s.license.ExpiresAt.UnixMilli()
	}
	return resp
}

// setLicenseKey accepts keys of the form TUNNEL-<max rules>-<licensee>;
// a max of 0 is unlimited.
func (s *Service) setLicenseKey(req api.LicenseKeyRequest) error {
	m := licenseKeyPattern.FindStringSubmatch(req.Key)
	if m == nil {
		return &rpcError{code: api.CodeInvalidKey, message: "malformed license key"}
	}
	maxRules, err := strconv.Atoi(m[1])
	if err != nil {
		return &rpcError{code: api.CodeInvalidKey, message: err.Error()}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.license = model.License{
		Licensee:  m[2],
		MaxRules:  maxRules,
		ExpiresAt: s.now().AddDate(1, 0, 0).UTC(),
		Valid:     true,
	}
	s.cp.LicenseKeyTime = s.tick()
	s.appendLogLocked(model.LogLevelInfo, "", "license key installed for "+m[2])
	return nil
}

func (s *Service) certificate(regenerate bool) (api.CertificateResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if regenerate || s.cert.PEM == "" {
		cert, err := generateCertificate(s.now())
		if err != nil {
			return api.CertificateResponse{}, err
		}
		s.cert = cert
	}
	return api.CertificateResponse{
		Subject:        s.cert.Subject,
		Fingerprint:    s.cert.Fingerprint,
		NotAfterMillis: s.cert.NotAfter.UnixMilli(),
		PEM:            s.cert.PEM,
	}, nil
}
