package model

import (
	"fmt"
	"slices"
	"time"
)

// RuleKind tags which payload a Rule carries.
type RuleKind string

const (
	KindTunnel  RuleKind = "tunnel"
	KindService RuleKind = "service"
)

type Protocol string

const (
	ProtocolTCP   Protocol = "tcp"
	ProtocolUDP   Protocol = "udp"
	ProtocolHTTP  Protocol = "http"
	ProtocolSOCKS Protocol = "socks"
)

// TunnelConfig forwards a local listener to a remote target.
type TunnelConfig struct {
	Protocol   Protocol
	ListenAddr string
	ListenPort int
	TargetHost string
	TargetPort int
	Adapter    string
}

// ServiceConfig exposes a proxy service to remote clients.
type ServiceConfig struct {
	Protocol       Protocol
	ListenAddr     string
	ListenPort     int
	Auth           bool
	AllowedClients []string
}

// Rule is a tagged union over tunnel and service rules. Exactly one of
// Tunnel and Service is set, matching Kind.
type Rule struct {
	UUID    string
	Name    string
	Enabled bool
	Kind    RuleKind
	Tunnel  *TunnelConfig
	Service *ServiceConfig
}

func NewTunnelRule(uuid, name string, enabled bool, cfg TunnelConfig) Rule {
	return Rule{UUID: uuid, Name: name, Enabled: enabled, Kind: KindTunnel, Tunnel: &cfg}
}

func NewServiceRule(uuid, name string, enabled bool, cfg ServiceConfig) Rule {
	return Rule{UUID: uuid, Name: name, Enabled: enabled, Kind: KindService, Service: &cfg}
}

// Clone returns a deep copy that shares no payload memory with r.
func (r Rule) Clone() Rule {
	out := Rule{UUID: r.UUID, Name: r.Name, Enabled: r.Enabled, Kind: r.Kind}
	switch r.Kind {
	case KindTunnel:
		if r.Tunnel != nil {
			cfg := *r.Tunnel
			out.Tunnel = &cfg
		}
	case KindService:
		if r.Service != nil {
			cfg := *r.Service
			cfg.AllowedClients = slices.Clone(r.Service.AllowedClients)
			out.Service = &cfg
		}
	}
	return out
}

// Validate checks the union invariant.
func (r Rule) Validate() error {
	if r.UUID == "" {
		return fmt.Errorf("rule %q: uuid is required", r.Name)
	}
	switch r.Kind {
	case KindTunnel:
		if r.Tunnel == nil || r.Service != nil {
			return fmt.Errorf("rule %s: tunnel kind requires only a tunnel payload", r.UUID)
		}
	case KindService:
		if r.Service == nil || r.Tunnel != nil {
			return fmt.Errorf("rule %s: service kind requires only a service payload", r.UUID)
		}
	default:
		return fmt.Errorf("rule %s: unsupported kind %q", r.UUID, r.Kind)
	}
	return nil
}

// RuleSet is the unit exchanged with the service.
type RuleSet struct {
	Tunnels  []Rule
	Services []Rule
}

func (s RuleSet) Len() int {
	return len(s.Tunnels) + len(s.Services)
}

// All returns services followed by tunnels.
func (s RuleSet) All() []Rule {
	out := make([]Rule, 0, s.Len())
	out = append(out, s.Services...)
	out = append(out, s.Tunnels...)
	return out
}

func (s *RuleSet) Add(r Rule) {
	switch r.Kind {
	case KindTunnel:
		s.Tunnels = append(s.Tunnels, r)
	case KindService:
		s.Services = append(s.Services, r)
	}
}

// Checkpoints are cheap change markers for server state. Times are unix
// milliseconds; zero means unknown.
type Checkpoints struct {
	Started        bool
	RuleSetTime    int64
	LicenseKeyTime int64
	LogSize        uint64
	ErrorTime      int64
	WarnTime       int64
}

// ChangeKind is a pending-change ledger entry.
type ChangeKind string

const (
	ChangeAdded    ChangeKind = "added"
	ChangeModified ChangeKind = "modified"
	ChangeDeleted  ChangeKind = "deleted"
)

type ConnState string

const (
	ConnDisconnected ConnState = "disconnected"
	ConnConnecting   ConnState = "connecting"
	ConnConnected    ConnState = "connected"
)

type LogLevel string

const (
	LogLevelDebug   LogLevel = "debug"
	LogLevelInfo    LogLevel = "info"
	LogLevelWarning LogLevel = "warning"
	LogLevelError   LogLevel = "error"
)

func ParseLogLevel(s string) (LogLevel, error) {
	switch LogLevel(s) {
	case LogLevelDebug, LogLevelInfo, LogLevelWarning, LogLevelError:
		return LogLevel(s), nil
	case "warn":
		return LogLevelWarning, nil
	default:
		return "", fmt.Errorf("unknown log level %q", s)
	}
}

type LogRecord struct {
	Time     time.Time
	Level    LogLevel
	RuleUUID string
	Message  string
}

type NetworkAdapter struct {
	Name      string
	Addresses []string
	Up        bool
}

// License describes what the installed key allows.
type License struct {
	Licensee  string
	MaxRules  int
	ExpiresAt time.Time
	Valid     bool
}

// Unlimited reports whether the license places no cap on enabled rules.
func (l License) Unlimited() bool {
	return l.Valid && l.MaxRules <= 0
}

type Certificate struct {
	Subject     string
	Fingerprint string
	NotAfter    time.Time
	PEM         string
}
