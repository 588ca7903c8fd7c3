package poller

type ConnectionKind string

const (
	EventConnected        ConnectionKind = "connected"
	EventDisconnected     ConnectionKind = "disconnected"
	EventConnectionFailed ConnectionKind = "connection_failed"
)

type ConnectionEvent struct {
	Kind ConnectionKind
	// Err is the last check-state failure for Disconnected and
	// ConnectionFailed.
	Err error
}

type ServiceEvent struct {
	Started bool
}

type RuleSetEvent struct {
	ModifiedAt int64
}

type LicenseEvent struct {
	ModifiedAt int64
}

type LogKind string

const (
	LogAppended LogKind = "appended"
	LogError    LogKind = "error"
	LogWarning  LogKind = "warning"
)

type LogEvent struct {
	Kind LogKind
	// Size is the log size for LogAppended.
	Size uint64
	// At is the record time in unix milliseconds for LogError and
	// LogWarning.
	At int64
}

// Events are the receive sides of the poller's typed event channels.
type Events struct {
	Connection <-chan ConnectionEvent
	Service    <-chan ServiceEvent
	RuleSet    <-chan RuleSetEvent
	License    <-chan LicenseEvent
	Log        <-chan LogEvent
}

const eventBuffer = 16

type channels struct {
	connection chan ConnectionEvent
	service    chan ServiceEvent
	ruleSet    chan RuleSetEvent
	license    chan LicenseEvent
	log        chan LogEvent
}

func newChannels() channels {
	return channels{
		connection: make(chan ConnectionEvent, eventBuffer),
		service:    make(chan ServiceEvent, eventBuffer),
		ruleSet:    make(chan RuleSetEvent, eventBuffer),
		license:    make(chan LicenseEvent, eventBuffer),
		log:        make(chan LogEvent, eventBuffer),
	}
}

func (c channels) public() Events {
	return Events{
		Connection: c.connection,
		Service:    c.service,
		RuleSet:    c.ruleSet,
		License:    c.license,
		Log:        c.log,
	}
}
