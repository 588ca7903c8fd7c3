package api

import "github.com/g960059/tunnelctl/internal/codec"

const (
	SchemaVersion = "v1"
	PathPrefix    = "/v1/rpc/"
)

// Action names the remote operation; it is the last path segment.
type Action string

const (
	ActionCheckState            Action = "check_state"
	ActionStart                 Action = "start"
	ActionStop                  Action = "stop"
	ActionGetRuleSet            Action = "get_rule_set"
	ActionUpdateRules           Action = "update_rules"
	ActionDeleteRules           Action = "delete_rules"
	ActionEnableRules           Action = "enable_rules"
	ActionDisableRules          Action = "disable_rules"
	ActionGetLogRecords         Action = "get_log_records"
	ActionSetLogLevel           Action = "set_log_level"
	ActionGetLogLevel           Action = "get_log_level"
	ActionGetNetworkAdapters    Action = "get_network_adapters"
	ActionGetLicense            Action = "get_license"
	ActionSetLicenseKey         Action = "set_license_key"
	ActionGetCertificate        Action = "get_certificate"
	ActionRegenerateCertificate Action = "regenerate_certificate"
)

// Mutating reports whether a successful call changes server state.
func (a Action) Mutating() bool {
	switch a {
	case ActionStart, ActionStop, ActionUpdateRules, ActionDeleteRules,
		ActionEnableRules, ActionDisableRules, ActionSetLogLevel,
		ActionSetLicenseKey, ActionRegenerateCertificate:
		return true
	default:
		return false
	}
}

type APIError struct {
	Code    string `cbor:"code"`
	Message string `cbor:"message"`
}

// Response wraps every reply. OK=false carries Error; OK=true may carry
// Data encoded as the action's result type.
type Response struct {
	SchemaVersion string           `cbor:"schema_version"`
	OK            bool             `cbor:"ok"`
	Error         *APIError        `cbor:"error,omitempty"`
	Data          codec.RawMessage `cbor:"data,omitempty"`
}

const (
	CodeBadRequest    = "E_BAD_REQUEST"
	CodeInvalidRules  = "E_INVALID_RULES"
	CodeUnknownRule   = "E_UNKNOWN_RULE"
	CodeUnknownAction = "E_UNKNOWN_ACTION"
	CodeInvalidKey    = "E_INVALID_LICENSE_KEY"
	CodeLicenseLimit  = "E_LICENSE_LIMIT"
)

type CheckStateResponse struct {
	IsStarted      bool   `cbor:"is_started"`
	RuleSetTime    int64  `cbor:"rule_set_time"`
	LicenseKeyTime int64  `cbor:"lic_key_time"`
	LogSize        uint64 `cbor:"log_size"`
	ErrorTime      int64  `cbor:"error_time"`
	WarnTime       int64  `cbor:"warn_time"`
}

type BoolResponse struct {
	Value bool `cbor:"value"`
}

type RuleSetPayload struct {
	XML string `cbor:"xml"`
}

type UUIDListRequest struct {
	UUIDs []string `cbor:"uuids"`
}

type LogRecordsRequest struct {
	Count int `cbor:"count"`
}

type LogRecordItem struct {
	TimeMillis int64  `cbor:"time"`
	Level      string `cbor:"level"`
	RuleUUID   string `cbor:"rule_uuid,omitempty"`
	Message    string `cbor:"message"`
}

type LogRecordsResponse struct {
	Records []LogRecordItem `cbor:"records"`
}

type LogLevelPayload struct {
	Level string `cbor:"level"`
}

type NetworkAdapterItem struct {
	Name      string   `cbor:"name"`
	Addresses []string `cbor:"addresses"`
	Up        bool     `cbor:"up"`
}

type NetworkAdaptersResponse struct {
	Adapters []NetworkAdapterItem `cbor:"adapters"`
}

type LicenseResponse struct {
	Licensee        string `cbor:"licensee"`
	MaxRules        int    `cbor:"max_rules"`
	ExpiresAtMillis int64  `cbor:"expires_at"`
	Valid           bool   `cbor:"valid"`
}

type LicenseKeyRequest struct {
	Key string `cbor:"key"`
}

type CertificateResponse struct {
	Subject        string `cbor:"subject"`
	Fingerprint    string `cbor:"fingerprint"`
	NotAfterMillis int64  `cbor:"not_after"`
	PEM            string `cbor:"pem"`
}
