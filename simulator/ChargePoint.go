package simulator

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Default charge point identity and configuration.
const (
	DefaultVendor          = "FastCharge"
	DefaultModel           = "Pro 150"
	DefaultFirmwareVersion = "2.4.1"
	DefaultOCPPVersion     = "1.6"

	DefaultHeartbeatIntervalS   = 120
	DefaultMeterSampleIntervalS = 30
)

// DefaultConfig returns the configuration map a freshly created charge point
// starts with. Values are typed (int/bool); they serialize to strings on the
// wire.
func DefaultConfig() map[string]interface{} {
	return map[string]interface{}{
		"HeartbeatInterval":         DefaultHeartbeatIntervalS,
		"ConnectionTimeOut":         60,
		"MeterValuesSampleInterval": DefaultMeterSampleIntervalS,
		"ClockAlignedDataInterval":  0,
		"AuthorizeRemoteTxRequests": false,
		"LocalAuthListEnabled":      false,
		"OCPPAuthorizationEnabled":  true,
	}
}

// SessionClient is the narrow view of a live protocol client a charge point
// holds while connected. Implemented by the ocpp package; kept as an
// interface here so the scenario orchestrator and command layer need no
// protocol imports.
type SessionClient interface {
	Connected() bool
	// StartTransaction runs the full start flow for a connector. Optional SoC
	// and capacity are resolved via the vehicle resolver when nil. Returns
	// the CSMS-assigned transaction id, or ok=false on any rejection or
	// transport error.
	StartTransaction(connectorID int, idTag string, startSoCPct, batteryCapacityKWh *float64) (transactionID int, ok bool)
	// StopTransaction ends the session on a connector. Returns false when no
	// transaction is active.
	StopTransaction(connectorID int, reason string) bool
	// ReportStatus sends a StatusNotification reflecting the connector's
	// current state.
	ReportStatus(connectorID int, errorCode, info, vendorErrorCode string) error
	// Close terminates the underlying connection.
	Close() error
}

// LogEntry is one OCPP message recorded in the session-scoped log.
type LogEntry struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	Direction   string    `json:"direction"` // "incoming" | "outgoing"
	MessageType string    `json:"messageType"`
	Payload     string    `json:"payload"`
	Status      string    `json:"status"`
}

// ChargePointInfo carries the identity of a charge point at construction.
// Zero fields fall back to the defaults above.
type ChargePointInfo struct {
	ChargePointID   string
	Name            string
	LocationID      string
	CSMSUrl         string
	OCPPVersion     string
	Vendor          string
	Model           string
	FirmwareVersion string
	PowerType       PowerType
	ConnectorCount  int
}

// ChargePoint aggregates 1..N EVSEs with identity, mutable configuration and
// a session-scoped message log. It exclusively owns its EVSEs.
type ChargePoint struct {
	ChargePointID   string
	Name            string
	LocationID      string
	CSMSUrl         string
	OCPPVersion     string
	Vendor          string
	Model           string
	FirmwareVersion string
	PowerType       PowerType

	evses []*EVSE

	mu          sync.Mutex
	config      map[string]interface{}
	log         []LogEntry
	stopConnect bool
	supervised  bool
	client      SessionClient
}

func NewChargePoint(info ChargePointInfo) *ChargePoint {
	if info.OCPPVersion == "" {
		info.OCPPVersion = DefaultOCPPVersion
	}
	if info.Vendor == "" {
		info.Vendor = DefaultVendor
	}
	if info.Model == "" {
		info.Model = DefaultModel
	}
	if info.FirmwareVersion == "" {
		info.FirmwareVersion = DefaultFirmwareVersion
	}
	if info.PowerType == "" {
		info.PowerType = PowerTypeDC
	}
	if info.ConnectorCount < 1 {
		info.ConnectorCount = 1
	}
	cp := &ChargePoint{
		ChargePointID:   info.ChargePointID,
		Name:            info.Name,
		LocationID:      info.LocationID,
		CSMSUrl:         info.CSMSUrl,
		OCPPVersion:     info.OCPPVersion,
		Vendor:          info.Vendor,
		Model:           info.Model,
		FirmwareVersion: info.FirmwareVersion,
		PowerType:       info.PowerType,
		config:          DefaultConfig(),
	}
	for i := 1; i <= info.ConnectorCount; i++ {
		evse := NewEVSE(i)
		evse.setPowerType(info.PowerType)
		cp.evses = append(cp.evses, evse)
	}
	return cp
}

// EVSEs returns the connectors in id order. The slice is owned by the charge
// point; callers must not modify it.
func (cp *ChargePoint) EVSEs() []*EVSE {
	return cp.evses
}

// GetEVSE returns the connector with the given id, or nil.
func (cp *ChargePoint) GetEVSE(connectorID int) *EVSE {
	for _, e := range cp.evses {
		if e.ID == connectorID {
			return e
		}
	}
	return nil
}

// GetEVSEByTransactionID returns the connector running the transaction, or nil.
func (cp *ChargePoint) GetEVSEByTransactionID(transactionID int) *EVSE {
	for _, e := range cp.evses {
		if id, ok := e.TransactionID(); ok && id == transactionID {
			return e
		}
	}
	return nil
}

// ConfigValue returns a configuration value and whether the key is present.
func (cp *ChargePoint) ConfigValue(key string) (interface{}, bool) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	v, ok := cp.config[key]
	return v, ok
}

// SetConfigValue updates a single configuration key in memory.
func (cp *ChargePoint) SetConfigValue(key string, value interface{}) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	cp.config[key] = value
}

func (cp *ChargePoint) configInt(key string, fallback int) int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if v, ok := cp.config[key]; ok {
		switch n := v.(type) {
		case int:
			return n
		case float64:
			return int(n)
		}
	}
	return fallback
}

// HeartbeatInterval is how often the protocol client sends Heartbeat.
func (cp *ChargePoint) HeartbeatInterval() time.Duration {
	return time.Duration(cp.configInt("HeartbeatInterval", DefaultHeartbeatIntervalS)) * time.Second
}

// MeterSampleInterval is the meter engine's loop period.
func (cp *ChargePoint) MeterSampleInterval() time.Duration {
	return time.Duration(cp.configInt("MeterValuesSampleInterval", DefaultMeterSampleIntervalS)) * time.Second
}

// AuthorizationEnabled reports whether the client must send Authorize before
// StartTransaction.
func (cp *ChargePoint) AuthorizationEnabled() bool {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if v, ok := cp.config["OCPPAuthorizationEnabled"].(bool); ok {
		return v
	}
	return true
}

// AppendLog records one OCPP message in the session log.
func (cp *ChargePoint) AppendLog(direction, messageType, payload, status string) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	cp.log = append(cp.log, LogEntry{
		ID:          uuid.NewString(),
		Timestamp:   time.Now().UTC(),
		Direction:   direction,
		MessageType: messageType,
		Payload:     payload,
		Status:      status,
	})
}

// Log returns a copy of the session message log.
func (cp *ChargePoint) Log() []LogEntry {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	out := make([]LogEntry, len(cp.log))
	copy(out, cp.log)
	return out
}

// ClearLog discards the session message log. EVSE state is untouched.
func (cp *ChargePoint) ClearLog() {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	cp.log = nil
}

// RequestStopConnect tells the reconnect loop to exit instead of retrying.
func (cp *ChargePoint) RequestStopConnect() {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	cp.stopConnect = true
}

// ClearStopConnect re-arms the reconnect loop before a new Connect.
func (cp *ChargePoint) ClearStopConnect() {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	cp.stopConnect = false
}

func (cp *ChargePoint) StopConnectRequested() bool {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.stopConnect
}

// SetSupervised marks whether a connect loop currently owns this charge point.
func (cp *ChargePoint) SetSupervised(v bool) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	cp.supervised = v
}

func (cp *ChargePoint) Supervised() bool {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.supervised
}

// AttachClient binds the live protocol client for the current session.
func (cp *ChargePoint) AttachClient(c SessionClient) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	cp.client = c
}

// DetachClient drops the protocol client reference after disconnect.
func (cp *ChargePoint) DetachClient() {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	cp.client = nil
}

// Client returns the attached protocol client, or nil when disconnected.
func (cp *ChargePoint) Client() SessionClient {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.client
}

// Connected reports whether a protocol client is attached and its transport
// is open.
func (cp *ChargePoint) Connected() bool {
	c := cp.Client()
	return c != nil && c.Connected()
}

// InjectStatus forces a connector state from the outside, e.g. to simulate a
// fault. Faulted requires an OCPP error code other than NoError; all other
// states refuse one. The transition table still applies.
func (cp *ChargePoint) InjectStatus(connectorID int, target EvseState, errorCode string) error {
	evse := cp.GetEVSE(connectorID)
	if evse == nil {
		return fmt.Errorf("unknown connector %d", connectorID)
	}
	if target == StateFaulted {
		if errorCode == "" || errorCode == "NoError" {
			return fmt.Errorf("status %s requires an error code", StateFaulted)
		}
	} else if errorCode != "" && errorCode != "NoError" {
		return fmt.Errorf("error code %q only valid for %s", errorCode, StateFaulted)
	}
	if err := evse.TransitionTo(target); err != nil {
		return fmt.Errorf("connector %d: %s -> %s: %w", connectorID, evse.State(), target, err)
	}
	return nil
}
