package simulator

import (
	"errors"
	"sync"
	"time"
)

// PowerType distinguishes AC charge points (fixed grid voltage) from DC ones
// (pack voltage follows the battery SoC).
type PowerType string

const (
	PowerTypeAC PowerType = "AC"
	PowerTypeDC PowerType = "DC"
)

// EvseState is a connector state per OCPP 1.6 StatusNotification.
type EvseState string

const (
	StateAvailable     EvseState = "Available"
	StatePreparing     EvseState = "Preparing"
	StateCharging      EvseState = "Charging"
	StateSuspendedEV   EvseState = "SuspendedEV"
	StateSuspendedEVSE EvseState = "SuspendedEVSE"
	StateFinishing     EvseState = "Finishing"
	StateFaulted       EvseState = "Faulted"
	StateUnavailable   EvseState = "Unavailable"
)

// ErrInvalidTransition is returned when a requested connector state change is
// not allowed by the transition table.
var ErrInvalidTransition = errors.New("invalid EVSE state transition")

// ParseEvseState maps an OCPP status string to its EvseState.
func ParseEvseState(s string) (EvseState, bool) {
	state := EvseState(s)
	switch state {
	case StateAvailable, StatePreparing, StateCharging, StateSuspendedEV,
		StateSuspendedEVSE, StateFinishing, StateFaulted, StateUnavailable:
		return state, true
	}
	return "", false
}

var validTransitions = map[EvseState]map[EvseState]bool{
	StateAvailable: {StatePreparing: true, StateUnavailable: true},
	StatePreparing: {StateCharging: true, StateAvailable: true, StateFaulted: true, StateUnavailable: true},
	StateCharging: {
		StateFinishing:     true,
		StateSuspendedEV:   true,
		StateSuspendedEVSE: true,
		StateFaulted:       true,
		StateUnavailable:   true,
	},
	StateSuspendedEV:   {StateCharging: true, StateFinishing: true, StateFaulted: true, StateUnavailable: true},
	StateSuspendedEVSE: {StateCharging: true, StateFinishing: true, StateFaulted: true, StateUnavailable: true},
	StateFinishing:     {StateAvailable: true, StateFaulted: true, StateUnavailable: true},
	StateFaulted:       {StateAvailable: true, StateUnavailable: true},
	StateUnavailable:   {StateAvailable: true},
}

const (
	defaultStartSoCPct        = 20.0
	defaultBatteryCapacityKWh = 100.0
)

// EVSE is a single connector: state machine plus internal meter registers.
// Energy is monotonically non-decreasing for the lifetime of the connector;
// transactions record their starting register instead of resetting it.
type EVSE struct {
	mu sync.Mutex

	ID        int
	powerType PowerType

	state EvseState

	energyWh      float64
	powerW        float64
	currentA      float64
	offeredLimitW float64

	transactionID     *int
	idTag             string
	sessionStart      *time.Time
	initialEnergyWh   float64
	startSoCPct       float64
	batteryCapacityWh float64
	socPct            float64
}

func NewEVSE(id int) *EVSE {
	return &EVSE{
		ID:                id,
		powerType:         PowerTypeDC,
		state:             StateAvailable,
		startSoCPct:       defaultStartSoCPct,
		batteryCapacityWh: defaultBatteryCapacityKWh * 1000.0,
		socPct:            defaultStartSoCPct,
	}
}

func (e *EVSE) PowerType() PowerType {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.powerType
}

func (e *EVSE) setPowerType(pt PowerType) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.powerType = pt
}

func (e *EVSE) State() EvseState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// CanTransitionTo reports whether the move is allowed without applying it,
// so callers can validate before emitting protocol messages.
func (e *EVSE) CanTransitionTo(target EvseState) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return validTransitions[e.state][target]
}

// TransitionTo applies the state change if the transition table allows it.
// On an illegal move the state is left unchanged and ErrInvalidTransition is
// returned.
func (e *EVSE) TransitionTo(target EvseState) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !validTransitions[e.state][target] {
		return ErrInvalidTransition
	}
	e.state = target
	return nil
}

// SetOfferedLimitW stores the power limit from SetChargingProfile. The CSMS
// value is kept as-is; the simulator does not clamp to a hardware maximum.
func (e *EVSE) SetOfferedLimitW(limitW float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if limitW < 0 {
		limitW = 0
	}
	e.offeredLimitW = limitW
}

func (e *EVSE) OfferedLimitW() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.offeredLimitW
}

// EffectivePowerW is the power the meter integrates: the offered limit while
// Charging, forced to zero while the session is suspended so a stale limit
// cannot produce phantom power.
func (e *EVSE) EffectivePowerW() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateSuspendedEV || e.state == StateSuspendedEVSE {
		return 0
	}
	return e.offeredLimitW
}

// VoltageV is the present connector voltage: the fixed grid voltage for AC,
// the SoC-dependent pack voltage for DC. AC connectors still track SoC
// internally; it just never reaches the wire.
func (e *EVSE) VoltageV() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.voltageLocked()
}

func (e *EVSE) voltageLocked() float64 {
	if e.powerType == PowerTypeAC {
		return ACGridVoltageV
	}
	return PackVoltageV(e.socPct, DefaultCellCount)
}

func (e *EVSE) SoCPct() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.socPct
}

func (e *EVSE) EnergyWh() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.energyWh
}

// TransactionID returns the active transaction id, or 0 and false when no
// session is open.
func (e *EVSE) TransactionID() (int, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.transactionID == nil {
		return 0, false
	}
	return *e.transactionID, true
}

func (e *EVSE) IdTag() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.idTag
}

// StartTransaction records session start. The caller must already have moved
// the connector to Preparing. The starting SoC is capped at 100%.
func (e *EVSE) StartTransaction(transactionID int, idTag string, startSoCPct, batteryCapacityKWh float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := time.Now().UTC()
	id := transactionID
	e.transactionID = &id
	e.initialEnergyWh = e.energyWh
	e.idTag = idTag
	e.sessionStart = &now
	if startSoCPct > 100 {
		startSoCPct = 100
	}
	e.startSoCPct = startSoCPct
	e.batteryCapacityWh = batteryCapacityKWh * 1000.0
	e.socPct = startSoCPct
}

// EndTransaction clears the transaction fields. The energy register is never
// reset; the meter stays monotonic for the connector's lifetime.
func (e *EVSE) EndTransaction() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.transactionID = nil
	e.idTag = ""
	e.sessionStart = nil
}

// advanceMeter integrates the meter registers over dt. Called only by the
// meter engine; returns the values sampled for the reading.
func (e *EVSE) advanceMeter(dt time.Duration) (energyWh, powerW, currentA, socPct float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	powerW = e.offeredLimitW
	if e.state == StateSuspendedEV || e.state == StateSuspendedEVSE {
		powerW = 0
	}
	e.powerW = powerW
	e.energyWh += powerW * dt.Seconds() / 3600.0

	sessionEnergyWh := e.energyWh - e.initialEnergyWh
	if e.batteryCapacityWh > 0 {
		e.socPct = e.startSoCPct + sessionEnergyWh/e.batteryCapacityWh*100.0
	}
	if e.socPct > 100 {
		e.socPct = 100
	}

	if e.powerType == PowerTypeAC {
		e.currentA = ACPowerToCurrentA(powerW)
	} else if v := e.voltageLocked(); v > 0 {
		e.currentA = powerW / v
	} else {
		e.currentA = 0
	}
	return e.energyWh, e.powerW, e.currentA, e.socPct
}
