package scenario

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"cp_simulator/ocpp"
	"cp_simulator/simulator"
)

const (
	scenarioTypeRushPeriod = "rush_period"

	defaultConnectWait = 5 * time.Second
	connectPoll        = 100 * time.Millisecond
)

// Connector brings a charge point online. Satisfied by ocpp.Manager.
type Connector interface {
	Connect(cp *simulator.ChargePoint, url, basicAuthPassword string)
}

// ChargerEndpoint is the connectivity record for one charge point at the
// location being simulated.
type ChargerEndpoint struct {
	ChargePointID     string
	ConnectionURL     string
	BasicAuthPassword string
}

// Vehicle is one EV known at the location. Vehicles without an id tag cannot
// plug in and are skipped.
type Vehicle struct {
	IDTags             []string
	BatteryCapacityKWh float64
}

// Engine runs bulk simulations, at most one active run per location.
type Engine struct {
	store     *simulator.Store
	connector Connector

	mu     sync.Mutex
	active map[string]*Run

	sleep       func(time.Duration)
	connectWait time.Duration
}

func NewEngine(store *simulator.Store, connector Connector) *Engine {
	return &Engine{
		store:       store,
		connector:   connector,
		active:      make(map[string]*Run),
		sleep:       time.Sleep,
		connectWait: defaultConnectWait,
	}
}

// RunRushPeriod starts a rush-period simulation for a location: every vehicle
// with an id tag is plugged into an available connector, spread evenly over
// the duration. The run executes in the background; the returned Run tracks
// its progress. A location with a run still in progress rejects a new one.
func (e *Engine) RunRushPeriod(locationID string, durationMinutes int,
	chargers []ChargerEndpoint, vehicles []Vehicle) (*Run, error) {

	e.mu.Lock()
	if current, ok := e.active[locationID]; ok && current.Status() == StatusRunning {
		e.mu.Unlock()
		return nil, fmt.Errorf("location %s already has a running scenario", locationID)
	}
	run := newRun(locationID, scenarioTypeRushPeriod, durationMinutes)
	e.active[locationID] = run
	e.mu.Unlock()

	go e.runRushPeriod(run, locationID, durationMinutes, chargers, vehicles)
	return run, nil
}

// Active returns the most recent run for the location, or nil.
func (e *Engine) Active(locationID string) *Run {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active[locationID]
}

// Cancel flips a running scenario to cancelled and clears its registry entry.
// The in-flight loop observes the new status at its next checkpoint.
func (e *Engine) Cancel(locationID string) bool {
	e.mu.Lock()
	run, ok := e.active[locationID]
	if ok {
		delete(e.active, locationID)
	}
	e.mu.Unlock()
	if !ok {
		return false
	}
	return run.cancel()
}

func (e *Engine) runRushPeriod(run *Run, locationID string, durationMinutes int,
	chargers []ChargerEndpoint, vehicles []Vehicle) {

	defer close(run.done)
	log := logrus.WithField("client", locationID)

	e.connectOfflineChargers(run, chargers)

	type slot struct {
		cp          *simulator.ChargePoint
		connectorID int
	}
	var slots []slot
	for _, cp := range e.store.ByLocation(locationID) {
		if !cp.Connected() {
			continue
		}
		for _, evse := range cp.EVSEs() {
			if evse.State() == simulator.StateAvailable {
				slots = append(slots, slot{cp: cp, connectorID: evse.ID})
			}
		}
	}

	type pairing struct {
		idTag       string
		capacityKWh float64
	}
	var pairings []pairing
	for _, v := range vehicles {
		if len(v.IDTags) == 0 {
			continue
		}
		pairings = append(pairings, pairing{idTag: v.IDTags[0], capacityKWh: v.BatteryCapacityKWh})
	}

	count := len(slots)
	if len(pairings) < count {
		count = len(pairings)
	}
	run.setTotalPairs(count)
	if count == 0 {
		run.complete()
		log.Info("rush period had nothing to plug in")
		return
	}

	spacing := time.Duration(float64(durationMinutes) * 60 / float64(count) * float64(time.Second))
	for i := 0; i < count; i++ {
		if i > 0 {
			if run.Status() == StatusCancelled {
				return
			}
			e.sleep(spacing)
			if run.Status() == StatusCancelled {
				return
			}
		}
		run.recordPair(e.plugIn(slots[i].cp, slots[i].connectorID, pairings[i].idTag, pairings[i].capacityKWh))
	}
	run.complete()
	log.Infof("rush period finished, %d pairs", count)
}

// connectOfflineChargers asks the connection manager to bring up every
// offline charge point, then waits up to connectWait for each. A charge
// point that never comes up is recorded as offline; it does not abort the
// run.
func (e *Engine) connectOfflineChargers(run *Run, chargers []ChargerEndpoint) {
	var pending []*simulator.ChargePoint
	for _, endpoint := range chargers {
		cp := e.store.Get(endpoint.ChargePointID)
		if cp == nil || cp.Connected() {
			continue
		}
		url := ocpp.BuildConnectionURL(endpoint.ConnectionURL, endpoint.ChargePointID)
		e.connector.Connect(cp, url, endpoint.BasicAuthPassword)
		pending = append(pending, cp)
	}
	deadline := time.Now().Add(e.connectWait)
	for _, cp := range pending {
		for !cp.Connected() && time.Now().Before(deadline) {
			e.sleep(connectPoll)
		}
		if !cp.Connected() {
			run.addOfflineCharger(cp.ChargePointID)
		}
	}
}

func (e *Engine) plugIn(cp *simulator.ChargePoint, connectorID int, idTag string, capacityKWh float64) bool {
	client := cp.Client()
	if client == nil {
		return false
	}
	var capacity *float64
	if capacityKWh > 0 {
		capacity = &capacityKWh
	}
	_, ok := client.StartTransaction(connectorID, idTag, nil, capacity)
	return ok
}
