package scenario

import (
	"sync"
	"time"
)

type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Run tracks one bulk simulation for a location. It is created running and
// ends in exactly one of the terminal states; the orchestrator loop observes
// a cancellation cooperatively at its checkpoints.
type Run struct {
	mu                sync.Mutex
	locationID        string
	scenarioType      string
	durationMinutes   int
	startedAt         time.Time
	totalPairs        int
	completedPairs    int
	failedPairs       int
	offlineChargerIDs []string
	status            Status

	done chan struct{}
}

// Snapshot is the externally visible state of a run.
type Snapshot struct {
	LocationID        string    `json:"locationId"`
	ScenarioType      string    `json:"scenarioType"`
	DurationMinutes   int       `json:"durationMinutes"`
	StartedAt         time.Time `json:"startedAt"`
	TotalPairs        int       `json:"totalPairs"`
	CompletedPairs    int       `json:"completedPairs"`
	FailedPairs       int       `json:"failedPairs"`
	OfflineChargerIDs []string  `json:"offlineChargerIds"`
	Status            Status    `json:"status"`
}

func newRun(locationID, scenarioType string, durationMinutes int) *Run {
	return &Run{
		locationID:      locationID,
		scenarioType:    scenarioType,
		durationMinutes: durationMinutes,
		startedAt:       time.Now().UTC(),
		status:          StatusRunning,
		done:            make(chan struct{}),
	}
}

func (r *Run) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Done is closed when the orchestrator loop has finished with this run.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

func (r *Run) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	offline := make([]string, len(r.offlineChargerIDs))
	copy(offline, r.offlineChargerIDs)
	return Snapshot{
		LocationID:        r.locationID,
		ScenarioType:      r.scenarioType,
		DurationMinutes:   r.durationMinutes,
		StartedAt:         r.startedAt,
		TotalPairs:        r.totalPairs,
		CompletedPairs:    r.completedPairs,
		FailedPairs:       r.failedPairs,
		OfflineChargerIDs: offline,
		Status:            r.status,
	}
}

// cancel moves a running run to cancelled. Terminal states stay as they are.
func (r *Run) cancel() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != StatusRunning {
		return false
	}
	r.status = StatusCancelled
	return true
}

func (r *Run) complete() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status == StatusRunning {
		r.status = StatusCompleted
	}
}

func (r *Run) setTotalPairs(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.totalPairs = n
}

func (r *Run) addOfflineCharger(chargePointID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.offlineChargerIDs = append(r.offlineChargerIDs, chargePointID)
}

func (r *Run) recordPair(ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ok {
		r.completedPairs++
	} else {
		r.failedPairs++
	}
}
