package simulator

import "sync"

// Store is the in-memory charge point registry, keyed by charge point id. It
// is shared between the command layer and the scenario orchestrator, so all
// access goes through the mutex.
type Store struct {
	mu       sync.RWMutex
	chargers map[string]*ChargePoint
}

func NewStore() *Store {
	return &Store{chargers: make(map[string]*ChargePoint)}
}

// Add inserts or replaces a charge point by id.
func (s *Store) Add(cp *ChargePoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chargers[cp.ChargePointID] = cp
}

// Get returns the charge point with the given id, or nil.
func (s *Store) Get(chargePointID string) *ChargePoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.chargers[chargePointID]
}

// Remove deletes a charge point. Returns true if it existed.
func (s *Store) Remove(chargePointID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chargers[chargePointID]; !ok {
		return false
	}
	delete(s.chargers, chargePointID)
	return true
}

// All returns a snapshot of every registered charge point.
func (s *Store) All() []*ChargePoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*ChargePoint, 0, len(s.chargers))
	for _, cp := range s.chargers {
		out = append(out, cp)
	}
	return out
}

// ByLocation returns every charge point registered under a location.
func (s *Store) ByLocation(locationID string) []*ChargePoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*ChargePoint
	for _, cp := range s.chargers {
		if cp.LocationID == locationID {
			out = append(out, cp)
		}
	}
	return out
}

// RemoveByLocation deletes all charge points under a location and returns
// their ids.
func (s *Store) RemoveByLocation(locationID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed []string
	for id, cp := range s.chargers {
		if cp.LocationID == locationID {
			removed = append(removed, id)
			delete(s.chargers, id)
		}
	}
	return removed
}

// SeedDefault registers one two-connector charge point when the store is
// empty, so a fresh process has something to drive.
func (s *Store) SeedDefault() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.chargers) > 0 {
		return
	}
	cp := NewChargePoint(ChargePointInfo{ChargePointID: "CP_001", ConnectorCount: 2})
	s.chargers[cp.ChargePointID] = cp
}
