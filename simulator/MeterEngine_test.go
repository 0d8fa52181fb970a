package simulator

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type readingRecorder struct {
	mu       sync.Mutex
	readings []MeterReading
	fail     error
}

func (r *readingRecorder) sink(reading MeterReading) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.readings = append(r.readings, reading)
	return r.fail
}

func (r *readingRecorder) all() []MeterReading {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]MeterReading, len(r.readings))
	copy(out, r.readings)
	return out
}

func chargingEVSE(t *testing.T, pt PowerType) *EVSE {
	t.Helper()
	e := NewEVSE(1)
	e.setPowerType(pt)
	require.NoError(t, e.TransitionTo(StatePreparing))
	e.StartTransaction(42, "TAG", 20, 100)
	require.NoError(t, e.TransitionTo(StateCharging))
	e.SetOfferedLimitW(50000)
	return e
}

func awaitReadings(t *testing.T, rec *readingRecorder, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for len(rec.all()) < n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d readings, got %d", n, len(rec.all()))
		}
		time.Sleep(time.Millisecond)
	}
}

func TestMeterLoopEmitsReadings(t *testing.T) {
	e := chargingEVSE(t, PowerTypeDC)
	rec := &readingRecorder{}

	loop := StartMeterLoop(e, time.Millisecond, rec.sink, nil)
	awaitReadings(t, rec, 3)
	loop.Stop()

	readings := rec.all()
	first := readings[0]
	assert.Equal(t, 1, first.ConnectorID)
	assert.Equal(t, 42, first.TransactionID)
	assert.Equal(t, 50000.0, first.PowerW)
	require.NotNil(t, first.SoCPct, "DC readings carry SoC")

	for i := 1; i < len(readings); i++ {
		assert.GreaterOrEqual(t, readings[i].EnergyWh, readings[i-1].EnergyWh)
	}
}

func TestMeterLoopACOmitsSoC(t *testing.T) {
	e := chargingEVSE(t, PowerTypeAC)
	rec := &readingRecorder{}

	loop := StartMeterLoop(e, time.Millisecond, rec.sink, nil)
	awaitReadings(t, rec, 1)
	loop.Stop()

	assert.Nil(t, rec.all()[0].SoCPct)
}

func TestMeterLoopStopsOnSinkError(t *testing.T) {
	e := chargingEVSE(t, PowerTypeDC)
	rec := &readingRecorder{fail: errors.New("transport gone")}

	loop := StartMeterLoop(e, time.Millisecond, rec.sink, nil)
	select {
	case <-loop.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not exit after sink failure")
	}
	assert.Len(t, rec.all(), 1)
}

func TestMeterLoopExitsWhenTransactionCleared(t *testing.T) {
	e := chargingEVSE(t, PowerTypeDC)
	rec := &readingRecorder{}

	loop := StartMeterLoop(e, time.Millisecond, rec.sink, nil)
	awaitReadings(t, rec, 1)
	e.EndTransaction()

	select {
	case <-loop.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not exit after the transaction was cleared")
	}
}

func TestMeterLoopFullChargeFiresOnce(t *testing.T) {
	e := chargingEVSE(t, PowerTypeDC)
	// A tiny pack at high SoC reaches 100% within a few samples.
	e.StartTransaction(42, "TAG", 99.9, 0.001)

	var mu sync.Mutex
	fired := 0
	rec := &readingRecorder{}
	loop := StartMeterLoop(e, time.Millisecond, rec.sink, func() {
		mu.Lock()
		fired++
		mu.Unlock()
	})

	awaitReadings(t, rec, 10)
	loop.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, fired, "full-charge callback must fire exactly once")
}
