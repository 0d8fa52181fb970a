package simulator

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// MeterReading is one periodic sample for an active session. SoCPct is nil
// for AC connectors: physical AC meters do not report battery state, while DC
// chargers read it from the vehicle.
type MeterReading struct {
	Timestamp     time.Time
	ConnectorID   int
	TransactionID int
	EnergyWh      float64
	PowerW        float64
	CurrentA      float64
	SoCPct        *float64
}

// MeterSink consumes readings, typically by forwarding them to the CSMS as
// MeterValues.
type MeterSink func(MeterReading) error

// MeterLoop is a handle on one connector's running metering loop.
type MeterLoop struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Stop cancels the loop and blocks until it has exited, so callers can safely
// clear the transaction afterwards.
func (l *MeterLoop) Stop() {
	l.cancel()
	<-l.done
}

// Done is closed when the loop has exited on its own.
func (l *MeterLoop) Done() <-chan struct{} {
	return l.done
}

// StartMeterLoop runs one metering loop for the connector: every interval it
// advances the meter registers, emits a reading, and checks for a full
// battery. The loop exits when the handle is stopped, the sink fails, the
// state leaves {Charging, SuspendedEV}, or the transaction is cleared.
//
// onFullCharge fires exactly once per session, the first time SoC reaches
// 100% while Charging. The loop keeps running afterwards so the CSMS still
// sees periodic zero-power samples until the session is stopped explicitly.
func StartMeterLoop(evse *EVSE, interval time.Duration, sink MeterSink, onFullCharge func()) *MeterLoop {
	ctx, cancel := context.WithCancel(context.Background())
	loop := &MeterLoop{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(loop.done)
		fullChargeFired := false
		for {
			if ctx.Err() != nil {
				return
			}
			state := evse.State()
			txnID, open := evse.TransactionID()
			if !open || (state != StateCharging && state != StateSuspendedEV) {
				return
			}

			energyWh, powerW, currentA, socPct := evse.advanceMeter(interval)
			reading := MeterReading{
				Timestamp:     time.Now().UTC(),
				ConnectorID:   evse.ID,
				TransactionID: txnID,
				EnergyWh:      energyWh,
				PowerW:        powerW,
				CurrentA:      currentA,
			}
			if evse.PowerType() == PowerTypeDC {
				soc := socPct
				reading.SoCPct = &soc
			}
			if err := sink(reading); err != nil {
				logrus.WithField("connector", evse.ID).Warnf("meter reading not delivered: %v", err)
				return
			}

			if !fullChargeFired && socPct >= 100 && state == StateCharging {
				fullChargeFired = true
				if onFullCharge != nil {
					onFullCharge()
				}
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(interval):
			}
		}
	}()
	return loop
}
