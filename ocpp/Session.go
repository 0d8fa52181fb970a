package ocpp

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/types"

	"cp_simulator/simulator"
)

var stateToOCPPStatus = map[simulator.EvseState]core.ChargePointStatus{
	simulator.StateAvailable:     core.ChargePointStatusAvailable,
	simulator.StatePreparing:     core.ChargePointStatusPreparing,
	simulator.StateCharging:      core.ChargePointStatusCharging,
	simulator.StateSuspendedEV:   core.ChargePointStatusSuspendedEV,
	simulator.StateSuspendedEVSE: core.ChargePointStatusSuspendedEVSE,
	simulator.StateFinishing:     core.ChargePointStatusFinishing,
	simulator.StateFaulted:       core.ChargePointStatusFaulted,
	simulator.StateUnavailable:   core.ChargePointStatusUnavailable,
}

// bootstrap announces the charge point after connect: BootNotification, then
// one StatusNotification per connector. It runs alongside the receive loop
// because the transport cannot correlate responses while a handler blocks.
func (c *Client) bootstrap() {
	if err := c.sendBootNotification(); err != nil {
		c.log.WithField("message", core.BootNotificationFeatureName).Warnf("boot failed: %v", err)
		return
	}
	for _, evse := range c.cp.EVSEs() {
		if err := c.ReportStatus(evse.ID, "", "", ""); err != nil {
			c.log.WithField("message", core.StatusNotificationFeatureName).
				Warnf("initial status for connector %d failed: %v", evse.ID, err)
			return
		}
	}
}

func (c *Client) sendBootNotification() error {
	req := &core.BootNotificationRequest{
		ChargePointModel:  c.cp.Model,
		ChargePointVendor: c.cp.Vendor,
		FirmwareVersion:   c.cp.FirmwareVersion,
	}
	confirmation := &core.BootNotificationConfirmation{}
	if err := c.call(req, confirmation); err != nil {
		return err
	}
	c.log.WithField("message", core.BootNotificationFeatureName).
		Infof("boot %v, heartbeat interval %ds", confirmation.Status, confirmation.Interval)
	c.notify("boot.notification", map[string]interface{}{
		"status":   string(confirmation.Status),
		"interval": confirmation.Interval,
	})
	return nil
}

// ReportStatus sends a StatusNotification for the connector's current state.
// errorCode defaults to NoError; the Faulted state carries the caller's code
// plus optional info and vendor error code.
func (c *Client) ReportStatus(connectorID int, errorCode, info, vendorErrorCode string) error {
	evse := c.cp.GetEVSE(connectorID)
	if evse == nil {
		return fmt.Errorf("unknown connector %d", connectorID)
	}
	state := evse.State()
	status, ok := stateToOCPPStatus[state]
	if !ok {
		status = core.ChargePointStatusAvailable
	}
	code := core.NoError
	if errorCode != "" {
		code = core.ChargePointErrorCode(errorCode)
	}
	req := &core.StatusNotificationRequest{
		ConnectorId:     connectorID,
		ErrorCode:       code,
		Status:          status,
		Info:            info,
		VendorErrorCode: vendorErrorCode,
		Timestamp:       types.NewDateTime(time.Now().UTC()),
	}
	if err := c.call(req, &core.StatusNotificationConfirmation{}); err != nil {
		return err
	}
	c.notify("status.notification", map[string]interface{}{
		"connectorId": connectorID,
		"status":      string(status),
		"errorCode":   string(code),
	})
	return nil
}

// heartbeatLoop sends Heartbeat every configured interval until the context
// is cancelled. A transport error just ends the loop; the connection manager
// owns recovery.
func (c *Client) heartbeatLoop(ctx context.Context) {
	interval := c.cp.HeartbeatInterval()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		case <-time.After(interval):
		}
		if err := c.call(&core.HeartbeatRequest{}, &core.HeartbeatConfirmation{}); err != nil {
			c.log.WithField("message", core.HeartbeatFeatureName).Debugf("heartbeat ended: %v", err)
			return
		}
	}
}

// StartTransaction runs the full session start flow for a connector:
// Preparing, optional Authorize, StartTransaction, then Charging plus the
// metering loop. Any rejection or transport error reverts the connector to
// Available and reports that status; the caller only sees ok=false.
func (c *Client) StartTransaction(connectorID int, idTag string, startSoCPct, batteryCapacityKWh *float64) (int, bool) {
	evse := c.cp.GetEVSE(connectorID)
	if evse == nil {
		return 0, false
	}
	if _, open := evse.TransactionID(); open {
		return 0, false
	}
	if err := evse.TransitionTo(simulator.StatePreparing); err != nil {
		return 0, false
	}
	c.ReportStatus(connectorID, "", "", "")

	if c.cp.AuthorizationEnabled() {
		auth := &core.AuthorizeConfirmation{}
		err := c.call(&core.AuthorizeRequest{IdTag: idTag}, auth)
		if err != nil || auth.IdTagInfo == nil || auth.IdTagInfo.Status != types.AuthorizationStatusAccepted {
			if err != nil {
				c.log.WithField("message", core.AuthorizeFeatureName).Warnf("authorize failed: %v", err)
			}
			c.revertToAvailable(evse)
			return 0, false
		}
	}

	req := &core.StartTransactionRequest{
		ConnectorId: connectorID,
		IdTag:       idTag,
		MeterStart:  int(evse.EnergyWh()),
		Timestamp:   types.NewDateTime(time.Now().UTC()),
	}
	confirmation := &core.StartTransactionConfirmation{}
	if err := c.call(req, confirmation); err != nil {
		c.log.WithField("message", core.StartTransactionFeatureName).Warnf("start failed: %v", err)
		c.revertToAvailable(evse)
		return 0, false
	}
	accepted := confirmation.IdTagInfo != nil &&
		confirmation.IdTagInfo.Status == types.AuthorizationStatusAccepted &&
		confirmation.TransactionId > 0
	if !accepted {
		c.revertToAvailable(evse)
		return 0, false
	}

	soc, capacity := c.resolveVehicle(idTag, startSoCPct, batteryCapacityKWh)
	evse.StartTransaction(confirmation.TransactionId, idTag, soc, capacity)
	if err := evse.TransitionTo(simulator.StateCharging); err != nil {
		evse.EndTransaction()
		c.revertToAvailable(evse)
		return 0, false
	}
	c.ReportStatus(connectorID, "", "", "")
	c.notify("start.transaction", map[string]interface{}{
		"connectorId":   connectorID,
		"transactionId": confirmation.TransactionId,
		"idTag":         idTag,
	})

	loop := simulator.StartMeterLoop(evse, c.cp.MeterSampleInterval(), c.sendMeterValues, func() {
		// Battery full: the vehicle pauses the session. The loop keeps
		// sampling at zero power until the CSMS or operator stops it.
		if err := evse.TransitionTo(simulator.StateSuspendedEV); err == nil {
			c.ReportStatus(connectorID, "", "", "")
		}
	})
	c.registerMeterLoop(connectorID, loop)
	return confirmation.TransactionId, true
}

// resolveVehicle fills in missing battery parameters via the vehicle
// resolver, defaulting to 100 kWh at 20%.
func (c *Client) resolveVehicle(idTag string, startSoCPct, batteryCapacityKWh *float64) (soc, capacity float64) {
	soc, capacity = 20.0, 100.0
	if startSoCPct == nil || batteryCapacityKWh == nil {
		if kwh, start, ok := c.resolver.Resolve(idTag); ok {
			soc, capacity = start, kwh
		}
	}
	if startSoCPct != nil {
		soc = *startSoCPct
	}
	if batteryCapacityKWh != nil {
		capacity = *batteryCapacityKWh
	}
	return soc, capacity
}

func (c *Client) revertToAvailable(evse *simulator.EVSE) {
	if err := evse.TransitionTo(simulator.StateAvailable); err == nil {
		c.ReportStatus(evse.ID, "", "", "")
	}
}

// StopTransaction ends the session on a connector: the metering loop is
// stopped and awaited first, so no task still references the transaction
// being cleared. Returns false when no transaction is active.
func (c *Client) StopTransaction(connectorID int, reason string) bool {
	evse := c.cp.GetEVSE(connectorID)
	if evse == nil {
		return false
	}
	transactionID, open := evse.TransactionID()
	if !open {
		return false
	}

	if loop := c.takeMeterLoop(connectorID); loop != nil {
		loop.Stop()
	}

	if err := evse.TransitionTo(simulator.StateFinishing); err == nil {
		c.ReportStatus(connectorID, "", "", "")
	}

	req := &core.StopTransactionRequest{
		MeterStop:     int(evse.EnergyWh()),
		Timestamp:     types.NewDateTime(time.Now().UTC()),
		TransactionId: transactionID,
	}
	if reason != "" {
		req.Reason = core.Reason(reason)
	}
	if err := c.call(req, &core.StopTransactionConfirmation{}); err != nil {
		// The session still ends locally; the CSMS will reconcile on its own.
		c.log.WithField("message", core.StopTransactionFeatureName).Warnf("stop failed: %v", err)
	}

	evse.EndTransaction()
	if err := evse.TransitionTo(simulator.StateAvailable); err == nil {
		c.ReportStatus(connectorID, "", "", "")
	}
	c.notify("stop.transaction", map[string]interface{}{
		"connectorId":   connectorID,
		"transactionId": transactionID,
		"reason":        reason,
	})
	return true
}

// sendMeterValues forwards one reading as a MeterValues call. AC readings
// carry no SoC sample.
func (c *Client) sendMeterValues(reading simulator.MeterReading) error {
	sampled := []types.SampledValue{
		{
			Value:     strconv.Itoa(int(reading.EnergyWh + 0.5)),
			Measurand: types.MeasurandEnergyActiveImportRegister,
			Unit:      types.UnitOfMeasureWh,
		},
		{
			Value:     strconv.Itoa(int(reading.PowerW + 0.5)),
			Measurand: types.MeasurandPowerActiveImport,
			Unit:      types.UnitOfMeasureW,
		},
		{
			Value:     strconv.FormatFloat(reading.CurrentA, 'f', 1, 64),
			Measurand: types.MeasurandCurrentImport,
			Unit:      types.UnitOfMeasureA,
		},
	}
	if reading.SoCPct != nil {
		sampled = append(sampled, types.SampledValue{
			Value:     strconv.FormatFloat(*reading.SoCPct, 'f', 1, 64),
			Measurand: types.MeasurandSoC,
			Unit:      types.UnitOfMeasurePercent,
			Location:  types.LocationEV,
		})
	}
	transactionID := reading.TransactionID
	req := &core.MeterValuesRequest{
		ConnectorId:   reading.ConnectorID,
		TransactionId: &transactionID,
		MeterValue: []types.MeterValue{{
			Timestamp:    types.NewDateTime(reading.Timestamp),
			SampledValue: sampled,
		}},
	}
	return c.call(req, &core.MeterValuesConfirmation{})
}
