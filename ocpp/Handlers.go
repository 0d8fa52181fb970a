package ocpp

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/smartcharging"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/types"

	"cp_simulator/simulator"
)

// Configuration keys the simulator understands. Anything else is reported as
// not supported.
var knownConfigKeyOrder = []string{
	"HeartbeatInterval",
	"ConnectionTimeOut",
	"MeterValuesSampleInterval",
	"ClockAlignedDataInterval",
	"AuthorizeRemoteTxRequests",
	"LocalAuthListEnabled",
	"OCPPAuthorizationEnabled",
	"voltage_V",
}

var intConfigKeys = map[string]bool{
	"HeartbeatInterval":         true,
	"ConnectionTimeOut":         true,
	"MeterValuesSampleInterval": true,
	"ClockAlignedDataInterval":  true,
}

var boolConfigKeys = map[string]bool{
	"AuthorizeRemoteTxRequests": true,
	"LocalAuthListEnabled":      true,
	"OCPPAuthorizationEnabled":  true,
}

var knownConfigKeys = func() map[string]bool {
	m := make(map[string]bool, len(knownConfigKeyOrder))
	for _, k := range knownConfigKeyOrder {
		m[k] = true
	}
	return m
}()

// configValueString renders a config value the way OCPP expects: booleans as
// "true"/"false", everything else in its literal string form.
func configValueString(v interface{}) string {
	switch val := v.(type) {
	case bool:
		if val {
			return "true"
		}
		return "false"
	case int:
		return strconv.Itoa(val)
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	case string:
		return val
	default:
		data, _ := json.Marshal(val)
		return string(data)
	}
}

// handleAuthorize accepts any id tag. The simulator does not model
// charger-side authorization failure; session acceptance is decided by the
// CSMS at StartTransaction.
func (c *Client) handleAuthorize(payload json.RawMessage) (interface{}, *callError) {
	var req core.AuthorizeRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, &callError{Code: errorCodeFormationViolation, Description: err.Error()}
	}
	return core.NewAuthorizationConfirmation(types.NewIdTagInfo(types.AuthorizationStatusAccepted)), nil
}

func (c *Client) handleGetConfiguration(payload json.RawMessage) (interface{}, *callError) {
	var req core.GetConfigurationRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, &callError{Code: errorCodeFormationViolation, Description: err.Error()}
	}

	var keysToReturn, unknown []string
	if len(req.Key) == 0 {
		for _, k := range knownConfigKeyOrder {
			if _, ok := c.cp.ConfigValue(k); ok {
				keysToReturn = append(keysToReturn, k)
			}
		}
		if len(keysToReturn) == 0 {
			keysToReturn = knownConfigKeyOrder
		}
	} else {
		for _, k := range req.Key {
			if knownConfigKeys[k] {
				keysToReturn = append(keysToReturn, k)
			} else {
				unknown = append(unknown, k)
			}
		}
	}

	confirmation := core.NewGetConfigurationConfirmation(nil)
	for _, k := range keysToReturn {
		entry := core.ConfigurationKey{Key: k, Readonly: false}
		if v, ok := c.cp.ConfigValue(k); ok {
			s := configValueString(v)
			entry.Value = &s
		}
		confirmation.ConfigurationKey = append(confirmation.ConfigurationKey, entry)
	}
	confirmation.UnknownKey = unknown
	return confirmation, nil
}

func (c *Client) handleChangeConfiguration(payload json.RawMessage) (interface{}, *callError) {
	var req core.ChangeConfigurationRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, &callError{Code: errorCodeFormationViolation, Description: err.Error()}
	}
	if !knownConfigKeys[req.Key] {
		return core.NewChangeConfigurationConfirmation(core.ConfigurationStatusNotSupported), nil
	}

	var parsed interface{}
	switch {
	case intConfigKeys[req.Key]:
		n, err := strconv.Atoi(req.Value)
		if err != nil {
			return core.NewChangeConfigurationConfirmation(core.ConfigurationStatusRejected), nil
		}
		parsed = n
	case boolConfigKeys[req.Key]:
		switch strings.ToLower(strings.TrimSpace(req.Value)) {
		case "true", "1", "yes":
			parsed = true
		case "false", "0", "no":
			parsed = false
		default:
			return core.NewChangeConfigurationConfirmation(core.ConfigurationStatusRejected), nil
		}
	case req.Key == "voltage_V":
		f, err := strconv.ParseFloat(req.Value, 64)
		if err != nil {
			return core.NewChangeConfigurationConfirmation(core.ConfigurationStatusRejected), nil
		}
		parsed = f
	default:
		return core.NewChangeConfigurationConfirmation(core.ConfigurationStatusNotSupported), nil
	}

	c.cp.SetConfigValue(req.Key, parsed)
	// Persistence is best-effort: a storage hiccup must not fail the CSMS
	// transaction, so it runs detached and errors only get logged.
	go func(key string, value interface{}) {
		if err := c.persister.PersistConfig(c.cp.ChargePointID, map[string]interface{}{key: value}); err != nil {
			c.log.Warnf("config change %s not persisted: %v", key, err)
		}
	}(req.Key, parsed)
	return core.NewChangeConfigurationConfirmation(core.ConfigurationStatusAccepted), nil
}

func (c *Client) handleSetChargingProfile(payload json.RawMessage) (interface{}, *callError) {
	var req smartcharging.SetChargingProfileRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, &callError{Code: errorCodeFormationViolation, Description: err.Error()}
	}
	evse := c.cp.GetEVSE(req.ConnectorId)
	if evse == nil || req.ChargingProfile == nil {
		return smartcharging.NewSetChargingProfileConfirmation(smartcharging.ChargingProfileStatusRejected), nil
	}
	schedule := req.ChargingProfile.ChargingSchedule
	if schedule == nil || len(schedule.ChargingSchedulePeriod) == 0 {
		return smartcharging.NewSetChargingProfileConfirmation(smartcharging.ChargingProfileStatusRejected), nil
	}

	limit := schedule.ChargingSchedulePeriod[0].Limit
	if schedule.ChargingRateUnit == types.ChargingRateUnitAmperes {
		// Amp limits convert through the connector's present voltage.
		if evse.PowerType() == simulator.PowerTypeAC {
			limit = simulator.ACCurrentToPowerW(limit)
		} else {
			limit = limit * evse.VoltageV()
		}
	}
	evse.SetOfferedLimitW(limit)
	c.log.WithField("message", smartcharging.SetChargingProfileFeatureName).
		Infof("connector %d offered limit now %.0f W", evse.ID, limit)
	return smartcharging.NewSetChargingProfileConfirmation(smartcharging.ChargingProfileStatusAccepted), nil
}

// handleRemoteStartTransaction schedules the start flow on its own goroutine:
// the flow exchanges further calls that this receive loop must stay free to
// correlate.
func (c *Client) handleRemoteStartTransaction(payload json.RawMessage) (interface{}, *callError) {
	var req core.RemoteStartTransactionRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, &callError{Code: errorCodeFormationViolation, Description: err.Error()}
	}
	if req.IdTag == "" {
		return nil, &callError{Code: errorCodeFormationViolation, Description: "idTag is required"}
	}

	var evse *simulator.EVSE
	if req.ConnectorId != nil {
		evse = c.cp.GetEVSE(*req.ConnectorId)
	} else {
		for _, e := range c.cp.EVSEs() {
			if _, open := e.TransactionID(); !open && e.State() == simulator.StateAvailable {
				evse = e
				break
			}
		}
	}
	if evse == nil {
		return core.NewRemoteStartTransactionConfirmation(types.RemoteStartStopStatusRejected), nil
	}
	if _, open := evse.TransactionID(); open {
		return core.NewRemoteStartTransactionConfirmation(types.RemoteStartStopStatusRejected), nil
	}

	connectorID := evse.ID
	go c.StartTransaction(connectorID, req.IdTag, nil, nil)
	return core.NewRemoteStartTransactionConfirmation(types.RemoteStartStopStatusAccepted), nil
}

// handleRemoteStopTransaction schedules the stop flow for the same reason as
// remote start.
func (c *Client) handleRemoteStopTransaction(payload json.RawMessage) (interface{}, *callError) {
	var req core.RemoteStopTransactionRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, &callError{Code: errorCodeFormationViolation, Description: err.Error()}
	}
	evse := c.cp.GetEVSEByTransactionID(req.TransactionId)
	if evse == nil {
		return core.NewRemoteStopTransactionConfirmation(types.RemoteStartStopStatusRejected), nil
	}
	connectorID := evse.ID
	go c.StopTransaction(connectorID, string(core.ReasonRemote))
	return core.NewRemoteStopTransactionConfirmation(types.RemoteStartStopStatusAccepted), nil
}
