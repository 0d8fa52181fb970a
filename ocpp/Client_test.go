package ocpp

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cp_simulator/simulator"
)

type fakeConn struct {
	in  chan []byte
	out chan []byte

	once   sync.Once
	closed chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.closed:
		return nil, errors.New("connection closed")
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	select {
	case c.out <- data:
		return nil
	case <-c.closed:
		return errors.New("connection closed")
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// scriptedCSMS plays the central system: it answers every outbound call with
// a canned confirmation and records the calls it saw. It is the only reader
// of the connection's outbound side; the client's responses to injected
// commands are forwarded on replies.
type scriptedCSMS struct {
	conn    *fakeConn
	replies chan *frame

	mu    sync.Mutex
	calls []*frame

	// respond overrides the canned response for an action. A nil result
	// means "do not answer at all".
	respond map[string]interface{}
}

func newScriptedCSMS(conn *fakeConn) *scriptedCSMS {
	s := &scriptedCSMS{
		conn:    conn,
		replies: make(chan *frame, 16),
		respond: map[string]interface{}{},
	}
	go s.loop()
	return s
}

func (s *scriptedCSMS) loop() {
	for {
		var data []byte
		select {
		case data = <-s.conn.out:
		case <-s.conn.closed:
			return
		}
		f, err := parseFrame(data)
		if err != nil {
			continue
		}
		if f.TypeID != messageTypeCall {
			select {
			case s.replies <- f:
			default:
			}
			continue
		}
		s.mu.Lock()
		s.calls = append(s.calls, f)
		override, hasOverride := s.respond[f.Action]
		s.mu.Unlock()

		var payload interface{}
		if hasOverride {
			if override == nil {
				continue
			}
			payload = override
		} else {
			payload = defaultConfirmation(f.Action)
		}
		resp, err := marshalCallResult(f.UniqueID, payload)
		if err != nil {
			continue
		}
		select {
		case s.conn.in <- resp:
		case <-s.conn.closed:
			return
		}
	}
}

func defaultConfirmation(action string) interface{} {
	switch action {
	case "BootNotification":
		return map[string]interface{}{
			"status":      "Accepted",
			"currentTime": time.Now().UTC().Format(time.RFC3339),
			"interval":    300,
		}
	case "Authorize":
		return map[string]interface{}{"idTagInfo": map[string]interface{}{"status": "Accepted"}}
	case "StartTransaction":
		return map[string]interface{}{
			"idTagInfo":     map[string]interface{}{"status": "Accepted"},
			"transactionId": 1001,
		}
	case "StopTransaction":
		return map[string]interface{}{"idTagInfo": map[string]interface{}{"status": "Accepted"}}
	case "Heartbeat":
		return map[string]interface{}{"currentTime": time.Now().UTC().Format(time.RFC3339)}
	default:
		return map[string]interface{}{}
	}
}

func (s *scriptedCSMS) setResponse(action string, payload interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.respond[action] = payload
}

func (s *scriptedCSMS) callsFor(action string) []*frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*frame
	for _, f := range s.calls {
		if f.Action == action {
			out = append(out, f)
		}
	}
	return out
}

func testChargePoint(connectors int, pt simulator.PowerType) *simulator.ChargePoint {
	return simulator.NewChargePoint(simulator.ChargePointInfo{
		ChargePointID:  "CP_TEST",
		LocationID:     "LOC_1",
		PowerType:      pt,
		ConnectorCount: connectors,
	})
}

func newTestClient(t *testing.T, cp *simulator.ChargePoint) (*Client, *fakeConn, *scriptedCSMS) {
	t.Helper()
	conn := newFakeConn()
	client, err := newClient(cp, conn, nil, nil, nil, 2*time.Second)
	require.NoError(t, err)
	csms := newScriptedCSMS(conn)
	go client.Run()
	t.Cleanup(func() {
		client.stopMeterLoops()
		client.Close()
	})
	return client, conn, csms
}

// sendCommand injects an inbound CSMS call and waits for the correlated
// response from the client.
func sendCommand(t *testing.T, conn *fakeConn, csms *scriptedCSMS, action string, payload interface{}) *frame {
	t.Helper()
	data, err := marshalCall("cmd-1", action, payload)
	require.NoError(t, err)
	conn.in <- data

	deadline := time.After(2 * time.Second)
	for {
		select {
		case f := <-csms.replies:
			if f.UniqueID == "cmd-1" {
				return f
			}
		case <-deadline:
			t.Fatalf("no response to %s command", action)
			return nil
		}
	}
}

func awaitState(t *testing.T, evse *simulator.EVSE, want simulator.EvseState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for evse.State() != want {
		if time.Now().After(deadline) {
			t.Fatalf("connector %d stuck in %s, want %s", evse.ID, evse.State(), want)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestUnknownActionGetsNotSupported(t *testing.T) {
	cp := testChargePoint(1, simulator.PowerTypeDC)
	_, conn, csms := newTestClient(t, cp)

	resp := sendCommand(t, conn, csms, "Reset", map[string]interface{}{"type": "Soft"})
	assert.Equal(t, messageTypeCallError, resp.TypeID)
	assert.Equal(t, errorCodeNotSupported, resp.ErrorCode)
}

func TestGetConfigurationFiltered(t *testing.T) {
	cp := testChargePoint(1, simulator.PowerTypeDC)
	_, conn, csms := newTestClient(t, cp)

	resp := sendCommand(t, conn, csms, "GetConfiguration", map[string]interface{}{
		"key": []string{"HeartbeatInterval", "Bogus"},
	})
	require.Equal(t, messageTypeCallResult, resp.TypeID)

	var confirmation struct {
		ConfigurationKey []struct {
			Key      string  `json:"key"`
			Readonly bool    `json:"readonly"`
			Value    *string `json:"value"`
		} `json:"configurationKey"`
		UnknownKey []string `json:"unknownKey"`
	}
	require.NoError(t, json.Unmarshal(resp.Payload, &confirmation))
	require.Len(t, confirmation.ConfigurationKey, 1)
	assert.Equal(t, "HeartbeatInterval", confirmation.ConfigurationKey[0].Key)
	require.NotNil(t, confirmation.ConfigurationKey[0].Value)
	assert.Equal(t, "120", *confirmation.ConfigurationKey[0].Value)
	assert.Equal(t, []string{"Bogus"}, confirmation.UnknownKey)
}

func TestChangeConfigurationRejectsBadValue(t *testing.T) {
	cp := testChargePoint(1, simulator.PowerTypeDC)
	_, conn, csms := newTestClient(t, cp)

	resp := sendCommand(t, conn, csms, "ChangeConfiguration", map[string]interface{}{
		"key":   "HeartbeatInterval",
		"value": "not_a_number",
	})
	require.Equal(t, messageTypeCallResult, resp.TypeID)
	assert.Contains(t, string(resp.Payload), "Rejected")
	assert.Equal(t, 120*time.Second, cp.HeartbeatInterval(), "a rejected change must not touch the config")
}

func TestChangeConfigurationUnknownKey(t *testing.T) {
	cp := testChargePoint(1, simulator.PowerTypeDC)
	_, conn, csms := newTestClient(t, cp)

	resp := sendCommand(t, conn, csms, "ChangeConfiguration", map[string]interface{}{
		"key":   "WebSocketPingInterval",
		"value": "30",
	})
	require.Equal(t, messageTypeCallResult, resp.TypeID)
	assert.Contains(t, string(resp.Payload), "NotSupported")
}

type recordingPersister struct {
	ch chan map[string]interface{}
}

func (p *recordingPersister) PersistConfig(chargePointID string, config map[string]interface{}) error {
	p.ch <- config
	return nil
}

func TestChangeConfigurationAcceptsAndPersists(t *testing.T) {
	cp := testChargePoint(1, simulator.PowerTypeDC)
	conn := newFakeConn()
	persister := &recordingPersister{ch: make(chan map[string]interface{}, 1)}
	client, err := newClient(cp, conn, nil, persister, nil, 2*time.Second)
	require.NoError(t, err)
	csms := newScriptedCSMS(conn)
	go client.Run()
	t.Cleanup(func() { client.Close() })

	resp := sendCommand(t, conn, csms, "ChangeConfiguration", map[string]interface{}{
		"key":   "MeterValuesSampleInterval",
		"value": "5",
	})
	require.Equal(t, messageTypeCallResult, resp.TypeID)
	assert.Contains(t, string(resp.Payload), "Accepted")
	assert.Equal(t, 5*time.Second, cp.MeterSampleInterval())

	select {
	case persisted := <-persister.ch:
		assert.Equal(t, map[string]interface{}{"MeterValuesSampleInterval": 5}, persisted)
	case <-time.After(2 * time.Second):
		t.Fatal("config change was never persisted")
	}
}

func TestSetChargingProfileWatts(t *testing.T) {
	cp := testChargePoint(1, simulator.PowerTypeDC)
	_, conn, csms := newTestClient(t, cp)

	resp := sendCommand(t, conn, csms, "SetChargingProfile", map[string]interface{}{
		"connectorId": 1,
		"csChargingProfiles": map[string]interface{}{
			"chargingProfileId":      1,
			"stackLevel":             0,
			"chargingProfilePurpose": "TxProfile",
			"chargingProfileKind":    "Absolute",
			"chargingSchedule": map[string]interface{}{
				"chargingRateUnit":       "W",
				"chargingSchedulePeriod": []map[string]interface{}{{"startPeriod": 0, "limit": 11000}},
			},
		},
	})
	require.Equal(t, messageTypeCallResult, resp.TypeID)
	assert.Contains(t, string(resp.Payload), "Accepted")
	assert.Equal(t, 11000.0, cp.GetEVSE(1).OfferedLimitW())
}

func TestSetChargingProfileAmperesAC(t *testing.T) {
	cp := testChargePoint(1, simulator.PowerTypeAC)
	_, conn, csms := newTestClient(t, cp)

	resp := sendCommand(t, conn, csms, "SetChargingProfile", map[string]interface{}{
		"connectorId": 1,
		"csChargingProfiles": map[string]interface{}{
			"chargingProfileId":      1,
			"stackLevel":             0,
			"chargingProfilePurpose": "TxProfile",
			"chargingProfileKind":    "Absolute",
			"chargingSchedule": map[string]interface{}{
				"chargingRateUnit":       "A",
				"chargingSchedulePeriod": []map[string]interface{}{{"startPeriod": 0, "limit": 16}},
			},
		},
	})
	require.Equal(t, messageTypeCallResult, resp.TypeID)
	assert.Contains(t, string(resp.Payload), "Accepted")
	assert.InDelta(t, simulator.ACCurrentToPowerW(16), cp.GetEVSE(1).OfferedLimitW(), 0.01)
}

func TestSetChargingProfileRejectsMissingSchedule(t *testing.T) {
	cp := testChargePoint(1, simulator.PowerTypeDC)
	_, conn, csms := newTestClient(t, cp)

	resp := sendCommand(t, conn, csms, "SetChargingProfile", map[string]interface{}{
		"connectorId": 1,
	})
	require.Equal(t, messageTypeCallResult, resp.TypeID)
	assert.Contains(t, string(resp.Payload), "Rejected")
}

func TestStartTransactionFlow(t *testing.T) {
	cp := testChargePoint(2, simulator.PowerTypeDC)
	client, _, csms := newTestClient(t, cp)

	transactionID, ok := client.StartTransaction(1, "TAG-1", nil, nil)
	require.True(t, ok)
	assert.Equal(t, 1001, transactionID)

	evse := cp.GetEVSE(1)
	assert.Equal(t, simulator.StateCharging, evse.State())
	gotTxn, open := evse.TransactionID()
	assert.True(t, open)
	assert.Equal(t, 1001, gotTxn)

	assert.Len(t, csms.callsFor("Authorize"), 1)
	starts := csms.callsFor("StartTransaction")
	require.Len(t, starts, 1)
	var startReq struct {
		ConnectorId int    `json:"connectorId"`
		IdTag       string `json:"idTag"`
		MeterStart  int    `json:"meterStart"`
	}
	require.NoError(t, json.Unmarshal(starts[0].Payload, &startReq))
	assert.Equal(t, 1, startReq.ConnectorId)
	assert.Equal(t, "TAG-1", startReq.IdTag)
	assert.Equal(t, 0, startReq.MeterStart)

	// Preparing then Charging were reported.
	statuses := csms.callsFor("StatusNotification")
	require.GreaterOrEqual(t, len(statuses), 2)
}

func TestStartTransactionSkipsAuthorizeWhenDisabled(t *testing.T) {
	cp := testChargePoint(1, simulator.PowerTypeDC)
	cp.SetConfigValue("OCPPAuthorizationEnabled", false)
	client, _, csms := newTestClient(t, cp)

	_, ok := client.StartTransaction(1, "TAG-1", nil, nil)
	require.True(t, ok)
	assert.Empty(t, csms.callsFor("Authorize"))
}

func TestStartTransactionRejectedReverts(t *testing.T) {
	cp := testChargePoint(1, simulator.PowerTypeDC)
	client, _, csms := newTestClient(t, cp)
	csms.setResponse("StartTransaction", map[string]interface{}{
		"idTagInfo":     map[string]interface{}{"status": "Blocked"},
		"transactionId": 0,
	})

	_, ok := client.StartTransaction(1, "TAG-1", nil, nil)
	assert.False(t, ok)

	evse := cp.GetEVSE(1)
	awaitState(t, evse, simulator.StateAvailable)
	_, open := evse.TransactionID()
	assert.False(t, open)
}

func TestStartTransactionAuthorizeDeniedReverts(t *testing.T) {
	cp := testChargePoint(1, simulator.PowerTypeDC)
	client, _, csms := newTestClient(t, cp)
	csms.setResponse("Authorize", map[string]interface{}{
		"idTagInfo": map[string]interface{}{"status": "Invalid"},
	})

	_, ok := client.StartTransaction(1, "TAG-1", nil, nil)
	assert.False(t, ok)
	awaitState(t, cp.GetEVSE(1), simulator.StateAvailable)
	assert.Empty(t, csms.callsFor("StartTransaction"))
}

func TestStartTransactionBusyConnector(t *testing.T) {
	cp := testChargePoint(1, simulator.PowerTypeDC)
	client, _, _ := newTestClient(t, cp)

	_, ok := client.StartTransaction(1, "TAG-1", nil, nil)
	require.True(t, ok)

	_, ok = client.StartTransaction(1, "TAG-2", nil, nil)
	assert.False(t, ok, "a connector with an open transaction must refuse a second one")
}

func TestStopTransactionFlow(t *testing.T) {
	cp := testChargePoint(1, simulator.PowerTypeDC)
	client, _, csms := newTestClient(t, cp)

	_, ok := client.StartTransaction(1, "TAG-1", nil, nil)
	require.True(t, ok)

	require.True(t, client.StopTransaction(1, "Remote"))

	evse := cp.GetEVSE(1)
	assert.Equal(t, simulator.StateAvailable, evse.State())
	_, open := evse.TransactionID()
	assert.False(t, open)

	stops := csms.callsFor("StopTransaction")
	require.Len(t, stops, 1)
	var stopReq struct {
		TransactionId int    `json:"transactionId"`
		Reason        string `json:"reason"`
	}
	require.NoError(t, json.Unmarshal(stops[0].Payload, &stopReq))
	assert.Equal(t, 1001, stopReq.TransactionId)
	assert.Equal(t, "Remote", stopReq.Reason)

	assert.False(t, client.StopTransaction(1, "Remote"), "no transaction left to stop")
}

func TestRemoteStartTransaction(t *testing.T) {
	cp := testChargePoint(2, simulator.PowerTypeDC)
	_, conn, csms := newTestClient(t, cp)

	resp := sendCommand(t, conn, csms, "RemoteStartTransaction", map[string]interface{}{"idTag": "TAG-9"})
	require.Equal(t, messageTypeCallResult, resp.TypeID)
	assert.Contains(t, string(resp.Payload), "Accepted")

	// The flow continues asynchronously after the Accepted response.
	awaitState(t, cp.GetEVSE(1), simulator.StateCharging)
	assert.Equal(t, "TAG-9", cp.GetEVSE(1).IdTag())
}

func TestRemoteStartTransactionRequiresIdTag(t *testing.T) {
	cp := testChargePoint(1, simulator.PowerTypeDC)
	_, conn, csms := newTestClient(t, cp)

	resp := sendCommand(t, conn, csms, "RemoteStartTransaction", map[string]interface{}{})
	assert.Equal(t, messageTypeCallError, resp.TypeID)
	assert.Equal(t, errorCodeFormationViolation, resp.ErrorCode)
}

func TestRemoteStartTransactionRejectedWhenNoConnectorFree(t *testing.T) {
	cp := testChargePoint(1, simulator.PowerTypeDC)
	client, conn, csms := newTestClient(t, cp)

	_, ok := client.StartTransaction(1, "TAG-1", nil, nil)
	require.True(t, ok)

	resp := sendCommand(t, conn, csms, "RemoteStartTransaction", map[string]interface{}{"idTag": "TAG-2"})
	require.Equal(t, messageTypeCallResult, resp.TypeID)
	assert.Contains(t, string(resp.Payload), "Rejected")
}

func TestRemoteStopTransaction(t *testing.T) {
	cp := testChargePoint(1, simulator.PowerTypeDC)
	client, conn, csms := newTestClient(t, cp)

	transactionID, ok := client.StartTransaction(1, "TAG-1", nil, nil)
	require.True(t, ok)

	resp := sendCommand(t, conn, csms, "RemoteStopTransaction", map[string]interface{}{
		"transactionId": transactionID,
	})
	require.Equal(t, messageTypeCallResult, resp.TypeID)
	assert.Contains(t, string(resp.Payload), "Accepted")

	awaitState(t, cp.GetEVSE(1), simulator.StateAvailable)
}

func TestRemoteStopTransactionUnknownId(t *testing.T) {
	cp := testChargePoint(1, simulator.PowerTypeDC)
	_, conn, csms := newTestClient(t, cp)

	resp := sendCommand(t, conn, csms, "RemoteStopTransaction", map[string]interface{}{
		"transactionId": 424242,
	})
	require.Equal(t, messageTypeCallResult, resp.TypeID)
	assert.Contains(t, string(resp.Payload), "Rejected")
}

func TestSendMeterValuesPayload(t *testing.T) {
	cp := testChargePoint(1, simulator.PowerTypeDC)
	client, _, csms := newTestClient(t, cp)

	soc := 43.5
	reading := simulator.MeterReading{
		Timestamp:     time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC),
		ConnectorID:   1,
		TransactionID: 1001,
		EnergyWh:      1500.4,
		PowerW:        50000,
		CurrentA:      120.66,
		SoCPct:        &soc,
	}
	require.NoError(t, client.sendMeterValues(reading))

	calls := csms.callsFor("MeterValues")
	require.Len(t, calls, 1)

	var req struct {
		ConnectorId   int  `json:"connectorId"`
		TransactionId *int `json:"transactionId"`
		MeterValue    []struct {
			Timestamp    string `json:"timestamp"`
			SampledValue []struct {
				Value     string `json:"value"`
				Measurand string `json:"measurand"`
				Unit      string `json:"unit"`
			} `json:"sampledValue"`
		} `json:"meterValue"`
	}
	require.NoError(t, json.Unmarshal(calls[0].Payload, &req))
	assert.Equal(t, 1, req.ConnectorId)
	require.NotNil(t, req.TransactionId)
	assert.Equal(t, 1001, *req.TransactionId)
	require.Len(t, req.MeterValue, 1)
	assert.Contains(t, req.MeterValue[0].Timestamp, "2026-08-30T12:00:00")

	values := map[string]string{}
	for _, sv := range req.MeterValue[0].SampledValue {
		values[sv.Measurand] = sv.Value
	}
	assert.Equal(t, "1500", values["Energy.Active.Import.Register"])
	assert.Equal(t, "50000", values["Power.Active.Import"])
	assert.Equal(t, "120.7", values["Current.Import"])
	assert.Equal(t, "43.5", values["SoC"])
}

func TestCallTimesOutWithoutResponse(t *testing.T) {
	cp := testChargePoint(1, simulator.PowerTypeDC)
	conn := newFakeConn()
	client, err := newClient(cp, conn, nil, nil, nil, 50*time.Millisecond)
	require.NoError(t, err)
	go client.Run()
	t.Cleanup(func() { client.Close() })

	err = client.ReportStatus(1, "", "", "")
	assert.Error(t, err)
}

func TestCloseFailsPendingCalls(t *testing.T) {
	cp := testChargePoint(1, simulator.PowerTypeDC)
	conn := newFakeConn()
	client, err := newClient(cp, conn, nil, nil, nil, 10*time.Second)
	require.NoError(t, err)
	go client.Run()

	done := make(chan error, 1)
	go func() {
		done <- client.ReportStatus(1, "", "", "")
	}()
	// Wait for the call to be in flight, then kill the connection.
	select {
	case <-conn.out:
	case <-time.After(2 * time.Second):
		t.Fatal("call was never sent")
	}
	client.Close()

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("pending call never unblocked after close")
	}
}
