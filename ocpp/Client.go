package ocpp

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/smartcharging"
	"github.com/sirupsen/logrus"

	"cp_simulator/notifier"
	"cp_simulator/simulator"
)

// request is satisfied by every ocpp-go request struct.
type request interface {
	GetFeatureName() string
}

// inboundHandler processes one inbound call and returns either a result
// payload or a protocol-level error.
type inboundHandler func(payload json.RawMessage) (interface{}, *callError)

// supportedInboundActions declares the CSMS-initiated actions this simulator
// answers. The handler table is checked against it at construction.
var supportedInboundActions = []string{
	core.AuthorizeFeatureName,
	core.GetConfigurationFeatureName,
	core.ChangeConfigurationFeatureName,
	smartcharging.SetChargingProfileFeatureName,
	core.RemoteStartTransactionFeatureName,
	core.RemoteStopTransactionFeatureName,
}

const defaultCallTimeout = 30 * time.Second

type callOutcome struct {
	payload json.RawMessage
	err     *callError
}

// Client is one protocol session: bound to exactly one charge point and one
// transport connection. Outbound calls are correlated to their responses by
// unique id; inbound calls are dispatched through a static action table.
type Client struct {
	cp   *simulator.ChargePoint
	conn Conn
	log  *logrus.Entry

	resolver  simulator.VehicleResolver
	persister simulator.ConfigPersister
	events    chan<- notifier.Notification

	callTimeout time.Duration

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan callOutcome

	meterMu    sync.Mutex
	meterLoops map[int]*simulator.MeterLoop

	handlers map[string]inboundHandler

	closeOnce sync.Once
	closed    chan struct{}
}

func newClient(cp *simulator.ChargePoint, conn Conn, resolver simulator.VehicleResolver,
	persister simulator.ConfigPersister, events chan<- notifier.Notification,
	callTimeout time.Duration) (*Client, error) {

	if resolver == nil {
		resolver = simulator.UnknownVehicleResolver{}
	}
	if persister == nil {
		persister = simulator.NopConfigPersister{}
	}
	if callTimeout <= 0 {
		callTimeout = defaultCallTimeout
	}
	c := &Client{
		cp:          cp,
		conn:        conn,
		log:         logrus.WithField("client", cp.ChargePointID),
		resolver:    resolver,
		persister:   persister,
		events:      events,
		callTimeout: callTimeout,
		pending:     make(map[string]chan callOutcome),
		meterLoops:  make(map[int]*simulator.MeterLoop),
		closed:      make(chan struct{}),
	}
	c.handlers = map[string]inboundHandler{
		core.AuthorizeFeatureName:                   c.handleAuthorize,
		core.GetConfigurationFeatureName:            c.handleGetConfiguration,
		core.ChangeConfigurationFeatureName:         c.handleChangeConfiguration,
		smartcharging.SetChargingProfileFeatureName: c.handleSetChargingProfile,
		core.RemoteStartTransactionFeatureName:      c.handleRemoteStartTransaction,
		core.RemoteStopTransactionFeatureName:       c.handleRemoteStopTransaction,
	}
	for _, action := range supportedInboundActions {
		if c.handlers[action] == nil {
			return nil, fmt.Errorf("no handler registered for declared action %s", action)
		}
	}
	return c, nil
}

// Connected reports whether the session is still live.
func (c *Client) Connected() bool {
	select {
	case <-c.closed:
		return false
	default:
		return true
	}
}

// Close tears the transport down; Run returns shortly after.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}

// Run is the receive loop. Command handlers execute sequentially here; only
// remote start/stop schedule their multi-step flows onto separate goroutines.
// Returns the read error that ended the session.
func (c *Client) Run() error {
	defer c.closeOnce.Do(func() { close(c.closed) })
	for {
		data, err := c.conn.ReadMessage()
		if err != nil {
			c.failPending()
			return err
		}
		f, err := parseFrame(data)
		if err != nil {
			c.log.Warnf("dropping unparsable message: %v", err)
			continue
		}
		switch f.TypeID {
		case messageTypeCall:
			c.dispatch(f)
		case messageTypeCallResult:
			c.resolve(f.UniqueID, callOutcome{payload: f.Payload})
		case messageTypeCallError:
			c.resolve(f.UniqueID, callOutcome{err: &callError{Code: f.ErrorCode, Description: f.ErrorDescription}})
		}
	}
}

func (c *Client) dispatch(f *frame) {
	handler, ok := c.handlers[f.Action]
	if !ok {
		c.replyError(f.UniqueID, &callError{Code: errorCodeNotSupported,
			Description: fmt.Sprintf("action %s not supported", f.Action)})
		return
	}
	result, cerr := handler(f.Payload)
	if cerr != nil {
		c.replyError(f.UniqueID, cerr)
		return
	}
	data, err := marshalCallResult(f.UniqueID, result)
	if err != nil {
		c.replyError(f.UniqueID, &callError{Code: errorCodeInternalError, Description: err.Error()})
		return
	}
	if err := c.send(data); err != nil {
		c.log.Warnf("could not send %s result: %v", f.Action, err)
	}
}

func (c *Client) replyError(uniqueID string, cerr *callError) {
	data, err := marshalCallError(uniqueID, cerr.Code, cerr.Description)
	if err != nil {
		return
	}
	if err := c.send(data); err != nil {
		c.log.Warnf("could not send call error: %v", err)
	}
}

func (c *Client) send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(data)
}

// call sends an outbound request and blocks until the correlated response
// arrives, the timeout fires, or the session ends. The confirmation is
// decoded in place.
func (c *Client) call(req request, confirmation interface{}) error {
	uniqueID := uuid.NewString()
	outcome := make(chan callOutcome, 1)

	c.pendingMu.Lock()
	c.pending[uniqueID] = outcome
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, uniqueID)
		c.pendingMu.Unlock()
	}()

	data, err := marshalCall(uniqueID, req.GetFeatureName(), req)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", req.GetFeatureName(), err)
	}
	if err := c.send(data); err != nil {
		return fmt.Errorf("send %s: %w", req.GetFeatureName(), err)
	}

	select {
	case out := <-outcome:
		if out.err != nil {
			return fmt.Errorf("%s rejected: %s (%s)", req.GetFeatureName(), out.err.Code, out.err.Description)
		}
		if confirmation == nil {
			return nil
		}
		if err := json.Unmarshal(out.payload, confirmation); err != nil {
			return fmt.Errorf("decode %s confirmation: %w", req.GetFeatureName(), err)
		}
		return nil
	case <-time.After(c.callTimeout):
		return fmt.Errorf("%s: no response within %s", req.GetFeatureName(), c.callTimeout)
	case <-c.closed:
		return fmt.Errorf("%s: session closed", req.GetFeatureName())
	}
}

func (c *Client) resolve(uniqueID string, out callOutcome) {
	c.pendingMu.Lock()
	ch, ok := c.pending[uniqueID]
	if ok {
		delete(c.pending, uniqueID)
	}
	c.pendingMu.Unlock()
	if !ok {
		c.log.Warnf("response for unknown message id %s", uniqueID)
		return
	}
	ch <- out
}

// failPending unblocks every caller still waiting when the session dies.
func (c *Client) failPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		delete(c.pending, id)
		ch <- callOutcome{err: &callError{Code: errorCodeInternalError, Description: "connection lost"}}
	}
}

// registerMeterLoop tracks the running loop for a connector.
func (c *Client) registerMeterLoop(connectorID int, loop *simulator.MeterLoop) {
	c.meterMu.Lock()
	defer c.meterMu.Unlock()
	c.meterLoops[connectorID] = loop
}

// takeMeterLoop removes and returns the loop for a connector, if any.
func (c *Client) takeMeterLoop(connectorID int) *simulator.MeterLoop {
	c.meterMu.Lock()
	defer c.meterMu.Unlock()
	loop := c.meterLoops[connectorID]
	delete(c.meterLoops, connectorID)
	return loop
}

// stopMeterLoops stops every running loop and waits for each to exit. Used
// on session teardown.
func (c *Client) stopMeterLoops() {
	c.meterMu.Lock()
	loops := make([]*simulator.MeterLoop, 0, len(c.meterLoops))
	for id, loop := range c.meterLoops {
		loops = append(loops, loop)
		delete(c.meterLoops, id)
	}
	c.meterMu.Unlock()
	for _, loop := range loops {
		loop.Stop()
	}
}

// notify publishes an event to the operator bus without ever blocking the
// protocol path.
func (c *Client) notify(topic string, data map[string]interface{}) {
	if c.events == nil {
		return
	}
	if data == nil {
		data = map[string]interface{}{}
	}
	data["chargePointId"] = c.cp.ChargePointID
	select {
	case c.events <- notifier.Notification{Topic: topic, Data: data}:
	default:
	}
}
