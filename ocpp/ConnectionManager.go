package ocpp

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"cp_simulator/notifier"
	"cp_simulator/simulator"
)

const (
	defaultBaseDelay = 2 * time.Second
	defaultMaxDelay  = 60 * time.Second
)

// Manager opens and supervises OCPP sessions, one connect loop per charge
// point. A dropped or failed connection is retried with exponential backoff:
// the delay starts at BaseDelay, doubles on every failure and is capped at
// MaxDelay; any successful connect resets it.
type Manager struct {
	Dialer      Dialer
	Resolver    simulator.VehicleResolver
	Persister   simulator.ConfigPersister
	Events      chan notifier.Notification
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	CallTimeout time.Duration

	sleep func(time.Duration)

	mu    sync.Mutex
	loops map[string]chan struct{}
}

func NewManager(dialer Dialer, resolver simulator.VehicleResolver, persister simulator.ConfigPersister,
	events chan notifier.Notification) *Manager {

	return &Manager{
		Dialer:    dialer,
		Resolver:  resolver,
		Persister: persister,
		Events:    events,
		BaseDelay: defaultBaseDelay,
		MaxDelay:  defaultMaxDelay,
		sleep:     time.Sleep,
		loops:     make(map[string]chan struct{}),
	}
}

// Connect starts the supervision loop for a charge point. It returns
// immediately; connection state is observable via cp.Connected(). Calling
// Connect on an actively supervised charge point is a no-op; calling it while
// the previous loop is still winding down after Disconnect re-arms
// supervision as soon as that loop has exited.
func (m *Manager) Connect(cp *simulator.ChargePoint, url, basicAuthPassword string) {
	m.mu.Lock()
	if done, running := m.loops[cp.ChargePointID]; running {
		stopping := cp.StopConnectRequested()
		m.mu.Unlock()
		if stopping {
			go func() {
				<-done
				m.Connect(cp, url, basicAuthPassword)
			}()
		}
		return
	}
	cp.ClearStopConnect()
	cp.SetSupervised(true)
	done := make(chan struct{})
	m.loops[cp.ChargePointID] = done
	m.mu.Unlock()

	go func() {
		defer func() {
			m.mu.Lock()
			delete(m.loops, cp.ChargePointID)
			m.mu.Unlock()
			cp.SetSupervised(false)
			close(done)
		}()
		m.connectLoop(cp, url, basicAuthPassword)
	}()
}

// Disconnect stops the supervision loop and closes the live session, if any.
func (m *Manager) Disconnect(cp *simulator.ChargePoint) {
	cp.RequestStopConnect()
	if client := cp.Client(); client != nil {
		client.Close()
	}
}

func (m *Manager) connectLoop(cp *simulator.ChargePoint, url, basicAuthPassword string) {
	log := logrus.WithField("client", cp.ChargePointID)
	delay := m.BaseDelay
	for !cp.StopConnectRequested() {
		conn, err := m.Dialer.Dial(url, DialOptions{
			BasicAuthUser:     cp.ChargePointID,
			BasicAuthPassword: basicAuthPassword,
		})
		if err != nil {
			if cp.StopConnectRequested() {
				continue
			}
			log.Warnf("connect to %s failed, retrying in %s: %v", url, delay, err)
			m.sleep(delay)
			delay *= 2
			if delay > m.MaxDelay {
				delay = m.MaxDelay
			}
			continue
		}
		delay = m.BaseDelay

		cp.ClearLog()
		client, err := newClient(cp, newLoggingConn(conn, cp), m.Resolver, m.Persister, m.Events, m.CallTimeout)
		if err != nil {
			conn.Close()
			log.Errorf("session setup failed: %v", err)
			return
		}
		cp.AttachClient(client)
		log.Infof("connected to %s", url)

		ctx, cancel := context.WithCancel(context.Background())
		go client.bootstrap()
		go client.heartbeatLoop(ctx)

		err = client.Run()
		cancel()
		client.stopMeterLoops()
		cp.DetachClient()
		client.Close()
		if cp.StopConnectRequested() {
			continue
		}
		// A session that ended, cleanly or not, goes through the same
		// backoff before the next attempt.
		log.Warnf("session ended, reconnecting in %s: %v", delay, err)
		m.sleep(delay)
		delay *= 2
		if delay > m.MaxDelay {
			delay = m.MaxDelay
		}
	}
	log.Info("supervision stopped")
}
