package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"cp_simulator/actions"
	"cp_simulator/notifier"
	natsnotifier "cp_simulator/notifier/nats"
	"cp_simulator/ocpp"
	"cp_simulator/persistence"
	"cp_simulator/scenario"
	"cp_simulator/simulator"
)

const (
	defaultSqlitePath = "cp_simulator.db"

	envVarNatsUrl    = "NATS_URL"
	envVarSqlitePath = "SQLITE_PATH"
	envVarLogLevel   = "LOG_LEVEL"
)

const (
	CHARGER_CREATE     = "charger.create"
	CHARGER_GET        = "charger.get"
	CHARGER_CONNECT    = "charger.connect"
	CHARGER_DISCONNECT = "charger.disconnect"
	TRANSACTION_START  = "transaction.start"
	TRANSACTION_STOP   = "transaction.stop"
	STATUS_INJECT      = "status.inject"
	LOG_GET            = "log.get"
	LOG_CLEAR          = "log.clear"
	SCENARIO_RUSH      = "scenario.rush.start"
	SCENARIO_STATUS    = "scenario.status"
	SCENARIO_CANCEL    = "scenario.cancel"
)

var log *logrus.Logger

func main() {
	sqlitePath, ok := os.LookupEnv(envVarSqlitePath)
	if !ok {
		sqlitePath = defaultSqlitePath
	}
	configStore, err := persistence.Open(sqlitePath)
	if err != nil {
		log.Fatalf("couldn't open config store at %v: %v", sqlitePath, err)
	}

	store := simulator.NewStore()
	store.SeedDefault()

	events := make(chan notifier.Notification, 64)
	manager := ocpp.NewManager(ocpp.NewWebSocketDialer(), nil, configStore, events)
	engine := scenario.NewEngine(store, manager)

	natsUrl, _ := os.LookupEnv(envVarNatsUrl)
	natsNotifier := natsnotifier.New(natsUrl)
	natsNotifier.SetChannel(events)
	natsNotifier.SetTimeout(3 * time.Minute)
	log.Printf("request timeout: %v", natsNotifier.Timeout().String())

	chargerActions := actions.InitializeChargerActions(store, manager, configStore)
	scenarioActions := actions.InitializeScenarioActions(engine)

	natsNotifier.AddHandler(CHARGER_CREATE, chargerActions.Create)
	natsNotifier.AddHandler(CHARGER_GET, chargerActions.Get)
	natsNotifier.AddHandler(CHARGER_CONNECT, chargerActions.Connect)
	natsNotifier.AddHandler(CHARGER_DISCONNECT, chargerActions.Disconnect)
	natsNotifier.AddHandler(TRANSACTION_START, chargerActions.TransactionStart)
	natsNotifier.AddHandler(TRANSACTION_STOP, chargerActions.TransactionStop)
	natsNotifier.AddHandler(STATUS_INJECT, chargerActions.StatusInject)
	natsNotifier.AddHandler(LOG_GET, chargerActions.LogGet)
	natsNotifier.AddHandler(LOG_CLEAR, chargerActions.LogClear)

	natsNotifier.AddHandler(SCENARIO_RUSH, scenarioActions.RushStart)
	natsNotifier.AddHandler(SCENARIO_STATUS, scenarioActions.Status)
	natsNotifier.AddHandler(SCENARIO_CANCEL, scenarioActions.Cancel)

	natsNotifier.Start()
	defer natsNotifier.Stop()

	log.Info("charge point simulator started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	for _, cp := range store.All() {
		manager.Disconnect(cp)
	}
	log.Info("stopped charge point simulator")
}

func init() {
	log = logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	log.SetLevel(logrus.InfoLevel)
	if level, ok := os.LookupEnv(envVarLogLevel); ok {
		if parsed, err := logrus.ParseLevel(level); err == nil {
			log.SetLevel(parsed)
		}
	}
}
