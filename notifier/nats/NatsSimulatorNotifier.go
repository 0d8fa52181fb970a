package notifier

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"

	"cp_simulator/common"
	"cp_simulator/notifier"
)

func init() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetOutput(os.Stdout)
}

// Function handles one bus command. The target is the charge point id or,
// for scenario commands, the location id.
type Function func(string, []byte, chan common.Response)

type natsSimulatorNotifier struct {
	notification chan notifier.Notification
	connection   *nats.Conn
	url          string
	handlers     map[string]Function
	timeout      time.Duration
}

func (nsn *natsSimulatorNotifier) SetTimeout(timeout time.Duration) {
	nsn.timeout = timeout
}

func (nsn natsSimulatorNotifier) Timeout() time.Duration {
	return nsn.timeout
}

func (nsn *natsSimulatorNotifier) AddHandler(action string, fn Function) {
	nsn.handlers[action] = fn
}

func (nsn *natsSimulatorNotifier) SetChannel(notification chan notifier.Notification) {
	nsn.notification = notification
}

func (nsn natsSimulatorNotifier) notificationFromSimulator() {
	for {
		n := <-nsn.notification
		bt, err := json.Marshal(n.Data)

		if err != nil {
			log.Error(err)
		} else {
			nsn.connection.Publish(n.Topic, bt)
		}
	}
}

// request/reply pattern on the "request" subject.
func (nsn *natsSimulatorNotifier) requestHandler() {

	var Validator = validator.New()

	nsn.connection.Subscribe("request", func(m *nats.Msg) {

		var command common.Command
		json.Unmarshal(m.Data, &command)
		log.Printf("RequestHandler, %+v", string(m.Data))
		validate := Validator.Struct(&command)

		if validate != nil {
			bt, _ := json.Marshal(common.Response{
				Err: &common.Error{
					Code:    "command.format.not.valid",
					Message: "The command is not valid",
				},
			})
			log.Errorf("%v", bt)
			m.Respond(bt)
			return
		}

		fn, exists := nsn.handlers[command.Action]

		if !exists {
			bt, _ := json.Marshal(common.Response{
				Err: &common.Error{
					Code:    "command.action.not.found",
					Message: fmt.Sprintf("Unknown action \"%v\"", command.Action),
				},
			})
			log.Errorf("%v", bt)
			m.Respond(bt)
			return
		}

		target := command.ChargePointId
		if target == "" {
			target = command.LocationId
		}

		var responseChannel chan common.Response = make(chan common.Response)
		payload, _ := json.Marshal(command.Payload)

		go fn(target, payload, responseChannel)

		select {
		case response := <-responseChannel:
			bt, _ := json.Marshal(response)
			log.Printf("RequestHandler => Response, %v", string(bt))
			m.Respond(bt)
		case <-time.After(nsn.timeout):
			bt, _ := json.Marshal(common.Response{
				Err: &common.Error{
					Code:    "request.timeout",
					Message: "The request timed out",
				},
			})
			log.Errorf("%v", bt)
			m.Respond(bt)
		}
	})
}

func (nsn *natsSimulatorNotifier) Start() {

	nc, err := nats.Connect(nsn.url)
	if err != nil {
		log.Fatal(err)
	}
	nsn.connection = nc
	go nsn.notificationFromSimulator()
	go nsn.requestHandler()
}

func (nsn *natsSimulatorNotifier) Stop() {
	if nsn.connection != nil {
		nsn.connection.Close()
		log.Info("NatsStopped")
	}
}

func New(url string) *natsSimulatorNotifier {
	if url == "" {
		url = nats.DefaultURL
	}
	return &natsSimulatorNotifier{
		notification: nil,
		connection:   nil,
		url:          url,
		handlers:     make(map[string]Function),
		timeout:      30 * time.Second,
	}
}
