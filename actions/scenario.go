package actions

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"

	"cp_simulator/common"
	"cp_simulator/scenario"
)

// ScenarioActions are the bus commands for bulk simulations, addressed by
// location id.
type ScenarioActions struct {
	engine *scenario.Engine
}

func InitializeScenarioActions(engine *scenario.Engine) ScenarioActions {
	return ScenarioActions{
		engine: engine,
	}
}

func (this *ScenarioActions) RushStart(locationID string, payload []byte, responseChannel chan common.Response) {

	var response common.Response

	var Validator = validator.New()
	request := &struct {
		DurationMinutes int `json:"durationMinutes" validate:"gte=0"`
		Chargers        []struct {
			ChargePointId     string `json:"chargePointId" validate:"required"`
			ConnectionUrl     string `json:"connectionUrl" validate:"required,url"`
			BasicAuthPassword string `json:"basicAuthPassword"`
		} `json:"chargers" validate:"dive"`
		Vehicles []struct {
			IdTags             []string `json:"idTags"`
			BatteryCapacityKWh float64  `json:"batteryCapacityKWh" validate:"gte=0"`
		} `json:"vehicles" validate:"dive"`
	}{}

	json.Unmarshal(payload, request)
	err := Validator.Struct(request)

	if err != nil {
		response.Err = &common.Error{
			Code:    "command.scenario.rush.payload.not.valid",
			Message: "Invalid fields for starting a rush period",
		}
		responseChannel <- response
		return
	}

	chargers := make([]scenario.ChargerEndpoint, 0, len(request.Chargers))
	for _, c := range request.Chargers {
		chargers = append(chargers, scenario.ChargerEndpoint{
			ChargePointID:     c.ChargePointId,
			ConnectionURL:     c.ConnectionUrl,
			BasicAuthPassword: c.BasicAuthPassword,
		})
	}
	vehicles := make([]scenario.Vehicle, 0, len(request.Vehicles))
	for _, v := range request.Vehicles {
		vehicles = append(vehicles, scenario.Vehicle{
			IDTags:             v.IdTags,
			BatteryCapacityKWh: v.BatteryCapacityKWh,
		})
	}

	run, errRun := this.engine.RunRushPeriod(locationID, request.DurationMinutes, chargers, vehicles)
	if errRun != nil {
		response.Err = &common.Error{
			Code:    "command.scenario.rush.already.running",
			Message: errRun.Error(),
		}
		responseChannel <- response
		return
	}

	response.Payload = run.Snapshot()
	responseChannel <- response
}

func (this *ScenarioActions) Status(locationID string, payload []byte, responseChannel chan common.Response) {

	var response common.Response

	run := this.engine.Active(locationID)
	if run == nil {
		response.Err = &common.Error{
			Code:    "scenario.not.found",
			Message: fmt.Sprintf("No scenario recorded for location %v", locationID),
		}
		responseChannel <- response
		return
	}

	response.Payload = run.Snapshot()
	responseChannel <- response
}

func (this *ScenarioActions) Cancel(locationID string, payload []byte, responseChannel chan common.Response) {

	var response common.Response

	if !this.engine.Cancel(locationID) {
		response.Err = &common.Error{
			Code:    "scenario.not.running",
			Message: fmt.Sprintf("No running scenario for location %v", locationID),
		}
		responseChannel <- response
		return
	}

	response.Payload = map[string]interface{}{"status": string(scenario.StatusCancelled)}
	responseChannel <- response
}
