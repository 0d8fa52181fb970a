package actions

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"cp_simulator/common"
	"cp_simulator/ocpp"
	"cp_simulator/persistence"
	"cp_simulator/simulator"
)

func logDefault(chargePointId string, message string) *logrus.Entry {
	return logrus.WithFields(logrus.Fields{"client": chargePointId, "message": message})
}

type Function func(string, []byte, chan common.Response)

// ChargerActions are the bus commands that manage a single simulated charge
// point: lifecycle, sessions, status injection and the message log.
type ChargerActions struct {
	store       *simulator.Store
	manager     *ocpp.Manager
	configStore *persistence.ConfigStore
}

func InitializeChargerActions(store *simulator.Store, manager *ocpp.Manager,
	configStore *persistence.ConfigStore) ChargerActions {

	return ChargerActions{
		store:       store,
		manager:     manager,
		configStore: configStore,
	}
}

func (this *ChargerActions) chargePoint(chargePointID string, response *common.Response) *simulator.ChargePoint {
	cp := this.store.Get(chargePointID)
	if cp == nil {
		response.Err = &common.Error{
			Code:    "charger.not.found",
			Message: fmt.Sprintf("No charge point registered with id %v", chargePointID),
		}
	}
	return cp
}

func chargerSnapshot(cp *simulator.ChargePoint) map[string]interface{} {
	connectors := make([]map[string]interface{}, 0)
	for _, evse := range cp.EVSEs() {
		connector := map[string]interface{}{
			"connectorId": evse.ID,
			"status":      string(evse.State()),
			"energyWh":    evse.EnergyWh(),
			"powerW":      evse.EffectivePowerW(),
		}
		if transactionID, ok := evse.TransactionID(); ok {
			connector["transactionId"] = transactionID
		}
		connectors = append(connectors, connector)
	}
	return map[string]interface{}{
		"chargePointId":   cp.ChargePointID,
		"locationId":      cp.LocationID,
		"vendor":          cp.Vendor,
		"model":           cp.Model,
		"firmwareVersion": cp.FirmwareVersion,
		"powerType":       string(cp.PowerType),
		"connected":       cp.Connected(),
		"connectors":      connectors,
	}
}

func (this *ChargerActions) Create(chargePointID string, payload []byte, responseChannel chan common.Response) {

	var response common.Response

	var Validator = validator.New()
	request := &struct {
		LocationId      string `json:"locationId" validate:"required"`
		Name            string `json:"name"`
		CSMSUrl         string `json:"csmsUrl"`
		Vendor          string `json:"vendor"`
		Model           string `json:"model"`
		FirmwareVersion string `json:"firmwareVersion"`
		PowerType       string `json:"powerType" validate:"omitempty,oneof=AC DC"`
		ConnectorCount  int    `json:"connectorCount" validate:"omitempty,gt=0"`
	}{}

	json.Unmarshal(payload, request)
	err := Validator.Struct(request)

	if err != nil {
		response.Err = &common.Error{
			Code:    "command.charger.create.payload.not.valid",
			Message: "Invalid fields for creating a charge point",
		}
		responseChannel <- response
		return
	}

	if this.store.Get(chargePointID) != nil {
		response.Err = &common.Error{
			Code:    "charger.already.exists",
			Message: fmt.Sprintf("Charge point %v already exists", chargePointID),
		}
		responseChannel <- response
		return
	}

	cp := simulator.NewChargePoint(simulator.ChargePointInfo{
		ChargePointID:   chargePointID,
		Name:            request.Name,
		LocationID:      request.LocationId,
		CSMSUrl:         request.CSMSUrl,
		Vendor:          request.Vendor,
		Model:           request.Model,
		FirmwareVersion: request.FirmwareVersion,
		PowerType:       simulator.PowerType(request.PowerType),
		ConnectorCount:  request.ConnectorCount,
	})

	if this.configStore != nil {
		persisted, errLoad := this.configStore.LoadConfig(chargePointID)
		if errLoad != nil {
			logDefault(chargePointID, "charger.create").Warnf("could not load persisted config: %v", errLoad)
		}
		for key, value := range persisted {
			cp.SetConfigValue(key, value)
		}
	}

	this.store.Add(cp)
	response.Payload = chargerSnapshot(cp)
	responseChannel <- response
}

func (this *ChargerActions) Connect(chargePointID string, payload []byte, responseChannel chan common.Response) {

	var response common.Response

	var Validator = validator.New()
	request := &struct {
		ConnectionUrl     string `json:"connectionUrl" validate:"required,url"`
		BasicAuthPassword string `json:"basicAuthPassword"`
	}{}

	json.Unmarshal(payload, request)
	err := Validator.Struct(request)

	if err != nil {
		response.Err = &common.Error{
			Code:    "command.charger.connect.payload.not.valid",
			Message: "A connection URL is required to connect a charge point",
		}
		responseChannel <- response
		return
	}

	cp := this.chargePoint(chargePointID, &response)
	if cp == nil {
		responseChannel <- response
		return
	}

	url := ocpp.BuildConnectionURL(request.ConnectionUrl, chargePointID)
	this.manager.Connect(cp, url, request.BasicAuthPassword)
	response.Payload = map[string]interface{}{"status": "connecting", "url": url}
	responseChannel <- response
}

func (this *ChargerActions) Disconnect(chargePointID string, payload []byte, responseChannel chan common.Response) {

	var response common.Response

	cp := this.chargePoint(chargePointID, &response)
	if cp == nil {
		responseChannel <- response
		return
	}

	this.manager.Disconnect(cp)
	response.Payload = map[string]interface{}{"status": "disconnected"}
	responseChannel <- response
}

func (this *ChargerActions) Get(chargePointID string, payload []byte, responseChannel chan common.Response) {

	var response common.Response

	cp := this.chargePoint(chargePointID, &response)
	if cp != nil {
		response.Payload = chargerSnapshot(cp)
	}
	responseChannel <- response
}

func (this *ChargerActions) TransactionStart(chargePointID string, payload []byte, responseChannel chan common.Response) {

	var response common.Response

	var Validator = validator.New()
	request := &struct {
		ConnectorId        int      `json:"connectorId" validate:"required,gt=0"`
		IdTag              string   `json:"idTag" validate:"required"`
		StartSoCPct        *float64 `json:"startSoCPct" validate:"omitempty,gte=0,lte=100"`
		BatteryCapacityKWh *float64 `json:"batteryCapacityKWh" validate:"omitempty,gt=0"`
	}{}

	json.Unmarshal(payload, request)
	err := Validator.Struct(request)

	if err != nil {
		response.Err = &common.Error{
			Code:    "command.transaction.start.payload.not.valid",
			Message: "Invalid fields for starting a transaction",
		}
		responseChannel <- response
		return
	}

	cp := this.chargePoint(chargePointID, &response)
	if cp == nil {
		responseChannel <- response
		return
	}

	client := cp.Client()
	if client == nil {
		response.Err = &common.Error{
			Code:    "charger.not.connected",
			Message: fmt.Sprintf("Charge point %v has no active connection", chargePointID),
		}
		responseChannel <- response
		return
	}

	transactionID, ok := client.StartTransaction(request.ConnectorId, request.IdTag,
		request.StartSoCPct, request.BatteryCapacityKWh)
	if !ok {
		response.Err = &common.Error{
			Code:    "command.transaction.start.rejected",
			Message: fmt.Sprintf("Could not start a transaction on connector %v", request.ConnectorId),
		}
		responseChannel <- response
		return
	}

	response.Payload = map[string]interface{}{
		"connectorId":   request.ConnectorId,
		"transactionId": transactionID,
	}
	responseChannel <- response
}

func (this *ChargerActions) TransactionStop(chargePointID string, payload []byte, responseChannel chan common.Response) {

	var response common.Response

	var Validator = validator.New()
	request := &struct {
		ConnectorId int    `json:"connectorId" validate:"required,gt=0"`
		Reason      string `json:"reason"`
	}{}

	json.Unmarshal(payload, request)
	err := Validator.Struct(request)

	if err != nil {
		response.Err = &common.Error{
			Code:    "command.transaction.stop.payload.not.valid",
			Message: "Invalid fields for stopping a transaction",
		}
		responseChannel <- response
		return
	}

	cp := this.chargePoint(chargePointID, &response)
	if cp == nil {
		responseChannel <- response
		return
	}

	client := cp.Client()
	if client == nil {
		response.Err = &common.Error{
			Code:    "charger.not.connected",
			Message: fmt.Sprintf("Charge point %v has no active connection", chargePointID),
		}
		responseChannel <- response
		return
	}

	if !client.StopTransaction(request.ConnectorId, request.Reason) {
		response.Err = &common.Error{
			Code:    "command.transaction.stop.no.transaction",
			Message: fmt.Sprintf("Connector %v has no active transaction", request.ConnectorId),
		}
		responseChannel <- response
		return
	}

	response.Payload = map[string]interface{}{"connectorId": request.ConnectorId, "status": "stopped"}
	responseChannel <- response
}

func (this *ChargerActions) StatusInject(chargePointID string, payload []byte, responseChannel chan common.Response) {

	var response common.Response

	var Validator = validator.New()
	request := &struct {
		ConnectorId int    `json:"connectorId" validate:"required,gt=0"`
		Status      string `json:"status" validate:"required"`
		ErrorCode   string `json:"errorCode"`
	}{}

	json.Unmarshal(payload, request)
	err := Validator.Struct(request)

	if err != nil {
		response.Err = &common.Error{
			Code:    "command.status.inject.payload.not.valid",
			Message: "Invalid fields for injecting a connector status",
		}
		responseChannel <- response
		return
	}

	target, ok := simulator.ParseEvseState(request.Status)
	if !ok {
		response.Err = &common.Error{
			Code:    "command.status.inject.unknown.status",
			Message: fmt.Sprintf("Unknown connector status %v", request.Status),
		}
		responseChannel <- response
		return
	}

	cp := this.chargePoint(chargePointID, &response)
	if cp == nil {
		responseChannel <- response
		return
	}

	if errInject := cp.InjectStatus(request.ConnectorId, target, request.ErrorCode); errInject != nil {
		response.Err = &common.Error{
			Code:    "command.status.inject.rejected",
			Message: errInject.Error(),
		}
		responseChannel <- response
		return
	}

	if client := cp.Client(); client != nil {
		if errReport := client.ReportStatus(request.ConnectorId, request.ErrorCode, "", ""); errReport != nil {
			logDefault(chargePointID, "status.inject").Warnf("status report failed: %v", errReport)
		}
	}

	response.Payload = map[string]interface{}{"connectorId": request.ConnectorId, "status": request.Status}
	responseChannel <- response
}

func (this *ChargerActions) LogGet(chargePointID string, payload []byte, responseChannel chan common.Response) {

	var response common.Response

	cp := this.chargePoint(chargePointID, &response)
	if cp != nil {
		response.Payload = cp.Log()
	}
	responseChannel <- response
}

func (this *ChargerActions) LogClear(chargePointID string, payload []byte, responseChannel chan common.Response) {

	var response common.Response

	cp := this.chargePoint(chargePointID, &response)
	if cp != nil {
		cp.ClearLog()
		response.Payload = map[string]interface{}{"status": "cleared"}
	}
	responseChannel <- response
}
