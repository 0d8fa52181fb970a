package common

// Command is one request arriving over the message bus. Charger commands
// address a charge point, scenario commands a location; at least one target
// is required.
type Command struct {
	Action        string      `json:"action" validate:"required"`
	ChargePointId string      `json:"chargePointId" validate:"required_without=LocationId"`
	LocationId    string      `json:"locationId" validate:"required_without=ChargePointId"`
	Payload       interface{} `json:"payload"`
}
