package simulator

// VehicleResolver maps an id tag to the vehicle's battery parameters. The
// protocol client consults it when a session starts without explicit SoC or
// capacity.
type VehicleResolver interface {
	// Resolve returns the battery capacity in kWh and starting SoC percent
	// for the tag, or ok=false when the vehicle is unknown.
	Resolve(idTag string) (batteryCapacityKWh, startSoCPct float64, ok bool)
}

// UnknownVehicleResolver knows no vehicles; the client then falls back to
// 100 kWh at 20%.
type UnknownVehicleResolver struct{}

func (UnknownVehicleResolver) Resolve(string) (float64, float64, bool) {
	return 0, 0, false
}

// ConfigPersister saves a configuration change outside the process. Calls are
// best-effort: the protocol client logs failures and still accepts the change
// in memory.
type ConfigPersister interface {
	PersistConfig(chargePointID string, updates map[string]interface{}) error
}

// NopConfigPersister discards configuration changes.
type NopConfigPersister struct{}

func (NopConfigPersister) PersistConfig(string, map[string]interface{}) error {
	return nil
}
