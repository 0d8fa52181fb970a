package persistence

import (
	"encoding/json"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// ChargerConfig is one persisted configuration key of a simulated charge
// point. Values are stored JSON-encoded so types survive a round trip.
type ChargerConfig struct {
	ChargePointID string `gorm:"primaryKey;column:charge_point_id"`
	Key           string `gorm:"primaryKey;column:key"`
	Value         string
	UpdatedAt     time.Time
}

// ConfigStore persists charge point configuration across restarts. It
// implements simulator.ConfigPersister.
type ConfigStore struct {
	db *gorm.DB
}

func Open(path string) (*ConfigStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&ChargerConfig{}); err != nil {
		return nil, err
	}
	return &ConfigStore{db: db}, nil
}

func (s *ConfigStore) PersistConfig(chargePointID string, config map[string]interface{}) error {
	if len(config) == 0 {
		return nil
	}
	now := time.Now().UTC()
	rows := make([]ChargerConfig, 0, len(config))
	for key, value := range config {
		encoded, err := json.Marshal(value)
		if err != nil {
			return err
		}
		rows = append(rows, ChargerConfig{
			ChargePointID: chargePointID,
			Key:           key,
			Value:         string(encoded),
			UpdatedAt:     now,
		})
	}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "charge_point_id"}, {Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&rows).Error
}

// LoadConfig returns the persisted configuration of a charge point. A charge
// point that never persisted anything yields an empty map.
func (s *ConfigStore) LoadConfig(chargePointID string) (map[string]interface{}, error) {
	var rows []ChargerConfig
	if err := s.db.Where("charge_point_id = ?", chargePointID).Find(&rows).Error; err != nil {
		return nil, err
	}
	config := make(map[string]interface{}, len(rows))
	for _, row := range rows {
		var value interface{}
		if err := json.Unmarshal([]byte(row.Value), &value); err != nil {
			return nil, err
		}
		config[row.Key] = value
	}
	return config, nil
}
