package storage

import (
	"context"
	"time"

	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"sensorhub/internal/logger"
)

// Migration tables are frozen copies of the models as of each migration so
// later model changes never rewrite history.

type deviceV1 struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	DeviceID  string    `gorm:"size:255;not null;uniqueIndex"`
	Name      string    `gorm:"column:device_name;not null"`
	Type      string    `gorm:"column:device_type;not null"`
	Location  *string
	Status    string    `gorm:"size:32;not null;index"`
	CreatedAt time.Time `gorm:"index"`
	UpdatedAt time.Time
}

func (deviceV1) TableName() string { return "devices" }

type readingV1 struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	DeviceID       string    `gorm:"size:255;not null;index:idx_sensor_data_device_ts,priority:1"`
	Temperature    *float64
	Humidity       *float64
	Pressure       *float64
	BatteryLevel   *float64
	SignalStrength *float64
	RawData        datatypes.JSONMap
	Timestamp      time.Time `gorm:"not null;index:idx_sensor_data_device_ts,priority:2"`
}

func (readingV1) TableName() string { return "sensor_data" }

type alertV1 struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	DeviceID   string    `gorm:"size:255;not null;index"`
	Type       string    `gorm:"column:alert_type;size:64;not null"`
	Message    string    `gorm:"not null"`
	Severity   string    `gorm:"size:16;not null"`
	IsResolved bool      `gorm:"not null;default:false;index"`
	CreatedAt  time.Time `gorm:"not null;index"`
	ResolvedAt *time.Time
}

func (alertV1) TableName() string { return "device_alerts" }

var foreignKeys = []struct {
	table, name string
}{
	{"sensor_data", "fk_sensor_data_device"},
	{"device_alerts", "fk_device_alerts_device"},
}

func migrations() []*gormigrate.Migration {
	return []*gormigrate.Migration{
		{
			ID: "20240601_0000",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&deviceV1{}, &readingV1{}, &alertV1{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("device_alerts", "sensor_data", "devices")
			},
		},
		{
			// sqlite cannot add constraints to existing tables
			ID: "20240601_0001",
			Migrate: func(tx *gorm.DB) error {
				if tx.Dialector.Name() != "postgres" {
					return nil
				}
				for _, fk := range foreignKeys {
					err := tx.Exec(`ALTER TABLE ` + fk.table + ` ADD CONSTRAINT ` + fk.name +
						` FOREIGN KEY (device_id) REFERENCES devices(device_id)`).Error
					if err != nil {
						return err
					}
				}
				return nil
			},
			Rollback: func(tx *gorm.DB) error {
				if tx.Dialector.Name() != "postgres" {
					return nil
				}
				for _, fk := range foreignKeys {
					if err := tx.Exec(`ALTER TABLE ` + fk.table + ` DROP CONSTRAINT IF EXISTS ` + fk.name).Error; err != nil {
						return err
					}
				}
				return nil
			},
		},
	}
}

// Migrate brings the schema up to date
func Migrate(ctx context.Context, db *gorm.DB) error {
	log := logger.WithComponent("migrate")
	m := gormigrate.New(db.WithContext(ctx), gormigrate.DefaultOptions, migrations())
	if err := m.Migrate(); err != nil {
		log.Error().Err(err).Msg("schema migration failed")
		return err
	}
	log.Info().Int("migrations", len(migrations())).Msg("schema up to date")
	return nil
}

// RollbackLast undoes the most recent migration
func RollbackLast(ctx context.Context, db *gorm.DB) error {
	return gormigrate.New(db.WithContext(ctx), gormigrate.DefaultOptions, migrations()).RollbackLast()
}
