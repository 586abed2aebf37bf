package migrations

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

func init() {
	goose.AddMigrationContext(upInit, downInit)
}

type Watermark struct {
	AppID           string    `gorm:"type:text;primaryKey"`
	BuildID         string    `gorm:"type:text;primaryKey"`
	PolicyUpdatedAt time.Time `gorm:"type:timestamptz;not null"`
	UpdatedAt       time.Time `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
}

type ExportRun struct {
	ID            uuid.UUID         `gorm:"type:uuid;primaryKey"`
	StartedAt     time.Time         `gorm:"type:timestamptz;not null"`
	FinishedAt    *time.Time        `gorm:"type:timestamptz"`
	Status        string            `gorm:"type:text;not null"`
	BuildsOK      int               `gorm:"not null;default:0"`
	BuildsFailed  int               `gorm:"not null;default:0"`
	BuildsSkipped int               `gorm:"not null;default:0"`
	Flaws         int               `gorm:"not null;default:0"`
	Details       datatypes.JSONMap `gorm:"type:jsonb"`
}

func openTx(tx *sql.Tx) (*gorm.DB, error) {
	return gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
}

func upInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openTx(tx)
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).AutoMigrate(&Watermark{}, &ExportRun{})
}

func downInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openTx(tx)
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Migrator().DropTable(&ExportRun{}, &Watermark{})
}
