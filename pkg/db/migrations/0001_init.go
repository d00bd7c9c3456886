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

// InstanceRecord mirrors the DynamoDB item layout: inst_state is NULL until
// the first transition and orig_userdata is NULL until captured.
type InstanceRecord struct {
	InstanceID   string    `gorm:"type:text;primaryKey"`
	InstState    *string   `gorm:"type:text;index"`
	OrigUserdata []byte    `gorm:"type:bytea"`
	CreatedAt    time.Time `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	UpdatedAt    time.Time `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
}

func (InstanceRecord) TableName() string { return "instance_records" }

type TransitionAudit struct {
	ID         uuid.UUID         `gorm:"type:uuid;primaryKey"`
	InstanceID string            `gorm:"type:text;not null;index"`
	Action     string            `gorm:"type:text;not null"`
	FromState  string            `gorm:"type:text"`
	ToState    string            `gorm:"type:text"`
	Details    datatypes.JSONMap `gorm:"type:jsonb"`
	At         time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}

func (TransitionAudit) TableName() string { return "transition_audit" }

func openGorm(tx *sql.Tx) (*gorm.DB, error) {
	return gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
}

func upInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openGorm(tx)
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).AutoMigrate(
		&InstanceRecord{},
		&TransitionAudit{},
	)
}

func downInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openGorm(tx)
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Migrator().DropTable(
		&TransitionAudit{},
		&InstanceRecord{},
	)
}
