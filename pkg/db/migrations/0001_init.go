package migrations

import (
	"context"
	"database/sql"
	"time"

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

type Run struct {
	ID           string            `gorm:"type:text;primaryKey"`
	Workflow     string            `gorm:"type:text;not null"`
	StartedAt    time.Time         `gorm:"type:timestamptz;not null"`
	DurationMS   int64             `gorm:"type:bigint;not null"`
	VUs          int               `gorm:"column:vus;type:integer;not null"`
	Planned      int               `gorm:"type:integer;not null"`
	Total        int               `gorm:"type:integer;not null"`
	Passed       int               `gorm:"type:integer;not null"`
	Failed       int               `gorm:"type:integer;not null"`
	Interrupted  int               `gorm:"type:integer;not null"`
	ErrorsByKind datatypes.JSONMap `gorm:"type:jsonb"`
	ArchiveURL   string            `gorm:"type:text"`
	CreatedAt    time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}

type Iteration struct {
	RunID      string `gorm:"type:text;primaryKey"`
	Number     int    `gorm:"type:integer;primaryKey"`
	VU         int    `gorm:"column:vu;type:integer;not null"`
	Status     string `gorm:"type:text;not null"`
	DurationMS int64  `gorm:"type:bigint;not null"`
	Kind       string `gorm:"type:text"`
	Error      string `gorm:"type:text"`
	Run        Run    `gorm:"foreignKey:RunID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

func open(tx *sql.Tx) (*gorm.DB, error) {
	return gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
}

func upInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := open(tx)
	if err != nil {
		return err
	}

	if err := gormDB.WithContext(ctx).AutoMigrate(&Run{}, &Iteration{}); err != nil {
		return err
	}
	return gormDB.WithContext(ctx).Migrator().CreateConstraint(&Iteration{}, "Run")
}

func downInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := open(tx)
	if err != nil {
		return err
	}
	return gormDB.WithContext(ctx).Migrator().DropTable(&Iteration{}, &Run{})
}
