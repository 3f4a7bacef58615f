package poslog

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// FixPG is the GORM model for one logged fix.
type FixPG struct {
	ID             uint      `gorm:"primaryKey"`
	GPSDatetime    time.Time `gorm:"column:gps_datetime;index;not null"`
	Latitude       float64   `gorm:"not null"`
	Longitude      float64   `gorm:"not null"`
	FixQuality     int       `gorm:"not null"`
	SatelliteCount int       `gorm:"not null"`
	CreatedAt      time.Time
}

func (FixPG) TableName() string { return "gnss_fixes" }

// PostgresStore inserts each batch in one transaction, so a failed flush
// leaves no partial rows behind.
type PostgresStore struct {
	db *gorm.DB
}

// OpenPostgres connects to url and migrates the gnss_fixes table.
func OpenPostgres(url string, l *log.Logger) (*PostgresStore, error) {
	if l == nil {
		l = log.Default()
	}
	gormLogger := logger.New(
		l.StandardLog(log.StandardLogOptions{ForceLevel: log.WarnLevel}),
		logger.Config{
			SlowThreshold:             500 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)
	db, err := gorm.Open(postgres.Open(url), &gorm.Config{Logger: gormLogger})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return NewPostgresStore(db)
}

// NewPostgresStore wraps an open connection and migrates the table.
func NewPostgresStore(db *gorm.DB) (*PostgresStore, error) {
	if err := db.AutoMigrate(&FixPG{}); err != nil {
		return nil, fmt.Errorf("migrate gnss_fixes: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Append(ctx context.Context, recs []Record) error {
	if len(recs) == 0 {
		return nil
	}
	rows := make([]FixPG, 0, len(recs))
	for _, r := range recs {
		rows = append(rows, FixPG{
			GPSDatetime:    r.Time.UTC(),
			Latitude:       r.Lat,
			Longitude:      r.Lon,
			FixQuality:     r.Quality,
			SatelliteCount: r.Satellites,
		})
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.CreateInBatches(rows, 500).Error; err != nil {
			return fmt.Errorf("insert gnss_fixes: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
