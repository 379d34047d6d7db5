package database

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/dmehra2102/prod-golang-projects/osteosync/internal/config"
	"github.com/dmehra2102/prod-golang-projects/osteosync/pkg/docstore"
)

func Connect(cfg config.DatabaseConfig) (*gorm.DB, error) {
	gormCfg := &gorm.Config{
		Logger:      gormlogger.Default.LogMode(gormlogger.Silent),
		PrepareStmt: true,
	}

	db, err := gorm.Open(postgres.New(postgres.Config{
		DSN: cfg.DSN(),
	}), gormCfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting underlying sql.DB: %w", err)
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return db, nil
}

// Migrate creates the document table. The expression indexes only exist on
// postgres; other dialects get the table alone.
func Migrate(db *gorm.DB, log *zap.Logger) error {
	log.Info("running database migrations")
	start := time.Now()

	if err := db.AutoMigrate(&docstore.DocumentRow{}); err != nil {
		return fmt.Errorf("auto-migrating documents: %w", err)
	}

	if db.Dialector.Name() == "postgres" {
		createIndexes(db, log)
	}

	log.Info("migrations completed", zap.Duration("duration", time.Since(start)))
	return nil
}

func createIndexes(db *gorm.DB, log *zap.Logger) {
	indexes := []struct {
		name  string
		query string
	}{
		{
			name:  "idx_documents_practitioner",
			query: `CREATE INDEX IF NOT EXISTS idx_documents_practitioner ON documents (collection, (data->>'practitionerId'))`,
		},
		{
			name:  "idx_documents_patient",
			query: `CREATE INDEX IF NOT EXISTS idx_documents_patient ON documents (collection, (data->>'patientId'), (data->>'practitionerId')) WHERE collection = 'consultations'`,
		},
		{
			name:  "idx_documents_initial",
			query: `CREATE INDEX IF NOT EXISTS idx_documents_initial ON documents ((data->>'patientId')) WHERE collection = 'consultations' AND (data->>'isInitial') = 'true'`,
		},
	}

	for _, idx := range indexes {
		if err := db.Exec(idx.query).Error; err != nil {
			log.Warn("creating index failed", zap.String("index", idx.name), zap.Error(err))
		}
	}
}
