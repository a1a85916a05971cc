package db

import (
	"fmt"
	"time"

	"clinicmsg/internal/clinic"
	"clinicmsg/internal/delivery"
	"clinicmsg/internal/inbound"
	"clinicmsg/internal/jobs"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func Connect(dsn string) (*gorm.DB, error) {
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Warn),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(20)
	sqlDB.SetConnMaxIdleTime(5 * time.Minute)
	return gdb, nil
}

// Models lists every table the engine owns or reads.
func Models() []any {
	return []any{
		&jobs.Job{},
		&delivery.Record{},
		&inbound.Message{},
		&clinic.Patient{},
		&clinic.Appointment{},
		&clinic.Consultation{},
		&clinic.Prospect{},
	}
}

func AutoMigrateAndIndexes(gdb *gorm.DB) error {
	if err := gdb.AutoMigrate(Models()...); err != nil {
		return err
	}

	stmts := []string{
		// due-job scan and stall detection
		`create index if not exists idx_scheduled_jobs_due on scheduled_jobs(status, fire_at);`,
		`create index if not exists idx_scheduled_jobs_lock on scheduled_jobs(status, locked_at);`,
		`create index if not exists idx_scheduled_jobs_entity on scheduled_jobs(entity_id, type);`,
		`create index if not exists idx_delivery_records_job on delivery_records(job_id, created_at);`,
	}
	for _, s := range stmts {
		if err := gdb.Exec(s).Error; err != nil {
			return fmt.Errorf("index exec failed: %w (sql=%s)", err, s)
		}
	}
	return nil
}
