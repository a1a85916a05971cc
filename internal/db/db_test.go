package db

import (
	"testing"
	"time"

	"clinicmsg/internal/delivery"
	"clinicmsg/internal/inbound"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func TestAutoMigrateAndIndexes(t *testing.T) {
	gdb, err := gorm.Open(sqlite.Open("file:db_migrate?mode=memory&cache=shared"),
		&gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, AutoMigrateAndIndexes(gdb))
	// idempotent
	require.NoError(t, AutoMigrateAndIndexes(gdb))

	for _, m := range Models() {
		assert.True(t, gdb.Migrator().HasTable(m))
	}
	assert.True(t, gdb.Migrator().HasIndex(&inbound.Message{}, "uq_inbound_transport_id"))
	assert.True(t, gdb.Migrator().HasIndex(&delivery.Record{}, "uq_delivery_transport_id"))

	first := inbound.Message{TransportMessageID: "wamid.1", FromAddress: "+34", ReceivedAt: time.Now()}
	require.NoError(t, gdb.Create(&first).Error)
	dup := inbound.Message{TransportMessageID: "wamid.1", FromAddress: "+34", ReceivedAt: time.Now()}
	assert.Error(t, gdb.Create(&dup).Error, "transport id is unique")
}
