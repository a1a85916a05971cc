package inbound

import (
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Guard admits each transport message id once. The unique index on
// transport_message_id makes the check a single insert.
type Guard struct{}

// Admit stores m inside tx. It returns false when a message with the same
// transport id was already stored; m is not written in that case.
func (Guard) Admit(tx *gorm.DB, m *Message) (bool, error) {
	res := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "transport_message_id"}},
		DoNothing: true,
	}).Create(m)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
