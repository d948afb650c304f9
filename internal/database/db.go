package database

import (
	"fmt"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/emberhq/ember/internal/config"
	"github.com/emberhq/ember/internal/repository/conversation"
)

func InitDB(cfg *config.Settings) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(cfg.DB.DSN()), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return db, nil
}

func MigrateDB(db *gorm.DB) error {
	return db.AutoMigrate(
		&conversation.ConversationEntity{},
		&conversation.MessageEntity{},
		&conversation.FactEntity{},
		&conversation.UsageEntity{},
	)
}
