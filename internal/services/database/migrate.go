package database

import (
	"fmt"

	"github.com/creativepool/sora-relay/internal/models"
	"gorm.io/gorm"
)

// AutoMigrate creates or updates every table this service owns.
func (db *DB) AutoMigrate() error {
	return db.DB.AutoMigrate(
		&models.Credential{},
		&models.CredentialStats{},
		&models.Task{},
		&models.RequestLog{},
		&models.AdminConfig{},
		&models.CacheConfig{},
		&models.GenerationConfig{},
	)
}

// SeedConfigRows ensures the singleton config tables each have their
// id=1 row. Values come from the YAML defaults on first startup only;
// existing rows are never overwritten here, so admin edits survive
// restarts.
func (db *DB) SeedConfigRows(defaults models.DefaultsConfig) error {
	if err := db.seedRow(&models.AdminConfig{
		ID:                1,
		AdminUsername:     defaults.AdminUsername,
		AdminPassword:     defaults.AdminPassword,
		APIKey:            defaults.APIKey,
		ErrorBanThreshold: defaults.ErrorBanThreshold,
	}); err != nil {
		return fmt.Errorf("failed to seed admin config: %w", err)
	}

	if err := db.seedRow(&models.CacheConfig{
		ID:           1,
		CacheEnabled: defaults.CacheEnabled,
		CacheTimeout: defaults.CacheTimeout,
	}); err != nil {
		return fmt.Errorf("failed to seed cache config: %w", err)
	}

	if err := db.seedRow(&models.GenerationConfig{
		ID:           1,
		ImageTimeout: defaults.ImageTimeout,
		VideoTimeout: defaults.VideoTimeout,
	}); err != nil {
		return fmt.Errorf("failed to seed generation config: %w", err)
	}

	return nil
}

func (db *DB) seedRow(row any) error {
	err := db.DB.First(row).Error
	if err == nil {
		return nil
	}
	if err != gorm.ErrRecordNotFound {
		return err
	}
	return db.DB.Create(row).Error
}
