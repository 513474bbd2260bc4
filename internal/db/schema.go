package db

import (
	"fmt"

	"gorm.io/gorm"
)

func EnsureSchema(d *gorm.DB, schema string) error {
	return d.Exec(`CREATE SCHEMA IF NOT EXISTS "` + schema + `"`).Error
}

// EnsureExtensions installs the extensions the spatial tables depend on.
func EnsureExtensions(d *gorm.DB) error {
	for _, ext := range []string{"postgis", "uuid-ossp"} {
		if err := d.Exec(`CREATE EXTENSION IF NOT EXISTS "` + ext + `"`).Error; err != nil {
			return fmt.Errorf("create extension %s: %w", ext, err)
		}
	}
	return nil
}
