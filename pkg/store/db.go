package store

import (
	"fmt"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/canopyhq/canopy/pkg/types"
)

// Open opens (or creates) the control-plane database and migrates the
// schema. Permission and resource-type vocabularies are seeded on first
// open.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.AutoMigrate(
		&workspaceModel{},
		&userModel{},
		&sessionModel{},
		&runnerModel{},
		&regionModel{},
		&deploymentModel{},
		&volumeModel{},
		&resourceTypeModel{},
		&resourceModel{},
		&permissionModel{},
		&roleModel{},
		&roleAssignmentModel{},
	); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	s := &Store{db: db}
	if err := s.seedVocabulary(); err != nil {
		return nil, fmt.Errorf("seed vocabulary: %w", err)
	}
	return s, nil
}

func (s *Store) seedVocabulary() error {
	for _, name := range types.AllPermissions {
		var count int64
		if err := s.db.Model(&permissionModel{}).Where("name = ?", name).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			if err := s.db.Create(&permissionModel{ID: uuid.NewString(), Name: name}).Error; err != nil {
				return err
			}
		}
	}
	for _, name := range types.AllResourceTypes {
		var count int64
		if err := s.db.Model(&resourceTypeModel{}).Where("name = ?", name).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			if err := s.db.Create(&resourceTypeModel{ID: uuid.NewString(), Name: name}).Error; err != nil {
				return err
			}
		}
	}
	return nil
}
