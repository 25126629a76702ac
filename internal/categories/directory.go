// Package categories is the read side of the category collaborator: who owns
// and moderates a category, which goals it offers and whether it is active.
package categories

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/raceroom/internal/races"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var errMissingDatabase = errors.New("categories: database connection required")

type DirectoryConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// Directory implements races.CategoryDirectory on top of the category tables.
type Directory struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewDirectory(cfg DirectoryConfig) (*Directory, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Directory{db: cfg.Database, logger: logger}, nil
}

// LookupCategory returns the category with its owner, moderators and active goals.
func (d *Directory) LookupCategory(ctx context.Context, slug string) (races.CategoryInfo, error) {
	slug = strings.TrimSpace(slug)
	if slug == "" {
		return races.CategoryInfo{}, fmt.Errorf("%w: category slug is required", races.ErrInvalidRequest)
	}
	db := d.db.WithContext(ctx)

	var category Category
	err := db.Where("slug = ?", slug).First(&category).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return races.CategoryInfo{}, fmt.Errorf("%w: category %q", races.ErrNotFound, slug)
	}
	if err != nil {
		return races.CategoryInfo{}, err
	}

	var moderators []string
	if err := db.Model(&CategoryModerator{}).
		Where("category_id = ?", category.ID).
		Order("actor_id").
		Pluck("actor_id", &moderators).Error; err != nil {
		return races.CategoryInfo{}, err
	}
	var goals []string
	if err := db.Model(&Goal{}).
		Where("category_id = ? AND active = ?", category.ID, true).
		Order("id").
		Pluck("name", &goals).Error; err != nil {
		return races.CategoryInfo{}, err
	}

	info := races.CategoryInfo{
		Slug:           category.Slug,
		Name:           category.Name,
		Active:         category.Active,
		AllowUserRaces: category.AllowUserRaces,
		ModeratorIDs:   moderators,
		Goals:          goals,
		SlugWords:      splitWords(category.SlugWords),
	}
	if category.OwnerID != "" {
		info.OwnerIDs = []string{category.OwnerID}
	}
	return info, nil
}

// ActiveCategorySlugs lists active categories ordered by slug.
func (d *Directory) ActiveCategorySlugs(ctx context.Context) ([]string, error) {
	var slugs []string
	err := d.db.WithContext(ctx).
		Model(&Category{}).
		Where("active = ?", true).
		Order("slug").
		Pluck("slug", &slugs).Error
	return slugs, err
}

// Definition describes a category to register or refresh.
type Definition struct {
	Slug           string
	Name           string
	OwnerID        string
	Active         bool
	AllowUserRaces bool
	SlugWords      []string
	Goals          []string
	ModeratorIDs   []string
}

// Register creates or refreshes a category. Goals missing from the definition
// are deactivated rather than removed so past rooms keep their goal.
func (d *Directory) Register(ctx context.Context, def Definition) error {
	slug := strings.TrimSpace(def.Slug)
	if slug == "" || strings.TrimSpace(def.Name) == "" || strings.TrimSpace(def.OwnerID) == "" {
		return fmt.Errorf("%w: slug, name and owner are required", races.ErrInvalidRequest)
	}
	if _, err := races.NewRoomRef(slug, "placeholder"); err != nil {
		return err
	}

	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		category := Category{
			Slug:           slug,
			Name:           strings.TrimSpace(def.Name),
			Active:         def.Active,
			AllowUserRaces: def.AllowUserRaces,
			OwnerID:        strings.TrimSpace(def.OwnerID),
			SlugWords:      strings.Join(def.SlugWords, ","),
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "slug"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "active", "allow_user_races", "owner_id", "slug_words", "updated_at"}),
		}).Create(&category).Error; err != nil {
			return err
		}
		var stored Category
		if err := tx.Where("slug = ?", slug).First(&stored).Error; err != nil {
			return err
		}
		category = stored

		if err := tx.Where("category_id = ?", category.ID).Delete(&CategoryModerator{}).Error; err != nil {
			return err
		}
		for _, moderator := range def.ModeratorIDs {
			if moderator = strings.TrimSpace(moderator); moderator == "" {
				continue
			}
			if err := tx.Create(&CategoryModerator{CategoryID: category.ID, ActorID: moderator}).Error; err != nil {
				return err
			}
		}

		if err := tx.Model(&Goal{}).Where("category_id = ?", category.ID).Update("active", false).Error; err != nil {
			return err
		}
		for _, name := range def.Goals {
			if name = strings.TrimSpace(name); name == "" {
				continue
			}
			goal := Goal{CategoryID: category.ID, Name: name, Active: true}
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "category_id"}, {Name: "name"}},
				DoUpdates: clause.AssignmentColumns([]string{"active"}),
			}).Create(&goal).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	d.logger.Info("category registered", zap.String("category", slug), zap.Int("goals", len(def.Goals)))
	return nil
}
