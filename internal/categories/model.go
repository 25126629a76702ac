package categories

import (
	"strings"
	"time"
)

// Category is a game category that hosts race rooms.
type Category struct {
	ID             uint64    `gorm:"column:id;primaryKey;autoIncrement"`
	Slug           string    `gorm:"column:slug;size:64;not null;uniqueIndex"`
	Name           string    `gorm:"column:name;size:255;not null"`
	Active         bool      `gorm:"column:active;not null"`
	AllowUserRaces bool      `gorm:"column:allow_user_races;not null"`
	OwnerID        string    `gorm:"column:owner_id;size:190;not null"`
	SlugWords      string    `gorm:"column:slug_words;type:text"`
	CreatedAt      time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (Category) TableName() string {
	return "categories"
}

// CategoryModerator grants moderation of a category to an actor.
type CategoryModerator struct {
	CategoryID uint64 `gorm:"column:category_id;primaryKey"`
	ActorID    string `gorm:"column:actor_id;primaryKey;size:190"`
}

func (CategoryModerator) TableName() string {
	return "category_moderators"
}

// Goal is a selectable race goal of a category.
type Goal struct {
	ID         uint64 `gorm:"column:id;primaryKey;autoIncrement"`
	CategoryID uint64 `gorm:"column:category_id;not null;uniqueIndex:idx_goal_category_name"`
	Name       string `gorm:"column:name;size:255;not null;uniqueIndex:idx_goal_category_name"`
	Active     bool   `gorm:"column:active;not null"`
}

func (Goal) TableName() string {
	return "category_goals"
}

// Models lists the tables owned by the package.
func Models() []any {
	return []any{&Category{}, &CategoryModerator{}, &Goal{}}
}

func splitWords(value string) []string {
	fields := strings.Split(value, ",")
	words := make([]string, 0, len(fields))
	for _, field := range fields {
		if word := strings.ToLower(strings.TrimSpace(field)); word != "" {
			words = append(words, word)
		}
	}
	return words
}
