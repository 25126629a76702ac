package actors

import (
	"strings"
	"time"
)

// Identity maps a provider login onto the canonical actor id used by race rooms.
type Identity struct {
	Provider    string    `gorm:"column:provider;primaryKey;size:32;not null"`
	Subject     string    `gorm:"column:subject;primaryKey;size:190;not null"`
	ActorID     string    `gorm:"column:actor_id;size:190;not null;index"`
	Email       string    `gorm:"column:email;size:320"`
	DisplayName string    `gorm:"column:display_name;size:320"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (Identity) TableName() string {
	return "actor_identities"
}

// Models lists the tables owned by the package.
func Models() []any {
	return []any{&Identity{}}
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
