package races

import (
	"context"
	"time"

	"github.com/MarcoPoloResearchLab/raceroom/internal/ratings"
)

// EventType names what a RoomEvent carries.
type EventType string

const (
	EventRaceData    EventType = "race.data"
	EventChatMessage EventType = "chat.message"
	EventChatDelete  EventType = "chat.delete"
	EventHeartbeat   EventType = "heartbeat"
)

// RoomEvent is one ordered item of a room feed.
type RoomEvent struct {
	Type       EventType     `json:"type"`
	Room       string        `json:"room"`
	Version    int64         `json:"version"`
	Snapshot   *RoomSnapshot `json:"race,omitempty"`
	Message    *MessageView  `json:"message,omitempty"`
	DeletedSeq int64         `json:"deleted_seq,omitempty"`
	At         time.Time     `json:"date"`
}

// Publisher receives events after commit, in commit order per room.
type Publisher interface {
	Publish(event RoomEvent)
}

// CategoryDirectory resolves categories.
type CategoryDirectory interface {
	LookupCategory(ctx context.Context, slug string) (CategoryInfo, error)
	ActiveCategorySlugs(ctx context.Context) ([]string, error)
}

// ActorDirectory resolves invite targets.
type ActorDirectory interface {
	LookupActor(ctx context.Context, actorID string) (Actor, error)
}

// RatingTrigger starts a rating recalculation without waiting for it.
type RatingTrigger interface {
	Trigger(ctx context.Context, request ratings.Request) error
}

type nopPublisher struct{}

func (nopPublisher) Publish(RoomEvent) {}

type nopRatings struct{}

func (nopRatings) Trigger(context.Context, ratings.Request) error { return nil }
