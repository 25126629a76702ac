package races

import (
	"time"
)

// State is the room-level lifecycle state.
type State string

const (
	StateOpen         State = "open"
	StateInvitational State = "invitational"
	StatePending      State = "pending"
	StateInProgress   State = "in_progress"
	StateFinished     State = "finished"
	StateCancelled    State = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateFinished || s == StateCancelled
}

// Preparing reports whether the room has not started its countdown yet.
func (s State) Preparing() bool {
	return s == StateOpen || s == StateInvitational
}

// EntrantStatus is the per-entrant participation state.
type EntrantStatus string

const (
	EntrantInvited  EntrantStatus = "invited"
	EntrantDeclined EntrantStatus = "declined"
	EntrantJoined   EntrantStatus = "joined"
	EntrantReady    EntrantStatus = "ready"
	EntrantRacing   EntrantStatus = "racing"
	EntrantDone     EntrantStatus = "done"
	EntrantDNF      EntrantStatus = "dnf"
	EntrantDropped  EntrantStatus = "dropped"
)

// Withdrawn reports a soft-deleted row that no longer counts toward the room.
func (s EntrantStatus) Withdrawn() bool {
	return s == EntrantDropped || s == EntrantDeclined
}

// Terminal reports a final per-entrant outcome.
func (s EntrantStatus) Terminal() bool {
	return s == EntrantDone || s == EntrantDNF || s == EntrantDropped
}

// Room is the persisted race room. Version is the optimistic-lock counter and
// MessageSeq is the last message sequence allocated for the room.
type Room struct {
	ID                uint64     `gorm:"column:id;primaryKey;autoIncrement"`
	CategorySlug      string     `gorm:"column:category_slug;size:64;not null;uniqueIndex:idx_race_rooms_category_slug,priority:1"`
	Slug              string     `gorm:"column:slug;size:128;not null;uniqueIndex:idx_race_rooms_category_slug,priority:2"`
	Goal              string     `gorm:"column:goal;size:255"`
	CustomGoal        string     `gorm:"column:custom_goal;size:255"`
	Info              string     `gorm:"column:info;type:text"`
	State             State      `gorm:"column:state;size:16;not null;index"`
	PrePendingState   State      `gorm:"column:pre_pending_state;size:16"`
	Version           int64      `gorm:"column:version;not null;default:1"`
	MessageSeq        int64      `gorm:"column:message_seq;not null;default:0"`
	OpenedBy          string     `gorm:"column:opened_by;size:190;not null;index"`
	OpenedAt          time.Time  `gorm:"column:opened_at;not null"`
	StartedAt         *time.Time `gorm:"column:started_at"`
	EndedAt           *time.Time `gorm:"column:ended_at"`
	CountdownEndsAt   *time.Time `gorm:"column:countdown_ends_at"`
	StreamingRequired bool       `gorm:"column:streaming_required;not null;default:false"`
	Invitational      bool       `gorm:"column:invitational;not null;default:false"`
	ChatMessageDelay  int        `gorm:"column:chat_message_delay_s;not null;default:0"`
	UpdatedAt         time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

func (Room) TableName() string {
	return "race_rooms"
}

// GoalText returns whichever of goal or custom goal is set.
func (r Room) GoalText() string {
	if r.Goal != "" {
		return r.Goal
	}
	return r.CustomGoal
}

// Ref returns the category-scoped reference for the room.
func (r Room) Ref() RoomRef {
	return RoomRef{category: r.CategorySlug, slug: r.Slug}
}

// Entrant is an actor's participation record in a room. A row is unique per
// (room, actor); leaving before the start flips it to dropped instead of deleting it.
type Entrant struct {
	ID               uint64        `gorm:"column:id;primaryKey;autoIncrement"`
	RoomID           uint64        `gorm:"column:room_id;not null;uniqueIndex:idx_race_entrants_room_actor,priority:1"`
	ActorID          string        `gorm:"column:actor_id;size:190;not null;uniqueIndex:idx_race_entrants_room_actor,priority:2"`
	ActorName        string        `gorm:"column:actor_name;size:320"`
	Status           EntrantStatus `gorm:"column:status;size:16;not null"`
	Place            int           `gorm:"column:place;not null;default:0"`
	FinishTimeMillis int64         `gorm:"column:finish_time_ms;not null;default:0"`
	FinishedAt       *time.Time    `gorm:"column:finished_at"`
	JoinedAt         time.Time     `gorm:"column:joined_at;not null"`
	UpdatedAt        time.Time     `gorm:"column:updated_at;autoUpdateTime"`
}

func (Entrant) TableName() string {
	return "race_entrants"
}

// Ready reports whether the entrant is waiting for the race to start.
func (e Entrant) Ready() bool {
	return e.Status == EntrantReady
}

// Message is a chat or system line. Seq is gap-free per room and never reused.
type Message struct {
	ID         uint64    `gorm:"column:id;primaryKey;autoIncrement"`
	RoomID     uint64    `gorm:"column:room_id;not null;uniqueIndex:idx_race_messages_room_seq,priority:1"`
	Seq        int64     `gorm:"column:seq;not null;uniqueIndex:idx_race_messages_room_seq,priority:2"`
	AuthorID   string    `gorm:"column:author_id;size:190"`
	AuthorName string    `gorm:"column:author_name;size:320"`
	Body       string    `gorm:"column:body;type:text;not null"`
	System     bool      `gorm:"column:is_system;not null;default:false"`
	Deleted    bool      `gorm:"column:deleted;not null;default:false"`
	DeletedBy  string    `gorm:"column:deleted_by;size:190"`
	PostedAt   time.Time `gorm:"column:posted_at;not null"`
}

func (Message) TableName() string {
	return "race_messages"
}

// AuditLog records who changed what on a room.
type AuditLog struct {
	ID        string    `gorm:"column:id;primaryKey;size:64"`
	RoomID    uint64    `gorm:"column:room_id;not null;index"`
	ActorID   string    `gorm:"column:actor_id;size:190"`
	Action    string    `gorm:"column:action;size:64;not null"`
	OldValue  string    `gorm:"column:old_value;type:text"`
	NewValue  string    `gorm:"column:new_value;type:text"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
}

func (AuditLog) TableName() string {
	return "race_audit_log"
}

// Models lists every table owned by the package, in migration order.
func Models() []any {
	return []any{&Room{}, &Entrant{}, &Message{}, &AuditLog{}}
}
