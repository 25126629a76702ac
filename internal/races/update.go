package races

import (
	"fmt"
	"time"
)

// Rules are the tunable parameters of the lifecycle.
type Rules struct {
	Countdown   time.Duration
	MinEntrants int
}

func (r Rules) normalized() Rules {
	if r.Countdown <= 0 {
		r.Countdown = 15 * time.Second
	}
	if r.MinEntrants < 1 {
		r.MinEntrants = 1
	}
	return r
}

// Update is the working copy of one room between BeginUpdate and Commit.
// Mutations are recorded here and written as a single unit by Commit.
type Update struct {
	Room     Room
	Entrants []Entrant

	baseVersion     int64
	now             time.Time
	rules           Rules
	roomChanged     bool
	changedEntrants map[int]struct{}
	messages        []Message
	audits          []AuditLog
	ratingReason    string
}

func newUpdate(room Room, entrants []Entrant) *Update {
	return &Update{
		Room:            room,
		Entrants:        entrants,
		baseVersion:     room.Version,
		now:             time.Now().UTC(),
		rules:           Rules{}.normalized(),
		changedEntrants: make(map[int]struct{}),
	}
}

// BaseVersion is the version read at BeginUpdate.
func (u *Update) BaseVersion() int64 {
	return u.baseVersion
}

func (u *Update) prepare(now time.Time, rules Rules) {
	u.now = now.UTC()
	u.rules = rules.normalized()
}

// Steps is the number of version increments the commit carries: one for the
// room row and one for the entrant registry, at least one per commit.
func (u *Update) Steps() int64 {
	var steps int64
	if u.roomChanged {
		steps++
	}
	if len(u.changedEntrants) > 0 {
		steps++
	}
	if steps == 0 {
		steps = 1
	}
	return steps
}

// Changed reports whether anything would be written.
func (u *Update) Changed() bool {
	return u.roomChanged || len(u.changedEntrants) > 0 || len(u.messages) > 0 || len(u.audits) > 0
}

// SystemMessages returns the system lines queued by this update.
func (u *Update) SystemMessages() []Message {
	return append([]Message(nil), u.messages...)
}

// RatingReason is non-empty when a rating recalculation must follow the commit.
func (u *Update) RatingReason() string {
	return u.ratingReason
}

func (u *Update) touchRoom() {
	u.roomChanged = true
}

func (u *Update) touchEntrant(index int) {
	u.changedEntrants[index] = struct{}{}
}

func (u *Update) entrantIndex(actorID string) int {
	for index := range u.Entrants {
		if u.Entrants[index].ActorID == actorID {
			return index
		}
	}
	return -1
}

// Entrant returns the actor's row, withdrawn or not.
func (u *Update) Entrant(actorID string) *Entrant {
	index := u.entrantIndex(actorID)
	if index < 0 {
		return nil
	}
	return &u.Entrants[index]
}

func (u *Update) systemMessage(format string, args ...any) {
	u.messages = append(u.messages, Message{
		RoomID:   u.Room.ID,
		Body:     fmt.Sprintf(format, args...),
		System:   true,
		PostedAt: u.now,
	})
}

func (u *Update) audit(actorID, action, oldValue, newValue string) {
	u.audits = append(u.audits, AuditLog{
		RoomID:    u.Room.ID,
		ActorID:   actorID,
		Action:    action,
		OldValue:  oldValue,
		NewValue:  newValue,
		CreatedAt: u.now,
	})
}

func (u *Update) requestRatings(reason string) {
	if u.ratingReason == "" {
		u.ratingReason = reason
	}
}
