package races

import (
	"cmp"
	"fmt"
	"slices"
	"time"

	"github.com/mitchellh/hashstructure/v2"
)

// EntrantView is the public shape of an entrant.
type EntrantView struct {
	ActorID          string        `json:"actor_id"`
	Name             string        `json:"name"`
	Status           EntrantStatus `json:"status"`
	Ready            bool          `json:"ready"`
	Place            int           `json:"place,omitempty"`
	FinishTimeMillis int64         `json:"finish_time_ms,omitempty"`
	FinishedAt       *time.Time    `json:"finished_at,omitempty"`
}

// MessageView is the public shape of a message.
type MessageView struct {
	Seq        int64     `json:"seq"`
	AuthorID   string    `json:"author_id,omitempty"`
	AuthorName string    `json:"author_name,omitempty"`
	Body       string    `json:"body"`
	System     bool      `json:"is_system"`
	PostedAt   time.Time `json:"posted_at"`
}

// RoomSnapshot is the materialized view of one committed room version.
type RoomSnapshot struct {
	RoomID            uint64        `json:"-"`
	Category          string        `json:"category"`
	Slug              string        `json:"slug"`
	Name              string        `json:"name"`
	State             State         `json:"state"`
	Version           int64         `json:"version"`
	Goal              string        `json:"goal,omitempty"`
	CustomGoal        string        `json:"custom_goal,omitempty"`
	Info              string        `json:"info,omitempty"`
	StreamingRequired bool          `json:"streaming_required"`
	Invitational      bool          `json:"invitational"`
	ChatMessageDelay  int           `json:"chat_message_delay"`
	OpenedBy          string        `json:"opened_by"`
	OpenedAt          time.Time     `json:"opened_at"`
	StartedAt         *time.Time    `json:"started_at,omitempty"`
	EndedAt           *time.Time    `json:"ended_at,omitempty"`
	CountdownEndsAt   *time.Time    `json:"countdown_ends_at,omitempty"`
	Entrants          []EntrantView `json:"entrants"`
	Messages          []MessageView `json:"messages"`
	LastMessageSeq    int64         `json:"last_message_seq"`
	GeneratedAt       time.Time     `json:"generated_at" hash:"ignore"`
}

// Ref returns the room reference of the snapshot.
func (s RoomSnapshot) Ref() RoomRef {
	return RoomRef{category: s.Category, slug: s.Slug}
}

// Entrant finds the entrant view for an actor.
func (s RoomSnapshot) Entrant(actorID string) (EntrantView, bool) {
	for _, entrant := range s.Entrants {
		if entrant.ActorID == actorID {
			return entrant, true
		}
	}
	return EntrantView{}, false
}

// ETag fingerprints the snapshot content, excluding when it was generated.
func (s RoomSnapshot) ETag() (string, error) {
	hash, err := hashstructure.Hash(s, hashstructure.FormatV2, nil)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("\"%d-%x\"", s.Version, hash), nil
}

// WithMessage returns a copy with message appended and the window trimmed.
func (s RoomSnapshot) WithMessage(message MessageView, window int) RoomSnapshot {
	if message.Seq <= s.LastMessageSeq {
		return s
	}
	messages := append(append([]MessageView(nil), s.Messages...), message)
	if window > 0 && len(messages) > window {
		messages = messages[len(messages)-window:]
	}
	s.Messages = messages
	s.LastMessageSeq = message.Seq
	return s
}

// WithoutMessage returns a copy with the message removed from the window.
func (s RoomSnapshot) WithoutMessage(seq int64) RoomSnapshot {
	s.Messages = slices.DeleteFunc(append([]MessageView(nil), s.Messages...), func(message MessageView) bool {
		return message.Seq == seq
	})
	return s
}

var entrantRank = map[EntrantStatus]int{
	EntrantDone:    0,
	EntrantRacing:  1,
	EntrantReady:   2,
	EntrantJoined:  3,
	EntrantInvited: 4,
	EntrantDNF:     5,
}

func buildSnapshot(state RoomState, generatedAt time.Time) RoomSnapshot {
	room := state.Room
	snapshot := RoomSnapshot{
		RoomID:            room.ID,
		Category:          room.CategorySlug,
		Slug:              room.Slug,
		Name:              room.CategorySlug + "/" + room.Slug,
		State:             room.State,
		Version:           room.Version,
		Goal:              room.Goal,
		CustomGoal:        room.CustomGoal,
		Info:              room.Info,
		StreamingRequired: room.StreamingRequired,
		Invitational:      room.Invitational,
		ChatMessageDelay:  room.ChatMessageDelay,
		OpenedBy:          room.OpenedBy,
		OpenedAt:          room.OpenedAt,
		StartedAt:         room.StartedAt,
		EndedAt:           room.EndedAt,
		CountdownEndsAt:   room.CountdownEndsAt,
		Entrants:          make([]EntrantView, 0, len(state.Entrants)),
		Messages:          make([]MessageView, 0, len(state.Messages)),
		LastMessageSeq:    room.MessageSeq,
		GeneratedAt:       generatedAt,
	}

	entrants := slices.DeleteFunc(append([]Entrant(nil), state.Entrants...), func(entrant Entrant) bool {
		return entrant.Status.Withdrawn()
	})
	slices.SortStableFunc(entrants, func(a, b Entrant) int {
		return cmp.Or(
			cmp.Compare(entrantRank[a.Status], entrantRank[b.Status]),
			cmp.Compare(a.Place, b.Place),
			a.JoinedAt.Compare(b.JoinedAt),
			cmp.Compare(a.ID, b.ID),
		)
	})
	for _, entrant := range entrants {
		snapshot.Entrants = append(snapshot.Entrants, EntrantView{
			ActorID:          entrant.ActorID,
			Name:             entrant.ActorName,
			Status:           entrant.Status,
			Ready:            entrant.Ready(),
			Place:            entrant.Place,
			FinishTimeMillis: entrant.FinishTimeMillis,
			FinishedAt:       entrant.FinishedAt,
		})
	}
	for _, message := range state.Messages {
		snapshot.Messages = append(snapshot.Messages, messageView(message))
	}
	return snapshot
}

func messageView(message Message) MessageView {
	return MessageView{
		Seq:        message.Seq,
		AuthorID:   message.AuthorID,
		AuthorName: message.AuthorName,
		Body:       message.Body,
		System:     message.System,
		PostedAt:   message.PostedAt,
	}
}
