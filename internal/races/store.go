package races

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Store is the persistence boundary for rooms. BeginUpdate and Commit form the
// version guard: Commit writes only if the stored version still equals the one read.
type Store struct {
	db  *gorm.DB
	ids IDProvider
}

// NewStore wraps a migrated database handle.
func NewStore(db *gorm.DB, ids IDProvider) *Store {
	if ids == nil {
		ids = NewUUIDProvider()
	}
	return &Store{db: db, ids: ids}
}

// FindRoom loads a room row by reference.
func (s *Store) FindRoom(ctx context.Context, ref RoomRef) (Room, error) {
	var room Room
	err := s.db.WithContext(ctx).
		Where("category_slug = ? AND slug = ?", ref.Category(), ref.Slug()).
		Take(&room).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Room{}, fmt.Errorf("%w: room %s", ErrNotFound, ref)
	}
	return room, err
}

// BeginUpdate reads the room and its entrants as one consistent unit.
func (s *Store) BeginUpdate(ctx context.Context, roomID uint64) (*Update, error) {
	var (
		room     Room
		entrants []Entrant
	)
	err := s.readTransaction(ctx, func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", roomID).Take(&room).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: room %d", ErrNotFound, roomID)
			}
			return err
		}
		return tx.Where("room_id = ?", roomID).Order("id ASC").Find(&entrants).Error
	})
	if err != nil {
		return nil, err
	}
	return newUpdate(room, entrants), nil
}

// Commit writes the update in one transaction and returns the new version.
// The version advances by update.Steps(), so a commit touching both the room
// and its entrants moves it by two (5 to 7) and subscribers never see 6.
// It fails with ErrVersionConflict when another commit won the race.
func (s *Store) Commit(ctx context.Context, update *Update) (int64, error) {
	newVersion := update.baseVersion + update.Steps()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		columns := roomColumns(update.Room)
		columns["version"] = newVersion
		if count := len(update.messages); count > 0 {
			columns["message_seq"] = gorm.Expr("message_seq + ?", count)
		}
		result := tx.Model(&Room{}).
			Where("id = ? AND version = ?", update.Room.ID, update.baseVersion).
			Updates(columns)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: room %d moved past version %d", ErrVersionConflict, update.Room.ID, update.baseVersion)
		}

		for index := range update.changedEntrants {
			entrant := &update.Entrants[index]
			entrant.RoomID = update.Room.ID
			if entrant.ID == 0 {
				if err := tx.Create(entrant).Error; err != nil {
					return err
				}
				continue
			}
			if err := tx.Save(entrant).Error; err != nil {
				return err
			}
		}

		if len(update.messages) > 0 {
			first, err := allocatedFrom(tx, update.Room.ID, int64(len(update.messages)))
			if err != nil {
				return err
			}
			for index := range update.messages {
				update.messages[index].RoomID = update.Room.ID
				update.messages[index].Seq = first + int64(index)
			}
			if err := tx.Create(&update.messages).Error; err != nil {
				return err
			}
		}

		for index := range update.audits {
			id, err := s.ids.NewID()
			if err != nil {
				return err
			}
			update.audits[index].ID = id
			update.audits[index].RoomID = update.Room.ID
		}
		if len(update.audits) > 0 {
			if err := tx.Create(&update.audits).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	update.Room.Version = newVersion
	return newVersion, nil
}

// CreateRoom inserts a new room together with its audit row.
func (s *Store) CreateRoom(ctx context.Context, room *Room, audit AuditLog) error {
	id, err := s.ids.NewID()
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(room).Error; err != nil {
			return err
		}
		audit.ID = id
		audit.RoomID = room.ID
		return tx.Create(&audit).Error
	})
}

// SlugTaken reports whether a slug is already used in the category.
func (s *Store) SlugTaken(ctx context.Context, category, slug string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Room{}).
		Where("category_slug = ? AND slug = ?", category, slug).
		Count(&count).Error
	return count > 0, err
}

// CountOpenedRooms counts non-terminal rooms the actor opened.
func (s *Store) CountOpenedRooms(ctx context.Context, actorID string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Room{}).
		Where("opened_by = ? AND state NOT IN ?", actorID, []State{StateFinished, StateCancelled}).
		Count(&count).Error
	return count, err
}

// AppendMessage allocates the next sequence and stores a chat line. It does not
// touch the room version.
func (s *Store) AppendMessage(ctx context.Context, message *Message) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&Room{}).
			Where("id = ?", message.RoomID).
			UpdateColumn("message_seq", gorm.Expr("message_seq + 1"))
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: room %d", ErrNotFound, message.RoomID)
		}
		seq, err := allocatedFrom(tx, message.RoomID, 1)
		if err != nil {
			return err
		}
		message.Seq = seq
		return tx.Create(message).Error
	})
}

// MarkMessageDeleted flags a message as deleted. The row and its sequence stay.
func (s *Store) MarkMessageDeleted(ctx context.Context, roomID uint64, seq int64, actorID string) (Message, error) {
	var message Message
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("room_id = ? AND seq = ?", roomID, seq).Take(&message).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: message %d", ErrNotFound, seq)
			}
			return err
		}
		if message.Deleted {
			return fmt.Errorf("%w: message %d is already deleted", ErrInvariantViolation, seq)
		}
		message.Deleted = true
		message.DeletedBy = actorID
		return tx.Model(&Message{}).
			Where("id = ?", message.ID).
			Updates(map[string]any{"deleted": true, "deleted_by": actorID}).Error
	})
	return message, err
}

// RoomState holds one consistent read of a room.
type RoomState struct {
	Room     Room
	Entrants []Entrant
	Messages []Message
}

// LoadRoomState reads the room, its entrants and its most recent visible messages together.
func (s *Store) LoadRoomState(ctx context.Context, roomID uint64, window int) (RoomState, error) {
	var state RoomState
	err := s.readTransaction(ctx, func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", roomID).Take(&state.Room).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: room %d", ErrNotFound, roomID)
			}
			return err
		}
		if err := tx.Where("room_id = ?", roomID).Order("id ASC").Find(&state.Entrants).Error; err != nil {
			return err
		}
		var recent []Message
		if err := tx.Where("room_id = ? AND deleted = ?", roomID, false).
			Order("seq DESC").
			Limit(window).
			Find(&recent).Error; err != nil {
			return err
		}
		for index := len(recent) - 1; index >= 0; index-- {
			state.Messages = append(state.Messages, recent[index])
		}
		return nil
	})
	return state, err
}

// VisibleMessages returns every non-deleted message in sequence order.
func (s *Store) VisibleMessages(ctx context.Context, roomID uint64) ([]Message, error) {
	var messages []Message
	err := s.db.WithContext(ctx).
		Where("room_id = ? AND deleted = ?", roomID, false).
		Order("seq ASC").
		Find(&messages).Error
	return messages, err
}

// ListCurrentRooms returns non-terminal rooms of the given categories.
func (s *Store) ListCurrentRooms(ctx context.Context, categories []string) ([]Room, error) {
	if len(categories) == 0 {
		return nil, nil
	}
	var rooms []Room
	err := s.db.WithContext(ctx).
		Where("category_slug IN ? AND state NOT IN ?", categories, []State{StateFinished, StateCancelled}).
		Find(&rooms).Error
	return rooms, err
}

// ListFinishedRooms pages finished rooms of one category, newest first.
func (s *Store) ListFinishedRooms(ctx context.Context, category string, offset, limit int) ([]Room, error) {
	var rooms []Room
	err := s.db.WithContext(ctx).
		Where("category_slug = ? AND state = ?", category, StateFinished).
		Order("ended_at DESC").
		Order("id DESC").
		Offset(offset).
		Limit(limit).
		Find(&rooms).Error
	return rooms, err
}

// PendingRooms returns every room with a running countdown.
func (s *Store) PendingRooms(ctx context.Context) ([]Room, error) {
	var rooms []Room
	err := s.db.WithContext(ctx).Where("state = ?", StatePending).Find(&rooms).Error
	return rooms, err
}

func (s *Store) readTransaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	if s.db.Dialector.Name() == "postgres" {
		return s.db.WithContext(ctx).Transaction(fn, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	}
	return s.db.WithContext(ctx).Transaction(fn)
}

func allocatedFrom(tx *gorm.DB, roomID uint64, count int64) (int64, error) {
	var last int64
	if err := tx.Model(&Room{}).Select("message_seq").Where("id = ?", roomID).Scan(&last).Error; err != nil {
		return 0, err
	}
	return last - count + 1, nil
}

func roomColumns(room Room) map[string]any {
	return map[string]any{
		"goal":                 room.Goal,
		"custom_goal":          room.CustomGoal,
		"info":                 room.Info,
		"state":                room.State,
		"pre_pending_state":    room.PrePendingState,
		"started_at":           room.StartedAt,
		"ended_at":             room.EndedAt,
		"countdown_ends_at":    room.CountdownEndsAt,
		"streaming_required":   room.StreamingRequired,
		"invitational":         room.Invitational,
		"chat_message_delay_s": room.ChatMessageDelay,
		"updated_at":           time.Now().UTC(),
	}
}
