package races

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

const (
	maxGoalLength       = 255
	maxInfoLength       = 2000
	maxChatMessageDelay = 90
)

// Edit carries the metadata fields a monitor wants to change. Nil fields are left alone.
type Edit struct {
	Goal              *string `json:"goal,omitempty" mapstructure:"goal"`
	CustomGoal        *string `json:"custom_goal,omitempty" mapstructure:"custom_goal"`
	Info              *string `json:"info,omitempty" mapstructure:"info"`
	StreamingRequired *bool   `json:"streaming_required,omitempty" mapstructure:"streaming_required"`
	ChatMessageDelay  *int    `json:"chat_message_delay,omitempty" mapstructure:"chat_message_delay"`
}

// editField describes one editable field. Fields sharing a message group emit a single system message.
type editField struct {
	name          string
	auditAction   string
	messageGroup  string
	preparingOnly bool
	rating        bool
	apply         func(room *Room, edit Edit) (oldValue, newValue string, changed bool)
	message       func(editor Actor, room Room) string
}

var editFields = []editField{
	{
		name:         "goal",
		auditAction:  "race_goal_change",
		messageGroup: "goal",
		rating:       true,
		apply: func(room *Room, edit Edit) (string, string, bool) {
			if edit.Goal == nil {
				return "", "", false
			}
			return setString(&room.Goal, strings.TrimSpace(*edit.Goal))
		},
		message: goalMessage,
	},
	{
		name:         "custom_goal",
		auditAction:  "race_goal_change",
		messageGroup: "goal",
		rating:       true,
		apply: func(room *Room, edit Edit) (string, string, bool) {
			if edit.CustomGoal == nil {
				return "", "", false
			}
			return setString(&room.CustomGoal, strings.TrimSpace(*edit.CustomGoal))
		},
		message: goalMessage,
	},
	{
		name:         "info",
		auditAction:  "race_info_change",
		messageGroup: "info",
		apply: func(room *Room, edit Edit) (string, string, bool) {
			if edit.Info == nil {
				return "", "", false
			}
			return setString(&room.Info, strings.TrimSpace(*edit.Info))
		},
		message: func(editor Actor, _ Room) string {
			return fmt.Sprintf("%s updated the race information.", editor.Name)
		},
	},
	{
		name:          "streaming_required",
		auditAction:   "race_streaming_change",
		messageGroup:  "streaming_required",
		preparingOnly: true,
		apply: func(room *Room, edit Edit) (string, string, bool) {
			if edit.StreamingRequired == nil || *edit.StreamingRequired == room.StreamingRequired {
				return "", "", false
			}
			oldValue := strconv.FormatBool(room.StreamingRequired)
			room.StreamingRequired = *edit.StreamingRequired
			return oldValue, strconv.FormatBool(room.StreamingRequired), true
		},
		message: func(_ Actor, room Room) string {
			if room.StreamingRequired {
				return "Streaming is now required for this race."
			}
			return "Streaming is now NOT required for this race."
		},
	},
	{
		name:         "chat_message_delay",
		auditAction:  "race_chat_delay_change",
		messageGroup: "chat_message_delay",
		apply: func(room *Room, edit Edit) (string, string, bool) {
			if edit.ChatMessageDelay == nil || *edit.ChatMessageDelay == room.ChatMessageDelay {
				return "", "", false
			}
			oldValue := strconv.Itoa(room.ChatMessageDelay)
			room.ChatMessageDelay = *edit.ChatMessageDelay
			return oldValue, strconv.Itoa(room.ChatMessageDelay), true
		},
		message: func(_ Actor, room Room) string {
			if room.ChatMessageDelay > 0 {
				return fmt.Sprintf("Chat delay is now %d seconds.", room.ChatMessageDelay)
			}
			return "Chat delay has been removed."
		},
	},
}

func goalMessage(editor Actor, room Room) string {
	return fmt.Sprintf("%s set a new goal: %s.", editor.Name, room.GoalText())
}

func setString(target *string, value string) (string, string, bool) {
	if *target == value {
		return "", "", false
	}
	oldValue := *target
	*target = value
	return oldValue, value, true
}

// normalizeGoals keeps goal and custom goal mutually exclusive: setting one clears the other.
func (e Edit) normalizeGoals() (Edit, error) {
	goalSet := e.Goal != nil && strings.TrimSpace(*e.Goal) != ""
	customSet := e.CustomGoal != nil && strings.TrimSpace(*e.CustomGoal) != ""
	if goalSet && customSet {
		return e, fmt.Errorf("%w: goal and custom goal are mutually exclusive", ErrInvalidRequest)
	}
	empty := ""
	if goalSet {
		e.CustomGoal = &empty
	}
	if customSet {
		e.Goal = &empty
	}
	return e, nil
}

func (e Edit) validate(category CategoryInfo) error {
	if e.Goal != nil {
		goal := strings.TrimSpace(*e.Goal)
		if goal != "" && !slices.Contains(category.Goals, goal) {
			return fmt.Errorf("%w: %q is not a goal of %s", ErrInvalidRequest, goal, category.Slug)
		}
	}
	if e.CustomGoal != nil && len(strings.TrimSpace(*e.CustomGoal)) > maxGoalLength {
		return fmt.Errorf("%w: custom goal is too long", ErrInvalidRequest)
	}
	if e.Info != nil && len(strings.TrimSpace(*e.Info)) > maxInfoLength {
		return fmt.Errorf("%w: info is too long", ErrInvalidRequest)
	}
	if e.ChatMessageDelay != nil && (*e.ChatMessageDelay < 0 || *e.ChatMessageDelay > maxChatMessageDelay) {
		return fmt.Errorf("%w: chat delay must be between 0 and %d seconds", ErrInvalidRequest, maxChatMessageDelay)
	}
	return nil
}

// ApplyEdit runs every field of the edit table against the room. Each changed
// field writes one audit row; each changed message group writes one system message.
func (u *Update) ApplyEdit(editor Actor, category CategoryInfo, edit Edit) error {
	if u.Room.State.Terminal() {
		return fmt.Errorf("%w: room is %s and can no longer be edited", ErrIllegalAction, u.Room.State)
	}
	edit, err := edit.normalizeGoals()
	if err != nil {
		return err
	}
	if err := edit.validate(category); err != nil {
		return err
	}

	working := u.Room
	changedGroups := make([]string, 0, len(editFields))
	messages := make(map[string]func(Actor, Room) string, len(editFields))
	audits := make([]AuditLog, 0, len(editFields))
	rating := false
	for _, field := range editFields {
		oldValue, newValue, changed := field.apply(&working, edit)
		if !changed {
			continue
		}
		if field.preparingOnly && !u.Room.State.Preparing() {
			return fmt.Errorf("%w: %s can only change before the race starts", ErrIllegalAction, field.name)
		}
		audits = append(audits, AuditLog{ActorID: editor.ID, Action: field.auditAction, OldValue: oldValue, NewValue: newValue})
		if _, seen := messages[field.messageGroup]; !seen {
			changedGroups = append(changedGroups, field.messageGroup)
			messages[field.messageGroup] = field.message
		}
		rating = rating || field.rating
	}
	if len(changedGroups) == 0 {
		return nil
	}
	if working.GoalText() == "" {
		return fmt.Errorf("%w: a goal or custom goal is required", ErrInvalidRequest)
	}

	u.Room = working
	u.touchRoom()
	for _, entry := range audits {
		u.audit(entry.ActorID, entry.Action, entry.OldValue, entry.NewValue)
	}
	for _, group := range changedGroups {
		u.systemMessage("%s", messages[group](editor, u.Room))
	}
	if rating {
		u.requestRatings(ratingReasonGoalChanged)
	}
	return nil
}
