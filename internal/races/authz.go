package races

import "slices"

// Actor is a resolved identity. The zero value is an anonymous viewer.
type Actor struct {
	ID    string
	Name  string
	Staff bool
}

func (a Actor) Anonymous() bool {
	return a.ID == ""
}

// CategoryInfo is what the room core needs to know about a category.
type CategoryInfo struct {
	Slug           string
	Name           string
	Active         bool
	AllowUserRaces bool
	OwnerIDs       []string
	ModeratorIDs   []string
	Goals          []string
	SlugWords      []string
}

// CanModerate reports owner, moderator, or staff standing in the category.
func (c CategoryInfo) CanModerate(actor Actor) bool {
	if actor.Anonymous() {
		return false
	}
	return actor.Staff || slices.Contains(c.OwnerIDs, actor.ID) || slices.Contains(c.ModeratorIDs, actor.ID)
}

// CanStartRace reports whether the actor may open a room in the category.
func (c CategoryInfo) CanStartRace(actor Actor) bool {
	if actor.Anonymous() {
		return false
	}
	if actor.Staff {
		return true
	}
	if !c.Active {
		return false
	}
	return c.AllowUserRaces || c.CanModerate(actor)
}

// Role is the actor's standing toward one room.
type Role string

const (
	RoleAnonymous Role = "anonymous"
	RoleEntrant   Role = "entrant"
	RoleMonitor   Role = "monitor"
	RoleStaff     Role = "staff"
)

// ResolveRole derives the role of an actor toward a room. The room opener
// monitors their own room alongside category owners and moderators.
func ResolveRole(actor Actor, category CategoryInfo, openedBy string) Role {
	switch {
	case actor.Anonymous():
		return RoleAnonymous
	case actor.Staff:
		return RoleStaff
	case category.CanModerate(actor), openedBy != "" && openedBy == actor.ID:
		return RoleMonitor
	default:
		return RoleEntrant
	}
}

// Action identifies something an actor can do to a room.
type Action string

const (
	ActionJoin          Action = "join"
	ActionAcceptInvite  Action = "accept_invite"
	ActionDeclineInvite Action = "decline_invite"
	ActionReady         Action = "ready"
	ActionUnready       Action = "unready"
	ActionLeave         Action = "leave"
	ActionDone          Action = "done"
	ActionForfeit       Action = "forfeit"
	ActionMessage       Action = "message"
	ActionInvite        Action = "invite"
	ActionForceStart    Action = "force_start"
	ActionForceFinish   Action = "force_finish"
	ActionCancel        Action = "cancel"
	ActionEdit          Action = "edit"
	ActionDeleteMessage Action = "delete_message"
)

// ParseAction returns the known action matching value.
func ParseAction(value string) (Action, bool) {
	action := Action(value)
	if slices.Contains(actionOrder, action) {
		return action, true
	}
	return "", false
}

var actionOrder = []Action{
	ActionJoin,
	ActionAcceptInvite,
	ActionDeclineInvite,
	ActionReady,
	ActionUnready,
	ActionLeave,
	ActionDone,
	ActionForfeit,
	ActionMessage,
	ActionInvite,
	ActionForceStart,
	ActionForceFinish,
	ActionCancel,
	ActionEdit,
	ActionDeleteMessage,
}

// actionTable is the single source for both the server-side guard and the
// affordances offered to clients. Staff use the monitor column.
var actionTable = map[State]map[Role][]Action{
	StateOpen: {
		RoleEntrant: {ActionJoin, ActionAcceptInvite, ActionDeclineInvite, ActionReady, ActionUnready, ActionLeave, ActionMessage},
		RoleMonitor: {ActionJoin, ActionAcceptInvite, ActionDeclineInvite, ActionReady, ActionUnready, ActionLeave, ActionMessage,
			ActionInvite, ActionForceStart, ActionCancel, ActionEdit, ActionDeleteMessage},
	},
	StateInvitational: {
		RoleEntrant: {ActionAcceptInvite, ActionDeclineInvite, ActionReady, ActionUnready, ActionLeave, ActionMessage},
		RoleMonitor: {ActionAcceptInvite, ActionDeclineInvite, ActionReady, ActionUnready, ActionLeave, ActionMessage,
			ActionInvite, ActionForceStart, ActionCancel, ActionEdit, ActionDeleteMessage},
	},
	StatePending: {
		RoleEntrant: {ActionUnready, ActionMessage},
		RoleMonitor: {ActionUnready, ActionMessage, ActionCancel, ActionEdit, ActionDeleteMessage},
	},
	StateInProgress: {
		RoleEntrant: {ActionDone, ActionForfeit, ActionMessage},
		RoleMonitor: {ActionDone, ActionForfeit, ActionMessage,
			ActionForceFinish, ActionCancel, ActionEdit, ActionDeleteMessage},
	},
	StateFinished: {
		RoleEntrant: {ActionMessage},
		RoleMonitor: {ActionMessage, ActionDeleteMessage},
	},
	StateCancelled: {
		RoleEntrant: {ActionMessage},
		RoleMonitor: {ActionMessage, ActionDeleteMessage},
	},
}

// Standing is the actor's own entrant position in the room.
type Standing string

const (
	StandingNone     Standing = "none"
	StandingInvited  Standing = "invited"
	StandingJoined   Standing = "joined"
	StandingReady    Standing = "ready"
	StandingRacing   Standing = "racing"
	StandingFinished Standing = "finished"
)

// StandingOf maps an entrant row onto a standing. Withdrawn rows count as none
// so a dropped entrant can rejoin while the room is still open.
func StandingOf(entrant *Entrant) Standing {
	if entrant == nil {
		return StandingNone
	}
	switch entrant.Status {
	case EntrantInvited:
		return StandingInvited
	case EntrantJoined:
		return StandingJoined
	case EntrantReady:
		return StandingReady
	case EntrantRacing:
		return StandingRacing
	case EntrantDone, EntrantDNF:
		return StandingFinished
	default:
		return StandingNone
	}
}

// standingRequirements narrows entrant-level actions by the actor's own standing.
// Actions missing from the map carry no standing requirement.
var standingRequirements = map[Action][]Standing{
	ActionJoin:          {StandingNone},
	ActionAcceptInvite:  {StandingInvited},
	ActionDeclineInvite: {StandingInvited},
	ActionReady:         {StandingJoined},
	ActionUnready:       {StandingReady},
	ActionLeave:         {StandingJoined, StandingReady},
	ActionDone:          {StandingRacing},
	ActionForfeit:       {StandingRacing},
}

// Viewer is everything the authorization table needs about one actor and room.
type Viewer struct {
	Role           Role
	Standing       Standing
	CategoryActive bool
}

// NewViewer resolves the viewer for an actor, category, room opener, and the actor's own entrant row.
func NewViewer(actor Actor, category CategoryInfo, openedBy string, entrant *Entrant) Viewer {
	return Viewer{
		Role:           ResolveRole(actor, category, openedBy),
		Standing:       StandingOf(entrant),
		CategoryActive: category.Active,
	}
}

// Actions returns the ordered action set for the viewer in state.
func (v Viewer) Actions(state State) []Action {
	if v.Role == RoleAnonymous {
		return nil
	}
	if !v.CategoryActive && v.Role != RoleStaff {
		return nil
	}
	column := v.Role
	if column == RoleStaff {
		column = RoleMonitor
	}
	granted := actionTable[state][column]
	actions := make([]Action, 0, len(granted))
	for _, action := range actionOrder {
		if !slices.Contains(granted, action) {
			continue
		}
		if required, ok := standingRequirements[action]; ok && !slices.Contains(required, v.Standing) {
			continue
		}
		actions = append(actions, action)
	}
	return actions
}

// Allows reports whether action is in the viewer's action set for state.
func (v Viewer) Allows(state State, action Action) bool {
	return slices.Contains(v.Actions(state), action)
}
