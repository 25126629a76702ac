package races

import (
	"cmp"
	"slices"
)

const (
	ratingReasonFinished    = "race_finished"
	ratingReasonGoalChanged = "goal_changed"
)

// evaluateStart moves a preparing room to pending when every counted entrant is ready.
// Invited, declined, and dropped rows do not count.
func (u *Update) evaluateStart() bool {
	if !u.Room.State.Preparing() {
		return false
	}
	counted := 0
	for _, entrant := range u.Entrants {
		switch entrant.Status {
		case EntrantReady:
			counted++
		case EntrantJoined:
			return false
		}
	}
	if counted < u.rules.MinEntrants {
		return false
	}
	u.enterPending()
	return true
}

func (u *Update) enterPending() {
	deadline := u.now.Add(u.rules.Countdown)
	u.Room.PrePendingState = u.Room.State
	u.Room.State = StatePending
	u.Room.CountdownEndsAt = &deadline
	u.touchRoom()
	u.systemMessage("Everyone is ready. The race will begin in %d seconds!", int(u.rules.Countdown.Seconds()))
}

func (u *Update) revertPending() {
	previous := u.Room.PrePendingState
	if !previous.Preparing() {
		previous = StateOpen
		if u.Room.Invitational {
			previous = StateInvitational
		}
	}
	u.Room.State = previous
	u.Room.PrePendingState = ""
	u.Room.CountdownEndsAt = nil
	u.touchRoom()
	u.systemMessage("Race start cancelled because an entrant is no longer ready.")
}

// Begin starts a pending room once its countdown elapses.
func (u *Update) Begin() error {
	if u.Room.State != StatePending {
		return invariantf("room is %s, only a pending room can begin", u.Room.State)
	}
	started := u.now
	u.Room.State = StateInProgress
	u.Room.PrePendingState = ""
	u.Room.CountdownEndsAt = nil
	u.Room.StartedAt = &started
	u.touchRoom()
	for index := range u.Entrants {
		if u.Entrants[index].Status == EntrantReady {
			u.setStatus(index, EntrantRacing)
		}
	}
	u.systemMessage("The race has begun! Good luck!")
	return nil
}

// ForceStart starts the countdown with whoever is ready. Joined entrants who
// are not ready are dropped from the room.
func (u *Update) ForceStart(monitor Actor) error {
	if !u.Room.State.Preparing() {
		return invariantf("room is %s and cannot be force-started", u.Room.State)
	}
	ready := 0
	for _, entrant := range u.Entrants {
		if entrant.Status == EntrantReady {
			ready++
		}
	}
	if ready == 0 {
		return invariantf("no entrant is ready")
	}
	for index := range u.Entrants {
		if u.Entrants[index].Status == EntrantJoined {
			u.setStatus(index, EntrantDropped)
		}
	}
	u.systemMessage("%s has forced the race to start.", monitor.Name)
	u.audit(monitor.ID, "race_force_start", string(u.Room.State), string(StatePending))
	u.enterPending()
	return nil
}

// evaluateFinish finishes the room when no entrant is still racing.
func (u *Update) evaluateFinish() bool {
	if u.Room.State != StateInProgress {
		return false
	}
	for _, entrant := range u.Entrants {
		if entrant.Status == EntrantRacing {
			return false
		}
	}
	u.finish()
	return true
}

func (u *Update) finish() {
	ended := u.now
	u.Room.State = StateFinished
	u.Room.EndedAt = &ended
	u.touchRoom()
	u.systemMessage("Race finished in %s.", formatDuration(u.elapsedMillis()))
	u.requestRatings(ratingReasonFinished)
}

// ForceFinish marks every remaining racer as dnf and finishes the room.
func (u *Update) ForceFinish(monitor Actor) error {
	if u.Room.State != StateInProgress {
		return invariantf("room is %s and cannot be force-finished", u.Room.State)
	}
	finishedAt := u.now
	for index := range u.Entrants {
		if u.Entrants[index].Status == EntrantRacing {
			u.Entrants[index].FinishedAt = &finishedAt
			u.setStatus(index, EntrantDNF)
		}
	}
	u.systemMessage("%s has ended the race.", monitor.Name)
	u.audit(monitor.ID, "race_force_finish", string(StateInProgress), string(StateFinished))
	u.finish()
	return nil
}

// Cancel terminates a non-terminal room and discards any recorded results.
func (u *Update) Cancel(monitor Actor) error {
	if u.Room.State.Terminal() {
		return invariantf("room is already %s", u.Room.State)
	}
	previous := u.Room.State
	ended := u.now
	u.Room.State = StateCancelled
	u.Room.PrePendingState = ""
	u.Room.CountdownEndsAt = nil
	u.Room.EndedAt = &ended
	u.touchRoom()
	for index := range u.Entrants {
		entrant := &u.Entrants[index]
		if entrant.Place != 0 || entrant.FinishTimeMillis != 0 || entrant.FinishedAt != nil {
			entrant.Place = 0
			entrant.FinishTimeMillis = 0
			entrant.FinishedAt = nil
			u.touchEntrant(index)
		}
	}
	u.systemMessage("%s has cancelled the race.", monitor.Name)
	u.audit(monitor.ID, "race_cancel", string(previous), string(StateCancelled))
	return nil
}

// currentGroup ranks states for the current-rooms listing.
func currentGroup(state State) int {
	switch state {
	case StateOpen, StateInvitational:
		return 0
	case StatePending, StateInProgress:
		return 1
	default:
		return 2
	}
}

// SortCurrent orders rooms by state group, then opened time ascending, then id.
func SortCurrent(rooms []Room) {
	slices.SortStableFunc(rooms, func(a, b Room) int {
		return cmp.Or(
			cmp.Compare(currentGroup(a.State), currentGroup(b.State)),
			a.OpenedAt.Compare(b.OpenedAt),
			cmp.Compare(a.ID, b.ID),
		)
	})
}
