package races

import (
	"fmt"
)

// Outcome is the result an entrant reports for themselves.
type Outcome string

const (
	OutcomeDone    Outcome = "done"
	OutcomeForfeit Outcome = "forfeit"
)

func invariantf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvariantViolation, fmt.Sprintf(format, args...))
}

// Invite adds target as an invited entrant. A previously withdrawn row is reused.
func (u *Update) Invite(inviter Actor, target Actor) error {
	if !u.Room.State.Preparing() {
		return invariantf("room is %s, invitations are closed", u.Room.State)
	}
	if target.Anonymous() {
		return fmt.Errorf("%w: invite target is required", ErrInvalidRequest)
	}
	if index := u.entrantIndex(target.ID); index >= 0 {
		if !u.Entrants[index].Status.Withdrawn() {
			return invariantf("%s is already an entrant", target.Name)
		}
		u.reactivate(index, target, EntrantInvited)
	} else {
		u.appendEntrant(target, EntrantInvited)
	}
	u.systemMessage("%s invites %s to join this race.", inviter.Name, target.Name)
	return nil
}

// Join enters the actor into an open room.
func (u *Update) Join(actor Actor) error {
	if u.Room.State != StateOpen {
		return invariantf("room is %s and does not accept joins", u.Room.State)
	}
	if index := u.entrantIndex(actor.ID); index >= 0 {
		if !u.Entrants[index].Status.Withdrawn() {
			return invariantf("%s has already joined", actor.Name)
		}
		u.reactivate(index, actor, EntrantJoined)
	} else {
		u.appendEntrant(actor, EntrantJoined)
	}
	u.systemMessage("%s joins.", actor.Name)
	return nil
}

// AcceptInvite turns an invitation into a joined entrant.
func (u *Update) AcceptInvite(actor Actor) error {
	index, err := u.requireStatus(actor, EntrantInvited)
	if err != nil {
		return err
	}
	u.setStatus(index, EntrantJoined)
	u.systemMessage("%s accepts an invitation to join.", actor.Name)
	return nil
}

// DeclineInvite withdraws an invitation.
func (u *Update) DeclineInvite(actor Actor) error {
	index, err := u.requireStatus(actor, EntrantInvited)
	if err != nil {
		return err
	}
	u.setStatus(index, EntrantDeclined)
	u.systemMessage("%s declines an invitation to join.", actor.Name)
	return nil
}

// SetReady toggles readiness. Readying may move the room to pending; un-readying
// during pending reverts the room in the same update.
func (u *Update) SetReady(actor Actor, ready bool) error {
	if ready {
		if !u.Room.State.Preparing() {
			return invariantf("room is %s, readiness is locked", u.Room.State)
		}
		index, err := u.requireStatus(actor, EntrantJoined)
		if err != nil {
			return err
		}
		u.setStatus(index, EntrantReady)
		u.systemMessage("%s is ready!", actor.Name)
		u.evaluateStart()
		return nil
	}

	if !u.Room.State.Preparing() && u.Room.State != StatePending {
		return invariantf("room is %s, readiness is locked", u.Room.State)
	}
	index, err := u.requireStatus(actor, EntrantReady)
	if err != nil {
		return err
	}
	u.setStatus(index, EntrantJoined)
	u.systemMessage("%s is not ready.", actor.Name)
	if u.Room.State == StatePending {
		u.revertPending()
	}
	return nil
}

// Withdraw soft-deletes the actor's entry before the race starts.
func (u *Update) Withdraw(actor Actor) error {
	if !u.Room.State.Preparing() {
		return invariantf("room is %s, entrants can no longer leave", u.Room.State)
	}
	index := u.entrantIndex(actor.ID)
	if index < 0 || u.Entrants[index].Status.Withdrawn() {
		return invariantf("%s is not an entrant", actor.Name)
	}
	u.setStatus(index, EntrantDropped)
	u.systemMessage("%s quits.", actor.Name)
	u.evaluateStart()
	return nil
}

// RecordResult appends the actor's final result. Results are never overwritten,
// and the room finishes in the same update when the last racer becomes terminal.
func (u *Update) RecordResult(actor Actor, outcome Outcome) error {
	if u.Room.State != StateInProgress {
		return invariantf("room is %s, results cannot be recorded", u.Room.State)
	}
	index := u.entrantIndex(actor.ID)
	if index < 0 {
		return invariantf("%s is not an entrant", actor.Name)
	}
	entrant := &u.Entrants[index]
	switch {
	case entrant.Status.Withdrawn():
		return invariantf("%s has withdrawn", actor.Name)
	case entrant.Status != EntrantRacing:
		return invariantf("%s already has a result", actor.Name)
	}

	switch outcome {
	case OutcomeDone:
		entrant.Place = u.nextPlace()
		entrant.FinishTimeMillis = u.elapsedMillis()
		entrant.Status = EntrantDone
		u.systemMessage("%s has finished in %s place with a time of %s!",
			actor.Name, ordinal(entrant.Place), formatDuration(entrant.FinishTimeMillis))
	case OutcomeForfeit:
		entrant.Status = EntrantDNF
		u.systemMessage("%s has forfeited from the race.", actor.Name)
	default:
		return fmt.Errorf("%w: unknown outcome %q", ErrInvalidRequest, outcome)
	}
	finishedAt := u.now
	entrant.FinishedAt = &finishedAt
	u.touchEntrant(index)
	u.evaluateFinish()
	return nil
}

func (u *Update) requireStatus(actor Actor, status EntrantStatus) (int, error) {
	index := u.entrantIndex(actor.ID)
	if index < 0 {
		return -1, invariantf("%s is not an entrant", actor.Name)
	}
	if current := u.Entrants[index].Status; current != status {
		return -1, invariantf("%s is %s, expected %s", actor.Name, current, status)
	}
	return index, nil
}

func (u *Update) setStatus(index int, status EntrantStatus) {
	u.Entrants[index].Status = status
	u.touchEntrant(index)
}

func (u *Update) appendEntrant(actor Actor, status EntrantStatus) {
	u.Entrants = append(u.Entrants, Entrant{
		RoomID:    u.Room.ID,
		ActorID:   actor.ID,
		ActorName: actor.Name,
		Status:    status,
		JoinedAt:  u.now,
	})
	u.touchEntrant(len(u.Entrants) - 1)
}

func (u *Update) reactivate(index int, actor Actor, status EntrantStatus) {
	entrant := &u.Entrants[index]
	entrant.Status = status
	entrant.ActorName = actor.Name
	entrant.Place = 0
	entrant.FinishTimeMillis = 0
	entrant.FinishedAt = nil
	entrant.JoinedAt = u.now
	u.touchEntrant(index)
}

func (u *Update) nextPlace() int {
	place := 1
	for _, entrant := range u.Entrants {
		if entrant.Status == EntrantDone {
			place++
		}
	}
	return place
}

func (u *Update) elapsedMillis() int64 {
	if u.Room.StartedAt == nil {
		return 0
	}
	elapsed := u.now.Sub(*u.Room.StartedAt).Milliseconds()
	if elapsed < 0 {
		return 0
	}
	return elapsed
}

func ordinal(place int) string {
	suffix := "th"
	switch place % 100 {
	case 11, 12, 13:
	default:
		switch place % 10 {
		case 1:
			suffix = "st"
		case 2:
			suffix = "nd"
		case 3:
			suffix = "rd"
		}
	}
	return fmt.Sprintf("%d%s", place, suffix)
}

func formatDuration(millis int64) string {
	totalSeconds := millis / 1000
	return fmt.Sprintf("%d:%02d:%02d.%03d",
		totalSeconds/3600, (totalSeconds/60)%60, totalSeconds%60, millis%1000)
}
