package races

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestNewServiceRequiresDependencies(t *testing.T) {
	if _, err := NewService(ServiceConfig{Directory: newFakeDirectory()}); err == nil {
		t.Fatalf("expected missing database to be rejected")
	}
	if _, err := NewService(ServiceConfig{Database: newTestDatabase(t)}); err == nil {
		t.Fatalf("expected missing directory to be rejected")
	}
}

func TestRaceRunsFromOpenToFinished(t *testing.T) {
	fixture := newServiceFixture(t, withRules(Rules{Countdown: 30 * time.Millisecond, MinEntrants: 1}))
	created := fixture.openRoom(t, RoomSettings{})
	ref := created.Ref()
	if created.Version != 1 || created.State != StateOpen {
		t.Fatalf("expected open room at version 1, got %s at %d", created.State, created.Version)
	}

	steps := []struct {
		actor   Actor
		action  Action
		version int64
		state   State
	}{
		{actor: aliceActor, action: ActionJoin, version: 2, state: StateOpen},
		{actor: bobActor, action: ActionJoin, version: 3, state: StateOpen},
		{actor: aliceActor, action: ActionReady, version: 4, state: StateOpen},
		{actor: bobActor, action: ActionReady, version: 6, state: StatePending},
	}
	for _, step := range steps {
		snapshot := fixture.perform(t, step.actor, ref, step.action)
		if snapshot.Version != step.version || snapshot.State != step.state {
			t.Fatalf("after %s by %s expected %s at %d, got %s at %d",
				step.action, step.actor.ID, step.state, step.version, snapshot.State, snapshot.Version)
		}
	}

	started := waitForState(t, fixture.publisher, StateInProgress)
	if started.Version != 8 {
		t.Fatalf("expected countdown to commit version 8, got %d", started.Version)
	}
	if entrantStatus(t, *started.Snapshot, aliceActor.ID) != EntrantRacing {
		t.Fatalf("expected alice to be racing")
	}

	fixture.clock.Advance(90 * time.Second)
	fixture.perform(t, aliceActor, ref, ActionDone)
	fixture.clock.Advance(30 * time.Second)
	finished := fixture.perform(t, bobActor, ref, ActionDone)
	if finished.State != StateFinished || finished.Version != 11 {
		t.Fatalf("expected finished room at version 11, got %s at %d", finished.State, finished.Version)
	}
	alice, _ := finished.Entrant(aliceActor.ID)
	bob, _ := finished.Entrant(bobActor.ID)
	if alice.Place != 1 || bob.Place != 2 {
		t.Fatalf("expected places 1 and 2, got %d and %d", alice.Place, bob.Place)
	}
	if finished.Entrants[0].ActorID != aliceActor.ID {
		t.Fatalf("expected winner listed first")
	}

	requests := fixture.ratings.all()
	if len(requests) != 1 {
		t.Fatalf("expected exactly one rating request, got %d", len(requests))
	}
	if requests[0].Reason != ratingReasonFinished || len(requests[0].Results) != 2 || requests[0].Version != 11 {
		t.Fatalf("unexpected rating request %+v", requests[0])
	}

	versions := make([]int64, 0)
	for _, event := range fixture.publisher.snapshotEvents() {
		versions = append(versions, event.Version)
	}
	for index := 1; index < len(versions); index++ {
		if versions[index] <= versions[index-1] {
			t.Fatalf("expected strictly increasing published versions, got %v", versions)
		}
	}
}

func waitForState(t *testing.T, publisher *recordingPublisher, state State) RoomEvent {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case event := <-publisher.notify:
			if event.Type == EventRaceData && event.Snapshot != nil && event.Snapshot.State == state {
				return event
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", state)
		}
	}
}

func TestUnreadyDisarmsCountdown(t *testing.T) {
	fixture := newServiceFixture(t)
	ref := fixture.openRoom(t, RoomSettings{}).Ref()

	fixture.perform(t, aliceActor, ref, ActionJoin)
	pending := fixture.perform(t, aliceActor, ref, ActionReady)
	if pending.State != StatePending || pending.CountdownEndsAt == nil {
		t.Fatalf("expected pending room with deadline")
	}
	if version, ok := fixture.service.countdowns.armed(pending.RoomID); !ok || version != pending.Version {
		t.Fatalf("expected countdown armed at version %d, got %d (%t)", pending.Version, version, ok)
	}

	reverted := fixture.perform(t, aliceActor, ref, ActionUnready)
	if reverted.State != StateOpen || reverted.CountdownEndsAt != nil {
		t.Fatalf("expected open room without deadline, got %s", reverted.State)
	}
	if _, ok := fixture.service.countdowns.armed(reverted.RoomID); ok {
		t.Fatalf("expected countdown disarmed")
	}
}

func TestUnreadyDuringCountdownRevertsTwoEntrantRoom(t *testing.T) {
	fixture := newServiceFixture(t)
	roomRef := fixture.openRoom(t, RoomSettings{}).Ref()

	fixture.perform(t, aliceActor, roomRef, ActionJoin)
	fixture.perform(t, bobActor, roomRef, ActionJoin)
	stillOpen := fixture.perform(t, aliceActor, roomRef, ActionReady)
	if stillOpen.State != StateOpen {
		t.Fatalf("expected room to stay open with one entrant ready, got %s", stillOpen.State)
	}
	pending := fixture.perform(t, bobActor, roomRef, ActionReady)
	if pending.State != StatePending {
		t.Fatalf("expected pending once both are ready, got %s", pending.State)
	}
	if version, ok := fixture.service.countdowns.armed(pending.RoomID); !ok || version != pending.Version {
		t.Fatalf("expected countdown armed at version %d, got %d (%t)", pending.Version, version, ok)
	}

	reverted := fixture.perform(t, aliceActor, roomRef, ActionUnready)
	if reverted.State != StateOpen || reverted.CountdownEndsAt != nil {
		t.Fatalf("expected open room without deadline, got %s", reverted.State)
	}
	if reverted.Version != pending.Version+2 {
		t.Fatalf("expected entrant and room steps in one commit (%d), got %d", pending.Version+2, reverted.Version)
	}
	if entrantStatus(t, reverted, aliceActor.ID) != EntrantJoined {
		t.Fatalf("expected alice not ready")
	}
	if entrantStatus(t, reverted, bobActor.ID) != EntrantReady {
		t.Fatalf("expected bob to stay ready")
	}
	if _, ok := fixture.service.countdowns.armed(reverted.RoomID); ok {
		t.Fatalf("expected countdown disarmed")
	}

	fixture.service.fireCountdown(pending.RoomID, pending.Version)
	export, err := fixture.service.Export(context.Background(), aliceActor, roomRef)
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}
	if export.Snapshot.State != StateOpen || export.Snapshot.Version != reverted.Version {
		t.Fatalf("expected timer from the old version to be a no-op, got %s at %d", export.Snapshot.State, export.Snapshot.Version)
	}
}

func TestStaleCountdownIsIgnored(t *testing.T) {
	fixture := newServiceFixture(t)
	ref := fixture.openRoom(t, RoomSettings{})
	roomRef := ref.Ref()
	fixture.perform(t, aliceActor, roomRef, ActionJoin)
	pending := fixture.perform(t, aliceActor, roomRef, ActionReady)

	fixture.service.fireCountdown(pending.RoomID, pending.Version-1)
	export, err := fixture.service.Export(context.Background(), aliceActor, roomRef)
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}
	if export.Snapshot.State != StatePending {
		t.Fatalf("expected stale timer to leave room pending, got %s", export.Snapshot.State)
	}

	fixture.service.fireCountdown(pending.RoomID, pending.Version)
	export, err = fixture.service.Export(context.Background(), aliceActor, roomRef)
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}
	if export.Snapshot.State != StateInProgress {
		t.Fatalf("expected current timer to start the race, got %s", export.Snapshot.State)
	}
}

func TestRecoverCountdownsRearmsPendingRooms(t *testing.T) {
	fixture := newServiceFixture(t)
	roomRef := fixture.openRoom(t, RoomSettings{}).Ref()
	fixture.perform(t, aliceActor, roomRef, ActionJoin)
	pending := fixture.perform(t, aliceActor, roomRef, ActionReady)

	fixture.service.countdowns.disarm(pending.RoomID)
	recovered, err := fixture.service.RecoverCountdowns(context.Background())
	if err != nil {
		t.Fatalf("recover failed: %v", err)
	}
	if recovered != 1 {
		t.Fatalf("expected one recovered countdown, got %d", recovered)
	}
	if version, ok := fixture.service.countdowns.armed(pending.RoomID); !ok || version != pending.Version {
		t.Fatalf("expected countdown re-armed at %d", pending.Version)
	}
	if again, _ := fixture.service.RecoverCountdowns(context.Background()); again != 0 {
		t.Fatalf("expected armed rooms to be skipped, got %d", again)
	}
}

func TestExpectedVersionMismatchIsConflict(t *testing.T) {
	fixture := newServiceFixture(t)
	roomRef := fixture.openRoom(t, RoomSettings{}).Ref()
	fixture.perform(t, aliceActor, roomRef, ActionJoin)

	_, err := fixture.service.Perform(context.Background(), bobActor, roomRef, ActionRequest{Action: ActionJoin, ExpectedVersion: 1})
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "races.perform_action.version_conflict" {
		t.Fatalf("unexpected service error %v", err)
	}

	snapshot, err := fixture.service.Perform(context.Background(), bobActor, roomRef, ActionRequest{Action: ActionJoin, ExpectedVersion: 2})
	if err != nil {
		t.Fatalf("expected matching version to succeed: %v", err)
	}
	if snapshot.Version != 3 {
		t.Fatalf("expected version 3, got %d", snapshot.Version)
	}
}

func TestIllegalActionsAreRejected(t *testing.T) {
	fixture := newServiceFixture(t)
	roomRef := fixture.openRoom(t, RoomSettings{}).Ref()
	fixture.perform(t, aliceActor, roomRef, ActionJoin)

	testCases := []struct {
		name   string
		actor  Actor
		action Action
	}{
		{name: "anonymous join", actor: Actor{}, action: ActionJoin},
		{name: "entrant force start", actor: bobActor, action: ActionForceStart},
		{name: "result before start", actor: aliceActor, action: ActionDone},
		{name: "unready while joined", actor: aliceActor, action: ActionUnready},
		{name: "cancel by entrant", actor: aliceActor, action: ActionCancel},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := fixture.service.Perform(context.Background(), testCase.actor, roomRef, ActionRequest{Action: testCase.action})
			if !errors.Is(err, ErrIllegalAction) {
				t.Fatalf("expected illegal action, got %v", err)
			}
		})
	}

	export, err := fixture.service.Export(context.Background(), aliceActor, roomRef)
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}
	if export.Snapshot.Version != 2 {
		t.Fatalf("expected rejected actions to leave version 2, got %d", export.Snapshot.Version)
	}
}

func TestInvitationalRoomFlow(t *testing.T) {
	fixture := newServiceFixture(t)
	created := fixture.openRoom(t, RoomSettings{Invitational: true})
	roomRef := created.Ref()
	if created.State != StateInvitational {
		t.Fatalf("expected invitational room, got %s", created.State)
	}

	if _, err := fixture.service.Perform(context.Background(), aliceActor, roomRef, ActionRequest{Action: ActionJoin}); !errors.Is(err, ErrIllegalAction) {
		t.Fatalf("expected direct join to be refused, got %v", err)
	}
	invited, err := fixture.service.Perform(context.Background(), hostActor, roomRef, ActionRequest{Action: ActionInvite, Target: aliceActor.ID})
	if err != nil {
		t.Fatalf("invite failed: %v", err)
	}
	if entrantStatus(t, invited, aliceActor.ID) != EntrantInvited {
		t.Fatalf("expected alice invited")
	}
	if _, err := fixture.service.Perform(context.Background(), hostActor, roomRef, ActionRequest{Action: ActionInvite, Target: "ghost"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected unknown invite target to be not found, got %v", err)
	}

	accepted := fixture.perform(t, aliceActor, roomRef, ActionAcceptInvite)
	if entrantStatus(t, accepted, aliceActor.ID) != EntrantJoined {
		t.Fatalf("expected alice joined")
	}
	pending := fixture.perform(t, aliceActor, roomRef, ActionReady)
	if pending.State != StatePending {
		t.Fatalf("expected pending, got %s", pending.State)
	}
	reverted := fixture.perform(t, aliceActor, roomRef, ActionUnready)
	if reverted.State != StateInvitational {
		t.Fatalf("expected revert to invitational, got %s", reverted.State)
	}
}

func TestInviteIntoOpenRoomCanBeAnswered(t *testing.T) {
	fixture := newServiceFixture(t)
	roomRef := fixture.openRoom(t, RoomSettings{}).Ref()

	for _, target := range []Actor{aliceActor, bobActor} {
		if _, err := fixture.service.Perform(context.Background(), hostActor, roomRef, ActionRequest{Action: ActionInvite, Target: target.ID}); err != nil {
			t.Fatalf("invite %s failed: %v", target.ID, err)
		}
	}

	export, err := fixture.service.Export(context.Background(), aliceActor, roomRef)
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}
	if !slices.Contains(export.Actions, ActionAcceptInvite) || !slices.Contains(export.Actions, ActionDeclineInvite) {
		t.Fatalf("expected invited alice to be offered an answer, got %v", export.Actions)
	}
	if _, err := fixture.service.Perform(context.Background(), aliceActor, roomRef, ActionRequest{Action: ActionJoin}); !errors.Is(err, ErrIllegalAction) {
		t.Fatalf("expected plain join by an invited actor to be refused, got %v", err)
	}

	accepted := fixture.perform(t, aliceActor, roomRef, ActionAcceptInvite)
	if accepted.State != StateOpen || entrantStatus(t, accepted, aliceActor.ID) != EntrantJoined {
		t.Fatalf("expected alice joined in an open room, got %s", entrantStatus(t, accepted, aliceActor.ID))
	}
	declined := fixture.perform(t, bobActor, roomRef, ActionDeclineInvite)
	if _, listed := declined.Entrant(bobActor.ID); listed {
		t.Fatalf("expected declined bob to leave the entrant list")
	}
	rejoined := fixture.perform(t, bobActor, roomRef, ActionJoin)
	if entrantStatus(t, rejoined, bobActor.ID) != EntrantJoined {
		t.Fatalf("expected bob to join after declining, got %s", entrantStatus(t, rejoined, bobActor.ID))
	}
}

func TestEditGoalTriggersOneRating(t *testing.T) {
	fixture := newServiceFixture(t)
	roomRef := fixture.openRoom(t, RoomSettings{}).Ref()
	goal := "96 Exit"
	info := "Bring snacks"

	snapshot, err := fixture.service.Edit(context.Background(), hostActor, roomRef, EditRequest{Edit: Edit{Goal: &goal, Info: &info}})
	if err != nil {
		t.Fatalf("edit failed: %v", err)
	}
	if snapshot.Goal != goal || snapshot.Info != info || snapshot.Version != 2 {
		t.Fatalf("unexpected snapshot after edit: %+v", snapshot)
	}
	requests := fixture.ratings.all()
	if len(requests) != 1 || requests[0].Reason != ratingReasonGoalChanged {
		t.Fatalf("expected one goal_changed rating request, got %+v", requests)
	}

	var audits []AuditLog
	if err := fixture.db.Where("room_id = ?", snapshot.RoomID).Order("action").Find(&audits).Error; err != nil {
		t.Fatalf("failed to load audits: %v", err)
	}
	actions := make([]string, 0, len(audits))
	for _, audit := range audits {
		actions = append(actions, audit.Action)
	}
	if strings.Join(actions, ",") != "race_create,race_goal_change,race_info_change" {
		t.Fatalf("unexpected audit trail %v", actions)
	}

	unchanged, err := fixture.service.Edit(context.Background(), hostActor, roomRef, EditRequest{Edit: Edit{Goal: &goal}})
	if err != nil {
		t.Fatalf("no-op edit failed: %v", err)
	}
	if unchanged.Version != 2 || len(fixture.ratings.all()) != 1 {
		t.Fatalf("expected no-op edit to change nothing")
	}

	if _, err := fixture.service.Edit(context.Background(), aliceActor, roomRef, EditRequest{Edit: Edit{Goal: &goal}}); !errors.Is(err, ErrIllegalAction) {
		t.Fatalf("expected entrant edit to be refused, got %v", err)
	}
}

func TestRatingFailureDoesNotFailAction(t *testing.T) {
	fixture := newServiceFixture(t)
	fixture.ratings.err = errors.New("rating engine offline")
	roomRef := fixture.openRoom(t, RoomSettings{}).Ref()
	goal := "96 Exit"
	if _, err := fixture.service.Edit(context.Background(), hostActor, roomRef, EditRequest{Edit: Edit{Goal: &goal}}); err != nil {
		t.Fatalf("expected edit to succeed despite rating failure: %v", err)
	}
}

func TestChatDoesNotBumpVersion(t *testing.T) {
	fixture := newServiceFixture(t)
	roomRef := fixture.openRoom(t, RoomSettings{}).Ref()
	fixture.perform(t, aliceActor, roomRef, ActionJoin)

	posted, err := fixture.service.PostMessage(context.Background(), aliceActor, roomRef, "  good luck  ")
	if err != nil {
		t.Fatalf("post failed: %v", err)
	}
	if posted.Seq != 2 || posted.Body != "good luck" {
		t.Fatalf("unexpected message %+v", posted)
	}
	if _, err := fixture.service.PostMessage(context.Background(), Actor{}, roomRef, "hi"); !errors.Is(err, ErrIllegalAction) {
		t.Fatalf("expected anonymous chat to be refused, got %v", err)
	}
	if _, err := fixture.service.PostMessage(context.Background(), aliceActor, roomRef, "   "); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected blank chat to be invalid, got %v", err)
	}

	export, err := fixture.service.Export(context.Background(), aliceActor, roomRef)
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}
	if export.Snapshot.Version != 2 || export.Snapshot.LastMessageSeq != 2 {
		t.Fatalf("expected version 2 and seq 2, got %d/%d", export.Snapshot.Version, export.Snapshot.LastMessageSeq)
	}
	if len(export.Snapshot.Messages) != 2 {
		t.Fatalf("expected system and chat message in window, got %d", len(export.Snapshot.Messages))
	}

	if err := fixture.service.DeleteMessage(context.Background(), aliceActor, roomRef, posted.Seq); !errors.Is(err, ErrIllegalAction) {
		t.Fatalf("expected entrant delete to be refused, got %v", err)
	}
	if err := fixture.service.DeleteMessage(context.Background(), modActor, roomRef, posted.Seq); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	export, err = fixture.service.Export(context.Background(), aliceActor, roomRef)
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}
	if len(export.Snapshot.Messages) != 1 || export.Snapshot.Version != 2 {
		t.Fatalf("expected deleted message gone without a version bump")
	}
	next, err := fixture.service.PostMessage(context.Background(), aliceActor, roomRef, "again")
	if err != nil {
		t.Fatalf("post failed: %v", err)
	}
	if next.Seq != 3 {
		t.Fatalf("expected seq 3 after delete, got %d", next.Seq)
	}
}

func TestExportCarriesViewerActionsAndStableETag(t *testing.T) {
	fixture := newServiceFixture(t)
	roomRef := fixture.openRoom(t, RoomSettings{}).Ref()
	fixture.perform(t, aliceActor, roomRef, ActionJoin)

	first, err := fixture.service.Export(context.Background(), aliceActor, roomRef)
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}
	fixture.clock.Advance(time.Second)
	second, err := fixture.service.Export(context.Background(), bobActor, roomRef)
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}
	if first.ETag == "" || first.ETag != second.ETag {
		t.Fatalf("expected stable etag, got %q and %q", first.ETag, second.ETag)
	}
	if strings.Join(actionNames(first.Actions), ",") != "ready,leave,message" {
		t.Fatalf("unexpected alice actions %v", first.Actions)
	}
	if strings.Join(actionNames(second.Actions), ",") != "join,message" {
		t.Fatalf("unexpected bob actions %v", second.Actions)
	}

	fixture.perform(t, bobActor, roomRef, ActionJoin)
	third, err := fixture.service.Export(context.Background(), bobActor, roomRef)
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}
	if third.ETag == first.ETag {
		t.Fatalf("expected etag to change with the version")
	}
}

func actionNames(actions []Action) []string {
	names := make([]string, 0, len(actions))
	for _, action := range actions {
		names = append(names, string(action))
	}
	return names
}

func TestCreateRoomRules(t *testing.T) {
	fixture := newServiceFixture(t)
	ctx := context.Background()

	if _, err := fixture.service.CreateRoom(ctx, aliceActor, "smw", RoomSettings{Goal: "Any%"}); err != nil {
		t.Fatalf("first room failed: %v", err)
	}
	if _, err := fixture.service.CreateRoom(ctx, aliceActor, "smw", RoomSettings{Goal: "Any%"}); !errors.Is(err, ErrRoomLimit) {
		t.Fatalf("expected room limit, got %v", err)
	}
	if _, err := fixture.service.CreateRoom(ctx, modActor, "smw", RoomSettings{Goal: "Any%"}); err != nil {
		t.Fatalf("moderator room failed: %v", err)
	}
	if _, err := fixture.service.CreateRoom(ctx, modActor, "smw", RoomSettings{Goal: "Any%"}); err != nil {
		t.Fatalf("moderators are not limited: %v", err)
	}
	if _, err := fixture.service.CreateRoom(ctx, Actor{}, "smw", RoomSettings{Goal: "Any%"}); !errors.Is(err, ErrIllegalAction) {
		t.Fatalf("expected anonymous create to be refused, got %v", err)
	}
	if _, err := fixture.service.CreateRoom(ctx, bobActor, "smw", RoomSettings{}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected goal-less room to be invalid, got %v", err)
	}
	if _, err := fixture.service.CreateRoom(ctx, bobActor, "smw", RoomSettings{Goal: "Unknown"}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected unknown goal to be invalid, got %v", err)
	}
	if _, err := fixture.service.CreateRoom(ctx, bobActor, "nope", RoomSettings{Goal: "Any%"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected unknown category, got %v", err)
	}
}

func TestInviteByEntrantIsRefusedWhetherOrNotTargetExists(t *testing.T) {
	fixture := newServiceFixture(t)
	roomRef := fixture.openRoom(t, RoomSettings{}).Ref()
	fixture.perform(t, aliceActor, roomRef, ActionJoin)

	for _, target := range []string{bobActor.ID, "ghost"} {
		_, err := fixture.service.Perform(context.Background(), aliceActor, roomRef, ActionRequest{Action: ActionInvite, Target: target})
		if !errors.Is(err, ErrIllegalAction) {
			t.Fatalf("expected invite of %q by an entrant to be illegal, got %v", target, err)
		}
	}
}

func TestConcurrentCreatesHonourRoomLimit(t *testing.T) {
	fixture := newServiceFixture(t)
	const attempts = 6

	var wg sync.WaitGroup
	results := make(chan error, attempts)
	for index := 0; index < attempts; index++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := fixture.service.CreateRoom(context.Background(), aliceActor, "smw", RoomSettings{Goal: "Any%"})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	created := 0
	for err := range results {
		switch {
		case err == nil:
			created++
		case errors.Is(err, ErrRoomLimit):
		default:
			t.Fatalf("expected success or room limit, got %v", err)
		}
	}
	if created != 1 {
		t.Fatalf("expected exactly one room to be opened, got %d", created)
	}
}

func TestCreateRoomRetriesTakenSlugs(t *testing.T) {
	fixture := newServiceFixture(t)
	candidates := []string{"taken-slug-0001", "taken-slug-0001", "fresh-slug-0002"}
	fixture.service.slugs = func([]string) (string, error) {
		slug := candidates[0]
		if len(candidates) > 1 {
			candidates = candidates[1:]
		}
		return slug, nil
	}

	first, err := fixture.service.CreateRoom(context.Background(), modActor, "smw", RoomSettings{Goal: "Any%"})
	if err != nil {
		t.Fatalf("first room failed: %v", err)
	}
	second, err := fixture.service.CreateRoom(context.Background(), modActor, "smw", RoomSettings{Goal: "Any%"})
	if err != nil {
		t.Fatalf("second room failed: %v", err)
	}
	if first.Slug != "taken-slug-0001" || second.Slug != "fresh-slug-0002" {
		t.Fatalf("unexpected slugs %q and %q", first.Slug, second.Slug)
	}
}

func TestRoomSlugShape(t *testing.T) {
	slug, err := roomSlug(nil)
	if err != nil {
		t.Fatalf("slug failed: %v", err)
	}
	parts := strings.Split(slug, "-")
	if len(parts) != 3 || len(parts[2]) != 4 || !validSlug(slug) {
		t.Fatalf("unexpected slug %q", slug)
	}
	custom, err := roomSlug([]string{"yoshi", "YOSHI"})
	if err != nil {
		t.Fatalf("slug failed: %v", err)
	}
	if !strings.HasPrefix(custom, "yoshi-yoshi-") {
		t.Fatalf("expected category words, got %q", custom)
	}
}

func TestChatLogRendersVisibleMessages(t *testing.T) {
	fixture := newServiceFixture(t)
	created := fixture.openRoom(t, RoomSettings{})
	roomRef := created.Ref()
	fixture.perform(t, aliceActor, roomRef, ActionJoin)
	if _, err := fixture.service.PostMessage(context.Background(), aliceActor, roomRef, "hello"); err != nil {
		t.Fatalf("post failed: %v", err)
	}

	log, err := fixture.service.ChatLog(context.Background(), roomRef)
	if err != nil {
		t.Fatalf("chat log failed: %v", err)
	}
	if log.Filename != "smw_"+created.Slug+"_chatlog.txt" {
		t.Fatalf("unexpected filename %q", log.Filename)
	}
	expected := "[2024-03-09 18:00:00+00:00] Alice joins.\n[2024-03-09 18:00:00+00:00] Alice: hello"
	if log.Content != expected {
		t.Fatalf("unexpected chat log:\n%s", log.Content)
	}
}

func TestListingsOrderRooms(t *testing.T) {
	fixture := newServiceFixture(t)
	second := testCategory()
	second.Slug = "smb"
	fixture.directory.categories[second.Slug] = second
	inactive := testCategory()
	inactive.Slug = "retired"
	inactive.Active = false
	fixture.directory.categories[inactive.Slug] = inactive
	ctx := context.Background()

	first, err := fixture.service.CreateRoom(ctx, staffActor, "smw", RoomSettings{Goal: "Any%"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	fixture.clock.Advance(time.Minute)
	racing, err := fixture.service.CreateRoom(ctx, staffActor, "smb", RoomSettings{Goal: "Any%"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	fixture.clock.Advance(time.Minute)
	done, err := fixture.service.CreateRoom(ctx, staffActor, "smw", RoomSettings{Goal: "Any%"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := fixture.service.CreateRoom(ctx, staffActor, "retired", RoomSettings{Goal: "Any%"}); err != nil {
		t.Fatalf("staff may open rooms in inactive categories: %v", err)
	}

	fixture.perform(t, aliceActor, racing.Ref(), ActionJoin)
	fixture.perform(t, aliceActor, racing.Ref(), ActionReady)
	fixture.perform(t, bobActor, done.Ref(), ActionJoin)
	fixture.perform(t, staffActor, done.Ref(), ActionCancel)

	current, err := fixture.service.ListCurrent(ctx, "")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(current) != 2 || current[0].Slug != first.Slug || current[1].Slug != racing.Slug {
		t.Fatalf("unexpected current listing %+v", current)
	}
	scoped, err := fixture.service.ListCurrent(ctx, "retired")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(scoped) != 0 {
		t.Fatalf("expected inactive category to list nothing, got %d", len(scoped))
	}

	finishedRef := fixture.openRoom(t, RoomSettings{}).Ref()
	fixture.perform(t, bobActor, finishedRef, ActionJoin)
	pending := fixture.perform(t, bobActor, finishedRef, ActionReady)
	fixture.service.fireCountdown(pending.RoomID, pending.Version)
	fixture.perform(t, bobActor, finishedRef, ActionForfeit)

	past, err := fixture.service.ListPast(ctx, "smw", 1, 10)
	if err != nil {
		t.Fatalf("past list failed: %v", err)
	}
	if len(past) != 1 || past[0].Slug != finishedRef.Slug() || past[0].State != StateFinished {
		t.Fatalf("expected only the finished room in past races, got %+v", past)
	}
	if empty, err := fixture.service.ListPast(ctx, "smw", 2, 10); err != nil || len(empty) != 0 {
		t.Fatalf("expected an empty second page, got %d (%v)", len(empty), err)
	}
}

func TestStreamingEditAppendsOneMessage(t *testing.T) {
	fixture := newServiceFixture(t)
	roomRef := fixture.openRoom(t, RoomSettings{}).Ref()
	streaming := true

	snapshot, err := fixture.service.Edit(context.Background(), hostActor, roomRef, EditRequest{
		Edit:            Edit{StreamingRequired: &streaming},
		ExpectedVersion: 1,
	})
	if err != nil {
		t.Fatalf("edit failed: %v", err)
	}
	if snapshot.Version != 2 || !snapshot.StreamingRequired {
		t.Fatalf("expected a single version step, got %d", snapshot.Version)
	}
	if len(snapshot.Messages) != 1 || snapshot.Messages[0].Body != "Streaming is now required for this race." {
		t.Fatalf("unexpected messages %+v", snapshot.Messages)
	}
	if len(fixture.ratings.all()) != 0 {
		t.Fatalf("expected streaming edit not to trigger ratings")
	}

	if _, err := fixture.service.Edit(context.Background(), modActor, roomRef, EditRequest{
		Edit:            Edit{StreamingRequired: &streaming},
		ExpectedVersion: 1,
	}); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected the second editor to conflict, got %v", err)
	}
}
