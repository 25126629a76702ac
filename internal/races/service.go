package races

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/raceroom/internal/ratings"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultMessageWindow = 100
	maxMessageLength     = 1000
	defaultPageSize      = 20
	maxPageSize          = 100
)

type ServiceConfig struct {
	Database          *gorm.DB
	Directory         CategoryDirectory
	Actors            ActorDirectory
	Publisher         Publisher
	Ratings           RatingTrigger
	Clock             func() time.Time
	IDProvider        IDProvider
	Logger            *zap.Logger
	Rules             Rules
	MessageWindow     int
	SnapshotCacheSize int
	SnapshotMaxStale  time.Duration
}

// Service runs the room lifecycle. Mutations of one room are serialized
// in-process and committed through the store's version guard.
type Service struct {
	store      *Store
	directory  CategoryDirectory
	actors     ActorDirectory
	publisher  Publisher
	ratings    RatingTrigger
	clock      func() time.Time
	logger     *zap.Logger
	rules      Rules
	window     int
	cache      *snapshotCache
	countdowns *countdownTimers
	locks      roomLocks
	creating   sync.Mutex
	slugs      func(words []string) (string, error)
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Directory == nil {
		return nil, newServiceError(opServiceNew, "missing_directory", errMissingDirectory)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = nopPublisher{}
	}
	trigger := cfg.Ratings
	if trigger == nil {
		trigger = nopRatings{}
	}
	window := cfg.MessageWindow
	if window <= 0 {
		window = defaultMessageWindow
	}
	cache, err := newSnapshotCache(cfg.SnapshotCacheSize, cfg.SnapshotMaxStale)
	if err != nil {
		return nil, newServiceError(opServiceNew, "cache_init_failed", err)
	}

	service := &Service{
		store:     NewStore(cfg.Database, cfg.IDProvider),
		directory: cfg.Directory,
		actors:    cfg.Actors,
		publisher: publisher,
		ratings:   trigger,
		clock:     clock,
		logger:    logger,
		rules:     cfg.Rules.normalized(),
		window:    window,
		cache:     cache,
		locks:     roomLocks{locks: make(map[uint64]*roomLock)},
		slugs:     roomSlug,
	}
	service.countdowns = newCountdownTimers(service.fireCountdown)
	return service, nil
}

// Close stops every armed countdown.
func (s *Service) Close() {
	s.countdowns.close()
}

// ActionRequest is an entrant or monitor action against a room. A non-zero
// ExpectedVersion makes the request fail if the room has moved on.
type ActionRequest struct {
	Action          Action
	ExpectedVersion int64
	Target          string
}

// EditRequest changes room metadata.
type EditRequest struct {
	Edit            Edit
	ExpectedVersion int64
}

// RoomSettings are the fields chosen when a room is opened.
type RoomSettings struct {
	Goal              string `json:"goal"`
	CustomGoal        string `json:"custom_goal"`
	Info              string `json:"info"`
	Invitational      bool   `json:"invitational"`
	StreamingRequired bool   `json:"streaming_required"`
	ChatMessageDelay  int    `json:"chat_message_delay"`
}

// Export is the snapshot served to polling clients.
type Export struct {
	Snapshot   RoomSnapshot
	Actions    []Action
	ETag       string
	ExportedAt time.Time
}

// ChatLog is a plain-text transcript of a room.
type ChatLog struct {
	Filename string
	Content  string
}

// RoomSummary is a listing row.
type RoomSummary struct {
	Category     string     `json:"category"`
	Slug         string     `json:"slug"`
	Name         string     `json:"name"`
	State        State      `json:"state"`
	Goal         string     `json:"goal"`
	Version      int64      `json:"version"`
	Invitational bool       `json:"invitational"`
	OpenedAt     time.Time  `json:"opened_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
}

// CreateRoom opens a room in the category.
func (s *Service) CreateRoom(ctx context.Context, actor Actor, categorySlug string, settings RoomSettings) (RoomSnapshot, error) {
	if !validSlug(categorySlug) {
		return RoomSnapshot{}, newServiceError(opCreateRoom, "invalid_request", fmt.Errorf("%w: %w", ErrInvalidRequest, errInvalidCategorySlug))
	}
	category, err := s.directory.LookupCategory(ctx, categorySlug)
	if err != nil {
		return RoomSnapshot{}, s.fail(opCreateRoom, err)
	}
	if !category.CanStartRace(actor) {
		return RoomSnapshot{}, s.fail(opCreateRoom, fmt.Errorf("%w: cannot start a race in %s", ErrIllegalAction, category.Slug))
	}
	if err := settings.validate(category); err != nil {
		return RoomSnapshot{}, s.fail(opCreateRoom, err)
	}

	s.creating.Lock()
	defer s.creating.Unlock()
	if !category.CanModerate(actor) {
		opened, err := s.store.CountOpenedRooms(ctx, actor.ID)
		if err != nil {
			return RoomSnapshot{}, s.fail(opCreateRoom, err)
		}
		if opened > 0 {
			return RoomSnapshot{}, s.fail(opCreateRoom, ErrRoomLimit)
		}
	}

	now := s.clock().UTC()
	state := StateOpen
	if settings.Invitational {
		state = StateInvitational
	}
	room := Room{
		CategorySlug:      category.Slug,
		Goal:              strings.TrimSpace(settings.Goal),
		CustomGoal:        strings.TrimSpace(settings.CustomGoal),
		Info:              strings.TrimSpace(settings.Info),
		State:             state,
		Version:           1,
		OpenedBy:          actor.ID,
		OpenedAt:          now,
		StreamingRequired: settings.StreamingRequired,
		Invitational:      settings.Invitational,
		ChatMessageDelay:  settings.ChatMessageDelay,
	}
	audit := AuditLog{ActorID: actor.ID, Action: "race_create", CreatedAt: now}
	if err := s.insertRoom(ctx, category, &room, audit); err != nil {
		return RoomSnapshot{}, s.fail(opCreateRoom, err)
	}
	s.logger.Info("race room opened",
		zap.String("room", room.Ref().String()),
		zap.String("actor_id", actor.ID))

	unlock := s.locks.lock(room.ID)
	defer unlock()
	snapshot, err := s.refresh(ctx, room.ID)
	if err != nil {
		return RoomSnapshot{}, s.fail(opCreateRoom, err)
	}
	return snapshot, nil
}

func (r RoomSettings) validate(category CategoryInfo) error {
	goal := strings.TrimSpace(r.Goal)
	custom := strings.TrimSpace(r.CustomGoal)
	edit := Edit{Goal: &goal, CustomGoal: &custom, Info: &r.Info, ChatMessageDelay: &r.ChatMessageDelay}
	if goal == "" && custom == "" {
		return fmt.Errorf("%w: a goal or custom goal is required", ErrInvalidRequest)
	}
	if _, err := edit.normalizeGoals(); err != nil {
		return err
	}
	return edit.validate(category)
}

// Perform applies an entrant or monitor action. An invite target is resolved
// only after the action guard passes.
func (s *Service) Perform(ctx context.Context, actor Actor, ref RoomRef, request ActionRequest) (RoomSnapshot, error) {
	actor = named(actor)

	return s.mutate(ctx, opPerformAction, actor, ref, request.Action, request.ExpectedVersion, func(update *Update, _ CategoryInfo) error {
		switch request.Action {
		case ActionJoin:
			return update.Join(actor)
		case ActionAcceptInvite:
			return update.AcceptInvite(actor)
		case ActionDeclineInvite:
			return update.DeclineInvite(actor)
		case ActionReady:
			return update.SetReady(actor, true)
		case ActionUnready:
			return update.SetReady(actor, false)
		case ActionLeave:
			return update.Withdraw(actor)
		case ActionDone:
			return update.RecordResult(actor, OutcomeDone)
		case ActionForfeit:
			return update.RecordResult(actor, OutcomeForfeit)
		case ActionInvite:
			target, err := s.resolveInviteTarget(ctx, request.Target)
			if err != nil {
				return err
			}
			return update.Invite(actor, target)
		case ActionForceStart:
			return update.ForceStart(actor)
		case ActionForceFinish:
			return update.ForceFinish(actor)
		case ActionCancel:
			return update.Cancel(actor)
		default:
			return fmt.Errorf("%w: %q is not a room action", ErrInvalidRequest, request.Action)
		}
	})
}

// Edit changes room metadata through the edit table.
func (s *Service) Edit(ctx context.Context, actor Actor, ref RoomRef, request EditRequest) (RoomSnapshot, error) {
	actor = named(actor)
	return s.mutate(ctx, opEditRoom, actor, ref, ActionEdit, request.ExpectedVersion, func(update *Update, category CategoryInfo) error {
		return update.ApplyEdit(actor, category, request.Edit)
	})
}

func (s *Service) resolveInviteTarget(ctx context.Context, targetID string) (Actor, error) {
	targetID = strings.TrimSpace(targetID)
	if targetID == "" {
		return Actor{}, fmt.Errorf("%w: invite target is required", ErrInvalidRequest)
	}
	if s.actors == nil {
		return Actor{}, fmt.Errorf("%w: invites are not available", ErrIllegalAction)
	}
	target, err := s.actors.LookupActor(ctx, targetID)
	if err != nil {
		return Actor{}, err
	}
	return named(target), nil
}

// mutate runs one guarded transition: authorize, apply, commit, refresh, publish.
// Ratings are triggered after the room lock is released.
func (s *Service) mutate(ctx context.Context, operation string, actor Actor, ref RoomRef, action Action, expectedVersion int64, apply func(*Update, CategoryInfo) error) (RoomSnapshot, error) {
	room, err := s.store.FindRoom(ctx, ref)
	if err != nil {
		return RoomSnapshot{}, s.fail(operation, err)
	}
	category, err := s.directory.LookupCategory(ctx, ref.Category())
	if err != nil {
		return RoomSnapshot{}, s.fail(operation, err)
	}

	snapshot, update, err := s.commitLocked(ctx, room.ID, actor, category, action, expectedVersion, apply)
	if err != nil {
		return RoomSnapshot{}, s.fail(operation, err)
	}
	if update != nil && update.RatingReason() != "" {
		s.triggerRatings(ctx, snapshot, update.RatingReason())
	}
	return snapshot, nil
}

func (s *Service) commitLocked(ctx context.Context, roomID uint64, actor Actor, category CategoryInfo, action Action, expectedVersion int64, apply func(*Update, CategoryInfo) error) (RoomSnapshot, *Update, error) {
	unlock := s.locks.lock(roomID)
	defer unlock()

	update, err := s.store.BeginUpdate(ctx, roomID)
	if err != nil {
		return RoomSnapshot{}, nil, err
	}
	if expectedVersion != 0 && expectedVersion != update.BaseVersion() {
		return RoomSnapshot{}, nil, fmt.Errorf("%w: expected version %d, room is at %d", ErrVersionConflict, expectedVersion, update.BaseVersion())
	}
	viewer := NewViewer(actor, category, update.Room.OpenedBy, update.Entrant(actor.ID))
	if !viewer.Allows(update.Room.State, action) {
		return RoomSnapshot{}, nil, fmt.Errorf("%w: %s is not available while the room is %s", ErrIllegalAction, action, update.Room.State)
	}

	update.prepare(s.clock(), s.rules)
	if err := apply(update, category); err != nil {
		return RoomSnapshot{}, nil, err
	}
	if !update.Changed() {
		snapshot, err := s.snapshotByID(ctx, roomID)
		return snapshot, nil, err
	}

	version, err := s.store.Commit(ctx, update)
	if err != nil {
		return RoomSnapshot{}, nil, err
	}
	s.logger.Debug("room update committed",
		zap.String("room", update.Room.Ref().String()),
		zap.String("action", string(action)),
		zap.Int64("version", version))
	s.maintainCountdown(update, version)

	snapshot, err := s.refresh(ctx, roomID)
	if err != nil {
		return RoomSnapshot{}, nil, err
	}
	return snapshot, update, nil
}

// maintainCountdown keeps the room's timer keyed to its latest version while pending.
func (s *Service) maintainCountdown(update *Update, version int64) {
	if update.Room.State != StatePending {
		s.countdowns.disarm(update.Room.ID)
		return
	}
	deadline := s.clock()
	if update.Room.CountdownEndsAt != nil {
		deadline = *update.Room.CountdownEndsAt
	}
	s.countdowns.arm(update.Room.ID, version, deadline, s.clock())
}

// fireCountdown starts the race if the room is still at the version the timer was armed for.
func (s *Service) fireCountdown(roomID uint64, version int64) {
	ctx := context.Background()
	started, err := s.beginRace(ctx, roomID, version)
	if err != nil {
		if errors.Is(err, ErrVersionConflict) {
			s.logger.Debug("countdown lost to a concurrent update", zap.Uint64("room_id", roomID))
			return
		}
		s.logError(opCountdown, reasonFor(err), err, zap.Uint64("room_id", roomID), zap.Int64("version", version))
		return
	}
	if !started {
		s.logger.Debug("stale countdown ignored", zap.Uint64("room_id", roomID), zap.Int64("version", version))
	}
}

func (s *Service) beginRace(ctx context.Context, roomID uint64, version int64) (bool, error) {
	unlock := s.locks.lock(roomID)
	defer unlock()

	update, err := s.store.BeginUpdate(ctx, roomID)
	if err != nil {
		return false, err
	}
	if update.BaseVersion() != version || update.Room.State != StatePending {
		return false, nil
	}
	update.prepare(s.clock(), s.rules)
	if err := update.Begin(); err != nil {
		return false, err
	}
	committed, err := s.store.Commit(ctx, update)
	if err != nil {
		return false, err
	}
	s.maintainCountdown(update, committed)
	if _, err := s.refresh(ctx, roomID); err != nil {
		return true, err
	}
	s.logger.Info("race started", zap.String("room", update.Room.Ref().String()), zap.Int64("version", committed))
	return true, nil
}

// RecoverCountdowns re-arms timers for pending rooms that have none, such as after a restart.
func (s *Service) RecoverCountdowns(ctx context.Context) (int, error) {
	rooms, err := s.store.PendingRooms(ctx)
	if err != nil {
		s.logError(opRecoverPending, "pending_select_failed", err)
		return 0, newServiceError(opRecoverPending, "pending_select_failed", err)
	}
	now := s.clock()
	recovered := 0
	for _, room := range rooms {
		if version, ok := s.countdowns.armed(room.ID); ok && version == room.Version {
			continue
		}
		deadline := now
		if room.CountdownEndsAt != nil {
			deadline = *room.CountdownEndsAt
		}
		s.countdowns.arm(room.ID, room.Version, deadline, now)
		recovered++
	}
	if recovered > 0 {
		s.logger.Info("countdowns recovered", zap.Int("rooms", recovered))
	}
	return recovered, nil
}

// PostMessage appends a chat line. Chat does not advance the room version.
func (s *Service) PostMessage(ctx context.Context, actor Actor, ref RoomRef, body string) (MessageView, error) {
	body = strings.TrimSpace(body)
	if body == "" || len(body) > maxMessageLength {
		return MessageView{}, s.fail(opPostMessage, fmt.Errorf("%w: message must be 1 to %d characters", ErrInvalidRequest, maxMessageLength))
	}
	room, err := s.store.FindRoom(ctx, ref)
	if err != nil {
		return MessageView{}, s.fail(opPostMessage, err)
	}
	category, err := s.directory.LookupCategory(ctx, ref.Category())
	if err != nil {
		return MessageView{}, s.fail(opPostMessage, err)
	}
	actor = named(actor)

	unlock := s.locks.lock(room.ID)
	defer unlock()

	update, err := s.store.BeginUpdate(ctx, room.ID)
	if err != nil {
		return MessageView{}, s.fail(opPostMessage, err)
	}
	viewer := NewViewer(actor, category, update.Room.OpenedBy, update.Entrant(actor.ID))
	if !viewer.Allows(update.Room.State, ActionMessage) {
		return MessageView{}, s.fail(opPostMessage, fmt.Errorf("%w: cannot chat in this room", ErrIllegalAction))
	}

	now := s.clock().UTC()
	message := Message{
		RoomID:     room.ID,
		AuthorID:   actor.ID,
		AuthorName: actor.Name,
		Body:       body,
		PostedAt:   now,
	}
	if err := s.store.AppendMessage(ctx, &message); err != nil {
		return MessageView{}, s.fail(opPostMessage, err)
	}
	view := messageView(message)
	if cached, ok := s.cache.get(room.ID, now); ok {
		s.cache.put(cached.WithMessage(view, s.window), now)
	}
	s.publisher.Publish(RoomEvent{
		Type:    EventChatMessage,
		Room:    ref.String(),
		Version: update.BaseVersion(),
		Message: &view,
		At:      now,
	})
	return view, nil
}

// DeleteMessage hides a message. Its sequence position is kept.
func (s *Service) DeleteMessage(ctx context.Context, actor Actor, ref RoomRef, seq int64) error {
	if seq <= 0 {
		return s.fail(opDeleteMessage, fmt.Errorf("%w: message sequence must be positive", ErrInvalidRequest))
	}
	room, err := s.store.FindRoom(ctx, ref)
	if err != nil {
		return s.fail(opDeleteMessage, err)
	}
	category, err := s.directory.LookupCategory(ctx, ref.Category())
	if err != nil {
		return s.fail(opDeleteMessage, err)
	}

	unlock := s.locks.lock(room.ID)
	defer unlock()

	viewer := NewViewer(actor, category, room.OpenedBy, nil)
	if !viewer.Allows(room.State, ActionDeleteMessage) {
		return s.fail(opDeleteMessage, fmt.Errorf("%w: cannot delete messages in this room", ErrIllegalAction))
	}
	if _, err := s.store.MarkMessageDeleted(ctx, room.ID, seq, actor.ID); err != nil {
		return s.fail(opDeleteMessage, err)
	}

	now := s.clock().UTC()
	if cached, ok := s.cache.get(room.ID, now); ok {
		s.cache.put(cached.WithoutMessage(seq), now)
	}
	s.publisher.Publish(RoomEvent{
		Type:       EventChatDelete,
		Room:       ref.String(),
		Version:    room.Version,
		DeletedSeq: seq,
		At:         now,
	})
	return nil
}

// Export returns the current snapshot, the caller's available actions, and an ETag.
func (s *Service) Export(ctx context.Context, actor Actor, ref RoomRef) (Export, error) {
	room, err := s.store.FindRoom(ctx, ref)
	if err != nil {
		return Export{}, s.fail(opSnapshot, err)
	}
	snapshot, err := s.snapshotByID(ctx, room.ID)
	if err != nil {
		return Export{}, s.fail(opSnapshot, err)
	}
	actions, err := s.ViewerActions(ctx, actor, snapshot)
	if err != nil {
		return Export{}, err
	}
	etag, err := snapshot.ETag()
	if err != nil {
		return Export{}, s.fail(opSnapshot, err)
	}
	return Export{Snapshot: snapshot, Actions: actions, ETag: etag, ExportedAt: s.clock().UTC()}, nil
}

// ViewerActions computes what actor may do given a snapshot.
func (s *Service) ViewerActions(ctx context.Context, actor Actor, snapshot RoomSnapshot) ([]Action, error) {
	category, err := s.directory.LookupCategory(ctx, snapshot.Category)
	if err != nil {
		return nil, s.fail(opViewerActions, err)
	}
	var own *Entrant
	if view, ok := snapshot.Entrant(actor.ID); ok && !actor.Anonymous() {
		own = &Entrant{ActorID: view.ActorID, Status: view.Status}
	}
	return NewViewer(actor, category, snapshot.OpenedBy, own).Actions(snapshot.State), nil
}

// LoadSnapshot returns the current snapshot of a room by id. It satisfies the
// loader the broadcast bus uses for first-time subscribers.
func (s *Service) LoadSnapshot(ctx context.Context, ref RoomRef) (RoomSnapshot, error) {
	room, err := s.store.FindRoom(ctx, ref)
	if err != nil {
		return RoomSnapshot{}, s.fail(opSnapshot, err)
	}
	snapshot, err := s.snapshotByID(ctx, room.ID)
	if err != nil {
		return RoomSnapshot{}, s.fail(opSnapshot, err)
	}
	return snapshot, nil
}

func (s *Service) snapshotByID(ctx context.Context, roomID uint64) (RoomSnapshot, error) {
	now := s.clock().UTC()
	if snapshot, ok := s.cache.get(roomID, now); ok {
		return snapshot, nil
	}
	state, err := s.store.LoadRoomState(ctx, roomID, s.window)
	if err != nil {
		return RoomSnapshot{}, err
	}
	snapshot := buildSnapshot(state, now)
	s.cache.put(snapshot, now)
	return snapshot, nil
}

// refresh reloads the committed snapshot, writes it through the cache and publishes it.
// Callers hold the room lock so publication follows commit order.
func (s *Service) refresh(ctx context.Context, roomID uint64) (RoomSnapshot, error) {
	now := s.clock().UTC()
	state, err := s.store.LoadRoomState(ctx, roomID, s.window)
	if err != nil {
		s.cache.invalidate(roomID)
		s.logError(opPublishSnapshot, "snapshot_load_failed", err, zap.Uint64("room_id", roomID))
		return RoomSnapshot{}, err
	}
	snapshot := buildSnapshot(state, now)
	s.cache.put(snapshot, now)
	published := snapshot
	s.publisher.Publish(RoomEvent{
		Type:     EventRaceData,
		Room:     snapshot.Ref().String(),
		Version:  snapshot.Version,
		Snapshot: &published,
		At:       now,
	})
	return snapshot, nil
}

func (s *Service) triggerRatings(ctx context.Context, snapshot RoomSnapshot, reason string) {
	request := ratings.Request{
		Category:    snapshot.Category,
		Room:        snapshot.Slug,
		Goal:        snapshot.Goal,
		Reason:      reason,
		Version:     snapshot.Version,
		RequestedAt: s.clock().UTC(),
	}
	if request.Goal == "" {
		request.Goal = snapshot.CustomGoal
	}
	for _, entrant := range snapshot.Entrants {
		request.Results = append(request.Results, ratings.EntrantResult{
			ActorID:          entrant.ActorID,
			Status:           string(entrant.Status),
			Place:            entrant.Place,
			FinishTimeMillis: entrant.FinishTimeMillis,
		})
	}
	if err := s.ratings.Trigger(context.WithoutCancel(ctx), request); err != nil {
		s.logError(opRatingTrigger, "dependency_failure", fmt.Errorf("%w: %w", ErrDependencyFailure, err),
			zap.String("room", snapshot.Ref().String()),
			zap.String("trigger", reason))
	}
}

// ChatLog renders every visible message as "[time] author: body"; system lines have no author.
func (s *Service) ChatLog(ctx context.Context, ref RoomRef) (ChatLog, error) {
	room, err := s.store.FindRoom(ctx, ref)
	if err != nil {
		return ChatLog{}, s.fail(opChatLog, err)
	}
	messages, err := s.store.VisibleMessages(ctx, room.ID)
	if err != nil {
		return ChatLog{}, s.fail(opChatLog, err)
	}
	lines := make([]string, 0, len(messages))
	for _, message := range messages {
		stamp := message.PostedAt.UTC().Truncate(time.Second).Format("2006-01-02 15:04:05-07:00")
		if message.System {
			lines = append(lines, fmt.Sprintf("[%s] %s", stamp, message.Body))
			continue
		}
		author := message.AuthorName
		if author == "" {
			author = message.AuthorID
		}
		lines = append(lines, fmt.Sprintf("[%s] %s: %s", stamp, author, message.Body))
	}
	return ChatLog{
		Filename: fmt.Sprintf("%s_%s_chatlog.txt", room.CategorySlug, room.Slug),
		Content:  strings.Join(lines, "\n"),
	}, nil
}

// ListCurrent returns non-terminal rooms. An empty category lists every active category.
func (s *Service) ListCurrent(ctx context.Context, categorySlug string) ([]RoomSummary, error) {
	var categories []string
	if categorySlug == "" {
		slugs, err := s.directory.ActiveCategorySlugs(ctx)
		if err != nil {
			return nil, s.fail(opListRooms, err)
		}
		categories = slugs
	} else {
		category, err := s.directory.LookupCategory(ctx, categorySlug)
		if err != nil {
			return nil, s.fail(opListRooms, err)
		}
		if category.Active {
			categories = []string{category.Slug}
		}
	}
	rooms, err := s.store.ListCurrentRooms(ctx, categories)
	if err != nil {
		return nil, s.fail(opListRooms, err)
	}
	SortCurrent(rooms)
	return summaries(rooms), nil
}

// ListPast pages finished rooms of a category, most recently ended first.
func (s *Service) ListPast(ctx context.Context, categorySlug string, page, pageSize int) ([]RoomSummary, error) {
	if _, err := s.directory.LookupCategory(ctx, categorySlug); err != nil {
		return nil, s.fail(opListRooms, err)
	}
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	rooms, err := s.store.ListFinishedRooms(ctx, categorySlug, (page-1)*pageSize, pageSize)
	if err != nil {
		return nil, s.fail(opListRooms, err)
	}
	return summaries(rooms), nil
}

func summaries(rooms []Room) []RoomSummary {
	result := make([]RoomSummary, 0, len(rooms))
	for _, room := range rooms {
		result = append(result, RoomSummary{
			Category:     room.CategorySlug,
			Slug:         room.Slug,
			Name:         room.Ref().String(),
			State:        room.State,
			Goal:         room.GoalText(),
			Version:      room.Version,
			Invitational: room.Invitational,
			OpenedAt:     room.OpenedAt,
			StartedAt:    room.StartedAt,
			EndedAt:      room.EndedAt,
		})
	}
	return result
}

// fail wraps err in a service error. Storage failures are logged; rejections are not.
func (s *Service) fail(operation string, err error) error {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return err
	}
	reason := reasonFor(err)
	if reason == "storage_failed" {
		s.logError(operation, reason, err)
	} else {
		s.logger.Debug("room request rejected", zap.String("operation", operation), zap.String("reason", reason), zap.Error(err))
	}
	return newServiceError(operation, reason, err)
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	if s == nil || s.logger == nil {
		return
	}
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}, fields...)
	if err != nil {
		allFields = append(allFields, zap.Error(err))
	}
	s.logger.Error("races service failure", allFields...)
}

func named(actor Actor) Actor {
	if strings.TrimSpace(actor.Name) == "" {
		actor.Name = actor.ID
	}
	return actor
}

type roomLock struct {
	sync.Mutex
	refs int
}

// roomLocks serializes mutations per room without a global lock across rooms.
type roomLocks struct {
	mu    sync.Mutex
	locks map[uint64]*roomLock
}

func (l *roomLocks) lock(roomID uint64) func() {
	l.mu.Lock()
	entry, ok := l.locks[roomID]
	if !ok {
		entry = &roomLock{}
		l.locks[roomID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.Lock()
	return func() {
		entry.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.locks, roomID)
		}
		l.mu.Unlock()
	}
}
