package races

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/raceroom/internal/ratings"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

var (
	hostActor  = Actor{ID: "host", Name: "Host"}
	aliceActor = Actor{ID: "alice", Name: "Alice"}
	bobActor   = Actor{ID: "bob", Name: "Bob"}
	modActor   = Actor{ID: "mod", Name: "Moderator"}
	staffActor = Actor{ID: "staff", Name: "Staff", Staff: true}
)

func testCategory() CategoryInfo {
	return CategoryInfo{
		Slug:           "smw",
		Name:           "Super Mario World",
		Active:         true,
		AllowUserRaces: true,
		OwnerIDs:       []string{"owner"},
		ModeratorIDs:   []string{modActor.ID},
		Goals:          []string{"Any%", "96 Exit"},
	}
}

type fakeDirectory struct {
	categories map[string]CategoryInfo
}

func newFakeDirectory(categories ...CategoryInfo) *fakeDirectory {
	directory := &fakeDirectory{categories: make(map[string]CategoryInfo)}
	for _, category := range categories {
		directory.categories[category.Slug] = category
	}
	return directory
}

func (d *fakeDirectory) LookupCategory(_ context.Context, slug string) (CategoryInfo, error) {
	category, ok := d.categories[slug]
	if !ok {
		return CategoryInfo{}, fmt.Errorf("%w: category %s", ErrNotFound, slug)
	}
	return category, nil
}

func (d *fakeDirectory) ActiveCategorySlugs(context.Context) ([]string, error) {
	var slugs []string
	for slug, category := range d.categories {
		if category.Active {
			slugs = append(slugs, slug)
		}
	}
	slices.Sort(slugs)
	return slugs, nil
}

type fakeActors map[string]Actor

func (a fakeActors) LookupActor(_ context.Context, actorID string) (Actor, error) {
	actor, ok := a[actorID]
	if !ok {
		return Actor{}, fmt.Errorf("%w: actor %s", ErrNotFound, actorID)
	}
	return actor, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []RoomEvent
	notify chan RoomEvent
}

func newRecordingPublisher() *recordingPublisher {
	return &recordingPublisher{notify: make(chan RoomEvent, 256)}
}

func (p *recordingPublisher) Publish(event RoomEvent) {
	p.mu.Lock()
	p.events = append(p.events, event)
	p.mu.Unlock()
	select {
	case p.notify <- event:
	default:
	}
}

func (p *recordingPublisher) snapshotEvents() []RoomEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var events []RoomEvent
	for _, event := range p.events {
		if event.Type == EventRaceData {
			events = append(events, event)
		}
	}
	return events
}

type recordingRatings struct {
	mu       sync.Mutex
	requests []ratings.Request
	err      error
}

func (r *recordingRatings) Trigger(_ context.Context, request ratings.Request) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, request)
	return r.err
}

func (r *recordingRatings) all() []ratings.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ratings.Request(nil), r.requests...)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, time.March, 9, 18, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type serviceFixture struct {
	service   *Service
	db        *gorm.DB
	publisher *recordingPublisher
	ratings   *recordingRatings
	clock     *testClock
	directory *fakeDirectory
}

type fixtureOption func(*ServiceConfig)

func withRules(rules Rules) fixtureOption {
	return func(cfg *ServiceConfig) {
		cfg.Rules = rules
	}
}

func newTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:raceroom_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(Models()...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func newServiceFixture(t *testing.T, options ...fixtureOption) *serviceFixture {
	t.Helper()
	fixture := &serviceFixture{
		db:        newTestDatabase(t),
		publisher: newRecordingPublisher(),
		ratings:   &recordingRatings{},
		clock:     newTestClock(),
		directory: newFakeDirectory(testCategory()),
	}
	cfg := ServiceConfig{
		Database:         fixture.db,
		Directory:        fixture.directory,
		Actors:           fakeActors{aliceActor.ID: aliceActor, bobActor.ID: bobActor},
		Publisher:        fixture.publisher,
		Ratings:          fixture.ratings,
		Clock:            fixture.clock.Now,
		Rules:            Rules{Countdown: time.Hour, MinEntrants: 1},
		SnapshotMaxStale: time.Minute,
	}
	for _, option := range options {
		option(&cfg)
	}
	service, err := NewService(cfg)
	if err != nil {
		t.Fatalf("failed to construct races service: %v", err)
	}
	t.Cleanup(service.Close)
	fixture.service = service
	return fixture
}

func (f *serviceFixture) openRoom(t *testing.T, settings RoomSettings) RoomSnapshot {
	t.Helper()
	if settings.Goal == "" && settings.CustomGoal == "" {
		settings.Goal = "Any%"
	}
	snapshot, err := f.service.CreateRoom(context.Background(), hostActor, "smw", settings)
	if err != nil {
		t.Fatalf("failed to open room: %v", err)
	}
	return snapshot
}

func (f *serviceFixture) perform(t *testing.T, actor Actor, ref RoomRef, action Action) RoomSnapshot {
	t.Helper()
	snapshot, err := f.service.Perform(context.Background(), actor, ref, ActionRequest{Action: action})
	if err != nil {
		t.Fatalf("%s by %s failed: %v", action, actor.ID, err)
	}
	return snapshot
}

func mustRef(t *testing.T, category, slug string) RoomRef {
	t.Helper()
	ref, err := NewRoomRef(category, slug)
	if err != nil {
		t.Fatalf("unexpected room ref error: %v", err)
	}
	return ref
}

func entrantStatus(t *testing.T, snapshot RoomSnapshot, actorID string) EntrantStatus {
	t.Helper()
	entrant, ok := snapshot.Entrant(actorID)
	if !ok {
		t.Fatalf("expected %s in snapshot entrants", actorID)
	}
	return entrant.Status
}

// newPreparedUpdate builds an in-memory update for pure lifecycle tests.
func newPreparedUpdate(state State, entrants ...Entrant) *Update {
	room := Room{ID: 1, CategorySlug: "smw", Slug: "quick-link-0001", Goal: "Any%", State: state, Version: 5}
	update := newUpdate(room, entrants)
	update.prepare(time.Date(2024, time.March, 9, 18, 0, 0, 0, time.UTC), Rules{Countdown: 15 * time.Second, MinEntrants: 1})
	return update
}

func entrantRow(id uint64, actor Actor, status EntrantStatus) Entrant {
	return Entrant{ID: id, RoomID: 1, ActorID: actor.ID, ActorName: actor.Name, Status: status}
}
