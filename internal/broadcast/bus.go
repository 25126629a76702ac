// Package broadcast fans room events out to connected viewers. Each room has
// one feed with its own queue and pump goroutine, so delivery order within a
// room follows publish order while rooms never wait on each other.
package broadcast

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/raceroom/internal/races"
	"go.uber.org/zap"
)

const (
	defaultBufferSize    = 32
	defaultMessageWindow = 100
	snapshotLoadTimeout  = 5 * time.Second
)

// SnapshotLoader provides the current snapshot for a room's first subscriber.
type SnapshotLoader interface {
	LoadSnapshot(ctx context.Context, ref races.RoomRef) (races.RoomSnapshot, error)
}

type Config struct {
	Loader        SnapshotLoader
	BufferSize    int
	MessageWindow int
	Clock         func() time.Time
	Logger        *zap.Logger
}

// Bus implements races.Publisher.
type Bus struct {
	mu         sync.Mutex
	feeds      map[string]*feed
	nextID     int64
	loader     SnapshotLoader
	bufferSize int
	window     int
	clock      func() time.Time
	logger     *zap.Logger
}

type subscriber struct {
	id     int64
	stream chan races.RoomEvent
}

type feedOp struct {
	event *races.RoomEvent
	join  *subscriber
	leave int64
}

type feed struct {
	key         string
	ref         races.RoomRef
	mu          sync.Mutex
	cond        *sync.Cond
	ops         []feedOp
	subscribers map[int64]*subscriber
	current     *races.RoomSnapshot
	closed      bool
}

func NewBus(cfg Config) *Bus {
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	window := cfg.MessageWindow
	if window <= 0 {
		window = defaultMessageWindow
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		feeds:      make(map[string]*feed),
		loader:     cfg.Loader,
		bufferSize: bufferSize,
		window:     window,
		clock:      clock,
		logger:     logger,
	}
}

// Subscribe registers a viewer of the room. The first event on the stream is
// the room's current snapshot. The stream is closed when ctx ends, when the
// returned cleanup runs, or when the viewer falls behind by a full buffer.
func (b *Bus) Subscribe(ctx context.Context, ref races.RoomRef) (<-chan races.RoomEvent, func()) {
	if ref.Category() == "" || ref.Slug() == "" {
		ch := make(chan races.RoomEvent)
		close(ch)
		return ch, func() {}
	}

	b.mu.Lock()
	b.nextID++
	sub := &subscriber{id: b.nextID, stream: make(chan races.RoomEvent, b.bufferSize)}
	current, ok := b.feeds[ref.String()]
	if !ok {
		current = newFeed(ref)
		b.feeds[ref.String()] = current
		go b.pump(current)
	}
	current.enqueue(feedOp{join: sub})
	b.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if active, ok := b.feeds[ref.String()]; ok && active == current {
				current.enqueue(feedOp{leave: sub.id})
			}
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return sub.stream, cleanup
}

// Publish queues an event for the room's viewers. Rooms without viewers are skipped.
func (b *Bus) Publish(event races.RoomEvent) {
	if event.Room == "" || event.Type == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	current, ok := b.feeds[event.Room]
	if !ok {
		return
	}
	current.enqueue(feedOp{event: &event})
}

// Heartbeat queues a heartbeat on every active feed and returns how many were reached.
func (b *Bus) Heartbeat() int {
	now := b.clock().UTC()
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, current := range b.feeds {
		current.enqueue(feedOp{event: &races.RoomEvent{Type: races.EventHeartbeat, Room: key, At: now}})
	}
	return len(b.feeds)
}

// AttachLoader sets the snapshot loader used for later first subscribers.
func (b *Bus) AttachLoader(loader SnapshotLoader) {
	b.mu.Lock()
	b.loader = loader
	b.mu.Unlock()
}

// Rooms reports the number of rooms with live feeds.
func (b *Bus) Rooms() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.feeds)
}

// Close stops every feed and closes all subscriber streams.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, current := range b.feeds {
		current.mu.Lock()
		current.closed = true
		current.cond.Signal()
		current.mu.Unlock()
		delete(b.feeds, key)
	}
}

func newFeed(ref races.RoomRef) *feed {
	created := &feed{
		key:         ref.String(),
		ref:         ref,
		subscribers: make(map[int64]*subscriber),
	}
	created.cond = sync.NewCond(&created.mu)
	return created
}

func (f *feed) enqueue(op feedOp) {
	f.mu.Lock()
	f.ops = append(f.ops, op)
	f.cond.Signal()
	f.mu.Unlock()
}

func (f *feed) next() (feedOp, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for len(f.ops) == 0 && !f.closed {
		f.cond.Wait()
	}
	if f.closed {
		return feedOp{}, false
	}
	op := f.ops[0]
	f.ops[0] = feedOp{}
	f.ops = f.ops[1:]
	return op, true
}

// pump is the only goroutine that touches a feed's subscribers and snapshot.
func (b *Bus) pump(f *feed) {
	defer f.closeSubscribers()
	for {
		op, ok := f.next()
		if !ok {
			return
		}
		switch {
		case op.join != nil:
			b.handleJoin(f, op.join)
		case op.event != nil:
			b.handleEvent(f, *op.event)
		default:
			f.drop(op.leave)
		}
		if b.release(f) {
			return
		}
	}
}

func (b *Bus) handleJoin(f *feed, sub *subscriber) {
	if f.current == nil {
		b.mu.Lock()
		loader := b.loader
		b.mu.Unlock()
		if loader == nil {
			close(sub.stream)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), snapshotLoadTimeout)
		snapshot, err := loader.LoadSnapshot(ctx, f.ref)
		cancel()
		if err != nil {
			b.logger.Warn("room snapshot unavailable for subscriber",
				zap.String("room", f.key),
				zap.Error(err))
			close(sub.stream)
			return
		}
		f.current = &snapshot
	}
	initial := *f.current
	sub.stream <- races.RoomEvent{
		Type:     races.EventRaceData,
		Room:     f.key,
		Version:  initial.Version,
		Snapshot: &initial,
		At:       b.clock().UTC(),
	}
	f.subscribers[sub.id] = sub
}

func (b *Bus) handleEvent(f *feed, event races.RoomEvent) {
	switch event.Type {
	case races.EventRaceData:
		if event.Snapshot == nil {
			return
		}
		if f.current != nil && event.Snapshot.Version <= f.current.Version {
			return
		}
		snapshot := *event.Snapshot
		f.current = &snapshot
	case races.EventChatMessage:
		if event.Message == nil {
			return
		}
		if f.current != nil {
			if event.Message.Seq <= f.current.LastMessageSeq {
				return
			}
			folded := f.current.WithMessage(*event.Message, b.window)
			f.current = &folded
		}
	case races.EventChatDelete:
		if f.current != nil {
			folded := f.current.WithoutMessage(event.DeletedSeq)
			f.current = &folded
		}
	}

	for id, sub := range f.subscribers {
		select {
		case sub.stream <- event:
		default:
			b.logger.Info("disconnecting slow room subscriber", zap.String("room", f.key), zap.Int64("subscriber", id))
			close(sub.stream)
			delete(f.subscribers, id)
		}
	}
}

func (f *feed) drop(id int64) {
	if sub, ok := f.subscribers[id]; ok {
		close(sub.stream)
		delete(f.subscribers, id)
	}
}

// release removes the feed once it has no subscribers and nothing queued.
func (b *Bus) release(f *feed) bool {
	if len(f.subscribers) > 0 {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.ops) > 0 || f.closed {
		return f.closed
	}
	if active, ok := b.feeds[f.key]; ok && active == f {
		delete(b.feeds, f.key)
	}
	f.closed = true
	return true
}

func (f *feed) closeSubscribers() {
	for id, sub := range f.subscribers {
		close(sub.stream)
		delete(f.subscribers, id)
	}
}
