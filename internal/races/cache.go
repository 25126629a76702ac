package races

import (
	"time"

	lru "github.com/hashicorp/golang-lru"
)

type cachedSnapshot struct {
	snapshot RoomSnapshot
	storedAt time.Time
}

// snapshotCache keeps recent snapshots for the export endpoint. Entries older
// than maxStale are treated as missing.
type snapshotCache struct {
	entries  *lru.Cache
	maxStale time.Duration
}

func newSnapshotCache(size int, maxStale time.Duration) (*snapshotCache, error) {
	if size <= 0 {
		size = 512
	}
	entries, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &snapshotCache{entries: entries, maxStale: maxStale}, nil
}

func (c *snapshotCache) get(roomID uint64, now time.Time) (RoomSnapshot, bool) {
	value, ok := c.entries.Get(roomID)
	if !ok {
		return RoomSnapshot{}, false
	}
	entry, ok := value.(cachedSnapshot)
	if !ok || now.Sub(entry.storedAt) > c.maxStale {
		return RoomSnapshot{}, false
	}
	return entry.snapshot, true
}

// put stores the snapshot unless a newer version or message window is already cached.
func (c *snapshotCache) put(snapshot RoomSnapshot, now time.Time) {
	if value, ok := c.entries.Peek(snapshot.RoomID); ok {
		if entry, ok := value.(cachedSnapshot); ok {
			current := entry.snapshot
			if current.Version > snapshot.Version ||
				(current.Version == snapshot.Version && current.LastMessageSeq > snapshot.LastMessageSeq) {
				return
			}
		}
	}
	c.entries.Add(snapshot.RoomID, cachedSnapshot{snapshot: snapshot, storedAt: now})
}

func (c *snapshotCache) invalidate(roomID uint64) {
	c.entries.Remove(roomID)
}
