package realtime

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Entry is what the registry knows about one identified connection.
type Entry struct {
	ConnID     string    `json:"-"`
	Identity   Identity  `json:"identity"`
	JoinedAt   time.Time `json:"joinedAt"`
	Generation uint64    `json:"-"`
}

type binding struct {
	connID string
	gen    uint64
}

// PresenceMirror copies presence changes to an external store. Failures are logged
// by the caller and never block the in-process registry.
type PresenceMirror interface {
	SetOnline(ctx context.Context, e Entry) error
	SetOffline(ctx context.Context, e Entry) error
}

// Registry maps connections to identities and each user to their latest
// connection. Every method is a single critical section.
type Registry struct {
	mu     sync.RWMutex
	byConn map[string]Entry
	byUser map[string]binding
	gen    uint64
	now    func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		byConn: make(map[string]Entry),
		byUser: make(map[string]binding),
		now:    time.Now,
	}
}

// Identify records connID as the user's current connection. A previous connection
// of the same user keeps its own entry but is no longer found by user id.
func (r *Registry) Identify(connID string, id Identity) Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	// re-identify on the same connection under another user id
	if old, ok := r.byConn[connID]; ok && old.Identity.UserID != id.UserID {
		if b, ok := r.byUser[old.Identity.UserID]; ok && b.connID == connID && b.gen == old.Generation {
			delete(r.byUser, old.Identity.UserID)
		}
	}

	r.gen++
	e := Entry{
		ConnID:     connID,
		Identity:   id,
		JoinedAt:   r.now().UTC(),
		Generation: r.gen,
	}
	r.byConn[connID] = e
	r.byUser[id.UserID] = binding{connID: connID, gen: e.Generation}
	return e
}

// Remove drops the entry for connID. userGone reports whether the user mapping was
// cleared too, which only happens when connID is still the user's latest
// connection.
func (r *Registry) Remove(connID string) (e Entry, found bool, userGone bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, found = r.byConn[connID]
	if !found {
		return Entry{}, false, false
	}
	delete(r.byConn, connID)

	if b, ok := r.byUser[e.Identity.UserID]; ok && b.connID == connID && b.gen == e.Generation {
		delete(r.byUser, e.Identity.UserID)
		userGone = true
	}
	return e, true, userGone
}

func (r *Registry) LookupUser(userID string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.byUser[userID]
	if !ok {
		return Entry{}, false
	}
	e, ok := r.byConn[b.connID]
	return e, ok
}

// Active lists one entry per online user, oldest first, skipping excludeUserID.
func (r *Registry) Active(excludeUserID string) []Entry {
	r.mu.RLock()
	out := make([]Entry, 0, len(r.byUser))
	for uid, b := range r.byUser {
		if uid == excludeUserID {
			continue
		}
		if e, ok := r.byConn[b.connID]; ok {
			out = append(out, e)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].Generation < out[j].Generation
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}

// Online reports the number of distinct online users.
func (r *Registry) Online() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}
