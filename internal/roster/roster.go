// Package roster caches the signed-in user's relations. The cache is
// replaced wholesale by Refresh, patched by presence events, and changed by
// the relation-management operations only after the server accepts them.
package roster

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"github.com/polychat/chat-client/internal/api"
	"github.com/polychat/chat-client/internal/metrics"
)

// MaxNoteLength is the longest note, in characters, the server stores.
const MaxNoteLength = 20

// Record is one cached relation.
type Record struct {
	TargetID int64
	Note     string
	IsOnline bool
}

// DisplayName resolves the name shown for the record.
func (r Record) DisplayName() string {
	return DisplayName(r.TargetID, r.Note)
}

// DisplayName is the one place a relation's shown name is derived: the
// trimmed note when non-empty, otherwise "User <id>".
func DisplayName(targetID int64, note string) string {
	if n := strings.TrimSpace(note); n != "" {
		return n
	}
	return fmt.Sprintf("User %d", targetID)
}

// API is the subset of the REST client the cache calls.
type API interface {
	ListRelations(ctx context.Context) ([]api.Relation, error)
	AddRelation(ctx context.Context, targetID int64, desc string) error
	UpdateNote(ctx context.Context, targetID int64, note string) error
	DeleteRelation(ctx context.Context, targetID int64) error
	PendingRequests(ctx context.Context) ([]api.PendingRequest, error)
	AcceptRequest(ctx context.Context, requesterID int64) error
	RejectRequest(ctx context.Context, requesterID int64) error
}

// Selection exposes the active conversation target.
type Selection interface {
	Target() (int64, bool)
	// ClearTargetIf clears the target if it equals id and reports whether it did.
	ClearTargetIf(id int64) bool
}

// Listener is told about cache changes. Calls are made without the cache
// lock held.
type Listener interface {
	RosterChanged()
	DisplayNameChanged(targetID int64, name string)
}

type nopListener struct{}

func (nopListener) RosterChanged()                   {}
func (nopListener) DisplayNameChanged(int64, string) {}

// Cache is the Roster Cache.
type Cache struct {
	api API
	sel Selection

	mu       sync.Mutex
	records  map[int64]*Record
	order    []int64 // snapshot order
	self     int64
	listener Listener
}

// New creates an empty cache.
func New(client API, sel Selection) *Cache {
	return &Cache{
		api:      client,
		sel:      sel,
		records:  make(map[int64]*Record),
		listener: nopListener{},
	}
}

// SetSelf records the signed-in user's id so self-adds can be rejected.
func (c *Cache) SetSelf(id int64) {
	c.mu.Lock()
	c.self = id
	c.mu.Unlock()
}

// SetListener installs l. A nil l disables notifications.
func (c *Cache) SetListener(l Listener) {
	if l == nil {
		l = nopListener{}
	}
	c.mu.Lock()
	c.listener = l
	c.mu.Unlock()
}

func (c *Cache) notifier() Listener {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listener
}

// Refresh fetches the full snapshot and replaces the cache with it. Entries
// missing from the snapshot disappear. On failure the cache is unchanged.
func (c *Cache) Refresh(ctx context.Context) ([]Record, error) {
	rels, err := c.api.ListRelations(ctx)
	if err != nil {
		return nil, &FetchError{Err: err}
	}

	records := make(map[int64]*Record, len(rels))
	order := make([]int64, 0, len(rels))
	for _, r := range rels {
		if _, dup := records[r.TargetID]; !dup {
			order = append(order, r.TargetID)
		}
		records[r.TargetID] = &Record{TargetID: r.TargetID, Note: r.Note, IsOnline: r.IsOnline}
	}

	c.mu.Lock()
	c.records = records
	c.order = order
	out := c.listLocked()
	l := c.listener
	c.mu.Unlock()

	metrics.RosterSize.Set(float64(len(out)))
	log.Debug().Msgf("[roster] refreshed %d relations", len(out))
	l.RosterChanged()
	return out, nil
}

// ApplyPresence sets the online flag of targetID. Unknown ids are ignored.
func (c *Cache) ApplyPresence(targetID int64, online bool) {
	c.mu.Lock()
	rec, ok := c.records[targetID]
	changed := ok && rec.IsOnline != online
	if ok {
		rec.IsOnline = online
	}
	l := c.listener
	c.mu.Unlock()

	if !ok {
		log.Debug().Msgf("[roster] presence for unknown relation %d ignored", targetID)
		return
	}
	if changed {
		l.RosterChanged()
	}
}

// UpdateNote sets the note for targetID. The note is trimmed and an empty
// note clears it. If targetID is the active conversation the new display
// name is signalled.
func (c *Cache) UpdateNote(ctx context.Context, targetID int64, note string) error {
	note = strings.TrimSpace(note)
	if targetID <= 0 {
		return fmt.Errorf("%w: invalid relation id %d", ErrValidation, targetID)
	}
	if utf8.RuneCountInString(note) > MaxNoteLength {
		return fmt.Errorf("%w: note is longer than %d characters", ErrValidation, MaxNoteLength)
	}

	if err := c.api.UpdateNote(ctx, targetID, note); err != nil {
		return &RequestError{Op: "update note", TargetID: targetID, Err: err}
	}

	c.mu.Lock()
	if rec, ok := c.records[targetID]; ok {
		rec.Note = note
	}
	l := c.listener
	c.mu.Unlock()

	if cur, ok := c.sel.Target(); ok && cur == targetID {
		l.DisplayNameChanged(targetID, DisplayName(targetID, note))
	}
	l.RosterChanged()
	return nil
}

// AddRelation sends a friend request. The cache is not changed: the relation
// appears only after the other side accepts and a later Refresh.
func (c *Cache) AddRelation(ctx context.Context, targetID int64, desc string) error {
	if targetID <= 0 {
		return fmt.Errorf("%w: invalid relation id %d", ErrValidation, targetID)
	}

	c.mu.Lock()
	self := c.self
	_, cached := c.records[targetID]
	c.mu.Unlock()

	if self != 0 && targetID == self {
		return fmt.Errorf("%w: cannot add yourself", ErrValidation)
	}
	if cached {
		return fmt.Errorf("%w: %d", ErrDuplicate, targetID)
	}

	if err := c.api.AddRelation(ctx, targetID, desc); err != nil {
		return &RequestError{Op: "add relation", TargetID: targetID, Err: err}
	}
	log.Info().Msgf("[roster] friend request sent to %d", targetID)
	return nil
}

// DeleteRelation removes targetID on the server and then from the cache,
// clearing the conversation target if it pointed at targetID.
func (c *Cache) DeleteRelation(ctx context.Context, targetID int64) error {
	if err := c.api.DeleteRelation(ctx, targetID); err != nil {
		return &RequestError{Op: "delete relation", TargetID: targetID, Err: err}
	}

	c.mu.Lock()
	if _, ok := c.records[targetID]; ok {
		delete(c.records, targetID)
		for i, id := range c.order {
			if id == targetID {
				c.order = append(c.order[:i], c.order[i+1:]...)
				break
			}
		}
	}
	size := len(c.records)
	l := c.listener
	c.mu.Unlock()

	metrics.RosterSize.Set(float64(size))
	if c.sel.ClearTargetIf(targetID) {
		log.Debug().Msgf("[roster] deleted relation %d was the active conversation", targetID)
	}
	l.RosterChanged()
	return nil
}

// Pending lists incoming friend requests.
func (c *Cache) Pending(ctx context.Context) ([]api.PendingRequest, error) {
	reqs, err := c.api.PendingRequests(ctx)
	if err != nil {
		return nil, &FetchError{Err: err}
	}
	return reqs, nil
}

// Accept accepts the request from requesterID. Like AddRelation it does not
// insert into the cache; call Refresh.
func (c *Cache) Accept(ctx context.Context, requesterID int64) error {
	if err := c.api.AcceptRequest(ctx, requesterID); err != nil {
		return &RequestError{Op: "accept request", TargetID: requesterID, Err: err}
	}
	return nil
}

// Reject rejects the request from requesterID.
func (c *Cache) Reject(ctx context.Context, requesterID int64) error {
	if err := c.api.RejectRequest(ctx, requesterID); err != nil {
		return &RequestError{Op: "reject request", TargetID: requesterID, Err: err}
	}
	return nil
}

// DisplayName resolves the shown name for any id, cached or not.
func (c *Cache) DisplayName(targetID int64) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rec, ok := c.records[targetID]; ok {
		return rec.DisplayName()
	}
	return DisplayName(targetID, "")
}

// Get returns a copy of the record for targetID.
func (c *Cache) Get(targetID int64) (Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[targetID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// List returns copies of all records in snapshot order.
func (c *Cache) List() []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listLocked()
}

func (c *Cache) listLocked() []Record {
	out := make([]Record, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, *c.records[id])
	}
	return out
}

// Reset empties the cache and forgets the signed-in user.
func (c *Cache) Reset() {
	c.mu.Lock()
	c.records = make(map[int64]*Record)
	c.order = nil
	c.self = 0
	l := c.listener
	c.mu.Unlock()

	metrics.RosterSize.Set(0)
	l.RosterChanged()
}
