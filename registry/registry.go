// Package registry owns the supervisor's live set of cache entries: a
// hot concurrent map keyed by sid for request-path lookups, and a
// secondary last-access index for efficient prune-by-idle-threshold
// sweeps. The hot map is grounded on the teacher's utils/safemap generic
// wrapper over puzpuzpuz/xsync; the index is grounded on
// database/memdb.go's go-memdb schema-and-txn pattern (there keyed by
// m3uIndex, here by last access).
package registry

import (
	"time"

	"github.com/hashicorp/go-memdb"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/podcache/podcache/entry"
)

// accessRecord is the row stored in the memdb last-access index. It is
// a point-in-time copy; the entry itself remains the source of truth
// for everything except prune ordering.
type accessRecord struct {
	SID        string
	LastAccess int64 // unix nanos, for memdb's int64 indexer
}

func schema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			"access": {
				Name: "access",
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "SID"},
					},
					"lastAccess": {
						Name:    "lastAccess",
						Unique:  false,
						Indexer: &memdb.IntFieldIndex{Field: "LastAccess"},
					},
				},
			},
		},
	}
}

// Registry tracks every live entry.Entry by sid.
type Registry struct {
	hot   *xsync.MapOf[string, *entry.Entry]
	index *memdb.MemDB
}

func New() (*Registry, error) {
	db, err := memdb.NewMemDB(schema())
	if err != nil {
		return nil, err
	}
	return &Registry{
		hot:   xsync.NewMapOf[string, *entry.Entry](),
		index: db,
	}, nil
}

// Get returns the entry for sid, if any.
func (r *Registry) Get(sid string) (*entry.Entry, bool) {
	return r.hot.Load(sid)
}

// GetOrCreate returns the existing entry for sid, or stores and returns
// newEntry if none existed yet.
func (r *Registry) GetOrCreate(sid string, newEntry func() *entry.Entry) *entry.Entry {
	e, _ := r.hot.LoadOrCompute(sid, func() *entry.Entry {
		created := newEntry()
		r.touchIndex(sid)
		return created
	})
	return e
}

// Touch refreshes the last-access index row for sid. Called whenever a
// request is served from an entry, independent of the entry's own
// in-memory Touch().
func (r *Registry) Touch(sid string) {
	r.touchIndex(sid)
}

func (r *Registry) touchIndex(sid string) {
	txn := r.index.Txn(true)
	_ = txn.Insert("access", &accessRecord{SID: sid, LastAccess: time.Now().UnixNano()})
	txn.Commit()
}

// Remove deletes sid from both the hot map and the index, stopping its
// background prefetcher first.
func (r *Registry) Remove(sid string) {
	if e, ok := r.hot.LoadAndDelete(sid); ok {
		e.StopBackgroundPrefetch()
	}
	txn := r.index.Txn(true)
	_, _ = txn.DeleteAll("access", "id", sid)
	txn.Commit()
}

// Len returns the number of live entries.
func (r *Registry) Len() int {
	return r.hot.Size()
}

// IdleSIDs returns every sid whose last-access index row is older than
// cutoff, ordered oldest-first. Used by the prune sweep to find
// candidates without scanning the hot map directly.
func (r *Registry) IdleSIDs(cutoff time.Time) []string {
	txn := r.index.Txn(false)
	defer txn.Abort()

	it, err := txn.Get("access", "lastAccess")
	if err != nil {
		return nil
	}

	cutoffNanos := cutoff.UnixNano()
	var out []string
	for raw := it.Next(); raw != nil; raw = it.Next() {
		rec := raw.(*accessRecord)
		if rec.LastAccess <= cutoffNanos {
			out = append(out, rec.SID)
		}
	}
	return out
}

// All returns every sid currently registered, in no particular order.
func (r *Registry) All() []string {
	var out []string
	r.hot.Range(func(sid string, _ *entry.Entry) bool {
		out = append(out, sid)
		return true
	})
	return out
}
