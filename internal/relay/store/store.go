// Package store persists call records, one per group, in badger.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Kashmala488/Learning-Sync-sub000/internal/domain"
	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

var (
	ErrNotFound  = errors.New("call record not found")
	ErrNotActive = errors.New("call is not active")
)

type Record struct {
	GroupID   domain.GroupID       `json:"groupId"`
	RoomID    domain.RoomID        `json:"roomId"`
	CreatedBy domain.ParticipantID `json:"createdBy"`
	CreatedAt time.Time            `json:"createdAt"`
	EndedAt   *time.Time           `json:"endedAt,omitempty"`
	Active    bool                 `json:"active"`
}

type Store struct {
	db  *badger.DB
	now func() time.Time
}

// Open opens the database at path; an empty path keeps it in memory.
func Open(path string) (*Store, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open call records: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func key(group domain.GroupID) []byte { return []byte("call:" + string(group)) }

// Create starts a call for group. An active record is returned as is with
// created false, so concurrent starters land in the same room.
func (s *Store) Create(group domain.GroupID, by domain.ParticipantID) (Record, bool, error) {
	var (
		rec     Record
		created bool
	)
	err := s.db.Update(func(txn *badger.Txn) error {
		existing, err := get(txn, group)
		switch {
		case err == nil && existing.Active:
			rec = existing
			return nil
		case err != nil && !errors.Is(err, ErrNotFound):
			return err
		}
		rec = Record{
			GroupID:   group,
			RoomID:    domain.RoomID("room-" + uuid.NewString()),
			CreatedBy: by,
			CreatedAt: s.now().UTC(),
			Active:    true,
		}
		created = true
		return put(txn, rec)
	})
	return rec, created, err
}

func (s *Store) Get(group domain.GroupID) (Record, error) {
	var rec Record
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		rec, err = get(txn, group)
		return err
	})
	return rec, err
}

// Status reports the call of group; a missing record is an inactive call.
func (s *Store) Status(group domain.GroupID) (domain.CallStatus, error) {
	rec, err := s.Get(group)
	if errors.Is(err, ErrNotFound) {
		return domain.CallStatus{}, nil
	}
	if err != nil {
		return domain.CallStatus{}, err
	}
	if !rec.Active {
		return domain.CallStatus{}, nil
	}
	return domain.CallStatus{Active: true, RoomID: rec.RoomID}, nil
}

func (s *Store) End(group domain.GroupID) (Record, error) {
	var rec Record
	err := s.db.Update(func(txn *badger.Txn) error {
		var err error
		if rec, err = get(txn, group); err != nil {
			return err
		}
		if !rec.Active {
			return ErrNotActive
		}
		ended := s.now().UTC()
		rec.Active = false
		rec.EndedAt = &ended
		return put(txn, rec)
	})
	return rec, err
}

// ByRoom finds the active record that owns room.
func (s *Store) ByRoom(room domain.RoomID) (Record, error) {
	var rec Record
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("call:")
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var r Record
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &r) }); err != nil {
				return err
			}
			if r.RoomID == room && r.Active {
				rec = r
				return nil
			}
		}
		return ErrNotFound
	})
	return rec, err
}

func get(txn *badger.Txn, group domain.GroupID) (Record, error) {
	item, err := txn.Get(key(group))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	var rec Record
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	})
	return rec, err
}

func put(txn *badger.Txn, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal failed: %w", err)
	}
	return txn.Set(key(rec.GroupID), data)
}
