// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/ManuGH/rcd/internal/domain/rc/model"
	"github.com/dgraph-io/badger/v4"
)

// BadgerStore keeps session records in an embedded Badger database.
// Layout:
//   - sessions: key = "rcsess:<id>" (JSON)
//   - device index: key = "rcdev:<deviceID>" (value = active session ID)
//
// The device index entry exists only while the session is in an active
// state, which lets CreateSession enforce the one-session-per-device
// invariant inside a single Update transaction.
type BadgerStore struct {
	db *badger.DB
}

func OpenBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Close() error { return s.db.Close() }

func (s *BadgerStore) Ping(ctx context.Context) error {
	if s.db.IsClosed() {
		return errors.New("badger store closed")
	}
	return nil
}

func sessKey(id string) []byte      { return []byte("rcsess:" + id) }
func devKey(deviceID string) []byte { return []byte("rcdev:" + deviceID) }

func (s *BadgerStore) CreateSession(ctx context.Context, rec *model.SessionRecord) error {
	buf, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(devKey(rec.DeviceID)); err == nil {
			return ErrDeviceActive
		} else if err != badger.ErrKeyNotFound {
			return err
		}
		if rec.State.IsActive() {
			if err := txn.Set(devKey(rec.DeviceID), []byte(rec.SessionID)); err != nil {
				return err
			}
		}
		return txn.Set(sessKey(rec.SessionID), buf)
	})
}

func (s *BadgerStore) GetSession(ctx context.Context, id string) (*model.SessionRecord, error) {
	var out model.SessionRecord
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(sessKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &out)
		})
	})
	if err != nil {
		if err == badger.ErrKeyNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &out, nil
}

func (s *BadgerStore) UpdateSession(ctx context.Context, id string, fn func(*model.SessionRecord) error) (*model.SessionRecord, error) {
	var out model.SessionRecord
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(sessKey(id))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return ErrNotFound
			}
			return err
		}
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &out)
		}); err != nil {
			return err
		}
		wasActive := out.State.IsActive()
		if err := fn(&out); err != nil {
			return err
		}
		// Maintain the device index across the active boundary.
		if wasActive && !out.State.IsActive() {
			if err := txn.Delete(devKey(out.DeviceID)); err != nil {
				return err
			}
		}
		buf, err := json.Marshal(out)
		if err != nil {
			return err
		}
		return txn.Set(sessKey(out.SessionID), buf)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *BadgerStore) ActiveSessionForDevice(ctx context.Context, deviceID string) (*model.SessionRecord, error) {
	var sessionID string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(devKey(deviceID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			sessionID = string(val)
			return nil
		})
	})
	if err != nil {
		if err == badger.ErrKeyNotFound {
			return nil, nil
		}
		return nil, err
	}
	rec, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if rec == nil || !rec.State.IsActive() {
		return nil, nil
	}
	return rec, nil
}

func (s *BadgerStore) QuerySessions(ctx context.Context, filter SessionFilter) ([]*model.SessionRecord, error) {
	prefix := []byte("rcsess:")
	var results []*model.SessionRecord
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			var rec model.SessionRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				continue
			}
			if matchesFilter(&rec, filter) {
				results = append(results, rec.Clone())
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (s *BadgerStore) DeleteSession(ctx context.Context, id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(sessKey(id))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		var rec model.SessionRecord
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		}); err == nil && rec.State.IsActive() {
			if err := txn.Delete(devKey(rec.DeviceID)); err != nil {
				return err
			}
		}
		return txn.Delete(sessKey(id))
	})
}

var _ Store = (*BadgerStore)(nil)
