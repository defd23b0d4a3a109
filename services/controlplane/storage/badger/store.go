// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package badger

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"github.com/dgraph-io/badger/v4"
)

// Key prefixes. All keys are "<prefix><identifier>" with "/" separators;
// variable segments that may contain "/" are query-escaped.
const (
	prefixIncident = "incident/"
	prefixPlan     = "plan/"
	prefixTodo     = "todo/"
	prefixTodoIdx  = "todoidx/"
	prefixHistory  = "history/"
	prefixTask     = "task/"
	prefixTaskIdem = "taskidem/"
	prefixResult   = "result/"
	prefixWorker   = "worker/"
	prefixAudit    = "audit/entry/"
	keyAuditHead   = "audit/head"
)

// txnRetries bounds retry-on-conflict loops for guarded writes. Conflicts
// are expected under concurrent claimants/appenders; persistent conflict
// beyond this is surfaced to the caller.
const txnRetries = 16

// Store implements every storage contract on one BadgerDB instance.
type Store struct {
	db *badger.DB
}

// NewStore wraps an opened BadgerDB.
func NewStore(db *badger.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for lifecycle management.
func (s *Store) DB() *badger.DB { return s.db }

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// update runs fn in an Update transaction, retrying on ErrConflict.
func (s *Store) update(fn func(txn *badger.Txn) error) error {
	var err error
	for i := 0; i < txnRetries; i++ {
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return fmt.Errorf("transaction conflict persisted after %d retries: %w", txnRetries, err)
}

// getJSON loads and decodes one key inside a transaction.
func getJSON(txn *badger.Txn, key string, out any) error {
	item, err := txn.Get([]byte(key))
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, out)
	})
}

// setJSON encodes and stores one key inside a transaction.
func setJSON(txn *badger.Txn, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return txn.Set([]byte(key), data)
}

// viewJSON loads one key in a read-only transaction.
func (s *Store) viewJSON(key string, out any) error {
	return s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, key, out)
	})
}

// scanPrefix decodes every value under prefix in key order, stopping
// early when visit returns false.
func (s *Store) scanPrefix(prefix string, visit func(key string, val []byte) (bool, error)) error {
	return s.db.View(func(txn *badger.Txn) error {
		return scanPrefixTxn(txn, prefix, visit)
	})
}

func scanPrefixTxn(txn *badger.Txn, prefix string, visit func(key string, val []byte) (bool, error)) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefix)
	it := txn.NewIterator(opts)
	defer it.Close()
	for it.Rewind(); it.ValidForPrefix([]byte(prefix)); it.Next() {
		item := it.Item()
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		cont, err := visit(string(item.Key()), val)
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
	return nil
}

// decode unmarshals a stored value.
func decode(val []byte, out any) error {
	return json.Unmarshal(val, out)
}

// escapeSegment makes an arbitrary string safe as a key segment.
func escapeSegment(s string) string {
	return url.QueryEscape(s)
}
