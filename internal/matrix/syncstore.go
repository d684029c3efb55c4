// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package matrix

import (
	"context"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"
)

// DeviceIDKey is the store key holding the device id of the last login.
const DeviceIDKey = "device_id"

// KV is the part of the bot store the session needs.
type KV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

// SyncStore keeps sync tokens and filter ids in the bot store, so a restart
// resumes where the previous run stopped instead of replaying history.
type SyncStore struct {
	kv KV
}

var _ mautrix.SyncStore = (*SyncStore)(nil)

// NewSyncStore creates a SyncStore backed by kv.
func NewSyncStore(kv KV) *SyncStore {
	return &SyncStore{kv: kv}
}

func nextBatchKey(userID id.UserID) string { return "sync/next_batch/" + string(userID) }

func filterKey(userID id.UserID) string { return "sync/filter/" + string(userID) }

// SaveFilterID implements mautrix.SyncStore.
func (s *SyncStore) SaveFilterID(ctx context.Context, userID id.UserID, filterID string) error {
	return s.kv.Set(ctx, filterKey(userID), filterID)
}

// LoadFilterID implements mautrix.SyncStore.
func (s *SyncStore) LoadFilterID(ctx context.Context, userID id.UserID) (string, error) {
	value, _, err := s.kv.Get(ctx, filterKey(userID))
	return value, err
}

// SaveNextBatch implements mautrix.SyncStore.
func (s *SyncStore) SaveNextBatch(ctx context.Context, userID id.UserID, nextBatchToken string) error {
	return s.kv.Set(ctx, nextBatchKey(userID), nextBatchToken)
}

// LoadNextBatch implements mautrix.SyncStore.
func (s *SyncStore) LoadNextBatch(ctx context.Context, userID id.UserID) (string, error) {
	value, _, err := s.kv.Get(ctx, nextBatchKey(userID))
	return value, err
}
