package models

import "time"

// StoredConfig is the metadata row for a published experiment config.
// The canonical document itself is immutable after publish; edits produce
// a new configId.
type StoredConfig struct {
	ConfigID   string    `json:"configId"`
	Owner      string    `json:"owner"`
	Checksum   string    `json:"checksum,omitempty"`
	ConfigHash string    `json:"configHash"`
	Document   []byte    `json:"-"`
	UploadedAt time.Time `json:"uploadedAt"`
}

// PoolStats is the persisted per-pool treatment histogram. Keeping it in the
// store makes balanced-random assignment survive restarts.
type PoolStats struct {
	ConfigID string           `json:"configId"`
	PoolID   string           `json:"poolId"`
	Counts   map[string]int64 `json:"counts"`
	Version  int64            `json:"-"`
}
