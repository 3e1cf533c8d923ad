package models

import "time"

// DeviceToken is a cached bearer credential scoped to one device
type DeviceToken struct {
	Token             string    `json:"token"`
	IssuedAt          time.Time `json:"issuedAt"`
	ExpiresAt         time.Time `json:"expiresAt"`
	DeviceFingerprint string    `json:"deviceFingerprint"`
}

// Valid reports whether the token can still be presented at now
func (t *DeviceToken) Valid(now time.Time) bool {
	if t == nil || t.Token == "" {
		return false
	}
	return t.ExpiresAt.IsZero() || now.Before(t.ExpiresAt)
}

// Collection names the two independent durable collections
type Collection string

const (
	CollectionProbes       Collection = "pingResults"
	CollectionMeasurements Collection = "measurements"
)

// SyncStatus is the indexed status field used to find unsynced work
type SyncStatus int

const (
	StatusPending SyncStatus = 0
	StatusSynced  SyncStatus = 1
)
