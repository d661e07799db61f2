package models

import "time"

// PresenceStatus is the advisory liveness of a user.
type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusOffline PresenceStatus = "offline"
)

// Presence is the last known liveness of a user.
type Presence struct {
	UserID     int64          `json:"user_id"`
	Status     PresenceStatus `json:"status"`
	LastActive time.Time      `json:"last_active"`
}
