package storage

import (
	"time"
)

// Squad identifies one remote account group bound to a VPN host.
// Squads are created by admin tooling; the core reads them only.
type Squad struct {
	SquadID   string // authoritative key for remote lookups; empty = not syncable
	HostName  string // human label, join key for local key records
	CreatedAt time.Time
}

// KeyRecord is one issued VPN credential tracked locally.
// Email is the stable join key with the remote panel and is stored
// case-normalized.
type KeyRecord struct {
	ID              int64
	UserID          int64
	HostName        string
	RemoteUUID      string // empty until first sync
	Email           string
	ExpiresAt       time.Time
	SubscriptionURL string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// KeyUpdate carries the remote-sourced fields applied to a local key record
// when drift is detected.
type KeyUpdate struct {
	RemoteUUID      string
	ExpiresAt       time.Time
	SubscriptionURL string
}

// UserRecord is a bot user known to the shop. Only existence and admin
// membership matter to the core.
type UserRecord struct {
	ID           int64
	Username     string
	IsAdmin      bool
	RegisteredAt time.Time
}

// MetricRow is one persisted resource sample for a monitored object.
// Nil pointer fields mean the metric was not present in the sample.
type MetricRow struct {
	Scope       string // "local", "host", or "target"
	Name        string
	CPUPercent  *float64
	MemPercent  *float64
	DiskPercent *float64
	Load1       *float64
	NetSent     *uint64
	NetRecv     *uint64
	At          time.Time
}

// ProbeResult is one stored link-quality measurement.
type ProbeResult struct {
	Target    string
	At        time.Time
	LatencyMS float64
	OK        bool
	Error     string
}

// Store is the persistence interface for the daemon.
type Store interface {
	// Squads (written by admin tooling, read by the reconciler)
	ListSquads() ([]Squad, error)
	UpsertSquad(s Squad) error

	// Key records
	KeysForSquad(hostName string) ([]KeyRecord, error)
	AllKeys() ([]KeyRecord, error)
	GetKeyByEmail(email string) (*KeyRecord, error)
	// UpdateKeyFromRemote applies remote truth to the local record.
	// Returns false if no record exists for the email.
	UpdateKeyFromRemote(email string, upd KeyUpdate) (bool, error)
	DeleteKeyByEmail(email string) (bool, error)
	// RecordKey creates a new record and returns its assigned id.
	RecordKey(rec KeyRecord) (int64, error)

	// Users
	UpsertUser(u UserRecord) error
	UserExists(id int64) (bool, error)
	AdminIDs() ([]int64, error)

	// Settings (admin-managed key/value strings; "" when absent)
	GetSetting(key string) (string, error)
	SetSetting(key, value string) error

	// Resource metric samples
	InsertMetric(row MetricRow) error
	PruneMetrics(olderThan time.Time) (int, error)

	// Probe results
	RecordProbe(res ProbeResult) error
	PruneProbes(olderThan time.Time) (int, error)

	// Utility
	SizeBytes() (int64, error)
	Close() error
}
