package testutil

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/panelwarden/panelwarden/internal/storage"
)

// MockStore implements storage.Store with in-memory maps for testing.
// All methods are safe for concurrent use.
type MockStore struct {
	mu      sync.Mutex
	squads  map[string]storage.Squad
	keys    map[string]storage.KeyRecord // normalized email -> record
	users   map[int64]storage.UserRecord
	setting map[string]string
	metrics []storage.MetricRow
	probes  []storage.ProbeResult
	nextKey int64

	// Mutations counts every write applied to key records; reconciliation
	// idempotence tests assert on it.
	Mutations int

	// Error injection: method -> next error (consumed on first call)
	errors map[string]error

	// Size value returned by SizeBytes()
	Size int64
}

// NewMockStore returns a zero-state MockStore ready for use.
func NewMockStore() *MockStore {
	return &MockStore{
		squads:  make(map[string]storage.Squad),
		keys:    make(map[string]storage.KeyRecord),
		users:   make(map[int64]storage.UserRecord),
		setting: make(map[string]string),
		errors:  make(map[string]error),
		Size:    1024,
	}
}

// SetError injects an error to be returned on the next call to the named method.
func (m *MockStore) SetError(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[method] = err
}

func (m *MockStore) popError(method string) error {
	err := m.errors[method]
	delete(m.errors, method)
	return err
}

func normalize(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// --- Squads -----------------------------------------------------------------

func (m *MockStore) ListSquads() ([]storage.Squad, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("ListSquads"); err != nil {
		return nil, err
	}
	result := make([]storage.Squad, 0, len(m.squads))
	for _, s := range m.squads {
		result = append(result, s)
	}
	return result, nil
}

func (m *MockStore) UpsertSquad(s storage.Squad) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("UpsertSquad"); err != nil {
		return err
	}
	m.squads[s.HostName] = s
	return nil
}

// --- Key records ------------------------------------------------------------

func (m *MockStore) KeysForSquad(hostName string) ([]storage.KeyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("KeysForSquad"); err != nil {
		return nil, err
	}
	var result []storage.KeyRecord
	for _, rec := range m.keys {
		if strings.TrimSpace(rec.HostName) == strings.TrimSpace(hostName) {
			result = append(result, rec)
		}
	}
	return result, nil
}

func (m *MockStore) AllKeys() ([]storage.KeyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("AllKeys"); err != nil {
		return nil, err
	}
	result := make([]storage.KeyRecord, 0, len(m.keys))
	for _, rec := range m.keys {
		result = append(result, rec)
	}
	return result, nil
}

func (m *MockStore) GetKeyByEmail(email string) (*storage.KeyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("GetKeyByEmail"); err != nil {
		return nil, err
	}
	rec, ok := m.keys[normalize(email)]
	if !ok {
		return nil, nil
	}
	copy := rec
	return &copy, nil
}

func (m *MockStore) UpdateKeyFromRemote(email string, upd storage.KeyUpdate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("UpdateKeyFromRemote"); err != nil {
		return false, err
	}
	rec, ok := m.keys[normalize(email)]
	if !ok {
		return false, nil
	}
	if upd.RemoteUUID != "" {
		rec.RemoteUUID = upd.RemoteUUID
	}
	if !upd.ExpiresAt.IsZero() {
		rec.ExpiresAt = upd.ExpiresAt
	}
	if upd.SubscriptionURL != "" {
		rec.SubscriptionURL = upd.SubscriptionURL
	}
	rec.UpdatedAt = time.Now()
	m.keys[normalize(email)] = rec
	m.Mutations++
	return true, nil
}

func (m *MockStore) DeleteKeyByEmail(email string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("DeleteKeyByEmail"); err != nil {
		return false, err
	}
	if _, ok := m.keys[normalize(email)]; !ok {
		return false, nil
	}
	delete(m.keys, normalize(email))
	m.Mutations++
	return true, nil
}

func (m *MockStore) RecordKey(rec storage.KeyRecord) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("RecordKey"); err != nil {
		return 0, err
	}
	email := normalize(rec.Email)
	if email == "" {
		return 0, fmt.Errorf("key record email must not be empty")
	}
	if _, ok := m.keys[email]; ok {
		return 0, fmt.Errorf("key record for %s already exists", email)
	}
	m.nextKey++
	rec.ID = m.nextKey
	rec.Email = email
	m.keys[email] = rec
	m.Mutations++
	return rec.ID, nil
}

// --- Users ------------------------------------------------------------------

func (m *MockStore) UpsertUser(u storage.UserRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("UpsertUser"); err != nil {
		return err
	}
	m.users[u.ID] = u
	return nil
}

func (m *MockStore) UserExists(id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("UserExists"); err != nil {
		return false, err
	}
	_, ok := m.users[id]
	return ok, nil
}

func (m *MockStore) AdminIDs() ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("AdminIDs"); err != nil {
		return nil, err
	}
	var ids []int64
	for id, u := range m.users {
		if u.IsAdmin {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// --- Settings ---------------------------------------------------------------

func (m *MockStore) GetSetting(key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("GetSetting"); err != nil {
		return "", err
	}
	return m.setting[key], nil
}

func (m *MockStore) SetSetting(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("SetSetting"); err != nil {
		return err
	}
	m.setting[key] = value
	return nil
}

// --- Metric samples ---------------------------------------------------------

func (m *MockStore) InsertMetric(row storage.MetricRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("InsertMetric"); err != nil {
		return err
	}
	if row.At.IsZero() {
		row.At = time.Now()
	}
	m.metrics = append(m.metrics, row)
	return nil
}

func (m *MockStore) PruneMetrics(olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("PruneMetrics"); err != nil {
		return 0, err
	}
	kept := m.metrics[:0]
	pruned := 0
	for _, row := range m.metrics {
		if row.At.Before(olderThan) {
			pruned++
			continue
		}
		kept = append(kept, row)
	}
	m.metrics = kept
	return pruned, nil
}

// Metrics returns a copy of all inserted metric rows.
func (m *MockStore) Metrics() []storage.MetricRow {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]storage.MetricRow, len(m.metrics))
	copy(out, m.metrics)
	return out
}

// --- Probe results ----------------------------------------------------------

func (m *MockStore) RecordProbe(res storage.ProbeResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("RecordProbe"); err != nil {
		return err
	}
	if res.At.IsZero() {
		res.At = time.Now()
	}
	m.probes = append(m.probes, res)
	return nil
}

func (m *MockStore) PruneProbes(olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("PruneProbes"); err != nil {
		return 0, err
	}
	kept := m.probes[:0]
	pruned := 0
	for _, res := range m.probes {
		if res.At.Before(olderThan) {
			pruned++
			continue
		}
		kept = append(kept, res)
	}
	m.probes = kept
	return pruned, nil
}

// Probes returns a copy of all recorded probe results.
func (m *MockStore) Probes() []storage.ProbeResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]storage.ProbeResult, len(m.probes))
	copy(out, m.probes)
	return out
}

// --- Utility ----------------------------------------------------------------

func (m *MockStore) SizeBytes() (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("SizeBytes"); err != nil {
		return 0, err
	}
	return m.Size, nil
}

func (m *MockStore) Close() error { return nil }
