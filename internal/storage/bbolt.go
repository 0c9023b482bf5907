package storage

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"
)

const (
	bucketSquads   = "squads"
	bucketKeys     = "keys" // keyed by normalized email
	bucketUsers    = "users"
	bucketSettings = "settings"
	bucketMetrics  = "metrics" // keyed by scope|name|unixnano
	bucketProbes   = "probes"  // keyed by target|unixnano
)

type bboltStore struct {
	db *bolt.DB
}

// NewBboltStore opens (or creates) a bbolt database at dataDir/panelwarden.db.
func NewBboltStore(dataDir string) (Store, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(dataDir, "panelwarden.db")
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bbolt at %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketSquads, bucketKeys, bucketUsers, bucketSettings, bucketMetrics, bucketProbes} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &bboltStore{db: db}, nil
}

// normalizeEmail lower-cases and trims the join key. All keys bucket access
// goes through this so local and remote representations compare equal.
func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ---- Squads ----------------------------------------------------------------

func (s *bboltStore) ListSquads() ([]Squad, error) {
	var result []Squad
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketSquads)).ForEach(func(k, v []byte) error {
			var sq Squad
			if err := msgpack.Unmarshal(v, &sq); err != nil {
				return fmt.Errorf("unmarshal Squad %s: %w", k, err)
			}
			result = append(result, sq)
			return nil
		})
	})
	return result, err
}

func (s *bboltStore) UpsertSquad(sq Squad) error {
	if sq.HostName == "" {
		return fmt.Errorf("squad host name must not be empty")
	}
	data, err := msgpack.Marshal(sq)
	if err != nil {
		return fmt.Errorf("marshal Squad: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketSquads)).Put([]byte(sq.HostName), data)
	})
}

// ---- Key records -----------------------------------------------------------

func (s *bboltStore) KeysForSquad(hostName string) ([]KeyRecord, error) {
	want := strings.TrimSpace(hostName)
	var result []KeyRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketKeys)).ForEach(func(k, v []byte) error {
			var rec KeyRecord
			if err := msgpack.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("unmarshal KeyRecord %s: %w", k, err)
			}
			if strings.TrimSpace(rec.HostName) == want {
				result = append(result, rec)
			}
			return nil
		})
	})
	return result, err
}

func (s *bboltStore) AllKeys() ([]KeyRecord, error) {
	var result []KeyRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketKeys)).ForEach(func(k, v []byte) error {
			var rec KeyRecord
			if err := msgpack.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("unmarshal KeyRecord %s: %w", k, err)
			}
			result = append(result, rec)
			return nil
		})
	})
	return result, err
}

func (s *bboltStore) GetKeyByEmail(email string) (*KeyRecord, error) {
	var rec KeyRecord
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketKeys)).Get([]byte(normalizeEmail(email)))
		if v == nil {
			return nil
		}
		found = true
		return msgpack.Unmarshal(v, &rec)
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &rec, nil
}

func (s *bboltStore) UpdateKeyFromRemote(email string, upd KeyUpdate) (bool, error) {
	key := []byte(normalizeEmail(email))
	var updated bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketKeys))
		v := b.Get(key)
		if v == nil {
			return nil
		}
		var rec KeyRecord
		if err := msgpack.Unmarshal(v, &rec); err != nil {
			return fmt.Errorf("unmarshal KeyRecord %s: %w", key, err)
		}
		if upd.RemoteUUID != "" {
			rec.RemoteUUID = upd.RemoteUUID
		}
		if !upd.ExpiresAt.IsZero() {
			rec.ExpiresAt = upd.ExpiresAt.UTC()
		}
		if upd.SubscriptionURL != "" {
			rec.SubscriptionURL = upd.SubscriptionURL
		}
		rec.UpdatedAt = time.Now().UTC()
		data, err := msgpack.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal KeyRecord: %w", err)
		}
		updated = true
		return b.Put(key, data)
	})
	return updated, err
}

func (s *bboltStore) DeleteKeyByEmail(email string) (bool, error) {
	key := []byte(normalizeEmail(email))
	var deleted bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketKeys))
		if b.Get(key) == nil {
			return nil
		}
		deleted = true
		return b.Delete(key)
	})
	return deleted, err
}

func (s *bboltStore) RecordKey(rec KeyRecord) (int64, error) {
	email := normalizeEmail(rec.Email)
	if email == "" {
		return 0, fmt.Errorf("key record email must not be empty")
	}
	var id int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketKeys))
		if b.Get([]byte(email)) != nil {
			return fmt.Errorf("key record for %s already exists", email)
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		id = int64(seq)
		rec.ID = id
		rec.Email = email
		now := time.Now().UTC()
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = now
		}
		rec.UpdatedAt = now
		data, err := msgpack.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal KeyRecord: %w", err)
		}
		return b.Put([]byte(email), data)
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// ---- Users -----------------------------------------------------------------

func userKey(id int64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(id))
	return k
}

func (s *bboltStore) UpsertUser(u UserRecord) error {
	data, err := msgpack.Marshal(u)
	if err != nil {
		return fmt.Errorf("marshal UserRecord: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketUsers)).Put(userKey(u.ID), data)
	})
}

func (s *bboltStore) UserExists(id int64) (bool, error) {
	var exists bool
	err := s.db.View(func(tx *bolt.Tx) error {
		exists = tx.Bucket([]byte(bucketUsers)).Get(userKey(id)) != nil
		return nil
	})
	return exists, err
}

func (s *bboltStore) AdminIDs() ([]int64, error) {
	var ids []int64
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketUsers)).ForEach(func(k, v []byte) error {
			var u UserRecord
			if err := msgpack.Unmarshal(v, &u); err != nil {
				return nil // skip corrupt entries
			}
			if u.IsAdmin {
				ids = append(ids, u.ID)
			}
			return nil
		})
	})
	return ids, err
}

// ---- Settings --------------------------------------------------------------

func (s *bboltStore) GetSetting(key string) (string, error) {
	var val string
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket([]byte(bucketSettings)).Get([]byte(key)); v != nil {
			val = string(v)
		}
		return nil
	})
	return val, err
}

func (s *bboltStore) SetSetting(key, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketSettings)).Put([]byte(key), []byte(value))
	})
}

// ---- Resource metric samples -----------------------------------------------

func timeSeriesKey(parts ...string) []byte {
	return []byte(strings.Join(parts, "|"))
}

func (s *bboltStore) InsertMetric(row MetricRow) error {
	if row.At.IsZero() {
		row.At = time.Now().UTC()
	}
	data, err := msgpack.Marshal(row)
	if err != nil {
		return fmt.Errorf("marshal MetricRow: %w", err)
	}
	key := timeSeriesKey(row.Scope, row.Name, fmt.Sprintf("%020d", row.At.UnixNano()))
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketMetrics)).Put(key, data)
	})
}

func (s *bboltStore) PruneMetrics(olderThan time.Time) (int, error) {
	var pruned int
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketMetrics))
		var toDelete [][]byte
		if err := b.ForEach(func(k, v []byte) error {
			var row MetricRow
			if err := msgpack.Unmarshal(v, &row); err != nil {
				return nil // skip corrupt entries
			}
			if row.At.Before(olderThan) {
				key := make([]byte, len(k))
				copy(key, k)
				toDelete = append(toDelete, key)
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
			pruned++
		}
		return nil
	})
	return pruned, err
}

// ---- Probe results ---------------------------------------------------------

func (s *bboltStore) RecordProbe(res ProbeResult) error {
	if res.At.IsZero() {
		res.At = time.Now().UTC()
	}
	data, err := msgpack.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal ProbeResult: %w", err)
	}
	key := timeSeriesKey(res.Target, fmt.Sprintf("%020d", res.At.UnixNano()))
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketProbes)).Put(key, data)
	})
}

func (s *bboltStore) PruneProbes(olderThan time.Time) (int, error) {
	var pruned int
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketProbes))
		var toDelete [][]byte
		if err := b.ForEach(func(k, v []byte) error {
			var res ProbeResult
			if err := msgpack.Unmarshal(v, &res); err != nil {
				return nil
			}
			if res.At.Before(olderThan) {
				key := make([]byte, len(k))
				copy(key, k)
				toDelete = append(toDelete, key)
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
			pruned++
		}
		return nil
	})
	return pruned, err
}

// ---- Utility ---------------------------------------------------------------

func (s *bboltStore) SizeBytes() (int64, error) {
	info, err := os.Stat(s.db.Path())
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (s *bboltStore) Close() error {
	return s.db.Close()
}
