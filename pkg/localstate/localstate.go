package localstate

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/canopyhq/canopy/pkg/apierror"
	"github.com/canopyhq/canopy/pkg/types"
)

var (
	// Bucket names
	bucketDeployments = []byte("deployments")
	bucketMeta        = []byte("meta")
)

// MetaLastSweep is the meta key recording the last successful full sweep
// as an RFC 3339 timestamp.
const MetaLastSweep = "lastSweep"

// Store is the runner's durable record of last-applied state. It survives
// restarts so the engine can diff desired state against what it actually
// applied rather than against what the backend happens to report.
//
// The store is owned by the reconciliation engine and is single-writer by
// construction.
type Store struct {
	db *bolt.DB
}

// Open opens (or creates) the local state database in dataDir.
func Open(dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, "canopy-runner.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open local state database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{bucketDeployments, bucketMeta}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// PutDeployment records the deployment as last applied (upsert).
func (s *Store) PutDeployment(d *types.Deployment) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeployments)
		data, err := json.Marshal(d)
		if err != nil {
			return err
		}
		return b.Put([]byte(d.ID), data)
	})
}

// GetDeployment returns the last-applied record for id.
func (s *Store) GetDeployment(id string) (*types.Deployment, error) {
	var d types.Deployment
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeployments)
		data := b.Get([]byte(id))
		if data == nil {
			return apierror.NotFound("deployment not applied locally: " + id)
		}
		return json.Unmarshal(data, &d)
	})
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// ListDeployments returns every last-applied deployment record.
func (s *Store) ListDeployments() ([]*types.Deployment, error) {
	var out []*types.Deployment
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeployments)
		return b.ForEach(func(k, v []byte) error {
			var d types.Deployment
			if err := json.Unmarshal(v, &d); err != nil {
				return err
			}
			out = append(out, &d)
			return nil
		})
	})
	return out, err
}

// DeleteDeployment removes the last-applied record. Deleting an absent
// record is a no-op.
func (s *Store) DeleteDeployment(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeployments)
		return b.Delete([]byte(id))
	})
}

// PutMeta stores an arbitrary runner-scoped key, e.g. the last successful
// full-sweep timestamp.
func (s *Store) PutMeta(key string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put([]byte(key), value)
	})
}

// GetMeta returns the stored value for key, or nil when unset.
func (s *Store) GetMeta(key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketMeta).Get([]byte(key))
		if data != nil {
			out = append([]byte(nil), data...)
		}
		return nil
	})
	return out, err
}
