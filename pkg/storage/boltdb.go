package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketWorkloads = []byte("workloads")
	bucketNodes     = []byte("nodes")
	bucketClaims    = []byte("claims")
)

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

var _ Store = (*BoltStore)(nil)

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "burrow.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketWorkloads, bucketNodes, bucketClaims} {
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

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) put(bucket []byte, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(key), data)
	})
}

func (s *BoltStore) get(bucket []byte, key, kind string, v interface{}) error {
	return s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get([]byte(key))
		if data == nil {
			return fmt.Errorf("%s %s: %w", kind, key, errdefs.ErrNotFound)
		}
		return json.Unmarshal(data, v)
	})
}

func (s *BoltStore) delete(bucket []byte, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(key))
	})
}

// Workload operations
func (s *BoltStore) PutWorkload(spec *types.WorkloadSpec) error {
	return s.put(bucketWorkloads, spec.Key(), spec)
}

func (s *BoltStore) GetWorkload(key string) (*types.WorkloadSpec, error) {
	var spec types.WorkloadSpec
	if err := s.get(bucketWorkloads, key, "workload", &spec); err != nil {
		return nil, err
	}
	return &spec, nil
}

func (s *BoltStore) ListWorkloads() ([]*types.WorkloadSpec, error) {
	var specs []*types.WorkloadSpec
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWorkloads).ForEach(func(k, v []byte) error {
			var spec types.WorkloadSpec
			if err := json.Unmarshal(v, &spec); err != nil {
				return err
			}
			specs = append(specs, &spec)
			return nil
		})
	})
	return specs, err
}

func (s *BoltStore) DeleteWorkload(key string) error {
	return s.delete(bucketWorkloads, key)
}

// Node operations
func (s *BoltStore) PutNode(node *types.Node) error {
	return s.put(bucketNodes, node.ID, node)
}

func (s *BoltStore) GetNode(id string) (*types.Node, error) {
	var node types.Node
	if err := s.get(bucketNodes, id, "node", &node); err != nil {
		return nil, err
	}
	return &node, nil
}

func (s *BoltStore) ListNodes() ([]*types.Node, error) {
	var nodes []*types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).ForEach(func(k, v []byte) error {
			var node types.Node
			if err := json.Unmarshal(v, &node); err != nil {
				return err
			}
			nodes = append(nodes, &node)
			return nil
		})
	})
	return nodes, err
}

func (s *BoltStore) DeleteNode(id string) error {
	return s.delete(bucketNodes, id)
}

// Claim operations. Claims are keyed workload#ordinal, so a prefix scan on
// "workload#" lists every claim of one workload.
func (s *BoltStore) PutClaim(claim *types.VolumeClaim) error {
	return s.put(bucketClaims, types.ClaimKey(claim.Workload, claim.Ordinal), claim)
}

func (s *BoltStore) GetClaim(workload string, ordinal int) (*types.VolumeClaim, error) {
	var claim types.VolumeClaim
	if err := s.get(bucketClaims, types.ClaimKey(workload, ordinal), "claim", &claim); err != nil {
		return nil, err
	}
	return &claim, nil
}

func (s *BoltStore) ListClaims(workload string) ([]*types.VolumeClaim, error) {
	var claims []*types.VolumeClaim
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketClaims).Cursor()
		prefix := []byte(workload + "#")
		if workload == "" {
			prefix = nil
		}
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var claim types.VolumeClaim
			if err := json.Unmarshal(v, &claim); err != nil {
				return err
			}
			claims = append(claims, &claim)
		}
		return nil
	})
	sort.Slice(claims, func(i, j int) bool {
		if claims[i].Workload != claims[j].Workload {
			return claims[i].Workload < claims[j].Workload
		}
		return claims[i].Ordinal < claims[j].Ordinal
	})
	return claims, err
}

func (s *BoltStore) DeleteClaim(workload string, ordinal int) error {
	return s.delete(bucketClaims, types.ClaimKey(workload, ordinal))
}
