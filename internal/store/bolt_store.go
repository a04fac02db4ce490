package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/AccelerationConsortium/workflow-management-sub004/internal/checkpoints"
	"github.com/AccelerationConsortium/workflow-management-sub004/internal/graph"
)

var (
	workflowsBucket   = []byte("workflows")
	experimentsBucket = []byte("experiments")
	overlaysBucket    = []byte("overlays")
	runsBucket        = []byte("runs")
)

// BoltStore persists everything in a single bbolt file. Update maps onto a
// bbolt read-write transaction, so a failing fn rolls back every write.
type BoltStore struct {
	db *bolt.DB
}

// OpenBolt opens (or creates) the database at path.
func OpenBolt(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, NewError("open", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{workflowsBucket, experimentsBucket, overlaysBucket, runsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, NewError("open", path, err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Load(ctx context.Context, workflowID string) (graph.Document, error) {
	var doc graph.Document
	err := s.view(ctx, func(tx *bolt.Tx) error {
		data := tx.Bucket(workflowsBucket).Get([]byte(workflowID))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &doc)
	})
	if err != nil {
		return graph.Document{}, NewError("load workflow", workflowID, err)
	}
	return doc, nil
}

func (s *BoltStore) Save(ctx context.Context, workflowID string, doc graph.Document) error {
	return s.Update(ctx, func(tx Tx) error {
		return tx.SaveWorkflow(workflowID, doc)
	})
}

func (s *BoltStore) Update(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return NewError("update", "", err)
	}
	return s.db.Update(func(btx *bolt.Tx) error {
		return fn(&boltTx{tx: btx})
	})
}

func (s *BoltStore) PutExperimentRecord(ctx context.Context, rec ExperimentRecord) error {
	if rec.ID == "" {
		return NewError("put experiment record", rec.StepID, fmt.Errorf("record ID is required"))
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return NewError("put experiment record", rec.ID, err)
	}
	return s.update(ctx, "put experiment record", rec.ID, func(tx *bolt.Tx) error {
		return tx.Bucket(experimentsBucket).Put([]byte(rec.ID), data)
	})
}

func (s *BoltStore) ExperimentRecords(ctx context.Context, stepID string) ([]ExperimentRecord, error) {
	out := []ExperimentRecord{}
	err := s.view(ctx, func(tx *bolt.Tx) error {
		return tx.Bucket(experimentsBucket).ForEach(func(_, v []byte) error {
			var rec ExperimentRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.StepID == stepID {
				out = append(out, rec)
			}
			return nil
		})
	})
	if err != nil {
		return nil, NewError("list experiment records", stepID, err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *BoltStore) PutOverlay(ctx context.Context, o Overlay) error {
	data, err := json.Marshal(o)
	if err != nil {
		return NewError("put overlay", o.ID, err)
	}
	return s.update(ctx, "put overlay", o.ID, func(tx *bolt.Tx) error {
		return tx.Bucket(overlaysBucket).Put([]byte(o.ID), data)
	})
}

func (s *BoltStore) Overlay(ctx context.Context, id string) (Overlay, error) {
	var o Overlay
	err := s.view(ctx, func(tx *bolt.Tx) error {
		data := tx.Bucket(overlaysBucket).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &o)
	})
	if err != nil {
		return Overlay{}, NewError("load overlay", id, err)
	}
	return o, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Checkpoints exposes the run bucket as a checkpoint store.
func (s *BoltStore) Checkpoints() checkpoints.Store {
	return &boltCheckpoints{s: s}
}

func (s *BoltStore) view(ctx context.Context, fn func(*bolt.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(fn)
}

func (s *BoltStore) update(ctx context.Context, op, key string, fn func(*bolt.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return NewError(op, key, err)
	}
	if err := s.db.Update(fn); err != nil {
		return NewError(op, key, err)
	}
	return nil
}

type boltTx struct {
	tx *bolt.Tx
}

func (t *boltTx) SaveWorkflow(workflowID string, doc graph.Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return NewError("save workflow", workflowID, err)
	}
	if err := t.tx.Bucket(workflowsBucket).Put([]byte(workflowID), data); err != nil {
		return NewError("save workflow", workflowID, err)
	}
	return nil
}

func (t *boltTx) DeleteExperimentRecords(stepID string) error {
	bucket := t.tx.Bucket(experimentsBucket)

	// keys are collected first; bbolt forbids mutation inside ForEach
	var doomed [][]byte
	err := bucket.ForEach(func(k, v []byte) error {
		var rec ExperimentRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}
		if rec.StepID == stepID {
			doomed = append(doomed, append([]byte(nil), k...))
		}
		return nil
	})
	if err != nil {
		return NewError("delete experiment records", stepID, err)
	}
	for _, k := range doomed {
		if err := bucket.Delete(k); err != nil {
			return NewError("delete experiment records", stepID, err)
		}
	}
	return nil
}

func (t *boltTx) StripOverlayNode(templateID, nodeID string) error {
	bucket := t.tx.Bucket(overlaysBucket)

	updates := make(map[string][]byte)
	err := bucket.ForEach(func(k, v []byte) error {
		out, changed, err := stripOverlay(v, templateID, nodeID)
		if err != nil {
			return err
		}
		if changed {
			updates[string(k)] = out
		}
		return nil
	})
	if err != nil {
		return NewError("strip overlay", templateID, err)
	}
	for k, v := range updates {
		if err := bucket.Put([]byte(k), v); err != nil {
			return NewError("strip overlay", k, err)
		}
	}
	return nil
}

type boltCheckpoints struct {
	s *BoltStore
}

func runKey(key checkpoints.Key) []byte {
	return []byte(key.WorkflowID + "\x00" + key.RunID)
}

func (b *boltCheckpoints) Save(ctx context.Context, cp checkpoints.Checkpoint) error {
	if cp.Meta.UpdatedAt.IsZero() {
		cp.Meta.UpdatedAt = time.Now()
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	return b.s.update(ctx, "save checkpoint", cp.Key.RunID, func(tx *bolt.Tx) error {
		return tx.Bucket(runsBucket).Put(runKey(cp.Key), data)
	})
}

func (b *boltCheckpoints) Load(ctx context.Context, key checkpoints.Key) (*checkpoints.Checkpoint, error) {
	var cp checkpoints.Checkpoint
	err := b.s.view(ctx, func(tx *bolt.Tx) error {
		data := tx.Bucket(runsBucket).Get(runKey(key))
		if data == nil {
			return fmt.Errorf("%w: %v", checkpoints.ErrCheckpointNotFound, key)
		}
		return json.Unmarshal(data, &cp)
	})
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

func (b *boltCheckpoints) List(ctx context.Context, workflowID string) ([]checkpoints.Checkpoint, error) {
	out := []checkpoints.Checkpoint{}
	prefix := []byte(workflowID + "\x00")
	err := b.s.view(ctx, func(tx *bolt.Tx) error {
		c := tx.Bucket(runsBucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var cp checkpoints.Checkpoint
			if err := json.Unmarshal(v, &cp); err != nil {
				return err
			}
			out = append(out, cp)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Meta.CreatedAt.Before(out[j].Meta.CreatedAt) ||
			(out[i].Meta.CreatedAt.Equal(out[j].Meta.CreatedAt) && out[i].Key.RunID < out[j].Key.RunID)
	})
	return out, nil
}

func (b *boltCheckpoints) Delete(ctx context.Context, key checkpoints.Key) error {
	return b.s.update(ctx, "delete checkpoint", key.RunID, func(tx *bolt.Tx) error {
		return tx.Bucket(runsBucket).Delete(runKey(key))
	})
}
