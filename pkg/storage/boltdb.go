package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"time"

	"github.com/meridianhq/axis/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// meridian buckets
	bucketJobs       = []byte("jobs")
	bucketExecutions = []byte("executions")
	bucketNonces     = []byte("nonces")
	bucketRules      = []byte("rules")
	bucketAudit      = []byte("audit")

	// journal buckets
	bucketConversations = []byte("conversations")
	bucketEpisodes      = []byte("episodes")

	// sentinel buckets
	bucketDecisions = []byte("decisions")
)

// BoltStore implements Store across three bbolt database files: meridian
// (jobs, executions, nonces, rules, audit), journal (conversations,
// episodes) and sentinel (decisions).
type BoltStore struct {
	meridian *bolt.DB
	journal  *bolt.DB
	sentinel *bolt.DB
}

// NewBoltStore opens (creating if necessary) the three databases under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	meridian, err := openDB(filepath.Join(dataDir, "meridian.db"),
		bucketJobs, bucketExecutions, bucketNonces, bucketRules, bucketAudit)
	if err != nil {
		return nil, err
	}

	journal, err := openDB(filepath.Join(dataDir, "journal.db"),
		bucketConversations, bucketEpisodes)
	if err != nil {
		meridian.Close()
		return nil, err
	}

	sentinel, err := openDB(filepath.Join(dataDir, "sentinel.db"), bucketDecisions)
	if err != nil {
		meridian.Close()
		journal.Close()
		return nil, err
	}

	return &BoltStore{meridian: meridian, journal: journal, sentinel: sentinel}, nil
}

func openDB(path string, buckets ...[]byte) (*bolt.DB, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
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
	return db, nil
}

// Close closes all three databases.
func (s *BoltStore) Close() error {
	var firstErr error
	for _, db := range []*bolt.DB{s.meridian, s.journal, s.sentinel} {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// DatabaseNames lists the databases managed by this store.
func (s *BoltStore) DatabaseNames() []string {
	return []string{"meridian", "journal", "sentinel"}
}

// Snapshot streams a consistent copy of one database using a read
// transaction, so backups never observe a torn write.
func (s *BoltStore) Snapshot(name string, w io.Writer) error {
	db, err := s.dbByName(name)
	if err != nil {
		return err
	}
	return db.View(func(tx *bolt.Tx) error {
		_, err := tx.WriteTo(w)
		return err
	})
}

func (s *BoltStore) dbByName(name string) (*bolt.DB, error) {
	switch name {
	case "meridian":
		return s.meridian, nil
	case "journal":
		return s.journal, nil
	case "sentinel":
		return s.sentinel, nil
	}
	return nil, fmt.Errorf("unknown database: %s", name)
}

// Job operations

func (s *BoltStore) CreateJob(job *types.Job) error {
	return s.meridian.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		data, err := json.Marshal(job)
		if err != nil {
			return err
		}
		return b.Put([]byte(job.ID), data)
	})
}

func (s *BoltStore) GetJob(id string) (*types.Job, error) {
	var job types.Job
	err := s.meridian.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("job %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &job)
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *BoltStore) ListJobs() ([]*types.Job, error) {
	var jobs []*types.Job
	err := s.meridian.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		return b.ForEach(func(k, v []byte) error {
			var job types.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			jobs = append(jobs, &job)
			return nil
		})
	})
	return jobs, err
}

func (s *BoltStore) ListJobsByStatus(status types.JobStatus) ([]*types.Job, error) {
	jobs, err := s.ListJobs()
	if err != nil {
		return nil, err
	}

	var filtered []*types.Job
	for _, job := range jobs {
		if job.Status == status {
			filtered = append(filtered, job)
		}
	}
	return filtered, nil
}

func (s *BoltStore) UpdateJob(job *types.Job) error {
	return s.CreateJob(job) // Same as create (upsert)
}

func (s *BoltStore) TransitionJob(id string, expectedFrom, to types.JobStatus, patch func(*types.Job)) (*types.Job, error) {
	var job types.Job
	err := s.meridian.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("job %s: %w", id, ErrNotFound)
		}
		if err := json.Unmarshal(data, &job); err != nil {
			return err
		}
		if job.Status != expectedFrom {
			return fmt.Errorf("job %s is %s, expected %s: %w", id, job.Status, expectedFrom, ErrStatusConflict)
		}

		job.Status = to
		job.UpdatedAt = time.Now()
		if patch != nil {
			patch(&job)
		}

		updated, err := json.Marshal(&job)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), updated)
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *BoltStore) ClaimOldestPending(workerID string, now time.Time) (*types.Job, error) {
	var claimed *types.Job
	err := s.meridian.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)

		var oldest *types.Job
		err := b.ForEach(func(k, v []byte) error {
			var job types.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			if job.Status != types.JobStatusPending {
				return nil
			}
			if oldest == nil || job.CreatedAt.Before(oldest.CreatedAt) {
				j := job
				oldest = &j
			}
			return nil
		})
		if err != nil {
			return err
		}
		if oldest == nil {
			return nil
		}

		oldest.Status = types.JobStatusPlanning
		oldest.WorkerID = workerID
		oldest.StartedAt = now
		oldest.UpdatedAt = now

		data, err := json.Marshal(oldest)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(oldest.ID), data); err != nil {
			return err
		}
		claimed = oldest
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// Execution log operations

func (s *BoltStore) PutExecution(entry *types.ExecutionLogEntry) error {
	return s.meridian.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketExecutions)
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return b.Put([]byte(entry.ExecutionID), data)
	})
}

func (s *BoltStore) GetExecution(executionID string) (*types.ExecutionLogEntry, error) {
	var entry types.ExecutionLogEntry
	err := s.meridian.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketExecutions)
		data := b.Get([]byte(executionID))
		if data == nil {
			return fmt.Errorf("execution %s: %w", executionID, ErrNotFound)
		}
		return json.Unmarshal(data, &entry)
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *BoltStore) ListExecutions() ([]*types.ExecutionLogEntry, error) {
	var entries []*types.ExecutionLogEntry
	err := s.meridian.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketExecutions)
		return b.ForEach(func(k, v []byte) error {
			var entry types.ExecutionLogEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			entries = append(entries, &entry)
			return nil
		})
	})
	return entries, err
}

func (s *BoltStore) DeleteExecution(executionID string) error {
	return s.meridian.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketExecutions).Delete([]byte(executionID))
	})
}

// Nonce operations. Keyed by job id: a job has at most one live nonce.

func (s *BoltStore) PutNonce(nonce *types.ApprovalNonce) error {
	return s.meridian.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNonces)
		data, err := json.Marshal(nonce)
		if err != nil {
			return err
		}
		return b.Put([]byte(nonce.JobID), data)
	})
}

func (s *BoltStore) GetNonce(jobID string) (*types.ApprovalNonce, error) {
	var nonce types.ApprovalNonce
	err := s.meridian.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNonces)
		data := b.Get([]byte(jobID))
		if data == nil {
			return fmt.Errorf("nonce for job %s: %w", jobID, ErrNotFound)
		}
		return json.Unmarshal(data, &nonce)
	})
	if err != nil {
		return nil, err
	}
	return &nonce, nil
}

func (s *BoltStore) DeleteNonce(jobID string) error {
	return s.meridian.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNonces).Delete([]byte(jobID))
	})
}

// Standing rule operations

func (s *BoltStore) PutRule(rule *types.StandingRule) error {
	return s.meridian.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRules)
		data, err := json.Marshal(rule)
		if err != nil {
			return err
		}
		return b.Put([]byte(rule.ID), data)
	})
}

func (s *BoltStore) GetRule(id string) (*types.StandingRule, error) {
	var rule types.StandingRule
	err := s.meridian.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRules)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("rule %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &rule)
	})
	if err != nil {
		return nil, err
	}
	return &rule, nil
}

func (s *BoltStore) ListRules() ([]*types.StandingRule, error) {
	var rules []*types.StandingRule
	err := s.meridian.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRules)
		return b.ForEach(func(k, v []byte) error {
			var rule types.StandingRule
			if err := json.Unmarshal(v, &rule); err != nil {
				return err
			}
			rules = append(rules, &rule)
			return nil
		})
	})
	return rules, err
}

func (s *BoltStore) DeleteRule(id string) error {
	return s.meridian.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRules).Delete([]byte(id))
	})
}

// Audit chain operations. Entries are keyed by big-endian sequence number
// so cursor order equals chain order.

func (s *BoltStore) AppendAudit(entry *types.AuditEntry) error {
	return s.meridian.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAudit)
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return b.Put(auditKey(entry.Seq), data)
	})
}

func (s *BoltStore) LastAudit() (*types.AuditEntry, error) {
	var entry *types.AuditEntry
	err := s.meridian.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketAudit).Cursor()
		_, v := c.Last()
		if v == nil {
			return nil
		}
		var e types.AuditEntry
		if err := json.Unmarshal(v, &e); err != nil {
			return err
		}
		entry = &e
		return nil
	})
	return entry, err
}

func (s *BoltStore) ListAudit() ([]*types.AuditEntry, error) {
	var entries []*types.AuditEntry
	err := s.meridian.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketAudit).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var e types.AuditEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			entries = append(entries, &e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Seq < entries[j].Seq })
	return entries, nil
}

func auditKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

// Journal operations

func (s *BoltStore) PutConversation(c *types.Conversation) error {
	return s.journal.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketConversations)
		data, err := json.Marshal(c)
		if err != nil {
			return err
		}
		return b.Put([]byte(c.ID), data)
	})
}

func (s *BoltStore) ListConversations() ([]*types.Conversation, error) {
	var conversations []*types.Conversation
	err := s.journal.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketConversations)
		return b.ForEach(func(k, v []byte) error {
			var c types.Conversation
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			conversations = append(conversations, &c)
			return nil
		})
	})
	return conversations, err
}

func (s *BoltStore) PutEpisode(e *types.Episode) error {
	return s.journal.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEpisodes)
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		return b.Put([]byte(e.ID), data)
	})
}

func (s *BoltStore) ListEpisodes() ([]*types.Episode, error) {
	var episodes []*types.Episode
	err := s.journal.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEpisodes)
		return b.ForEach(func(k, v []byte) error {
			var e types.Episode
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			episodes = append(episodes, &e)
			return nil
		})
	})
	return episodes, err
}

// Sentinel decision operations

func (s *BoltStore) PutDecision(d *types.Decision) error {
	return s.sentinel.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDecisions)
		data, err := json.Marshal(d)
		if err != nil {
			return err
		}
		return b.Put([]byte(d.ID), data)
	})
}

func (s *BoltStore) ListDecisions() ([]*types.Decision, error) {
	var decisions []*types.Decision
	err := s.sentinel.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDecisions)
		return b.ForEach(func(k, v []byte) error {
			var d types.Decision
			if err := json.Unmarshal(v, &d); err != nil {
				return err
			}
			decisions = append(decisions, &d)
			return nil
		})
	})
	return decisions, err
}
