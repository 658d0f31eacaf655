package audit

import (
	"fmt"
	"sync"
	"time"

	"github.com/meridianhq/axis/pkg/ident"
	"github.com/meridianhq/axis/pkg/storage"
	"github.com/meridianhq/axis/pkg/types"
)

// Writer appends entries to the audit log. The router holds a handle to a
// Writer; the writer never references the router back.
type Writer interface {
	Record(actor, action, target, payload string) error
}

// ChainWriter is the durable hash-chained audit writer. It holds the
// exclusive write lock on the chain; readers take a snapshot by sequence
// number through the store.
type ChainWriter struct {
	mu       sync.Mutex
	store    storage.Store
	seq      uint64
	lastHash string
}

// NewChainWriter opens the chain, resuming from the last persisted entry.
func NewChainWriter(store storage.Store) (*ChainWriter, error) {
	last, err := store.LastAudit()
	if err != nil {
		return nil, fmt.Errorf("failed to read audit chain head: %w", err)
	}

	w := &ChainWriter{store: store}
	if last != nil {
		w.seq = last.Seq
		w.lastHash = last.Hash
	}
	return w, nil
}

// Record appends one entry. The payload should already be a hash or short
// summary; the audit log never stores message bodies.
func (w *ChainWriter) Record(actor, action, target, payload string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	entry := &types.AuditEntry{
		Seq:       w.seq + 1,
		Timestamp: time.Now().UTC(),
		Actor:     actor,
		Action:    action,
		Target:    target,
		Payload:   payload,
		PrevHash:  w.lastHash,
	}

	hash, err := entryHash(entry)
	if err != nil {
		return err
	}
	entry.Hash = hash

	if err := w.store.AppendAudit(entry); err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}

	w.seq = entry.Seq
	w.lastHash = entry.Hash
	return nil
}

// entryHash computes SHA-256(prevHash || canonicalJSON(entry without hash)).
func entryHash(entry *types.AuditEntry) (string, error) {
	unhashed := *entry
	unhashed.Hash = ""
	body, err := ident.CanonicalJSON(&unhashed)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize audit entry: %w", err)
	}
	return ident.HashHex(append([]byte(entry.PrevHash), body...)), nil
}

// Verify walks the chain and reports the first broken link, if any.
func Verify(entries []*types.AuditEntry) error {
	prevHash := ""
	for i, entry := range entries {
		if entry.PrevHash != prevHash {
			return fmt.Errorf("entry %d: prev hash mismatch", entry.Seq)
		}
		want, err := entryHash(entry)
		if err != nil {
			return err
		}
		if entry.Hash != want {
			return fmt.Errorf("entry %d: hash mismatch", entry.Seq)
		}
		if i > 0 && entry.Seq != entries[i-1].Seq+1 {
			return fmt.Errorf("entry %d: sequence gap", entry.Seq)
		}
		prevHash = entry.Hash
	}
	return nil
}

// NoOpWriter discards everything. Used in tests and wherever audit is
// intentionally disabled.
type NoOpWriter struct{}

func (NoOpWriter) Record(actor, action, target, payload string) error { return nil }
