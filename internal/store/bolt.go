// Package store holds the durable primary copy of receipts. The document
// store is the source of truth; the search index is a derived projection.
package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"github.com/vouch-app/vouch/internal/receipt"
)

const (
	receiptsBucket     = "receipts"
	sequenceBucket     = "sequence"     // big-endian insert sequence -> receipt id
	transactionsBucket = "transactions" // transaction id -> receipt id
	pendingBucket      = "index_pending"
)

// Store is the document-store contract.
type Store interface {
	// Insert persists a new receipt and assigns its id.
	Insert(ctx context.Context, r *receipt.Receipt) (string, error)

	// Get retrieves a receipt by id.
	Get(ctx context.Context, id string) (*receipt.Receipt, error)

	// List returns receipts in insertion order, most recent first.
	List(ctx context.Context, skip, limit int) ([]*receipt.Receipt, error)

	// Count returns the number of stored receipts.
	Count(ctx context.Context) (int, error)

	// Delete removes a receipt.
	Delete(ctx context.Context, id string) error

	// SetIndexPending marks or clears a receipt awaiting an index write.
	SetIndexPending(ctx context.Context, id string, pending bool) error

	// PendingIndexIDs lists receipts whose index write has not landed.
	PendingIndexIDs(ctx context.Context) ([]string, error)

	// Ping reports store reachability.
	Ping(ctx context.Context) error

	// Close closes the store.
	Close() error
}

// BoltStore implements Store on bbolt.
type BoltStore struct {
	db *bbolt.DB
}

// NewBoltStore opens (or creates) the store at path.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, receipt.WrapError(receipt.KindStorageUnavailable, err, "opening boltdb")
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{receiptsBucket, sequenceBucket, transactionsBucket, pendingBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, receipt.WrapError(receipt.KindStorageUnavailable, err, "creating buckets")
	}

	return &BoltStore{db: db}, nil
}

// Insert persists a new receipt. The store assigns the id and enforces
// transaction-id uniqueness (receipts without a transaction id are never
// considered duplicates).
func (b *BoltStore) Insert(ctx context.Context, r *receipt.Receipt) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", receipt.WrapError(receipt.KindStorageUnavailable, err, "insert canceled")
	}

	id := uuid.NewString()
	now := time.Now().UTC()
	r.ID = id
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now

	err := b.db.Update(func(tx *bbolt.Tx) error {
		if txnID := r.TransactionInfo.TransactionID; txnID != "" {
			txns := tx.Bucket([]byte(transactionsBucket))
			if existing := txns.Get([]byte(txnID)); existing != nil {
				return receipt.NewError(receipt.KindDuplicateKey, "transaction id %q already stored as receipt %s", txnID, existing)
			}
			if err := txns.Put([]byte(txnID), []byte(id)); err != nil {
				return err
			}
		}

		receipts := tx.Bucket([]byte(receiptsBucket))
		data, err := json.Marshal(r)
		if err != nil {
			return err
		}
		if err := receipts.Put([]byte(id), data); err != nil {
			return err
		}

		seqs := tx.Bucket([]byte(sequenceBucket))
		seq, err := seqs.NextSequence()
		if err != nil {
			return err
		}
		return seqs.Put(sequenceKey(seq), []byte(id))
	})
	if err != nil {
		r.ID = ""
		if receipt.KindOf(err) == receipt.KindDuplicateKey {
			return "", err
		}
		return "", receipt.WrapError(receipt.KindStorageUnavailable, err, "inserting receipt")
	}
	return id, nil
}

// Get retrieves a receipt by id.
func (b *BoltStore) Get(ctx context.Context, id string) (*receipt.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, receipt.WrapError(receipt.KindStorageUnavailable, err, "get canceled")
	}

	var r *receipt.Receipt
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(receiptsBucket)).Get([]byte(id))
		if data == nil {
			return receipt.NewError(receipt.KindNotFound, "receipt %s", id)
		}
		return json.Unmarshal(data, &r)
	})
	if err != nil {
		if receipt.KindOf(err) == receipt.KindNotFound {
			return nil, err
		}
		return nil, receipt.WrapError(receipt.KindStorageUnavailable, err, "getting receipt")
	}
	return r, nil
}

// List returns receipts in insertion order, most recent first.
func (b *BoltStore) List(ctx context.Context, skip, limit int) ([]*receipt.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, receipt.WrapError(receipt.KindStorageUnavailable, err, "list canceled")
	}

	receipts := make([]*receipt.Receipt, 0, limit)
	err := b.db.View(func(tx *bbolt.Tx) error {
		docs := tx.Bucket([]byte(receiptsBucket))
		cursor := tx.Bucket([]byte(sequenceBucket)).Cursor()

		skipped := 0
		for k, id := cursor.Last(); k != nil; k, id = cursor.Prev() {
			data := docs.Get(id)
			if data == nil {
				continue // deleted receipt, stale sequence entry
			}
			if skipped < skip {
				skipped++
				continue
			}
			if limit > 0 && len(receipts) >= limit {
				break
			}
			var r receipt.Receipt
			if err := json.Unmarshal(data, &r); err != nil {
				return err
			}
			receipts = append(receipts, &r)
		}
		return nil
	})
	if err != nil {
		return nil, receipt.WrapError(receipt.KindStorageUnavailable, err, "listing receipts")
	}
	return receipts, nil
}

// Count returns the number of stored receipts.
func (b *BoltStore) Count(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, receipt.WrapError(receipt.KindStorageUnavailable, err, "count canceled")
	}

	var count int
	err := b.db.View(func(tx *bbolt.Tx) error {
		count = tx.Bucket([]byte(receiptsBucket)).Stats().KeyN
		return nil
	})
	if err != nil {
		return 0, receipt.WrapError(receipt.KindStorageUnavailable, err, "counting receipts")
	}
	return count, nil
}

// Delete removes a receipt and its secondary entries.
func (b *BoltStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return receipt.WrapError(receipt.KindStorageUnavailable, err, "delete canceled")
	}

	err := b.db.Update(func(tx *bbolt.Tx) error {
		receipts := tx.Bucket([]byte(receiptsBucket))
		data := receipts.Get([]byte(id))
		if data == nil {
			return receipt.NewError(receipt.KindNotFound, "receipt %s", id)
		}
		var r receipt.Receipt
		if err := json.Unmarshal(data, &r); err != nil {
			return err
		}
		if txnID := r.TransactionInfo.TransactionID; txnID != "" {
			if err := tx.Bucket([]byte(transactionsBucket)).Delete([]byte(txnID)); err != nil {
				return err
			}
		}
		if err := tx.Bucket([]byte(pendingBucket)).Delete([]byte(id)); err != nil {
			return err
		}
		return receipts.Delete([]byte(id))
	})
	if err != nil {
		if receipt.KindOf(err) == receipt.KindNotFound {
			return err
		}
		return receipt.WrapError(receipt.KindStorageUnavailable, err, "deleting receipt")
	}
	return nil
}

// SetIndexPending records whether a receipt is awaiting its index write,
// both on the stored record and in the pending bucket a repair pass scans.
func (b *BoltStore) SetIndexPending(ctx context.Context, id string, pending bool) error {
	if err := ctx.Err(); err != nil {
		return receipt.WrapError(receipt.KindStorageUnavailable, err, "mark canceled")
	}

	err := b.db.Update(func(tx *bbolt.Tx) error {
		receipts := tx.Bucket([]byte(receiptsBucket))
		data := receipts.Get([]byte(id))
		if data == nil {
			return receipt.NewError(receipt.KindNotFound, "receipt %s", id)
		}
		var r receipt.Receipt
		if err := json.Unmarshal(data, &r); err != nil {
			return err
		}
		r.SearchIndexPending = pending
		r.UpdatedAt = time.Now().UTC()
		updated, err := json.Marshal(&r)
		if err != nil {
			return err
		}
		if err := receipts.Put([]byte(id), updated); err != nil {
			return err
		}

		pendings := tx.Bucket([]byte(pendingBucket))
		if pending {
			return pendings.Put([]byte(id), []byte{1})
		}
		return pendings.Delete([]byte(id))
	})
	if err != nil {
		if receipt.KindOf(err) == receipt.KindNotFound {
			return err
		}
		return receipt.WrapError(receipt.KindStorageUnavailable, err, "marking index pending")
	}
	return nil
}

// PendingIndexIDs lists receipts whose index write has not landed.
func (b *BoltStore) PendingIndexIDs(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, receipt.WrapError(receipt.KindStorageUnavailable, err, "scan canceled")
	}

	ids := make([]string, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(pendingBucket)).ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, receipt.WrapError(receipt.KindStorageUnavailable, err, "scanning pending index ids")
	}
	return ids, nil
}

// Ping reports store reachability.
func (b *BoltStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return receipt.WrapError(receipt.KindStorageUnavailable, err, "ping canceled")
	}
	return b.db.View(func(tx *bbolt.Tx) error { return nil })
}

// Close closes the database.
func (b *BoltStore) Close() error {
	return b.db.Close()
}

func sequenceKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
