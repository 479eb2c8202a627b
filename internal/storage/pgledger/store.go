// Copyright 2025 Meridian Mesh Authors
//
// Store implements ledger.Store over the schema in migrations/0001_ledger.sql.
package pgledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/meridian-mesh/trustfabric/pkg/ledger"
)

// Store is a ledger.Store backed by a pooled PostgreSQL connection.
type Store struct {
	client *Client
}

// NewStore wraps client as a ledger.Store.
func NewStore(client *Client) *Store {
	return &Store{client: client}
}

func (s *Store) Tail(ctx context.Context) (*ledger.LedgerEntry, bool, error) {
	row := s.client.DB().QueryRowContext(ctx, `
		SELECT seq_no, event_id, timestamp, event_hash, prev_event_hash,
		       signature, public_key_id, COALESCE(event_type, ''), COALESCE(payload_ref, '')
		FROM ledger_entries
		ORDER BY seq_no DESC
		LIMIT 1`)

	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return entry, true, nil
}

func (s *Store) Append(ctx context.Context, event ledger.SignedEvent) (uint64, error) {
	var seqNo uint64
	err := s.client.DB().QueryRowContext(ctx, `
		INSERT INTO ledger_entries
			(event_id, timestamp, event_hash, prev_event_hash, signature, public_key_id, event_type, payload_ref, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), $9)
		RETURNING seq_no`,
		event.EventID, event.TimestampMs, event.EventHash[:], event.PrevEventHash[:],
		event.Signature[:], event.PublicKeyID, event.EventType, event.PayloadRef,
		time.Now().UnixMilli(),
	).Scan(&seqNo)

	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return 0, &ledger.DuplicateEventID{EventID: event.EventID}
		}
		return 0, fmt.Errorf("pgledger: append: %w", err)
	}
	return seqNo, nil
}

func (s *Store) GetBySeqNo(ctx context.Context, seqNo uint64) (*ledger.LedgerEntry, error) {
	row := s.client.DB().QueryRowContext(ctx, `
		SELECT seq_no, event_id, timestamp, event_hash, prev_event_hash,
		       signature, public_key_id, COALESCE(event_type, ''), COALESCE(payload_ref, '')
		FROM ledger_entries
		WHERE seq_no = $1`, seqNo)

	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *Store) Iterate(ctx context.Context, fromSeqNo uint64, limit int) ([]ledger.LedgerEntry, error) {
	rows, err := s.client.DB().QueryContext(ctx, `
		SELECT seq_no, event_id, timestamp, event_hash, prev_event_hash,
		       signature, public_key_id, COALESCE(event_type, ''), COALESCE(payload_ref, '')
		FROM ledger_entries
		WHERE seq_no >= $1
		ORDER BY seq_no ASC
		LIMIT $2`, fromSeqNo, limit)
	if err != nil {
		return nil, fmt.Errorf("pgledger: iterate: %w", err)
	}
	defer rows.Close()

	var out []ledger.LedgerEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *entry)
	}
	return out, rows.Err()
}

// rowScanner abstracts *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (*ledger.LedgerEntry, error) {
	var (
		entry                       ledger.LedgerEntry
		eventHash, prevHash, sigRaw []byte
	)
	if err := row.Scan(
		&entry.SeqNo, &entry.Event.EventID, &entry.Event.TimestampMs,
		&eventHash, &prevHash, &sigRaw, &entry.Event.PublicKeyID,
		&entry.Event.EventType, &entry.Event.PayloadRef,
	); err != nil {
		return nil, err
	}

	copy(entry.Event.EventHash[:], eventHash)
	copy(entry.Event.PrevEventHash[:], prevHash)
	copy(entry.Event.Signature[:], sigRaw)
	return &entry, nil
}
