package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"

	"becoin/internal/domain"
)

const codecZstdJSON = "zstd+json"

// snapshotRetention is how many snapshots each run keeps.
const snapshotRetention = 32

var (
	snapEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	snapDecoder, _ = zstd.NewReader(nil)
)

// SnapshotInfo describes a stored snapshot without decoding it.
type SnapshotInfo struct {
	Seq        int64     `json:"seq"`
	TakenAt    time.Time `json:"taken_at"`
	Clock      time.Time `json:"clock"`
	LedgerLen  int       `json:"ledger_len"`
	Balance    string    `json:"balance"`
	RawSize    int       `json:"raw_size"`
	StoredSize int       `json:"stored_size"`
}

// SaveSnapshotTx stores a compressed snapshot and prunes old ones.
func (r Repo) SaveSnapshotTx(ctx context.Context, tx *sql.Tx, runID string, snap domain.EconomySnapshot) (SnapshotInfo, error) {
	raw, err := json.Marshal(snap)
	if err != nil {
		return SnapshotInfo{}, fmt.Errorf("marshal snapshot: %w", err)
	}
	blob := snapEncoder.EncodeAll(raw, make([]byte, 0, len(raw)/4))
	var seq int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0)+1 FROM snapshots WHERE run_id=?`, runID).Scan(&seq); err != nil {
		return SnapshotInfo{}, err
	}
	info := SnapshotInfo{
		Seq:        seq,
		TakenAt:    snap.GeneratedAt,
		Clock:      snap.Clock,
		LedgerLen:  len(snap.Transactions),
		Balance:    snap.Treasury.Balance.String(),
		RawSize:    len(raw),
		StoredSize: len(blob),
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO snapshots(run_id,seq,taken_at,clock,ledger_len,balance,codec,raw_size,blob) VALUES (?,?,?,?,?,?,?,?,?)`,
		runID, seq, formatTS(info.TakenAt), formatTS(info.Clock), info.LedgerLen, info.Balance, codecZstdJSON, info.RawSize, blob); err != nil {
		return SnapshotInfo{}, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM snapshots WHERE run_id=? AND seq<=?`, runID, seq-snapshotRetention); err != nil {
		return SnapshotInfo{}, fmt.Errorf("prune snapshots: %w", err)
	}
	return info, nil
}

// LatestSnapshot decodes the newest snapshot of a run.
func (r Repo) LatestSnapshot(ctx context.Context, runID string) (domain.EconomySnapshot, error) {
	var (
		codec string
		blob  []byte
	)
	err := r.DB.QueryRowContext(ctx, `SELECT codec,blob FROM snapshots WHERE run_id=? ORDER BY seq DESC LIMIT 1`, runID).Scan(&codec, &blob)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.EconomySnapshot{}, ErrNotFound
	}
	if err != nil {
		return domain.EconomySnapshot{}, err
	}
	return decodeSnapshot(codec, blob)
}

func decodeSnapshot(codec string, blob []byte) (domain.EconomySnapshot, error) {
	var snap domain.EconomySnapshot
	if codec != codecZstdJSON {
		return snap, fmt.Errorf("unsupported snapshot codec %q", codec)
	}
	raw, err := snapDecoder.DecodeAll(blob, nil)
	if err != nil {
		return snap, fmt.Errorf("decompress snapshot: %w", err)
	}
	if err := json.Unmarshal(raw, &snap); err != nil {
		return snap, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}

// ListSnapshots returns stored snapshot metadata, newest first.
func (r Repo) ListSnapshots(ctx context.Context, runID string) ([]SnapshotInfo, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT seq,taken_at,clock,ledger_len,balance,raw_size,length(blob) FROM snapshots WHERE run_id=? ORDER BY seq DESC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []SnapshotInfo
	for rows.Next() {
		var (
			info         SnapshotInfo
			taken, clock string
		)
		if err := rows.Scan(&info.Seq, &taken, &clock, &info.LedgerLen, &info.Balance, &info.RawSize, &info.StoredSize); err != nil {
			return nil, err
		}
		if info.TakenAt, err = parseTS(taken); err != nil {
			return nil, err
		}
		if info.Clock, err = parseTS(clock); err != nil {
			return nil, err
		}
		res = append(res, info)
	}
	return res, rows.Err()
}
