package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/petervdpas/goopcall/internal/push"
	"github.com/petervdpas/goopcall/internal/record"
)

// mergeAttempts bounds how often Update replays a merge that lost a revision
// race against another process sharing the file.
const mergeAttempts = 8

// timeLayout is fixed width so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const callColumns = `id, initiator_role, participant_a, participant_b, status, reason, epoch,
	offer, answer, candidates_a, candidates_b, created_at, ended_at, revision`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*record.Record, error) {
	var (
		r                    record.Record
		offer, answer        sql.NullString
		candsA, candsB       string
		createdAt            string
		endedAt              sql.NullString
		role, status, reason string
	)
	if err := row.Scan(&r.ID, &role, &r.ParticipantA, &r.ParticipantB, &status, &reason, &r.Epoch,
		&offer, &answer, &candsA, &candsB, &createdAt, &endedAt, &r.Revision); err != nil {
		return nil, err
	}
	r.InitiatorRole = record.Role(role)
	r.Status = record.Status(status)
	r.Reason = record.Reason(reason)

	if offer.Valid && offer.String != "" {
		r.Offer = new(record.Description)
		if err := json.Unmarshal([]byte(offer.String), r.Offer); err != nil {
			return nil, fmt.Errorf("decode offer: %w", err)
		}
	}
	if answer.Valid && answer.String != "" {
		r.Answer = new(record.Description)
		if err := json.Unmarshal([]byte(answer.String), r.Answer); err != nil {
			return nil, fmt.Errorf("decode answer: %w", err)
		}
	}
	if err := json.Unmarshal([]byte(candsA), &r.CandidatesA); err != nil {
		return nil, fmt.Errorf("decode candidates_a: %w", err)
	}
	if err := json.Unmarshal([]byte(candsB), &r.CandidatesB); err != nil {
		return nil, fmt.Errorf("decode candidates_b: %w", err)
	}
	if r.CandidatesA == nil {
		r.CandidatesA = []string{}
	}
	if r.CandidatesB == nil {
		r.CandidatesB = []string{}
	}

	t, err := time.Parse(timeLayout, createdAt)
	if err != nil {
		return nil, fmt.Errorf("decode created_at: %w", err)
	}
	r.CreatedAt = t
	if endedAt.Valid && endedAt.String != "" {
		t, err := time.Parse(timeLayout, endedAt.String)
		if err != nil {
			return nil, fmt.Errorf("decode ended_at: %w", err)
		}
		r.EndedAt = &t
	}
	return &r, nil
}

// columns returns the mutable columns of r in callColumns order, starting at offer.
func columns(r *record.Record) (offer, answer any, candsA, candsB string, endedAt any, err error) {
	if r.Offer != nil {
		b, err := json.Marshal(r.Offer)
		if err != nil {
			return nil, nil, "", "", nil, err
		}
		offer = string(b)
	}
	if r.Answer != nil {
		b, err := json.Marshal(r.Answer)
		if err != nil {
			return nil, nil, "", "", nil, err
		}
		answer = string(b)
	}
	a, err := json.Marshal(r.CandidatesA)
	if err != nil {
		return nil, nil, "", "", nil, err
	}
	b, err := json.Marshal(r.CandidatesB)
	if err != nil {
		return nil, nil, "", "", nil, err
	}
	if r.EndedAt != nil {
		endedAt = r.EndedAt.UTC().Format(timeLayout)
	}
	return offer, answer, string(a), string(b), endedAt, nil
}

// Create inserts rec as a new record. The initiator must be allowed by the
// policy and the pair must not already have a ringing or active record.
func (d *DB) Create(ctx context.Context, rec *record.Record) (string, error) {
	if err := rec.Validate(); err != nil {
		return "", err
	}
	if err := d.policy.AuthorizeCreate(rec.Initiator(), rec); err != nil {
		return "", denied(err)
	}

	rec = rec.Clone()
	rec.Revision = 1
	offer, answer, candsA, candsB, endedAt, err := columns(rec)
	if err != nil {
		return "", fmt.Errorf("encode record: %w", err)
	}

	d.mu.Lock()
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		d.mu.Unlock()
		return "", fmt.Errorf("begin create: %w", err)
	}

	var live int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM _calls WHERE pair_key = ? AND status IN ('ringing', 'active')`,
		rec.PairKey(),
	).Scan(&live); err != nil {
		tx.Rollback()
		d.mu.Unlock()
		return "", fmt.Errorf("check live pair: %w", err)
	}
	if live > 0 {
		tx.Rollback()
		d.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrConflict, rec.PairKey())
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO _calls (id, pair_key, initiator_role, participant_a, participant_b, status, reason, epoch,
			offer, answer, candidates_a, candidates_b, created_at, ended_at, revision)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.PairKey(), string(rec.InitiatorRole), rec.ParticipantA, rec.ParticipantB,
		string(rec.Status), string(rec.Reason), rec.Epoch,
		offer, answer, candsA, candsB, rec.CreatedAt.UTC().Format(timeLayout), endedAt, rec.Revision,
	)
	if err != nil {
		tx.Rollback()
		d.mu.Unlock()
		if isUniqueViolation(err) {
			return "", fmt.Errorf("%w: %s", ErrConflict, rec.PairKey())
		}
		return "", fmt.Errorf("insert call: %w", err)
	}
	if err := tx.Commit(); err != nil {
		d.mu.Unlock()
		if isUniqueViolation(err) {
			return "", fmt.Errorf("%w: %s", ErrConflict, rec.PairKey())
		}
		return "", fmt.Errorf("commit create: %w", err)
	}
	d.mu.Unlock()

	d.hub.Publish(push.Notice{ID: rec.ID, Revision: rec.Revision, Record: rec.Clone()})
	return rec.ID, nil
}

// isUniqueViolation reports whether a concurrent writer in another process
// beat us to the live-pair index.
func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}

// Get returns the stored record.
func (d *DB) Get(ctx context.Context, id string) (*record.Record, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rec, err := scanRecord(d.db.QueryRowContext(ctx, `SELECT `+callColumns+` FROM _calls WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get call: %w", err)
	}
	return rec, nil
}

// Update merges p into the record and persists the result. A patch that
// changes nothing returns the current snapshot without a revision bump.
func (d *DB) Update(ctx context.Context, id string, p record.Patch, expected ...record.Status) (*record.Record, error) {
	for attempt := 0; attempt < mergeAttempts; attempt++ {
		rec, retry, err := d.updateOnce(ctx, id, p, expected)
		if err != nil {
			return nil, err
		}
		if !retry {
			return rec, nil
		}
		log.Debugf("[%s] revision race, replaying merge", id)
	}
	return nil, fmt.Errorf("update call %s: too many concurrent writers", id)
}

func (d *DB) updateOnce(ctx context.Context, id string, p record.Patch, expected []record.Status) (*record.Record, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	cur, err := scanRecord(d.db.QueryRowContext(ctx, `SELECT `+callColumns+` FROM _calls WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, false, fmt.Errorf("read call: %w", err)
	}

	if err := d.policy.AuthorizeUpdate(p.Actor, cur, p); err != nil {
		return nil, false, denied(err)
	}
	if !statusExpected(cur.Status, expected) {
		return nil, false, stale("status is %s, expected %v", cur.Status, expected)
	}

	next, changed, err := record.Merge(cur, p)
	if err != nil {
		return nil, false, mergeError(err)
	}
	if !changed {
		return cur, false, nil
	}
	next.Revision = cur.Revision + 1

	offer, answer, candsA, candsB, endedAt, err := columns(next)
	if err != nil {
		return nil, false, fmt.Errorf("encode record: %w", err)
	}
	res, err := d.db.ExecContext(ctx, `
		UPDATE _calls SET
			status = ?, reason = ?, epoch = ?, offer = ?, answer = ?,
			candidates_a = ?, candidates_b = ?, ended_at = ?, revision = ?
		WHERE id = ? AND revision = ?`,
		string(next.Status), string(next.Reason), next.Epoch, offer, answer,
		candsA, candsB, endedAt, next.Revision,
		id, cur.Revision,
	)
	if err != nil {
		return nil, false, fmt.Errorf("update call: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, true, nil
	}

	d.hub.Publish(push.Notice{ID: id, Revision: next.Revision, Record: next.Clone()})
	return next, false, nil
}

// ListActive returns every ringing or active record identity takes part in,
// oldest first.
func (d *DB) ListActive(ctx context.Context, identity string) ([]*record.Record, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rows, err := d.db.QueryContext(ctx, `
		SELECT `+callColumns+` FROM _calls
		WHERE (participant_a = ? OR participant_b = ?) AND status IN ('ringing', 'active')
		ORDER BY created_at`, identity, identity)
	if err != nil {
		return nil, fmt.Errorf("list active calls: %w", err)
	}
	defer rows.Close()

	var out []*record.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// PurgeEnded deletes terminal records that ended before cutoff.
func (d *DB) PurgeEnded(ctx context.Context, cutoff time.Time) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	res, err := d.db.ExecContext(ctx,
		`DELETE FROM _calls WHERE status IN ('ended', 'failed') AND ended_at < ?`,
		cutoff.UTC().Format(timeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("purge calls: %w", err)
	}
	return res.RowsAffected()
}
