// Package pgstore keeps swap progress in Postgres. Each committed change is
// written together with a transition_audit row in the same transaction.
package pgstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"marionette/pkg/db"
	"marionette/services/swap"
)

const (
	actionCaptured   = "captured"
	actionTransition = "transition"
)

var _ swap.Tracker = (*Store)(nil)

// Store implements swap.Tracker on the instance_records table.
type Store struct {
	pool *pgxpool.Pool
	orm  *gorm.DB
}

// AuditEntry is one row of an instance's change history.
type AuditEntry struct {
	ID         uuid.UUID
	InstanceID string
	Action     string
	From       swap.State
	To         swap.State
	Details    map[string]any
	At         time.Time
}

type auditModel struct {
	ID         uuid.UUID         `gorm:"type:uuid;primaryKey"`
	InstanceID string            `gorm:"type:text"`
	Action     string            `gorm:"type:text"`
	FromState  string            `gorm:"type:text"`
	ToState    string            `gorm:"type:text"`
	Details    datatypes.JSONMap `gorm:"type:jsonb"`
	At         time.Time         `gorm:"type:timestamptz"`
}

func (auditModel) TableName() string { return "transition_audit" }

type recordRow struct {
	InstanceID   string    `db:"instance_id"`
	InstState    *string   `db:"inst_state"`
	OrigUserdata []byte    `db:"orig_userdata"`
	HasOriginal  bool      `db:"has_original"`
	UpdatedAt    time.Time `db:"updated_at"`
}

// New creates a Store. orm is only needed for History and may be nil.
func New(pool *pgxpool.Pool, orm *gorm.DB) (*Store, error) {
	if pool == nil {
		return nil, errors.New("database pool is required")
	}
	return &Store{pool: pool, orm: orm}, nil
}

// Get implements swap.Tracker.
func (s *Store) Get(ctx context.Context, instanceID string) (swap.InstanceRecord, error) {
	var row recordRow
	err := db.Get(ctx, s.pool, &row, `
SELECT instance_id, inst_state, orig_userdata, orig_userdata IS NOT NULL AS has_original, updated_at
FROM instance_records
WHERE instance_id = $1
`, instanceID)
	if errors.Is(err, pgx.ErrNoRows) {
		return swap.InstanceRecord{InstanceID: instanceID}, nil
	}
	if err != nil {
		return swap.InstanceRecord{}, err
	}

	rec := swap.InstanceRecord{
		InstanceID:  row.InstanceID,
		HasOriginal: row.HasOriginal,
		UpdatedAt:   row.UpdatedAt,
	}
	if row.InstState != nil {
		rec.State = swap.State(*row.InstState)
	}
	if row.HasOriginal {
		rec.OrigUserData = nonNil(row.OrigUserdata)
	}
	return rec, nil
}

// Original implements swap.Tracker.
func (s *Store) Original(ctx context.Context, instanceID string) ([]byte, error) {
	var row struct {
		OrigUserdata []byte `db:"orig_userdata"`
	}
	err := db.Get(ctx, s.pool, &row, `
SELECT orig_userdata
FROM instance_records
WHERE instance_id = $1 AND orig_userdata IS NOT NULL
`, instanceID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("orig_userdata of %s: %w", instanceID, swap.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return nonNil(row.OrigUserdata), nil
}

// PutOriginal implements swap.Tracker.
func (s *Store) PutOriginal(ctx context.Context, instanceID string, data []byte) error {
	data = nonNil(data)
	sum := sha256.Sum256(data)

	return db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
INSERT INTO instance_records (instance_id, orig_userdata, created_at, updated_at)
VALUES ($1, $2, now(), now())
ON CONFLICT (instance_id) DO UPDATE
SET orig_userdata = EXCLUDED.orig_userdata, updated_at = now()
WHERE instance_records.orig_userdata IS NULL
`, instanceID, data)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("orig_userdata of %s already captured: %w", instanceID, swap.ErrConditionFailed)
		}
		return insertAudit(ctx, tx, instanceID, actionCaptured, swap.StateAbsent, swap.StateAbsent, map[string]any{
			"bytes":  len(data),
			"sha256": hex.EncodeToString(sum[:]),
		})
	})
}

// Transition implements swap.Tracker.
func (s *Store) Transition(ctx context.Context, instanceID string, from, to swap.State) error {
	if to == swap.StateAbsent {
		return errors.New("cannot transition to an absent state")
	}

	query := `
UPDATE instance_records
SET inst_state = $2, updated_at = now()
WHERE instance_id = $1 AND inst_state IS NOT DISTINCT FROM $3`
	if to == swap.StatePendingReset {
		query += ` AND orig_userdata IS NOT NULL`
	}

	return db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, query, instanceID, string(to), stateParam(from))
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%s: inst_state is not %s: %w", instanceID, from, swap.ErrConditionFailed)
		}
		return insertAudit(ctx, tx, instanceID, actionTransition, from, to, nil)
	})
}

// History returns the audit trail of instanceID, oldest first.
func (s *Store) History(ctx context.Context, instanceID string) ([]AuditEntry, error) {
	if s.orm == nil {
		return nil, errors.New("orm is required for history")
	}

	var rows []auditModel
	if err := s.orm.WithContext(ctx).
		Where("instance_id = ?", instanceID).
		Order("at ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}

	out := make([]AuditEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, AuditEntry{
			ID:         r.ID,
			InstanceID: r.InstanceID,
			Action:     r.Action,
			From:       swap.State(r.FromState),
			To:         swap.State(r.ToState),
			Details:    map[string]any(r.Details),
			At:         r.At,
		})
	}
	return out, nil
}

func insertAudit(ctx context.Context, tx pgx.Tx, instanceID, action string, from, to swap.State, details map[string]any) error {
	if details == nil {
		details = map[string]any{}
	}
	detailsBytes, err := json.Marshal(details)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
INSERT INTO transition_audit (id, instance_id, action, from_state, to_state, details, at)
VALUES ($1, $2, $3, $4, $5, $6::jsonb, now())
`, uuid.New(), instanceID, action, string(from), string(to), string(detailsBytes))
	return err
}

// stateParam maps StateAbsent to SQL NULL.
func stateParam(s swap.State) *string {
	if s == swap.StateAbsent {
		return nil
	}
	v := string(s)
	return &v
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
