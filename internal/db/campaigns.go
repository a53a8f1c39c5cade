package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/Cypherspark/push-dispatch/internal/core"
)

// Store is the Postgres implementation of the campaign, template, audience
// and token stores.
type Store struct {
	DB *DB
}

func NewStore(db *DB) *Store { return &Store{DB: db} }

const campaignColumns = `id, title, body, image_url, action_url, targeting, scheduled_for, status,
	targeted, sent, delivered, failed, created_by, created_at, sent_at, completed_at,
	source_template_id, failure_reason`

func (s *Store) CreateCampaign(ctx context.Context, c *core.Campaign) error {
	targeting, err := json.Marshal(c.Targeting)
	if err != nil {
		return fmt.Errorf("encode targeting: %w", err)
	}
	return s.DB.WithTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO campaigns (id, title, body, image_url, action_url, targeting, scheduled_for,
				status, created_by, created_at, source_template_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			c.ID, c.Content.Title, c.Content.Body, c.Content.ImageURL, c.Content.ActionURL, targeting,
			c.ScheduledFor, string(c.Status), c.CreatedBy, c.CreatedAt, c.SourceTemplateID)
		if err != nil {
			return err
		}
		if c.SourceTemplateID == nil {
			return nil
		}
		tag, err := tx.Exec(ctx, `UPDATE templates SET usage_count = usage_count + 1 WHERE id = $1`, *c.SourceTemplateID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("template %s: %w", *c.SourceTemplateID, core.ErrNotFound)
		}
		return nil
	})
}

func (s *Store) GetCampaign(ctx context.Context, id string) (*core.Campaign, error) {
	row := s.DB.Pool.QueryRow(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id)
	c, err := scanCampaign(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("campaign %s: %w", id, core.ErrNotFound)
	}
	return c, err
}

func scanCampaign(row pgx.Row) (*core.Campaign, error) {
	var (
		c         core.Campaign
		targeting []byte
		status    string
	)
	err := row.Scan(&c.ID, &c.Content.Title, &c.Content.Body, &c.Content.ImageURL, &c.Content.ActionURL,
		&targeting, &c.ScheduledFor, &status,
		&c.Counters.Targeted, &c.Counters.Sent, &c.Counters.Delivered, &c.Counters.Failed,
		&c.CreatedBy, &c.CreatedAt, &c.SentAt, &c.CompletedAt, &c.SourceTemplateID, &c.FailureReason)
	if err != nil {
		return nil, err
	}
	c.Status = core.Status(status)
	if err := json.Unmarshal(targeting, &c.Targeting); err != nil {
		return nil, fmt.Errorf("decode targeting of %s: %w", c.ID, err)
	}
	return &c, nil
}

func (s *Store) UpdateStatus(ctx context.Context, id string, from, to core.Status, reason string, at time.Time) (bool, error) {
	tag, err := s.DB.Pool.Exec(ctx, `
		UPDATE campaigns SET
			status = $3::text,
			sent_at = CASE WHEN $3::text = 'sending' THEN $5 ELSE sent_at END,
			completed_at = CASE WHEN $3::text IN ('completed', 'failed') THEN $5 ELSE completed_at END,
			failure_reason = CASE WHEN $3::text IN ('completed', 'failed') THEN $4 ELSE failure_reason END
		WHERE id = $1 AND status = $2`,
		id, string(from), string(to), reason, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) Reschedule(ctx context.Context, id string, from core.Status, at time.Time) (bool, error) {
	tag, err := s.DB.Pool.Exec(ctx, `
		UPDATE campaigns SET status = 'scheduled', scheduled_for = $3
		WHERE id = $1 AND status = $2`, id, string(from), at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) SetTargeted(ctx context.Context, id string, n int) error {
	_, err := s.DB.Pool.Exec(ctx, `UPDATE campaigns SET targeted = $2 WHERE id = $1 AND targeted IS NULL`, id, n)
	return err
}

func (s *Store) Finalize(ctx context.Context, id string, status core.Status, counters core.Counters, reason string, at time.Time) (bool, error) {
	tag, err := s.DB.Pool.Exec(ctx, `
		UPDATE campaigns SET
			status = $2,
			targeted = COALESCE(targeted, $3),
			sent = $4, delivered = $5, failed = $6,
			failure_reason = $7,
			completed_at = $8
		WHERE id = $1 AND status = 'sending'`,
		id, string(status), counters.Targeted, counters.Sent, counters.Delivered, counters.Failed, reason, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) DeleteCampaign(ctx context.Context, id string) (bool, error) {
	tag, err := s.DB.Pool.Exec(ctx, `DELETE FROM campaigns WHERE id = $1 AND status <> 'sending'`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// DueScheduled lists scheduled campaigns whose time is at or before now,
// oldest first.
func (s *Store) DueScheduled(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := s.DB.Pool.Query(ctx, `
		SELECT id FROM campaigns
		WHERE status = 'scheduled' AND scheduled_for <= $1
		ORDER BY scheduled_for
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// StaleSending lists campaigns still sending that started before cutoff,
// oldest first.
func (s *Store) StaleSending(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	rows, err := s.DB.Pool.Query(ctx, `
		SELECT id FROM campaigns
		WHERE status = 'sending' AND sent_at < $1
		ORDER BY sent_at
		LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (s *Store) CreateTemplate(ctx context.Context, t *core.Template) error {
	_, err := s.DB.Pool.Exec(ctx, `
		INSERT INTO templates (id, name, title, body, variables, usage_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		t.ID, t.Name, t.Title, t.Body, t.Variables, t.UsageCount, t.CreatedAt)
	return err
}

func (s *Store) GetTemplate(ctx context.Context, id string) (*core.Template, error) {
	var t core.Template
	err := s.DB.Pool.QueryRow(ctx, `
		SELECT id, name, title, body, variables, usage_count, created_at
		FROM templates WHERE id = $1`, id).
		Scan(&t.ID, &t.Name, &t.Title, &t.Body, &t.Variables, &t.UsageCount, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("template %s: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}
