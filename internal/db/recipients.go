package db

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/Cypherspark/push-dispatch/internal/audience"
	"github.com/Cypherspark/push-dispatch/internal/core"
)

// filterColumns maps audience filter fields to recipient columns.
var filterColumns = map[string]string{
	"category": "category",
	"active":   "active",
	"city":     "city",
	"district": "district",
}

// where builds the predicate for q. Count and id queries share it so both
// always select the same rows.
func where(q audience.Query) (string, []any, error) {
	var (
		conds []string
		args  []any
	)
	if q.ExcludeBanned {
		conds = append(conds, "NOT banned")
	}
	for _, f := range q.Filters {
		col, ok := filterColumns[f.Field]
		if !ok {
			return "", nil, &core.ValidationError{Field: "targeting.filters", Reason: fmt.Sprintf("unsupported field %q", f.Field)}
		}
		v, err := filterValue(col, f.Value)
		if err != nil {
			return "", nil, err
		}
		args = append(args, v)
		conds = append(conds, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if len(conds) == 0 {
		return "", nil, nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args, nil
}

func filterValue(col string, v any) (any, error) {
	if col != "active" {
		return fmt.Sprint(v), nil
	}
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		parsed, err := strconv.ParseBool(b)
		if err != nil {
			return nil, &core.ValidationError{Field: "targeting.filters", Reason: "active must be a boolean"}
		}
		return parsed, nil
	default:
		return nil, &core.ValidationError{Field: "targeting.filters", Reason: "active must be a boolean"}
	}
}

func (s *Store) RecipientIDs(ctx context.Context, q audience.Query) ([]string, error) {
	cond, args, err := where(q)
	if err != nil {
		return nil, err
	}
	rows, err := s.DB.Pool.Query(ctx, `SELECT id FROM recipients`+cond+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (s *Store) CountRecipients(ctx context.Context, q audience.Query) (int, error) {
	cond, args, err := where(q)
	if err != nil {
		return 0, err
	}
	var n int
	if err := s.DB.Pool.QueryRow(ctx, `SELECT count(*) FROM recipients`+cond, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// Recipients loads profiles and tokens for ids. Unknown ids are omitted.
func (s *Store) Recipients(ctx context.Context, ids []string) ([]core.Recipient, error) {
	rows, err := s.DB.Pool.Query(ctx, `
		SELECT id, full_name, first_name, email, phone, category, city, district,
			rating, review_count, completed_jobs, push_token, push_tokens
		FROM recipients WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.Recipient
	for rows.Next() {
		var (
			r      core.Recipient
			single *string
			multi  []string
		)
		p := &r.Profile
		if err := rows.Scan(&r.ID, &p.FullName, &p.FirstName, &p.Email, &p.Phone, &p.Category, &p.City, &p.District,
			&p.Rating, &p.ReviewCount, &p.CompletedJobs, &single, &multi); err != nil {
			return nil, err
		}
		r.Tokens = core.DecodeTokenField(single, multi)
		out = append(out, r)
	}
	return out, rows.Err()
}
