package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/smartdevs17/deal-alerts/internal/models"
	"github.com/smartdevs17/deal-alerts/pkg/utils"
)

const ruleColumns = `id, owner_id, name, enabled, keywords, exclude_keywords, categories,
	min_condition, min_price, max_price, location, min_deal_score, channels,
	last_triggered_at, created_at, updated_at`

// ListEnabledRules returns every enabled rule.
func (s *sqlStore) ListEnabledRules(ctx context.Context) ([]*models.AlertRule, error) {
	return s.queryRules(ctx, `SELECT `+ruleColumns+` FROM alert_rules WHERE enabled = 1 ORDER BY created_at, id`)
}

// ListRules returns the rules owned by ownerID.
func (s *sqlStore) ListRules(ctx context.Context, ownerID string) ([]*models.AlertRule, error) {
	return s.queryRules(ctx, `SELECT `+ruleColumns+` FROM alert_rules WHERE owner_id = ? ORDER BY created_at, id`, ownerID)
}

// GetRule loads one rule.
func (s *sqlStore) GetRule(ctx context.Context, id string) (*models.AlertRule, error) {
	rules, err := s.queryRules(ctx, `SELECT `+ruleColumns+` FROM alert_rules WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(rules) == 0 {
		return nil, ErrNotFound
	}
	return rules[0], nil
}

// SaveRule inserts or updates a rule. The stored watermark is left alone on
// update; only UpdateWatermark moves it.
func (s *sqlStore) SaveRule(ctx context.Context, rule *models.AlertRule) error {
	if err := s.connected(); err != nil {
		return err
	}
	if rule.ID == "" {
		rule.ID = utils.GenerateID()
	}
	now := time.Now().UTC()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now

	var location interface{}
	if rule.Location != nil {
		raw, err := encodeJSON(rule.Location)
		if err != nil {
			return dbError("Failed to encode rule location", err)
		}
		location = raw
	}
	channels, err := encodeJSON(rule.Channels)
	if err != nil {
		return dbError("Failed to encode rule channels", err)
	}

	query := `
		INSERT INTO alert_rules (` + ruleColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			owner_id = excluded.owner_id,
			name = excluded.name,
			enabled = excluded.enabled,
			keywords = excluded.keywords,
			exclude_keywords = excluded.exclude_keywords,
			categories = excluded.categories,
			min_condition = excluded.min_condition,
			min_price = excluded.min_price,
			max_price = excluded.max_price,
			location = excluded.location,
			min_deal_score = excluded.min_deal_score,
			channels = excluded.channels,
			updated_at = excluded.updated_at`

	_, err = s.db.ExecContext(ctx, s.rebind(query),
		rule.ID, rule.OwnerID, rule.Name, boolToInt(rule.Enabled),
		stringSet(rule.Keywords), stringSet(rule.ExcludeKeywords), stringSet(rule.Categories),
		nullableCondition(rule.MinCondition), nullableDecimal(rule.MinPrice), nullableDecimal(rule.MaxPrice),
		location, nullableFloat(rule.MinDealScore), channels,
		nullableNanos(rule.LastTriggeredAt), toNanos(rule.CreatedAt), toNanos(rule.UpdatedAt))
	if err != nil {
		return dbError("Failed to save rule", err)
	}
	return nil
}

// DeleteRule removes a rule.
func (s *sqlStore) DeleteRule(ctx context.Context, id string) error {
	return s.execAffectingOne(ctx, "Failed to delete rule", `DELETE FROM alert_rules WHERE id = ?`, id)
}

// SetRuleEnabled pauses or resumes a rule.
func (s *sqlStore) SetRuleEnabled(ctx context.Context, id string, enabled bool) error {
	return s.execAffectingOne(ctx, "Failed to update rule",
		`UPDATE alert_rules SET enabled = ?, updated_at = ? WHERE id = ?`,
		boolToInt(enabled), toNanos(time.Now()), id)
}

// UpdateWatermark implements RuleStore.
func (s *sqlStore) UpdateWatermark(ctx context.Context, ruleID string, ts time.Time) error {
	if err := s.connected(); err != nil {
		return err
	}
	n := toNanos(ts)
	_, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE alert_rules SET last_triggered_at = ?
		WHERE id = ? AND (last_triggered_at IS NULL OR last_triggered_at < ?)`),
		n, ruleID, n)
	if err != nil {
		return dbError("Failed to update rule watermark", err)
	}
	return nil
}

func (s *sqlStore) execAffectingOne(ctx context.Context, message, query string, args ...interface{}) error {
	if err := s.connected(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return dbError(message, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlStore) queryRules(ctx context.Context, query string, args ...interface{}) ([]*models.AlertRule, error) {
	if err := s.connected(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, dbError("Failed to query rules", err)
	}
	defer rows.Close()

	var rules []*models.AlertRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, dbError("Failed to scan rule", err)
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, dbError("Failed to iterate rules", err)
	}
	return rules, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRule(row rowScanner) (*models.AlertRule, error) {
	var (
		r                                     models.AlertRule
		enabled                               int
		keywords, excludeKeywords, categories string
		minCondition, location                sql.NullString
		minPrice, maxPrice                    decimal.NullDecimal
		minDealScore                          sql.NullFloat64
		channels                              string
		lastTriggered                         sql.NullInt64
		createdAt, updatedAt                  int64
	)
	err := row.Scan(&r.ID, &r.OwnerID, &r.Name, &enabled, &keywords, &excludeKeywords, &categories,
		&minCondition, &minPrice, &maxPrice, &location, &minDealScore, &channels,
		&lastTriggered, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	r.Enabled = enabled != 0
	if r.Keywords, err = decodeStrings(keywords); err != nil {
		return nil, err
	}
	if r.ExcludeKeywords, err = decodeStrings(excludeKeywords); err != nil {
		return nil, err
	}
	if r.Categories, err = decodeStrings(categories); err != nil {
		return nil, err
	}
	if minCondition.Valid {
		c := models.Condition(minCondition.String)
		r.MinCondition = &c
	}
	if minPrice.Valid {
		r.MinPrice = &minPrice.Decimal
	}
	if maxPrice.Valid {
		r.MaxPrice = &maxPrice.Decimal
	}
	if location.Valid && location.String != "" {
		var geo models.GeoFilter
		if err := json.Unmarshal([]byte(location.String), &geo); err != nil {
			return nil, err
		}
		r.Location = &geo
	}
	if minDealScore.Valid {
		v := minDealScore.Float64
		r.MinDealScore = &v
	}
	if err := json.Unmarshal([]byte(channels), &r.Channels); err != nil {
		return nil, err
	}
	r.LastTriggeredAt = timePtr(lastTriggered)
	r.CreatedAt = fromNanos(createdAt)
	r.UpdatedAt = fromNanos(updatedAt)
	return &r, nil
}

func nullableCondition(c *models.Condition) interface{} {
	if c == nil {
		return nil
	}
	return string(*c)
}

func nullableDecimal(d *decimal.Decimal) interface{} {
	if d == nil {
		return nil
	}
	return d.String()
}

func nullableFloat(f *float64) interface{} {
	if f == nil {
		return nil
	}
	return *f
}

