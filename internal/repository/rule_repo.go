package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/orbitmiles/backend/internal/models"
)

type RuleRepo struct {
	pool *pgxpool.Pool
}

func NewRuleRepo(pool *pgxpool.Pool) *RuleRepo {
	return &RuleRepo{pool: pool}
}

func (r *RuleRepo) Upsert(ctx context.Context, rule *models.Rule) error {
	cond, err := json.Marshal(rule.Condition)
	if err != nil {
		return err
	}
	return r.pool.QueryRow(ctx, `
		INSERT INTO rules (action_code, description, base_reward, daily_cap, cooldown_seconds, condition, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (action_code) DO UPDATE SET
			description = EXCLUDED.description,
			base_reward = EXCLUDED.base_reward,
			daily_cap = EXCLUDED.daily_cap,
			cooldown_seconds = EXCLUDED.cooldown_seconds,
			condition = EXCLUDED.condition,
			active = EXCLUDED.active,
			updated_at = now()
		RETURNING created_at, updated_at
	`, rule.ActionCode, rule.Description, rule.BaseReward, rule.DailyCap, rule.CooldownSeconds, cond, rule.Active).Scan(&rule.CreatedAt, &rule.UpdatedAt)
}

// GetActive returns the rule for the action code, or nil when it does not
// exist or is disabled.
func (r *RuleRepo) GetActive(ctx context.Context, actionCode string) (*models.Rule, error) {
	rule, err := r.get(ctx, actionCode, true)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return rule, err
}

func (r *RuleRepo) Get(ctx context.Context, actionCode string) (*models.Rule, error) {
	rule, err := r.get(ctx, actionCode, false)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return rule, err
}

func (r *RuleRepo) get(ctx context.Context, actionCode string, activeOnly bool) (*models.Rule, error) {
	q := `
		SELECT action_code, description, base_reward, daily_cap, cooldown_seconds, condition, active, created_at, updated_at
		FROM rules WHERE action_code = $1`
	if activeOnly {
		q += ` AND active`
	}
	return scanRule(r.pool.QueryRow(ctx, q, actionCode))
}

func (r *RuleRepo) List(ctx context.Context) ([]*models.Rule, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT action_code, description, base_reward, daily_cap, cooldown_seconds, condition, active, created_at, updated_at
		FROM rules ORDER BY action_code
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, rule)
	}
	return list, rows.Err()
}

func (r *RuleRepo) Delete(ctx context.Context, actionCode string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM rules WHERE action_code = $1`, actionCode)
	return err
}

func scanRule(row pgx.Row) (*models.Rule, error) {
	var rule models.Rule
	var cond []byte
	err := row.Scan(&rule.ActionCode, &rule.Description, &rule.BaseReward, &rule.DailyCap, &rule.CooldownSeconds, &cond, &rule.Active, &rule.CreatedAt, &rule.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(cond, &rule.Condition); err != nil {
		return nil, err
	}
	return &rule, nil
}
