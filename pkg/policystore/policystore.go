// Package policystore implements PolicyStore (C10): a persistent keyed
// store of per-(profile, agent) and per-agent-default policy vectors,
// backed by PostgreSQL via the teacher's pgx/pgxpool stack.
package policystore

import (
	"context"

	"geopm/pkg/apperror"
	"geopm/pkg/database"
)

// PolicyStore is the persistent backing store described by spec.md
// §4.10.
type PolicyStore struct {
	db database.DB
}

// New wraps an already-connected database.DB (typically a
// *database.PostgresDB with migrations already applied).
func New(db database.DB) *PolicyStore {
	return &PolicyStore{db: db}
}

// GetBest returns the best-known policy for (profile, agent), falling
// back to the agent default when no profile-specific entry exists. The
// result is resized to numPolicy, NaN-padding missing trailing values.
// Fails runtime when neither a profile entry nor a default exists.
func (s *PolicyStore) GetBest(ctx context.Context, profile, agent string, numPolicy int) ([]float64, error) {
	var blob []byte
	err := s.db.QueryRow(ctx,
		`SELECT policy FROM profiles WHERE profile = $1 AND agent = $2`,
		profile, agent).Scan(&blob)
	if err == nil {
		values, decErr := decodePolicy(blob)
		if decErr != nil {
			return nil, decErr
		}
		return padWithNaN(values, numPolicy), nil
	}

	err = s.db.QueryRow(ctx,
		`SELECT policy FROM defaults WHERE agent = $1`, agent).Scan(&blob)
	if err == nil {
		values, decErr := decodePolicy(blob)
		if decErr != nil {
			return nil, decErr
		}
		return padWithNaN(values, numPolicy), nil
	}

	return nil, apperror.New(apperror.Runtime, "no policy found for profile/agent and no agent default").
		WithDetail("profile", profile).WithDetail("agent", agent)
}

// SetBest stores policy for (profile, agent). An empty policy deletes
// the entry instead.
func (s *PolicyStore) SetBest(ctx context.Context, profile, agent string, policy []float64) error {
	if len(policy) == 0 {
		_, err := s.db.Exec(ctx,
			`DELETE FROM profiles WHERE profile = $1 AND agent = $2`, profile, agent)
		return wrapExecErr(err)
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO profiles (profile, agent, policy) VALUES ($1, $2, $3)
		ON CONFLICT (profile, agent) DO UPDATE SET policy = EXCLUDED.policy`,
		profile, agent, encodePolicy(policy))
	return wrapExecErr(err)
}

// SetDefault stores agent's fallback policy. An empty policy deletes
// the default.
func (s *PolicyStore) SetDefault(ctx context.Context, agent string, policy []float64) error {
	if len(policy) == 0 {
		_, err := s.db.Exec(ctx, `DELETE FROM defaults WHERE agent = $1`, agent)
		return wrapExecErr(err)
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO defaults (agent, policy) VALUES ($1, $2)
		ON CONFLICT (agent) DO UPDATE SET policy = EXCLUDED.policy`,
		agent, encodePolicy(policy))
	return wrapExecErr(err)
}

func wrapExecErr(err error) error {
	if err == nil {
		return nil
	}
	return apperror.Wrap(err, apperror.Runtime, "policy store write failed")
}
