// Package permissions maintains the directed dispatch graph between agents.
// An edge s→t means "s may dispatch tasks to t".
package permissions

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	apperrors "github.com/trinity/trinity/internal/common/errors"
	"github.com/trinity/trinity/internal/common/logger"
	v1 "github.com/trinity/trinity/pkg/api/v1"
)

// Resolver derives, persists, and checks dispatch permissions.
type Resolver struct {
	db     *sqlx.DB // writer
	ro     *sqlx.DB // reader
	logger *logger.Logger

	// systemAgent bypasses every check and holds implicit edges to and
	// from all agents.
	systemAgent string
}

// NewResolver creates the resolver and runs its schema migration. The edge
// table references agents(name) so deleting an agent cascades its edges.
func NewResolver(writer, reader *sqlx.DB, systemAgent string, log *logger.Logger) (*Resolver, error) {
	r := &Resolver{
		db:          writer,
		ro:          reader,
		logger:      log.WithFields(zap.String("component", "permissions")),
		systemAgent: systemAgent,
	}
	if err := r.initSchema(); err != nil {
		return nil, fmt.Errorf("permissions schema init: %w", err)
	}
	return r, nil
}

func (r *Resolver) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS agent_permissions (
		source_agent TEXT NOT NULL REFERENCES agents(name) ON DELETE CASCADE,
		target_agent TEXT NOT NULL REFERENCES agents(name) ON DELETE CASCADE,
		created_at   TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (source_agent, target_agent)
	);
	CREATE INDEX IF NOT EXISTS idx_permissions_target ON agent_permissions(target_agent);
	`
	_, err := r.db.Exec(schema)
	return err
}

// Grant inserts the edge s→t. Idempotent; repeated grants leave the edge set
// unchanged. Self-edges and edges to unknown agents are rejected.
func (r *Resolver) Grant(ctx context.Context, source, target string) error {
	if source == target {
		return apperrors.ValidationError("target", "an agent always may dispatch to itself; self-edges are not stored")
	}
	for _, name := range []string{source, target} {
		if err := r.requireAgent(ctx, name); err != nil {
			return err
		}
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO agent_permissions (source_agent, target_agent) VALUES (?, ?)
		ON CONFLICT(source_agent, target_agent) DO NOTHING`, source, target)
	if err != nil {
		return apperrors.InternalError("grant permission", err)
	}
	return nil
}

func (r *Resolver) requireAgent(ctx context.Context, name string) error {
	var count int
	if err := r.ro.GetContext(ctx, &count,
		`SELECT COUNT(1) FROM agents WHERE name = ?`, name); err != nil {
		return apperrors.InternalError("look up agent", err)
	}
	if count == 0 {
		return apperrors.NotFound("agent", name)
	}
	return nil
}

// GrantBidirectional opens edges in both directions between a and b.
func (r *Resolver) GrantBidirectional(ctx context.Context, a, b string) error {
	if err := r.Grant(ctx, a, b); err != nil {
		return err
	}
	return r.Grant(ctx, b, a)
}

// Revoke removes the edge s→t. Removing a missing edge is not an error.
func (r *Resolver) Revoke(ctx context.Context, source, target string) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM agent_permissions WHERE source_agent = ? AND target_agent = ?`, source, target)
	if err != nil {
		return apperrors.InternalError("revoke permission", err)
	}
	return nil
}

// ApplyOwnerDefaults opens bidirectional edges between a freshly created
// agent and every other agent of the same owner. Agents of one owner form a
// trust cohort by construction; cross-owner edges are always explicit grants.
func (r *Resolver) ApplyOwnerDefaults(ctx context.Context, newAgent string, siblings []string) error {
	for _, sibling := range siblings {
		if sibling == newAgent {
			continue
		}
		if err := r.GrantBidirectional(ctx, newAgent, sibling); err != nil {
			return err
		}
	}
	r.logger.Debug("owner-default permissions applied",
		zap.String("agent_name", newAgent),
		zap.Int("siblings", len(siblings)),
	)
	return nil
}

// CanDispatch reports whether actor may dispatch to target. The system agent
// may dispatch anywhere and receive from anyone; an agent may always
// dispatch to itself.
func (r *Resolver) CanDispatch(ctx context.Context, actor, target string) (bool, error) {
	if actor == target {
		return true, nil
	}
	if r.systemAgent != "" && (actor == r.systemAgent || target == r.systemAgent) {
		return true, nil
	}

	var count int
	err := r.ro.GetContext(ctx, &count, `
		SELECT COUNT(1) FROM agent_permissions WHERE source_agent = ? AND target_agent = ?`,
		actor, target)
	if err != nil {
		return false, apperrors.InternalError("permission check", err)
	}
	return count > 0, nil
}

// ListReachable returns the targets actor holds edges to.
func (r *Resolver) ListReachable(ctx context.Context, actor string) ([]string, error) {
	targets := []string{}
	err := r.ro.SelectContext(ctx, &targets, `
		SELECT target_agent FROM agent_permissions WHERE source_agent = ? ORDER BY target_agent`, actor)
	if err != nil {
		return nil, apperrors.InternalError("list reachable agents", err)
	}
	return targets, nil
}

// ListInbound returns the actors holding edges to target.
func (r *Resolver) ListInbound(ctx context.Context, target string) ([]string, error) {
	sources := []string{}
	err := r.ro.SelectContext(ctx, &sources, `
		SELECT source_agent FROM agent_permissions WHERE target_agent = ? ORDER BY source_agent`, target)
	if err != nil {
		return nil, apperrors.InternalError("list inbound agents", err)
	}
	return sources, nil
}

// PermissionSet returns the combined outbound/inbound view for one agent.
func (r *Resolver) PermissionSet(ctx context.Context, agentName string) (*v1.PermissionSet, error) {
	reachable, err := r.ListReachable(ctx, agentName)
	if err != nil {
		return nil, err
	}
	inbound, err := r.ListInbound(ctx, agentName)
	if err != nil {
		return nil, err
	}
	return &v1.PermissionSet{
		AgentName:       agentName,
		AvailableAgents: reachable,
		InboundAgents:   inbound,
	}, nil
}

// Cascade removes every edge touching the agent. Normally the FK cascade on
// the agents table does this; Cascade covers stores opened without
// foreign_keys=on and keeps deletes safe either way.
func (r *Resolver) Cascade(ctx context.Context, agentName string) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM agent_permissions WHERE source_agent = ? OR target_agent = ?`,
		agentName, agentName)
	if err != nil {
		return apperrors.InternalError("cascade permissions", err)
	}
	return nil
}
