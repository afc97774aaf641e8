// Package adminserver hosts the admin/introspection gRPC surface
// embedded in the geopmd process: health, UpdateEndpointFromPolicyStore,
// the PolicyStore accessors, and the admin one-shot EnforcePolicy path
// (spec §4.11, §4.12). It is a library surface, not a CLI front-end —
// geopmd registers it on the same *grpc.Server its other services use.
package adminserver

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"geopm/pkg/agent"
	"geopm/pkg/apperror"
	"geopm/pkg/audit"
	"geopm/pkg/daemon"
	"geopm/pkg/passhash"
	"geopm/pkg/policystore"
)

// Store is the subset of (Cached)PolicyStore AdminServer needs.
type Store interface {
	GetBest(ctx context.Context, profile, agent string, numPolicy int) ([]float64, error)
	SetBest(ctx context.Context, profile, agent string, policy []float64) error
	SetDefault(ctx context.Context, agent string, policy []float64) error
}

var _ Store = (*policystore.PolicyStore)(nil)
var _ Store = (*policystore.CachedStore)(nil)

// Config controls the optional bearer-token guard on SetBest and
// EnforcePolicy — the two calls able to change hardware behavior or
// persisted policy outside the control loop.
type Config struct {
	AdminToken  string // HMAC secret; empty disables the guard
	ServiceName string
}

// AdminServer implements AdminServiceServer against a live Daemon,
// PolicyStore and a single pre-initialized Agent used only for the
// one-shot EnforcePolicy path (it never runs a sampling loop).
type AdminServer struct {
	cfg    Config
	dae    *daemon.Daemon
	store  Store
	agent  agent.Agent
	jwt    *passhash.JWTManager
	logger audit.Logger
}

// New builds an AdminServer. agnt must already have had Init called
// (level 0, fanIn 0, isLevelRoot true is the conventional choice for
// the admin path, since EnforcePolicy never participates in the tree).
func New(cfg Config, dae *daemon.Daemon, store Store, agnt agent.Agent, logger audit.Logger) *AdminServer {
	s := &AdminServer{cfg: cfg, dae: dae, store: store, agent: agnt, logger: logger}
	if cfg.AdminToken != "" {
		jcfg := passhash.DefaultJWTConfig()
		jcfg.SecretKey = cfg.AdminToken
		jcfg.Issuer = "geopm-admin"
		s.jwt = passhash.NewJWTManager(jcfg)
	}
	return s
}

// Register wires AdminServiceServer onto s, the same *grpc.Server the
// caller's health/reflection services already live on.
func (a *AdminServer) Register(s *grpc.Server) {
	s.RegisterService(&ServiceDesc, a)
}

// requireBearerToken enforces the optional admin-token guard; a no-op
// when Config.AdminToken is empty.
func (a *AdminServer) requireBearerToken(ctx context.Context) error {
	if a.jwt == nil {
		return nil
	}
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return status.Error(codes.Unauthenticated, "missing authorization metadata")
	}
	values := md.Get("authorization")
	if len(values) == 0 {
		return status.Error(codes.Unauthenticated, "missing bearer token")
	}
	token := values[0]
	const prefix = "Bearer "
	if len(token) > len(prefix) && token[:len(prefix)] == prefix {
		token = token[len(prefix):]
	}
	if _, err := a.jwt.ValidateToken(token); err != nil {
		return status.Error(codes.Unauthenticated, "invalid bearer token")
	}
	return nil
}

func (a *AdminServer) audit(ctx context.Context, method string, action audit.Action, err error) {
	if a.logger == nil {
		return
	}
	outcome := audit.OutcomeSuccess
	if err != nil {
		outcome = audit.OutcomeFailure
	}
	builder := audit.NewEntry().
		Service(a.cfg.ServiceName).
		Method(method).
		Action(action).
		Outcome(outcome)
	if err != nil {
		builder.Error(string(apperror.KindOf(err)), err.Error())
	}
	_ = a.logger.Log(ctx, builder.Build())
}

func (a *AdminServer) Health(ctx context.Context, _ *HealthRequest) (*HealthResponse, error) {
	return &HealthResponse{Serving: true}, nil
}

func (a *AdminServer) UpdateEndpointFromPolicyStore(ctx context.Context, req *UpdateEndpointFromPolicyStoreRequest) (*UpdateEndpointFromPolicyStoreResponse, error) {
	timeout := time.Duration(req.TimeoutMillis) * time.Millisecond
	err := a.dae.UpdateEndpointFromPolicyStore(ctx, timeout)
	a.audit(ctx, "UpdateEndpointFromPolicyStore", audit.ActionUpdate, err)
	if err != nil {
		return nil, apperror.ToGRPC(err)
	}
	return &UpdateEndpointFromPolicyStoreResponse{}, nil
}

func (a *AdminServer) GetBest(ctx context.Context, req *GetBestRequest) (*GetBestResponse, error) {
	policy, err := a.store.GetBest(ctx, req.Profile, req.Agent, req.NumPolicy)
	a.audit(ctx, "GetBest", audit.ActionRead, err)
	if err != nil {
		return nil, apperror.ToGRPC(err)
	}
	return &GetBestResponse{Policy: policy}, nil
}

func (a *AdminServer) SetBest(ctx context.Context, req *SetBestRequest) (*SetBestResponse, error) {
	if err := a.requireBearerToken(ctx); err != nil {
		a.audit(ctx, "SetBest", audit.ActionUpdate, err)
		return nil, err
	}
	err := a.store.SetBest(ctx, req.Profile, req.Agent, req.Policy)
	a.audit(ctx, "SetBest", audit.ActionUpdate, err)
	if err != nil {
		return nil, apperror.ToGRPC(err)
	}
	return &SetBestResponse{}, nil
}

func (a *AdminServer) SetDefault(ctx context.Context, req *SetDefaultRequest) (*SetDefaultResponse, error) {
	err := a.store.SetDefault(ctx, req.Agent, req.Policy)
	a.audit(ctx, "SetDefault", audit.ActionUpdate, err)
	if err != nil {
		return nil, apperror.ToGRPC(err)
	}
	return &SetDefaultResponse{}, nil
}

func (a *AdminServer) EnforcePolicy(ctx context.Context, req *EnforcePolicyRequest) (*EnforcePolicyResponse, error) {
	if err := a.requireBearerToken(ctx); err != nil {
		a.audit(ctx, "EnforcePolicy", audit.ActionUpdate, err)
		return nil, err
	}
	err := a.agent.EnforcePolicy(req.Policy)
	a.audit(ctx, "EnforcePolicy", audit.ActionUpdate, err)
	if err != nil {
		return nil, apperror.ToGRPC(err)
	}
	return &EnforcePolicyResponse{}, nil
}

var _ AdminServiceServer = (*AdminServer)(nil)
