package adminserver

// HealthRequest carries no fields; liveness is answered by the
// standard grpc_health_v1 service registered alongside AdminService,
// this message exists only so AdminService.Health has the same
// request/response shape as every other method here.
type HealthRequest struct{}

// HealthResponse reports the daemon's own view of serving health,
// distinct from grpc_health_v1's process-wide status.
type HealthResponse struct {
	Serving bool   `json:"serving"`
	Detail  string `json:"detail,omitempty"`
}

// UpdateEndpointFromPolicyStoreRequest triggers one run of the
// Daemon's attach/read-identity/lookup/publish handshake (spec §4.11).
type UpdateEndpointFromPolicyStoreRequest struct {
	TimeoutMillis int64 `json:"timeout_millis"`
}

type UpdateEndpointFromPolicyStoreResponse struct{}

type GetBestRequest struct {
	Profile   string `json:"profile"`
	Agent     string `json:"agent"`
	NumPolicy int    `json:"num_policy"`
}

type GetBestResponse struct {
	Policy []float64 `json:"policy"`
}

type SetBestRequest struct {
	Profile string    `json:"profile"`
	Agent   string    `json:"agent"`
	Policy  []float64 `json:"policy"`
}

type SetBestResponse struct{}

type SetDefaultRequest struct {
	Agent  string    `json:"agent"`
	Policy []float64 `json:"policy"`
}

type SetDefaultResponse struct{}

// EnforcePolicyRequest is the admin one-shot path of spec §4.12: apply
// a policy to the platform directly, with no sampling loop behind it.
type EnforcePolicyRequest struct {
	Policy []float64 `json:"policy"`
}

type EnforcePolicyResponse struct{}
