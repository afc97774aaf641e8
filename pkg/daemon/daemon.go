// Package daemon implements Daemon (C11): the process that owns one
// Endpoint and one PolicyStore, and keeps the endpoint's policy region
// fed from the store as agents attach and detach.
package daemon

import (
	"context"
	"time"

	"geopm/pkg/endpoint"
	"geopm/pkg/policystore"
)

// Store is the subset of PolicyStore's API the daemon needs, letting
// tests substitute a fake rather than a live database.
type Store interface {
	GetBest(ctx context.Context, profile, agent string, numPolicy int) ([]float64, error)
}

// Daemon owns one Endpoint (opened at construction, closed at
// destruction) and one PolicyStore (spec.md §4.11).
type Daemon struct {
	ep        *endpoint.Endpoint
	store     Store
	numPolicy int
}

// Open creates the endpoint's shared-memory regions and wraps store.
func Open(dir, name string, numPolicy, numSample int, store Store) (*Daemon, error) {
	ep, err := endpoint.Open(dir, name, numPolicy, numSample)
	if err != nil {
		return nil, err
	}
	return &Daemon{ep: ep, store: store, numPolicy: numPolicy}, nil
}

// Close unlinks the endpoint's shared-memory regions.
func (d *Daemon) Close() error {
	return d.ep.Close()
}

// UpdateEndpointFromPolicyStore performs the four-step handshake from
// §4.11: wait for an agent to attach, read its identity, look up its
// best policy, and publish it. Steps 2-4 are skipped if the wait
// returned "no agent" (a stop signal fired), matching the spec's
// "skipped on stop signal" rule.
func (d *Daemon) UpdateEndpointFromPolicyStore(ctx context.Context, timeout time.Duration) error {
	attached, err := d.ep.WaitForAgentAttach(ctx, timeout)
	if err != nil {
		return err
	}
	if !attached {
		return nil
	}

	agent, err := d.ep.GetAgent()
	if err != nil {
		return err
	}
	profile, err := d.ep.GetProfileName()
	if err != nil {
		return err
	}

	policy, err := d.store.GetBest(ctx, profile, agent, d.numPolicy)
	if err != nil {
		return err
	}
	return d.ep.WritePolicy(policy)
}

// StopWaitLoop delegates to the endpoint, unblocking a concurrently
// running UpdateEndpointFromPolicyStore call.
func (d *Daemon) StopWaitLoop() {
	d.ep.StopWaitLoop()
}

// ResetWaitLoop delegates to the endpoint, clearing a prior stop.
func (d *Daemon) ResetWaitLoop() {
	d.ep.ResetWaitLoop()
}
