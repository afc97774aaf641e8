// Package endpoint implements Endpoint/EndpointUser (C9): the two
// shared-memory regions, suffixed -policy and -sample, a Daemon and an
// Agent use to exchange policy vectors and sample vectors plus the
// agent/profile/hostlist attach metadata.
package endpoint

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"geopm/pkg/apperror"
	"geopm/pkg/shm"
)

// pollInterval is the cadence wait_for_agent_attach/detach poll at.
const pollInterval = 5 * time.Millisecond

// Endpoint is the owning (Daemon) side: it creates both regions and
// unlinks them on Close, writes policy, and reads samples plus the
// attach metadata the agent side publishes.
type Endpoint struct {
	dir  string
	name string

	numPolicy int
	numSample int

	policyRegion *shm.Region
	policyMutex  *shm.RobustMutex

	sampleRegion *shm.Region
	sampleMutex  *shm.RobustMutex

	stopped atomic.Bool
}

// Open creates both shared-memory regions for endpoint name, sized for
// numPolicy policy values and numSample sample values.
func Open(dir, name string, numPolicy, numSample int) (*Endpoint, error) {
	policyRegion, err := shm.Create(dir, name+"-policy", regionSize("policy", numPolicy))
	if err != nil {
		return nil, err
	}
	policyMutex, err := shm.CreateMutex(dir, name+"-policy")
	if err != nil {
		policyRegion.Close()
		return nil, err
	}
	sampleRegion, err := shm.Create(dir, name+"-sample", regionSize("sample", numSample))
	if err != nil {
		policyMutex.Close()
		policyRegion.Close()
		return nil, err
	}
	sampleMutex, err := shm.CreateMutex(dir, name+"-sample")
	if err != nil {
		sampleRegion.Close()
		policyMutex.Close()
		policyRegion.Close()
		return nil, err
	}
	return &Endpoint{
		dir: dir, name: name,
		numPolicy: numPolicy, numSample: numSample,
		policyRegion: policyRegion, policyMutex: policyMutex,
		sampleRegion: sampleRegion, sampleMutex: sampleMutex,
	}, nil
}

// Close unlinks both regions; the owning side is the only one that may
// call this (§4.9 "the owning side opens/closes").
func (e *Endpoint) Close() error {
	var firstErr error
	note := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	note(e.policyRegion.Close())
	note(e.policyRegion.Unlink())
	note(e.policyMutex.Close())
	note(e.sampleRegion.Close())
	note(e.sampleRegion.Unlink())
	note(e.sampleMutex.Close())
	return firstErr
}

// WritePolicy publishes a new policy vector. len(values) must equal
// numPolicy.
func (e *Endpoint) WritePolicy(values []float64) error {
	if len(values) != e.numPolicy {
		return apperror.New(apperror.Invalid, "policy length does not match endpoint num_policy").
			WithDetail("got", len(values)).WithDetail("want", e.numPolicy)
	}
	if err := e.policyMutex.Lock(); err != nil {
		return err
	}
	defer e.policyMutex.Unlock()

	buf := make([]byte, policyHeaderSize+len(values)*8)
	encodeValues(buf[policyCountOff:], values)
	now := time.Now()
	encodeTimestamp(buf[policyTimestampOff:policyTimestampOff+timestampSize], now.Unix(), int64(now.Nanosecond()))
	return e.policyRegion.Write(0, buf)
}

// ReadSample copies the most recent sample into values (len(values)
// must equal numSample) and returns its age in seconds, or -1 if no
// sample has ever been written.
func (e *Endpoint) ReadSample(values []float64) (float64, error) {
	if len(values) != e.numSample {
		return 0, apperror.New(apperror.Invalid, "sample length does not match endpoint num_sample").
			WithDetail("got", len(values)).WithDetail("want", e.numSample)
	}
	if err := e.sampleMutex.Lock(); err != nil {
		return 0, err
	}
	defer e.sampleMutex.Unlock()

	header := make([]byte, sampleHeaderSize)
	if err := e.sampleRegion.Read(0, header); err != nil {
		return 0, err
	}
	sec, nsec := decodeTimestamp(header[sampleTimestampOff : sampleTimestampOff+timestampSize])
	if sec == 0 && nsec == 0 {
		return -1, nil
	}

	valuesBuf := make([]byte, e.numSample*8)
	if err := e.sampleRegion.Read(sampleValuesOff, valuesBuf); err != nil {
		return 0, err
	}
	decodeValues(header[sampleCountOff:sampleCountOff+countSize], valuesBuf, values)

	age := time.Since(time.Unix(sec, nsec)).Seconds()
	if age < 0 {
		age = 0
	}
	return age, nil
}

func (e *Endpoint) readSampleHeaderField(off, size int) (string, error) {
	if err := e.sampleMutex.Lock(); err != nil {
		return "", err
	}
	defer e.sampleMutex.Unlock()
	buf := make([]byte, size)
	if err := e.sampleRegion.Read(off, buf); err != nil {
		return "", err
	}
	return decodeString(buf), nil
}

// GetAgent returns the agent name published by the user side, or "" if
// none has attached yet.
func (e *Endpoint) GetAgent() (string, error) {
	return e.readSampleHeaderField(sampleAgentOff, agentFieldSize)
}

// GetProfileName returns the profile name published by the user side.
func (e *Endpoint) GetProfileName() (string, error) {
	return e.readSampleHeaderField(sampleProfileOff, profileFieldSize)
}

// GetHostnames returns the hostlist path published by the user side.
func (e *Endpoint) GetHostnames() (string, error) {
	return e.readSampleHeaderField(sampleHostlistOff, hostlistFieldSize)
}

// StopWaitLoop causes any concurrently-blocked wait_for_agent_attach/
// detach call to return normally instead of waiting out its timeout.
func (e *Endpoint) StopWaitLoop() {
	e.stopped.Store(true)
}

// ResetWaitLoop clears a prior StopWaitLoop.
func (e *Endpoint) ResetWaitLoop() {
	e.stopped.Store(false)
}

// WaitForAgentAttach polls GetAgent() until it becomes non-empty,
// timeout elapses (failing runtime "timed out"), or StopWaitLoop is
// called (returns nil with attached=false).
func (e *Endpoint) WaitForAgentAttach(ctx context.Context, timeout time.Duration) (attached bool, err error) {
	return e.waitFor(ctx, timeout, func(agent string) bool { return agent != "" })
}

// WaitForAgentDetach polls GetAgent() until it becomes empty, timeout
// elapses, or StopWaitLoop is called.
func (e *Endpoint) WaitForAgentDetach(ctx context.Context, timeout time.Duration) (detached bool, err error) {
	return e.waitFor(ctx, timeout, func(agent string) bool { return agent == "" })
}

func (e *Endpoint) waitFor(ctx context.Context, timeout time.Duration, done func(string) bool) (bool, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		if e.stopped.Load() {
			return false, nil
		}
		agent, err := e.GetAgent()
		if err != nil {
			return false, err
		}
		if done(agent) {
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, apperror.New(apperror.Runtime, "timed out waiting for agent transition")
		}
		select {
		case <-ctx.Done():
			return false, apperror.Wrap(ctx.Err(), apperror.Runtime, "wait for agent transition cancelled")
		case <-ticker.C:
		}
	}
}

// User is the agent side of the endpoint: it attaches to the regions
// the daemon created, publishes its identity on first contact, reads
// policy, and writes samples.
type User struct {
	mu sync.Mutex

	numPolicy int
	numSample int

	policyRegion *shm.Region
	policyMutex  *shm.RobustMutex

	sampleRegion *shm.Region
	sampleMutex  *shm.RobustMutex
}

// Attach opens the regions an Endpoint.Open already created.
func Attach(dir, name string, numPolicy, numSample int) (*User, error) {
	policyRegion, err := shm.Open(dir, name+"-policy", regionSize("policy", numPolicy))
	if err != nil {
		return nil, err
	}
	policyMutex, err := shm.CreateMutex(dir, name+"-policy")
	if err != nil {
		policyRegion.Close()
		return nil, err
	}
	sampleRegion, err := shm.Open(dir, name+"-sample", regionSize("sample", numSample))
	if err != nil {
		policyMutex.Close()
		policyRegion.Close()
		return nil, err
	}
	sampleMutex, err := shm.CreateMutex(dir, name+"-sample")
	if err != nil {
		sampleRegion.Close()
		policyMutex.Close()
		policyRegion.Close()
		return nil, err
	}
	return &User{
		numPolicy: numPolicy, numSample: numSample,
		policyRegion: policyRegion, policyMutex: policyMutex,
		sampleRegion: sampleRegion, sampleMutex: sampleMutex,
	}, nil
}

// Detach releases local handles without unlinking the regions (only
// the owning Endpoint unlinks).
func (u *User) Detach() error {
	var firstErr error
	note := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	note(u.policyRegion.Close())
	note(u.policyMutex.Close())
	note(u.sampleRegion.Close())
	note(u.sampleMutex.Close())
	return firstErr
}

// Announce publishes agent, profile and hostlistPath into the sample
// region's header fields on first contact. Overlong values fail
// invalid rather than silently truncating.
func (u *User) Announce(agent, profile, hostlistPath string) error {
	if err := u.sampleMutex.Lock(); err != nil {
		return err
	}
	defer u.sampleMutex.Unlock()

	agentBuf := make([]byte, agentFieldSize)
	if !encodeString(agentBuf, agent) {
		return apperror.New(apperror.Invalid, "agent name too long for sample region field")
	}
	profileBuf := make([]byte, profileFieldSize)
	if !encodeString(profileBuf, profile) {
		return apperror.New(apperror.Invalid, "profile name too long for sample region field")
	}
	hostBuf := make([]byte, hostlistFieldSize)
	if !encodeString(hostBuf, hostlistPath) {
		return apperror.New(apperror.Invalid, "hostlist path too long for sample region field")
	}
	if err := u.sampleRegion.Write(sampleAgentOff, agentBuf); err != nil {
		return err
	}
	if err := u.sampleRegion.Write(sampleProfileOff, profileBuf); err != nil {
		return err
	}
	return u.sampleRegion.Write(sampleHostlistOff, hostBuf)
}

// Withdraw clears the agent field, publishing a detach to the daemon
// side's wait_for_agent_detach.
func (u *User) Withdraw() error {
	if err := u.sampleMutex.Lock(); err != nil {
		return err
	}
	defer u.sampleMutex.Unlock()
	return u.sampleRegion.Write(sampleAgentOff, make([]byte, agentFieldSize))
}

// ReadPolicy copies the most recent policy into values (length must
// equal numPolicy).
func (u *User) ReadPolicy(values []float64) error {
	if len(values) != u.numPolicy {
		return apperror.New(apperror.Invalid, "policy length does not match endpoint num_policy").
			WithDetail("got", len(values)).WithDetail("want", u.numPolicy)
	}
	if err := u.policyMutex.Lock(); err != nil {
		return err
	}
	defer u.policyMutex.Unlock()

	header := make([]byte, policyHeaderSize)
	if err := u.policyRegion.Read(0, header); err != nil {
		return err
	}
	valuesBuf := make([]byte, u.numPolicy*8)
	if err := u.policyRegion.Read(policyValuesOff, valuesBuf); err != nil {
		return err
	}
	decodeValues(header[policyCountOff:policyCountOff+countSize], valuesBuf, values)
	return nil
}

// WriteSample publishes a new sample vector (length must equal
// numSample) with a fresh timestamp.
func (u *User) WriteSample(values []float64) error {
	if len(values) != u.numSample {
		return apperror.New(apperror.Invalid, "sample length does not match endpoint num_sample").
			WithDetail("got", len(values)).WithDetail("want", u.numSample)
	}
	if err := u.sampleMutex.Lock(); err != nil {
		return err
	}
	defer u.sampleMutex.Unlock()

	countAndValues := make([]byte, countSize+len(values)*8)
	encodeValues(countAndValues, values)
	if err := u.sampleRegion.Write(sampleCountOff, countAndValues); err != nil {
		return err
	}
	now := time.Now()
	tsBuf := make([]byte, timestampSize)
	encodeTimestamp(tsBuf, now.Unix(), int64(now.Nanosecond()))
	return u.sampleRegion.Write(sampleTimestampOff, tsBuf)
}
