// Package registry maps the agent names geopmd/geopm-controller accept
// on the command line or in config (spec.md §4.12's agent table) to the
// factory functions controller.NewTree wants. It lives apart from
// pkg/agent because every concrete agent package imports pkg/agent,
// so pkg/agent itself cannot import them back.
package registry

import (
	"sort"

	"geopm/pkg/agent"
	"geopm/pkg/agent/frequencymap"
	"geopm/pkg/agent/monitor"
	"geopm/pkg/agent/nodepowergovernor"
	"geopm/pkg/agent/powerbalancer"
	"geopm/pkg/agent/powergovernor"
)

var factories = map[string]func() agent.Agent{
	"monitor":             func() agent.Agent { return monitor.New() },
	"power_governor":      func() agent.Agent { return powergovernor.New() },
	"node_power_governor": func() agent.Agent { return nodepowergovernor.New() },
	"power_balancer":      func() agent.Agent { return powerbalancer.New() },
	"frequency_map":       func() agent.Agent { return frequencymap.New() },
}

// Lookup returns the factory for name, if any.
func Lookup(name string) (func() agent.Agent, bool) {
	f, ok := factories[name]
	return f, ok
}

// Names lists every registered agent name, sorted.
func Names() []string {
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
