package watchman

import "sort"

// Capability is an independently negotiable optional feature of the daemon's
// protocol.
type Capability int

const (
	// CapDirname indicates support for the dirname expression term.
	CapDirname Capability = iota
	// CapSupportsProjectWatch indicates support for the watch-project command.
	CapSupportsProjectWatch
	// CapWildmatchGlob indicates support for wildmatch-style glob expressions.
	CapWildmatchGlob
	// CapWildmatchMultislash indicates that ** in wildmatch patterns crosses
	// directory boundaries.
	CapWildmatchMultislash
	// CapGlobGenerator indicates support for the glob generator.
	CapGlobGenerator
	// CapClockSyncTimeout indicates that clock queries accept a sync_timeout
	// argument.
	CapClockSyncTimeout
)

// capabilityNames maps the daemon's stable capability names to their enum
// values. Append-only: adding a new optional feature means adding a row here
// and, if the feature is queried by default, a name in optionalCapabilities.
var capabilityNames = map[string]Capability{
	"term-dirname":         CapDirname,
	"cmd-watch-project":    CapSupportsProjectWatch,
	"wildmatch":            CapWildmatchGlob,
	"wildmatch_multislash": CapWildmatchMultislash,
	"glob_generator":       CapGlobGenerator,
	"clock-sync-timeout":   CapClockSyncTimeout,
}

// requiredCapabilities are the names the client cannot operate without.
var requiredCapabilities = []string{"cmd-watch-project"}

// optionalCapabilities are the names probed during negotiation, in the order
// they are sent.
var optionalCapabilities = []string{
	"term-dirname",
	"cmd-watch-project",
	"wildmatch",
	"wildmatch_multislash",
	"glob_generator",
	"clock-sync-timeout",
}

// String returns the daemon-facing name of the capability.
func (c Capability) String() string {
	for name, known := range capabilityNames {
		if known == c {
			return name
		}
	}
	return "unknown"
}

// CapabilitySet is the set of capabilities resolved from one negotiation.
type CapabilitySet map[Capability]struct{}

// Has reports whether c is in the set.
func (s CapabilitySet) Has(c Capability) bool {
	_, ok := s[c]
	return ok
}

// add inserts c. Unexported: a set is only populated during negotiation.
func (s CapabilitySet) add(c Capability) {
	s[c] = struct{}{}
}

// List returns the capabilities in a stable order.
func (s CapabilitySet) List() []Capability {
	caps := make([]Capability, 0, len(s))
	for c := range s {
		caps = append(caps, c)
	}
	sort.Slice(caps, func(i, j int) bool { return caps[i] < caps[j] })
	return caps
}

// resolveCapabilities keeps only names that are present, true, and known to
// the static name table. Unknown names are ignored so newer daemons do not
// break older clients.
func resolveCapabilities(reported map[string]bool) CapabilitySet {
	caps := make(CapabilitySet, len(reported))
	for name, supported := range reported {
		if !supported {
			continue
		}
		if c, known := capabilityNames[name]; known {
			caps.add(c)
		}
	}
	return caps
}
