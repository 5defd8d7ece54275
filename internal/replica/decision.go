package replica

// Decision is the outcome of the bootstrap-or-resume check made on every start.
type Decision int

const (
	// Bootstrap creates the slot and loads every table from its exported snapshot.
	Bootstrap Decision = iota
	// ForceRebootstrap drops a slot that can no longer be trusted, then bootstraps.
	ForceRebootstrap
	// Resume attaches the already loaded local tables and continues streaming.
	Resume
)

func (d Decision) String() string {
	switch d {
	case Bootstrap:
		return "bootstrap"
	case ForceRebootstrap:
		return "force_rebootstrap"
	case Resume:
		return "resume"
	default:
		return "unknown"
	}
}

// Decide picks the startup path from the observed remote and local state.
//
// A slot is only trusted when the local marker exists and the publication it
// streams from was not recreated by this process.
func Decide(slotExists, markerExists, publicationJustCreated bool) Decision {
	if !slotExists {
		return Bootstrap
	}
	if !markerExists || publicationJustCreated {
		return ForceRebootstrap
	}
	return Resume
}
