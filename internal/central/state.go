package central

// State is a step in the per-peripheral connection lifecycle. The machine is
// strictly sequential: no operation skips a state, and re-entry to
// StateConnecting requires tearing down and discarding the prior record.
type State string

const (
	// StateEnqueued is the initial state of a freshly created record,
	// before the transport-level connect call has been issued.
	StateEnqueued State = "enqueued"
	// StateConnecting means the transport connect call is in flight.
	StateConnecting State = "connecting"
	// StateLinkEstablished means the link is up but capabilities are not
	// yet known.
	StateLinkEstablished State = "link_established"
	// StateDiscovering means the capability-discovery request is in flight.
	// It is issued by the state machine itself, never by callers.
	StateDiscovering State = "discovering_capabilities"
	// StateReady is the only state in which queued application operations
	// are dispatched.
	StateReady State = "ready"
	// StateTornDown is the terminal state of an orderly teardown or a
	// disconnect while Ready.
	StateTornDown State = "torn_down"
	// StateFailedBeforeReady is the terminal state of any failure during
	// connection establishment.
	StateFailedBeforeReady State = "failed_before_ready"
)

// Terminal reports whether the record is finished and must be discarded.
func (s State) Terminal() bool {
	return s == StateTornDown || s == StateFailedBeforeReady
}

// legalTransitions is the full transition table. Both terminal states are
// reachable from anywhere because an unexpected disconnect can arrive in
// any state.
var legalTransitions = map[State][]State{
	StateEnqueued:        {StateConnecting, StateFailedBeforeReady, StateTornDown},
	StateConnecting:      {StateLinkEstablished, StateFailedBeforeReady, StateTornDown},
	StateLinkEstablished: {StateDiscovering, StateFailedBeforeReady, StateTornDown},
	StateDiscovering:     {StateReady, StateFailedBeforeReady, StateTornDown},
	StateReady:           {StateTornDown},
}

// canTransition reports whether from -> to is a legal lifecycle step.
func canTransition(from, to State) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
