package flow

import "errors"

var (
	// ErrFlowNotFound is returned when a flow id does not exist in the store.
	ErrFlowNotFound = errors.New("flow not found")
	// ErrFlowMisconfigured is returned when a flow cannot be started because its graph is
	// incomplete (no first node, no nodes, or a first node that is not in the graph).
	ErrFlowMisconfigured = errors.New("flow is misconfigured")
	// ErrNodeNotFound is returned when a connection or session points at a missing node.
	ErrNodeNotFound = errors.New("node not found")
	// ErrSessionActive is returned by StartFlow when the contact is already in a flow.
	ErrSessionActive = errors.New("contact already has an active session")
	// ErrHopLimitExceeded ends a session whose auto-advance chain ran too long.
	ErrHopLimitExceeded = errors.New("hop limit exceeded")
)
