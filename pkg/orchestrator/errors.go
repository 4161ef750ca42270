package orchestrator

import "errors"


// Error taxonomy. These are kinds, not type names: collaborator
// adapters wrap their errors with them via %w. The supervisor does not
// classify stage errors by these kinds; it only tells session
// cancellation, context.DeadlineExceeded and any other error apart.
var (

	ErrCancelled = errors.New("session cancelled")


	ErrTimeout = errors.New("stage deadline exceeded")


	ErrDeviceUnavailable = errors.New("audio device unavailable")


	ErrTransport = errors.New("upstream transport failure")


	ErrFormat = errors.New("malformed audio or response payload")


	ErrAgentUnsuccessful = errors.New("agent reported an unsuccessful turn")


	ErrInternal = errors.New("internal orchestrator error")


	ErrNilCollaborator = errors.New("required collaborator is nil")
)
