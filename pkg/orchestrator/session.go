package orchestrator

import (
	"context"
	"fmt"
)


// session is the unit of one user turn. Its cancellation signal is a
// context derived from context.Background(); it is triggered by the
// cancellation router (router.go) and is always triggered and
// released by endSession (cleanup.go).
type session struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
}

func newSession(parent context.Context, id string) *session {
	ctx, cancel := context.WithCancel(parent)
	return &session{id: id, ctx: ctx, cancel: cancel}
}

// nextSessionID formats the monotonically increasing session id the
// spec requires (e.g. "voice-000001").
func nextSessionID(n uint64) string {
	return fmt.Sprintf("voice-%06d", n)
}
