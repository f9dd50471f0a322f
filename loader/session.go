package loader

import (
	"context"
	"sync/atomic"
)

// session identifies one logical chain of load requests. Requests made
// from inside a step (an initializer touching another unit, or its own)
// carry the session of the step that is running, which is how the driver
// tells reentrancy apart from contention.
type session struct {
	id uint64

	// waiting is the tracker this session is blocked on. Guarded by the
	// domain lock.
	waiting *tracker
}

// tracker marks a unit whose next step is being run by owner.
type tracker struct {
	unit   *Unit
	owner  *session
	target Level
	done   chan struct{}
}

type sessionKey struct{}

var sessionSeq atomic.Uint64

// withSession returns the session carried by ctx, starting a new one when
// there is none.
func withSession(ctx context.Context) (context.Context, *session) {
	if s, ok := ctx.Value(sessionKey{}).(*session); ok {
		return ctx, s
	}
	s := &session{id: sessionSeq.Add(1)}
	return context.WithValue(ctx, sessionKey{}, s), s
}

func sessionFrom(ctx context.Context) *session {
	s, _ := ctx.Value(sessionKey{}).(*session)
	return s
}

// blocks reports whether waiting on t from s would close a cycle: t is
// owned by s, or by a session that is (transitively) waiting on s.
// Callers hold the domain lock.
func (s *session) blocks(t *tracker) bool {
	seen := map[*session]bool{}
	for owner := t.owner; owner != nil && !seen[owner]; {
		if owner == s {
			return true
		}
		seen[owner] = true
		if owner.waiting == nil {
			return false
		}
		owner = owner.waiting.owner
	}
	return false
}
