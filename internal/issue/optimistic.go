package issue

import "context"

// edit is a local state change and its exact inverse. Both run with the view
// lock held.
type edit struct {
	apply func()
	undo  func()
}

// transact applies e, runs remote, and undoes e if remote fails. A non-empty
// key admits one transaction per key at a time; a second one is rejected with
// ErrInFlight before anything changes.
func (v *View) transact(ctx context.Context, key string, e edit, remote func(context.Context) error) error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return ErrClosed
	}
	if key != "" {
		if v.inFlight[key] {
			v.mu.Unlock()
			return ErrInFlight
		}
		v.inFlight[key] = true
	}
	e.apply()
	v.broadcastLocked()
	v.mu.Unlock()

	err := remote(ctx)

	v.mu.Lock()
	defer v.mu.Unlock()
	if key != "" {
		delete(v.inFlight, key)
	}
	if v.closed {
		return err
	}
	if err != nil {
		e.undo()
		v.broadcastLocked()
	}
	return err
}

func (v *View) isInFlightLocked(key string) bool {
	return v.inFlight[key]
}

const (
	keyVote  = "vote"
	keyWatch = "watch"
)

func solutionVoteKey(solutionID string) string {
	return "solution-vote:" + solutionID
}

func delta(on bool) int {
	if on {
		return 1
	}
	return -1
}
