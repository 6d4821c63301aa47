package coin

import (
	"errors"
	"fmt"
)

var (
	ErrMessageLost      = errors.New("message lost")
	ErrQuorumNotReached = errors.New("quorum not reached")
	ErrDuplicateRequest = errors.New("request already pending")
	ErrUnknownKind      = errors.New("unknown message kind")
	ErrFrameTooLarge    = errors.New("frame too large")
	ErrNoConsensus      = errors.New("replicas disagree on balance")
	ErrInvalidAmount    = errors.New("amount must not be negative")
	ErrSelfTransfer     = errors.New("cannot transfer to self")
)

// LostError reports a request that timed out before any response.
type LostError struct {
	UID  int32
	Kind Kind
}

func (e *LostError) Error() string {
	return fmt.Sprintf("message %d (%s) lost", e.UID, e.Kind)
}

func (e *LostError) Is(target error) bool { return target == ErrMessageLost }

// QuorumError reports a fan-out that finished below its threshold.
type QuorumError struct {
	Policy    string
	Successes int
	Total     int
}

func (e *QuorumError) Error() string {
	policy := e.Policy
	if policy == "" {
		policy = "quorum"
	}
	return fmt.Sprintf("%s: had only %d successful replies out of %d", policy, e.Successes, e.Total)
}

func (e *QuorumError) Is(target error) bool { return target == ErrQuorumNotReached }
