package pddb

import (
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
)

// OutcomeKind classifies a mount attempt.
type OutcomeKind int

const (
	Correct OutcomeKind = iota
	Incorrect
	ForcedAbort
	Uninit
)

func (k OutcomeKind) String() string {
	switch k {
	case Correct:
		return "correct"
	case Incorrect:
		return "incorrect"
	case ForcedAbort:
		return "forced-abort"
	case Uninit:
		return "uninit"
	}
	return fmt.Sprintf("OutcomeKind(%d)", int(k))
}

// PasswordOutcome is what a mount reports. Attempts counts consecutive
// failures for the name and is zero on success.
type PasswordOutcome struct {
	Kind     OutcomeKind `json:"kind"`
	Attempts int         `json:"attempts,omitempty"`
}

func (o PasswordOutcome) String() string {
	if o.Kind == Incorrect || o.Kind == ForcedAbort {
		return fmt.Sprintf("%s(%d)", o.Kind, o.Attempts)
	}
	return o.Kind.String()
}

// Policy bounds password retries. After MaxAttempts failures the next
// attempt is a ForcedAbort and the name stays locked until ResetAttempts,
// or until Cooldown passes when it is non-zero.
type Policy struct {
	MaxAttempts int           `json:"max_attempts"`
	Cooldown    time.Duration `json:"cooldown"`
}

func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3}
}

type attempts struct {
	failures int
	locked   bool
	lockedAt time.Time
}

// lockout keeps failure counts keyed by a hash of the name so plaintext
// names are not held longer than a mount call.
type lockout struct {
	policy Policy
	clock  clockwork.Clock
	byName map[[32]byte]*attempts
}

func newLockout(p Policy, clock clockwork.Clock) *lockout {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultPolicy().MaxAttempts
	}
	return &lockout{policy: p, clock: clock, byName: map[[32]byte]*attempts{}}
}

func nameKey(name string) [32]byte { return sha256.Sum256([]byte("pddb/lockout/" + name)) }

// check reports a ForcedAbort without trying the password when name is
// locked out.
func (l *lockout) check(name string) (PasswordOutcome, bool) {
	a := l.byName[nameKey(name)]
	if a == nil || !a.locked {
		return PasswordOutcome{}, false
	}
	if l.policy.Cooldown > 0 && l.clock.Now().Sub(a.lockedAt) >= l.policy.Cooldown {
		delete(l.byName, nameKey(name))
		return PasswordOutcome{}, false
	}
	return PasswordOutcome{Kind: ForcedAbort, Attempts: a.failures}, true
}

func (l *lockout) fail(name string) PasswordOutcome {
	k := nameKey(name)
	a := l.byName[k]
	if a == nil {
		a = &attempts{}
		l.byName[k] = a
	}
	a.failures++
	if a.failures > l.policy.MaxAttempts {
		a.locked = true
		a.lockedAt = l.clock.Now()
		return PasswordOutcome{Kind: ForcedAbort, Attempts: a.failures}
	}
	return PasswordOutcome{Kind: Incorrect, Attempts: a.failures}
}

func (l *lockout) reset(name string) { delete(l.byName, nameKey(name)) }
