package session

import "time"

// Session is the authenticated identity currently held in memory. It is
// owned exclusively by the Controller: created on successful login or
// restoration, destroyed on logout or unrecoverable refresh failure.
type Session struct {
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	Role      string    `json:"role"`
	StartedAt time.Time `json:"started_at"`
}

// Kind is the session-level state tag.
type Kind int

const (
	KindUnauthenticated Kind = iota
	KindRestoring
	KindAuthenticated
)

func (k Kind) String() string {
	switch k {
	case KindRestoring:
		return "restoring"
	case KindAuthenticated:
		return "authenticated"
	default:
		return "unauthenticated"
	}
}

// State is a tagged union: Session is non-nil exactly when Kind is
// KindAuthenticated. Construct states through the helpers below so an
// authenticated state without a session is unrepresentable.
type State struct {
	Kind    Kind
	Session *Session
}

func Unauthenticated() State { return State{Kind: KindUnauthenticated} }
func Restoring() State       { return State{Kind: KindRestoring} }

func Authenticated(s Session) State {
	return State{Kind: KindAuthenticated, Session: &s}
}

// event is a session-level state machine input.
type event interface{ isEvent() }

// evRestoreStarted begins startup restoration.
type evRestoreStarted struct{}

// evAuthenticated carries the session established by a successful login
// or restoration. Applied to an already-authenticated state it models a
// successful refresh: the kind does not change.
type evAuthenticated struct{ session Session }

// evTornDown is logout or unrecoverable refresh failure.
type evTornDown struct{}

func (evRestoreStarted) isEvent() {}
func (evAuthenticated) isEvent()  {}
func (evTornDown) isEvent()       {}

// transition is the pure session state transition function:
//
//	Unauthenticated -> Restoring -> {Authenticated | Unauthenticated}
//	Authenticated   -> Unauthenticated (logout, unrecoverable refresh)
//	Authenticated   -> Authenticated   (successful refresh)
func transition(state State, ev event) State {
	switch ev := ev.(type) {
	case evRestoreStarted:
		if state.Kind == KindAuthenticated {
			return state
		}
		return Restoring()
	case evAuthenticated:
		return Authenticated(ev.session)
	case evTornDown:
		return Unauthenticated()
	default:
		return state
	}
}
