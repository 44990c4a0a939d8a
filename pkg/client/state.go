package client

type Phase int

const (
	PhaseInitializing Phase = iota
	PhaseUnauthenticated
	PhaseFrontendOnly
	PhaseFull
	PhaseLoggedOut
)

func (p Phase) String() string {
	switch p {
	case PhaseInitializing:
		return "initializing"
	case PhaseUnauthenticated:
		return "unauthenticated"
	case PhaseFrontendOnly:
		return "authenticated_frontend_only"
	case PhaseFull:
		return "authenticated_full"
	case PhaseLoggedOut:
		return "logged_out"
	default:
		return "unknown"
	}
}

// Authenticated reports whether the phase holds a usable credential.
func (p Phase) Authenticated() bool {
	return p == PhaseFrontendOnly || p == PhaseFull
}

// Intent is advisory UI state. It never gates a security decision.
type Intent int

const (
	IntentLogin Intent = iota
	IntentSignup
)

func (i Intent) String() string {
	if i == IntentSignup {
		return "signup"
	}
	return "login"
}

// SyncState is the observable client session state. Consumers must ignore
// Credential until HasInitialized is true.
type SyncState struct {
	Phase          Phase
	Credential     *IdentityCredential
	IsLoading      bool
	HasInitialized bool
	Intent         Intent
}

func InitialState() SyncState {
	return SyncState{
		Phase:     PhaseInitializing,
		IsLoading: true,
		Intent:    IntentLogin,
	}
}

// Event is an input to Reduce. CredentialEvent and the backend and logout
// events below implement it.
type Event interface {
	event()
}

func (CredentialEvent) event() {}

// BackendEstablished reports a successful probe or establishment.
type BackendEstablished struct{}

// BackendLost reports that the backend authoritatively rejected the session.
type BackendLost struct{}

type LogoutStarted struct{}

// LogoutCleared is applied once local credential state must be gone.
type LogoutCleared struct{}

type LogoutCompleted struct{}

func (BackendEstablished) event() {}
func (BackendLost) event()        {}
func (LogoutStarted) event()      {}
func (LogoutCleared) event()      {}
func (LogoutCompleted) event()    {}

// Reduce is the session state machine. It is pure: the same state and event
// always give the same result, and the input state is not modified.
func Reduce(s SyncState, ev Event) SyncState {
	switch e := ev.(type) {
	case CredentialEvent:
		return reduceCredential(s, e)

	case BackendEstablished:
		if s.Phase == PhaseFrontendOnly && s.Credential != nil {
			s.Phase = PhaseFull
		}

	case BackendLost:
		if s.Phase == PhaseFull {
			s.Phase = PhaseFrontendOnly
		}

	case LogoutStarted:
		s.IsLoading = true

	case LogoutCleared:
		s.Credential = nil
		s.IsLoading = false
		if s.HasInitialized {
			s.Phase = PhaseLoggedOut
		}

	case LogoutCompleted:
		if s.Phase == PhaseLoggedOut {
			s.Phase = PhaseUnauthenticated
		}
	}
	return s
}

func reduceCredential(s SyncState, e CredentialEvent) SyncState {
	cred := e.Credential.Clone()
	if e.Kind == CredentialSignedOut || e.Kind == CredentialExpired {
		cred = nil
	}

	previous := s.Credential
	s.Credential = cred
	s.Intent = deriveIntent(s.Intent, cred)

	if !s.HasInitialized {
		if e.Kind != CredentialInitialized {
			return s
		}
		s.HasInitialized = true
		s.IsLoading = false
		if cred == nil {
			s.Phase = PhaseUnauthenticated
		} else {
			s.Phase = PhaseFrontendOnly
		}
		return s
	}

	switch {
	case cred == nil:
		if s.Phase != PhaseLoggedOut {
			s.Phase = PhaseUnauthenticated
		}
	case s.Phase == PhaseFull && previous != nil && previous.UserID == cred.UserID:
		// A refresh of the same user keeps the backend session.
	default:
		s.Phase = PhaseFrontendOnly
	}
	return s
}

func deriveIntent(current Intent, cred *IdentityCredential) Intent {
	if cred == nil {
		return current
	}
	if cred.HasFactor(FactorKnowledge) {
		return IntentLogin
	}
	return IntentSignup
}
