package realtime

import "errors"

var (
	ErrNotIdentified  = errors.New("session is not identified")
	ErrInvalidRoom    = errors.New("invalid room id")
	ErrInvalidPayload = errors.New("invalid payload")
	ErrSessionClosed  = errors.New("session is closed")
	ErrPersistence    = errors.New("persistence failure")
	ErrHubClosed      = errors.New("hub is closed")
)

const (
	CodeInvalidState       = "invalid_state"
	CodeInvalidPayload     = "invalid_payload"
	CodePersistenceFailure = "persistence_failure"
	CodeUnknownEvent       = "unknown_event"
)

func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrPersistence):
		return CodePersistenceFailure
	case errors.Is(err, ErrInvalidPayload), errors.Is(err, ErrInvalidRoom):
		return CodeInvalidPayload
	default:
		return CodeInvalidState
	}
}

// publicMessage hides store details from clients. event is the canonical name.
func publicMessage(event string, err error) string {
	switch {
	case errors.Is(err, ErrPersistence) && event == EventMarkRead:
		return "failed to mark messages read"
	case errors.Is(err, ErrPersistence) && event == EventSend:
		return "failed to save message"
	case errors.Is(err, ErrPersistence):
		return "storage unavailable"
	case errors.Is(err, ErrNotIdentified):
		return ErrNotIdentified.Error()
	case errors.Is(err, ErrSessionClosed):
		return ErrSessionClosed.Error()
	default:
		return err.Error()
	}
}
