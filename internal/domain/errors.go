package domain

import "errors"

var (
	ErrRoomFull             = errors.New("room is full")
	ErrRoomNotFound         = errors.New("room not found")
	ErrDuplicateParticipant = errors.New("participant already in room")
	ErrAlreadyInRoom        = errors.New("already in a room")
	ErrHostExists           = errors.New("room already has a host")
	ErrInvalidUpdateSource  = errors.New("update about the local participant")
	ErrUnknownParticipant   = errors.New("unknown participant")
	ErrRegistryExhausted    = errors.New("no free room code")
	ErrConnectionTimeout    = errors.New("connection timeout")
	ErrHandshakeTimeout     = errors.New("handshake timeout")
	ErrRoomClosed           = errors.New("room closed")
	ErrNotHost              = errors.New("only the host may do that")
	ErrReadOnly             = errors.New("observers are read-only")
	ErrNotObserver          = errors.New("only observers may do that")
	ErrAlreadyCollected     = errors.New("already collected")
	ErrBadPayload           = errors.New("bad payload")
)

var reasons = []struct {
	err  error
	code string
}{
	{ErrRoomFull, "room_full"},
	{ErrRoomNotFound, "room_not_found"},
	{ErrDuplicateParticipant, "duplicate_participant"},
	{ErrAlreadyInRoom, "already_in_room"},
	{ErrHostExists, "host_exists"},
	{ErrInvalidUpdateSource, "invalid_update_source"},
	{ErrUnknownParticipant, "unknown_participant"},
	{ErrRegistryExhausted, "registry_exhausted"},
	{ErrConnectionTimeout, "connection_timeout"},
	{ErrHandshakeTimeout, "handshake_timeout"},
	{ErrRoomClosed, "room_closed"},
	{ErrNotHost, "not_host"},
	{ErrReadOnly, "read_only"},
	{ErrNotObserver, "not_observer"},
	{ErrAlreadyCollected, "already_collected"},
	{ErrBadPayload, "bad_payload"},
}

// Reason maps err to the stable reason code a UI can switch on.
// Unknown errors map to "internal".
func Reason(err error) string {
	for _, r := range reasons {
		if errors.Is(err, r.err) {
			return r.code
		}
	}
	return "internal"
}

// FromReason is the inverse of Reason. It returns nil for unknown codes.
func FromReason(code string) error {
	for _, r := range reasons {
		if r.code == code {
			return r.err
		}
	}
	return nil
}
