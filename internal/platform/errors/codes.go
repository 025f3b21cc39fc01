package errors

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Handshake errors
	CodeAuthMissing Code = "AUTH_MISSING"
	CodeAuthInvalid Code = "AUTH_INVALID"

	// Join errors
	CodeSessionNotFound Code = "SESSION_NOT_FOUND"
	CodeNotAParticipant Code = "NOT_A_PARTICIPANT"

	// Relay errors
	CodeInvalidPayload     Code = "INVALID_PAYLOAD"
	CodeNotInSession       Code = "NOT_IN_SESSION"
	CodeChatMessageEmpty   Code = "CHAT_MESSAGE_EMPTY"
	CodeChatMessageTooLong Code = "CHAT_MESSAGE_TOO_LONG"
	CodeNoTeamAssigned     Code = "NO_TEAM_ASSIGNED"
	CodeNotTeamMember      Code = "NOT_TEAM_MEMBER"

	// Infrastructure errors
	CodePersistenceFailure Code = "PERSISTENCE_FAILURE"
	CodeMalformedBusEvent  Code = "MALFORMED_BUS_EVENT"

	// Storage errors
	CodeNotFound Code = "NOT_FOUND"
)
