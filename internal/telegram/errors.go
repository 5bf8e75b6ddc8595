package telegram

import (
	"errors"
	"regexp"
	"strings"
)

// Errors reported by collaborators. Real clients report these as RPC error
// names embedded in the message, so matching falls back to the text.
var (
	ErrUsernameInvalid    = errors.New("USERNAME_INVALID")
	ErrInviteHashInvalid  = errors.New("INVITE_HASH_INVALID")
	ErrAlreadyParticipant = errors.New("USER_ALREADY_PARTICIPANT")
	ErrNotInCall          = errors.New("NOT_IN_CALL")
)

// JoinOutcome classifies the result of joining a chat.
type JoinOutcome int

const (
	// JoinOK means the chat was joined.
	JoinOK JoinOutcome = iota
	// JoinUsernameInvalid means the username or link does not resolve.
	JoinUsernameInvalid
	// JoinInviteInvalid means the invite link is invalid or expired.
	JoinInviteInvalid
	// JoinAlreadyMember means the account is already in the chat.
	JoinAlreadyMember
	// JoinFailed is any other failure.
	JoinFailed
)

// String returns the string representation of the outcome.
func (o JoinOutcome) String() string {
	switch o {
	case JoinOK:
		return "ok"
	case JoinUsernameInvalid:
		return "username_invalid"
	case JoinInviteInvalid:
		return "invite_invalid"
	case JoinAlreadyMember:
		return "already_member"
	default:
		return "failed"
	}
}

// ClassifyJoinError maps a JoinChat error to an outcome.
func ClassifyJoinError(err error) JoinOutcome {
	switch {
	case err == nil:
		return JoinOK
	case matches(err, ErrUsernameInvalid):
		return JoinUsernameInvalid
	case matches(err, ErrInviteHashInvalid):
		return JoinInviteInvalid
	case matches(err, ErrAlreadyParticipant):
		return JoinAlreadyMember
	default:
		return JoinFailed
	}
}

// IsNotInCall reports whether err means there was no call to act on.
func IsNotInCall(err error) bool {
	if err == nil {
		return false
	}
	return matches(err, ErrNotInCall) || strings.Contains(err.Error(), "GROUPCALL_NOT_FOUND")
}

func matches(err, target error) bool {
	return errors.Is(err, target) || strings.Contains(err.Error(), target.Error())
}

var chatLinkRe = regexp.MustCompile(`^https://t\.me/[\w_]+/?`)

// NormalizeChat turns a public t.me link or an @username into the bare
// username. Anything else, including private invite links, is returned
// unchanged.
func NormalizeChat(raw string) string {
	switch {
	case chatLinkRe.MatchString(raw):
		return strings.Trim(strings.TrimPrefix(raw, "https://t.me/"), "/")
	case strings.HasPrefix(raw, "@"):
		return raw[1:]
	default:
		return raw
	}
}
