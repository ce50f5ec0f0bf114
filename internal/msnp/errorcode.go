package msnp

import "strconv"

// ErrorCode is a numeric server error delivered as an all-digit command verb.
type ErrorCode int

// Server error codes the client reacts to. The numeric values are part of
// the wire protocol and must not change.
const (
	ErrSyntaxError              ErrorCode = 200
	ErrInvalidParameter         ErrorCode = 201
	ErrInvalidFederatedUser     ErrorCode = 205
	ErrInvalidUser              ErrorCode = 207
	ErrInvalidUsername          ErrorCode = 208
	ErrInvalidFriendlyName      ErrorCode = 209
	ErrListFull                 ErrorCode = 210
	ErrInvalidCircleMembership  ErrorCode = 211
	ErrAlreadyThere             ErrorCode = 215
	ErrNotOnList                ErrorCode = 216
	ErrNotOnline                ErrorCode = 217
	ErrAlreadyInMode            ErrorCode = 218
	ErrAlreadyInOppositeList    ErrorCode = 219
	ErrTooManyGroups            ErrorCode = 223
	ErrInvalidGroup             ErrorCode = 224
	ErrPrincipalNotInGroup      ErrorCode = 225
	ErrGroupNotEmpty            ErrorCode = 227
	ErrGroupNameTooLong         ErrorCode = 229
	ErrGroupZeroUnmodifiable    ErrorCode = 230
	ErrEmptyDomainDenied        ErrorCode = 240
	ErrADLRMLCommandFailed      ErrorCode = 241
	ErrSwitchboardFailed        ErrorCode = 280
	ErrTransferToSwitchboard    ErrorCode = 281
	ErrP2PError                 ErrorCode = 282
	ErrRequiredFieldsMissing    ErrorCode = 300
	ErrNotLoggedIn              ErrorCode = 302
	ErrErrorAccessingContactList ErrorCode = 402
	ErrInternalServer           ErrorCode = 500
	ErrDatabaseServer           ErrorCode = 501
	ErrCommandDisabled          ErrorCode = 502
	ErrUpsDown                  ErrorCode = 504
	ErrFileOperation            ErrorCode = 510
	ErrBanned                   ErrorCode = 511
	ErrMemoryAlloc              ErrorCode = 520
	ErrChallengeResponseFailed  ErrorCode = 540
	ErrServerBusy               ErrorCode = 600
	ErrServerUnavailable        ErrorCode = 601
	ErrPeerNSDown               ErrorCode = 602
	ErrDatabaseConnect          ErrorCode = 603
	ErrServerGoingDown          ErrorCode = 604
	ErrServerUnavailableRetry   ErrorCode = 605
	ErrCreateConnection         ErrorCode = 707
	ErrBadCVRParameters         ErrorCode = 710
	ErrBlockingWrite            ErrorCode = 711
	ErrSessionOverload          ErrorCode = 712
	ErrUserTooActive            ErrorCode = 713
	ErrTooManySessions          ErrorCode = 714
	ErrNotExpected              ErrorCode = 715
	ErrBadFriend                ErrorCode = 717
	ErrAuthenticationFailed     ErrorCode = 911
	ErrNotAllowedWhileHidden    ErrorCode = 913
	ErrNotAcceptingNewPrincipals ErrorCode = 920
	ErrTimedOut                 ErrorCode = 921
	ErrKidsPassportWithoutParentalConsent ErrorCode = 923
	ErrPassportNotYetVerified   ErrorCode = 924
	ErrManagedUserLimitedAccess ErrorCode = 926
	ErrManagedUserBlocked       ErrorCode = 927
	ErrAccountNotOnThisServer   ErrorCode = 928
)

var errorNames = map[ErrorCode]string{
	ErrSyntaxError:              "syntax error",
	ErrInvalidParameter:         "invalid parameter",
	ErrInvalidFederatedUser:     "invalid federated user",
	ErrInvalidUser:              "invalid user",
	ErrInvalidUsername:          "invalid username",
	ErrInvalidFriendlyName:      "invalid friendly name",
	ErrListFull:                 "list full",
	ErrInvalidCircleMembership:  "invalid circle membership",
	ErrAlreadyThere:             "already there",
	ErrNotOnList:                "not on list",
	ErrNotOnline:                "principal not online",
	ErrAlreadyInMode:            "already in mode",
	ErrAlreadyInOppositeList:    "already in opposite list",
	ErrTooManyGroups:            "too many groups",
	ErrInvalidGroup:             "invalid group",
	ErrPrincipalNotInGroup:      "principal not in group",
	ErrGroupNotEmpty:            "group not empty",
	ErrGroupNameTooLong:         "group name too long",
	ErrGroupZeroUnmodifiable:    "group zero cannot be modified",
	ErrEmptyDomainDenied:        "empty domain denied",
	ErrADLRMLCommandFailed:      "ADL/RML command failed",
	ErrSwitchboardFailed:        "switchboard failed",
	ErrTransferToSwitchboard:    "transfer to switchboard failed",
	ErrP2PError:                 "p2p error",
	ErrRequiredFieldsMissing:    "required fields missing",
	ErrNotLoggedIn:              "not logged in",
	ErrErrorAccessingContactList: "error accessing contact list",
	ErrInternalServer:           "internal server error",
	ErrDatabaseServer:           "database server error",
	ErrCommandDisabled:          "command disabled",
	ErrUpsDown:                  "ups down",
	ErrFileOperation:            "file operation failed",
	ErrBanned:                   "banned",
	ErrMemoryAlloc:              "memory allocation failed",
	ErrChallengeResponseFailed:  "challenge response failed",
	ErrServerBusy:               "server busy",
	ErrServerUnavailable:        "server unavailable",
	ErrPeerNSDown:               "peer notification server down",
	ErrDatabaseConnect:          "database connect error",
	ErrServerGoingDown:          "server going down",
	ErrServerUnavailableRetry:   "server unavailable, retry later",
	ErrCreateConnection:         "could not create connection",
	ErrBadCVRParameters:         "bad CVR parameters",
	ErrBlockingWrite:            "blocking write",
	ErrSessionOverload:          "session overload",
	ErrUserTooActive:            "user too active",
	ErrTooManySessions:          "too many sessions",
	ErrNotExpected:              "not expected",
	ErrBadFriend:                "bad friend",
	ErrAuthenticationFailed:     "authentication failed",
	ErrNotAllowedWhileHidden:    "not allowed while hidden",
	ErrNotAcceptingNewPrincipals: "not accepting new principals",
	ErrTimedOut:                 "timed out",
	ErrKidsPassportWithoutParentalConsent: "kids passport without parental consent",
	ErrPassportNotYetVerified:   "passport not yet verified",
	ErrManagedUserLimitedAccess: "managed user limited access",
	ErrManagedUserBlocked:       "managed user blocked",
	ErrAccountNotOnThisServer:   "account not on this server",
}

// ParseErrorCode decodes an all-digit command verb into an ErrorCode.
// The second return is false when the verb is not purely numeric.
func ParseErrorCode(verb string) (ErrorCode, bool) {
	if verb == "" {
		return 0, false
	}
	for _, r := range verb {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(verb)
	if err != nil {
		return 0, false
	}
	return ErrorCode(n), true
}

func (e ErrorCode) String() string {
	if name, ok := errorNames[e]; ok {
		return name
	}
	return "unknown server error " + strconv.Itoa(int(e))
}

// ServerError wraps an ErrorCode as a Go error for event payloads.
type ServerError struct {
	Code ErrorCode
	TrID uint32
}

func (e *ServerError) Error() string {
	return "server error " + strconv.Itoa(int(e.Code)) + ": " + e.Code.String()
}
