package randao

import (
	"errors"

	"github.com/relves/randao/internal/ledger"
)

var (
	// Identifier exhaustion
	ErrIdentifierOverflow = errors.New("randao: identifier overflow")

	// Authorization
	ErrNotGovernance  = errors.New("randao: caller is not governance")
	ErrNotCoordinator = errors.New("randao: caller is not the group coordinator")

	// Validation
	ErrInvalidGroupParams = errors.New("randao: invalid group parameters")
	ErrInvalidMembership  = errors.New("randao: invalid membership change")

	// Not found
	ErrGroupNotFound   = errors.New("randao: group not found")
	ErrRequestNotFound = errors.New("randao: request not found")

	// Membership
	ErrGroupEmpty                = errors.New("randao: group has no bonded members")
	ErrNotAMember                = errors.New("randao: caller is not a member")
	ErrMemberHasActiveObligation = errors.New("randao: member has an open request")
	ErrGroupHasOpenRequests      = errors.New("randao: group has open requests")

	// Phase and window violations
	ErrNotInCommitWindow      = errors.New("randao: not in commit window")
	ErrNotInRevealWindow      = errors.New("randao: not in reveal window")
	ErrRevealWindowNotElapsed = errors.New("randao: reveal window not elapsed")

	// Protocol misuse
	ErrAlreadyCommitted   = errors.New("randao: already committed")
	ErrAlreadyRevealed    = errors.New("randao: already revealed")
	ErrAlreadyFinalized   = errors.New("randao: already finalized")
	ErrNoCommitment       = errors.New("randao: no commitment")
	ErrCommitmentMismatch = errors.New("randao: secret does not match commitment")
)

// Class groups error codes by how a caller should react to them.
type Class int

const (
	ClassInternal Class = iota
	ClassValidation
	ClassAuthorization
	ClassNotFound
	ClassConflict
	ClassFunds
)

var codes = []struct {
	err   error
	name  string
	class Class
}{
	{ErrIdentifierOverflow, "IdentifierOverflow", ClassConflict},
	{ErrNotGovernance, "NotGovernance", ClassAuthorization},
	{ErrNotCoordinator, "NotCoordinator", ClassAuthorization},
	{ErrInvalidGroupParams, "InvalidGroupParams", ClassValidation},
	{ErrInvalidMembership, "InvalidMembership", ClassValidation},
	{ErrGroupNotFound, "GroupNotFound", ClassNotFound},
	{ErrRequestNotFound, "RequestNotFound", ClassNotFound},
	{ErrGroupEmpty, "GroupEmpty", ClassConflict},
	{ErrNotAMember, "NotAMember", ClassConflict},
	{ErrMemberHasActiveObligation, "MemberHasActiveObligation", ClassConflict},
	{ErrGroupHasOpenRequests, "GroupHasOpenRequests", ClassConflict},
	{ErrNotInCommitWindow, "NotInCommitWindow", ClassConflict},
	{ErrNotInRevealWindow, "NotInRevealWindow", ClassConflict},
	{ErrRevealWindowNotElapsed, "RevealWindowNotElapsed", ClassConflict},
	{ErrAlreadyCommitted, "AlreadyCommitted", ClassConflict},
	{ErrAlreadyRevealed, "AlreadyRevealed", ClassConflict},
	{ErrAlreadyFinalized, "AlreadyFinalized", ClassConflict},
	{ErrNoCommitment, "NoCommitment", ClassConflict},
	{ErrCommitmentMismatch, "CommitmentMismatch", ClassConflict},
	{ledger.ErrInsufficientBalance, "InsufficientBalance", ClassFunds},
}

// ErrorCode returns the stable name and class of err. Unknown errors map to
// "Internal".
func ErrorCode(err error) (string, Class) {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.name, c.class
		}
	}
	return "Internal", ClassInternal
}
