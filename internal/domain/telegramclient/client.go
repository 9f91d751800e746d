// Package telegramclient declares the injectable port the core dispatches
// through. The wire protocol itself, proxy pools, and SMS verification are
// external collaborators; only this interface and the closed outcome type
// are part of the core's contract.
package telegramclient

import "context"

// Client is the subset of Telegram operations the dispatcher needs. A real
// implementation lives in internal/adapters/telegramclient, backed by
// gotd/td; tests substitute a fake.
type Client interface {
	// SendMessage sends text from accountID to targetID and reports the
	// outcome as a closed sum type, never a bare error string.
	SendMessage(ctx context.Context, accountID, targetID, text string) Outcome
}

// OutcomeKind enumerates the closed set of send outcomes the core reacts to.
type OutcomeKind int

const (
	// OutcomeSuccess means the message was accepted by the server.
	OutcomeSuccess OutcomeKind = iota
	// OutcomeFloodWait means the server asked us to back off for Seconds.
	OutcomeFloodWait
	// OutcomeUserBlocked means the recipient has blocked this account.
	OutcomeUserBlocked
	// OutcomeUserPrivacyRestricted means the recipient's privacy settings
	// forbid direct messages from this account.
	OutcomeUserPrivacyRestricted
	// OutcomePeerIDInvalid means the target id does not resolve to a peer.
	OutcomePeerIDInvalid
	// OutcomeUserDeactivated means the target account has been deleted.
	OutcomeUserDeactivated
	// OutcomeUserBannedInChannel means the target is banned from the
	// relevant chat/channel context.
	OutcomeUserBannedInChannel
	// OutcomeGeneric is any other transient failure, including timeouts.
	OutcomeGeneric
)

// Outcome is the closed sum type a Client.SendMessage call returns.
type Outcome struct {
	Kind    OutcomeKind
	Seconds int    // populated only for OutcomeFloodWait
	Message string // human-readable detail, mainly for OutcomeGeneric
}

// Success reports whether the outcome represents a successful send.
func (o Outcome) Success() bool { return o.Kind == OutcomeSuccess }

// Terminal reports whether the outcome should be recorded as a terminal
// CampaignMessage status with no retry: every kind except FloodWait, which
// requeues. Generic/timeout is terminal too.
func (o Outcome) Terminal() bool { return o.Kind != OutcomeFloodWait }

// IsInvalidUser groups the outcomes spec.md treats as "target unreachable".
func (o Outcome) IsInvalidUser() bool {
	switch o.Kind {
	case OutcomePeerIDInvalid, OutcomeUserDeactivated, OutcomeUserBannedInChannel:
		return true
	default:
		return false
	}
}

// MemberStore is the read-only external collaborator target profiles come
// from. The dispatcher calls GetMember once per target; it does not use
// GetMembersBatch.
type MemberStore interface {
	GetMember(ctx context.Context, targetID string) (Member, error)
	GetMembersBatch(ctx context.Context, targetIDs []string) ([]Member, error)
}

// Member is the subset of a scraped profile the template renderer needs.
type Member struct {
	UserID    string
	Username  string
	FirstName string
	LastName  string
	Phone     string
}
