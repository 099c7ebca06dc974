package service

import (
	"context"
	"errors"

	"github.com/coparently/backend/pkg/billing"
	"github.com/rs/zerolog"
)

// Ownership rejection reasons, machine-readable for the caller.
const (
	ReasonMissingSessionID = "missing_session_id"
	ReasonMissingAccountID = "missing_account_id"
	ReasonInvalidSessionID = "invalid_session_id"
	ReasonAccountMismatch  = "session_account_mismatch"
	ReasonProviderError    = "provider_error"
)

// OwnershipResult is the outcome of verifying a checkout session claim.
// Session is populated whenever the provider returned one, valid or not.
type OwnershipResult struct {
	Valid   bool
	Reason  string
	Session *billing.CheckoutSession
}

// OwnershipVerifier confirms that a client-supplied checkout session is
// bound to the account claiming it, by re-fetching the session from the
// provider and comparing its embedded client reference. Without this check a
// client could present someone else's session id and claim premium for
// itself.
type OwnershipVerifier struct {
	billing billing.Client
	log     zerolog.Logger
}

func NewOwnershipVerifier(client billing.Client, log zerolog.Logger) *OwnershipVerifier {
	return &OwnershipVerifier{
		billing: client,
		log:     log.With().Str("component", "ownership").Logger(),
	}
}

// Verify checks that sessionID belongs to claimedAccountID. The error return
// is reserved for infrastructure failures; business rejections come back as
// (Valid=false, Reason).
func (v *OwnershipVerifier) Verify(ctx context.Context, sessionID, claimedAccountID string) (OwnershipResult, error) {
	if sessionID == "" {
		return OwnershipResult{Reason: ReasonMissingSessionID}, nil
	}
	if claimedAccountID == "" {
		return OwnershipResult{Reason: ReasonMissingAccountID}, nil
	}

	sess, err := v.billing.RetrieveSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, billing.ErrNotFound) {
			return OwnershipResult{Reason: ReasonInvalidSessionID}, nil
		}
		v.log.Warn().Err(err).Str("session_id", sessionID).Msg("session retrieval failed during ownership check")
		return OwnershipResult{Reason: ReasonProviderError}, err
	}

	if sess.ClientReference != claimedAccountID {
		v.log.Warn().
			Str("session_id", sessionID).
			Str("claimed_account", claimedAccountID).
			Msg("checkout session ownership mismatch")
		return OwnershipResult{Reason: ReasonAccountMismatch, Session: sess}, nil
	}

	return OwnershipResult{Valid: true, Session: sess}, nil
}
