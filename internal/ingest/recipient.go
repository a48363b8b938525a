package ingest

import (
	"context"
	"fmt"

	"github.com/znz-systems/mailslot/internal/models"
	"github.com/znz-systems/mailslot/internal/store"
)

// RecipientResolver maps a recipient address onto exactly one account.
type RecipientResolver struct {
	accounts store.AccountStore
}

func NewRecipientResolver(accounts store.AccountStore) *RecipientResolver {
	return &RecipientResolver{accounts: accounts}
}

// Resolve matches the address case-insensitively against system addresses and
// against custom aliases of pro accounts.
func (r *RecipientResolver) Resolve(ctx context.Context, to string) (*models.Account, error) {
	address := NormalizeEmail(to)
	matches, err := r.accounts.FindAccountsByAddress(ctx, address)
	if err != nil {
		return nil, stageError(CodeRecipientLookup, "resolve recipient", err)
	}

	switch len(matches) {
	case 0:
		return nil, ErrUnknownRecipient
	case 1:
		return &matches[0], nil
	default:
		return nil, fmt.Errorf("%w: %s matched %d accounts", ErrAmbiguousRecipient, address, len(matches))
	}
}
