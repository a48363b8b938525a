package ingest

import (
	"context"

	"github.com/google/uuid"
	"github.com/znz-systems/mailslot/internal/models"
	"github.com/znz-systems/mailslot/internal/store"
)

// SenderFolderResolver gets or creates the global sender record and the
// account's folder for it.
type SenderFolderResolver struct {
	tx store.Transactor
}

func NewSenderFolderResolver(tx store.Transactor) *SenderFolderResolver {
	return &SenderFolderResolver{tx: tx}
}

type Resolution struct {
	Sender        models.Sender
	Folder        models.Folder
	FolderCreated bool
}

// Resolve is safe to call concurrently for the same sender and account; both
// callers end up with the same records.
func (r *SenderFolderResolver) Resolve(ctx context.Context, accountID uuid.UUID, senderEmail, senderName string) (*Resolution, error) {
	email := NormalizeEmail(senderEmail)
	var res Resolution

	err := r.tx.WithTx(ctx, func(tx store.Tx) error {
		sender, err := tx.UpsertSender(ctx, email, senderName)
		if err != nil {
			return stageError(CodeSenderResolve, "resolve sender", err)
		}

		folderName := sender.Name
		if folderName == "" {
			folderName = sender.Email
		}
		folder, created, err := tx.UpsertFolder(ctx, accountID, sender.ID, folderName)
		if err != nil {
			return stageError(CodeFolderResolve, "resolve folder", err)
		}
		if created {
			if err := tx.IncrementSenderSubscribers(ctx, sender.ID); err != nil {
				return stageError(CodeFolderResolve, "count subscriber", err)
			}
			sender.SubscriberCount++
		}

		res = Resolution{Sender: *sender, Folder: *folder, FolderCreated: created}
		return nil
	})
	if err != nil {
		return nil, stageError(CodeSenderResolve, "resolve sender", err)
	}
	return &res, nil
}
