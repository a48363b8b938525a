package postgres

import (
	"context"
	"database/sql"
	"strings"

	"github.com/google/uuid"
	"github.com/znz-systems/mailslot/internal/models"
	"github.com/znz-systems/mailslot/internal/store"
)

const accountColumns = `id, inbound_address, custom_alias, plan, private_content, stored_message_count, created_at, updated_at`

type AccountStore struct {
	db *sql.DB
}

func NewAccountStore(db *sql.DB) *AccountStore {
	return &AccountStore{db: db}
}

func (s *AccountStore) CreateAccount(ctx context.Context, account *models.Account) error {
	if account.ID == uuid.Nil {
		account.ID = uuid.New()
	}
	if account.Plan == "" {
		account.Plan = models.PlanFree
	}
	account.InboundAddress = strings.ToLower(strings.TrimSpace(account.InboundAddress))
	if account.CustomAlias != nil {
		alias := strings.ToLower(strings.TrimSpace(*account.CustomAlias))
		account.CustomAlias = &alias
	}

	err := s.db.QueryRowContext(ctx,
		`INSERT INTO accounts (id, inbound_address, custom_alias, plan, private_content)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING stored_message_count, created_at, updated_at`,
		account.ID, account.InboundAddress, account.CustomAlias, account.Plan, account.PrivateContent,
	).Scan(&account.StoredMessageCount, &account.CreatedAt, &account.UpdatedAt)
	if isUniqueViolation(err) {
		return store.ErrDuplicate
	}
	return err
}

func (s *AccountStore) GetAccount(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	return scanAccount(s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1`,
		id,
	))
}

func (s *AccountStore) FindAccountsByAddress(ctx context.Context, address string) ([]models.Account, error) {
	address = strings.ToLower(strings.TrimSpace(address))
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+accountColumns+`
		 FROM accounts
		 WHERE lower(inbound_address) = $1
		    OR (plan = 'pro' AND lower(custom_alias) = $1)
		 ORDER BY created_at ASC`,
		address,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	accounts := make([]models.Account, 0, 1)
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *account)
	}
	return accounts, rows.Err()
}

func scanAccount(scanner rowScanner) (*models.Account, error) {
	var a models.Account
	if err := scanner.Scan(
		&a.ID, &a.InboundAddress, &a.CustomAlias, &a.Plan, &a.PrivateContent,
		&a.StoredMessageCount, &a.CreatedAt, &a.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &a, nil
}
