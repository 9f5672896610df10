package services

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/masjidlink/backend/internal/audit"
	"github.com/masjidlink/backend/internal/models"
)

// LedgerService is the only component allowed to mutate coin balances. Every
// operation runs inside a single database transaction: both account rows are
// locked FOR UPDATE in ascending id order, the transaction log rows are
// written, and the balances are updated with an optimistic version check.
// Internal transfers conserve the total coin supply; only CreditTx and
// WithdrawHoldTx cross the external-money boundary.
type LedgerService struct {
	db    *sql.DB
	audit *audit.Logger
}

// TransferParams describes one logical transfer. The debit row and credit
// row written for it share PaymentReference for correlation.
type TransferParams struct {
	FromAccountID    string
	ToAccountID      string
	Amount           int64 // coins, must be > 0
	Kind             models.TransactionKind
	Description      string
	PaymentReference string
}

func NewLedgerService(db *sql.DB) *LedgerService {
	return &LedgerService{
		db:    db,
		audit: audit.NewLogger(),
	}
}

// Transfer moves coins between two accounts in its own transaction.
func (s *LedgerService) Transfer(p TransferParams) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := s.TransferTx(tx, p); err != nil {
		s.audit.LogError(p.PaymentReference, p.FromAccountID, err)
		return err
	}

	if err := tx.Commit(); err != nil {
		s.audit.LogError(p.PaymentReference, p.FromAccountID, err)
		return err
	}

	s.audit.LogTransfer(p.PaymentReference, p.FromAccountID, p.ToAccountID, p.Amount, "SUCCESS")
	return nil
}

// TransferTx performs the transfer inside the caller's transaction, so
// composite operations (booking + payment) commit or roll back as one unit.
func (s *LedgerService) TransferTx(tx *sql.Tx, p TransferParams) error {
	if p.Amount <= 0 {
		return ErrInvalidAmount
	}
	if p.FromAccountID == p.ToAccountID {
		return ErrSameAccount
	}

	// Lock accounts in consistent order to prevent deadlocks.
	firstLock, secondLock := p.FromAccountID, p.ToAccountID
	if p.FromAccountID > p.ToAccountID {
		firstLock, secondLock = p.ToAccountID, p.FromAccountID
	}

	fromAccount, err := s.lockAccount(tx, firstLock)
	if err != nil {
		return err
	}

	toAccount, err := s.lockAccount(tx, secondLock)
	if err != nil {
		return err
	}

	if firstLock != p.FromAccountID {
		fromAccount, toAccount = toAccount, fromAccount
	}

	if fromAccount.Balance < p.Amount {
		return ErrInsufficientBalance
	}

	debit := models.CoinTransaction{
		TransactionID:         uuid.New().String(),
		ActorAccountID:        fromAccount.ID,
		CounterpartyAccountID: toAccount.ID,
		Amount:                -p.Amount,
		Kind:                  p.Kind,
		Description:           p.Description,
		PaymentReference:      p.PaymentReference,
		Status:                models.TxCompleted,
	}
	if err := s.insertTransactionTx(tx, &debit); err != nil {
		return err
	}

	credit := models.CoinTransaction{
		TransactionID:         uuid.New().String(),
		ActorAccountID:        toAccount.ID,
		CounterpartyAccountID: fromAccount.ID,
		Amount:                p.Amount,
		Kind:                  p.Kind,
		Description:           p.Description,
		PaymentReference:      p.PaymentReference,
		Status:                models.TxCompleted,
	}
	if err := s.insertTransactionTx(tx, &credit); err != nil {
		return err
	}

	if err := s.updateAccountBalance(tx, fromAccount.ID, fromAccount.Balance-p.Amount, fromAccount.Version); err != nil {
		return err
	}

	if err := s.updateAccountBalance(tx, toAccount.ID, toAccount.Balance+p.Amount, toAccount.Version); err != nil {
		return err
	}

	return nil
}

// Refund reverses a previous transfer. Idempotency is the caller's concern:
// cancellation flows guard on booking status, webhook flows on the event
// table.
func (s *LedgerService) Refund(originalReference, fromAccountID, toAccountID string, amount int64, reason string) error {
	return s.Transfer(TransferParams{
		FromAccountID:    fromAccountID,
		ToAccountID:      toAccountID,
		Amount:           amount,
		Kind:             models.KindRefund,
		Description:      fmt.Sprintf("Refund: %s", reason),
		PaymentReference: originalReference,
	})
}

// RefundTx is Refund inside the caller's transaction.
func (s *LedgerService) RefundTx(tx *sql.Tx, originalReference, fromAccountID, toAccountID string, amount int64, reason string) error {
	return s.TransferTx(tx, TransferParams{
		FromAccountID:    fromAccountID,
		ToAccountID:      toAccountID,
		Amount:           amount,
		Kind:             models.KindRefund,
		Description:      fmt.Sprintf("Refund: %s", reason),
		PaymentReference: originalReference,
	})
}

// CreditTx credits a single account. This crosses the external-money
// boundary (deposits, gateway donations, failed-withdrawal refunds) and is
// the only way the coin supply grows.
func (s *LedgerService) CreditTx(tx *sql.Tx, accountID string, coins int64, kind models.TransactionKind, description, reference string) error {
	if coins <= 0 {
		return ErrInvalidAmount
	}

	account, err := s.lockAccount(tx, accountID)
	if err != nil {
		return err
	}

	entry := models.CoinTransaction{
		TransactionID:    uuid.New().String(),
		ActorAccountID:   account.ID,
		Amount:           coins,
		Kind:             kind,
		Description:      description,
		PaymentReference: reference,
		Status:           models.TxCompleted,
	}
	if err := s.insertTransactionTx(tx, &entry); err != nil {
		return err
	}

	return s.updateAccountBalance(tx, account.ID, account.Balance+coins, account.Version)
}

// WithdrawHoldTx debits a single account ahead of an external payout. The
// matching transaction row stays pending until the gateway confirms or
// fails the transfer.
func (s *LedgerService) WithdrawHoldTx(tx *sql.Tx, accountID string, coins int64, reference string) error {
	if coins <= 0 {
		return ErrInvalidAmount
	}

	account, err := s.lockAccount(tx, accountID)
	if err != nil {
		return err
	}

	if account.Balance < coins {
		return ErrInsufficientBalance
	}

	entry := models.CoinTransaction{
		TransactionID:    uuid.New().String(),
		ActorAccountID:   account.ID,
		Amount:           -coins,
		Kind:             models.KindWithdrawal,
		Description:      "Withdrawal to bank account",
		PaymentReference: reference,
		Status:           models.TxPending,
	}
	if err := s.insertTransactionTx(tx, &entry); err != nil {
		return err
	}

	return s.updateAccountBalance(tx, account.ID, account.Balance-coins, account.Version)
}

// GetBalance reads the current balance without locking.
func (s *LedgerService) GetBalance(accountID string) (int64, error) {
	var balance int64
	err := s.db.QueryRow(`
		SELECT balance FROM accounts WHERE account_id = $1`, accountID).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, ErrAccountNotFound
	}
	if err != nil {
		return 0, err
	}
	return balance, nil
}

func (s *LedgerService) lockAccount(tx *sql.Tx, accountID string) (*models.Account, error) {
	var account models.Account
	err := tx.QueryRow(`
		SELECT account_id, balance, version, updated_at
		FROM accounts
		WHERE account_id = $1
		FOR UPDATE`, accountID).Scan(&account.ID, &account.Balance, &account.Version, &account.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}
	if err != nil {
		return nil, err
	}

	return &account, nil
}

func (s *LedgerService) insertTransactionTx(tx *sql.Tx, entry *models.CoinTransaction) error {
	entry.CreatedAt = time.Now()
	_, err := tx.Exec(`
		INSERT INTO coin_transactions
		(transaction_id, actor_account_id, counterparty_account_id, amount, kind, description, payment_reference, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		entry.TransactionID, entry.ActorAccountID, nullableString(entry.CounterpartyAccountID),
		entry.Amount, string(entry.Kind), entry.Description, nullableString(entry.PaymentReference),
		string(entry.Status), entry.CreatedAt)
	return err
}

func (s *LedgerService) updateAccountBalance(tx *sql.Tx, accountID string, newBalance int64, version int) error {
	if newBalance < 0 {
		return ErrInsufficientBalance
	}

	result, err := tx.Exec(`
		UPDATE accounts
		SET balance = $1, version = version + 1, updated_at = $2
		WHERE account_id = $3 AND version = $4`,
		newBalance, time.Now(), accountID, version)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return fmt.Errorf("%w: account %s", ErrLedgerConflict, accountID)
	}

	return nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
