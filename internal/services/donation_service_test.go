package services

import (
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/masjidlink/backend/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDonationService_Donate(t *testing.T) {
	donorAccount := "1111111111"
	scholarAccount := "2222222222"

	newFixture := func(t *testing.T) (*DonationService, sqlmock.Sqlmock, func()) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		service := NewDonationService(db, NewLedgerService(db), &config.LedgerConfig{})
		return service, mock, func() { db.Close() }
	}

	t.Run("donation moves coins and returns new balance", func(t *testing.T) {
		service, mock, cleanup := newFixture(t)
		defer cleanup()

		mock.ExpectQuery("SELECT account_id FROM users WHERE id = \\$1::integer").
			WithArgs("1").
			WillReturnRows(sqlmock.NewRows([]string{"account_id"}).AddRow(donorAccount))

		mock.ExpectQuery("SELECT account_id, full_name FROM users").
			WithArgs(9).
			WillReturnRows(sqlmock.NewRows([]string{"account_id", "full_name"}).
				AddRow(scholarAccount, "Ustadh Kareem"))

		mock.ExpectBegin()

		mock.ExpectQuery(lockAccountQuery).
			WithArgs(donorAccount).
			WillReturnRows(accountRow(donorAccount, 100, 1))

		mock.ExpectQuery(lockAccountQuery).
			WithArgs(scholarAccount).
			WillReturnRows(accountRow(scholarAccount, 0, 1))

		mock.ExpectExec(insertTxQuery).
			WithArgs(sqlmock.AnyArg(), donorAccount, scholarAccount, int64(-25), "donation",
				"Zakat donation to Ustadh Kareem during \"Friday Tafsir\"", sqlmock.AnyArg(),
				"completed", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectExec(insertTxQuery).
			WithArgs(sqlmock.AnyArg(), scholarAccount, donorAccount, int64(25), "donation",
				"Zakat donation to Ustadh Kareem during \"Friday Tafsir\"", sqlmock.AnyArg(),
				"completed", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectExec(updateBalanceQuery).
			WithArgs(int64(75), sqlmock.AnyArg(), donorAccount, 1).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectExec(updateBalanceQuery).
			WithArgs(int64(25), sqlmock.AnyArg(), scholarAccount, 1).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectCommit()

		mock.ExpectQuery("SELECT balance FROM accounts WHERE account_id = \\$1").
			WithArgs(donorAccount).
			WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(75))

		newBalance, err := service.Donate("1", 9, 25, "Friday Tafsir")
		require.NoError(t, err)
		assert.Equal(t, int64(75), newBalance)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("insufficient balance leaves balances unchanged", func(t *testing.T) {
		service, mock, cleanup := newFixture(t)
		defer cleanup()

		mock.ExpectQuery("SELECT account_id FROM users WHERE id = \\$1::integer").
			WithArgs("1").
			WillReturnRows(sqlmock.NewRows([]string{"account_id"}).AddRow(donorAccount))

		mock.ExpectQuery("SELECT account_id, full_name FROM users").
			WithArgs(9).
			WillReturnRows(sqlmock.NewRows([]string{"account_id", "full_name"}).
				AddRow(scholarAccount, "Ustadh Kareem"))

		mock.ExpectBegin()

		mock.ExpectQuery(lockAccountQuery).
			WithArgs(donorAccount).
			WillReturnRows(accountRow(donorAccount, 5, 1))

		mock.ExpectQuery(lockAccountQuery).
			WithArgs(scholarAccount).
			WillReturnRows(accountRow(scholarAccount, 0, 1))

		mock.ExpectRollback()

		_, err := service.Donate("1", 9, 25, "")
		assert.ErrorIs(t, err, ErrInsufficientBalance)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown scholar", func(t *testing.T) {
		service, mock, cleanup := newFixture(t)
		defer cleanup()

		mock.ExpectQuery("SELECT account_id FROM users WHERE id = \\$1::integer").
			WithArgs("1").
			WillReturnRows(sqlmock.NewRows([]string{"account_id"}).AddRow(donorAccount))

		mock.ExpectQuery("SELECT account_id, full_name FROM users").
			WithArgs(404).
			WillReturnRows(sqlmock.NewRows([]string{"account_id", "full_name"}))

		_, err := service.Donate("1", 404, 25, "")
		assert.ErrorIs(t, err, ErrAccountNotFound)
	})
}
