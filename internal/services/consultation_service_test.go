package services

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/masjidlink/backend/internal/config"
	"github.com/masjidlink/backend/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newConsultationFixture(t *testing.T) (*ConsultationService, sqlmock.Sqlmock, func()) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	cfg := &config.LedgerConfig{
		DefaultConsultFee: 30,
		ExtensionCost:     5,
		ExtensionDuration: 15 * time.Minute,
	}
	service := NewConsultationService(db, NewLedgerService(db), cfg)
	return service, mock, func() { db.Close() }
}

func expectScholarLookup(mock sqlmock.Sqlmock, scholarID int, accountID string, online bool, fee int64) {
	mock.ExpectQuery("SELECT id, account_id, full_name, is_online, consultation_fee").
		WithArgs(scholarID).
		WillReturnRows(sqlmock.NewRows(
			[]string{"id", "account_id", "full_name", "is_online", "consultation_fee"}).
			AddRow(scholarID, accountID, "Ustadh Kareem", online, fee))
}

func TestConsultationService_Book(t *testing.T) {
	userAccount := "1111111111"
	scholarAccount := "2222222222"

	t.Run("booking and payment commit together", func(t *testing.T) {
		service, mock, cleanup := newConsultationFixture(t)
		defer cleanup()

		mock.ExpectQuery("SELECT account_id FROM users WHERE id = \\$1::integer").
			WithArgs("1").
			WillReturnRows(sqlmock.NewRows([]string{"account_id"}).AddRow(userAccount))

		expectScholarLookup(mock, 9, scholarAccount, true, 30)

		mock.ExpectQuery("SELECT 1 FROM bookings").
			WithArgs("1", 9).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

		mock.ExpectBegin()

		mock.ExpectQuery("INSERT INTO bookings").
			WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow(1))

		mock.ExpectQuery(lockAccountQuery).
			WithArgs(userAccount).
			WillReturnRows(accountRow(userAccount, 100, 1))

		mock.ExpectQuery(lockAccountQuery).
			WithArgs(scholarAccount).
			WillReturnRows(accountRow(scholarAccount, 0, 1))

		mock.ExpectExec(insertTxQuery).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec(insertTxQuery).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectExec(updateBalanceQuery).
			WithArgs(int64(70), sqlmock.AnyArg(), userAccount, 1).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectExec(updateBalanceQuery).
			WithArgs(int64(30), sqlmock.AnyArg(), scholarAccount, 1).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectCommit()

		booking, err := service.Book("1", 9, "Inheritance questions")
		require.NoError(t, err)
		assert.Equal(t, models.BookingPending, booking.Status)
		assert.Equal(t, int64(30), booking.AmountPaid)
		assert.NotEmpty(t, booking.PaymentReference)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("offline scholar refused before any write", func(t *testing.T) {
		service, mock, cleanup := newConsultationFixture(t)
		defer cleanup()

		mock.ExpectQuery("SELECT account_id FROM users WHERE id = \\$1::integer").
			WithArgs("1").
			WillReturnRows(sqlmock.NewRows([]string{"account_id"}).AddRow(userAccount))

		expectScholarLookup(mock, 9, scholarAccount, false, 30)

		_, err := service.Book("1", 9, "Inheritance questions")
		assert.ErrorIs(t, err, ErrScholarOffline)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("duplicate active booking refused", func(t *testing.T) {
		service, mock, cleanup := newConsultationFixture(t)
		defer cleanup()

		mock.ExpectQuery("SELECT account_id FROM users WHERE id = \\$1::integer").
			WithArgs("1").
			WillReturnRows(sqlmock.NewRows([]string{"account_id"}).AddRow(userAccount))

		expectScholarLookup(mock, 9, scholarAccount, true, 30)

		mock.ExpectQuery("SELECT 1 FROM bookings").
			WithArgs("1", 9).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

		_, err := service.Book("1", 9, "Inheritance questions")
		assert.ErrorIs(t, err, ErrDuplicateActiveBooking)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("failed payment rolls the booking back", func(t *testing.T) {
		service, mock, cleanup := newConsultationFixture(t)
		defer cleanup()

		mock.ExpectQuery("SELECT account_id FROM users WHERE id = \\$1::integer").
			WithArgs("1").
			WillReturnRows(sqlmock.NewRows([]string{"account_id"}).AddRow(userAccount))

		expectScholarLookup(mock, 9, scholarAccount, true, 30)

		mock.ExpectQuery("SELECT 1 FROM bookings").
			WithArgs("1", 9).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

		mock.ExpectBegin()

		mock.ExpectQuery("INSERT INTO bookings").
			WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow(1))

		mock.ExpectQuery(lockAccountQuery).
			WithArgs(userAccount).
			WillReturnRows(accountRow(userAccount, 10, 1)) // cannot cover the fee

		mock.ExpectQuery(lockAccountQuery).
			WithArgs(scholarAccount).
			WillReturnRows(accountRow(scholarAccount, 0, 1))

		mock.ExpectRollback()

		_, err := service.Book("1", 9, "Inheritance questions")
		assert.ErrorIs(t, err, ErrInsufficientBalance)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("default fee applies when scholar has none", func(t *testing.T) {
		service, mock, cleanup := newConsultationFixture(t)
		defer cleanup()

		mock.ExpectQuery("SELECT account_id FROM users WHERE id = \\$1::integer").
			WithArgs("1").
			WillReturnRows(sqlmock.NewRows([]string{"account_id"}).AddRow(userAccount))

		expectScholarLookup(mock, 9, scholarAccount, true, 0)

		mock.ExpectQuery("SELECT 1 FROM bookings").
			WithArgs("1", 9).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

		mock.ExpectBegin()

		mock.ExpectQuery("INSERT INTO bookings").
			WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow(1))

		mock.ExpectQuery(lockAccountQuery).
			WithArgs(userAccount).
			WillReturnRows(accountRow(userAccount, 100, 1))

		mock.ExpectQuery(lockAccountQuery).
			WithArgs(scholarAccount).
			WillReturnRows(accountRow(scholarAccount, 0, 1))

		mock.ExpectExec(insertTxQuery).WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec(insertTxQuery).WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectExec(updateBalanceQuery).
			WithArgs(int64(70), sqlmock.AnyArg(), userAccount, 1).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec(updateBalanceQuery).
			WithArgs(int64(30), sqlmock.AnyArg(), scholarAccount, 1).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectCommit()

		booking, err := service.Book("1", 9, "Fiqh of fasting")
		require.NoError(t, err)
		assert.Equal(t, int64(30), booking.AmountPaid)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestConsultationService_Cancel(t *testing.T) {
	userAccount := "1111111111"
	scholarAccount := "2222222222"

	bookingRows := func(startedAt *time.Time) *sqlmock.Rows {
		return sqlmock.NewRows([]string{
			"id", "user_id", "scholar_id", "amount_paid", "status", "payment_reference", "session_started_at"}).
			AddRow("bk-1", 1, 9, 30, "confirmed", "cons-ref", startedAt)
	}

	t.Run("refund flows scholar back to user", func(t *testing.T) {
		service, mock, cleanup := newConsultationFixture(t)
		defer cleanup()

		mock.ExpectBegin()

		mock.ExpectQuery("SELECT id, user_id, scholar_id, amount_paid, status, payment_reference, session_started_at").
			WithArgs("bk-1", "1").
			WillReturnRows(bookingRows(nil))

		mock.ExpectQuery("SELECT account_id FROM users WHERE id = \\$1::integer").
			WithArgs("1").
			WillReturnRows(sqlmock.NewRows([]string{"account_id"}).AddRow(userAccount))

		expectScholarLookup(mock, 9, scholarAccount, true, 30)

		mock.ExpectQuery(lockAccountQuery).
			WithArgs(userAccount).
			WillReturnRows(accountRow(userAccount, 70, 2))

		mock.ExpectQuery(lockAccountQuery).
			WithArgs(scholarAccount).
			WillReturnRows(accountRow(scholarAccount, 30, 2))

		mock.ExpectExec(insertTxQuery).
			WithArgs(sqlmock.AnyArg(), scholarAccount, userAccount, int64(-30), "refund",
				"Refund: consultation cancelled", "cons-ref", "completed", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectExec(insertTxQuery).
			WithArgs(sqlmock.AnyArg(), userAccount, scholarAccount, int64(30), "refund",
				"Refund: consultation cancelled", "cons-ref", "completed", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectExec(updateBalanceQuery).
			WithArgs(int64(0), sqlmock.AnyArg(), scholarAccount, 2).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectExec(updateBalanceQuery).
			WithArgs(int64(100), sqlmock.AnyArg(), userAccount, 2).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectExec("UPDATE bookings SET status = 'cancelled'").
			WithArgs("bk-1").
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectCommit()

		err := service.Cancel("1", "bk-1")
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("started session cannot be cancelled", func(t *testing.T) {
		service, mock, cleanup := newConsultationFixture(t)
		defer cleanup()

		started := time.Now().Add(-5 * time.Minute)

		mock.ExpectBegin()

		mock.ExpectQuery("SELECT id, user_id, scholar_id, amount_paid, status, payment_reference, session_started_at").
			WithArgs("bk-1", "1").
			WillReturnRows(bookingRows(&started))

		mock.ExpectRollback()

		err := service.Cancel("1", "bk-1")
		assert.ErrorIs(t, err, ErrSessionAlreadyStarted)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown booking", func(t *testing.T) {
		service, mock, cleanup := newConsultationFixture(t)
		defer cleanup()

		mock.ExpectBegin()

		mock.ExpectQuery("SELECT id, user_id, scholar_id, amount_paid, status, payment_reference, session_started_at").
			WithArgs("bk-404", "1").
			WillReturnRows(sqlmock.NewRows([]string{
				"id", "user_id", "scholar_id", "amount_paid", "status", "payment_reference", "session_started_at"}))

		mock.ExpectRollback()

		err := service.Cancel("1", "bk-404")
		assert.ErrorIs(t, err, ErrBookingNotFound)
	})
}

func TestConsultationService_Extend(t *testing.T) {
	userAccount := "1111111111"
	scholarAccount := "2222222222"

	t.Run("extension charges and pushes the end out", func(t *testing.T) {
		service, mock, cleanup := newConsultationFixture(t)
		defer cleanup()

		started := time.Now().Add(-10 * time.Minute)
		endsAt := time.Now().Add(5 * time.Minute)

		mock.ExpectBegin()

		mock.ExpectQuery("SELECT scholar_id, payment_reference, session_started_at, session_ends_at").
			WithArgs("bk-1", "1").
			WillReturnRows(sqlmock.NewRows(
				[]string{"scholar_id", "payment_reference", "session_started_at", "session_ends_at"}).
				AddRow(9, "cons-ref", started, endsAt))

		mock.ExpectQuery("SELECT account_id FROM users WHERE id = \\$1::integer").
			WithArgs("1").
			WillReturnRows(sqlmock.NewRows([]string{"account_id"}).AddRow(userAccount))

		expectScholarLookup(mock, 9, scholarAccount, true, 30)

		mock.ExpectQuery(lockAccountQuery).
			WithArgs(userAccount).
			WillReturnRows(accountRow(userAccount, 20, 3))

		mock.ExpectQuery(lockAccountQuery).
			WithArgs(scholarAccount).
			WillReturnRows(accountRow(scholarAccount, 30, 3))

		mock.ExpectExec(insertTxQuery).WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec(insertTxQuery).WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectExec(updateBalanceQuery).
			WithArgs(int64(15), sqlmock.AnyArg(), userAccount, 3).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec(updateBalanceQuery).
			WithArgs(int64(35), sqlmock.AnyArg(), scholarAccount, 3).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectExec("UPDATE bookings SET session_ends_at = \\$1").
			WithArgs(sqlmock.AnyArg(), "bk-1").
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectCommit()

		newEnd, err := service.Extend("1", "bk-1")
		require.NoError(t, err)
		assert.WithinDuration(t, endsAt.Add(15*time.Minute), newEnd, 2*time.Second)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("extension refused before the session starts", func(t *testing.T) {
		service, mock, cleanup := newConsultationFixture(t)
		defer cleanup()

		mock.ExpectBegin()

		mock.ExpectQuery("SELECT scholar_id, payment_reference, session_started_at, session_ends_at").
			WithArgs("bk-1", "1").
			WillReturnRows(sqlmock.NewRows(
				[]string{"scholar_id", "payment_reference", "session_started_at", "session_ends_at"}).
				AddRow(9, "cons-ref", nil, nil))

		mock.ExpectRollback()

		_, err := service.Extend("1", "bk-1")
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "has not started")
	})
}
