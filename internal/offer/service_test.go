package offer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"go.uber.org/zap"

	"github.com/hively/hively-backend/internal/points"
	"github.com/hively/hively-backend/internal/post"
)

type fakeSettler struct {
	err      error
	fromID   string
	toID     string
	amount   int64
	refID    *string
	calls    int
}

func (f *fakeSettler) Transfer(_ context.Context, fromID, toID string, amount int64, refID *string, _ string) (points.LedgerEntry, points.LedgerEntry, error) {
	f.calls++
	f.fromID, f.toID, f.amount, f.refID = fromID, toID, amount, refID
	if f.err != nil {
		return points.LedgerEntry{}, points.LedgerEntry{}, f.err
	}
	return points.LedgerEntry{UserID: fromID, Delta: -amount, Kind: points.KindTransferOut},
		points.LedgerEntry{UserID: toID, Delta: amount, Kind: points.KindTransferIn}, nil
}

func newTestService(t *testing.T, settle *fakeSettler) (*Service, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("failed to create mock pool: %v", err)
	}
	return NewService(mock, settle, zap.NewNop().Sugar()), mock
}

func expectDecisionLoad(mock pgxmock.PgxPoolIface, offerID, sellerID, buyerID, status string, quantity, price int64) {
	now := time.Now()
	mock.ExpectQuery(`SELECT o.id, o.post_id, o.seller_id`).
		WithArgs(offerID).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "post_id", "seller_id", "quantity", "price_per_unit", "message", "status",
			"created_at", "updated_at", "author_id",
		}).AddRow(offerID, "post-1", sellerID, quantity, price, "", status, now, now, buyerID))
}

func TestAcceptSettlesThenCloses(t *testing.T) {
	settle := &fakeSettler{}
	svc, mock := newTestService(t, settle)
	defer mock.Close()

	expectDecisionLoad(mock, "offer-1", "seller-1", "buyer-1", StatusPending, 4, 50)
	mock.ExpectExec(`UPDATE offers SET status`).
		WithArgs("offer-1", StatusAccepted).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	o, err := svc.Accept(context.Background(), "buyer-1", "offer-1")
	if err != nil {
		t.Fatalf("Accept returned error: %v", err)
	}
	if o.Status != StatusAccepted {
		t.Fatalf("status = %s, want accepted", o.Status)
	}
	if settle.calls != 1 || settle.fromID != "buyer-1" || settle.toID != "seller-1" || settle.amount != 200 {
		t.Fatalf("settlement = %+v, want buyer-1 -> seller-1 for 200 points", settle)
	}
	if settle.refID == nil || *settle.refID != "offer-1" {
		t.Fatal("settlement must reference the offer")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAcceptInsufficientPointsSkipsClose(t *testing.T) {
	settle := &fakeSettler{err: points.ErrInsufficientPoints}
	svc, mock := newTestService(t, settle)
	defer mock.Close()

	expectDecisionLoad(mock, "offer-1", "seller-1", "buyer-1", StatusPending, 10, 100)

	_, err := svc.Accept(context.Background(), "buyer-1", "offer-1")
	if !errors.Is(err, points.ErrInsufficientPoints) {
		t.Fatalf("err = %v, want points.ErrInsufficientPoints", err)
	}
	// The status update never ran.
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAcceptByNonAuthor(t *testing.T) {
	settle := &fakeSettler{}
	svc, mock := newTestService(t, settle)
	defer mock.Close()

	expectDecisionLoad(mock, "offer-1", "seller-1", "buyer-1", StatusPending, 1, 10)

	_, err := svc.Accept(context.Background(), "someone-else", "offer-1")
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("err = %v, want ErrForbidden", err)
	}
	if settle.calls != 0 {
		t.Fatal("no settlement may happen for a forbidden accept")
	}
}

func TestAcceptClosedOffer(t *testing.T) {
	settle := &fakeSettler{}
	svc, mock := newTestService(t, settle)
	defer mock.Close()

	expectDecisionLoad(mock, "offer-1", "seller-1", "buyer-1", StatusDeclined, 1, 10)

	_, err := svc.Accept(context.Background(), "buyer-1", "offer-1")
	if !errors.Is(err, ErrOfferClosed) {
		t.Fatalf("err = %v, want ErrOfferClosed", err)
	}
}

func TestAcceptRacingDecision(t *testing.T) {
	settle := &fakeSettler{}
	svc, mock := newTestService(t, settle)
	defer mock.Close()

	expectDecisionLoad(mock, "offer-1", "seller-1", "buyer-1", StatusPending, 1, 10)
	mock.ExpectExec(`UPDATE offers SET status`).
		WithArgs("offer-1", StatusAccepted).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	_, err := svc.Accept(context.Background(), "buyer-1", "offer-1")
	if !errors.Is(err, ErrOfferClosed) {
		t.Fatalf("err = %v, want ErrOfferClosed when the row already moved", err)
	}
}

func TestWithdrawBySeller(t *testing.T) {
	settle := &fakeSettler{}
	svc, mock := newTestService(t, settle)
	defer mock.Close()

	expectDecisionLoad(mock, "offer-1", "seller-1", "buyer-1", StatusPending, 1, 10)
	mock.ExpectExec(`UPDATE offers SET status`).
		WithArgs("offer-1", StatusWithdrawn).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	o, err := svc.Withdraw(context.Background(), "seller-1", "offer-1")
	if err != nil {
		t.Fatalf("Withdraw returned error: %v", err)
	}
	if o.Status != StatusWithdrawn {
		t.Fatalf("status = %s, want withdrawn", o.Status)
	}
}

func TestCreateOnOwnPost(t *testing.T) {
	settle := &fakeSettler{}
	svc, mock := newTestService(t, settle)
	defer mock.Close()

	mock.ExpectQuery(`SELECT author_id, type FROM posts`).
		WithArgs("post-1").
		WillReturnRows(pgxmock.NewRows([]string{"author_id", "type"}).
			AddRow("seller-1", post.TypeBuy))

	_, err := svc.Create(context.Background(), "seller-1", "post-1", CreateInput{Quantity: 1, PricePerUnit: 10})
	if !errors.Is(err, ErrOwnPost) {
		t.Fatalf("err = %v, want ErrOwnPost", err)
	}
}

func TestCreateOnSellPost(t *testing.T) {
	settle := &fakeSettler{}
	svc, mock := newTestService(t, settle)
	defer mock.Close()

	mock.ExpectQuery(`SELECT author_id, type FROM posts`).
		WithArgs("post-1").
		WillReturnRows(pgxmock.NewRows([]string{"author_id", "type"}).
			AddRow("buyer-1", post.TypeSell))

	_, err := svc.Create(context.Background(), "seller-1", "post-1", CreateInput{Quantity: 1, PricePerUnit: 10})
	if !errors.Is(err, ErrNotBuyPost) {
		t.Fatalf("err = %v, want ErrNotBuyPost", err)
	}
}

func TestCreateMissingPost(t *testing.T) {
	settle := &fakeSettler{}
	svc, mock := newTestService(t, settle)
	defer mock.Close()

	mock.ExpectQuery(`SELECT author_id, type FROM posts`).
		WithArgs("ghost").
		WillReturnError(pgx.ErrNoRows)

	_, err := svc.Create(context.Background(), "seller-1", "ghost", CreateInput{Quantity: 1, PricePerUnit: 10})
	if !errors.Is(err, post.ErrNotFound) {
		t.Fatalf("err = %v, want post.ErrNotFound", err)
	}
}

func TestCreateHappyPath(t *testing.T) {
	settle := &fakeSettler{}
	svc, mock := newTestService(t, settle)
	defer mock.Close()

	now := time.Now()
	mock.ExpectQuery(`SELECT author_id, type FROM posts`).
		WithArgs("post-1").
		WillReturnRows(pgxmock.NewRows([]string{"author_id", "type"}).
			AddRow("buyer-1", post.TypeBuy))
	mock.ExpectQuery(`INSERT INTO offers`).
		WithArgs(pgxmock.AnyArg(), "post-1", "seller-1", int64(4), int64(50), "morning drop-off").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "post_id", "seller_id", "quantity", "price_per_unit", "message", "status", "created_at", "updated_at",
		}).AddRow("offer-1", "post-1", "seller-1", int64(4), int64(50), "morning drop-off", StatusPending, now, now))

	o, err := svc.Create(context.Background(), "seller-1", "post-1", CreateInput{
		Quantity: 4, PricePerUnit: 50, Message: "morning drop-off",
	})
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if o.Status != StatusPending || o.Total() != 200 {
		t.Fatalf("offer = %+v, want pending with total 200", o)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestExpireStale(t *testing.T) {
	settle := &fakeSettler{}
	svc, mock := newTestService(t, settle)
	defer mock.Close()

	mock.ExpectExec(`UPDATE offers SET status = 'expired'`).
		WithArgs(14).
		WillReturnResult(pgxmock.NewResult("UPDATE", 3))

	n, err := svc.ExpireStale(context.Background(), 14)
	if err != nil {
		t.Fatalf("ExpireStale returned error: %v", err)
	}
	if n != 3 {
		t.Fatalf("expired %d offers, want 3", n)
	}
}
