package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/GoPolymarket/otcgate/internal/model"
	"github.com/GoPolymarket/otcgate/internal/pkg/apperrors"
	"github.com/GoPolymarket/otcgate/internal/repository"
	"github.com/GoPolymarket/otcgate/internal/repository/repotest"
)

func seedConsignment(t *testing.T, db *gorm.DB, total int64, mutate ...func(c *model.Consignment)) *model.Consignment {
	t.Helper()
	c := &model.Consignment{
		ID:                    uuid.NewString(),
		Chain:                 "base",
		ContractConsignmentID: "1",
		TokenID:               "0x00000000000000000000000000000000000000aa",
		TokenDecimals:         18,
		ConsignerAddress:      "0x00000000000000000000000000000000000000c1",
		TotalAmount:           model.NewAmount(total),
		RemainingAmount:       model.NewAmount(total),
		FixedDiscountBps:      1000,
		FixedLockupDays:       0,
		MinDealAmount:         model.NewAmount(1),
		MaxDealAmount:         model.NewAmount(total),
		MaxPriceVolatilityBps: 500,
		Status:                model.ConsignmentActive,
	}
	for _, fn := range mutate {
		fn(c)
	}
	require.NoError(t, repository.NewConsignmentRepo(db).Create(context.Background(), c))
	return c
}

func remaining(t *testing.T, db *gorm.DB, id string) (model.Amount, model.ConsignmentStatus) {
	t.Helper()
	c, err := repository.NewConsignmentRepo(db).Get(context.Background(), id)
	require.NoError(t, err)
	return c.RemainingAmount, c.Status
}

func TestReserveConcurrentNoOversell(t *testing.T) {
	db := repotest.NewDB(t)
	ledger := NewInventoryLedger(repository.NewInventoryRepo(db))
	c := seedConsignment(t, db, 1000)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = ledger.Reserve(context.Background(), c.ID, uuid.NewString(), model.NewAmount(700))
		}(i)
	}
	wg.Wait()

	ok, insufficient := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case apperrors.IsType(err, apperrors.ErrInsufficientInventory):
			insufficient++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, insufficient)

	rem, status := remaining(t, db, c.ID)
	assert.Equal(t, "300", rem.String())
	assert.Equal(t, model.ConsignmentActive, status)
}

func TestReserveManySmallNeverNegative(t *testing.T) {
	db := repotest.NewDB(t)
	ledger := NewInventoryLedger(repository.NewInventoryRepo(db))
	c := seedConsignment(t, db, 100)

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := ledger.Reserve(context.Background(), c.ID, uuid.NewString(), model.NewAmount(7)); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 14, ok)
	rem, _ := remaining(t, db, c.ID)
	assert.Equal(t, "2", rem.String())
}

func TestReleaseAndCommitAreIdempotent(t *testing.T) {
	ctx := context.Background()
	db := repotest.NewDB(t)
	repo := repository.NewInventoryRepo(db)
	ledger := NewInventoryLedger(repo)
	c := seedConsignment(t, db, 1000)

	a, err := ledger.Reserve(ctx, c.ID, "offer-a", model.NewAmount(1000))
	require.NoError(t, err)
	rem, status := remaining(t, db, c.ID)
	assert.Equal(t, "0", rem.String())
	assert.Equal(t, model.ConsignmentDepleted, status)

	_, err = ledger.Reserve(ctx, c.ID, "offer-b", model.NewAmount(1))
	assert.True(t, apperrors.IsType(err, apperrors.ErrInsufficientInventory))

	require.NoError(t, ledger.Release(ctx, a.ID))
	require.NoError(t, ledger.Release(ctx, a.ID))
	rem, status = remaining(t, db, c.ID)
	assert.Equal(t, "1000", rem.String())
	assert.Equal(t, model.ConsignmentActive, status)

	b, err := ledger.Reserve(ctx, c.ID, "offer-b", model.NewAmount(400))
	require.NoError(t, err)
	require.NoError(t, ledger.Commit(ctx, b.ID))
	require.NoError(t, ledger.Commit(ctx, b.ID))
	rem, _ = remaining(t, db, c.ID)
	assert.Equal(t, "600", rem.String())

	err = ledger.Commit(ctx, a.ID)
	assert.True(t, apperrors.IsType(err, apperrors.ErrStateConflict))

	moves, err := repo.Movements(ctx, c.ID)
	require.NoError(t, err)
	kinds := make([]model.MovementKind, 0, len(moves))
	for _, m := range moves {
		kinds = append(kinds, m.Kind)
	}
	assert.Equal(t, []model.MovementKind{
		model.MovementReserve, model.MovementRelease, model.MovementReserve, model.MovementCommit,
	}, kinds)
}

func TestReserveRejectsInactive(t *testing.T) {
	ctx := context.Background()
	db := repotest.NewDB(t)
	ledger := NewInventoryLedger(repository.NewInventoryRepo(db))
	c := seedConsignment(t, db, 10, func(c *model.Consignment) { c.Status = model.ConsignmentPaused })

	_, err := ledger.Reserve(ctx, c.ID, "o", model.NewAmount(1))
	assert.True(t, apperrors.IsType(err, apperrors.ErrStateConflict))

	_, err = ledger.Reserve(ctx, c.ID, "o", model.NewAmount(0))
	assert.True(t, apperrors.IsType(err, apperrors.ErrInvalidRequest))

	_, err = ledger.Reserve(ctx, "missing", "o", model.NewAmount(1))
	assert.True(t, apperrors.IsType(err, apperrors.ErrNotFound))

	avail, err := ledger.AvailableAmount(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, avail.IsZero())
}

func TestWithdraw(t *testing.T) {
	ctx := context.Background()
	db := repotest.NewDB(t)
	ledger := NewInventoryLedger(repository.NewInventoryRepo(db))

	full := seedConsignment(t, db, 50)
	_, err := ledger.Reserve(ctx, full.ID, "o1", model.NewAmount(50))
	require.NoError(t, err)
	_, err = ledger.Withdraw(ctx, full.ID)
	assert.True(t, apperrors.IsType(err, apperrors.ErrInsufficientInventory))

	partial := seedConsignment(t, db, 50)
	_, err = ledger.Reserve(ctx, partial.ID, "o2", model.NewAmount(20))
	require.NoError(t, err)
	got, err := ledger.Withdraw(ctx, partial.ID)
	require.NoError(t, err)
	assert.Equal(t, "30", got.String())

	rem, status := remaining(t, db, partial.ID)
	assert.True(t, rem.IsZero())
	assert.Equal(t, model.ConsignmentWithdrawn, status)

	again, err := ledger.Withdraw(ctx, partial.ID)
	require.NoError(t, err)
	assert.True(t, again.IsZero())
}

func TestReleaseAfterWithdrawKeepsLotEmpty(t *testing.T) {
	ctx := context.Background()
	db := repotest.NewDB(t)
	repo := repository.NewInventoryRepo(db)
	ledger := NewInventoryLedger(repo)
	c := seedConsignment(t, db, 50)

	r, err := ledger.Reserve(ctx, c.ID, "o1", model.NewAmount(20))
	require.NoError(t, err)
	_, err = ledger.Withdraw(ctx, c.ID)
	require.NoError(t, err)

	require.NoError(t, ledger.Release(ctx, r.ID))
	rem, status := remaining(t, db, c.ID)
	assert.True(t, rem.IsZero(), "withdrawn lot got %s back", rem)
	assert.Equal(t, model.ConsignmentWithdrawn, status)

	res, err := ledger.Reservation(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ReservationReleased, res.Status)

	moves, err := repo.Movements(ctx, c.ID)
	require.NoError(t, err)
	last := moves[len(moves)-1]
	assert.Equal(t, model.MovementRelease, last.Kind)
	assert.True(t, last.RemainingAfter.IsZero())

	avail, err := ledger.AvailableAmount(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, avail.IsZero())
}

func TestExpiredReservations(t *testing.T) {
	ctx := context.Background()
	db := repotest.NewDB(t)
	ledger := NewInventoryLedger(repository.NewInventoryRepo(db))
	c := seedConsignment(t, db, 10, func(c *model.Consignment) { c.MaxTimeToExecuteSeconds = 60 })

	r, err := ledger.Reserve(ctx, c.ID, "o", model.NewAmount(5))
	require.NoError(t, err)

	got, err := ledger.ExpiredReservations(ctx, time.Now().UTC(), 10)
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = ledger.ExpiredReservations(ctx, time.Now().UTC().Add(2*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, r.ID, got[0].ID)
}
