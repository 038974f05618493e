package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/itsknk/referral-system-assesment/internal/fees"
	"github.com/itsknk/referral-system-assesment/internal/testutil"
)

func setupStore(t *testing.T) (*Store, *pgxpool.Pool) {
	t.Helper()
	if os.Getenv("RUN_DB_INTEGRATION") == "" {
		t.Skip("set RUN_DB_INTEGRATION=1 to run")
	}
	pool, err := testutil.SetupTestDB()
	if err != nil {
		t.Skipf("db connection failed: %v", err)
	}
	t.Cleanup(pool.Close)

	store, err := New(pool, fees.DefaultRateTable(), 2*time.Second, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return store, pool
}

func createTestUser(t *testing.T, ctx context.Context, pool *pgxpool.Pool, tag string) int64 {
	t.Helper()
	username := fmt.Sprintf("u_%s_%d", tag, time.Now().UnixNano())
	var id int64
	err := pool.QueryRow(ctx, `
		INSERT INTO users (username, created_at, updated_at)
		VALUES ($1, now(), now())
		RETURNING id
	`, username).Scan(&id)
	if err != nil {
		t.Fatalf("create user %s: %v", username, err)
	}
	return id
}

func ensureTreasury(t *testing.T, ctx context.Context, pool *pgxpool.Pool) int64 {
	t.Helper()
	var id int64
	err := pool.QueryRow(ctx, `
		INSERT INTO users (username, is_treasury, created_at, updated_at)
		VALUES ('treasury', TRUE, now(), now())
		ON CONFLICT (username) DO UPDATE SET is_treasury = TRUE
		RETURNING id
	`).Scan(&id)
	if err != nil {
		t.Fatalf("ensure treasury: %v", err)
	}
	return id
}

func linkReferrer(t *testing.T, ctx context.Context, pool *pgxpool.Pool, childID, parentID int64) {
	t.Helper()
	if _, err := pool.Exec(ctx, `UPDATE users SET referrer_id = $1 WHERE id = $2`, parentID, childID); err != nil {
		t.Fatalf("link referrer: %v", err)
	}
}

func TestIngestTradeSplitsAndLedger(t *testing.T) {
	store, pool := setupStore(t)
	ctx := context.Background()
	defer func() { _ = testutil.CleanupTestData(ctx, pool) }()

	treasuryID := ensureTreasury(t, ctx, pool)
	l2 := createTestUser(t, ctx, pool, "ingest_l2")
	l1 := createTestUser(t, ctx, pool, "ingest_l1")
	trader := createTestUser(t, ctx, pool, "ingest_trader")
	linkReferrer(t, ctx, pool, l1, l2)
	linkReferrer(t, ctx, pool, trader, l1)

	fee := decimal.RequireFromString("200.000000")
	result, err := store.IngestTrade(ctx, IngestRequest{
		TradeID:    fmt.Sprintf("trade-%d", time.Now().UnixNano()),
		Chain:      "ethereum",
		TraderID:   trader,
		FeeToken:   "usdc",
		FeeAmount:  fee,
		ExecutedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("IngestTrade: %v", err)
	}
	if result.Status != IngestCreated {
		t.Fatalf("expected created, got %s", result.Status)
	}
	if len(result.Entries) != 4 {
		t.Fatalf("expected 4 entries (cashback, l1, l2, treasury), got %d", len(result.Entries))
	}

	total := decimal.Zero
	for _, e := range result.Entries {
		if e.Token != "USDC" {
			t.Fatalf("token not normalized: %s", e.Token)
		}
		total = total.Add(e.Amount)
	}
	if !total.Equal(fee) {
		t.Fatalf("entries sum to %s, want %s", total.String(), fee.String())
	}

	var accruedStr string
	err = pool.QueryRow(ctx, `
		SELECT accrued_amount::text FROM accrual_ledger
		WHERE user_id = $1 AND kind = 'cashback' AND token = 'USDC'
	`, trader).Scan(&accruedStr)
	if err != nil {
		t.Fatalf("read trader ledger: %v", err)
	}
	if !decimal.RequireFromString(accruedStr).Equal(decimal.RequireFromString("20")) {
		t.Fatalf("cashback accrued %s, want 20", accruedStr)
	}

	err = pool.QueryRow(ctx, `
		SELECT accrued_amount::text FROM accrual_ledger
		WHERE user_id = $1 AND kind = 'treasury' AND token = 'USDC'
	`, treasuryID).Scan(&accruedStr)
	if err != nil {
		t.Fatalf("read treasury ledger: %v", err)
	}
	// 200 - 20 cashback - 60 l1 - 6 l2, with the absent l3 share folded in.
	if !decimal.RequireFromString(accruedStr).Equal(decimal.RequireFromString("114")) {
		t.Fatalf("treasury accrued %s, want 114", accruedStr)
	}
}

func TestIngestTradeDuplicateIsNoOp(t *testing.T) {
	store, pool := setupStore(t)
	ctx := context.Background()
	defer func() { _ = testutil.CleanupTestData(ctx, pool) }()

	ensureTreasury(t, ctx, pool)
	trader := createTestUser(t, ctx, pool, "dup_trader")

	req := IngestRequest{
		TradeID:    fmt.Sprintf("trade-%d", time.Now().UnixNano()),
		Chain:      "base",
		TraderID:   trader,
		FeeToken:   "USDC",
		FeeAmount:  decimal.RequireFromString("10.000000"),
		ExecutedAt: time.Now().UTC(),
	}

	first, err := store.IngestTrade(ctx, req)
	if err != nil {
		t.Fatalf("first IngestTrade: %v", err)
	}
	if first.Status != IngestCreated {
		t.Fatalf("expected created, got %s", first.Status)
	}

	second, err := store.IngestTrade(ctx, req)
	if err != nil {
		t.Fatalf("second IngestTrade: %v", err)
	}
	if second.Status != IngestDuplicate {
		t.Fatalf("expected duplicate, got %s", second.Status)
	}
	if second.Trade.ID != first.Trade.ID {
		t.Fatalf("duplicate resolved to trade %d, want %d", second.Trade.ID, first.Trade.ID)
	}

	var entryCount int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM accrual_entries WHERE trade_pk = $1`, first.Trade.ID).Scan(&entryCount); err != nil {
		t.Fatalf("count entries: %v", err)
	}
	if entryCount != 2 {
		t.Fatalf("expected 2 entries after replay (cashback + treasury), got %d", entryCount)
	}

	var accruedStr string
	if err := pool.QueryRow(ctx, `
		SELECT accrued_amount::text FROM accrual_ledger WHERE user_id = $1 AND kind = 'cashback' AND token = 'USDC'
	`, trader).Scan(&accruedStr); err != nil {
		t.Fatalf("read ledger: %v", err)
	}
	if !decimal.RequireFromString(accruedStr).Equal(decimal.RequireFromString("1")) {
		t.Fatalf("replay changed the ledger: accrued %s, want 1", accruedStr)
	}
}

func TestRegisterReferral(t *testing.T) {
	store, pool := setupStore(t)
	ctx := context.Background()
	defer func() { _ = testutil.CleanupTestData(ctx, pool) }()

	parent := createTestUser(t, ctx, pool, "reg_parent")
	child := createTestUser(t, ctx, pool, "reg_child")
	other := createTestUser(t, ctx, pool, "reg_other")

	code, err := store.EnsureReferralCode(ctx, parent)
	if err != nil {
		t.Fatalf("EnsureReferralCode: %v", err)
	}
	if code == "" {
		t.Fatal("expected a referral code")
	}

	again, err := store.EnsureReferralCode(ctx, parent)
	if err != nil {
		t.Fatalf("EnsureReferralCode (repeat): %v", err)
	}
	if again != code {
		t.Fatalf("referral code changed on repeat: %s then %s", code, again)
	}

	if _, err := store.RegisterReferral(ctx, child, "REF_NOSUCH00"); !errors.Is(err, ErrUnknownReferralCode) {
		t.Fatalf("expected ErrUnknownReferralCode, got %v", err)
	}
	if _, err := store.RegisterReferral(ctx, parent, code); !errors.Is(err, ErrSelfReferral) {
		t.Fatalf("expected ErrSelfReferral, got %v", err)
	}

	resolved, err := store.RegisterReferral(ctx, child, code)
	if err != nil {
		t.Fatalf("RegisterReferral: %v", err)
	}
	if resolved.ID != parent {
		t.Fatalf("resolved parent %d, want %d", resolved.ID, parent)
	}

	otherCode, err := store.EnsureReferralCode(ctx, other)
	if err != nil {
		t.Fatalf("EnsureReferralCode(other): %v", err)
	}
	if _, err := store.RegisterReferral(ctx, child, otherCode); !errors.Is(err, ErrAlreadyReferred) {
		t.Fatalf("expected ErrAlreadyReferred, got %v", err)
	}

	ancestors, err := store.Ancestors(ctx, child, fees.MaxCommissionLevels)
	if err != nil {
		t.Fatalf("Ancestors: %v", err)
	}
	if len(ancestors) != 1 || ancestors[0].ID != parent {
		t.Fatalf("unexpected ancestors: %+v", ancestors)
	}
}

func TestDownlineLevels(t *testing.T) {
	store, pool := setupStore(t)
	ctx := context.Background()
	defer func() { _ = testutil.CleanupTestData(ctx, pool) }()

	root := createTestUser(t, ctx, pool, "net_root")
	c1 := createTestUser(t, ctx, pool, "net_c1")
	c2 := createTestUser(t, ctx, pool, "net_c2")
	g1 := createTestUser(t, ctx, pool, "net_g1")
	linkReferrer(t, ctx, pool, c1, root)
	linkReferrer(t, ctx, pool, c2, root)
	linkReferrer(t, ctx, pool, g1, c1)

	levels, err := store.Downline(ctx, root, 3, 10)
	if err != nil {
		t.Fatalf("Downline: %v", err)
	}
	if len(levels) != 2 {
		t.Fatalf("expected 2 levels, got %d", len(levels))
	}
	if levels[0].Level != 1 || len(levels[0].Users) != 2 {
		t.Fatalf("unexpected level 1: %+v", levels[0])
	}
	if levels[1].Level != 2 || len(levels[1].Users) != 1 || levels[1].Users[0].ID != g1 {
		t.Fatalf("unexpected level 2: %+v", levels[1])
	}
}

func TestExecuteClaimSettlesOnce(t *testing.T) {
	store, pool := setupStore(t)
	ctx := context.Background()
	defer func() { _ = testutil.CleanupTestData(ctx, pool) }()

	ensureTreasury(t, ctx, pool)
	trader := createTestUser(t, ctx, pool, "claim_trader")

	_, err := store.IngestTrade(ctx, IngestRequest{
		TradeID:    fmt.Sprintf("trade-%d", time.Now().UnixNano()),
		Chain:      "arbitrum",
		TraderID:   trader,
		FeeToken:   "USDC",
		FeeAmount:  decimal.RequireFromString("100.000000"),
		ExecutedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("IngestTrade: %v", err)
	}

	preview, err := store.PreviewClaim(ctx, trader, "USDC")
	if err != nil {
		t.Fatalf("PreviewClaim: %v", err)
	}
	if !preview.Total.Equal(decimal.RequireFromString("10")) {
		t.Fatalf("preview total %s, want 10", preview.Total.String())
	}

	result, err := store.ExecuteClaim(ctx, trader, "USDC")
	if err != nil {
		t.Fatalf("ExecuteClaim: %v", err)
	}
	if !result.Amount.Equal(preview.Total) {
		t.Fatalf("claimed %s, want %s", result.Amount.String(), preview.Total.String())
	}

	batch, err := store.GetPayoutBatch(ctx, result.BatchID)
	if err != nil {
		t.Fatalf("GetPayoutBatch: %v", err)
	}
	if batch.Status != "pending" {
		t.Fatalf("batch status %s, want pending", batch.Status)
	}
	if !batch.Amount.Equal(result.Amount) {
		t.Fatalf("batch amount %s, want %s", batch.Amount.String(), result.Amount.String())
	}

	after, err := store.PreviewClaim(ctx, trader, "USDC")
	if err != nil {
		t.Fatalf("PreviewClaim after settle: %v", err)
	}
	if !after.Total.IsZero() {
		t.Fatalf("post-claim preview total %s, want 0", after.Total.String())
	}

	if _, err := store.ExecuteClaim(ctx, trader, "USDC"); !errors.Is(err, ErrNothingToClaim) {
		t.Fatalf("expected ErrNothingToClaim, got %v", err)
	}
}

func TestConcurrentExecuteClaimsSettleExactlyOnce(t *testing.T) {
	store, pool := setupStore(t)
	ctx := context.Background()
	defer func() { _ = testutil.CleanupTestData(ctx, pool) }()

	ensureTreasury(t, ctx, pool)
	trader := createTestUser(t, ctx, pool, "claim_concurrent")

	_, err := store.IngestTrade(ctx, IngestRequest{
		TradeID:    fmt.Sprintf("trade-%d", time.Now().UnixNano()),
		Chain:      "ethereum",
		TraderID:   trader,
		FeeToken:   "USDC",
		FeeAmount:  decimal.RequireFromString("100.000000"),
		ExecutedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("IngestTrade: %v", err)
	}

	const workers = 8
	var wg sync.WaitGroup
	results := make(chan *ClaimResult, workers)
	errCh := make(chan error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := store.ExecuteClaim(ctx, trader, "USDC")
			if err != nil {
				errCh <- err
				return
			}
			results <- result
		}()
	}

	wg.Wait()
	close(results)
	close(errCh)

	var settled []*ClaimResult
	for result := range results {
		settled = append(settled, result)
	}
	if len(settled) != 1 {
		t.Fatalf("expected exactly 1 successful claim, got %d", len(settled))
	}
	if !settled[0].Amount.Equal(decimal.RequireFromString("10")) {
		t.Fatalf("settled %s, want the full balance of 10", settled[0].Amount.String())
	}

	for err := range errCh {
		if !errors.Is(err, ErrNothingToClaim) {
			t.Fatalf("losing claim failed with %v, want ErrNothingToClaim", err)
		}
	}

	var batches int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM payout_batches WHERE user_id = $1`, trader).Scan(&batches); err != nil {
		t.Fatalf("count payout batches: %v", err)
	}
	if batches != 1 {
		t.Fatalf("expected a single payout batch, got %d", batches)
	}

	var claimedStr string
	if err := pool.QueryRow(ctx, `
		SELECT claimed_amount::text FROM accrual_ledger WHERE user_id = $1 AND kind = 'cashback' AND token = 'USDC'
	`, trader).Scan(&claimedStr); err != nil {
		t.Fatalf("read ledger: %v", err)
	}
	if !decimal.RequireFromString(claimedStr).Equal(decimal.RequireFromString("10")) {
		t.Fatalf("claimed %s, want 10", claimedStr)
	}
}

func TestAncestorsStopBeforeTreasury(t *testing.T) {
	store, pool := setupStore(t)
	ctx := context.Background()
	defer func() { _ = testutil.CleanupTestData(ctx, pool) }()

	treasuryID := ensureTreasury(t, ctx, pool)
	trader := createTestUser(t, ctx, pool, "treasury_child")
	linkReferrer(t, ctx, pool, trader, treasuryID)

	ancestors, err := store.Ancestors(ctx, trader, fees.MaxCommissionLevels)
	if err != nil {
		t.Fatalf("Ancestors: %v", err)
	}
	if len(ancestors) != 0 {
		t.Fatalf("treasury must not appear as an ancestor, got %+v", ancestors)
	}

	fee := decimal.RequireFromString("100.000000")
	result, err := store.IngestTrade(ctx, IngestRequest{
		TradeID:    fmt.Sprintf("trade-%d", time.Now().UnixNano()),
		Chain:      "ethereum",
		TraderID:   trader,
		FeeToken:   "USDC",
		FeeAmount:  fee,
		ExecutedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("IngestTrade: %v", err)
	}
	if len(result.Entries) != 2 {
		t.Fatalf("expected cashback and treasury only, got %d entries", len(result.Entries))
	}
	for _, e := range result.Entries {
		if e.Kind == fees.KindCommissionL1 {
			t.Fatal("treasury received a commission line instead of the remainder")
		}
	}
	// The commission shares fold into the remainder: 100 - 10 cashback.
	last := result.Entries[len(result.Entries)-1]
	if last.Kind != fees.KindTreasury || !last.Amount.Equal(decimal.RequireFromString("90")) {
		t.Fatalf("unexpected treasury line: %+v", last)
	}
}

func TestEarningsLedgerAndJournalAgree(t *testing.T) {
	store, pool := setupStore(t)
	ctx := context.Background()
	defer func() { _ = testutil.CleanupTestData(ctx, pool) }()

	ensureTreasury(t, ctx, pool)
	trader := createTestUser(t, ctx, pool, "earn_trader")

	for i := 0; i < 3; i++ {
		_, err := store.IngestTrade(ctx, IngestRequest{
			TradeID:    fmt.Sprintf("trade-%d-%d", time.Now().UnixNano(), i),
			Chain:      "ethereum",
			TraderID:   trader,
			FeeToken:   "USDC",
			FeeAmount:  decimal.RequireFromString("10.000001"),
			ExecutedAt: time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("IngestTrade %d: %v", i, err)
		}
	}

	lifetime, err := store.Earnings(ctx, EarningsQuery{UserID: trader})
	if err != nil {
		t.Fatalf("Earnings (ledger): %v", err)
	}
	if lifetime.Windowed {
		t.Fatal("no-range query should use the ledger path")
	}

	from := time.Now().Add(-time.Hour).UTC()
	to := time.Now().Add(time.Hour).UTC()
	windowed, err := store.Earnings(ctx, EarningsQuery{UserID: trader, From: &from, To: &to, IncludeBreakdown: true, BreakdownLimit: 10})
	if err != nil {
		t.Fatalf("Earnings (journal): %v", err)
	}
	if !windowed.Windowed {
		t.Fatal("ranged query should use the journal path")
	}
	if !windowed.TotalAccrued.Equal(lifetime.TotalAccrued) {
		t.Fatalf("journal total %s, ledger total %s", windowed.TotalAccrued.String(), lifetime.TotalAccrued.String())
	}
	if len(windowed.Breakdown) == 0 {
		t.Fatal("expected breakdown entries")
	}
}
