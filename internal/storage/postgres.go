package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	gonanoid "github.com/jaevor/go-nanoid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/itsknk/referral-system-assesment/internal/fees"
)

const (
	referralCodePrefix   = "REF_"
	referralCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	referralCodeLength   = 8
	codeGenAttempts      = 5

	defaultBreakdownLimit = 50
	maxBreakdownLimit     = 500
)

var (
	ErrUserNotFound          = errors.New("user not found")
	ErrUnknownReferralCode   = errors.New("unknown referral code")
	ErrAlreadyReferred       = errors.New("user already has a referrer")
	ErrSelfReferral          = errors.New("users cannot refer themselves")
	ErrNothingToClaim        = errors.New("nothing to claim")
	ErrLedgerInconsistency   = errors.New("ledger inconsistency")
	ErrLockContention        = errors.New("claim lock contention")
	ErrTreasuryNotConfigured = errors.New("treasury user not configured")
)

// dbtx is the slice of pgx shared by *pgxpool.Pool and pgx.Tx, so lineage
// lookups can run standalone or inside the ingestion transaction.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	pool             *pgxpool.Pool
	logger           *slog.Logger
	rates            fees.RateTable
	claimLockTimeout time.Duration
	newCode          func() string
}

func New(pool *pgxpool.Pool, rates fees.RateTable, claimLockTimeout time.Duration, logger *slog.Logger) (*Store, error) {
	if err := rates.Validate(); err != nil {
		return nil, fmt.Errorf("invalid rate table: %w", err)
	}
	if claimLockTimeout <= 0 {
		claimLockTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	gen, err := gonanoid.CustomASCII(referralCodeAlphabet, referralCodeLength)
	if err != nil {
		return nil, fmt.Errorf("build referral code generator: %w", err)
	}
	return &Store{
		pool:             pool,
		logger:           logger,
		rates:            rates,
		claimLockTimeout: claimLockTimeout,
		newCode:          gen,
	}, nil
}

func (s *Store) GetUser(ctx context.Context, userID int64) (User, error) {
	return s.getUser(ctx, s.pool, userID)
}

func (s *Store) getUser(ctx context.Context, q dbtx, userID int64) (User, error) {
	var u User
	row := q.QueryRow(ctx, `
		SELECT id, username, COALESCE(referral_code, ''), referrer_id, is_treasury, created_at, updated_at
		FROM users
		WHERE id = $1
	`, userID)
	if err := row.Scan(&u.ID, &u.Username, &u.ReferralCode, &u.ReferrerID, &u.IsTreasury, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, fmt.Errorf("%w: %d", ErrUserNotFound, userID)
		}
		return User{}, err
	}
	return u, nil
}

// RegisterReferral links childID to the owner of referralCode. The parent link
// is set at most once; the child row is locked for the duration of the check
// so two concurrent registrations cannot both win.
func (s *Store) RegisterReferral(ctx context.Context, childID int64, referralCode string) (User, error) {
	code := strings.ToUpper(strings.TrimSpace(referralCode))
	if code == "" {
		return User{}, fmt.Errorf("%w: empty code", ErrUnknownReferralCode)
	}
	if childID <= 0 {
		return User{}, fmt.Errorf("child user id required")
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return User{}, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	var childReferrer *int64
	row := tx.QueryRow(ctx, `SELECT referrer_id FROM users WHERE id = $1 FOR UPDATE`, childID)
	if err := row.Scan(&childReferrer); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, fmt.Errorf("%w: %d", ErrUserNotFound, childID)
		}
		return User{}, err
	}
	if childReferrer != nil {
		return User{}, ErrAlreadyReferred
	}

	var parent User
	row = tx.QueryRow(ctx, `
		SELECT id, username, COALESCE(referral_code, ''), referrer_id, is_treasury, created_at, updated_at
		FROM users
		WHERE referral_code = $1
	`, code)
	if err := row.Scan(&parent.ID, &parent.Username, &parent.ReferralCode, &parent.ReferrerID, &parent.IsTreasury, &parent.CreatedAt, &parent.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, fmt.Errorf("%w: %s", ErrUnknownReferralCode, code)
		}
		return User{}, err
	}
	if parent.ID == childID {
		return User{}, ErrSelfReferral
	}

	tag, err := tx.Exec(ctx, `
		UPDATE users
		SET referrer_id = $1, updated_at = $2
		WHERE id = $3 AND referrer_id IS NULL
	`, parent.ID, time.Now().UTC(), childID)
	if err != nil {
		return User{}, err
	}
	if tag.RowsAffected() != 1 {
		return User{}, ErrAlreadyReferred
	}

	if err := tx.Commit(ctx); err != nil {
		return User{}, err
	}
	committed = true
	return parent, nil
}

// EnsureReferralCode returns the user's referral code, generating and
// persisting one when the user does not have one yet. Collisions with
// existing codes are retried with a fresh code.
func (s *Store) EnsureReferralCode(ctx context.Context, userID int64) (string, error) {
	user, err := s.GetUser(ctx, userID)
	if err != nil {
		return "", err
	}
	if user.ReferralCode != "" {
		return user.ReferralCode, nil
	}

	for attempt := 0; attempt < codeGenAttempts; attempt++ {
		code := referralCodePrefix + s.newCode()
		tag, err := s.pool.Exec(ctx, `
			UPDATE users
			SET referral_code = $1, updated_at = $2
			WHERE id = $3 AND referral_code IS NULL
		`, code, time.Now().UTC(), userID)
		if err != nil {
			if isUniqueViolation(err) {
				continue
			}
			return "", err
		}
		if tag.RowsAffected() == 1 {
			return code, nil
		}
		// A concurrent caller assigned a code first; return theirs.
		user, err = s.GetUser(ctx, userID)
		if err != nil {
			return "", err
		}
		if user.ReferralCode != "" {
			return user.ReferralCode, nil
		}
	}
	return "", fmt.Errorf("could not generate a unique referral code for user %d", userID)
}

// Ancestors walks the referrer chain upward, nearest first, stopping at
// maxLevels, at the chain's end, or at the treasury. The treasury is never
// itself an ancestor: it already collects the remainder, so a level that
// would pay it folds into that instead. A visited set guards against cycles
// that the registration invariants should make impossible.
func (s *Store) Ancestors(ctx context.Context, userID int64, maxLevels int) ([]User, error) {
	return s.ancestors(ctx, s.pool, userID, maxLevels)
}

func (s *Store) ancestors(ctx context.Context, q dbtx, userID int64, maxLevels int) ([]User, error) {
	current, err := s.getUser(ctx, q, userID)
	if err != nil {
		return nil, err
	}

	visited := map[int64]bool{current.ID: true}
	ancestors := make([]User, 0, maxLevels)
	for len(ancestors) < maxLevels && current.ReferrerID != nil {
		parentID := *current.ReferrerID
		if visited[parentID] {
			s.logger.Error("referral chain contains a cycle", "user_id", userID, "at", parentID)
			break
		}
		parent, err := s.getUser(ctx, q, parentID)
		if err != nil {
			if errors.Is(err, ErrUserNotFound) {
				break
			}
			return nil, err
		}
		if parent.IsTreasury {
			break
		}
		visited[parent.ID] = true
		ancestors = append(ancestors, parent)
		current = parent
	}
	return ancestors, nil
}

// Downline traverses the referral tree breadth-first from rootID. Each level
// is capped at limitPerLevel and feeds the next level's frontier, so both the
// response and the work stay bounded.
func (s *Store) Downline(ctx context.Context, rootID int64, maxLevels, limitPerLevel int) ([]NetworkLevel, error) {
	if _, err := s.GetUser(ctx, rootID); err != nil {
		return nil, err
	}
	if maxLevels <= 0 {
		maxLevels = fees.MaxCommissionLevels
	}
	if limitPerLevel <= 0 {
		limitPerLevel = 100
	}

	visited := map[int64]bool{rootID: true}
	frontier := []int64{rootID}
	levels := make([]NetworkLevel, 0, maxLevels)

	for level := 1; level <= maxLevels && len(frontier) > 0; level++ {
		rows, err := s.pool.Query(ctx, `
			SELECT id, username, COALESCE(referral_code, ''), referrer_id, is_treasury, created_at, updated_at
			FROM users
			WHERE referrer_id = ANY($1)
			ORDER BY id
			LIMIT $2
		`, frontier, limitPerLevel)
		if err != nil {
			return nil, err
		}

		var users []User
		for rows.Next() {
			var u User
			if err := rows.Scan(&u.ID, &u.Username, &u.ReferralCode, &u.ReferrerID, &u.IsTreasury, &u.CreatedAt, &u.UpdatedAt); err != nil {
				rows.Close()
				return nil, err
			}
			if visited[u.ID] {
				continue
			}
			visited[u.ID] = true
			users = append(users, u)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
		if len(users) == 0 {
			break
		}

		levels = append(levels, NetworkLevel{Level: level, Users: users})
		frontier = frontier[:0]
		for _, u := range users {
			frontier = append(frontier, u.ID)
		}
	}
	return levels, nil
}

// IngestTrade records one fee-generating trade and its full split in a single
// transaction: the trade row, one journal entry per beneficiary, and the
// matching ledger increments. Re-submitting the same (trade_id, chain) is a
// no-op reported as IngestDuplicate.
func (s *Store) IngestTrade(ctx context.Context, req IngestRequest) (*IngestResult, error) {
	req.TradeID = strings.TrimSpace(req.TradeID)
	req.Chain = strings.TrimSpace(req.Chain)
	req.FeeToken = strings.ToUpper(strings.TrimSpace(req.FeeToken))
	if req.TradeID == "" || req.Chain == "" {
		return nil, fmt.Errorf("trade_id and chain are required")
	}
	if req.FeeToken == "" {
		return nil, fmt.Errorf("fee token is required")
	}
	if req.TraderID <= 0 {
		return nil, fmt.Errorf("trader id required")
	}
	if req.FeeAmount.IsNegative() {
		return nil, fmt.Errorf("fee amount must be non-negative")
	}
	if req.ExecutedAt.IsZero() {
		req.ExecutedAt = time.Now().UTC()
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	trader, err := s.getUser(ctx, tx, req.TraderID)
	if err != nil {
		return nil, err
	}

	trade := Trade{
		TradeID:    req.TradeID,
		Chain:      req.Chain,
		TraderID:   trader.ID,
		FeeToken:   req.FeeToken,
		FeeAmount:  req.FeeAmount,
		ExecutedAt: req.ExecutedAt,
	}
	row := tx.QueryRow(ctx, `
		INSERT INTO trades (trade_id, chain, trader_id, fee_token, fee_amount, executed_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (trade_id, chain) DO NOTHING
		RETURNING id, created_at
	`, trade.TradeID, trade.Chain, trade.TraderID, trade.FeeToken, trade.FeeAmount.String(), trade.ExecutedAt, time.Now().UTC())
	if err := row.Scan(&trade.ID, &trade.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Natural key already present: idempotent replay.
			if err := tx.Commit(ctx); err != nil {
				return nil, err
			}
			committed = true
			existing, err := s.getTrade(ctx, req.TradeID, req.Chain)
			if err != nil {
				return nil, err
			}
			return &IngestResult{Status: IngestDuplicate, Trade: existing}, nil
		}
		return nil, err
	}

	var treasuryID int64
	row = tx.QueryRow(ctx, `SELECT id FROM users WHERE is_treasury ORDER BY id LIMIT 1`)
	if err := row.Scan(&treasuryID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTreasuryNotConfigured
		}
		return nil, err
	}

	ancestors, err := s.ancestors(ctx, tx, trader.ID, fees.MaxCommissionLevels)
	if err != nil {
		return nil, err
	}
	ancestorIDs := make([]int64, 0, len(ancestors))
	for _, a := range ancestors {
		ancestorIDs = append(ancestorIDs, a.ID)
	}

	lines, err := fees.Split(req.FeeAmount, trader.ID, ancestorIDs, treasuryID, s.rates)
	if err != nil {
		return nil, err
	}

	entries := make([]AccrualEntry, 0, len(lines))
	for _, line := range lines {
		entry := AccrualEntry{
			TradePK:       trade.ID,
			Chain:         trade.Chain,
			BeneficiaryID: line.BeneficiaryID,
			Kind:          line.Kind,
			Token:         trade.FeeToken,
			Amount:        line.Amount,
			ExecutedAt:    trade.ExecutedAt,
		}
		row := tx.QueryRow(ctx, `
			INSERT INTO accrual_entries (trade_pk, chain, beneficiary_id, kind, token, amount, executed_at, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING id, created_at
		`, entry.TradePK, entry.Chain, entry.BeneficiaryID, string(entry.Kind), entry.Token, entry.Amount.String(), entry.ExecutedAt, time.Now().UTC())
		if err := row.Scan(&entry.ID, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("insert accrual entry: %w", err)
		}
		entries = append(entries, entry)

		if _, err := tx.Exec(ctx, `
			INSERT INTO accrual_ledger (user_id, kind, token, accrued_amount, claimed_amount, updated_at)
			VALUES ($1, $2, $3, $4, 0, $5)
			ON CONFLICT (user_id, kind, token)
			DO UPDATE SET accrued_amount = accrual_ledger.accrued_amount + EXCLUDED.accrued_amount,
			              updated_at = EXCLUDED.updated_at
		`, entry.BeneficiaryID, string(entry.Kind), entry.Token, entry.Amount.String(), time.Now().UTC()); err != nil {
			return nil, fmt.Errorf("upsert accrual ledger: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	committed = true

	return &IngestResult{Status: IngestCreated, Trade: trade, Entries: entries}, nil
}

func (s *Store) getTrade(ctx context.Context, tradeID, chain string) (Trade, error) {
	var t Trade
	var feeStr string
	row := s.pool.QueryRow(ctx, `
		SELECT id, trade_id, chain, trader_id, fee_token, fee_amount::text, executed_at, created_at
		FROM trades
		WHERE trade_id = $1 AND chain = $2
	`, tradeID, chain)
	if err := row.Scan(&t.ID, &t.TradeID, &t.Chain, &t.TraderID, &t.FeeToken, &feeStr, &t.ExecutedAt, &t.CreatedAt); err != nil {
		return Trade{}, err
	}
	var err error
	t.FeeAmount, err = decimal.NewFromString(feeStr)
	if err != nil {
		return Trade{}, fmt.Errorf("parse trade fee: %w", err)
	}
	return t, nil
}

// PreviewClaim reports the unclaimed balance for (user, token) without taking
// claim locks. The numbers are a snapshot and may be stale by the time an
// execute runs.
func (s *Store) PreviewClaim(ctx context.Context, userID int64, token string) (*ClaimPreview, error) {
	token = strings.ToUpper(strings.TrimSpace(token))
	if token == "" {
		return nil, fmt.Errorf("token is required")
	}
	if _, err := s.GetUser(ctx, userID); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT kind, accrued_amount::text, claimed_amount::text
		FROM accrual_ledger
		WHERE user_id = $1 AND token = $2
	`, userID, token)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	preview := &ClaimPreview{UserID: userID, Token: token, Total: decimal.Zero}
	for rows.Next() {
		var kind, accruedStr, claimedStr string
		if err := rows.Scan(&kind, &accruedStr, &claimedStr); err != nil {
			return nil, err
		}
		accrued, claimed, err := parseBalancePair(accruedStr, claimedStr)
		if err != nil {
			return nil, err
		}
		claimable := accrued.Sub(claimed)
		if claimable.IsNegative() {
			return nil, fmt.Errorf("%w: user %d kind %s token %s claimed exceeds accrued", ErrLedgerInconsistency, userID, kind, token)
		}
		if claimable.IsZero() {
			continue
		}
		preview.Lines = append(preview.Lines, ClaimLine{Kind: fees.Kind(kind), Amount: claimable})
		preview.Total = preview.Total.Add(claimable)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortClaimLines(preview.Lines)

	s.auditClaim(ctx, userID, token, "preview", preview.Total, "")
	return preview, nil
}

// ExecuteClaim settles the full unclaimed balance for (user, token). Ledger
// rows are locked FOR UPDATE so concurrent executes for the same pair
// serialize; the second caller finds nothing left and gets ErrNothingToClaim.
// Waiting longer than the configured lock timeout fails with
// ErrLockContention and no state change.
func (s *Store) ExecuteClaim(ctx context.Context, userID int64, token string) (*ClaimResult, error) {
	token = strings.ToUpper(strings.TrimSpace(token))
	if token == "" {
		return nil, fmt.Errorf("token is required")
	}
	if _, err := s.GetUser(ctx, userID); err != nil {
		return nil, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.claimLockTimeout.Milliseconds())); err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, `
		SELECT id, kind, accrued_amount::text, claimed_amount::text
		FROM accrual_ledger
		WHERE user_id = $1 AND token = $2
		ORDER BY id
		FOR UPDATE
	`, userID, token)
	if err != nil {
		if isLockTimeout(err) {
			return nil, fmt.Errorf("%w: user %d token %s", ErrLockContention, userID, token)
		}
		return nil, err
	}

	type lockedRow struct {
		id        int64
		kind      fees.Kind
		claimable decimal.Decimal
	}
	var locked []lockedRow
	for rows.Next() {
		var id int64
		var kind, accruedStr, claimedStr string
		if err := rows.Scan(&id, &kind, &accruedStr, &claimedStr); err != nil {
			rows.Close()
			return nil, err
		}
		accrued, claimed, err := parseBalancePair(accruedStr, claimedStr)
		if err != nil {
			rows.Close()
			return nil, err
		}
		claimable := accrued.Sub(claimed)
		if claimable.IsNegative() {
			rows.Close()
			return nil, fmt.Errorf("%w: user %d kind %s token %s claimed exceeds accrued", ErrLedgerInconsistency, userID, kind, token)
		}
		locked = append(locked, lockedRow{id: id, kind: fees.Kind(kind), claimable: claimable})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		if isLockTimeout(err) {
			return nil, fmt.Errorf("%w: user %d token %s", ErrLockContention, userID, token)
		}
		return nil, err
	}

	total := decimal.Zero
	settleIDs := make([]int64, 0, len(locked))
	lines := make([]ClaimLine, 0, len(locked))
	for _, r := range locked {
		if r.claimable.IsZero() {
			continue
		}
		total = total.Add(r.claimable)
		settleIDs = append(settleIDs, r.id)
		lines = append(lines, ClaimLine{Kind: r.kind, Amount: r.claimable})
	}
	if total.IsZero() {
		return nil, fmt.Errorf("%w: user %d token %s", ErrNothingToClaim, userID, token)
	}

	now := time.Now().UTC()
	tag, err := tx.Exec(ctx, `
		UPDATE accrual_ledger
		SET claimed_amount = accrued_amount, updated_at = $1
		WHERE id = ANY($2)
	`, now, settleIDs)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() != int64(len(settleIDs)) {
		return nil, fmt.Errorf("%w: settled %d of %d locked rows", ErrLedgerInconsistency, tag.RowsAffected(), len(settleIDs))
	}

	batchID := uuid.New()
	if _, err := tx.Exec(ctx, `
		INSERT INTO payout_batches (batch_id, user_id, token, amount, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'pending', $5, $5)
	`, batchID, userID, token, total.String(), now); err != nil {
		return nil, fmt.Errorf("insert payout batch: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO claim_events (user_id, token, action, amount, detail, created_at)
		VALUES ($1, $2, 'execute', $3, $4, $5)
	`, userID, token, total.String(), batchID.String(), now); err != nil {
		return nil, fmt.Errorf("insert claim event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	committed = true

	sortClaimLines(lines)
	return &ClaimResult{BatchID: batchID, UserID: userID, Token: token, Amount: total, Lines: lines}, nil
}

// GetPayoutBatch looks up one payout instruction by its external batch id.
func (s *Store) GetPayoutBatch(ctx context.Context, batchID uuid.UUID) (PayoutBatch, error) {
	var b PayoutBatch
	var amountStr string
	row := s.pool.QueryRow(ctx, `
		SELECT id, batch_id, user_id, token, amount::text, status, created_at, updated_at
		FROM payout_batches
		WHERE batch_id = $1
	`, batchID)
	if err := row.Scan(&b.ID, &b.BatchID, &b.UserID, &b.Token, &amountStr, &b.Status, &b.CreatedAt, &b.UpdatedAt); err != nil {
		return PayoutBatch{}, err
	}
	var err error
	b.Amount, err = decimal.NewFromString(amountStr)
	if err != nil {
		return PayoutBatch{}, fmt.Errorf("parse batch amount: %w", err)
	}
	return b, nil
}

// Earnings aggregates a user's accruals. Without a time window it reads the
// ledger directly; with one it sums journal entries, since ledger totals are
// lifetime-only.
func (s *Store) Earnings(ctx context.Context, q EarningsQuery) (*EarningsReport, error) {
	if _, err := s.GetUser(ctx, q.UserID); err != nil {
		return nil, err
	}

	report := &EarningsReport{
		UserID:       q.UserID,
		TotalAccrued: decimal.Zero,
		TotalClaimed: decimal.Zero,
	}

	if q.From == nil && q.To == nil {
		rows, err := s.pool.Query(ctx, `
			SELECT kind, token, accrued_amount::text, claimed_amount::text
			FROM accrual_ledger
			WHERE user_id = $1
			ORDER BY token, kind
		`, q.UserID)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		for rows.Next() {
			var kind, token, accruedStr, claimedStr string
			if err := rows.Scan(&kind, &token, &accruedStr, &claimedStr); err != nil {
				return nil, err
			}
			accrued, claimed, err := parseBalancePair(accruedStr, claimedStr)
			if err != nil {
				return nil, err
			}
			report.Lines = append(report.Lines, EarningsLine{Kind: fees.Kind(kind), Token: token, Accrued: accrued, Claimed: claimed})
			report.TotalAccrued = report.TotalAccrued.Add(accrued)
			report.TotalClaimed = report.TotalClaimed.Add(claimed)
		}
		if err := rows.Err(); err != nil {
			return nil, err
		}
	} else {
		report.Windowed = true
		sql, args := windowedEarningsQuery(q)
		rows, err := s.pool.Query(ctx, sql, args...)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		for rows.Next() {
			var kind, token, sumStr string
			if err := rows.Scan(&kind, &token, &sumStr); err != nil {
				return nil, err
			}
			accrued, err := decimal.NewFromString(sumStr)
			if err != nil {
				return nil, fmt.Errorf("parse windowed sum: %w", err)
			}
			report.Lines = append(report.Lines, EarningsLine{Kind: fees.Kind(kind), Token: token, Accrued: accrued, Claimed: decimal.Zero})
			report.TotalAccrued = report.TotalAccrued.Add(accrued)
		}
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}

	if q.IncludeBreakdown {
		breakdown, err := s.entryBreakdown(ctx, q)
		if err != nil {
			return nil, err
		}
		report.Breakdown = breakdown
	}
	return report, nil
}

func windowedEarningsQuery(q EarningsQuery) (string, []any) {
	var b strings.Builder
	b.WriteString(`
		SELECT kind, token, COALESCE(SUM(amount), 0)::text
		FROM accrual_entries
		WHERE beneficiary_id = $1`)
	args := []any{q.UserID}
	if q.From != nil {
		args = append(args, *q.From)
		fmt.Fprintf(&b, " AND executed_at >= $%d", len(args))
	}
	if q.To != nil {
		args = append(args, *q.To)
		fmt.Fprintf(&b, " AND executed_at <= $%d", len(args))
	}
	b.WriteString(" GROUP BY kind, token ORDER BY token, kind")
	return b.String(), args
}

func (s *Store) entryBreakdown(ctx context.Context, q EarningsQuery) ([]AccrualEntry, error) {
	limit := q.BreakdownLimit
	if limit <= 0 {
		limit = defaultBreakdownLimit
	}
	if limit > maxBreakdownLimit {
		limit = maxBreakdownLimit
	}

	var b strings.Builder
	b.WriteString(`
		SELECT id, trade_pk, chain, beneficiary_id, kind, token, amount::text, executed_at, created_at
		FROM accrual_entries
		WHERE beneficiary_id = $1`)
	args := []any{q.UserID}
	if q.From != nil {
		args = append(args, *q.From)
		fmt.Fprintf(&b, " AND executed_at >= $%d", len(args))
	}
	if q.To != nil {
		args = append(args, *q.To)
		fmt.Fprintf(&b, " AND executed_at <= $%d", len(args))
	}
	args = append(args, limit)
	fmt.Fprintf(&b, " ORDER BY executed_at DESC, id DESC LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, b.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []AccrualEntry
	for rows.Next() {
		var e AccrualEntry
		var kind, amountStr string
		if err := rows.Scan(&e.ID, &e.TradePK, &e.Chain, &e.BeneficiaryID, &kind, &e.Token, &amountStr, &e.ExecutedAt, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Kind = fees.Kind(kind)
		e.Amount, err = decimal.NewFromString(amountStr)
		if err != nil {
			return nil, fmt.Errorf("parse entry amount: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// auditClaim is observability only; failures are logged, never surfaced.
func (s *Store) auditClaim(ctx context.Context, userID int64, token, action string, amount decimal.Decimal, detail string) {
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO claim_events (user_id, token, action, amount, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, userID, token, action, amount.String(), detail, time.Now().UTC()); err != nil {
		s.logger.Warn("claim audit write failed", "user_id", userID, "token", token, "action", action, "error", err)
	}
}

func parseBalancePair(accruedStr, claimedStr string) (decimal.Decimal, decimal.Decimal, error) {
	accrued, err := decimal.NewFromString(accruedStr)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("parse accrued amount: %w", err)
	}
	claimed, err := decimal.NewFromString(claimedStr)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("parse claimed amount: %w", err)
	}
	return accrued, claimed, nil
}

var kindRank = func() map[fees.Kind]int {
	m := make(map[fees.Kind]int, len(fees.Kinds))
	for i, k := range fees.Kinds {
		m[k] = i
	}
	return m
}()

func sortClaimLines(lines []ClaimLine) {
	sort.Slice(lines, func(i, j int) bool {
		return kindRank[lines[i].Kind] < kindRank[lines[j].Kind]
	})
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func isLockTimeout(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "55P03"
	}
	return false
}
