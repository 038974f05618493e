// Package service exposes the referral engine's operations to transports:
// the Kafka consumer in this repo and whatever HTTP/RPC layer sits in front
// of the module externally.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/itsknk/referral-system-assesment/internal/storage"
	"github.com/itsknk/referral-system-assesment/libs/kafka"
)

const (
	TopicAccruals = "referral.accruals"
	TopicPayouts  = "referral.payouts"

	eventTypeAccrual = "referral.accrual.credited"
	eventTypePayout  = "referral.payout.requested"
	eventVersion     = 1
)

type Store interface {
	RegisterReferral(ctx context.Context, childID int64, referralCode string) (storage.User, error)
	EnsureReferralCode(ctx context.Context, userID int64) (string, error)
	IngestTrade(ctx context.Context, req storage.IngestRequest) (*storage.IngestResult, error)
	PreviewClaim(ctx context.Context, userID int64, token string) (*storage.ClaimPreview, error)
	ExecuteClaim(ctx context.Context, userID int64, token string) (*storage.ClaimResult, error)
	Earnings(ctx context.Context, q storage.EarningsQuery) (*storage.EarningsReport, error)
	Downline(ctx context.Context, rootID int64, maxLevels, limitPerLevel int) ([]storage.NetworkLevel, error)
}

type ReferralService struct {
	store     Store
	publisher kafka.Publisher
	logger    *slog.Logger
	metrics   *Metrics
}

func NewReferralService(store Store, publisher kafka.Publisher, logger *slog.Logger, metrics *Metrics) *ReferralService {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReferralService{
		store:     store,
		publisher: publisher,
		logger:    logger,
		metrics:   metrics,
	}
}

type RegisterResult struct {
	ChildID  int64
	ParentID int64
}

func (s *ReferralService) RegisterReferral(ctx context.Context, childID int64, referralCode string) (*RegisterResult, error) {
	parent, err := s.store.RegisterReferral(ctx, childID, referralCode)
	if err != nil {
		s.countRegistration(err)
		return nil, err
	}
	s.countRegistration(nil)
	s.logger.Info("referral registered", "child_id", childID, "parent_id", parent.ID)
	return &RegisterResult{ChildID: childID, ParentID: parent.ID}, nil
}

func (s *ReferralService) countRegistration(err error) {
	if s.metrics == nil {
		return
	}
	status := "success"
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrUnknownReferralCode):
		status = "unknown_code"
	case errors.Is(err, storage.ErrAlreadyReferred):
		status = "already_referred"
	case errors.Is(err, storage.ErrSelfReferral):
		status = "self_referral"
	default:
		status = "error"
	}
	s.metrics.Registrations.WithLabelValues(status).Inc()
}

func (s *ReferralService) EnsureReferralCode(ctx context.Context, userID int64) (string, error) {
	return s.store.EnsureReferralCode(ctx, userID)
}

type AccrualCreditedEvent struct {
	kafka.Envelope
	TradeID       string `json:"trade_id"`
	Chain         string `json:"chain"`
	BeneficiaryID int64  `json:"beneficiary_id"`
	Kind          string `json:"kind"`
	Token         string `json:"token"`
	Amount        string `json:"amount"`
}

// IngestTrade records a trade's fee split and, when the trade is new,
// publishes one accrual event per beneficiary. Publishing happens after the
// commit and is best-effort; event IDs are deterministic so replays do not
// mint new logical events.
func (s *ReferralService) IngestTrade(ctx context.Context, req storage.IngestRequest) (*storage.IngestResult, error) {
	start := time.Now()
	result, err := s.store.IngestTrade(ctx, req)
	if s.metrics != nil {
		s.metrics.IngestDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		if s.metrics != nil {
			s.metrics.TradesIngested.WithLabelValues("error").Inc()
		}
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.TradesIngested.WithLabelValues(string(result.Status)).Inc()
	}

	if result.Status == storage.IngestCreated {
		s.publishAccruals(ctx, result)
	}
	return result, nil
}

func (s *ReferralService) publishAccruals(ctx context.Context, result *storage.IngestResult) {
	if s.publisher == nil {
		return
	}
	for _, entry := range result.Entries {
		eventID := kafka.DeterministicEventID("accrual", result.Trade.TradeID, result.Trade.Chain, string(entry.Kind), entry.Token)
		envelope, err := kafka.NewEnvelopeWithID(eventID, eventTypeAccrual, eventVersion, result.Trade.TradeID)
		if err != nil {
			s.logger.Error("build accrual envelope failed", "trade_id", result.Trade.TradeID, "error", err)
			continue
		}
		event := AccrualCreditedEvent{
			Envelope:      envelope,
			TradeID:       result.Trade.TradeID,
			Chain:         result.Trade.Chain,
			BeneficiaryID: entry.BeneficiaryID,
			Kind:          string(entry.Kind),
			Token:         entry.Token,
			Amount:        entry.Amount.String(),
		}
		if _, _, err := s.publisher.PublishJSON(ctx, TopicAccruals, eventID, event); err != nil {
			if s.metrics != nil {
				s.metrics.PublishFailures.WithLabelValues(TopicAccruals).Inc()
			}
			s.logger.Error("publish accrual event failed", "trade_id", result.Trade.TradeID, "kind", entry.Kind, "error", err)
			continue
		}
		if s.metrics != nil {
			s.metrics.EventsPublished.WithLabelValues(TopicAccruals).Inc()
		}
	}
}

func (s *ReferralService) PreviewClaim(ctx context.Context, userID int64, token string) (*storage.ClaimPreview, error) {
	preview, err := s.store.PreviewClaim(ctx, userID, token)
	if s.metrics != nil {
		s.metrics.ClaimsTotal.WithLabelValues("preview", claimStatus(err)).Inc()
	}
	return preview, err
}

type PayoutRequestedEvent struct {
	kafka.Envelope
	BatchID string `json:"batch_id"`
	UserID  int64  `json:"user_id"`
	Token   string `json:"token"`
	Amount  string `json:"amount"`
}

// ExecuteClaim settles the caller's unclaimed balance and hands the payout
// batch to the external payment system via the payouts topic.
func (s *ReferralService) ExecuteClaim(ctx context.Context, userID int64, token string) (*storage.ClaimResult, error) {
	start := time.Now()
	result, err := s.store.ExecuteClaim(ctx, userID, token)
	if s.metrics != nil {
		s.metrics.ClaimDuration.Observe(time.Since(start).Seconds())
		s.metrics.ClaimsTotal.WithLabelValues("execute", claimStatus(err)).Inc()
	}
	if err != nil {
		if errors.Is(err, storage.ErrLedgerInconsistency) {
			s.logger.Error("claim aborted on ledger inconsistency", "user_id", userID, "token", token, "error", err)
		}
		return nil, err
	}

	if s.metrics != nil {
		amount, _ := result.Amount.Float64()
		s.metrics.ClaimAmount.Observe(amount)
	}
	s.logger.Info("claim settled", "user_id", userID, "token", token, "batch_id", result.BatchID.String(), "amount", result.Amount.String())

	s.publishPayout(ctx, result)
	return result, nil
}

func (s *ReferralService) publishPayout(ctx context.Context, result *storage.ClaimResult) {
	if s.publisher == nil {
		return
	}
	eventID := kafka.DeterministicEventID("payout", result.BatchID.String())
	envelope, err := kafka.NewEnvelopeWithID(eventID, eventTypePayout, eventVersion, result.BatchID.String())
	if err != nil {
		s.logger.Error("build payout envelope failed", "batch_id", result.BatchID.String(), "error", err)
		return
	}
	event := PayoutRequestedEvent{
		Envelope: envelope,
		BatchID:  result.BatchID.String(),
		UserID:   result.UserID,
		Token:    result.Token,
		Amount:   result.Amount.String(),
	}
	if _, _, err := s.publisher.PublishJSON(ctx, TopicPayouts, eventID, event); err != nil {
		if s.metrics != nil {
			s.metrics.PublishFailures.WithLabelValues(TopicPayouts).Inc()
		}
		s.logger.Error("publish payout event failed", "batch_id", result.BatchID.String(), "error", err)
		return
	}
	if s.metrics != nil {
		s.metrics.EventsPublished.WithLabelValues(TopicPayouts).Inc()
	}
}

func claimStatus(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, storage.ErrNothingToClaim):
		return "nothing_to_claim"
	case errors.Is(err, storage.ErrLockContention):
		return "contention"
	case errors.Is(err, storage.ErrLedgerInconsistency):
		return "inconsistency"
	default:
		return "error"
	}
}

func (s *ReferralService) Earnings(ctx context.Context, q storage.EarningsQuery) (*storage.EarningsReport, error) {
	report, err := s.store.Earnings(ctx, q)
	if s.metrics != nil {
		s.metrics.QueriesTotal.WithLabelValues("earnings", queryStatus(err)).Inc()
	}
	return report, err
}

func (s *ReferralService) Network(ctx context.Context, rootID int64, maxLevels, limitPerLevel int) ([]storage.NetworkLevel, error) {
	levels, err := s.store.Downline(ctx, rootID, maxLevels, limitPerLevel)
	if s.metrics != nil {
		s.metrics.QueriesTotal.WithLabelValues("network", queryStatus(err)).Inc()
	}
	return levels, err
}

func queryStatus(err error) string {
	if err == nil {
		return "success"
	}
	return "error"
}
