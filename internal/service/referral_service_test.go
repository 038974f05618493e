package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/itsknk/referral-system-assesment/internal/fees"
	"github.com/itsknk/referral-system-assesment/internal/storage"
)

type fakeStore struct {
	registerParent storage.User
	registerErr    error
	ingestResult   *storage.IngestResult
	ingestErr      error
	ingestCalls    []storage.IngestRequest
	claimResult    *storage.ClaimResult
	claimErr       error
	previewResult  *storage.ClaimPreview
	previewErr     error
}

func (f *fakeStore) RegisterReferral(ctx context.Context, childID int64, code string) (storage.User, error) {
	return f.registerParent, f.registerErr
}

func (f *fakeStore) EnsureReferralCode(ctx context.Context, userID int64) (string, error) {
	return "REF_TESTCODE", nil
}

func (f *fakeStore) IngestTrade(ctx context.Context, req storage.IngestRequest) (*storage.IngestResult, error) {
	f.ingestCalls = append(f.ingestCalls, req)
	return f.ingestResult, f.ingestErr
}

func (f *fakeStore) PreviewClaim(ctx context.Context, userID int64, token string) (*storage.ClaimPreview, error) {
	return f.previewResult, f.previewErr
}

func (f *fakeStore) ExecuteClaim(ctx context.Context, userID int64, token string) (*storage.ClaimResult, error) {
	return f.claimResult, f.claimErr
}

func (f *fakeStore) Earnings(ctx context.Context, q storage.EarningsQuery) (*storage.EarningsReport, error) {
	return &storage.EarningsReport{UserID: q.UserID}, nil
}

func (f *fakeStore) Downline(ctx context.Context, rootID int64, maxLevels, limitPerLevel int) ([]storage.NetworkLevel, error) {
	return nil, nil
}

type publishedMessage struct {
	topic string
	key   string
	value any
}

type fakePublisher struct {
	messages []publishedMessage
	err      error
}

func (f *fakePublisher) PublishJSON(ctx context.Context, topic, key string, value any) (int32, int64, error) {
	if f.err != nil {
		return 0, 0, f.err
	}
	f.messages = append(f.messages, publishedMessage{topic: topic, key: key, value: value})
	return 0, int64(len(f.messages)), nil
}

func (f *fakePublisher) Close() error { return nil }

func createdResult() *storage.IngestResult {
	trade := storage.Trade{
		ID:         1,
		TradeID:    "t-100",
		Chain:      "ethereum",
		TraderID:   7,
		FeeToken:   "USDC",
		FeeAmount:  decimal.RequireFromString("200.000000"),
		ExecutedAt: time.Now().UTC(),
	}
	return &storage.IngestResult{
		Status: storage.IngestCreated,
		Trade:  trade,
		Entries: []storage.AccrualEntry{
			{TradePK: 1, Chain: trade.Chain, BeneficiaryID: 7, Kind: fees.KindCashback, Token: "USDC", Amount: decimal.RequireFromString("20")},
			{TradePK: 1, Chain: trade.Chain, BeneficiaryID: 3, Kind: fees.KindCommissionL1, Token: "USDC", Amount: decimal.RequireFromString("60")},
			{TradePK: 1, Chain: trade.Chain, BeneficiaryID: 1, Kind: fees.KindTreasury, Token: "USDC", Amount: decimal.RequireFromString("120")},
		},
	}
}

func TestIngestTradePublishesAccrualPerBeneficiary(t *testing.T) {
	store := &fakeStore{ingestResult: createdResult()}
	pub := &fakePublisher{}
	svc := NewReferralService(store, pub, nil, nil)

	result, err := svc.IngestTrade(context.Background(), storage.IngestRequest{TradeID: "t-100", Chain: "ethereum"})
	if err != nil {
		t.Fatalf("IngestTrade: %v", err)
	}
	if result.Status != storage.IngestCreated {
		t.Fatalf("unexpected status %s", result.Status)
	}
	if len(pub.messages) != 3 {
		t.Fatalf("expected 3 accrual events, got %d", len(pub.messages))
	}
	for _, msg := range pub.messages {
		if msg.topic != TopicAccruals {
			t.Fatalf("event on topic %s, want %s", msg.topic, TopicAccruals)
		}
	}

	raw, err := json.Marshal(pub.messages[0].value)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	var event AccrualCreditedEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if event.EventType != eventTypeAccrual || event.TradeID != "t-100" || event.Kind != "cashback" {
		t.Fatalf("unexpected event: %+v", event)
	}
	if event.EventID != pub.messages[0].key {
		t.Fatalf("message key %s does not match event id %s", pub.messages[0].key, event.EventID)
	}
}

func TestIngestTradeDeterministicEventIDs(t *testing.T) {
	store := &fakeStore{ingestResult: createdResult()}
	first := &fakePublisher{}
	svc := NewReferralService(store, first, nil, nil)
	if _, err := svc.IngestTrade(context.Background(), storage.IngestRequest{}); err != nil {
		t.Fatalf("IngestTrade: %v", err)
	}

	second := &fakePublisher{}
	svc = NewReferralService(store, second, nil, nil)
	if _, err := svc.IngestTrade(context.Background(), storage.IngestRequest{}); err != nil {
		t.Fatalf("IngestTrade (replay): %v", err)
	}

	for i := range first.messages {
		if first.messages[i].key != second.messages[i].key {
			t.Fatalf("event id changed across replays: %s vs %s", first.messages[i].key, second.messages[i].key)
		}
	}
}

func TestIngestTradeDuplicateDoesNotPublish(t *testing.T) {
	result := createdResult()
	result.Status = storage.IngestDuplicate
	result.Entries = nil
	store := &fakeStore{ingestResult: result}
	pub := &fakePublisher{}
	svc := NewReferralService(store, pub, nil, nil)

	got, err := svc.IngestTrade(context.Background(), storage.IngestRequest{})
	if err != nil {
		t.Fatalf("IngestTrade: %v", err)
	}
	if got.Status != storage.IngestDuplicate {
		t.Fatalf("unexpected status %s", got.Status)
	}
	if len(pub.messages) != 0 {
		t.Fatalf("duplicate ingest published %d events", len(pub.messages))
	}
}

func TestIngestTradePublishFailureDoesNotFailIngest(t *testing.T) {
	store := &fakeStore{ingestResult: createdResult()}
	pub := &fakePublisher{err: errors.New("broker down")}
	svc := NewReferralService(store, pub, nil, nil)

	if _, err := svc.IngestTrade(context.Background(), storage.IngestRequest{}); err != nil {
		t.Fatalf("ingest should not fail on publish error, got %v", err)
	}
}

func TestExecuteClaimPublishesPayout(t *testing.T) {
	batchID := uuid.New()
	store := &fakeStore{claimResult: &storage.ClaimResult{
		BatchID: batchID,
		UserID:  7,
		Token:   "USDC",
		Amount:  decimal.RequireFromString("60"),
		Lines:   []storage.ClaimLine{{Kind: fees.KindCashback, Amount: decimal.RequireFromString("60")}},
	}}
	pub := &fakePublisher{}
	svc := NewReferralService(store, pub, nil, nil)

	result, err := svc.ExecuteClaim(context.Background(), 7, "USDC")
	if err != nil {
		t.Fatalf("ExecuteClaim: %v", err)
	}
	if result.BatchID != batchID {
		t.Fatalf("unexpected batch id %s", result.BatchID)
	}
	if len(pub.messages) != 1 || pub.messages[0].topic != TopicPayouts {
		t.Fatalf("expected one payout event, got %+v", pub.messages)
	}

	raw, _ := json.Marshal(pub.messages[0].value)
	var event PayoutRequestedEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		t.Fatalf("unmarshal payout event: %v", err)
	}
	if event.BatchID != batchID.String() || event.Amount != "60" {
		t.Fatalf("unexpected payout event: %+v", event)
	}
}

func TestExecuteClaimNothingToClaimDoesNotPublish(t *testing.T) {
	store := &fakeStore{claimErr: storage.ErrNothingToClaim}
	pub := &fakePublisher{}
	svc := NewReferralService(store, pub, nil, nil)

	if _, err := svc.ExecuteClaim(context.Background(), 7, "USDC"); !errors.Is(err, storage.ErrNothingToClaim) {
		t.Fatalf("expected ErrNothingToClaim, got %v", err)
	}
	if len(pub.messages) != 0 {
		t.Fatalf("failed claim published %d events", len(pub.messages))
	}
}

func TestRegisterReferralSurfacesStoreErrors(t *testing.T) {
	store := &fakeStore{registerErr: storage.ErrUnknownReferralCode}
	svc := NewReferralService(store, nil, nil, nil)

	if _, err := svc.RegisterReferral(context.Background(), 5, "REF_X"); !errors.Is(err, storage.ErrUnknownReferralCode) {
		t.Fatalf("expected ErrUnknownReferralCode, got %v", err)
	}

	store = &fakeStore{registerParent: storage.User{ID: 3}}
	svc = NewReferralService(store, nil, nil, nil)
	result, err := svc.RegisterReferral(context.Background(), 5, "REF_X")
	if err != nil {
		t.Fatalf("RegisterReferral: %v", err)
	}
	if result.ChildID != 5 || result.ParentID != 3 {
		t.Fatalf("unexpected result: %+v", result)
	}
}
