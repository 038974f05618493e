// Package storage persists the referral accrual model on Postgres via pgx.
//
// Schema (managed externally, documented here for reference):
//
//	CREATE TABLE users (
//	    id            BIGSERIAL PRIMARY KEY,
//	    username      TEXT NOT NULL UNIQUE,
//	    referral_code TEXT UNIQUE,
//	    referrer_id   BIGINT REFERENCES users(id),
//	    is_treasury   BOOLEAN NOT NULL DEFAULT FALSE,
//	    created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
//	    updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
//	);
//
//	CREATE TABLE trades (
//	    id          BIGSERIAL PRIMARY KEY,
//	    trade_id    TEXT NOT NULL,
//	    chain       TEXT NOT NULL,
//	    trader_id   BIGINT NOT NULL REFERENCES users(id),
//	    fee_token   TEXT NOT NULL,
//	    fee_amount  NUMERIC(30,6) NOT NULL CHECK (fee_amount >= 0),
//	    executed_at TIMESTAMPTZ NOT NULL,
//	    created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
//	    UNIQUE (trade_id, chain)
//	);
//
//	CREATE TABLE accrual_entries (
//	    id             BIGSERIAL PRIMARY KEY,
//	    trade_pk       BIGINT NOT NULL REFERENCES trades(id) ON DELETE CASCADE,
//	    chain          TEXT NOT NULL,
//	    beneficiary_id BIGINT NOT NULL REFERENCES users(id),
//	    kind           TEXT NOT NULL,
//	    token          TEXT NOT NULL,
//	    amount         NUMERIC(30,6) NOT NULL CHECK (amount >= 0),
//	    executed_at    TIMESTAMPTZ NOT NULL,
//	    created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
//	);
//	CREATE INDEX idx_accrual_entries_beneficiary ON accrual_entries (beneficiary_id, executed_at);
//
//	CREATE TABLE accrual_ledger (
//	    id             BIGSERIAL PRIMARY KEY,
//	    user_id        BIGINT NOT NULL REFERENCES users(id),
//	    kind           TEXT NOT NULL,
//	    token          TEXT NOT NULL,
//	    accrued_amount NUMERIC(30,6) NOT NULL DEFAULT 0,
//	    claimed_amount NUMERIC(30,6) NOT NULL DEFAULT 0,
//	    updated_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
//	    UNIQUE (user_id, kind, token),
//	    CHECK (claimed_amount <= accrued_amount)
//	);
//
//	CREATE TABLE claim_events (
//	    id         BIGSERIAL PRIMARY KEY,
//	    user_id    BIGINT NOT NULL,
//	    token      TEXT NOT NULL,
//	    action     TEXT NOT NULL,
//	    amount     NUMERIC(30,6) NOT NULL,
//	    detail     TEXT NOT NULL DEFAULT '',
//	    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
//	);
//
//	CREATE TABLE payout_batches (
//	    id         BIGSERIAL PRIMARY KEY,
//	    batch_id   UUID NOT NULL UNIQUE,
//	    user_id    BIGINT NOT NULL REFERENCES users(id),
//	    token      TEXT NOT NULL,
//	    amount     NUMERIC(30,6) NOT NULL CHECK (amount > 0),
//	    status     TEXT NOT NULL DEFAULT 'pending',
//	    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
//	    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
//	);
package storage
