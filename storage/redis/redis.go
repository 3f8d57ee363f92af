// Package redis provides a Redis-backed ledger.Storage.
//
// Balance state lives in Redis hashes with Lua scripts for reserve, settle,
// and grant so each mutation is a single atomic server-side operation. This
// makes the store safe for multi-instance deployments.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/mihaimyh/shoplingo/pkg/ledger"
)

// LedgerStore is a Redis-backed ledger.Storage.
type LedgerStore struct {
	client    goredis.Cmdable
	keyPrefix string
}

var _ ledger.Storage = (*LedgerStore)(nil)

// Option configures LedgerStore.
type Option func(*LedgerStore)

// WithKeyPrefix sets the Redis key prefix (default "shoplingo:ledger:").
func WithKeyPrefix(prefix string) Option {
	return func(s *LedgerStore) { s.keyPrefix = prefix }
}

// New creates a Redis-backed ledger store. The client must be a connected
// *goredis.Client or *goredis.ClusterClient.
func New(client goredis.Cmdable, opts ...Option) *LedgerStore {
	s := &LedgerStore{
		client:    client,
		keyPrefix: "shoplingo:ledger:",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *LedgerStore) balanceKey(shop string) string { return s.keyPrefix + "bal:" + shop }
func (s *LedgerStore) resKey(id string) string       { return s.keyPrefix + "res:" + id }
func (s *LedgerStore) resIndexKey(shop string) string {
	return s.keyPrefix + "resix:" + shop
}
func (s *LedgerStore) pendingKey() string      { return s.keyPrefix + "pending" }
func (s *LedgerStore) idemKey(k string) string { return s.keyPrefix + "idem:" + k }

// createScript initializes a balance hash exactly once.
// KEYS[1] = balance key
// ARGV[1] = initial grant, ARGV[2] = now (unix seconds)
var createScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
    redis.call("HSET", KEYS[1],
        "balance", ARGV[1],
        "total_granted", ARGV[1],
        "total_purchased", "0",
        "updated_at", ARGV[2])
end
return 1
`)

// reserveScript atomically holds tokens and records the pending reservation.
// KEYS[1] = balance key, KEYS[2] = reservation key,
// KEYS[3] = reservation index, KEYS[4] = pending zset
// ARGV[1] = reservation id, ARGV[2] = shop, ARGV[3] = amount,
// ARGV[4] = feature, ARGV[5] = now (unix seconds)
//
// Returns: 1 reserved, 0 insufficient, -1 no balance.
var reserveScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
    return -1
end
local balance = tonumber(redis.call("HGET", KEYS[1], "balance"))
local amount = tonumber(ARGV[3])
if balance < amount then
    return 0
end
redis.call("HINCRBY", KEYS[1], "balance", -amount)
redis.call("HSET", KEYS[1], "updated_at", ARGV[5])
redis.call("HSET", KEYS[2],
    "shop", ARGV[2],
    "amount", ARGV[3],
    "feature", ARGV[4],
    "status", "pending",
    "actual", "0",
    "created_at", ARGV[5],
    "settled_at", "0")
redis.call("RPUSH", KEYS[3], ARGV[1])
redis.call("ZADD", KEYS[4], tonumber(ARGV[5]), ARGV[1])
return 1
`)

// settleScript terminates a reservation.
// KEYS[1] = reservation key, KEYS[2] = pending zset
// ARGV[1] = reservation id, ARGV[2] = kind ("finalize"|"refund"),
// ARGV[3] = reported actual, ARGV[4] = now (unix seconds),
// ARGV[5] = balance key prefix
//
// Returns: {1} settled, {0} idempotent repeat, {-1} not found, {-2} conflict.
var settleScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
    return {-1}
end
local status = redis.call("HGET", KEYS[1], "status")
local kind = ARGV[2]
if status ~= "pending" then
    if (kind == "finalize" and status == "finalized") or (kind == "refund" and status == "refunded") then
        return {0}
    end
    return {-2}
end

local shop = redis.call("HGET", KEYS[1], "shop")
local amount = tonumber(redis.call("HGET", KEYS[1], "amount"))
local balance_key = ARGV[5] .. shop

if kind == "finalize" then
    local actual = tonumber(ARGV[3])
    if actual > amount then
        actual = amount
    end
    redis.call("HINCRBY", balance_key, "balance", amount - actual)
    redis.call("HSET", KEYS[1], "status", "finalized", "actual", tostring(actual), "settled_at", ARGV[4])
else
    redis.call("HINCRBY", balance_key, "balance", amount)
    redis.call("HSET", KEYS[1], "status", "refunded", "settled_at", ARGV[4])
end
redis.call("HSET", balance_key, "updated_at", ARGV[4])
redis.call("ZREM", KEYS[2], ARGV[1])
return {1}
`)

// grantScript credits tokens, creating the balance hash if absent.
// KEYS[1] = balance key, KEYS[2] = idempotency key
// ARGV[1] = amount, ARGV[2] = purchased ("1"|"0"),
// ARGV[3] = now (unix seconds), ARGV[4] = has_idem ("1"|"0")
//
// Returns: 1 granted, -1 duplicate idempotency key.
var grantScript = goredis.NewScript(`
if ARGV[4] == "1" then
    local set = redis.call("SET", KEYS[2], "1", "NX")
    if not set then
        return -1
    end
end
redis.call("HINCRBY", KEYS[1], "balance", tonumber(ARGV[1]))
redis.call("HINCRBY", KEYS[1], "total_granted", tonumber(ARGV[1]))
if ARGV[2] == "1" then
    redis.call("HINCRBY", KEYS[1], "total_purchased", tonumber(ARGV[1]))
end
redis.call("HSET", KEYS[1], "updated_at", ARGV[3])
return 1
`)

// GetBalance implements ledger.Storage.
func (s *LedgerStore) GetBalance(ctx context.Context, shop string) (*ledger.TokenBalance, error) {
	fields, err := s.client.HGetAll(ctx, s.balanceKey(shop)).Result()
	if err != nil {
		return nil, fmt.Errorf("shoplingo/redis: get balance: %w", err)
	}
	if len(fields) == 0 {
		return nil, ledger.ErrBalanceNotFound
	}

	bal, err := balanceFromFields(shop, fields)
	if err != nil {
		return nil, err
	}

	ids, err := s.client.LRange(ctx, s.resIndexKey(shop), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("shoplingo/redis: list reservations: %w", err)
	}
	for _, id := range ids {
		res, err := s.getReservation(ctx, id)
		if err != nil {
			if err == ledger.ErrReservationNotFound {
				continue
			}
			return nil, err
		}
		bal.Reservations = append(bal.Reservations, res)
	}
	return bal, nil
}

// GetOrCreateBalance implements ledger.Storage.
func (s *LedgerStore) GetOrCreateBalance(ctx context.Context, shop string, initialGrant int64, now time.Time) (*ledger.TokenBalance, error) {
	err := createScript.Run(ctx, s.client,
		[]string{s.balanceKey(shop)},
		initialGrant, now.Unix(),
	).Err()
	if err != nil {
		return nil, fmt.Errorf("shoplingo/redis: create balance: %w", err)
	}
	return s.GetBalance(ctx, shop)
}

// Reserve implements ledger.Storage.
func (s *LedgerStore) Reserve(ctx context.Context, req *ledger.ReserveRequest) (*ledger.Reservation, error) {
	if req.Amount <= 0 {
		return nil, ledger.ErrInvalidAmount
	}

	result, err := reserveScript.Run(ctx, s.client,
		[]string{
			s.balanceKey(req.Shop),
			s.resKey(req.ReservationID),
			s.resIndexKey(req.Shop),
			s.pendingKey(),
		},
		req.ReservationID, req.Shop, req.Amount, req.Feature, req.Now.Unix(),
	).Int64()
	if err != nil {
		return nil, fmt.Errorf("shoplingo/redis: reserve: %w", err)
	}

	switch result {
	case 1:
		return &ledger.Reservation{
			ID:        req.ReservationID,
			Shop:      req.Shop,
			Amount:    req.Amount,
			Feature:   req.Feature,
			Status:    ledger.ReservationPending,
			CreatedAt: req.Now,
		}, nil
	case 0:
		return nil, ledger.ErrInsufficientBalance
	default:
		return nil, ledger.ErrBalanceNotFound
	}
}

// Settle implements ledger.Storage.
func (s *LedgerStore) Settle(ctx context.Context, req *ledger.SettleRequest) (*ledger.Reservation, error) {
	result, err := settleScript.Run(ctx, s.client,
		[]string{s.resKey(req.ReservationID), s.pendingKey()},
		req.ReservationID, string(req.Kind), req.ActualAmount, req.Now.Unix(), s.keyPrefix+"bal:",
	).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("shoplingo/redis: settle: %w", err)
	}
	if len(result) == 0 {
		return nil, ledger.ErrStorageUnavailable
	}

	switch result[0] {
	case 1, 0:
		return s.getReservation(ctx, req.ReservationID)
	case -1:
		return nil, ledger.ErrReservationNotFound
	default:
		return nil, ledger.ErrReservationSettled
	}
}

// AddTokens implements ledger.Storage.
func (s *LedgerStore) AddTokens(ctx context.Context, req *ledger.GrantRequest) error {
	if req.Amount <= 0 {
		return ledger.ErrInvalidAmount
	}

	hasIdem := "0"
	idemK := s.idemKey("_noop")
	if req.IdempotencyKey != "" {
		hasIdem = "1"
		idemK = s.idemKey(req.IdempotencyKey)
	}

	purchased := "0"
	if req.Purchased {
		purchased = "1"
	}

	result, err := grantScript.Run(ctx, s.client,
		[]string{s.balanceKey(req.Shop), idemK},
		req.Amount, purchased, req.Now.Unix(), hasIdem,
	).Int64()
	if err != nil {
		return fmt.Errorf("shoplingo/redis: grant: %w", err)
	}
	if result == -1 {
		return ledger.ErrIdempotencyKeyExists
	}
	return nil
}

// StaleReservations implements ledger.Storage.
func (s *LedgerStore) StaleReservations(ctx context.Context, olderThan time.Time) ([]*ledger.Reservation, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.pendingKey(), &goredis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(olderThan.Unix()-1, 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("shoplingo/redis: stale scan: %w", err)
	}

	var stale []*ledger.Reservation
	for _, id := range ids {
		res, err := s.getReservation(ctx, id)
		if err != nil {
			if err == ledger.ErrReservationNotFound {
				// Settled between the scan and the read.
				continue
			}
			return nil, err
		}
		if res.Status == ledger.ReservationPending {
			stale = append(stale, res)
		}
	}
	return stale, nil
}

func (s *LedgerStore) getReservation(ctx context.Context, id string) (*ledger.Reservation, error) {
	fields, err := s.client.HGetAll(ctx, s.resKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("shoplingo/redis: get reservation: %w", err)
	}
	if len(fields) == 0 {
		return nil, ledger.ErrReservationNotFound
	}

	amount, err := strconv.ParseInt(fields["amount"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("shoplingo/redis: parse amount: %w", err)
	}
	actual, err := strconv.ParseInt(fields["actual"], 10, 64)
	if err != nil {
		actual = 0
	}
	createdAt, _ := strconv.ParseInt(fields["created_at"], 10, 64)
	settledAt, _ := strconv.ParseInt(fields["settled_at"], 10, 64)

	res := &ledger.Reservation{
		ID:           id,
		Shop:         fields["shop"],
		Amount:       amount,
		Feature:      fields["feature"],
		Status:       ledger.ReservationStatus(fields["status"]),
		ActualAmount: actual,
		CreatedAt:    time.Unix(createdAt, 0).UTC(),
	}
	if settledAt > 0 {
		res.SettledAt = time.Unix(settledAt, 0).UTC()
	}
	return res, nil
}

func balanceFromFields(shop string, fields map[string]string) (*ledger.TokenBalance, error) {
	balance, err := strconv.ParseInt(fields["balance"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("shoplingo/redis: parse balance: %w", err)
	}
	granted, _ := strconv.ParseInt(fields["total_granted"], 10, 64)
	purchased, _ := strconv.ParseInt(fields["total_purchased"], 10, 64)
	updatedAt, _ := strconv.ParseInt(fields["updated_at"], 10, 64)

	return &ledger.TokenBalance{
		Shop:           shop,
		Balance:        balance,
		TotalGranted:   granted,
		TotalPurchased: purchased,
		UpdatedAt:      time.Unix(updatedAt, 0).UTC(),
	}, nil
}
