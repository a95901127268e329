package store

import (
	"context"
	"strconv"

	"github.com/openalpha/spot-core/types"
)

// The settlement scripts are the sole writers of asset hashes during live
// trading. All amounts cross the wire as fixed-point integers (×10^8) so the
// scripts stay integer-only.

const freezeLua = `
local amount = tonumber(ARGV[1])
local available = tonumber(redis.call('HGET', KEYS[1], 'available') or '0')
if available < amount then
  return 0
end
redis.call('HINCRBY', KEYS[1], 'available', -amount)
redis.call('HINCRBY', KEYS[1], 'frozen', amount)
redis.call('HSET', KEYS[1], 'updated_at', ARGV[2])
return 1
`

const unfreezeLua = `
local amount = tonumber(ARGV[1])
local frozen = tonumber(redis.call('HGET', KEYS[1], 'frozen') or '0')
if frozen < amount then
  return 0
end
redis.call('HINCRBY', KEYS[1], 'frozen', -amount)
redis.call('HINCRBY', KEYS[1], 'available', amount)
redis.call('HSET', KEYS[1], 'updated_at', ARGV[2])
return 1
`

// KEYS: buyer quote, buyer base, seller base, seller quote.
// ARGV: notional (quote), quantity (base), timestamp.
const executeTradeLua = `
local notional = tonumber(ARGV[1])
local qty = tonumber(ARGV[2])
local buyerFrozen = tonumber(redis.call('HGET', KEYS[1], 'frozen') or '0')
if buyerFrozen < notional then
  return 0
end
local sellerFrozen = tonumber(redis.call('HGET', KEYS[3], 'frozen') or '0')
if sellerFrozen < qty then
  return 0
end
redis.call('HINCRBY', KEYS[1], 'frozen', -notional)
redis.call('HINCRBY', KEYS[2], 'available', qty)
redis.call('HINCRBY', KEYS[3], 'frozen', -qty)
redis.call('HINCRBY', KEYS[4], 'available', notional)
for i = 1, 4 do
  redis.call('HSET', KEYS[i], 'updated_at', ARGV[3])
end
return 1
`

// Freeze moves amount from available to frozen for (userID, currency).
// Returns false when the available balance is insufficient.
func (s *Store) Freeze(ctx context.Context, userID int64, currency string, amount types.Amount) (bool, error) {
	return s.runScript(ctx, s.freezeScript,
		[]string{assetKey(userID, currency)},
		int64(amount), types.NowMillis())
}

// Unfreeze is the reverse of Freeze, used by cancels and self-trade
// auto-cancels. Returns false when the frozen balance is insufficient.
func (s *Store) Unfreeze(ctx context.Context, userID int64, currency string, amount types.Amount) (bool, error) {
	return s.runScript(ctx, s.unfreezeScript,
		[]string{assetKey(userID, currency)},
		int64(amount), types.NowMillis())
}

// ExecuteTrade settles one match atomically: the buyer's frozen quote pays
// the seller, the seller's frozen base pays the buyer. Returns false when
// either frozen balance is short, which indicates an invariant breach
// upstream rather than a user error.
func (s *Store) ExecuteTrade(ctx context.Context, buyerID, sellerID int64, base, quote string, price, qty types.Amount) (bool, error) {
	notional := types.Notional(price, qty)
	keys := []string{
		assetKey(buyerID, quote),
		assetKey(buyerID, base),
		assetKey(sellerID, base),
		assetKey(sellerID, quote),
	}
	return s.runScript(ctx, s.tradeScript, keys,
		int64(notional), int64(qty), types.NowMillis())
}

// Credit adds amount to a user's available balance, creating the row lazily.
// Used by the seed loader and deposit paths, never by the matching lane.
func (s *Store) Credit(ctx context.Context, userID int64, currency string, amount types.Amount) error {
	key := assetKey(userID, currency)
	if _, err := s.HIncrBy(ctx, key, "available", int64(amount)); err != nil {
		return err
	}
	return s.HSet(ctx, key, map[string]interface{}{
		"updated_at": types.NowMillis(),
	})
}

// Asset reads one balance row. A missing row reads as zero balances.
func (s *Store) Asset(ctx context.Context, userID int64, currency string) (*types.Asset, error) {
	fields, err := s.HGetAll(ctx, assetKey(userID, currency))
	if err != nil {
		return nil, err
	}
	asset := &types.Asset{UserID: userID, Currency: currency}
	if len(fields) == 0 {
		return asset, nil
	}
	asset.Available = types.Amount(parseInt(fields["available"]))
	asset.Frozen = types.Amount(parseInt(fields["frozen"]))
	asset.UpdatedAt = parseInt(fields["updated_at"])
	return asset, nil
}

// SeedAsset writes a full balance row, overwriting what is there. Only the
// seed loader calls this, before any lane starts.
func (s *Store) SeedAsset(ctx context.Context, a *types.Asset) error {
	return s.HSet(ctx, assetKey(a.UserID, a.Currency), map[string]interface{}{
		"available":  int64(a.Available),
		"frozen":     int64(a.Frozen),
		"updated_at": a.UpdatedAt,
	})
}

func parseInt(v string) int64 {
	n, _ := strconv.ParseInt(v, 10, 64)
	return n
}
