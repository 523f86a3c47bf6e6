// Package cache layers a Redis read-through cache over the cost catalog.
// Effective costs are read on every consume, change rarely, and tolerate a
// short staleness window, which makes them the one hot read worth caching.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"tally.org/internal/token"
)

const (
	keyPrefix  = "tally:cost:"
	defaultTTL = 5 * time.Minute
)

// CostCache decorates a token.Service: ResolveCost goes through Redis,
// UpsertActionCost invalidates, everything else passes straight through.
type CostCache struct {
	token.Service
	rdb *redis.Client
	ttl time.Duration
}

// New connects to Redis and wraps the service. The connection is verified up
// front so a bad address fails at startup, not on the first consume.
func New(ctx context.Context, svc token.Service, addr string) (*CostCache, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return Wrap(svc, rdb), nil
}

// Wrap builds the cache over an existing client. Used by tests.
func Wrap(svc token.Service, rdb *redis.Client) *CostCache {
	return &CostCache{Service: svc, rdb: rdb, ttl: defaultTTL}
}

func (c *CostCache) Close() error { return c.rdb.Close() }

func costKey(orgID string, action token.ActionType) string {
	return keyPrefix + orgID + ":" + string(action)
}

// ResolveCost serves from Redis when possible. Cache failures degrade to a
// direct lookup; the catalog read must never fail because Redis is down.
func (c *CostCache) ResolveCost(ctx context.Context, orgID string, action token.ActionType) (token.ActionCost, error) {
	key := costKey(orgID, action)

	raw, err := c.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var cost token.ActionCost
		if err := json.Unmarshal(raw, &cost); err == nil {
			return cost, nil
		}
		// Corrupt entry: drop it and fall through to the source of truth.
		c.rdb.Del(ctx, key)
	} else if !errors.Is(err, redis.Nil) && !errors.Is(err, context.Canceled) {
		return c.Service.ResolveCost(ctx, orgID, action)
	}

	cost, err := c.Service.ResolveCost(ctx, orgID, action)
	if err != nil {
		return token.ActionCost{}, err
	}
	if data, err := json.Marshal(cost); err == nil {
		c.rdb.Set(ctx, key, data, c.ttl)
	}
	return cost, nil
}

// UpsertActionCost writes through and evicts the affected entry so the next
// resolve sees the new price immediately.
func (c *CostCache) UpsertActionCost(ctx context.Context, req token.UpsertActionCostRequest) (token.ActionCost, error) {
	cost, err := c.Service.UpsertActionCost(ctx, req)
	if err != nil {
		return token.ActionCost{}, err
	}
	c.rdb.Del(ctx, costKey(req.OrganizationID, req.Action))
	return cost, nil
}
