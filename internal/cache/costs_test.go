//go:build integration

package cache_test

import (
	"context"
	"os"
	"testing"

	goredis "github.com/redis/go-redis/v9"

	"tally.org/internal/cache"
	"tally.org/internal/token"
)

func newTestClient(t *testing.T) *goredis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis not available at %s: %v", addr, err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func seedService(t *testing.T) (*token.InMemory, string) {
	t.Helper()
	ctx := context.Background()
	svc := token.NewInMemory()
	svc.SetGlobalCost(token.ActionAISummary, 15, true, false)
	org, err := svc.CreateOrganization(ctx, "Cache Test Org")
	if err != nil {
		t.Fatalf("seed org: %v", err)
	}
	if _, err := svc.AddMember(ctx, org.ID, "admin-1", token.RoleAdmin); err != nil {
		t.Fatalf("seed admin: %v", err)
	}
	return svc, org.ID
}

func TestResolveCostReadThrough(t *testing.T) {
	ctx := context.Background()
	svc, orgID := seedService(t)
	c := cache.Wrap(svc, newTestClient(t))

	first, err := c.ResolveCost(ctx, orgID, token.ActionAISummary)
	if err != nil {
		t.Fatalf("resolve (miss): %v", err)
	}
	if first.TokenCost != 15 {
		t.Fatalf("unexpected cost: %d", first.TokenCost)
	}

	second, err := c.ResolveCost(ctx, orgID, token.ActionAISummary)
	if err != nil {
		t.Fatalf("resolve (hit): %v", err)
	}
	if second != first {
		t.Fatalf("cache hit diverged: %+v vs %+v", second, first)
	}
}

func TestUpsertEvictsCachedCost(t *testing.T) {
	ctx := context.Background()
	svc, orgID := seedService(t)
	c := cache.Wrap(svc, newTestClient(t))

	if _, err := c.ResolveCost(ctx, orgID, token.ActionAISummary); err != nil {
		t.Fatalf("warm cache: %v", err)
	}

	if _, err := c.UpsertActionCost(ctx, token.UpsertActionCostRequest{
		AdminID:        "admin-1",
		OrganizationID: orgID,
		Action:         token.ActionAISummary,
		TokenCost:      25,
		Enabled:        true,
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	cost, err := c.ResolveCost(ctx, orgID, token.ActionAISummary)
	if err != nil {
		t.Fatalf("resolve after upsert: %v", err)
	}
	if cost.TokenCost != 25 {
		t.Fatalf("stale cost served after eviction: %d", cost.TokenCost)
	}
}
