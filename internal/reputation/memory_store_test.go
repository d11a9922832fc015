package reputation

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"GluePay-Chain/internal/identity"
)

func registeredPair(t *testing.T) (*identity.MemoryDirectory, string, string) {
	t.Helper()
	dir := identity.NewMemoryDirectory()
	buyer, err := dir.Register(context.Background(), common.HexToAddress("0x00000000000000000000000000000000000000aa"), "buyer.example.xyz")
	if err != nil {
		t.Fatalf("register buyer: %v", err)
	}
	seller, err := dir.Register(context.Background(), common.HexToAddress("0x00000000000000000000000000000000000000bb"), "seller.example.xyz")
	if err != nil {
		t.Fatalf("register seller: %v", err)
	}
	return dir, buyer.ID, seller.ID
}

func TestBidirectionalRatings(t *testing.T) {
	dir, buyer, seller := registeredPair(t)
	store := NewMemoryStore(dir)
	ctx := context.Background()

	if err := store.Rate(ctx, Rating{Rater: buyer, Ratee: seller, Role: RoleSeller, Score: 90}); err != nil {
		t.Fatalf("buyer rates seller: %v", err)
	}
	if err := store.Rate(ctx, Rating{Rater: seller, Ratee: buyer, Role: RoleClient, Score: 40}); err != nil {
		t.Fatalf("seller rates buyer: %v", err)
	}

	// Both directions coexist and neither write touched the other's key.
	got, err := store.GetRating(ctx, buyer, seller, RoleSeller)
	if err != nil {
		t.Fatalf("get seller rating: %v", err)
	}
	if got.Score != 90 {
		t.Fatalf("seller rating = %d, want 90", got.Score)
	}
	got, err = store.GetRating(ctx, seller, buyer, RoleClient)
	if err != nil {
		t.Fatalf("get client rating: %v", err)
	}
	if got.Score != 40 {
		t.Fatalf("client rating = %d, want 40", got.Score)
	}
}

func TestRatingOverwrite(t *testing.T) {
	dir, buyer, seller := registeredPair(t)
	store := NewMemoryStore(dir)
	ctx := context.Background()

	if err := store.Rate(ctx, Rating{Rater: buyer, Ratee: seller, Role: RoleSeller, Score: 80}); err != nil {
		t.Fatalf("first rate: %v", err)
	}
	if err := store.Rate(ctx, Rating{Rater: buyer, Ratee: seller, Role: RoleSeller, Score: 60}); err != nil {
		t.Fatalf("second rate: %v", err)
	}

	got, err := store.GetRating(ctx, buyer, seller, RoleSeller)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Score != 60 {
		t.Fatalf("score = %d, want 60 (last write wins)", got.Score)
	}

	all, err := store.GetAllRatingsFor(ctx, seller)
	if err != nil {
		t.Fatalf("get all: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected a single record for the key, got %d", len(all))
	}
}

func TestRateValidation(t *testing.T) {
	dir, buyer, seller := registeredPair(t)
	store := NewMemoryStore(dir)
	ctx := context.Background()

	if err := store.Rate(ctx, Rating{Rater: buyer, Ratee: seller, Role: RoleSeller, Score: 101}); !errors.Is(err, ErrScoreOutOfRange) {
		t.Fatalf("score 101: got %v, want ErrScoreOutOfRange", err)
	}
	if err := store.Rate(ctx, Rating{Rater: buyer, Ratee: seller, Role: RoleSeller, Score: -1}); !errors.Is(err, ErrScoreOutOfRange) {
		t.Fatalf("score -1: got %v, want ErrScoreOutOfRange", err)
	}
	if err := store.Rate(ctx, Rating{Rater: buyer, Ratee: "missing", Role: RoleSeller, Score: 50}); !errors.Is(err, ErrUnknownIdentity) {
		t.Fatalf("unknown ratee: got %v, want ErrUnknownIdentity", err)
	}
	if err := store.Rate(ctx, Rating{Rater: "missing", Ratee: seller, Role: RoleSeller, Score: 50}); !errors.Is(err, ErrUnknownIdentity) {
		t.Fatalf("unknown rater: got %v, want ErrUnknownIdentity", err)
	}
}

func TestValidatorRole(t *testing.T) {
	dir, _, seller := registeredPair(t)
	validator, err := dir.Register(context.Background(), common.HexToAddress("0x00000000000000000000000000000000000000cc"), "validator.example.xyz")
	if err != nil {
		t.Fatalf("register validator: %v", err)
	}
	store := NewMemoryStore(dir)
	ctx := context.Background()

	if err := store.Rate(ctx, Rating{Rater: seller, Ratee: validator.ID, Role: RoleValidator, Score: 75, Metadata: "thorough check"}); err != nil {
		t.Fatalf("rate validator: %v", err)
	}
	all, err := store.GetAllRatingsFor(ctx, validator.ID)
	if err != nil {
		t.Fatalf("get all: %v", err)
	}
	if len(all) != 1 || all[0].Role != RoleValidator {
		t.Fatalf("unexpected ratings: %+v", all)
	}
}
