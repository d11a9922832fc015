package identity

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestRegisterAndResolve(t *testing.T) {
	dir := NewMemoryDirectory()
	ctx := context.Background()
	owner := common.HexToAddress("0x00000000000000000000000000000000000000aa")

	record, err := dir.Register(ctx, owner, "karma-hello.example.xyz")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if record.ID == "" {
		t.Fatal("expected identity id")
	}

	got, err := dir.Get(ctx, record.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Domain != "karma-hello.example.xyz" {
		t.Fatalf("unexpected domain %q", got.Domain)
	}

	resolved, err := dir.ResolveByAddress(ctx, owner)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.ID != record.ID {
		t.Fatalf("resolved %q, want %q", resolved.ID, record.ID)
	}

	if _, err := dir.ResolveByAddress(ctx, common.HexToAddress("0x00000000000000000000000000000000000000ff")); !errors.Is(err, ErrIdentityNotFound) {
		t.Fatalf("unknown address: got %v, want ErrIdentityNotFound", err)
	}
}

func TestRegisterRejectsClaimedDomain(t *testing.T) {
	dir := NewMemoryDirectory()
	ctx := context.Background()

	if _, err := dir.Register(ctx, common.HexToAddress("0x00000000000000000000000000000000000000aa"), "shared.example.xyz"); err != nil {
		t.Fatalf("first register: %v", err)
	}
	_, err := dir.Register(ctx, common.HexToAddress("0x00000000000000000000000000000000000000bb"), "shared.example.xyz")
	if !errors.Is(err, ErrDomainAlreadyClaimed) {
		t.Fatalf("got %v, want ErrDomainAlreadyClaimed", err)
	}
}

func TestTransferOwnership(t *testing.T) {
	dir := NewMemoryDirectory()
	ctx := context.Background()
	oldOwner := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	newOwner := common.HexToAddress("0x00000000000000000000000000000000000000bb")

	record, err := dir.Register(ctx, oldOwner, "agent.example.xyz")
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := dir.TransferOwnership(ctx, record.ID, newOwner, newOwner); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("non-owner transfer: got %v, want ErrNotOwner", err)
	}
	if err := dir.TransferOwnership(ctx, record.ID, oldOwner, newOwner); err != nil {
		t.Fatalf("transfer: %v", err)
	}

	resolved, err := dir.ResolveByAddress(ctx, newOwner)
	if err != nil {
		t.Fatalf("resolve new owner: %v", err)
	}
	if resolved.ID != record.ID {
		t.Fatalf("resolved %q, want %q", resolved.ID, record.ID)
	}
	if _, err := dir.ResolveByAddress(ctx, oldOwner); !errors.Is(err, ErrIdentityNotFound) {
		t.Fatalf("old owner still resolves: %v", err)
	}
}
