package signing

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

func testDomain(chainID int64) Domain {
	return Domain{
		Name:              "Gasless Ultravioleta DAO Extended Token",
		Version:           "1",
		ChainID:           big.NewInt(chainID),
		VerifyingContract: common.HexToAddress("0x3D19A80b3bD5CC3a4E55D4b5B753bC36d6A44743"),
	}
}

func TestSignAndRecoverTransfer(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	payer := crypto.PubkeyToAddress(key.PublicKey)
	payee := common.HexToAddress("0x00000000000000000000000000000000000000bb")

	nonce, err := RandomNonce()
	if err != nil {
		t.Fatalf("random nonce: %v", err)
	}

	digest, err := TransferDigest(testDomain(43113), payer, payee, big.NewInt(10_000), 0, 1_900_000_000, nonce)
	if err != nil {
		t.Fatalf("transfer digest: %v", err)
	}
	sig, err := Sign(digest, key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if len(sig) != 65 {
		t.Fatalf("expected 65-byte signature, got %d", len(sig))
	}
	if sig[64] != 27 && sig[64] != 28 {
		t.Fatalf("expected v in {27,28}, got %d", sig[64])
	}

	recovered, err := Recover(digest, sig)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if recovered != payer {
		t.Fatalf("recovered %s, want %s", recovered.Hex(), payer.Hex())
	}
}

func TestDomainBindsSignatureToChain(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	payer := crypto.PubkeyToAddress(key.PublicKey)
	payee := common.HexToAddress("0x00000000000000000000000000000000000000bb")
	var nonce [32]byte
	nonce[31] = 1

	fujiDigest, err := TransferDigest(testDomain(43113), payer, payee, big.NewInt(10), 0, 1_900_000_000, nonce)
	if err != nil {
		t.Fatalf("fuji digest: %v", err)
	}
	baseDigest, err := TransferDigest(testDomain(84532), payer, payee, big.NewInt(10), 0, 1_900_000_000, nonce)
	if err != nil {
		t.Fatalf("base digest: %v", err)
	}
	if fujiDigest == baseDigest {
		t.Fatal("digests for distinct chains must differ")
	}

	sig, err := Sign(fujiDigest, key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	recovered, err := Recover(baseDigest, sig)
	if err == nil && recovered == payer {
		t.Fatal("signature for chain 43113 must not recover the payer under chain 84532")
	}
}

func TestCancelDigestDiffersFromTransfer(t *testing.T) {
	payer := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	var nonce [32]byte
	nonce[0] = 7

	cancel, err := CancelDigest(testDomain(43113), payer, nonce)
	if err != nil {
		t.Fatalf("cancel digest: %v", err)
	}
	transfer, err := TransferDigest(testDomain(43113), payer, payer, big.NewInt(1), 0, 1, nonce)
	if err != nil {
		t.Fatalf("transfer digest: %v", err)
	}
	if cancel == transfer {
		t.Fatal("cancel digest must not collide with a transfer digest")
	}
}

func TestRecoverRejectsMalformedSignature(t *testing.T) {
	digest := crypto.Keccak256Hash([]byte("payload"))
	if _, err := Recover(digest, make([]byte, 64)); err == nil {
		t.Fatal("expected error for truncated signature")
	}
	bad := make([]byte, 65)
	bad[64] = 5
	if _, err := Recover(digest, bad); err == nil {
		t.Fatal("expected error for invalid recovery id")
	}
}
