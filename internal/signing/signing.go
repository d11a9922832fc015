package signing

import (
	"crypto/ecdsa"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
)

// Domain identifies the network and asset an authorization is bound to. A
// signature produced under one domain never verifies under another, which is
// what prevents replay across chains or token contracts.
type Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

var (
	domainTypeHash = crypto.Keccak256Hash(
		[]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"),
	)
	transferTypeHash = crypto.Keccak256Hash(
		[]byte("TransferWithAuthorization(address from,address to,uint256 value,uint256 validAfter,uint256 validBefore,bytes32 nonce)"),
	)
	cancelTypeHash = crypto.Keccak256Hash(
		[]byte("CancelAuthorization(address authorizer,bytes32 nonce)"),
	)
)

// Separator computes the EIP-712 domain separator hash.
func (d Domain) Separator() (common.Hash, error) {
	if d.ChainID == nil {
		return common.Hash{}, errors.New("signing: domain chain id is required")
	}
	encoded := make([]byte, 0, 5*32)
	encoded = append(encoded, domainTypeHash.Bytes()...)
	encoded = append(encoded, crypto.Keccak256([]byte(d.Name))...)
	encoded = append(encoded, crypto.Keccak256([]byte(d.Version))...)
	encoded = append(encoded, encodeUint256(d.ChainID)...)
	encoded = append(encoded, common.LeftPadBytes(d.VerifyingContract.Bytes(), 32)...)
	return crypto.Keccak256Hash(encoded), nil
}

// TransferDigest returns the digest a payer signs to authorize a transfer.
func TransferDigest(d Domain, from, to common.Address, value *big.Int, validAfter, validBefore int64, nonce [32]byte) (common.Hash, error) {
	if value == nil {
		return common.Hash{}, errors.New("signing: transfer value is required")
	}
	encoded := make([]byte, 0, 7*32)
	encoded = append(encoded, transferTypeHash.Bytes()...)
	encoded = append(encoded, common.LeftPadBytes(from.Bytes(), 32)...)
	encoded = append(encoded, common.LeftPadBytes(to.Bytes(), 32)...)
	encoded = append(encoded, encodeUint256(value)...)
	encoded = append(encoded, encodeUint256(big.NewInt(validAfter))...)
	encoded = append(encoded, encodeUint256(big.NewInt(validBefore))...)
	encoded = append(encoded, nonce[:]...)
	return typedDataDigest(d, crypto.Keccak256Hash(encoded))
}

// CancelDigest returns the digest a payer signs to revoke an unused nonce.
func CancelDigest(d Domain, authorizer common.Address, nonce [32]byte) (common.Hash, error) {
	encoded := make([]byte, 0, 3*32)
	encoded = append(encoded, cancelTypeHash.Bytes()...)
	encoded = append(encoded, common.LeftPadBytes(authorizer.Bytes(), 32)...)
	encoded = append(encoded, nonce[:]...)
	return typedDataDigest(d, crypto.Keccak256Hash(encoded))
}

func typedDataDigest(d Domain, structHash common.Hash) (common.Hash, error) {
	separator, err := d.Separator()
	if err != nil {
		return common.Hash{}, err
	}
	raw := make([]byte, 0, 2+2*32)
	raw = append(raw, 0x19, 0x01)
	raw = append(raw, separator.Bytes()...)
	raw = append(raw, structHash.Bytes()...)
	return crypto.Keccak256Hash(raw), nil
}

// Sign produces a 65-byte [R || S || V] signature over the digest with V in
// {27, 28}, the encoding expected by on-chain ecrecover.
func Sign(digest common.Hash, key *ecdsa.PrivateKey) ([]byte, error) {
	if key == nil {
		return nil, errors.New("signing: private key is required")
	}
	sig, err := crypto.Sign(digest.Bytes(), key)
	if err != nil {
		return nil, fmt.Errorf("signing: sign digest: %w", err)
	}
	sig[64] += 27
	return sig, nil
}

// Recover returns the address that produced the signature over the digest.
func Recover(digest common.Hash, signature []byte) (common.Address, error) {
	if len(signature) != 65 {
		return common.Address{}, fmt.Errorf("signing: signature must be 65 bytes, got %d", len(signature))
	}
	sig := make([]byte, 65)
	copy(sig, signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	if sig[64] > 1 {
		return common.Address{}, fmt.Errorf("signing: invalid recovery id %d", sig[64])
	}
	pub, err := crypto.SigToPub(digest.Bytes(), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("signing: recover public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// RandomNonce draws a fresh 256-bit nonce. Nonces are random rather than
// sequential so a payer can hold several pending authorizations at once.
func RandomNonce() ([32]byte, error) {
	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nonce, fmt.Errorf("signing: generate nonce: %w", err)
	}
	return nonce, nil
}

func encodeUint256(v *big.Int) []byte {
	return math.U256Bytes(new(big.Int).Set(v))
}
