package facilitator

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"GluePay-Chain/internal/ledger"
	"GluePay-Chain/internal/signing"
	"GluePay-Chain/internal/txlog"
	"GluePay-Chain/internal/web3"
	"GluePay-Chain/internal/web3/provider"
)

const (
	testNetwork = "avalanche-fuji"
	testAsset   = "0x3bD218e9299C31cbf58419cae2E38e7E3dC0A183"
)

func testDomain() signing.Domain {
	return signing.Domain{
		Name:              "Gasless Ultravioleta DAO Extended Token",
		Version:           "1",
		ChainID:           big.NewInt(43113),
		VerifyingContract: common.HexToAddress(testAsset),
	}
}

func newTestBackend(t *testing.T) (provider.Backend, *ledger.MemoryLedger) {
	t.Helper()
	domain := testDomain()
	mem := ledger.NewMemoryLedger(domain)
	backend := provider.Backend{
		Network: testNetwork,
		Domain:  domain,
		Settler: mem,
		Kind:    web3.Kind{Network: testNetwork, Asset: testAsset, Scheme: web3.SchemeEIP3009},
	}
	return backend, mem
}

func signedAuthorization(t *testing.T, domain signing.Domain, key *ecdsa.PrivateKey, to common.Address, value int64) ledger.Authorization {
	t.Helper()
	now := time.Now().Unix()
	nonce, err := signing.RandomNonce()
	if err != nil {
		t.Fatalf("生成 nonce 失败: %v", err)
	}
	auth := ledger.Authorization{
		From:        crypto.PubkeyToAddress(key.PublicKey),
		To:          to,
		Value:       big.NewInt(value),
		ValidAfter:  now - 60,
		ValidBefore: now + 300,
		Nonce:       nonce,
	}
	digest, err := signing.TransferDigest(domain, auth.From, auth.To, auth.Value, auth.ValidAfter, auth.ValidBefore, auth.Nonce)
	if err != nil {
		t.Fatalf("计算摘要失败: %v", err)
	}
	auth.Signature, err = signing.Sign(digest, key)
	if err != nil {
		t.Fatalf("签名失败: %v", err)
	}
	return auth
}

func paymentRequest(auth ledger.Authorization, price string) VerifyRequest {
	return VerifyRequest{
		X402Version: X402Version,
		PaymentPayload: PaymentPayload{
			X402Version: X402Version,
			Scheme:      web3.SchemeEIP3009,
			Network:     testNetwork,
			Payload:     EncodeAuthorization(auth),
		},
		PaymentRequirements: Requirements{
			Scheme:            web3.SchemeEIP3009,
			Network:           testNetwork,
			MaxAmountRequired: price,
			Resource:          "/api/report",
			PayTo:             auth.To.Hex(),
			MaxTimeoutSeconds: 60,
			Asset:             testAsset,
		},
	}
}

func TestVerifyThenSettleHappyPath(t *testing.T) {
	ctx := context.Background()
	backend, mem := newTestBackend(t)

	buyerKey, _ := crypto.GenerateKey()
	buyer := crypto.PubkeyToAddress(buyerKey.PublicKey)
	seller := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	if err := mem.Mint(ctx, buyer, big.NewInt(100)); err != nil {
		t.Fatalf("充值失败: %v", err)
	}

	queue := NewMemoryQueueForTest()
	service := NewService([]provider.Backend{backend}, WithJournal(queue))

	auth := signedAuthorization(t, backend.Domain, buyerKey, seller, 10)
	req := paymentRequest(auth, "10")

	verify := service.Verify(ctx, req)
	if !verify.IsValid {
		t.Fatalf("校验应当通过, 原因: %s", verify.InvalidReason)
	}
	if verify.Payer != buyer.Hex() {
		t.Fatalf("payer 不一致: %s != %s", verify.Payer, buyer.Hex())
	}

	settle := service.Settle(ctx, req)
	if !settle.Success {
		t.Fatalf("结算应当成功, 原因: %s", settle.ErrorReason)
	}
	if settle.Transaction == "" {
		t.Fatalf("结算凭据不应为空")
	}
	if settle.Network != testNetwork {
		t.Fatalf("网络不一致: %s", settle.Network)
	}

	buyerBalance, _ := mem.BalanceOf(ctx, buyer)
	sellerBalance, _ := mem.BalanceOf(ctx, seller)
	if buyerBalance.Cmp(big.NewInt(90)) != 0 || sellerBalance.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("结算后余额错误: buyer=%s seller=%s", buyerBalance, sellerBalance)
	}

	select {
	case entry := <-queue.ch:
		if entry.Reference != settle.Transaction {
			t.Fatalf("流水引用不一致: %s != %s", entry.Reference, settle.Transaction)
		}
		if entry.Value != "10" {
			t.Fatalf("流水金额错误: %s", entry.Value)
		}
	case <-time.After(time.Second):
		t.Fatalf("结算后未投递流水")
	}
}

func TestSettleIsIdempotent(t *testing.T) {
	ctx := context.Background()
	backend, mem := newTestBackend(t)

	buyerKey, _ := crypto.GenerateKey()
	buyer := crypto.PubkeyToAddress(buyerKey.PublicKey)
	seller := common.HexToAddress("0x00000000000000000000000000000000000000bb")
	if err := mem.Mint(ctx, buyer, big.NewInt(100)); err != nil {
		t.Fatalf("充值失败: %v", err)
	}

	service := NewService([]provider.Backend{backend})
	req := paymentRequest(signedAuthorization(t, backend.Domain, buyerKey, seller, 10), "10")

	first := service.Settle(ctx, req)
	if !first.Success {
		t.Fatalf("首次结算应当成功: %s", first.ErrorReason)
	}
	second := service.Settle(ctx, req)
	if second.Success {
		t.Fatalf("重复结算不应成功")
	}
	if second.ErrorReason != ReasonNonceUsed {
		t.Fatalf("重复结算应返回 %s, 实际 %s", ReasonNonceUsed, second.ErrorReason)
	}

	balance, _ := mem.BalanceOf(ctx, buyer)
	if balance.Cmp(big.NewInt(90)) != 0 {
		t.Fatalf("重复结算不应再次扣款: %s", balance)
	}
}

func TestVerifyRejections(t *testing.T) {
	ctx := context.Background()
	backend, mem := newTestBackend(t)

	buyerKey, _ := crypto.GenerateKey()
	buyer := crypto.PubkeyToAddress(buyerKey.PublicKey)
	seller := common.HexToAddress("0x00000000000000000000000000000000000000cc")
	if err := mem.Mint(ctx, buyer, big.NewInt(5)); err != nil {
		t.Fatalf("充值失败: %v", err)
	}

	service := NewService([]provider.Backend{backend})

	t.Run("余额不足", func(t *testing.T) {
		req := paymentRequest(signedAuthorization(t, backend.Domain, buyerKey, seller, 10), "10")
		resp := service.Verify(ctx, req)
		if resp.IsValid || resp.InvalidReason != ReasonInsufficientBalance {
			t.Fatalf("期望 %s, 实际 %+v", ReasonInsufficientBalance, resp)
		}
	})

	t.Run("金额低于要价", func(t *testing.T) {
		req := paymentRequest(signedAuthorization(t, backend.Domain, buyerKey, seller, 3), "10")
		resp := service.Verify(ctx, req)
		if resp.IsValid || resp.InvalidReason != ReasonAmountMismatch {
			t.Fatalf("期望 %s, 实际 %+v", ReasonAmountMismatch, resp)
		}
	})

	t.Run("收款人不符", func(t *testing.T) {
		req := paymentRequest(signedAuthorization(t, backend.Domain, buyerKey, seller, 10), "10")
		req.PaymentRequirements.PayTo = "0x00000000000000000000000000000000000000dd"
		resp := service.Verify(ctx, req)
		if resp.IsValid || resp.InvalidReason != ReasonPayeeMismatch {
			t.Fatalf("期望 %s, 实际 %+v", ReasonPayeeMismatch, resp)
		}
	})

	t.Run("未知网络", func(t *testing.T) {
		req := paymentRequest(signedAuthorization(t, backend.Domain, buyerKey, seller, 10), "10")
		req.PaymentPayload.Network = "base-sepolia"
		req.PaymentRequirements.Network = "base-sepolia"
		resp := service.Verify(ctx, req)
		if resp.IsValid || resp.InvalidReason != ReasonUnsupportedNetwork {
			t.Fatalf("期望 %s, 实际 %+v", ReasonUnsupportedNetwork, resp)
		}
	})

	t.Run("协议版本不符", func(t *testing.T) {
		req := paymentRequest(signedAuthorization(t, backend.Domain, buyerKey, seller, 10), "10")
		req.X402Version = 7
		resp := service.Verify(ctx, req)
		if resp.IsValid || resp.InvalidReason != ReasonUnsupportedVersion {
			t.Fatalf("期望 %s, 实际 %+v", ReasonUnsupportedVersion, resp)
		}
	})

	t.Run("签名被篡改", func(t *testing.T) {
		auth := signedAuthorization(t, backend.Domain, buyerKey, seller, 5)
		auth.Value = big.NewInt(4)
		req := paymentRequest(auth, "4")
		resp := service.Verify(ctx, req)
		if resp.IsValid || resp.InvalidReason != ReasonInvalidSignature {
			t.Fatalf("期望 %s, 实际 %+v", ReasonInvalidSignature, resp)
		}
	})
}

func TestVerifyTimeWindow(t *testing.T) {
	ctx := context.Background()
	backend, mem := newTestBackend(t)

	buyerKey, _ := crypto.GenerateKey()
	buyer := crypto.PubkeyToAddress(buyerKey.PublicKey)
	seller := common.HexToAddress("0x00000000000000000000000000000000000000ee")
	if err := mem.Mint(ctx, buyer, big.NewInt(100)); err != nil {
		t.Fatalf("充值失败: %v", err)
	}

	auth := signedAuthorization(t, backend.Domain, buyerKey, seller, 10)
	req := paymentRequest(auth, "10")

	early := NewService([]provider.Backend{backend}, WithClock(func() int64 { return auth.ValidAfter - 1 }))
	if resp := early.Verify(ctx, req); resp.IsValid || resp.InvalidReason != ReasonNotYetValid {
		t.Fatalf("期望 %s, 实际 %+v", ReasonNotYetValid, resp)
	}

	late := NewService([]provider.Backend{backend}, WithClock(func() int64 { return auth.ValidBefore + 1 }))
	if resp := late.Verify(ctx, req); resp.IsValid || resp.InvalidReason != ReasonExpired {
		t.Fatalf("期望 %s, 实际 %+v", ReasonExpired, resp)
	}
}

func TestVerifyDoesNotMutate(t *testing.T) {
	ctx := context.Background()
	backend, mem := newTestBackend(t)

	buyerKey, _ := crypto.GenerateKey()
	buyer := crypto.PubkeyToAddress(buyerKey.PublicKey)
	seller := common.HexToAddress("0x00000000000000000000000000000000000000ff")
	if err := mem.Mint(ctx, buyer, big.NewInt(100)); err != nil {
		t.Fatalf("充值失败: %v", err)
	}

	service := NewService([]provider.Backend{backend})
	req := paymentRequest(signedAuthorization(t, backend.Domain, buyerKey, seller, 10), "10")

	for i := 0; i < 5; i++ {
		if resp := service.Verify(ctx, req); !resp.IsValid {
			t.Fatalf("第 %d 次校验失败: %s", i, resp.InvalidReason)
		}
	}
	balance, _ := mem.BalanceOf(ctx, buyer)
	if balance.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("verify 不应改变余额: %s", balance)
	}
}

func TestAuthorizationStatusAfterSettle(t *testing.T) {
	ctx := context.Background()
	backend, mem := newTestBackend(t)

	buyerKey, _ := crypto.GenerateKey()
	buyer := crypto.PubkeyToAddress(buyerKey.PublicKey)
	seller := common.HexToAddress("0x0000000000000000000000000000000000000011")
	if err := mem.Mint(ctx, buyer, big.NewInt(100)); err != nil {
		t.Fatalf("充值失败: %v", err)
	}

	service := NewService([]provider.Backend{backend})
	auth := signedAuthorization(t, backend.Domain, buyerKey, seller, 10)
	req := paymentRequest(auth, "10")

	status, err := service.AuthorizationStatus(ctx, StatusRequest{
		Network: testNetwork,
		Payer:   buyer.Hex(),
		Nonce:   req.PaymentPayload.Payload.Authorization.Nonce,
	})
	if err != nil {
		t.Fatalf("查询状态失败: %v", err)
	}
	if status.Used {
		t.Fatalf("结算前 nonce 不应已使用")
	}

	if resp := service.Settle(ctx, req); !resp.Success {
		t.Fatalf("结算失败: %s", resp.ErrorReason)
	}

	status, err = service.AuthorizationStatus(ctx, StatusRequest{
		Network: testNetwork,
		Payer:   buyer.Hex(),
		Nonce:   req.PaymentPayload.Payload.Authorization.Nonce,
	})
	if err != nil {
		t.Fatalf("查询状态失败: %v", err)
	}
	if !status.Used {
		t.Fatalf("结算后 nonce 应已使用")
	}
}

func TestSupportedKinds(t *testing.T) {
	backend, _ := newTestBackend(t)
	service := NewService([]provider.Backend{backend})

	resp := service.Supported()
	if len(resp.Kinds) != 1 {
		t.Fatalf("期望 1 个组合, 实际 %d", len(resp.Kinds))
	}
	kind := resp.Kinds[0]
	if kind.Network != testNetwork || kind.Asset != testAsset || kind.Scheme != web3.SchemeEIP3009 {
		t.Fatalf("组合内容错误: %+v", kind)
	}
	if kind.X402Version != X402Version {
		t.Fatalf("协议版本错误: %d", kind.X402Version)
	}
}

// NewMemoryQueueForTest 暴露内部 channel 方便断言投递结果。
type testQueue struct {
	ch chan txlog.Entry
}

func NewMemoryQueueForTest() *testQueue {
	return &testQueue{ch: make(chan txlog.Entry, 8)}
}

func (q *testQueue) Publish(_ context.Context, entry txlog.Entry) error {
	q.ch <- entry
	return nil
}

func (q *testQueue) Close() error { return nil }
