package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"GluePay-Chain/internal/facilitator"
	"GluePay-Chain/internal/identity"
	"GluePay-Chain/internal/ledger"
	"GluePay-Chain/internal/reputation"
	"GluePay-Chain/internal/signing"
	"GluePay-Chain/internal/web3"
	"GluePay-Chain/internal/web3/provider"
)

const (
	testNetwork = "avalanche-fuji"
	testAsset   = "0x3bD218e9299C31cbf58419cae2E38e7E3dC0A183"
)

type testEnv struct {
	server *Server
	ledger *ledger.MemoryLedger
	domain signing.Domain
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	domain := signing.Domain{
		Name:              "Gasless Ultravioleta DAO Extended Token",
		Version:           "1",
		ChainID:           big.NewInt(43113),
		VerifyingContract: common.HexToAddress(testAsset),
	}
	mem := ledger.NewMemoryLedger(domain)
	backend := provider.Backend{
		Network: testNetwork,
		Domain:  domain,
		Settler: mem,
		Kind:    web3.Kind{Network: testNetwork, Asset: testAsset, Scheme: web3.SchemeEIP3009},
	}
	svc := facilitator.NewService([]provider.Backend{backend})
	directory := identity.NewMemoryDirectory()
	ratings := reputation.NewMemoryStore(directory)
	return &testEnv{
		server: NewServer(":0", svc, directory, ratings),
		ledger: mem,
		domain: domain,
	}
}

func signedPaymentRequest(t *testing.T, env *testEnv, seller common.Address, value int64, price string) (facilitator.VerifyRequest, common.Address) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("生成密钥失败: %v", err)
	}
	buyer := crypto.PubkeyToAddress(key.PublicKey)
	if err := env.ledger.Mint(context.Background(), buyer, big.NewInt(100)); err != nil {
		t.Fatalf("充值失败: %v", err)
	}

	now := time.Now().Unix()
	nonce, err := signing.RandomNonce()
	if err != nil {
		t.Fatalf("生成 nonce 失败: %v", err)
	}
	auth := ledger.Authorization{
		From:        buyer,
		To:          seller,
		Value:       big.NewInt(value),
		ValidAfter:  now - 60,
		ValidBefore: now + 300,
		Nonce:       nonce,
	}
	digest, err := signing.TransferDigest(env.domain, auth.From, auth.To, auth.Value, auth.ValidAfter, auth.ValidBefore, auth.Nonce)
	if err != nil {
		t.Fatalf("计算摘要失败: %v", err)
	}
	auth.Signature, err = signing.Sign(digest, key)
	if err != nil {
		t.Fatalf("签名失败: %v", err)
	}

	return facilitator.VerifyRequest{
		X402Version: facilitator.X402Version,
		PaymentPayload: facilitator.PaymentPayload{
			X402Version: facilitator.X402Version,
			Scheme:      web3.SchemeEIP3009,
			Network:     testNetwork,
			Payload:     facilitator.EncodeAuthorization(auth),
		},
		PaymentRequirements: facilitator.Requirements{
			Scheme:            web3.SchemeEIP3009,
			Network:           testNetwork,
			MaxAmountRequired: price,
			Resource:          "/api/report",
			PayTo:             seller.Hex(),
			MaxTimeoutSeconds: 60,
			Asset:             testAsset,
		},
	}, buyer
}

func postJSON(t *testing.T, handler http.HandlerFunc, path string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("编码请求失败: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func TestVerifyAndSettleEndpoints(t *testing.T) {
	env := newTestEnv(t)
	seller := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	payment, buyer := signedPaymentRequest(t, env, seller, 10, "10")

	rec := postJSON(t, env.server.handleVerify, "/verify", payment)
	if rec.Code != http.StatusOK {
		t.Fatalf("verify 状态码错误: %d", rec.Code)
	}
	var verify facilitator.VerifyResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &verify); err != nil {
		t.Fatalf("解析 verify 响应失败: %v", err)
	}
	if !verify.IsValid || verify.Payer != buyer.Hex() {
		t.Fatalf("verify 响应错误: %+v", verify)
	}

	rec = postJSON(t, env.server.handleSettle, "/settle", payment)
	if rec.Code != http.StatusOK {
		t.Fatalf("settle 状态码错误: %d", rec.Code)
	}
	var settle facilitator.SettleResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &settle); err != nil {
		t.Fatalf("解析 settle 响应失败: %v", err)
	}
	if !settle.Success || settle.Transaction == "" {
		t.Fatalf("settle 响应错误: %+v", settle)
	}

	// 状态复查接口应看到 nonce 已消费。
	path := fmt.Sprintf("/authorizations/%s/%s?network=%s", buyer.Hex(), payment.PaymentPayload.Payload.Authorization.Nonce, testNetwork)
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec = httptest.NewRecorder()
	env.server.handleAuthorizationStatus(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("状态复查失败: %d %s", rec.Code, rec.Body.String())
	}
	var status facilitator.StatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("解析状态响应失败: %v", err)
	}
	if !status.Used {
		t.Fatalf("结算后 nonce 应已使用: %+v", status)
	}
}

func TestSupportedEndpoint(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/supported", nil)
	rec := httptest.NewRecorder()
	env.server.handleSupported(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("supported 状态码错误: %d", rec.Code)
	}
	var resp facilitator.SupportedResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("解析 supported 响应失败: %v", err)
	}
	if len(resp.Kinds) != 1 || resp.Kinds[0].Network != testNetwork {
		t.Fatalf("supported 内容错误: %+v", resp)
	}
}

func TestIdentityEndpoints(t *testing.T) {
	env := newTestEnv(t)
	owner := "0x1111111111111111111111111111111111111111"

	rec := postJSON(t, env.server.handleIdentities, "/identities", registerIdentityRequest{Owner: owner, Domain: "karma-hello.ultravioleta.xyz"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("注册身份失败: %d %s", rec.Code, rec.Body.String())
	}
	var record identity.Record
	if err := json.Unmarshal(rec.Body.Bytes(), &record); err != nil {
		t.Fatalf("解析注册响应失败: %v", err)
	}
	if record.ID == "" {
		t.Fatalf("身份 ID 不应为空")
	}

	// 域名已被占用。
	rec = postJSON(t, env.server.handleIdentities, "/identities", registerIdentityRequest{Owner: owner, Domain: "karma-hello.ultravioleta.xyz"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("重复域名应返回 409, 实际 %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/identities/"+record.ID, nil)
	getRec := httptest.NewRecorder()
	env.server.handleIdentityDetail(getRec, req)
	if getRec.Code != http.StatusOK {
		t.Fatalf("查询身份失败: %d", getRec.Code)
	}

	// 非控制地址发起移交。
	rec = postJSON(t, env.server.handleIdentityDetail, "/identities/"+record.ID+"/transfer", transferOwnershipRequest{
		Caller:   "0x2222222222222222222222222222222222222222",
		NewOwner: "0x3333333333333333333333333333333333333333",
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("非控制地址移交应返回 403, 实际 %d", rec.Code)
	}

	rec = postJSON(t, env.server.handleIdentityDetail, "/identities/"+record.ID+"/transfer", transferOwnershipRequest{
		Caller:   owner,
		NewOwner: "0x3333333333333333333333333333333333333333",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("移交失败: %d %s", rec.Code, rec.Body.String())
	}
}

func TestRatingEndpoints(t *testing.T) {
	env := newTestEnv(t)

	registerOne := func(owner, domain string) identity.Record {
		rec := postJSON(t, env.server.handleIdentities, "/identities", registerIdentityRequest{Owner: owner, Domain: domain})
		if rec.Code != http.StatusCreated {
			t.Fatalf("注册身份失败: %d", rec.Code)
		}
		var record identity.Record
		if err := json.Unmarshal(rec.Body.Bytes(), &record); err != nil {
			t.Fatalf("解析注册响应失败: %v", err)
		}
		return record
	}
	buyer := registerOne("0x1111111111111111111111111111111111111111", "buyer.xyz")
	seller := registerOne("0x2222222222222222222222222222222222222222", "seller.xyz")

	rec := postJSON(t, env.server.handleRatings, "/ratings", rateRequest{
		Rater: buyer.ID,
		Ratee: seller.ID,
		Role:  string(reputation.RoleSeller),
		Score: 90,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("写入评价失败: %d %s", rec.Code, rec.Body.String())
	}

	// 分数越界。
	rec = postJSON(t, env.server.handleRatings, "/ratings", rateRequest{
		Rater: buyer.ID,
		Ratee: seller.ID,
		Role:  string(reputation.RoleSeller),
		Score: 101,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("越界分数应返回 400, 实际 %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/ratings/"+seller.ID, nil)
	listRec := httptest.NewRecorder()
	env.server.handleRatingDetail(listRec, req)
	if listRec.Code != http.StatusOK {
		t.Fatalf("查询评价列表失败: %d", listRec.Code)
	}
	var ratings []*reputation.Rating
	if err := json.Unmarshal(listRec.Body.Bytes(), &ratings); err != nil {
		t.Fatalf("解析评价列表失败: %v", err)
	}
	if len(ratings) != 1 || ratings[0].Score != 90 {
		t.Fatalf("评价列表错误: %+v", ratings)
	}

	req = httptest.NewRequest(http.MethodGet, fmt.Sprintf("/ratings/%s/%s?role=%s", seller.ID, buyer.ID, reputation.RoleSeller), nil)
	oneRec := httptest.NewRecorder()
	env.server.handleRatingDetail(oneRec, req)
	if oneRec.Code != http.StatusOK {
		t.Fatalf("查询单条评价失败: %d %s", oneRec.Code, oneRec.Body.String())
	}
}

func TestCancelEndpoint(t *testing.T) {
	env := newTestEnv(t)

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("生成密钥失败: %v", err)
	}
	payer := crypto.PubkeyToAddress(key.PublicKey)
	nonce, err := signing.RandomNonce()
	if err != nil {
		t.Fatalf("生成 nonce 失败: %v", err)
	}
	digest, err := signing.CancelDigest(env.domain, payer, nonce)
	if err != nil {
		t.Fatalf("计算撤销摘要失败: %v", err)
	}
	signature, err := signing.Sign(digest, key)
	if err != nil {
		t.Fatalf("签名失败: %v", err)
	}

	cancel := facilitator.CancelRequest{
		Network:    testNetwork,
		Authorizer: payer.Hex(),
		Nonce:      "0x" + fmt.Sprintf("%x", nonce[:]),
		Signature:  "0x" + fmt.Sprintf("%x", signature),
	}
	rec := postJSON(t, env.server.handleCancel, "/cancel", cancel)
	if rec.Code != http.StatusOK {
		t.Fatalf("撤销失败: %d %s", rec.Code, rec.Body.String())
	}

	used, err := env.ledger.AuthorizationUsed(context.Background(), payer, nonce)
	if err != nil {
		t.Fatalf("查询 nonce 失败: %v", err)
	}
	if !used {
		t.Fatalf("撤销后 nonce 应视为已消费")
	}

	// 重复撤销同一 nonce 视作重用。
	rec = postJSON(t, env.server.handleCancel, "/cancel", cancel)
	if rec.Code != http.StatusConflict {
		t.Fatalf("重复撤销应返回 409, 实际 %d %s", rec.Code, rec.Body.String())
	}
}
