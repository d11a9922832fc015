package agent

import (
	"encoding/json"
	"strings"
	"testing"
)

func validCardJSON() map[string]any {
	return map[string]any{
		"schemaVersion": "1",
		"identityId":    "seller-001",
		"address":       "0x00000000000000000000000000000000000000aa",
		"network":       "avalanche-fuji",
		"chainId":       43113,
		"asset":         "0x3bD218e9299C31cbf58419cae2E38e7E3dC0A183",
		"assetName":     "Gasless Ultravioleta DAO Extended Token",
		"offers": []map[string]any{
			{
				"name":        "premium-report",
				"description": "深度分析报告",
				"resource":    "/api/report",
				"price":       "10",
				"scheme":      "eip3009",
			},
		},
	}
}

func marshalCard(t *testing.T, card map[string]any) []byte {
	t.Helper()
	data, err := json.Marshal(card)
	if err != nil {
		t.Fatalf("编码卡片失败: %v", err)
	}
	return data
}

func TestParseCardValid(t *testing.T) {
	card, err := ParseCard(marshalCard(t, validCardJSON()))
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if card.IdentityID != "seller-001" {
		t.Fatalf("identityId 错误: %s", card.IdentityID)
	}
	offer, ok := card.Offer("premium-report")
	if !ok {
		t.Fatalf("找不到报价")
	}
	reqs := card.Requirements(offer)
	if reqs.MaxAmountRequired != "10" || reqs.Network != "avalanche-fuji" {
		t.Fatalf("支付要求错误: %+v", reqs)
	}
	if reqs.MaxTimeoutSeconds != 60 {
		t.Fatalf("缺省超时应为 60, 实际 %d", reqs.MaxTimeoutSeconds)
	}
	domain := card.SigningDomain()
	if domain.ChainID.Int64() != 43113 || domain.Version != "1" {
		t.Fatalf("签名域错误: %+v", domain)
	}
}

func TestParseCardRejectsUnknownField(t *testing.T) {
	raw := validCardJSON()
	raw["surprise"] = true
	if _, err := ParseCard(marshalCard(t, raw)); err == nil {
		t.Fatalf("未知字段应被拒绝")
	}
}

func TestParseCardRejectsUnknownRequirement(t *testing.T) {
	raw := validCardJSON()
	raw["requires"] = []string{"eip3009", "quantum-escrow"}
	if _, err := ParseCard(marshalCard(t, raw)); err == nil {
		t.Fatalf("未知必需扩展应被拒绝")
	}
	raw["requires"] = []string{"eip3009"}
	if _, err := ParseCard(marshalCard(t, raw)); err != nil {
		t.Fatalf("已知扩展不应被拒绝: %v", err)
	}
}

func TestParseCardRejectsMissingFields(t *testing.T) {
	cases := []string{"identityId", "address", "network", "chainId", "asset", "assetName", "offers"}
	for _, field := range cases {
		raw := validCardJSON()
		delete(raw, field)
		if _, err := ParseCard(marshalCard(t, raw)); err == nil {
			t.Fatalf("缺少 %s 的卡片应被拒绝", field)
		}
	}
}

func TestParseCardRejectsBadPrice(t *testing.T) {
	for _, price := range []string{"", "0", "-5", "1.5", "abc", "0x10"} {
		raw := validCardJSON()
		raw["offers"].([]map[string]any)[0]["price"] = price
		_, err := ParseCard(marshalCard(t, raw))
		if err == nil {
			t.Fatalf("价格 %q 应被拒绝", price)
		}
		if !strings.Contains(err.Error(), "premium-report") {
			t.Fatalf("错误信息应包含报价名: %v", err)
		}
	}
}
