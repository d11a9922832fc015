package agent

import (
	"context"

	"GluePay-Chain/internal/facilitator"
)

// Facilitator 是买卖双方运行时所需的结算能力。进程内服务与远程 SDK
// 客户端都实现它。
type Facilitator interface {
	Verify(ctx context.Context, req facilitator.VerifyRequest) (facilitator.VerifyResponse, error)
	Settle(ctx context.Context, req facilitator.SettleRequest) (facilitator.SettleResponse, error)
	AuthorizationStatus(ctx context.Context, req facilitator.StatusRequest) (facilitator.StatusResponse, error)
}

// LocalFacilitator 把进程内的结算服务适配成 Facilitator 接口。
type LocalFacilitator struct {
	Service *facilitator.Service
}

// Verify 实现 Facilitator 接口。
func (l LocalFacilitator) Verify(ctx context.Context, req facilitator.VerifyRequest) (facilitator.VerifyResponse, error) {
	return l.Service.Verify(ctx, req), nil
}

// Settle 实现 Facilitator 接口。
func (l LocalFacilitator) Settle(ctx context.Context, req facilitator.SettleRequest) (facilitator.SettleResponse, error) {
	return l.Service.Settle(ctx, req), nil
}

// AuthorizationStatus 实现 Facilitator 接口。
func (l LocalFacilitator) AuthorizationStatus(ctx context.Context, req facilitator.StatusRequest) (facilitator.StatusResponse, error) {
	return l.Service.AuthorizationStatus(ctx, req)
}
