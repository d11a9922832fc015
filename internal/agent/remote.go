package agent

import (
	"context"

	"GluePay-Chain/internal/facilitator"
	"GluePay-Chain/sdk/go/gluepay"
)

// RemoteFacilitator 把 SDK 客户端适配成 Facilitator 接口, 供买卖双方对接
// 独立部署的结算服务。
type RemoteFacilitator struct {
	Client *gluepay.Client
}

// Verify 实现 Facilitator 接口。
func (r RemoteFacilitator) Verify(ctx context.Context, req facilitator.VerifyRequest) (facilitator.VerifyResponse, error) {
	resp, err := r.Client.Verify(ctx, toWireRequest(req))
	if err != nil {
		return facilitator.VerifyResponse{}, err
	}
	return facilitator.VerifyResponse{
		IsValid:       resp.IsValid,
		InvalidReason: resp.InvalidReason,
		Payer:         resp.Payer,
	}, nil
}

// Settle 实现 Facilitator 接口。
func (r RemoteFacilitator) Settle(ctx context.Context, req facilitator.SettleRequest) (facilitator.SettleResponse, error) {
	resp, err := r.Client.Settle(ctx, toWireRequest(req))
	if err != nil {
		return facilitator.SettleResponse{}, err
	}
	return facilitator.SettleResponse{
		Success:     resp.Success,
		ErrorReason: resp.ErrorReason,
		Transaction: resp.Transaction,
		Network:     resp.Network,
		Payer:       resp.Payer,
	}, nil
}

// AuthorizationStatus 实现 Facilitator 接口。
func (r RemoteFacilitator) AuthorizationStatus(ctx context.Context, req facilitator.StatusRequest) (facilitator.StatusResponse, error) {
	resp, err := r.Client.AuthorizationStatus(ctx, req.Network, req.Payer, req.Nonce)
	if err != nil {
		return facilitator.StatusResponse{}, err
	}
	return facilitator.StatusResponse{
		Network: resp.Network,
		Payer:   resp.Payer,
		Nonce:   resp.Nonce,
		Used:    resp.Used,
	}, nil
}

func toWireRequest(req facilitator.VerifyRequest) gluepay.VerifyRequest {
	return gluepay.VerifyRequest{
		X402Version: req.X402Version,
		PaymentPayload: gluepay.PaymentPayload{
			X402Version: req.PaymentPayload.X402Version,
			Scheme:      req.PaymentPayload.Scheme,
			Network:     req.PaymentPayload.Network,
			Payload: gluepay.ExactPayload{
				Signature: req.PaymentPayload.Payload.Signature,
				Authorization: gluepay.Authorization{
					From:        req.PaymentPayload.Payload.Authorization.From,
					To:          req.PaymentPayload.Payload.Authorization.To,
					Value:       req.PaymentPayload.Payload.Authorization.Value,
					ValidAfter:  req.PaymentPayload.Payload.Authorization.ValidAfter,
					ValidBefore: req.PaymentPayload.Payload.Authorization.ValidBefore,
					Nonce:       req.PaymentPayload.Payload.Authorization.Nonce,
				},
			},
		},
		PaymentRequirements: gluepay.Requirements{
			Scheme:            req.PaymentRequirements.Scheme,
			Network:           req.PaymentRequirements.Network,
			MaxAmountRequired: req.PaymentRequirements.MaxAmountRequired,
			Resource:          req.PaymentRequirements.Resource,
			Description:       req.PaymentRequirements.Description,
			MimeType:          req.PaymentRequirements.MimeType,
			PayTo:             req.PaymentRequirements.PayTo,
			MaxTimeoutSeconds: req.PaymentRequirements.MaxTimeoutSeconds,
			Asset:             req.PaymentRequirements.Asset,
		},
	}
}
