// Package facilitator 实现无状态的支付协调服务。
//
// 卖方收到带 X-Payment 头的请求后, 先调用 Verify 做纯读校验,
// 交付资源后调用 Settle 提交链上 (或本地账本) 结算。服务本身
// 不保管资金与会话, 幂等性完全由账本对 (payer, nonce) 的一次性
// 消费保证。
package facilitator
