// Package agent 提供买卖双方的运行时: 卖方按能力卡片出售付费资源,
// 买方发现卡片、签名授权并完成购买。双方通过 Facilitator 接口对接进程内
// 或远程的结算服务。
package agent
