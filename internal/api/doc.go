// Package api exposes the facilitator's REST surface: payment verification
// and settlement, supported-kind discovery, settlement status re-query, and
// the identity and reputation registry endpoints for local deployments.
package api
