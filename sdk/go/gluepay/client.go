package gluepay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// X402Version is the protocol version this client speaks.
const X402Version = 1

// Client wraps the HTTP interactions with the GluePay facilitator REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// Authorization mirrors the EIP-3009 authorization in wire form. Numeric
// fields travel as decimal strings, the nonce as 0x-prefixed hex.
type Authorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// ExactPayload carries the signature alongside the authorization it covers.
type ExactPayload struct {
	Signature     string        `json:"signature"`
	Authorization Authorization `json:"authorization"`
}

// PaymentPayload is the payload a buyer encodes into the X-Payment header.
type PaymentPayload struct {
	X402Version int          `json:"x402Version"`
	Scheme      string       `json:"scheme"`
	Network     string       `json:"network"`
	Payload     ExactPayload `json:"payload"`
}

// Requirements describes what a seller accepts for a resource.
type Requirements struct {
	Scheme            string `json:"scheme"`
	Network           string `json:"network"`
	MaxAmountRequired string `json:"maxAmountRequired"`
	Resource          string `json:"resource"`
	Description       string `json:"description"`
	MimeType          string `json:"mimeType"`
	PayTo             string `json:"payTo"`
	MaxTimeoutSeconds int    `json:"maxTimeoutSeconds"`
	Asset             string `json:"asset"`
}

// VerifyRequest pairs a payment payload with the requirements it must satisfy.
type VerifyRequest struct {
	X402Version         int            `json:"x402Version"`
	PaymentPayload      PaymentPayload `json:"paymentPayload"`
	PaymentRequirements Requirements   `json:"paymentRequirements"`
}

// SettleRequest carries the same shape as VerifyRequest.
type SettleRequest = VerifyRequest

// VerifyResponse is the facilitator's verdict on a payment without executing it.
type VerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// SettleResponse reports the outcome of an executed settlement.
type SettleResponse struct {
	Success     bool   `json:"success"`
	ErrorReason string `json:"errorReason,omitempty"`
	Transaction string `json:"transaction,omitempty"`
	Network     string `json:"network,omitempty"`
	Payer       string `json:"payer,omitempty"`
}

// SupportedKind names one (scheme, network, asset) combination the
// facilitator settles.
type SupportedKind struct {
	X402Version int    `json:"x402Version"`
	Scheme      string `json:"scheme"`
	Network     string `json:"network"`
	Asset       string `json:"asset"`
}

// SupportedResponse lists every combination the facilitator settles.
type SupportedResponse struct {
	Kinds []SupportedKind `json:"kinds"`
}

// CancelRequest revokes an unused authorization nonce.
type CancelRequest struct {
	Network    string `json:"network"`
	Authorizer string `json:"authorizer"`
	Nonce      string `json:"nonce"`
	Signature  string `json:"signature"`
}

// AuthorizationStatus reports whether a nonce has been consumed.
type AuthorizationStatus struct {
	Network string `json:"network"`
	Payer   string `json:"payer"`
	Nonce   string `json:"nonce"`
	Used    bool   `json:"used"`
}

// Identity is a directory record binding an agent domain to a controlling
// address.
type Identity struct {
	ID           string `json:"id"`
	Owner        string `json:"owner"`
	Domain       string `json:"domain"`
	RegisteredAt int64  `json:"registered_at"`
}

// Rating is one reputation record keyed by (rater, ratee, role).
type Rating struct {
	Rater     string `json:"rater"`
	Ratee     string `json:"ratee"`
	Role      string `json:"role"`
	Score     int    `json:"score"`
	Metadata  string `json:"metadata,omitempty"`
	UpdatedAt int64  `json:"updated_at"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("gluepay api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("gluepay api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the GluePay facilitator API. When
// httpClient is nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) *Client {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		panic(fmt.Sprintf("invalid base url: %v", err))
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}
}

// Verify asks the facilitator whether a payment would settle, without moving
// funds.
func (c *Client) Verify(ctx context.Context, req VerifyRequest) (VerifyResponse, error) {
	var resp VerifyResponse
	if err := c.post(ctx, "/verify", req, &resp); err != nil {
		return VerifyResponse{}, err
	}
	return resp, nil
}

// Settle executes a signed payment. A repeated call with the same nonce
// reports failure without charging twice.
func (c *Client) Settle(ctx context.Context, req SettleRequest) (SettleResponse, error) {
	var resp SettleResponse
	if err := c.post(ctx, "/settle", req, &resp); err != nil {
		return SettleResponse{}, err
	}
	return resp, nil
}

// Cancel permanently voids an unused authorization nonce. A nonce that was
// already settled or cancelled is rejected.
func (c *Client) Cancel(ctx context.Context, req CancelRequest) error {
	return c.post(ctx, "/cancel", req, nil)
}

// Supported lists the settlement combinations the facilitator handles.
func (c *Client) Supported(ctx context.Context) (SupportedResponse, error) {
	var resp SupportedResponse
	if err := c.get(ctx, "/supported", nil, &resp); err != nil {
		return SupportedResponse{}, err
	}
	return resp, nil
}

// AuthorizationStatus reports whether a payer's nonce has been consumed on
// the given network. Buyers use it after a lost response instead of signing a
// fresh authorization.
func (c *Client) AuthorizationStatus(ctx context.Context, network, payer, nonce string) (AuthorizationStatus, error) {
	var resp AuthorizationStatus
	endpoint := fmt.Sprintf("/authorizations/%s/%s", url.PathEscape(payer), url.PathEscape(nonce))
	if err := c.get(ctx, endpoint, url.Values{"network": {network}}, &resp); err != nil {
		return AuthorizationStatus{}, err
	}
	return resp, nil
}

// RegisterIdentity claims a domain for the given controlling address.
func (c *Client) RegisterIdentity(ctx context.Context, owner, domain string) (Identity, error) {
	var resp Identity
	body := map[string]string{"owner": owner, "domain": domain}
	if err := c.post(ctx, "/identities", body, &resp); err != nil {
		return Identity{}, err
	}
	return resp, nil
}

// GetIdentity fetches an identity record by identifier.
func (c *Client) GetIdentity(ctx context.Context, id string) (Identity, error) {
	var resp Identity
	if err := c.get(ctx, "/identities/"+url.PathEscape(id), nil, &resp); err != nil {
		return Identity{}, err
	}
	return resp, nil
}

// ResolveIdentity looks up the identity controlled by an address.
func (c *Client) ResolveIdentity(ctx context.Context, address string) (Identity, error) {
	var resp Identity
	if err := c.get(ctx, "/identities", url.Values{"address": {address}}, &resp); err != nil {
		return Identity{}, err
	}
	return resp, nil
}

// TransferOwnership moves an identity to a new controlling address. The call
// fails unless caller is the current owner.
func (c *Client) TransferOwnership(ctx context.Context, id, caller, newOwner string) error {
	body := map[string]string{"caller": caller, "newOwner": newOwner}
	return c.post(ctx, "/identities/"+url.PathEscape(id)+"/transfer", body, nil)
}

// Rate records a reputation score. A repeated call with the same
// (rater, ratee, role) key overwrites the previous score.
func (c *Client) Rate(ctx context.Context, rating Rating) error {
	return c.post(ctx, "/ratings", rating, nil)
}

// GetRatingsFor lists every rating recorded against an identity.
func (c *Client) GetRatingsFor(ctx context.Context, ratee string) ([]Rating, error) {
	var resp []Rating
	if err := c.get(ctx, "/ratings/"+url.PathEscape(ratee), nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// GetRating fetches a single rating by its full key.
func (c *Client) GetRating(ctx context.Context, ratee, rater, role string) (Rating, error) {
	var resp Rating
	endpoint := fmt.Sprintf("/ratings/%s/%s", url.PathEscape(ratee), url.PathEscape(rater))
	if err := c.get(ctx, endpoint, url.Values{"role": {role}}, &resp); err != nil {
		return Rating{}, err
	}
	return resp, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, nil, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, query, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
