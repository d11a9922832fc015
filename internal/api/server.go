package api

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "GluePay-Chain/internal/errors"
	"GluePay-Chain/internal/facilitator"
	"GluePay-Chain/internal/identity"
	"GluePay-Chain/internal/ledger"
	"GluePay-Chain/internal/observability/metrics"
	"GluePay-Chain/internal/reputation"
)

// Server 负责暴露结算与注册 REST 接口。
type Server struct {
	addr        string
	facilitator *facilitator.Service
	directory   identity.Directory
	ratings     reputation.Store
}

// NewServer 构造 API 服务实例。directory 与 ratings 为 nil 时对应的
// 注册接口返回 404。
func NewServer(addr string, svc *facilitator.Service, directory identity.Directory, ratings reputation.Store) *Server {
	return &Server{addr: addr, facilitator: svc, directory: directory, ratings: ratings}
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/verify", s.instrument("verify", s.handleVerify))
	mux.HandleFunc("/settle", s.instrument("settle", s.handleSettle))
	mux.HandleFunc("/supported", s.instrument("supported", s.handleSupported))
	mux.HandleFunc("/cancel", s.instrument("cancel", s.handleCancel))
	mux.HandleFunc("/healthz", s.instrument("healthz", s.handleHealthz))
	mux.HandleFunc("/authorizations/", s.instrument("authorizations", s.handleAuthorizationStatus))
	mux.HandleFunc("/identities", s.instrument("identities", s.handleIdentities))
	mux.HandleFunc("/identities/", s.instrument("identities", s.handleIdentityDetail))
	mux.HandleFunc("/ratings", s.instrument("ratings", s.handleRatings))
	mux.HandleFunc("/ratings/", s.instrument("ratings", s.handleRatingDetail))
	mux.Handle("/metrics", metrics.Handler())

	// 配置 HTTP 服务器。
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// 启动服务器并监听关闭信号。
	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !stdErrors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	var req facilitator.VerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, s.facilitator.Verify(r.Context(), req))
}

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	var req facilitator.SettleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	resp := s.facilitator.Settle(r.Context(), req)
	metrics.ObserveSettlement(resp.Network, resp.Success)
	writeJSON(w, http.StatusOK, resp)
}

// handleCancel 撤销一个尚未被消费的授权 nonce。
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	var req facilitator.CancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	cancel, err := facilitator.DecodeCancellation(req)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.facilitator.Cancel(r.Context(), req.Network, cancel); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleSupported(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.facilitator.Supported())
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleAuthorizationStatus 处理 GET /authorizations/{payer}/{nonce}。
func (s *Server) handleAuthorizationStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/authorizations/"), "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		http.Error(w, "路径格式应为 /authorizations/{payer}/{nonce}", http.StatusBadRequest)
		return
	}
	status, err := s.facilitator.AuthorizationStatus(r.Context(), facilitator.StatusRequest{
		Network: r.URL.Query().Get("network"),
		Payer:   parts[0],
		Nonce:   parts[1],
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type registerIdentityRequest struct {
	Owner  string `json:"owner"`
	Domain string `json:"domain"`
}

func (s *Server) handleIdentities(w http.ResponseWriter, r *http.Request) {
	if s.directory == nil {
		http.Error(w, "身份目录未启用", http.StatusNotFound)
		return
	}
	switch r.Method {
	case http.MethodPost:
		var req registerIdentityRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "请求体解析失败", http.StatusBadRequest)
			return
		}
		if !common.IsHexAddress(req.Owner) {
			http.Error(w, "owner 不是合法地址", http.StatusBadRequest)
			return
		}
		record, err := s.directory.Register(r.Context(), common.HexToAddress(req.Owner), req.Domain)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, record)
	case http.MethodGet:
		raw := r.URL.Query().Get("address")
		if !common.IsHexAddress(raw) {
			http.Error(w, "address 参数缺失或非法", http.StatusBadRequest)
			return
		}
		record, err := s.directory.ResolveByAddress(r.Context(), common.HexToAddress(raw))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, record)
	default:
		http.Error(w, "仅支持 GET/POST", http.StatusMethodNotAllowed)
	}
}

type transferOwnershipRequest struct {
	Caller   string `json:"caller"`
	NewOwner string `json:"newOwner"`
}

// handleIdentityDetail 处理 GET /identities/{id} 与 POST /identities/{id}/transfer。
func (s *Server) handleIdentityDetail(w http.ResponseWriter, r *http.Request) {
	if s.directory == nil {
		http.Error(w, "身份目录未启用", http.StatusNotFound)
		return
	}
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/identities/"), "/")
	if rest == "" {
		http.Error(w, "缺少身份 ID", http.StatusBadRequest)
		return
	}

	if strings.HasSuffix(rest, "/transfer") {
		if r.Method != http.MethodPost {
			http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
			return
		}
		id := strings.TrimSuffix(rest, "/transfer")
		var req transferOwnershipRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "请求体解析失败", http.StatusBadRequest)
			return
		}
		if !common.IsHexAddress(req.Caller) || !common.IsHexAddress(req.NewOwner) {
			http.Error(w, "caller/newOwner 不是合法地址", http.StatusBadRequest)
			return
		}
		if err := s.directory.TransferOwnership(r.Context(), id, common.HexToAddress(req.Caller), common.HexToAddress(req.NewOwner)); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "transferred"})
		return
	}

	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	record, err := s.directory.Get(r.Context(), rest)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

type rateRequest struct {
	Rater    string `json:"rater"`
	Ratee    string `json:"ratee"`
	Role     string `json:"role"`
	Score    int    `json:"score"`
	Metadata string `json:"metadata,omitempty"`
}

func (s *Server) handleRatings(w http.ResponseWriter, r *http.Request) {
	if s.ratings == nil {
		http.Error(w, "评价存储未启用", http.StatusNotFound)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	var req rateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	err := s.ratings.Rate(r.Context(), reputation.Rating{
		Rater:    req.Rater,
		Ratee:    req.Ratee,
		Role:     reputation.Role(req.Role),
		Score:    req.Score,
		Metadata: req.Metadata,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rated"})
}

// handleRatingDetail 处理 GET /ratings/{ratee} 与 GET /ratings/{ratee}/{rater}?role=。
func (s *Server) handleRatingDetail(w http.ResponseWriter, r *http.Request) {
	if s.ratings == nil {
		http.Error(w, "评价存储未启用", http.StatusNotFound)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/ratings/"), "/"), "/")
	switch len(parts) {
	case 1:
		if parts[0] == "" {
			http.Error(w, "缺少被评方 ID", http.StatusBadRequest)
			return
		}
		ratings, err := s.ratings.GetAllRatingsFor(r.Context(), parts[0])
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, ratings)
	case 2:
		role := reputation.Role(r.URL.Query().Get("role"))
		if role == "" {
			role = reputation.RoleSeller
		}
		rating, err := s.ratings.GetRating(r.Context(), parts[1], parts[0], role)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rating)
	default:
		http.Error(w, "路径格式应为 /ratings/{ratee} 或 /ratings/{ratee}/{rater}", http.StatusBadRequest)
	}
}

// instrument 记录每个接口的请求量与时延。
func (s *Server) instrument(name string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		handler(recorder, r)
		metrics.ObserveHTTPRequest(name, r.Method, recorder.status, time.Since(start))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError 依据统一错误码映射 HTTP 状态。
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case stdErrors.Is(err, identity.ErrIdentityNotFound),
		stdErrors.Is(err, reputation.ErrRatingNotFound):
		status = http.StatusNotFound
	case stdErrors.Is(err, identity.ErrDomainAlreadyClaimed),
		stdErrors.Is(err, ledger.ErrNonceReused):
		status = http.StatusConflict
	case stdErrors.Is(err, ledger.ErrInvalidSignature):
		status = http.StatusBadRequest
	case stdErrors.Is(err, identity.ErrNotOwner):
		status = http.StatusForbidden
	case stdErrors.Is(err, reputation.ErrScoreOutOfRange),
		stdErrors.Is(err, reputation.ErrUnknownIdentity),
		xerrors.CodeOf(err) == xerrors.CodeInvalidArgument:
		status = http.StatusBadRequest
	}

	body := map[string]string{"error": err.Error(), "code": string(xerrors.CodeOf(err))}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	// 包装处理器以检查上下文状态。
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务正在关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
