package api

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"AgentPay-Chain/internal/batch"
	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/idempotency"
	"AgentPay-Chain/internal/money"
	"AgentPay-Chain/internal/observability/metrics"
	"AgentPay-Chain/internal/payment"
	"AgentPay-Chain/internal/verify"
)

// Server 负责暴露 REST 接口，供智能体与商户侧系统驱动支付。
type Server struct {
	addr     string
	payments *payment.Service
	batches  *batch.Service
	verifier *verify.Verifier
}

// NewServer 构造 API 服务实例。batches 与 verifier 可以为 nil，
// 对应的端点返回 503。
func NewServer(addr string, payments *payment.Service, batches *batch.Service, verifier *verify.Verifier) *Server {
	return &Server{addr: addr, payments: payments, batches: batches, verifier: verifier}
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Routes()),
		ReadHeaderTimeout: 5 * time.Second,
	}

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

// Routes 返回完整的路由表，测试直接挂在 httptest 上。
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/payments", instrument("payments", s.handlePayments))
	mux.HandleFunc("/api/v1/payments/", instrument("payment_detail", s.handlePaymentDetail))
	mux.HandleFunc("/api/v1/batches", instrument("batches", s.handleBatches))
	mux.HandleFunc("/api/v1/batches/", instrument("batch_detail", s.handleBatchDetail))
	mux.HandleFunc("/api/v1/settlements", instrument("settlements", s.handleSettlements))
	mux.HandleFunc("/api/v1/verify", instrument("verify", s.handleVerify))
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

func (s *Server) handlePayments(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleSubmitPayment(w, r)
	case http.MethodGet:
		s.handleListPayments(w, r)
	default:
		http.Error(w, "仅支持 GET/POST", http.StatusMethodNotAllowed)
	}
}

// handleSubmitPayment 处理支付提案的提交。携带 Idempotency-Key 头的
// 重复提交返回首次结果。
func (s *Server) handleSubmitPayment(w http.ResponseWriter, r *http.Request) {
	if s.payments == nil {
		http.Error(w, "支付服务未初始化", http.StatusServiceUnavailable)
		return
	}
	var req payment.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	task, err := s.payments.Submit(r.Context(), req, r.Header.Get("Idempotency-Key"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, task)
}

func (s *Server) handleListPayments(w http.ResponseWriter, r *http.Request) {
	if s.payments == nil {
		http.Error(w, "支付服务未初始化", http.StatusServiceUnavailable)
		return
	}
	opts := []payment.ListOption{}
	query := r.URL.Query()
	if agentID := query.Get("agent_id"); agentID != "" {
		opts = append(opts, payment.WithAgent(agentID))
	}
	if status := query.Get("status"); status != "" {
		var statuses []payment.Status
		for _, raw := range strings.Split(status, ",") {
			statuses = append(statuses, payment.Status(strings.TrimSpace(raw)))
		}
		opts = append(opts, payment.WithStatuses(statuses...))
	}
	if limit := parseIntParam(query.Get("limit")); limit > 0 {
		opts = append(opts, payment.WithLimit(limit))
	}
	if offset := parseIntParam(query.Get("offset")); offset > 0 {
		opts = append(opts, payment.WithOffset(offset))
	}

	if query.Get("stats") == "true" {
		stats, err := s.payments.Stats(r.Context(), opts...)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
		return
	}
	tasks, err := s.payments.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

// handlePaymentDetail 处理 /api/v1/payments/{id} 与
// /api/v1/payments/{id}/retry。
func (s *Server) handlePaymentDetail(w http.ResponseWriter, r *http.Request) {
	if s.payments == nil {
		http.Error(w, "支付服务未初始化", http.StatusServiceUnavailable)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/payments/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		http.Error(w, "缺少支付 ID", http.StatusBadRequest)
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		task, err := s.payments.Get(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, task)
	case action == "retry" && r.Method == http.MethodPost:
		task, err := s.payments.Retry(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, task)
	default:
		http.Error(w, "不支持的方法或路径", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleBatches(w http.ResponseWriter, r *http.Request) {
	if s.batches == nil {
		http.Error(w, "批次服务未初始化", http.StatusServiceUnavailable)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	var req batch.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	batchID, err := s.batches.Create(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"batch_id": batchID})
}

// handleBatchDetail 处理 /api/v1/batches/{id} 与
// /api/v1/batches/{id}/execute。
func (s *Server) handleBatchDetail(w http.ResponseWriter, r *http.Request) {
	if s.batches == nil {
		http.Error(w, "批次服务未初始化", http.StatusServiceUnavailable)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/batches/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		http.Error(w, "缺少批次 ID", http.StatusBadRequest)
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		progress, err := s.batches.Status(r.Context(), id, r.URL.Query().Get("items") == "true")
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, progress)
	case action == "execute" && r.Method == http.MethodPost:
		summary, err := s.batches.Execute(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, summary)
	default:
		http.Error(w, "不支持的方法或路径", http.StatusMethodNotAllowed)
	}
}

// handleSettlements 接收商户侧声称的入账交易。线缆字段在入队前整体
// 校验，畸形任务直接打回，绝不进入结算核验队列。
func (s *Server) handleSettlements(w http.ResponseWriter, r *http.Request) {
	if s.payments == nil {
		http.Error(w, "支付服务未初始化", http.StatusServiceUnavailable)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	var task payment.SettlementTask
	if err := json.NewDecoder(r.Body).Decode(&task); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	if err := s.payments.EnqueueSettlement(r.Context(), &task); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

type verifyRequest struct {
	TxRef             string `json:"tx_ref"`
	OrderID           string `json:"order_id"`
	ExpectedAmount    string `json:"expected_amount"`
	ExpectedRecipient string `json:"expected_recipient"`
	Chain             string `json:"chain"`
}

// handleVerify 对声称的入账交易执行双花校验。
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	if s.verifier == nil {
		http.Error(w, "校验器未初始化", http.StatusServiceUnavailable)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	amount, err := money.ParsePositive(req.ExpectedAmount)
	if err != nil {
		writeError(w, err)
		return
	}
	result, err := s.verifier.Verify(r.Context(), verify.Request{
		TxRef:             req.TxRef,
		OrderID:           req.OrderID,
		ExpectedAmount:    amount,
		ExpectedRecipient: req.ExpectedRecipient,
		Chain:             req.Chain,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError 把统一错误码映射到 HTTP 状态码。
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case payment.IsPaymentError(err, payment.CodePaymentNotFound),
		stdErrors.Is(err, batch.ErrBatchNotFound):
		status = http.StatusNotFound
	case payment.IsPaymentError(err, payment.CodePaymentConflict),
		payment.IsPaymentError(err, payment.CodePaymentCompleted),
		stdErrors.Is(err, idempotency.ErrConflict):
		status = http.StatusConflict
	case xerrors.CodeOf(err) == payment.CodePaymentValidation,
		xerrors.CodeOf(err) == batch.CodeBatchValidation,
		xerrors.CodeOf(err) == money.CodeInvalidAmount,
		xerrors.CodeOf(err) == xerrors.CodeInvalidArgument:
		status = http.StatusBadRequest
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error": err.Error(),
		"code":  string(xerrors.CodeOf(err)),
	})
}

func parseIntParam(raw string) int {
	if raw == "" {
		return 0
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed < 0 {
		return 0
	}
	return parsed
}

// instrument 记录请求级指标。
func instrument(handler string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(recorder, r)
		metrics.ObserveHTTPRequest(handler, r.Method, recorder.status, time.Since(started))
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

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
