package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"CrossFlow/internal/bridge"
	"CrossFlow/internal/ledger"
	"CrossFlow/internal/observability/metrics"
)

// RouteSource 返回当前生效的路由配置，与调度服务共用同一来源。
type RouteSource func(ctx context.Context) ([]bridge.RouteConfig, error)

// Server 暴露运维 REST 接口：在途转账查询、全局暂停开关和指标抓取。
type Server struct {
	addr      string
	store     ledger.Store
	routes    RouteSource
	bridges   *bridge.Registry
	collector *metrics.Collector
}

// NewServer 构造运维服务实例。
func NewServer(addr string, store ledger.Store, routes RouteSource, bridges *bridge.Registry, collector *metrics.Collector) *Server {
	return &Server{addr: addr, store: store, routes: routes, bridges: bridges, collector: collector}
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/transfers", s.handleTransfers)
	mux.HandleFunc("/api/v1/pause", s.handlePause)
	mux.HandleFunc("/api/v1/rails", s.handleRails)
	mux.Handle("/metrics", metrics.Handler(s.collector))

	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
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

// handleTransfers 列出全部路由上的在途转账。
func (s *Server) handleTransfers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()

	configs, err := s.routes(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	lookup := make([]bridge.Route, 0, len(configs))
	for _, cfg := range configs {
		lookup = append(lookup, cfg.Route)
	}
	transfers, err := s.store.GetRebalances(ctx, lookup)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if transfers == nil {
		transfers = []*ledger.Transfer{}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(transfers)
}

type pauseRequest struct {
	Paused bool `json:"paused"`
}

type pauseResponse struct {
	Paused bool `json:"paused"`
}

// handlePause 读写全局暂停开关。
func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	switch r.Method {
	case http.MethodGet:
	case http.MethodPost:
		var req pauseRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "请求体解析失败", http.StatusBadRequest)
			return
		}
		if err := s.store.SetPause(ctx, req.Paused); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	default:
		http.Error(w, "仅支持 GET/POST", http.StatusMethodNotAllowed)
		return
	}

	paused, err := s.store.IsPaused(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(pauseResponse{Paused: paused})
}

// handleRails 列出已注册的桥接通道。
func (s *Server) handleRails(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.bridges.Rails())
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
