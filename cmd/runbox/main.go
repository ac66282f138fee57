// Command runbox executes code requests inside the sandbox and prints one
// JSON result per line. Requests are read from the files given as arguments,
// or from stdin when there are none; each input may hold several JSON objects.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"runbox/internal/common/limiter"
	"runbox/internal/sandbox"
	"runbox/internal/sandbox/adapter"
	"runbox/internal/sandbox/config"
	"runbox/internal/sandbox/engine"
	"runbox/internal/sandbox/observer"
	"runbox/internal/sandbox/workspace"
	appErr "runbox/pkg/errors"
	"runbox/pkg/utils/logger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	defaultConfigPath      = "configs/runbox.yaml"
	defaultShutdownTimeout = 5 * time.Second
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	concurrency := flag.Int("concurrency", 0, "Maximum concurrent requests (overrides config)")
	metricsAddr := flag.String("metrics-addr", "", "Serve Prometheus metrics on this address (overrides config)")
	listLanguages := flag.Bool("languages", false, "List configured languages and exit")
	flag.Parse()

	appCfg, err := loadAppConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load app config failed: %v\n", err)
		return 1
	}
	if *concurrency > 0 {
		appCfg.Worker.Concurrency = *concurrency
	}
	if *metricsAddr != "" {
		appCfg.Metrics.Addr = *metricsAddr
	}

	if err := logger.Init(appCfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		return 1
	}
	defer func() {
		_ = logger.Sync()
	}()

	localRepo, err := config.NewLocalRepository(appCfg.Language.Languages, appCfg.Language.Profiles)
	if err != nil {
		logger.Error(context.Background(), "init language repository failed", zap.Error(err))
		return 1
	}
	registry, err := adapter.NewRegistryFromSpecs(localRepo.Languages())
	if err != nil {
		logger.Error(context.Background(), "init language adapters failed", zap.Error(err))
		return 1
	}
	if *listLanguages {
		for _, id := range registry.IDs() {
			fmt.Println(id)
		}
		return 0
	}

	eng, err := engine.NewEngine(appCfg.Sandbox.toEngineConfig(), localRepo)
	if err != nil {
		logger.Error(context.Background(), "init sandbox engine failed", zap.Error(err))
		return 1
	}
	workspaces, err := workspace.NewManager(appCfg.toWorkspaceConfig())
	if err != nil {
		logger.Error(context.Background(), "init workspace manager failed", zap.Error(err))
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var metrics observer.MetricsRecorder = observer.NoopRecorder{}
	if appCfg.Metrics.Addr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		promRecorder, err := observer.NewPromRecorder(reg)
		if err != nil {
			logger.Error(context.Background(), "init metrics failed", zap.Error(err))
			return 1
		}
		metrics = promRecorder
		shutdown, err := serveMetrics(appCfg.Metrics, reg)
		if err != nil {
			logger.Error(context.Background(), "init metrics listener failed", zap.Error(err))
			return 1
		}
		defer shutdown()
	}

	worker, err := sandbox.NewWorker(appCfg.Worker.toWorkerConfig(), sandbox.Deps{
		Engine:     eng,
		Adapters:   registry,
		Profiles:   localRepo,
		Resolver:   localRepo,
		Workspaces: workspaces,
		Metrics:    metrics,
	})
	if err != nil {
		logger.Error(context.Background(), "init worker failed", zap.Error(err))
		return 1
	}

	requests, err := readRequests(flag.Args(), os.Stdin)
	if err != nil {
		logger.Error(context.Background(), "read requests failed", zap.Error(err))
		return 1
	}
	logger.Info(ctx, "runbox started",
		zap.Int("requests", len(requests)),
		zap.Int("concurrency", appCfg.Worker.Concurrency))

	if failed := executeAll(ctx, worker, requests, appCfg.Worker.Concurrency, os.Stdout); failed > 0 {
		return 2
	}
	return 0
}

// rejection is printed for a request that failed validation.
type rejection struct {
	RequestID string `json:"request_id,omitempty"`
	Error     string `json:"error"`
	ErrorCode int    `json:"error_code"`
	ErrorKind string `json:"error_kind"`
}

// executeAll runs requests with at most concurrency in flight and returns the
// number of requests rejected by validation.
func executeAll(ctx context.Context, svc sandbox.Service, requests []sandbox.ExecutionRequest, concurrency int, out io.Writer) int {
	tokens := limiter.NewTokenLimiter(concurrency)
	enc := json.NewEncoder(out)
	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		rejected int
	)
	emit := func(line interface{}) {
		mu.Lock()
		defer mu.Unlock()
		if err := enc.Encode(line); err != nil {
			logger.Error(ctx, "write result failed", zap.Error(err))
		}
	}

	for _, req := range requests {
		if err := tokens.Acquire(ctx); err != nil {
			logger.Warn(ctx, "stopped scheduling requests", zap.Error(err))
			break
		}
		wg.Add(1)
		go func(req sandbox.ExecutionRequest) {
			defer wg.Done()
			defer tokens.Release()
			res, err := svc.Execute(ctx, req)
			if err != nil {
				code := appErr.GetCode(err)
				mu.Lock()
				rejected++
				mu.Unlock()
				emit(rejection{RequestID: req.RequestID, Error: err.Error(), ErrorCode: int(code), ErrorKind: code.String()})
				return
			}
			emit(res)
		}(req)
	}
	wg.Wait()
	return rejected
}

// readRequests decodes every JSON request from the named files, or from stdin
// when no file is named.
func readRequests(paths []string, stdin io.Reader) ([]sandbox.ExecutionRequest, error) {
	if len(paths) == 0 {
		return decodeRequests(stdin)
	}
	var all []sandbox.ExecutionRequest
	for _, path := range paths {
		file, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", path, err)
		}
		reqs, err := decodeRequests(file)
		_ = file.Close()
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		all = append(all, reqs...)
	}
	return all, nil
}

func decodeRequests(r io.Reader) ([]sandbox.ExecutionRequest, error) {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	var out []sandbox.ExecutionRequest
	for {
		var req sandbox.ExecutionRequest
		err := dec.Decode(&req)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
}

func serveMetrics(cfg MetricsConfig, reg *prometheus.Registry) (func(), error) {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, err
	}
	go func() {
		logger.Info(context.Background(), "metrics server started", zap.String("addr", cfg.Addr))
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "metrics server stopped", zap.Error(err))
		}
	}()
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}, nil
}
