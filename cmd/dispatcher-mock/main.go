package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/daverjorge46/yoyoclaw-sub006/pkg/httpx"
	"github.com/daverjorge46/yoyoclaw-sub006/pkg/models"
	"github.com/daverjorge46/yoyoclaw-sub006/pkg/telemetry"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	listenFn        = func(server *http.Server) error { return server.ListenAndServe() }
)

func main() {
	if err := runDispatcherMock(initTelemetryFn, listenFn); err != nil {
		logFatalf("server error: %v", err)
	}
}

// handleDispatch accepts a transaction request and fabricates a
// deterministic execution result. FAIL_ACTION forces failures for one
// action so guard failure paths can be exercised end to end.
func handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req models.TransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteJSON(w, http.StatusBadRequest, models.ExecutionResult{Success: false, Error: "malformed request"})
		return
	}
	if req.ID == "" {
		httpx.WriteJSON(w, http.StatusBadRequest, models.ExecutionResult{Success: false, Error: "request id required"})
		return
	}
	if failAction := os.Getenv("FAIL_ACTION"); failAction != "" && string(req.Action) == failAction {
		httpx.WriteJSON(w, http.StatusOK, models.ExecutionResult{Success: false, Error: "simulated backend failure"})
		return
	}
	httpx.WriteJSON(w, http.StatusOK, models.ExecutionResult{
		Success: true,
		TxHash:  fakeTxHash(req.ID),
		JobID:   uuid.NewString(),
	})
}

// fakeTxHash derives a stable hash from the request id so retries of
// the same request produce the same receipt.
func fakeTxHash(requestID string) string {
	sum := sha256.Sum256([]byte(requestID))
	return "0x" + hex.EncodeToString(sum[:])
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}

func runDispatcherMock(
	initTelemetry func(context.Context, string) (func(context.Context) error, error),
	listen func(*http.Server) error,
) error {
	if initTelemetry == nil {
		initTelemetry = telemetry.Init
	}
	if listen == nil {
		listen = func(server *http.Server) error { return server.ListenAndServe() }
	}

	shutdown, err := initTelemetry(context.Background(), "dispatcher-mock")
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	r := chi.NewRouter()
	r.Use(telemetry.HTTPMiddleware("dispatcher-mock"))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "dispatcher-mock"})
	})
	r.Post("/v1/dispatch", handleDispatch)

	addr := env("ADDR", ":8085")
	log.Printf("dispatcher-mock listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	return listen(server)
}
