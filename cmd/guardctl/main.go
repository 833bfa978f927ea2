package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/daverjorge46/yoyoclaw-sub006/pkg/audit"
	"github.com/daverjorge46/yoyoclaw-sub006/pkg/models"
	"github.com/daverjorge46/yoyoclaw-sub006/pkg/policy"
	"github.com/daverjorge46/yoyoclaw-sub006/pkg/pricing"
)

// Testable variables for main()
var osExit = os.Exit

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		log.Print(err)
		osExit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		usage(out)
		return errors.New("command required")
	}
	switch args[0] {
	case "estimate":
		return estimate(args[1:], out)
	case "evaluate":
		return evaluate(args[1:], out)
	case "sign-verdict":
		return signVerdict(args[1:], out)
	case "verify-verdict":
		return verifyVerdict(args[1:], out)
	default:
		usage(out)
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func usage(out io.Writer) {
	fmt.Fprintln(out, "guardctl commands:")
	fmt.Fprintln(out, "  estimate --request req.json [--prices prices.json]")
	fmt.Fprintln(out, "  evaluate --request req.json --policy policy.json [--audit-dir ./audit] [--prices prices.json]")
	fmt.Fprintln(out, "  sign-verdict --verdict verdict.json [--out signed.json]")
	fmt.Fprintln(out, "  verify-verdict --verdict signed.json")
	fmt.Fprintln(out, "sign-verdict and verify-verdict read the secret from GUARD_INTEGRITY_SECRET")
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func loadEstimator(path string) (*pricing.StaticTable, error) {
	if path == "" {
		return pricing.NewStaticTable(pricing.DefaultPrices()), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read prices: %w", err)
	}
	var prices map[string]float64
	if err := json.Unmarshal(raw, &prices); err != nil {
		return nil, fmt.Errorf("decode prices: %w", err)
	}
	return pricing.NewStaticTable(prices), nil
}

func loadRequest(path string) (models.TransactionRequest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return models.TransactionRequest{}, fmt.Errorf("read request: %w", err)
	}
	var req models.TransactionRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return models.TransactionRequest{}, fmt.Errorf("decode request: %w", err)
	}
	if req.Action == "" {
		return models.TransactionRequest{}, errors.New("request missing action")
	}
	return req, nil
}

func integritySecret() ([]byte, error) {
	secret := os.Getenv("GUARD_INTEGRITY_SECRET")
	if secret == "" {
		return nil, errors.New("GUARD_INTEGRITY_SECRET not set")
	}
	return []byte(secret), nil
}

func estimate(args []string, out io.Writer) error {
	fs := newFlagSet("estimate")
	reqPath := fs.String("request", "", "request json path")
	pricesPath := fs.String("prices", "", "price table json path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *reqPath == "" {
		return errors.New("request required")
	}
	req, err := loadRequest(*reqPath)
	if err != nil {
		return err
	}
	table, err := loadEstimator(*pricesPath)
	if err != nil {
		return err
	}
	usd, err := table.EstimateUSD(req)
	if err != nil {
		return fmt.Errorf("estimate: %w", err)
	}
	fmt.Fprintf(out, "%.2f\n", usd)
	return nil
}

// evaluate replays a decision offline: same pricing, same evaluators,
// same history reads as the running service, without touching it.
func evaluate(args []string, out io.Writer) error {
	fs := newFlagSet("evaluate")
	reqPath := fs.String("request", "", "request json path")
	policyPath := fs.String("policy", "", "policy config json path")
	auditDir := fs.String("audit-dir", "", "audit log dir for history")
	pricesPath := fs.String("prices", "", "price table json path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *reqPath == "" || *policyPath == "" {
		return errors.New("request and policy required")
	}
	secret, err := integritySecret()
	if err != nil {
		return err
	}
	req, err := loadRequest(*reqPath)
	if err != nil {
		return err
	}
	rawPolicy, err := os.ReadFile(*policyPath)
	if err != nil {
		return fmt.Errorf("read policy: %w", err)
	}
	var cfg models.PolicyConfig
	if err := json.Unmarshal(rawPolicy, &cfg); err != nil {
		return fmt.Errorf("decode policy: %w", err)
	}
	table, err := loadEstimator(*pricesPath)
	if err != nil {
		return err
	}
	usd, err := table.EstimateUSD(req)
	if err != nil {
		return fmt.Errorf("estimate: %w", err)
	}
	req.EstimatedValueUSD = usd

	var history []models.AuditEntry
	if *auditDir != "" {
		fileLog, err := audit.NewFileLog(*auditDir)
		if err != nil {
			return fmt.Errorf("audit dir: %w", err)
		}
		history, err = fileLog.Recent(context.Background(), req.Source, time.Now().UTC().Add(-25*time.Hour))
		if err != nil {
			return fmt.Errorf("read history: %w", err)
		}
	}

	verdict := policy.NewEngine(secret).Evaluate(req, cfg, history)
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(verdict)
}

func signVerdict(args []string, out io.Writer) error {
	fs := newFlagSet("sign-verdict")
	verdictPath := fs.String("verdict", "", "verdict json path")
	outPath := fs.String("out", "", "output path, stdout when empty")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *verdictPath == "" {
		return errors.New("verdict required")
	}
	secret, err := integritySecret()
	if err != nil {
		return err
	}
	raw, err := os.ReadFile(*verdictPath)
	if err != nil {
		return fmt.Errorf("read verdict: %w", err)
	}
	var verdict models.PolicyVerdict
	if err := json.Unmarshal(raw, &verdict); err != nil {
		return fmt.Errorf("decode verdict: %w", err)
	}
	if verdict.TxRequest.ID == "" {
		return errors.New("verdict missing tx_request.id")
	}
	if verdict.DecidedAt.IsZero() {
		verdict.DecidedAt = time.Now().UTC()
	}
	verdict.IntegrityHash = models.IntegrityHash(secret, verdict.TxRequest.ID, verdict.Approved, verdict.DecidedAt)

	signed, err := json.MarshalIndent(verdict, "", "  ")
	if err != nil {
		return fmt.Errorf("encode verdict: %w", err)
	}
	if *outPath == "" {
		fmt.Fprintln(out, string(signed))
		return nil
	}
	if err := os.WriteFile(*outPath, append(signed, '\n'), 0o600); err != nil {
		return fmt.Errorf("write verdict: %w", err)
	}
	fmt.Fprintf(out, "wrote %s\n", *outPath)
	return nil
}

func verifyVerdict(args []string, out io.Writer) error {
	fs := newFlagSet("verify-verdict")
	verdictPath := fs.String("verdict", "", "verdict json path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *verdictPath == "" {
		return errors.New("verdict required")
	}
	secret, err := integritySecret()
	if err != nil {
		return err
	}
	raw, err := os.ReadFile(*verdictPath)
	if err != nil {
		return fmt.Errorf("read verdict: %w", err)
	}
	var verdict models.PolicyVerdict
	if err := json.Unmarshal(raw, &verdict); err != nil {
		return fmt.Errorf("decode verdict: %w", err)
	}
	if !models.VerifyIntegrity(secret, verdict) {
		return errors.New("integrity hash mismatch")
	}
	fmt.Fprintln(out, "ok")
	return nil
}
