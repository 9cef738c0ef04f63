package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/animus-labs/medscan/internal/domain"
	"github.com/animus-labs/medscan/internal/platform/env"
)

func main() {
	now := time.Now().UTC()
	defaultRequestID := fmt.Sprintf("predict-%s", now.Format("20060102T150405Z"))

	var (
		baseURL        = flag.String("api", env.String("MEDSCAN_API_URL", "http://localhost:8080"), "Predictor base URL")
		token          = flag.String("token", env.String("MEDSCAN_BEARER_TOKEN", ""), "Bearer token (optional; required for OIDC mode)")
		tokenURL       = flag.String("token-url", env.String("MEDSCAN_TOKEN_URL", ""), "OAuth2 token endpoint for the client-credentials flow")
		clientID       = flag.String("client-id", env.String("MEDSCAN_CLIENT_ID", ""), "OAuth2 client id")
		clientSecret   = flag.String("client-secret", env.String("MEDSCAN_CLIENT_SECRET", ""), "OAuth2 client secret")
		scopes         = flag.String("scopes", env.String("MEDSCAN_CLIENT_SCOPES", "openid"), "Comma-separated OAuth2 scopes")
		requestID      = flag.String("request-id", defaultRequestID, "X-Request-Id for correlation")
		pipeline       = flag.String("pipeline", "", "Restrict the prediction to one pipeline (empty runs all and arbitrates)")
		history        = flag.Int("history", 0, "List the caller's last N predictions instead of predicting")
		local          = flag.Bool("local", false, "Run the pipelines in-process instead of calling the API")
		pipelinesFile  = flag.String("pipelines", env.String("MEDSCAN_PIPELINES_FILE", ""), "Pipeline catalog file (local mode)")
		modelsRoot     = flag.String("models-root", env.String("MEDSCAN_MODELS_ROOT", ".."), "Directory holding model/ and model1/ (local mode)")
		python         = flag.String("python", env.String("MEDSCAN_PYTHON", "python3"), "Interpreter for the default pipelines (local mode)")
		confidenceMode = flag.String("confidence-mode", env.String("MEDSCAN_CONFIDENCE_MODE", ""), "fallback or strict (local mode)")
		owner          = flag.String("owner", "local", "Owner id recorded in local mode")
		verbose        = flag.Bool("v", false, "Log engine activity to stderr (local mode)")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *local {
		image := flag.Arg(0)
		if image == "" {
			usage()
		}
		record, err := predictLocal(ctx, localOptions{
			PipelinesFile:  *pipelinesFile,
			ModelsRoot:     *modelsRoot,
			Python:         *python,
			ConfidenceMode: *confidenceMode,
			Owner:          *owner,
			Pipeline:       *pipeline,
			Verbose:        *verbose,
		}, image)
		if err != nil {
			dieWithReasons("predict", err)
		}
		printJSON(record)
		return
	}

	var httpClient *http.Client
	if strings.TrimSpace(*tokenURL) != "" {
		httpClient = clientCredentialsHTTPClient(ctx, *tokenURL, *clientID, *clientSecret, splitCSV(*scopes))
	}
	client := newAPIClient(*baseURL, *token, *requestID, httpClient)

	if *history > 0 {
		records, err := client.history(ctx, *history)
		if err != nil {
			die("list predictions", err)
		}
		printJSON(records)
		return
	}

	image := flag.Arg(0)
	if image == "" {
		usage()
	}
	record, err := client.predict(ctx, image, *pipeline)
	if err != nil {
		die("predict", err)
	}
	printJSON(record)
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s [flags] <image>\n", os.Args[0])
	flag.PrintDefaults()
	os.Exit(2)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func splitCSV(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func dieWithReasons(step string, err error) {
	var predErr *domain.PredictionError
	if errors.As(err, &predErr) {
		fmt.Fprintf(os.Stderr, "error: %s: no pipeline produced a valid prediction\n", step)
		for _, name := range predErr.Attempted {
			fmt.Fprintf(os.Stderr, "  - %s: %s\n", name, predErr.Reasons()[name])
		}
		os.Exit(1)
	}
	die(step, err)
}

func die(step string, err error) {
	fmt.Fprintf(os.Stderr, "error: %s: %v\n", step, err)
	os.Exit(1)
}
