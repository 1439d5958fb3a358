// Package main provides a CLI client for the Blueprint Manager's admin
// HTTP surface and local RFQ signer management.
//
// Usage:
//
//	blueprint-cli health
//	blueprint-cli blueprints list
//	blueprint-cli remote status
//	blueprint-cli remote terminate <blueprint_id> <service_id>
//	blueprint-cli rfq keygen
//	blueprint-cli jobs list --blueprint-id <id> [--json]
//	blueprint-cli jobs show --service-id <id> --call-id <id> [--json]
//	blueprint-cli jobs submit --service-id <id> --job <idx> --payload-hex <hex> [--watch] [--timeout-secs <n>] [--json]
package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mr-tron/base58"

	"github.com/tangle-network/blueprint-core/internal/rfq"
)

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	defaultAddr := getenv("BLUEPRINT_MANAGER_ADDR", "http://localhost:9944")
	defaultAggregatorAddr := getenv("BLUEPRINT_AGGREGATOR_ADDR", "http://localhost:9955")

	root := flag.NewFlagSet("blueprint-cli", flag.ContinueOnError)
	root.SetOutput(io.Discard)
	addrFlag := root.String("addr", defaultAddr, "manager admin base URL (env BLUEPRINT_MANAGER_ADDR)")
	aggregatorAddrFlag := root.String("aggregator-addr", defaultAggregatorAddr, "aggregation service base URL (env BLUEPRINT_AGGREGATOR_ADDR)")
	timeoutFlag := root.Duration("timeout", 15*time.Second, "HTTP request timeout")
	if err := root.Parse(args); err != nil {
		return usageError(err)
	}

	remaining := root.Args()
	if len(remaining) == 0 {
		return usageError(errors.New("no command specified"))
	}

	client := &apiClient{
		baseURL: strings.TrimRight(*addrFlag, "/"),
		http:    &http.Client{Timeout: *timeoutFlag},
	}
	aggregatorClient := &apiClient{
		baseURL: strings.TrimRight(*aggregatorAddrFlag, "/"),
		http:    &http.Client{Timeout: *timeoutFlag},
	}

	switch remaining[0] {
	case "health":
		return handleHealth(ctx, client)
	case "blueprints":
		return handleBlueprints(ctx, client, remaining[1:])
	case "remote":
		return handleRemote(ctx, client, remaining[1:])
	case "rfq":
		return handleRFQ(remaining[1:])
	case "jobs":
		return handleJobs(ctx, client, aggregatorClient, remaining[1:])
	case "help", "-h", "--help":
		printUsage()
		return nil
	default:
		return usageError(fmt.Errorf("unknown command %q", remaining[0]))
	}
}

func printUsage() {
	fmt.Println(`blueprint-cli - Blueprint Manager admin client

Usage:
  blueprint-cli [--addr URL] <command> [arguments]

Commands:
  health                                     Check manager readiness
  blueprints list                            List active blueprints and their services
  remote status                              List remote deployment registry entries
  remote terminate <blueprint_id> <service_id>  Terminate and deregister a remote deployment
  rfq keygen                                 Generate a new RFQ signing key and print its base58 public key
  jobs list --blueprint-id <id> [--json]     List a blueprint's declared jobs
  jobs show --service-id <id> --call-id <id> [--json]
                                              Show a job call's aggregation status
  jobs submit --service-id <id> --job <idx> --payload-hex <hex> [--watch] [--timeout-secs <n>] [--json]
                                              Request a job call, optionally waiting for its result

Environment:
  BLUEPRINT_MANAGER_ADDR     Manager admin base URL (default http://localhost:9944)
  BLUEPRINT_AGGREGATOR_ADDR  Aggregation service base URL (default http://localhost:9955)`)
}

func usageError(err error) error {
	printUsage()
	return err
}

func getenv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

type apiClient struct {
	baseURL string
	http    *http.Client
}

func (c *apiClient) request(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("manager returned %d: %s", resp.StatusCode, string(data))
	}
	return data, nil
}

func handleHealth(ctx context.Context, client *apiClient) error {
	data, err := client.request(ctx, http.MethodGet, "/healthz", nil)
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func handleBlueprints(ctx context.Context, client *apiClient, args []string) error {
	if len(args) == 0 || args[0] != "list" {
		return usageError(errors.New("usage: blueprint-cli blueprints list"))
	}
	data, err := client.request(ctx, http.MethodGet, "/blueprints", nil)
	if err != nil {
		return err
	}
	return printIndented(data)
}

func handleRemote(ctx context.Context, client *apiClient, args []string) error {
	if len(args) == 0 {
		return usageError(errors.New("usage: blueprint-cli remote <status|terminate>"))
	}
	switch args[0] {
	case "status":
		data, err := client.request(ctx, http.MethodGet, "/remote-deployments", nil)
		if err != nil {
			return err
		}
		return printIndented(data)
	case "terminate":
		if len(args) != 3 {
			return usageError(errors.New("usage: blueprint-cli remote terminate <blueprint_id> <service_id>"))
		}
		blueprintID, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid blueprint_id: %w", err)
		}
		serviceID, err := strconv.ParseUint(args[2], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid service_id: %w", err)
		}
		data, err := client.request(ctx, http.MethodPost, "/remote-deployments/terminate", map[string]uint64{
			"blueprint_id": blueprintID,
			"service_id":   serviceID,
		})
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	default:
		return usageError(fmt.Errorf("unknown remote subcommand %q", args[0]))
	}
}

func handleJobs(ctx context.Context, client, aggregatorClient *apiClient, args []string) error {
	if len(args) == 0 {
		return usageError(errors.New("usage: blueprint-cli jobs <list|show|submit>"))
	}
	switch args[0] {
	case "list":
		return handleJobsList(ctx, client, args[1:])
	case "show":
		return handleJobsShow(ctx, aggregatorClient, args[1:])
	case "submit":
		return handleJobsSubmit(ctx, client, aggregatorClient, args[1:])
	default:
		return usageError(fmt.Errorf("unknown jobs subcommand %q", args[0]))
	}
}

func handleJobsList(ctx context.Context, client *apiClient, args []string) error {
	fs := flag.NewFlagSet("jobs list", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	blueprintID := fs.Uint64("blueprint-id", 0, "blueprint ID")
	jsonOut := fs.Bool("json", false, "emit JSON")
	if err := fs.Parse(args); err != nil {
		return usageError(err)
	}

	data, err := client.request(ctx, http.MethodGet, fmt.Sprintf("/blueprints/%d/jobs", *blueprintID), nil)
	if err != nil {
		return err
	}

	var resp struct {
		Jobs []struct {
			Index uint32 `json:"index"`
			Name  string `json:"name"`
		} `json:"jobs"`
		MissingHashSources int `json:"missing_hash_sources"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if resp.MissingHashSources > 0 {
		fmt.Fprintf(os.Stderr, "warning: %d source entr(y/ies) for blueprint %d have no binary hash set\n", resp.MissingHashSources, *blueprintID)
	}

	if *jsonOut {
		return printIndented(data)
	}
	for _, job := range resp.Jobs {
		fmt.Printf("%d\t%s\n", job.Index, job.Name)
	}
	return nil
}

func handleJobsShow(ctx context.Context, aggregatorClient *apiClient, args []string) error {
	fs := flag.NewFlagSet("jobs show", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.Uint64("blueprint-id", 0, "blueprint ID (informational)")
	serviceID := fs.Uint64("service-id", 0, "service ID")
	callID := fs.Uint64("call-id", 0, "call ID")
	jsonOut := fs.Bool("json", false, "emit JSON")
	if err := fs.Parse(args); err != nil {
		return usageError(err)
	}

	data, err := aggregatorClient.request(ctx, http.MethodGet, fmt.Sprintf("/v1/tasks/%d/%d", *serviceID, *callID), nil)
	if err != nil {
		return err
	}
	if *jsonOut {
		return printIndented(data)
	}
	fmt.Println(string(data))
	return nil
}

func handleJobsSubmit(ctx context.Context, client, aggregatorClient *apiClient, args []string) error {
	fs := flag.NewFlagSet("jobs submit", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.Uint64("blueprint-id", 0, "blueprint ID (informational)")
	serviceID := fs.Uint64("service-id", 0, "service ID")
	job := fs.Uint("job", 0, "job index")
	payloadHex := fs.String("payload-hex", "", "hex-encoded job payload")
	watch := fs.Bool("watch", false, "wait for the job result before exiting")
	timeoutSecs := fs.Int("timeout-secs", 60, "max seconds to wait when --watch is set")
	jsonOut := fs.Bool("json", false, "emit JSON events")
	if err := fs.Parse(args); err != nil {
		return usageError(err)
	}
	if *payloadHex == "" {
		return usageError(errors.New("--payload-hex is required"))
	}

	data, err := client.request(ctx, http.MethodPost, fmt.Sprintf("/services/%d/jobs", *serviceID), map[string]any{
		"job":         uint64(*job),
		"payload_hex": *payloadHex,
	})
	if err != nil {
		return err
	}
	var submitted struct {
		CallID uint64 `json:"call_id"`
	}
	if err := json.Unmarshal(data, &submitted); err != nil {
		return fmt.Errorf("decode submit response: %w", err)
	}
	emitJobEvent(*jsonOut, "job_submitted", map[string]any{"call_id": submitted.CallID})

	if !*watch {
		return nil
	}

	deadline := time.Now().Add(time.Duration(*timeoutSecs) * time.Second)
	for {
		statusData, err := aggregatorClient.request(ctx, http.MethodGet, fmt.Sprintf("/v1/tasks/%d/%d", *serviceID, submitted.CallID), nil)
		if err == nil {
			var status struct {
				Completed bool `json:"completed"`
			}
			if jerr := json.Unmarshal(statusData, &status); jerr == nil && status.Completed {
				var doc any
				_ = json.Unmarshal(statusData, &doc)
				emitJobEvent(*jsonOut, "job_result", map[string]any{"call_id": submitted.CallID, "result": doc})
				return nil
			}
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out after %ds waiting for call %d to complete", *timeoutSecs, submitted.CallID)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

func emitJobEvent(jsonOut bool, event string, fields map[string]any) {
	if jsonOut {
		out := map[string]any{"event": event}
		for k, v := range fields {
			out[k] = v
		}
		raw, _ := json.Marshal(out)
		fmt.Println(string(raw))
		return
	}
	fmt.Printf("%s %v\n", event, fields)
}

func handleRFQ(args []string) error {
	if len(args) == 0 || args[0] != "keygen" {
		return usageError(errors.New("usage: blueprint-cli rfq keygen"))
	}
	signer, err := rfq.GenerateSecp256k1Signer()
	if err != nil {
		return fmt.Errorf("generate signer: %w", err)
	}
	pubKeyHex := signer.PublicKeyHex()
	raw, err := hex.DecodeString(strings.TrimPrefix(pubKeyHex, "0x"))
	if err != nil {
		return fmt.Errorf("decode generated public key: %w", err)
	}
	fmt.Printf("public key (hex):    %s\n", pubKeyHex)
	fmt.Printf("public key (base58): %s\n", base58.Encode(raw))
	return nil
}

func printIndented(data []byte) error {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		fmt.Println(string(data))
		return nil
	}
	pretty, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(pretty))
	return nil
}
