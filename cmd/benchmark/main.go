package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"math/rand/v2"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
)

type options struct {
	targetURL   string
	concurrency int
	duration    time.Duration
	workload    string
	terminals   int
	refundRatio float64
}

// Outcome counters, one per finished flow or failed step.
var (
	totalFlows   uint64
	committed    uint64
	refunded     uint64
	busy409      uint64 // TerminalBusy / InvalidState
	gateway502   uint64
	ledger503    uint64
	failOther    uint64
	flowNanosSum uint64
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:          "benchmark",
		Short:        "Drive concurrent ATM cash-in flows against the deposit API",
		SilenceUsage: true,
		RunE: func(_ *cobra.Command, _ []string) error {
			if opts.concurrency < 1 || opts.terminals < 1 {
				return fmt.Errorf("workers and terminals must be positive")
			}
			run(opts)
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.targetURL, "url", "http://localhost:8080", "API Base URL")
	cmd.Flags().IntVar(&opts.concurrency, "workers", 10, "Number of concurrent workers")
	cmd.Flags().DurationVar(&opts.duration, "duration", 30*time.Second, "Test duration")
	cmd.Flags().StringVar(&opts.workload, "workload", "uniform", "Workload type: uniform | hotspot")
	cmd.Flags().IntVar(&opts.terminals, "terminals", 100, "Number of ATM ids to spread uniform load over")
	cmd.Flags().Float64Var(&opts.refundRatio, "refund-ratio", 0.1, "Share of counted flows that refund instead of confirming")
	return cmd
}

func run(opts *options) {
	log.Printf("Starting Benchmark: %s | Workers: %d | Duration: %s", opts.workload, opts.concurrency, opts.duration)

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(opts.concurrency)
	for i := 0; i < opts.concurrency; i++ {
		go worker(&wg, opts, i, start)
	}
	wg.Wait()
	printResults(opts, time.Since(start))
}

func worker(wg *sync.WaitGroup, opts *options, id int, start time.Time) {
	defer wg.Done()
	client := &http.Client{Timeout: 60 * time.Second}
	user := fmt.Sprintf("+1555%07d", id)

	for time.Since(start) < opts.duration {
		began := time.Now()
		ok := flow(client, opts, terminalFor(opts, id), user)
		atomic.AddUint64(&totalFlows, 1)
		if ok {
			atomic.AddUint64(&flowNanosSum, uint64(time.Since(began)))
		}
	}
}

// terminalFor picks the ATM a flow runs on. Hotspot sends 90% of flows to
// two terminals so that the one-session-per-terminal rule is contended.
func terminalFor(opts *options, worker int) string {
	if opts.workload == "hotspot" && rand.Float32() < 0.90 {
		return fmt.Sprintf("ATM-%03d", rand.IntN(2)+1)
	}
	return fmt.Sprintf("ATM-%03d", worker%opts.terminals+1)
}

type depositReply struct {
	Success   bool   `json:"success"`
	SessionID string `json:"sessionId"`
	Status    string `json:"status"`
	Reason    string `json:"reason"`
}

func flow(client *http.Client, opts *options, atmID, user string) bool {
	reply, ok := step(client, opts.targetURL, map[string]any{
		"action": "STARTCASHIN", "amount": 0, "atmId": atmID, "userIdentifier": user,
	})
	if !ok {
		return false
	}
	id := reply.SessionID

	if _, ok := step(client, opts.targetURL, map[string]any{"action": "CASHINSERTED", "sessionId": id}); !ok {
		step(client, opts.targetURL, map[string]any{"action": "CANCEL", "sessionId": id})
		return false
	}

	if rand.Float64() < opts.refundRatio {
		if _, ok := step(client, opts.targetURL, map[string]any{"action": "REFUND", "sessionId": id}); ok {
			atomic.AddUint64(&refunded, 1)
			return true
		}
		return false
	}

	reply, ok = step(client, opts.targetURL, map[string]any{
		"action": "CONFIRMED", "sessionId": id, "userIdentifier": user,
	})
	if !ok {
		if reply.Status == "COUNTED" {
			step(client, opts.targetURL, map[string]any{"action": "REFUND", "sessionId": id})
		}
		return false
	}
	atomic.AddUint64(&committed, 1)
	return true
}

func step(client *http.Client, baseURL string, payload map[string]any) (depositReply, bool) {
	var reply depositReply
	body, _ := json.Marshal(payload)

	req, _ := http.NewRequest(http.MethodPost, baseURL+"/api/v1/atm-deposit", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		atomic.AddUint64(&failOther, 1)
		return reply, false
	}
	defer resp.Body.Close()
	_ = json.NewDecoder(resp.Body).Decode(&reply)

	switch resp.StatusCode {
	case http.StatusOK:
		return reply, true
	case http.StatusConflict:
		atomic.AddUint64(&busy409, 1)
	case http.StatusBadGateway:
		atomic.AddUint64(&gateway502, 1)
	case http.StatusServiceUnavailable:
		atomic.AddUint64(&ledger503, 1)
	default:
		atomic.AddUint64(&failOther, 1)
	}
	return reply, false
}

func printResults(opts *options, d time.Duration) {
	total := atomic.LoadUint64(&totalFlows)
	done := atomic.LoadUint64(&committed) + atomic.LoadUint64(&refunded)
	conflicts := atomic.LoadUint64(&busy409)

	var meanFlowMs, conflictRate float64
	if done > 0 {
		meanFlowMs = float64(atomic.LoadUint64(&flowNanosSum)) / float64(done) / 1e6
	}
	if total > 0 {
		conflictRate = float64(conflicts) / float64(total) * 100
	}

	results := map[string]interface{}{
		"workload":          opts.workload,
		"duration_sec":      d.Seconds(),
		"total_flows":       total,
		"flows_per_sec":     float64(total) / d.Seconds(),
		"committed":         atomic.LoadUint64(&committed),
		"refunded":          atomic.LoadUint64(&refunded),
		"conflicts":         conflicts,
		"conflict_rate_pct": conflictRate,
		"gateway_errors":    atomic.LoadUint64(&gateway502),
		"ledger_errors":     atomic.LoadUint64(&ledger503),
		"errors":            atomic.LoadUint64(&failOther),
		"mean_flow_ms":      meanFlowMs,
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	filename := fmt.Sprintf("results_%s.json", opts.workload)
	file, err := os.Create(filename)
	if err != nil {
		log.Printf("could not write %s: %v", filename, err)
		return
	}
	defer file.Close()
	json.NewEncoder(file).Encode(results)
}
