// simdemo drives synthetic patient traffic through a running carebridge-api,
// exercising the consent and replay paths end to end.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/google/uuid"

	"carebridge.org/internal/auth"
	"carebridge.org/internal/sim"
)

func main() {
	var (
		baseURL     = flag.String("base-url", "http://localhost:8080", "API base URL")
		workers     = flag.Int("workers", 4, "Concurrent worker count")
		duration    = flag.Duration("duration", 2*time.Minute, "Duration of the simulation")
		openAIModel = flag.String("openai-model", "gpt-4o-mini", "OpenAI model for summaries (optional)")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	log.Printf("Launching simdemo: base=%s workers=%d duration=%s", *baseURL, *workers, *duration)

	client := &http.Client{Timeout: 10 * time.Second}
	deadline := time.Now().Add(*duration)

	var mu sync.Mutex
	var counter sim.Counter

	var wg sync.WaitGroup
	for i := 0; i < *workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			actor := fmt.Sprintf("sim-user-%s", uuid.NewString()[:8])
			token, err := workerToken(actor)
			if err != nil {
				log.Printf("worker %d token: %v", id, err)
				return
			}
			gen := sim.NewGenerator(int64(id)*9973 + time.Now().UnixNano())
			for time.Now().Before(deadline) {
				select {
				case <-ctx.Done():
					return
				default:
				}
				req := gen.NextBooking()
				res, err := executeWithConsent(ctx, client, *baseURL, actor, token, req)
				if err != nil {
					log.Printf("worker %d: %v", id, err)
					time.Sleep(250 * time.Millisecond)
					continue
				}
				mu.Lock()
				counter.Add(res.Status, res.Replayed)
				mu.Unlock()

				// Resubmit some bookings verbatim to exercise replay dedup.
				if res.Status == "ok" && id%2 == 0 {
					if dup, err := post(ctx, client, *baseURL+"/v1/actions/execute", actor, token, executeBody(req)); err == nil {
						mu.Lock()
						counter.Add(dup.Status, dup.Replayed)
						mu.Unlock()
					}
				}
				time.Sleep(time.Duration(50+id*17) * time.Millisecond)
			}
		}(i)
	}

	wg.Wait()

	log.Printf("Run complete: attempts=%d succeeded=%d blocked=%d replayed=%d",
		counter.Attempts, counter.Succeeded, counter.Blocked, counter.Replayed)

	if key := os.Getenv("OPENAI_API_KEY"); key != "" && counter.Attempts > 0 {
		summary, err := sim.Summarize(ctx, sim.SummaryStats{
			Attempts:  counter.Attempts,
			Succeeded: counter.Succeeded,
			Blocked:   counter.Blocked,
			Replayed:  counter.Replayed,
			Duration:  *duration,
		}, sim.SummaryRequest{APIKey: key, Model: *openAIModel})
		if err != nil {
			log.Printf("AI summary error: %v", err)
		} else {
			log.Println("AI Executive Summary:")
			log.Println(summary)
		}
	} else {
		log.Println("Set OPENAI_API_KEY to enable AI narrative summaries.")
	}
}

type envelope struct {
	Status   string         `json:"status"`
	Replayed bool           `json:"replayed"`
	Data     map[string]any `json:"data"`
	ActionID string         `json:"action_id"`
	Errors   []struct {
		Code string `json:"code"`
	} `json:"errors"`
}

func executeBody(req sim.Request) map[string]any {
	return map[string]any{
		"tool":           req.Tool,
		"payload":        req.Payload,
		"message_text":   req.MessageText,
		"user_confirmed": req.UserConfirmed,
	}
}

// executeWithConsent runs the full happy path: execute, get blocked for
// missing consent, mint a token, and execute again with the token attached.
func executeWithConsent(ctx context.Context, client *http.Client, baseURL, actor, token string, req sim.Request) (envelope, error) {
	first, err := post(ctx, client, baseURL+"/v1/actions/execute", actor, token, executeBody(req))
	if err != nil {
		return envelope{}, err
	}
	if first.Status != "blocked" {
		return first, nil
	}

	consentResp, err := post(ctx, client, baseURL+"/v1/consents", actor, token, map[string]any{
		"action_type": req.Tool,
		"payload":     req.Payload,
	})
	if err != nil {
		return envelope{}, fmt.Errorf("issue consent: %w", err)
	}
	ctoken, _ := consentResp.Data["token"].(string)
	if ctoken == "" {
		return envelope{}, errors.New("consent response had no token")
	}

	req.Payload["consent_token"] = ctoken
	return post(ctx, client, baseURL+"/v1/actions/execute", actor, token, executeBody(req))
}

func post(ctx context.Context, client *http.Client, url, actor, token string, body map[string]any) (envelope, error) {
	raw, _ := json.Marshal(body)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return envelope{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	} else {
		httpReq.Header.Set("X-Actor-ID", actor)
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return envelope{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests {
		time.Sleep(250 * time.Millisecond)
		return envelope{}, errors.New("rate limited")
	}
	if resp.StatusCode >= 500 {
		return envelope{}, fmt.Errorf("server error: %s", resp.Status)
	}

	var flat map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&flat); err != nil {
		return envelope{}, err
	}
	var out envelope
	out.Status, _ = flat["status"].(string)
	out.Replayed, _ = flat["replayed"].(bool)
	out.ActionID, _ = flat["action_id"].(string)
	if data, ok := flat["data"].(map[string]any); ok {
		out.Data = data
	} else {
		// Consent responses are flat; expose the whole body as data.
		out.Data = flat
	}
	return out, nil
}

// workerToken mints a bearer token when the signing secret is available
// locally; otherwise the driver falls back to the X-Actor-ID header and the
// server must run with CAREBRIDGE_DISABLE_AUTH=1.
func workerToken(actor string) (string, error) {
	if os.Getenv("CAREBRIDGE_AUTH_SECRET") == "" {
		return "", nil
	}
	return auth.GenerateToken(actor, []string{"patient"}, 2*time.Hour)
}
