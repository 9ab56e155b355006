// smoke runs one end-to-end pass through a live carebridge-api: a booking is
// blocked without consent, succeeds with a token, and deduplicates on resubmit.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
)

func main() {
	baseURL := os.Getenv("CAREBRIDGE_API_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client := &http.Client{Timeout: 10 * time.Second}
	actor := "smoke-" + uuid.NewString()[:8]

	if err := getOK(ctx, client, baseURL+"/healthz"); err != nil {
		log.Fatalf("healthz: %v", err)
	}

	payload := map[string]any{
		"provider_name": "Dr. Chen",
		"location":      "Downtown Clinic",
		"slot_datetime": time.Now().UTC().AddDate(0, 0, 3).Format(time.RFC3339),
	}
	execBody := map[string]any{
		"tool":           "appointment_book",
		"payload":        payload,
		"user_confirmed": true,
	}

	blocked, err := postJSON(ctx, client, baseURL+"/v1/actions/execute", actor, execBody)
	if err != nil {
		log.Fatalf("execute without consent: %v", err)
	}
	if blocked["status"] != "blocked" {
		log.Fatalf("expected blocked without consent, got %v", blocked["status"])
	}

	issued, err := postJSON(ctx, client, baseURL+"/v1/consents", actor, map[string]any{
		"action_type": "appointment_book",
		"payload":     payload,
	})
	if err != nil {
		log.Fatalf("issue consent: %v", err)
	}
	token, _ := issued["token"].(string)
	if token == "" {
		log.Fatalf("no consent token in %v", issued)
	}

	payload["consent_token"] = token
	done, err := postJSON(ctx, client, baseURL+"/v1/actions/execute", actor, execBody)
	if err != nil {
		log.Fatalf("execute with consent: %v", err)
	}
	if done["status"] != "ok" || done["action_status"] != "succeeded" {
		log.Fatalf("booking did not succeed: %v", done)
	}

	dup, err := postJSON(ctx, client, baseURL+"/v1/actions/execute", actor, execBody)
	if err != nil {
		log.Fatalf("resubmit: %v", err)
	}
	if dup["replayed"] != true {
		log.Fatalf("duplicate was not deduplicated: %v", dup)
	}
	if dup["action_id"] != done["action_id"] {
		log.Fatalf("replay returned a different action: %v vs %v", dup["action_id"], done["action_id"])
	}

	fmt.Printf("smoke test passed: actor=%s action=%v\n", actor, done["action_id"])
}

func getOK(ctx context.Context, client *http.Client, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %s", resp.Status)
	}
	return nil
}

func postJSON(ctx context.Context, client *http.Client, url, actor string, body map[string]any) (map[string]any, error) {
	raw, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor-ID", actor)
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", url, err)
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("status %s: %v", resp.Status, out)
	}
	return out, nil
}
