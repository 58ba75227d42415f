package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/goccy/go-json"

	"yardlink.org/internal/auth"
	"yardlink.org/internal/delivery"
	"yardlink.org/internal/obs"
)

// smoke exercises a running instance end to end: regenerate a link as an
// admin, redeem it twice and post a signed status callback.
func main() {
	var (
		baseURL    = flag.String("url", envOr("YARDLINK_SMOKE_URL", "http://localhost:8080"), "Service base URL")
		employeeID = flag.String("employee", envOr("YARDLINK_SMOKE_EMPLOYEE", "emp-demo-1"), "Employee to regenerate a link for")
		timeout    = flag.Duration("timeout", 10*time.Second, "Overall timeout")
	)
	flag.Parse()
	obs.InitLogger(obs.LogConfig{Format: "console", Output: os.Stderr})
	logger := obs.WithComponent("smoke")

	tokens, err := auth.NewTokens([]byte(os.Getenv("YARDLINK_AUTH_SECRET")), auth.WithIssuer(envOr("YARDLINK_AUTH_ISSUER", auth.DefaultIssuer)))
	if err != nil {
		logger.Fatal().Err(err).Msg("YARDLINK_AUTH_SECRET")
	}
	admin, _, err := tokens.Generate("smoke", []string{auth.RoleAdmin}, "", time.Minute)
	if err != nil {
		logger.Fatal().Err(err).Msg("mint admin token")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	client := &http.Client{Timeout: *timeout}

	var link struct {
		URL     string `json:"url"`
		TokenID string `json:"token_id"`
	}
	status, err := do(ctx, client, http.MethodPost, *baseURL+"/v1/employees/"+url.PathEscape(*employeeID)+"/magic-link",
		map[string]string{"Authorization": "Bearer " + admin}, nil, &link)
	if err != nil || status != http.StatusCreated {
		logger.Fatal().Err(err).Int("status", status).Msg("regenerate link")
	}

	u, err := url.Parse(link.URL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse link")
	}
	validate := *baseURL + u.Path + "?" + u.RawQuery
	if status, err := do(ctx, client, http.MethodGet, validate, nil, nil, nil); err != nil || status != http.StatusOK {
		logger.Fatal().Err(err).Int("status", status).Msg("first redeem should succeed")
	}
	if status, err := do(ctx, client, http.MethodGet, validate, nil, nil, nil); err != nil || status != http.StatusGone {
		logger.Fatal().Err(err).Int("status", status).Msg("second redeem should be gone")
	}

	if secret := os.Getenv("YARDLINK_WEBHOOK_SECRET"); secret != "" {
		hook := *baseURL + "/webhooks/delivery-status"
		body := []byte(`{"providerMessageRef":"smoke-` + link.TokenID + `","status":"failed"}`)
		headers := map[string]string{
			"Content-Type":           "application/json",
			delivery.SignatureHeader: delivery.Sign([]byte(secret), hook, body),
		}
		status, err := do(ctx, client, http.MethodPost, hook, headers, body, nil)
		if err != nil || status/100 != 2 {
			logger.Fatal().Err(err).Int("status", status).Msg("signed webhook")
		}
	}

	fmt.Printf("yardlink smoke test passed: token=%s\n", link.TokenID)
}

func do(ctx context.Context, client *http.Client, method, target string, headers map[string]string, body []byte, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, err
		}
		return resp.StatusCode, nil
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
