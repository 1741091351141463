package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// healthResponse mirrors the fields of handlers.HealthCheck the probe needs.
type healthResponse struct {
	Status string `json:"status"`
}

func newHealthcheckCmd() *cobra.Command {
	var (
		timeout       time.Duration
		url           string
		allowDegraded bool
	)
	cmd := &cobra.Command{
		Use:   "healthcheck",
		Short: "Check if the server is healthy",
		Long: `Calls the /health endpoint and exits non-zero unless the server reports
healthy. Intended for container HEALTHCHECK directives.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if url == "" {
				port := os.Getenv("SERVER_PORT")
				if port == "" {
					port = "8080"
				}
				url = fmt.Sprintf("http://localhost:%s/health", port)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			status, err := checkHealth(ctx, http.DefaultClient, url, allowDegraded)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), status)
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "request timeout")
	cmd.Flags().StringVar(&url, "url", "", "health check URL (default: http://localhost:{SERVER_PORT}/health)")
	cmd.Flags().BoolVar(&allowDegraded, "allow-degraded", true, "treat a degraded status as healthy")
	return cmd
}

// checkHealth returns the reported status, or an error when the server is
// unreachable or not healthy.
func checkHealth(ctx context.Context, client *http.Client, url string, allowDegraded bool) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("health check failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var body healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("parse health response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		return body.Status, fmt.Errorf("unhealthy: status %d (%s)", resp.StatusCode, body.Status)
	}
	switch body.Status {
	case "healthy":
		return body.Status, nil
	case "degraded":
		if allowDegraded {
			return body.Status, nil
		}
	}
	return body.Status, fmt.Errorf("unhealthy: status=%s", body.Status)
}
