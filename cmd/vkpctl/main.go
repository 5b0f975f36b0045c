// Package main provides vkpctl, the gateway's operator CLI: a thin HTTP
// client over the admin surface (§4.8 VKP lifecycle, §4.5 dispatcher
// stats, §4.10 snapshots), colored the way the teacher's own interactive
// REPL colors its terminal output.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/fatih/color"
)

var (
	outputColor = color.New(color.FgGreen)
	errorColor  = color.New(color.FgRed, color.Bold)
	infoColor   = color.New(color.FgYellow)
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		command  = flag.String("command", "", "Command to execute: login, queue, rollback, snapshot, health")
		server   = flag.String("server", "http://localhost:8080", "Gateway base URL")
		token    = flag.String("token", os.Getenv("VKPCTL_TOKEN"), "Bearer session token (or set VKPCTL_TOKEN)")
		username = flag.String("username", "", "Username, for the login command")
		password = flag.String("password", "", "Password, for the login command")
		subject  = flag.String("subject", "", "Subject code, for the rollback command")
		grade    = flag.Int("grade", 0, "Grade level, for the rollback command")
		version  = flag.String("version", "", "Version to roll back to, for the rollback command")
		timeout  = flag.Duration("timeout", 10*time.Second, "Request timeout")
	)
	flag.Parse()

	if *command == "" {
		_, _ = errorColor.Fprintln(os.Stderr, "usage: vkpctl -command <login|queue|rollback|snapshot|health> [flags]")
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	client := &apiClient{baseURL: *server, token: *token, http: &http.Client{Timeout: *timeout}}

	var err error
	switch *command {
	case "login":
		err = client.login(ctx, *username, *password)
	case "queue":
		err = client.queueStats(ctx)
	case "rollback":
		err = client.rollback(ctx, *subject, *grade, *version)
	case "snapshot":
		err = client.snapshot(ctx)
	case "health":
		err = client.health(ctx)
	default:
		_, _ = errorColor.Fprintf(os.Stderr, "unknown command: %s\n", *command)
		return 1
	}

	if err != nil {
		_, _ = errorColor.Fprintln(os.Stderr, err.Error())
		return 1
	}
	return 0
}

// apiClient is a minimal REST client over the gateway's admin/auth routes.
type apiClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func (c *apiClient) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(data))
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *apiClient) login(ctx context.Context, username, password string) error {
	if username == "" || password == "" {
		return fmt.Errorf("login requires -username and -password")
	}
	var wrapped struct {
		Data struct {
			Token     string `json:"token"`
			ExpiresAt string `json:"expires_at"`
		} `json:"data"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/auth/login", map[string]string{
		"username": username,
		"password": password,
	}, &wrapped); err != nil {
		return err
	}
	_, _ = outputColor.Println("login succeeded")
	_, _ = infoColor.Printf("token (valid until %s):\n", wrapped.Data.ExpiresAt)
	fmt.Println(wrapped.Data.Token)
	return nil
}

func (c *apiClient) queueStats(ctx context.Context) error {
	var wrapped struct {
		Data struct {
			Depth          int   `json:"Depth"`
			Active         int   `json:"Active"`
			AdmittedTotal  int64 `json:"AdmittedTotal"`
			RejectedTotal  int64 `json:"RejectedTotal"`
			CompletedTotal int64 `json:"CompletedTotal"`
		} `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/admin/queue", nil, &wrapped); err != nil {
		return err
	}
	stats := wrapped.Data
	_, _ = outputColor.Println("dispatcher queue stats")
	fmt.Printf("  depth:     %d\n  active:    %d\n  admitted:  %d\n  rejected:  %d\n  completed: %d\n",
		stats.Depth, stats.Active, stats.AdmittedTotal, stats.RejectedTotal, stats.CompletedTotal)
	return nil
}

func (c *apiClient) rollback(ctx context.Context, subject string, grade int, version string) error {
	if subject == "" || version == "" {
		return fmt.Errorf("rollback requires -subject and -version")
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/admin/vkp/rollback", map[string]interface{}{
		"subject": subject,
		"grade":   grade,
		"version": version,
	}, nil); err != nil {
		return err
	}
	_, _ = outputColor.Printf("rolled back %s (grade %d) to %s\n", subject, grade, version)
	return nil
}

func (c *apiClient) snapshot(ctx context.Context) error {
	var wrapped struct {
		Data struct {
			Kind      string    `json:"kind"`
			Path      string    `json:"path"`
			CreatedAt time.Time `json:"created_at"`
			Size      int64     `json:"size"`
		} `json:"data"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/admin/snapshot", nil, &wrapped); err != nil {
		return err
	}
	meta := wrapped.Data
	_, _ = outputColor.Printf("snapshot written: %s (%s, %d bytes)\n", meta.Path, meta.Kind, meta.Size)
	return nil
}

func (c *apiClient) health(ctx context.Context) error {
	var status map[string]interface{}
	if err := c.do(ctx, http.MethodGet, "/health", nil, &status); err != nil {
		return err
	}
	_, _ = outputColor.Println("gateway health")
	for k, v := range status {
		fmt.Printf("  %s: %v\n", k, v)
	}
	return nil
}
