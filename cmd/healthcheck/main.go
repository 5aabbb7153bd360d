package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"
)

const (
	defaultAPIAddr   = "127.0.0.1:8731"
	defaultRelayAddr = "127.0.0.1:8732"
)

func main() {
	target := "api"
	if len(os.Args) > 1 {
		target = os.Args[1]
	}
	os.Exit(check(target))
}

// check probes the local API, or the relay when target is "relay".
func check(target string) int {
	addr := normalizeAddr(os.Getenv("CREDSYNC_LISTEN_ADDR"), defaultAPIAddr)
	path := "/api/v1/health"
	if target == "relay" {
		addr = normalizeAddr(os.Getenv("CREDSYNC_RELAY_ADDR"), defaultRelayAddr)
		path = "/health"
	}

	client := &http.Client{Timeout: 2 * time.Second}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://%s%s", addr, path), nil)
	if err != nil {
		return 1
	}

	resp, err := client.Do(req)
	if err != nil {
		return 1
	}
	_ = resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 1
	}

	return 0
}

// normalizeAddr ensures the healthcheck connects to loopback rather than the
// bind-all address. Containers bind 0.0.0.0 but the healthcheck runs inside
// the same container, so loopback is reachable and more correct.
func normalizeAddr(raw, fallback string) string {
	if raw == "" {
		return fallback
	}

	host, port, err := net.SplitHostPort(raw)
	if err != nil {
		return fallback
	}

	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}

	return net.JoinHostPort(host, port)
}
