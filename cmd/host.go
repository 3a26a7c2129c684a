package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"text/tabwriter"
	"time"

	hostErrors "github.com/sleepy-project/sleepy/internal/errors"
	"github.com/sleepy-project/sleepy/internal/mdns"
	"github.com/sleepy-project/sleepy/internal/server"
)

// defaultStatusAddr is where host status looks when --addr is not given.
const defaultStatusAddr = "127.0.0.1:9010"

func runHostStatus(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("host status", "host status [options]", stderr)
	addr := fs.String("addr", defaultStatusAddr, "Server address to query (the endpoint only answers loopback clients)")
	asJSON := fs.Bool("json", false, "Print the raw JSON response")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}

	status, err := queryServerStatus(*addr)
	if err != nil {
		printError(stderr, "", err)
		return 1
	}

	if *asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(status); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		return 0
	}
	writeServerStatus(stdout, status)
	return 0
}

// writeServerStatus renders human-readable server status output.
func writeServerStatus(stdout io.Writer, status *server.StatusResponse) {
	fmt.Fprintf(stdout, "Server Status\n")
	fmt.Fprintf(stdout, "=============\n")
	fmt.Fprintf(stdout, "Version:      %s\n", status.Version)
	fmt.Fprintf(stdout, "Listening:    %s\n", status.ListeningAddress)
	fmt.Fprintf(stdout, "TLS:          %v\n", status.TLSEnabled)
	fmt.Fprintf(stdout, "Dev logins:   %v\n", status.Dev)
	fmt.Fprintf(stdout, "Online:       %d event streams\n", status.Online)
	fmt.Fprintf(stdout, "WebSockets:   %d connected\n", status.WSClients)
	fmt.Fprintf(stdout, "Uptime:       %s\n", formatUptime(status.UptimeSeconds))
}

// queryServerStatus tries HTTPS first, then plain HTTP.
func queryServerStatus(addr string) (*server.StatusResponse, error) {
	for _, scheme := range []string{"https", "http"} {
		resp, err := queryServerStatusWithScheme(scheme, addr)
		if err == nil {
			return resp, nil
		}
		// A server that answered with an error is running.
		if hostErrors.GetCode(err) != hostErrors.CodeUnknown {
			return nil, err
		}
	}
	return nil, fmt.Errorf("server is not running at %s (or not reachable)", addr)
}

func queryServerStatusWithScheme(scheme, addr string) (*server.StatusResponse, error) {
	// Self-signed certificates are the common case for a local server.
	client := &http.Client{
		Timeout: 2 * time.Second,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}

	resp, err := client.Get(fmt.Sprintf("%s://%s/api/server/status", scheme, addr))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var body server.ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&body)
		message := body.Detail
		if message == "" {
			message = body.Message
		}
		return nil, hostErrors.FromStatus(resp.StatusCode, message)
	}

	var status server.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &status, nil
}

// formatUptime formats an uptime in seconds.
// Examples: "45s", "5m 23s", "2h 15m", "3d 4h"
func formatUptime(seconds int64) string {
	d := time.Duration(seconds) * time.Second
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", seconds)
	case d < time.Hour:
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	default:
		return fmt.Sprintf("%dd %dh", int(d.Hours())/24, int(d.Hours())%24)
	}
}

func runHostDiscover(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("host discover", "host discover [options]", stderr)
	timeout := fs.Duration("timeout", 3*time.Second, "How long to browse the local network")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}
	if *timeout <= 0 {
		fmt.Fprintln(stderr, "Error: --timeout must be positive")
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	hosts, err := mdns.Discover(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	writeDiscoveredHosts(stdout, hosts)
	return 0
}

func writeDiscoveredHosts(w io.Writer, hosts []mdns.DiscoveredHost) {
	if len(hosts) == 0 {
		fmt.Fprintln(w, "No servers found.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tURL\tVERSION\tFINGERPRINT")
	for _, h := range hosts {
		fp := h.Fingerprint
		if fp == "" {
			fp = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", h.Name, h.URL(), h.Version, fp)
	}
	tw.Flush()
}
