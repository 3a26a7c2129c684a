package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/skip2/go-qrcode"

	"github.com/sleepy-project/sleepy/internal/status"
	"github.com/sleepy-project/sleepy/internal/storage"
)

// formatAge renders a stored timestamp relative to now ("3 minutes ago").
// A zero timestamp means the device never reported.
func formatAge(ts float64, now time.Time) string {
	if ts <= 0 {
		return "never"
	}
	return humanize.RelTime(storage.FromUnixSeconds(ts), now, "ago", "from now")
}

// formatFields renders a device's fields as sorted key=value pairs.
func formatFields(fields map[string]any) string {
	if len(fields) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, fields[k]))
	}
	return strings.Join(parts, " ")
}

// writeDeviceTable renders devices with their live token counts keyed by
// device id.
func writeDeviceTable(w io.Writer, devices []status.Device, tokens map[string]int, now time.Time) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "DEVICE ID\tNAME\tSTATUS\tUSING\tTOKENS\tUPDATED\tFIELDS")
	fmt.Fprintln(tw, "---------\t----\t------\t-----\t------\t-------\t------")
	for _, d := range devices {
		st := d.Status
		if st == "" {
			st = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%v\t%d\t%s\t%s\n",
			d.ID,
			d.Name,
			st,
			d.Using,
			tokens[d.ID],
			formatAge(d.LastUpdated, now),
			formatFields(d.Fields),
		)
	}
	tw.Flush()
}

func runDevicesList(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("devices list", "devices list [options]", stderr)
	configDir := fs.String("config-dir", ".", "Directory holding .env and config files")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}

	ctx := context.Background()
	env, err := openOffline(ctx, *configDir, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer env.Close()

	devices, err := env.status.ListDevices(ctx)
	if err != nil {
		printError(stderr, "failed to list devices", err)
		return 1
	}
	if len(devices) == 0 {
		fmt.Fprintln(stdout, "No devices found.")
		return 0
	}
	tokens := make(map[string]int, len(devices))
	for _, d := range devices {
		n, err := env.auth.DeviceTokenCount(ctx, d.ID)
		if err != nil {
			printError(stderr, "failed to count device tokens", err)
			return 1
		}
		tokens[d.ID] = n
	}
	writeDeviceTable(stdout, devices, tokens, time.Now())
	return 0
}

// writeCredentials prints a device's tokens, optionally with a QR code of
// the refresh token for provisioning a phone or microcontroller.
func writeCredentials(w io.Writer, creds *status.DeviceCredentials, withQR bool) error {
	fmt.Fprintf(w, "Device ID:     %s\n", creds.ID)
	fmt.Fprintf(w, "Name:          %s\n", creds.Device.Name)
	fmt.Fprintf(w, "Access token:  %s\n", creds.Token)
	fmt.Fprintf(w, "Refresh token: %s\n", creds.RefreshToken)
	if creds.ExpiresAt != nil {
		expires := storage.FromUnixSeconds(*creds.ExpiresAt)
		fmt.Fprintf(w, "Access expires %s (%s)\n", humanize.Time(expires), expires.Format(time.RFC3339))
	}
	if !withQR {
		return nil
	}

	qr, err := qrcode.New(creds.RefreshToken, qrcode.Medium)
	if err != nil {
		return fmt.Errorf("failed to generate QR code: %w", err)
	}
	fmt.Fprintln(w)
	fmt.Fprint(w, qr.ToSmallString(false))
	return nil
}

func runDevicesCreate(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("devices create", "devices create [options] <name>", stderr)
	configDir := fs.String("config-dir", ".", "Directory holding .env and config files")
	statusText := fs.String("status", "", "Initial status text")
	using := fs.Bool("using", false, "Mark the device as in use")
	withQR := fs.Bool("qr", false, "Print the refresh token as a QR code")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "Error: exactly one device name is required")
		fs.Usage()
		return 1
	}

	ctx := context.Background()
	env, err := openOffline(ctx, *configDir, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer env.Close()

	req := status.CreateDeviceRequest{Name: fs.Arg(0)}
	if fs.Changed("status") {
		req.Status = statusText
	}
	if fs.Changed("using") {
		req.Using = using
	}
	creds, err := env.status.CreateDevice(ctx, req)
	if err != nil {
		printError(stderr, "failed to create device", err)
		return 1
	}
	if err := writeCredentials(stdout, creds, *withQR); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func runDevicesDelete(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("devices delete", "devices delete [options] <device-id>", stderr)
	configDir := fs.String("config-dir", ".", "Directory holding .env and config files")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "Error: exactly one device ID is required")
		fs.Usage()
		return 1
	}
	id := fs.Arg(0)

	ctx := context.Background()
	env, err := openOffline(ctx, *configDir, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer env.Close()

	if err := env.status.DeleteDevice(ctx, id); err != nil {
		printError(stderr, "failed to delete device", err)
		return 1
	}
	fmt.Fprintf(stdout, "Device %s deleted; its tokens are revoked.\n", id)
	return 0
}

func runDevicesClear(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("devices clear", "devices clear [options]", stderr)
	configDir := fs.String("config-dir", ".", "Directory holding .env and config files")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}

	ctx := context.Background()
	env, err := openOffline(ctx, *configDir, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer env.Close()

	n, err := env.status.ClearDevices(ctx)
	if err != nil {
		printError(stderr, "failed to clear devices", err)
		return 1
	}
	fmt.Fprintf(stdout, "Deleted %d %s.\n", n, plural(n, "device", "devices"))
	return 0
}

func runDevicesResetToken(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("devices reset-token", "devices reset-token [options] <device-id>", stderr)
	configDir := fs.String("config-dir", ".", "Directory holding .env and config files")
	withQR := fs.Bool("qr", false, "Print the refresh token as a QR code")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "Error: exactly one device ID is required")
		fs.Usage()
		return 1
	}

	ctx := context.Background()
	env, err := openOffline(ctx, *configDir, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer env.Close()

	creds, err := env.status.ResetDeviceToken(ctx, fs.Arg(0))
	if err != nil {
		printError(stderr, "failed to reset token", err)
		return 1
	}
	if err := writeCredentials(stdout, creds, *withQR); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
