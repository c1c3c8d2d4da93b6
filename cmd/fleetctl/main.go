// Command fleetctl is the operator-facing CLI that talks to a running
// fleet-agent over its Local IPC Unix domain socket.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

const requestTimeout = 30 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var sockFile string

	root := &cobra.Command{
		Use:   "fleetctl",
		Short: "Control a locally running fleet-agent",
	}
	root.PersistentFlags().StringVar(&sockFile, "sock-file", "/var/run/fleet-agent/fleet-agent.sock", "path to the agent's local IPC socket")

	client := func() *ipcClient { return newIPCClient(sockFile) }

	root.AddCommand(
		&cobra.Command{
			Use:   "update-packages",
			Short: "Refresh the local package catalog from the target release manifest",
			RunE: func(cmd *cobra.Command, args []string) error {
				return client().post(cmd.Context(), "/update-packages", nil)
			},
		},
		&cobra.Command{
			Use:   "upgrade-packages",
			Short: "Install any packages pending from the last update",
			RunE: func(cmd *cobra.Command, args []string) error {
				return client().post(cmd.Context(), "/upgrade-packages", nil)
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Report the updater's last check/upgrade status",
			RunE: func(cmd *cobra.Command, args []string) error {
				var out struct{ LastUpdate, LastUpgrade string }
				if err := client().get(cmd.Context(), "/updater-status", &out); err != nil {
					fmt.Fprintln(os.Stderr, err)
					os.Exit(1)
				}
				fmt.Printf("last update:  %s\nlast upgrade: %s\n", out.LastUpdate, out.LastUpgrade)
				return nil
			},
		},
		newExposePortCmd(client),
		newDownloadCmd(client),
		&cobra.Command{
			Use:   "start-ota",
			Short: "Trigger an on-device OTA upgrade from previously downloaded tools/payload",
			RunE: func(cmd *cobra.Command, args []string) error {
				return client().post(cmd.Context(), "/start-ota", nil)
			},
		},
	)

	return root
}

func newExposePortCmd(client func() *ipcClient) *cobra.Command {
	var port uint16
	cmd := &cobra.Command{
		Use:   "expose-port",
		Short: "Open a reverse tunnel forwarding a local port",
		RunE: func(cmd *cobra.Command, args []string) error {
			return client().post(cmd.Context(), "/expose-port", map[string]any{"port": port})
		},
	}
	cmd.Flags().Uint16Var(&port, "port", 22, "local port to expose")
	return cmd
}

func newDownloadCmd(client func() *ipcClient) *cobra.Command {
	var remote, local, token string
	var rate float64
	cmd := &cobra.Command{
		Use:   "download",
		Short: "Download a file at a bounded rate",
		RunE: func(cmd *cobra.Command, args []string) error {
			return client().post(cmd.Context(), "/download", map[string]any{
				"token": token, "remote": remote, "local": local, "rate": rate,
			})
		},
	}
	cmd.Flags().StringVar(&remote, "remote", "", "remote path under /download/")
	cmd.Flags().StringVar(&local, "local", "", "local destination path")
	cmd.Flags().StringVar(&token, "token", "", "bearer token")
	cmd.Flags().Float64Var(&rate, "rate-mbps", 10, "rate limit in megabytes/sec (10^6 bytes)")
	return cmd
}

// ipcClient is a thin HTTP-over-unix-socket client, mirroring the server
// side exposed by internal/agent/ipc.
type ipcClient struct {
	httpClient *http.Client
}

func newIPCClient(sockFile string) *ipcClient {
	return &ipcClient{
		httpClient: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", sockFile)
				},
			},
		},
	}
}

func (c *ipcClient) post(ctx context.Context, path string, body any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://fleet-agent"+path, reader)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("fleetctl: request failed (is fleet-agent running?): %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		out, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("fleetctl: %s: %s", resp.Status, out)
	}
	return nil
}

func (c *ipcClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://fleet-agent"+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("fleetctl: request failed (is fleet-agent running?): %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("fleetctl: %s: %s", resp.Status, body)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
