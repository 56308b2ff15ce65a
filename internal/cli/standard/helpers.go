// Copyright (c) 2025 HYPR. PTE. LTD.
//
// Business Source License 1.1
// See LICENSE file in the project root for details.

package standard

import (
	"encoding/json"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/ccheshirecat/streamlog/internal/cli/client"
)

const defaultAPIBase = "http://127.0.0.1:7780"

func envOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func encodeAsJSON(out io.Writer, payload interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(payload)
}

func clientFromCmd(cmd *cobra.Command, filter string) (*client.Client, error) {
	flags := cmd.Root().PersistentFlags()
	base, err := flags.GetString("api")
	if err != nil {
		base = envOrDefault("STREAMLOG_API_BASE", defaultAPIBase)
	}
	apiKey, _ := flags.GetString("api-key")
	session, _ := flags.GetString("session")
	return client.New(base, client.Options{
		APIKey:  apiKey,
		Session: session,
		Filter:  filter,
	})
}

// streamSettings reads the transport flags shared by tail and tui.
func streamSettings(cmd *cobra.Command, api *client.Client) (streamOptions, error) {
	flags := cmd.Root().PersistentFlags()
	transport, _ := flags.GetString("transport")
	dialer, err := api.Dialer(transport)
	if err != nil {
		return streamOptions{}, err
	}
	delay, _ := flags.GetDuration("retry-delay")
	return streamOptions{dialer: dialer, retryDelay: delay}, nil
}
