package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/oauth2/clientcredentials"

	"gitea.jw6.us/james/calsched/internal/importer"
)

type pushOptions struct {
	server       string
	username     string
	password     string
	tokenURL     string
	clientID     string
	clientSecret string
	scopes       []string
	timeout      time.Duration
}

// NewPushCommand creates the push command.
func NewPushCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &pushOptions{}
	cmd := &cobra.Command{
		Use:   "push <file.ics>...",
		Short: "Upload calendar files to a running server",
		Long: `Upload iCalendar files to the /import endpoint of a calsched server.

Authenticate with --user/--password (Basic) or with an OAuth2 client
credentials grant (--token-url, --client-id, --client-secret).`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPush(cmd, rootOpts, opts, args)
		},
	}
	cmd.Flags().StringVar(&opts.server, "server", "http://localhost:8080", "server base URL")
	cmd.Flags().StringVar(&opts.username, "user", "", "basic auth user")
	cmd.Flags().StringVar(&opts.password, "password", os.Getenv("CALIMPORT_PASSWORD"), "basic auth password (default $CALIMPORT_PASSWORD)")
	cmd.Flags().StringVar(&opts.tokenURL, "token-url", "", "OAuth2 token endpoint")
	cmd.Flags().StringVar(&opts.clientID, "client-id", "", "OAuth2 client ID")
	cmd.Flags().StringVar(&opts.clientSecret, "client-secret", os.Getenv("CALIMPORT_CLIENT_SECRET"), "OAuth2 client secret (default $CALIMPORT_CLIENT_SECRET)")
	cmd.Flags().StringSliceVar(&opts.scopes, "scope", nil, "OAuth2 scopes")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "per request timeout")
	return cmd
}

func (o *pushOptions) client(ctx context.Context) (*http.Client, error) {
	if o.tokenURL != "" {
		if o.clientID == "" {
			return nil, errors.New("--client-id is required with --token-url")
		}
		cc := &clientcredentials.Config{
			ClientID:     o.clientID,
			ClientSecret: o.clientSecret,
			TokenURL:     o.tokenURL,
			Scopes:       o.scopes,
		}
		c := cc.Client(ctx)
		c.Timeout = o.timeout
		return c, nil
	}
	return &http.Client{Timeout: o.timeout}, nil
}

func runPush(cmd *cobra.Command, rootOpts *RootOptions, opts *pushOptions, files []string) error {
	ctx := cmd.Context()
	client, err := opts.client(ctx)
	if err != nil {
		return err
	}
	endpoint := strings.TrimRight(opts.server, "/") + "/import"

	outcomes := make([]ImportOutcome, 0, len(files))
	failed := 0
	for _, file := range files {
		res, err := pushFile(ctx, client, opts, endpoint, file)
		out := ImportOutcome{File: file, Result: res}
		if err != nil {
			out.Error = err.Error()
			failed++
		}
		outcomes = append(outcomes, out)
	}

	if err := writeOutcomes(cmd.OutOrStdout(), rootOpts.Format, outcomes); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d uploads failed", failed, len(files))
	}
	return nil
}

func pushFile(ctx context.Context, client *http.Client, opts *pushOptions, endpoint, path string) (*importer.Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "text/calendar; charset=utf-8")
	if opts.tokenURL == "" && opts.username != "" {
		req.SetBasicAuth(opts.username, opts.password)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, apiErr.Error)
		}
		return nil, fmt.Errorf("server returned %d", resp.StatusCode)
	}

	var res importer.Result
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &res, nil
}
