package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/l2hub/internal/hub"
	"github.com/MarcoPoloResearchLab/l2hub/internal/ledger"
	"github.com/spf13/cobra"
)

const remoteRequestTimeout = 15 * time.Second

var cliCaller = hub.Caller{UserID: "cli", Privileged: true}

func newResetCommand() *cobra.Command {
	var (
		force     bool
		serverURL string
	)
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Run the monthly reset now, or force one with --force",
		Long: `Run the monthly reset now, or force one with --force.

Without --server the reset runs against the database directly. A bot that is already
running keeps showing the old counts in Discord until its next refresh. Pass --server
with the running instance's base URL to reset through its admin API instead, so the
bot re-renders the server list and leaderboard straight away.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, logger, err := loadRuntime()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			var outcome ledger.ResetOutcome
			if strings.TrimSpace(serverURL) != "" {
				tokenIssuer, err := newTokenIssuer(appConfig)
				if err != nil {
					return err
				}
				token, _, err := tokenIssuer.Issue(cmd.Context(), cliCaller.UserID, true)
				if err != nil {
					return err
				}
				ctx, cancel := context.WithTimeout(cmd.Context(), remoteRequestTimeout)
				defer cancel()
				outcome, err = requestRemoteReset(ctx, http.DefaultClient, serverURL, token, force)
				if err != nil {
					return err
				}
			} else {
				app, err := newApplication(appConfig, logger)
				if err != nil {
					return err
				}
				defer app.Close() //nolint:errcheck

				request := app.hub.RequestMonthlyReset
				if force {
					request = app.hub.RequestForceReset
				}
				outcome, err = request(cmd.Context(), cliCaller)
				if err != nil {
					return err
				}
			}
			if !outcome.Applied {
				fmt.Fprintf(cmd.OutOrStdout(), "reset already applied for %s\n", outcome.Day)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "votes reset, epoch %d\n", outcome.Epoch)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Reset even if this month's reset already ran")
	cmd.Flags().StringVar(&serverURL, "server", "", "Base URL of a running l2hub-bot; resets through its admin API")
	return cmd
}

type remoteResetResponse struct {
	Applied bool   `json:"applied"`
	Day     string `json:"day"`
	Epoch   int64  `json:"epoch"`
	Error   string `json:"error"`
}

// requestRemoteReset posts to the admin reset endpoint of a running instance.
func requestRemoteReset(ctx context.Context, client *http.Client, baseURL, token string, force bool) (ledger.ResetOutcome, error) {
	body, err := json.Marshal(map[string]bool{"force": force})
	if err != nil {
		return ledger.ResetOutcome{}, err
	}
	endpoint := strings.TrimRight(strings.TrimSpace(baseURL), "/") + "/admin/reset"
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return ledger.ResetOutcome{}, err
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Authorization", "Bearer "+token)

	response, err := client.Do(request)
	if err != nil {
		return ledger.ResetOutcome{}, fmt.Errorf("reset request: %w", err)
	}
	defer response.Body.Close()

	var payload remoteResetResponse
	if err := json.NewDecoder(io.LimitReader(response.Body, 1<<16)).Decode(&payload); err != nil {
		return ledger.ResetOutcome{}, fmt.Errorf("reset response (status %d): %w", response.StatusCode, err)
	}
	if response.StatusCode != http.StatusOK {
		return ledger.ResetOutcome{}, fmt.Errorf("reset rejected with status %d: %s", response.StatusCode, payload.Error)
	}
	return ledger.ResetOutcome{Applied: payload.Applied, Day: ledger.Day(payload.Day), Epoch: payload.Epoch}, nil
}
