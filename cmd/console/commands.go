package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/wabaconsole/console/internal/api"
	"github.com/wabaconsole/console/internal/auth"
	"github.com/wabaconsole/console/internal/config"
	store "github.com/wabaconsole/console/internal/entitlements"
	"github.com/wabaconsole/console/pkg/entitlements"
)

var (
	quotaAmount float64
	showEnv     bool
)

var (
	readPassword = term.ReadPassword
	isTerminal   = term.IsTerminal
)

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Fetch entitlements for the configured business and print them",
	Long:  `Fetch entitlements once, update the snapshot cache and print the payload served to the UI`,
	RunE: func(cmd *cobra.Command, args []string) error {
		state, cfg, err := refreshOnce(cmd.Context())
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(api.NewEntitlementsPayload(state, cfg.UpgradeURLFor))
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check a feature or quota for the configured business",
	Long:  `Exit status is 0 when allowed, 2 when denied and 1 on error`,
}

var checkFeatureCmd = &cobra.Command{
	Use:   "feature CODE",
	Short: "Check whether a feature is granted",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		state, _, err := refreshOnce(cmd.Context())
		if err != nil {
			return err
		}
		view := entitlements.NewView(state.Snapshot)
		code := entitlements.NormalizeCode(args[0])
		if !view.HasFeature(code) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s: denied\n", code)
			return errDenied
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: allowed\n", code)
		return nil
	},
}

var checkQuotaCmd = &cobra.Command{
	Use:   "quota KEY",
	Short: "Check whether an amount can be spent from a quota",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if quotaAmount < 0 {
			return fmt.Errorf("--amount must not be negative")
		}
		state, _, err := refreshOnce(cmd.Context())
		if err != nil {
			return err
		}
		view := entitlements.NewView(state.Snapshot)
		key := entitlements.NormalizeCode(args[0])
		quota := view.GetQuota(key)

		out := cmd.OutOrStdout()
		status := entitlements.QuotaState(quota)
		if quota != nil && quota.Remaining != nil {
			fmt.Fprintf(out, "%s: remaining %g (%s)\n", key, *quota.Remaining, status)
		} else {
			fmt.Fprintf(out, "%s: no limit reported (%s)\n", key, status)
		}
		if !view.CanSpend(key, quotaAmount) {
			fmt.Fprintf(out, "cannot spend %g\n", quotaAmount)
			return errDenied
		}
		fmt.Fprintf(out, "can spend %g\n", quotaAmount)
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration with secrets redacted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(cfg.Redacted()); err != nil {
			return err
		}
		if err := enc.Close(); err != nil {
			return err
		}
		if showEnv {
			fmt.Fprintln(out)
			fmt.Fprintln(out, "# environment variables")
			for _, key := range []string{
				"api.base_url", "api.token", "session.file", "session.business_id",
				"cache.path", "server.listen", "server.api_token_hash", "logging.level",
			} {
				fmt.Fprintf(out, "# %-24s %s\n", key, config.EnvVar(key))
			}
		}
		return nil
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "API token helpers",
}

var tokenGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate an API token and its hash for server.api_token_hash",
	RunE: func(cmd *cobra.Command, args []string) error {
		token, err := auth.GenerateAPIToken()
		if err != nil {
			return err
		}
		hash, err := auth.HashToken(token)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "token: %s\n", token)
		fmt.Fprintf(out, "hash:  %s\n", hash)
		return nil
	},
}

var tokenHashCmd = &cobra.Command{
	Use:   "hash",
	Short: "Hash an existing API token read from stdin",
	RunE: func(cmd *cobra.Command, args []string) error {
		token, err := readToken(cmd.InOrStdin(), cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		hash, err := auth.HashToken(token)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), hash)
		return nil
	},
}

func init() {
	checkQuotaCmd.Flags().Float64Var(&quotaAmount, "amount", 1, "amount to spend")
	checkCmd.AddCommand(checkFeatureCmd, checkQuotaCmd)

	configShowCmd.Flags().BoolVar(&showEnv, "env", false, "also list the environment variable for common keys")
	configCmd.AddCommand(configShowCmd)

	tokenCmd.AddCommand(tokenGenerateCmd, tokenHashCmd)
}

// refreshOnce loads configuration and performs a single non-silent refresh.
// A failed fetch falls back to the cached snapshot when there is one.
func refreshOnce(ctx context.Context) (store.State, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return store.State{}, nil, err
	}
	sessions, err := newSessionSource(cfg)
	if err != nil {
		return store.State{}, nil, err
	}
	defer sessions.stop()

	if sessions.Session().BusinessID() == "" {
		return store.State{}, cfg, errors.New("no business configured: set --business, CONSOLE_BUSINESS_ID or a session file")
	}

	entStore, closeStore, err := newStore(cfg, sessions, false)
	if err != nil {
		return store.State{}, cfg, err
	}
	defer closeStore()

	entStore.SeedFromCache(ctx)
	entStore.Refresh(ctx, store.RefreshOptions{})
	state := entStore.State()
	if state.Err != nil && state.Snapshot == nil {
		return state, cfg, state.Err
	}
	return state, cfg, nil
}

// readToken reads a token without echo from a terminal, or the first line of
// a pipe.
func readToken(in io.Reader, prompt io.Writer) (string, error) {
	if f, ok := in.(*os.File); ok && isTerminal(int(f.Fd())) {
		fmt.Fprint(prompt, "API token: ")
		raw, err := readPassword(int(f.Fd()))
		fmt.Fprintln(prompt)
		if err != nil {
			return "", err
		}
		return validToken(string(raw))
	}

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return validToken(line)
}

func validToken(raw string) (string, error) {
	token := strings.TrimSpace(raw)
	if token == "" {
		return "", errors.New("token must not be empty")
	}
	return token, nil
}
