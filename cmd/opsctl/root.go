package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"chat-insights-batch/internal/infra/api"

	"github.com/spf13/cobra"
)

type globalOpts struct {
	addr    string
	token   string
	secret  string
	subject string
	timeout time.Duration
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func newRootCmd() *cobra.Command {
	g := &globalOpts{}
	root := &cobra.Command{
		Use:           "opsctl",
		Short:         "Operate the chat insights batch orchestrator",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&g.addr, "addr", envOr("OPSCTL_ADDR", "http://localhost:8081"), "ops API base URL")
	pf.StringVar(&g.token, "token", os.Getenv("OPSCTL_TOKEN"), "operator bearer token")
	pf.StringVar(&g.secret, "secret", os.Getenv("OPS_JWT_SECRET"), "shared JWT secret; used to mint a token when --token is empty")
	pf.StringVar(&g.subject, "as", envOr("USER", "operator"), "operator name put in minted tokens")
	pf.DurationVar(&g.timeout, "timeout", 2*time.Minute, "request timeout")

	root.AddCommand(
		newStatusCmd(g),
		newResumeCmd(g),
		newForceBatchCmd(g),
		newTenantCmd(g),
		newRequeueCmd(g),
		newTokenCmd(g),
	)
	return root
}

func (g *globalOpts) client() (*opsClient, error) {
	tok := g.token
	if tok == "" && g.secret != "" {
		issuer, err := api.NewTokenIssuer(g.secret, 10*time.Minute)
		if err != nil {
			return nil, err
		}
		if tok, err = issuer.Mint(g.subject); err != nil {
			return nil, err
		}
	}
	if tok == "" {
		return nil, errors.New("no credentials: pass --token or --secret (or OPSCTL_TOKEN / OPS_JWT_SECRET)")
	}
	return newOpsClient(g.addr, tok, g.timeout), nil
}

// call runs one request and pretty-prints the JSON reply.
func (g *globalOpts) call(cmd *cobra.Command, method, path string, body any) error {
	c, err := g.client()
	if err != nil {
		return err
	}
	raw, err := c.do(cmd.Context(), method, path, body)
	if err != nil {
		return err
	}
	var out bytes.Buffer
	if err := json.Indent(&out, raw, "", "  "); err != nil {
		_, err = cmd.OutOrStdout().Write(raw)
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), out.String())
	return err
}

func newStatusCmd(g *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show cadence, pause and circuit breaker state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return g.call(cmd, http.MethodGet, "/v1/scheduler/status", nil)
		},
	}
}

func newResumeCmd(g *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Lift a scheduler pause and reset the error counter",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return g.call(cmd, http.MethodPost, "/v1/scheduler/resume", nil)
		},
	}
}

func newForceBatchCmd(g *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "force-batch <tenant>",
		Short: "Create a batch for one tenant now, ignoring the batching policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.call(cmd, http.MethodPost, "/v1/tenants/"+args[0]+"/batches", nil)
		},
	}
}

func newTenantCmd(g *globalOpts) *cobra.Command {
	tenant := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
	}
	var name string
	register := &cobra.Command{
		Use:   "register <tenant>",
		Short: "Register a tenant (idempotent)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.call(cmd, http.MethodPost, "/v1/tenants", map[string]string{"id": args[0], "name": name})
		},
	}
	register.Flags().StringVar(&name, "name", "", "display name")

	tenant.AddCommand(
		register,
		&cobra.Command{
			Use:   "get <tenant>",
			Short: "Show a tenant",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return g.call(cmd, http.MethodGet, "/v1/tenants/"+args[0], nil)
			},
		},
		&cobra.Command{
			Use:   "activate <tenant>",
			Short: "Resume scheduling for a tenant",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return g.call(cmd, http.MethodPost, "/v1/tenants/"+args[0]+"/activate", nil)
			},
		},
		&cobra.Command{
			Use:   "suspend <tenant>",
			Short: "Stop scheduling work for a tenant",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return g.call(cmd, http.MethodPost, "/v1/tenants/"+args[0]+"/suspend", nil)
			},
		},
	)
	return tenant
}

func newRequeueCmd(g *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <request-id>...",
		Short: "Send exhausted requests back to batch processing",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.call(cmd, http.MethodPost, "/v1/requests/requeue", map[string][]string{"ids": args})
		},
	}
}

func newTokenCmd(g *globalOpts) *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an operator token from the shared secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if g.secret == "" {
				return errors.New("--secret or OPS_JWT_SECRET is required")
			}
			issuer, err := api.NewTokenIssuer(g.secret, ttl)
			if err != nil {
				return err
			}
			tok, err := issuer.Mint(g.subject)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), tok)
			return err
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	return cmd
}
