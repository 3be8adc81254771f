// agent-token mints a bearer token for a support agent. The token is
// printed on stdout for use in the Authorization header, the
// access_token query parameter of websocket and SSE endpoints, or the
// gRPC authorization metadata.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/ashureev/supportdesk/internal/identity"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	_ = godotenv.Load()

	var (
		agentID int64
		name    string
		ttl     time.Duration
		secret  string
	)

	flagSet := pflag.NewFlagSet("agent-token", pflag.ContinueOnError)
	flagSet.Int64VarP(&agentID, "agent-id", "a", 0, "agent id to embed in the token (required)")
	flagSet.StringVarP(&name, "name", "n", "", "agent display name")
	flagSet.DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	flagSet.StringVar(&secret, "secret", "", "signing secret (default: $AGENT_JWT_SECRET)")

	if err := flagSet.Parse(args); err != nil {
		return err
	}

	if agentID <= 0 {
		return errors.New("--agent-id must be a positive integer")
	}
	if secret == "" {
		secret = os.Getenv("AGENT_JWT_SECRET")
	}
	if len(secret) < 32 {
		return errors.New("signing secret must be at least 32 bytes (set --secret or AGENT_JWT_SECRET)")
	}

	token, err := identity.IssueAgentToken([]byte(secret), agentID, name, ttl)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, token)
	return err
}
