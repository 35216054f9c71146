// Command assistant is a command-line client for the Cloud Inventory
// Assistant backend. It logs in, keeps the session alive and sends
// authenticated requests.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/lithammer/dedent"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/cloudinventory/assistant/internal/config"
	"github.com/cloudinventory/assistant/internal/session"
	"github.com/cloudinventory/assistant/internal/storage"
	"github.com/cloudinventory/assistant/internal/sweep"
)

const (
	exitOK           = 0
	exitError        = 1
	exitAuth         = 2
	exitConnectivity = 3
)

const usage = `
	Usage: assistant [--ephemeral] <command> [flags]

	Commands:
	  login            log in with username and password
	  login-microsoft  log in with a Microsoft account
	  whoami           show the logged in user
	  status           show session and server status
	  validate         check the session, renewing the token when it is about to expire
	  refresh          renew the token now
	  request          send an authenticated request: request [-d body] METHOD PATH
	  users            list users (Admin only)
	  signup           create a user (Admin only)
	  logout           log out and remove stored credentials
	  keepalive        keep the session alive until interrupted

	Configuration is read from the environment and from %s.
`

// usageError is reported with the usage text and never reaches the server.
type usageError struct {
	msg string
}

func (e *usageError) Error() string {
	return e.msg
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	config.LoadEnvFile()

	os.Exit(run(context.Background(), os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func formatUsage() string {
	text := strings.TrimSpace(dedent.Dedent(usage))
	return fmt.Sprintf(text, config.Dir()+"/"+config.EnvFileName) + "\n"
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("assistant", flag.ContinueOnError)
	fs.SetOutput(stderr)
	ephemeral := fs.Bool("ephemeral", false, "keep the session in memory only")
	fs.Usage = func() { fmt.Fprint(stderr, formatUsage()) }
	if err := fs.Parse(args); err != nil {
		return exitError
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return exitError
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	} else {
		log.Warn().Str("level", cfg.LogLevel).Msg("unknown log level, using info")
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	store, err := openStore(cfg, *ephemeral)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}
	defer store.Close()

	a, err := newApp(cfg, store, stdin, stdout)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}

	err = a.dispatch(ctx, fs.Arg(0), fs.Args()[1:])
	return report(err, stderr)
}

func openStore(cfg *config.Config, ephemeral bool) (storage.Store, error) {
	if ephemeral {
		return storage.NewMemoryStore(), nil
	}
	if cfg.TokenKey == "" {
		return nil, fmt.Errorf("ASSISTANT_TOKEN_KEY is not set")
	}
	key, err := storage.DeriveKey(cfg.TokenKey)
	if err != nil {
		return nil, fmt.Errorf("failed to derive store key: %w", err)
	}
	if err := cfg.EnsureDir(); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}
	return storage.NewSQLiteStore(cfg.DBPath, key)
}

func newManager(cfg *config.Config, store storage.Store) (*session.Manager, error) {
	patterns, err := sweep.LoadPatterns(cfg.SweepPatternsPath)
	if err != nil {
		return nil, err
	}
	matcher, err := sweep.NewMatcher(patterns)
	if err != nil {
		return nil, err
	}
	return session.New(store, session.Options{
		BaseURL: cfg.APIURL,
		Timeout: cfg.HTTPTimeout,
		Matcher: matcher,
	})
}

// report prints err in terms the user can act on and returns the exit code.
func report(err error, stderr io.Writer) int {
	if err == nil {
		return exitOK
	}

	var ue *usageError
	if errors.As(err, &ue) {
		fmt.Fprintf(stderr, "Error: %s\n\n%s", ue.msg, formatUsage())
		return exitError
	}
	if errors.Is(err, context.Canceled) {
		return exitOK
	}
	if errors.Is(err, session.ErrNotAuthenticated) {
		fmt.Fprintln(stderr, "Not logged in, run 'assistant login' first.")
		return exitAuth
	}
	if session.IsAuthError(err) {
		log.Debug().Err(err).Msg("auth error")
		fmt.Fprintln(stderr, "Session expired, please log in again.")
		return exitAuth
	}
	if session.IsConnectivityError(err) {
		log.Debug().Err(err).Msg("connectivity error")
		fmt.Fprintln(stderr, "Could not reach the server, check your connection.")
		return exitConnectivity
	}

	var he *session.HTTPError
	if errors.As(err, &he) {
		fmt.Fprintf(stderr, "Error (%d): %s\n", he.Status, he.Detail)
		return exitError
	}
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return exitError
}
