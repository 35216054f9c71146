package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/cloudinventory/assistant/internal/api"
	"github.com/cloudinventory/assistant/internal/config"
	"github.com/cloudinventory/assistant/internal/keepalive"
	"github.com/cloudinventory/assistant/internal/msauth"
	"github.com/cloudinventory/assistant/internal/session"
	"github.com/cloudinventory/assistant/internal/storage"
	"github.com/cloudinventory/assistant/internal/token"
)

type app struct {
	cfg     *config.Config
	store   storage.Store
	session *session.Manager
	api     *api.Client
	stdin   *bufio.Reader
	stdinFd int
	stdout  io.Writer
}

func newApp(cfg *config.Config, store storage.Store, stdin io.Reader, stdout io.Writer) (*app, error) {
	m, err := newManager(cfg, store)
	if err != nil {
		return nil, err
	}
	a := &app{
		cfg:     cfg,
		store:   store,
		session: m,
		api:     api.NewClient(m),
		stdin:   bufio.NewReader(stdin),
		stdinFd: -1,
		stdout:  stdout,
	}
	if f, ok := stdin.(*os.File); ok {
		a.stdinFd = int(f.Fd())
	}
	return a, nil
}

func (a *app) dispatch(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "login":
		return a.login(ctx, args)
	case "login-microsoft":
		return a.loginMicrosoft(ctx, args)
	case "whoami":
		return a.whoami()
	case "status":
		return a.status(ctx)
	case "validate":
		return a.validate(ctx)
	case "refresh":
		return a.refresh(ctx)
	case "request":
		return a.request(ctx, args)
	case "users":
		return a.users(ctx)
	case "signup":
		return a.signup(ctx, args)
	case "logout":
		return a.logout()
	case "keepalive":
		return a.keepalive(ctx, args)
	default:
		return &usageError{msg: fmt.Sprintf("unknown command %q", cmd)}
	}
}

func (a *app) printf(format string, args ...any) {
	fmt.Fprintf(a.stdout, format, args...)
}

func (a *app) requireSession() error {
	if !a.session.IsAuthenticated() {
		return session.ErrNotAuthenticated
	}
	return nil
}

// readLine prompts on stdout and reads one line. Secrets are read without
// echo when stdin is a terminal.
func (a *app) readLine(prompt string, secret bool) (string, error) {
	a.printf("%s", prompt)
	if secret && a.stdinFd >= 0 && term.IsTerminal(a.stdinFd) {
		b, err := term.ReadPassword(a.stdinFd)
		a.printf("\n")
		if err != nil {
			return "", fmt.Errorf("failed to read input: %w", err)
		}
		return string(b), nil
	}
	line, err := a.stdin.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (a *app) printUser(u *session.UserIdentity) {
	a.printf("Username:    %s\n", u.Username)
	a.printf("Role:        %s\n", u.Role)
	a.printf("Provider:    %s\n", u.Provider())
	if u.DisplayName != "" {
		a.printf("Name:        %s\n", u.DisplayName)
	}
	if u.Email != "" {
		a.printf("Email:       %s\n", u.Email)
	}
	if len(u.Permissions) > 0 {
		a.printf("Permissions: %s\n", strings.Join(u.Permissions, ", "))
	}
}

func (a *app) login(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("login", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	username := fs.String("u", "", "username")
	password := fs.String("p", os.Getenv("ASSISTANT_PASSWORD"), "password")
	if err := fs.Parse(args); err != nil {
		return &usageError{msg: err.Error()}
	}

	var err error
	if *username == "" {
		if *username, err = a.readLine("Username: ", false); err != nil {
			return err
		}
	}
	if *password == "" {
		if *password, err = a.readLine("Password: ", true); err != nil {
			return err
		}
	}
	if strings.TrimSpace(*username) == "" || *password == "" {
		return &usageError{msg: "username and password are required"}
	}

	user, err := a.session.Login(ctx, strings.TrimSpace(*username), *password)
	if err != nil {
		return err
	}
	a.printf("Logged in as %s (%s)\n", user.Username, user.Role)
	return nil
}

func (a *app) loginMicrosoft(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("login-microsoft", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fresh := fs.Bool("fresh", false, "ignore any cached Microsoft token")
	if err := fs.Parse(args); err != nil {
		return &usageError{msg: err.Error()}
	}

	oc, err := a.session.OAuthConfig(ctx)
	if err != nil {
		return err
	}
	if !oc.MicrosoftEnabled {
		return fmt.Errorf("microsoft login is not enabled on the server")
	}

	provider, err := msauth.NewProvider(a.store, msauth.Config{
		ClientID: a.cfg.AzureClientID,
		Tenant:   a.cfg.AzureTenantID,
	})
	if err != nil {
		return err
	}

	prompt := func(da *oauth2.DeviceAuthResponse) {
		uri := da.VerificationURIComplete
		if uri == "" {
			uri = da.VerificationURI
		}
		a.printf("To sign in, open %s and enter the code %s\n", uri, da.UserCode)
	}

	var providerToken string
	if *fresh {
		providerToken, err = provider.DeviceLogin(ctx, prompt)
	} else {
		providerToken, err = provider.Token(ctx, time.Minute, prompt)
	}
	if err != nil {
		return err
	}

	user, err := a.session.LoginMicrosoft(ctx, providerToken)
	if err != nil {
		return err
	}
	a.printf("Logged in as %s (%s)\n", user.Username, user.Role)
	return nil
}

func (a *app) whoami() error {
	user := a.session.User()
	if user == nil {
		return session.ErrNotAuthenticated
	}
	a.printUser(user)
	return nil
}

// status queries the identity and the server's login options concurrently.
func (a *app) status(ctx context.Context) error {
	a.printf("Server:      %s\n", a.cfg.APIURL)

	var (
		user *session.UserIdentity
		oc   *session.OAuthConfig
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		oc, err = a.session.OAuthConfig(gctx)
		return err
	})
	if a.session.IsAuthenticated() {
		g.Go(func() error {
			var err error
			user, err = a.session.CurrentUser(gctx)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	a.printf("Microsoft:   %s\n", enabledText(oc.MicrosoftEnabled))
	if user == nil {
		a.printf("Session:     not logged in\n")
		return nil
	}

	cred, _ := a.session.Credential()
	a.printf("Session:     active\n")
	if !cred.ExpiresAt.IsZero() {
		a.printf("Expires:     %s (in %s)\n", cred.ExpiresAt.Local().Format(time.RFC3339),
			time.Until(cred.ExpiresAt).Round(time.Second))
	}
	a.printUser(user)
	return nil
}

func enabledText(enabled bool) string {
	if enabled {
		return "enabled"
	}
	return "disabled"
}

func (a *app) validate(ctx context.Context) error {
	if err := a.requireSession(); err != nil {
		return err
	}
	if !a.session.ValidateSession(ctx) {
		if err := ctx.Err(); err != nil {
			return err
		}
		return session.ErrAuthExpired
	}
	a.printf("Session is valid\n")
	return nil
}

func (a *app) refresh(ctx context.Context) error {
	if err := a.requireSession(); err != nil {
		return err
	}
	tok, err := a.session.Refresh(ctx)
	if err != nil {
		return err
	}
	if exp, ok := token.DecodeExpiry(tok); ok {
		a.printf("Token renewed, expires %s\n", exp.Local().Format(time.RFC3339))
	} else {
		a.printf("Token renewed\n")
	}
	return nil
}

func (a *app) request(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("request", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	data := fs.String("d", "", "JSON request body")
	if err := fs.Parse(args); err != nil {
		return &usageError{msg: err.Error()}
	}
	if fs.NArg() != 2 {
		return &usageError{msg: "request needs METHOD and PATH"}
	}
	method := strings.ToUpper(fs.Arg(0))
	endpoint := fs.Arg(1)
	if !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}

	var body any
	if *data != "" {
		if !json.Valid([]byte(*data)) {
			return &usageError{msg: "request body is not valid JSON"}
		}
		body = json.RawMessage(*data)
	}
	if err := a.requireSession(); err != nil {
		return err
	}

	var result json.RawMessage
	if err := a.session.Do(ctx, method, endpoint, body, &result); err != nil {
		return err
	}
	if len(result) == 0 {
		return nil
	}
	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		out = result
	}
	a.printf("%s\n", out)
	return nil
}

func (a *app) users(ctx context.Context) error {
	if err := a.requireSession(); err != nil {
		return err
	}
	list, err := a.api.ListUsers(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(a.stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "USERNAME\tROLE\tPROVIDER\tLAST LOGIN")
	for _, u := range list.Users {
		provider := u.AuthProvider
		if provider == "" {
			provider = string(session.ProviderTraditional)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", u.Username, u.Role, provider, u.LastLogin)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	a.printf("%d users\n", list.TotalCount)
	return nil
}

func (a *app) signup(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("signup", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	username := fs.String("u", "", "username")
	password := fs.String("p", "", "password")
	role := fs.String("role", api.RoleMonitor, "Admin or Monitor")
	if err := fs.Parse(args); err != nil {
		return &usageError{msg: err.Error()}
	}
	if err := a.requireSession(); err != nil {
		return err
	}

	var err error
	if *username == "" {
		if *username, err = a.readLine("New username: ", false); err != nil {
			return err
		}
	}
	if *password == "" {
		if *password, err = a.readLine("New password: ", true); err != nil {
			return err
		}
	}

	res, err := a.api.Signup(ctx, api.SignupRequest{
		Username: *username,
		Password: *password,
		Role:     *role,
	})
	if err != nil {
		return err
	}
	if res.Message != "" {
		a.printf("%s\n", res.Message)
	} else {
		a.printf("User %s created\n", strings.TrimSpace(*username))
	}
	return nil
}

func (a *app) logout() error {
	wasAuthenticated := a.session.IsAuthenticated()
	if err := a.session.Logout(); err != nil {
		return err
	}
	if wasAuthenticated {
		a.printf("Logged out\n")
	} else {
		a.printf("Stored credentials removed\n")
	}
	return nil
}

func (a *app) keepalive(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("keepalive", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	interval := fs.Duration("interval", keepalive.DefaultInterval, "time between checks")
	if err := fs.Parse(args); err != nil {
		return &usageError{msg: err.Error()}
	}
	if err := a.requireSession(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Str("username", a.session.User().Username).Msg("keeping session alive, press Ctrl+C to stop")
	err := keepalive.Run(ctx, a.session, *interval)
	if errors.Is(err, keepalive.ErrSessionInvalid) {
		return session.ErrAuthExpired
	}
	return err
}
