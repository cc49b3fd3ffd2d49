package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/chinmina/chinmina-client/internal/api"
	"github.com/chinmina/chinmina-client/internal/auth"
	"github.com/chinmina/chinmina-client/internal/browser"
	"github.com/chinmina/chinmina-client/internal/cache"
	"github.com/chinmina/chinmina-client/internal/clienterror"
	"github.com/chinmina/chinmina-client/internal/config"
	"github.com/chinmina/chinmina-client/internal/credential"
	"github.com/chinmina/chinmina-client/internal/fetch"
	"github.com/chinmina/chinmina-client/internal/observe"
	"github.com/chinmina/chinmina-client/internal/oidc"
	"github.com/chinmina/chinmina-client/internal/redirect"
	"github.com/chinmina/chinmina-client/internal/sampleapi"
	"github.com/chinmina/chinmina-client/internal/securestore"
	"github.com/chinmina/chinmina-client/internal/server"
	"github.com/chinmina/chinmina-client/internal/singleflight"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// redirectTimeout bounds the wait for the browser to return.
const redirectTimeout = 5 * time.Minute

const usage = `usage: chinmina-client [flags] <command>

commands:
  login               sign in with the system browser
  logout              sign out locally and at the provider
  companies           list companies
  transactions <id>   list the transactions of a company
  userinfo            show the user info from the provider and the API
  expire-access       corrupt the stored access token (testing)
  expire-refresh      corrupt the stored refresh token (testing)
  serve               serve callbacks and the local views until interrupted

flags:
`

// app holds the process lifetime objects shared by every command.
type app struct {
	cfg       config.Config
	auth      *auth.Authenticator
	resumer   *redirect.Resumer
	metadata  *oidc.MetadataProvider
	responses *cache.ResponseCache
	views     *sampleapi.Views
	presenter auth.Presenter
}

func newApp(ctx context.Context, cfg config.Config, transport http.RoundTripper, presenter auth.Presenter) (*app, error) {
	storage, err := securestore.New(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("secure storage configuration failed: %w", err)
	}

	resumer, err := redirect.NewResumer(cfg.Auth.DeepLinkBaseURL, cfg.Auth.RedirectURI, cfg.Auth.PostLogoutRedirectURI)
	if err != nil {
		return nil, fmt.Errorf("redirect configuration failed: %w", err)
	}

	providerClient := &http.Client{
		Timeout:   cfg.Auth.Timeout(),
		Transport: transport,
	}

	flight := singleflight.NewCoordinator()
	quirks := oidc.SelectQuirks(cfg.Auth.Authority, cfg.Auth.LogoutEndpoint)
	metadata := oidc.NewMetadataProvider(cfg.Auth.Authority, providerClient, quirks, flight)

	// responses belong to the signed-in user: they are dropped whenever the
	// user changes
	responses := cache.NewResponseCache()

	authenticator := auth.New(
		cfg.Auth,
		credential.NewStore(storage),
		metadata,
		quirks,
		flight,
		resumer,
		auth.WithSessionReset(responses.ClearAll),
		auth.WithHTTPClient(providerClient),
	)

	client, err := api.New(cfg.API, transport)
	if err != nil {
		return nil, fmt.Errorf("API client configuration failed: %w", err)
	}

	log.Info().
		Str("provider_quirks", quirks.Name()).
		Str("session_id", client.SessionID()).
		Msg("client configured")

	return &app{
		cfg:       cfg,
		auth:      authenticator,
		resumer:   resumer,
		metadata:  metadata,
		responses: responses,
		views:     sampleapi.New(fetch.New(responses, authenticator, client), metadata),
		presenter: presenter,
	}, nil
}

func main() {
	configureLogging()

	logBuildInfo()

	err := run(os.Args[1:], os.Stdout, os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(2)
	}
	if err != nil {
		renderError(os.Stderr, err)
		os.Exit(1)
	}
}

type options struct {
	fetch     fetch.Options
	noBrowser bool
	autoLogin bool
}

func run(args []string, stdout, stderr io.Writer) error {
	var opts options

	flags := flag.NewFlagSet("chinmina-client", flag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.BoolVar(&opts.fetch.ForceReload, "reload", false, "discard cached responses before fetching")
	flags.BoolVar(&opts.fetch.SimulateError, "simulate-error", false, "ask the API to fail the request")
	flags.BoolVar(&opts.noBrowser, "no-browser", false, "print login and logout URLs instead of opening a browser")
	flags.BoolVar(&opts.autoLogin, "auto-login", true, "sign in when a command needs a login, then retry it")
	flags.Usage = func() {
		fmt.Fprint(flags.Output(), usage)
		flags.PrintDefaults()
	}

	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() == 0 {
		flags.Usage()
		return flag.ErrHelp
	}

	command, commandArgs := flags.Arg(0), flags.Args()[1:]

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("configuration load failed: %w", err)
	}

	// configure telemetry, including wrapping the outbound HTTP transport
	shutdownTelemetry, err := observe.Configure(ctx, cfg.Observe)
	if err != nil {
		return fmt.Errorf("telemetry bootstrap failed: %w", err)
	}

	hooks := &server.ShutdownHooks{}
	hooks.AddContext("telemetry", shutdownTelemetry)

	transport := observe.HTTPTransport(configureHTTPTransport(cfg.Server), cfg.Observe)

	var presenter auth.Presenter = browser.New()
	if opts.noBrowser {
		presenter = browser.New(browser.WithOpener(browser.PrintOpener(func(format string, args ...any) {
			fmt.Fprintf(stderr, format, args...)
		})))
	}

	a, err := newApp(ctx, cfg, transport, presenter)
	if err != nil {
		_ = hooks.Execute(context.WithoutCancel(ctx))
		return err
	}
	hooks.Add("redirects", a.auth.CancelRedirects)

	receiver, err := server.Listen(fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port), configureServerRoutes(a, opts))
	if err != nil {
		_ = hooks.Execute(context.WithoutCancel(ctx))
		return err
	}

	shutdownTimeout := time.Duration(cfg.Server.ShutdownTimeoutSeconds) * time.Second

	if command == "serve" {
		return receiver.Run(ctx, shutdownTimeout, hooks)
	}

	receiver.Start()
	hooks.AddContext("receiver", receiver.Shutdown)

	cmdErr := a.runCommand(ctx, command, commandArgs, opts, stdout)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := hooks.Execute(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("shutdown incomplete")
	}

	return cmdErr
}

func (a *app) runCommand(ctx context.Context, command string, args []string, opts options, out io.Writer) error {
	switch command {
	case "login":
		if err := a.login(ctx); err != nil {
			return err
		}
		fmt.Fprintln(out, "signed in")
		return nil

	case "logout":
		a.logout(ctx)
		fmt.Fprintln(out, "signed out")
		return nil

	case "companies":
		return a.show(ctx, out, opts, func(ctx context.Context, fo fetch.Options) (any, error) {
			return a.views.Companies(ctx, fo)
		})

	case "transactions":
		if len(args) != 1 {
			return clienterror.GeneralError{Area: "transactions", Code: "invalid_arguments", Message: "usage: transactions <company id>"}
		}
		companyID, err := strconv.Atoi(args[0])
		if err != nil {
			return clienterror.GeneralError{Area: "transactions", Code: "invalid_arguments", Message: "the company id must be a number", Cause: err}
		}
		return a.show(ctx, out, opts, func(ctx context.Context, fo fetch.Options) (any, error) {
			return a.views.Transactions(ctx, companyID, fo)
		})

	case "userinfo":
		return a.show(ctx, out, opts, a.loadUserInfo)

	case "expire-access":
		return a.auth.ExpireAccessTokenForTesting(ctx)

	case "expire-refresh":
		return a.auth.ExpireRefreshTokenForTesting(ctx)
	}

	return clienterror.GeneralError{Code: "unknown_command", Message: fmt.Sprintf("unknown command %q", command)}
}

// login runs the whole login redirect. Interrupting the process dismisses
// the redirect.
func (a *app) login(ctx context.Context) error {
	stop := context.AfterFunc(ctx, a.auth.CancelRedirects)
	defer stop()

	if err := a.auth.StartLoginRedirect(ctx, a.presenter); err != nil {
		return err
	}

	return a.completeLogin(ctx)
}

// completeLogin waits for the login callback and exchanges its code. The
// wait is not tied to ctx: a dismissed redirect ends it instead.
func (a *app) completeLogin(ctx context.Context) error {
	waitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), redirectTimeout)
	defer cancel()

	response, err := a.auth.HandleLoginResponse(waitCtx)
	if err != nil {
		return err
	}

	return a.auth.FinishLogin(waitCtx, response)
}

// logout signs out locally, then at the provider. Provider failures are
// logged: the local sign out has already completed.
func (a *app) logout(ctx context.Context) {
	stop := context.AfterFunc(ctx, a.auth.CancelRedirects)
	defer stop()

	if err := a.auth.StartLogoutRedirect(ctx, a.presenter); err != nil {
		log.Warn().Err(err).Msg("logout: provider sign out could not start")
		return
	}

	a.completeLogout(ctx)
}

func (a *app) completeLogout(ctx context.Context) {
	waitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), redirectTimeout)
	defer cancel()

	if err := a.auth.HandleLogoutResponse(waitCtx); err != nil {
		log.Warn().Err(err).Msg("logout: provider sign out failed")
	}
}

type viewFunc func(ctx context.Context, opts fetch.Options) (any, error)

// show loads a view and writes it as YAML. When the view needs a login it
// signs in and loads the view again.
func (a *app) show(ctx context.Context, out io.Writer, opts options, view viewFunc) error {
	result, err := view(ctx, opts.fetch)
	if clienterror.IsLoginRequired(err) && opts.autoLogin {
		log.Info().Msg("login required, starting login")
		if err := a.login(ctx); err != nil {
			return err
		}
		result, err = view(ctx, opts.fetch)
	}
	if err != nil {
		return err
	}

	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	defer func() {
		_ = enc.Close()
	}()

	return enc.Encode(result)
}

// userInfo combines the independently loaded user info views. Either part
// may fail without hiding the other.
type userInfo struct {
	OAuth      *sampleapi.OAuthUserInfo `yaml:"oauth,omitempty" json:"oauth,omitempty"`
	API        *sampleapi.APIUserInfo   `yaml:"api,omitempty" json:"api,omitempty"`
	OAuthError *clienterror.Details     `yaml:"oauthError,omitempty" json:"oauthError,omitempty"`
	APIError   *clienterror.Details     `yaml:"apiError,omitempty" json:"apiError,omitempty"`
}

func (a *app) loadUserInfo(ctx context.Context, opts fetch.Options) (any, error) {
	var (
		wg               sync.WaitGroup
		result           userInfo
		oauthInfo        sampleapi.OAuthUserInfo
		apiInfo          sampleapi.APIUserInfo
		oauthErr, apiErr error
	)

	wg.Go(func() {
		oauthInfo, oauthErr = a.views.OAuthUserInfo(ctx, opts)
	})
	wg.Go(func() {
		apiInfo, apiErr = a.views.APIUserInfo(ctx, opts)
	})
	wg.Wait()

	// a login is needed by both parts: report it once
	if clienterror.IsLoginRequired(oauthErr) || clienterror.IsLoginRequired(apiErr) {
		return nil, clienterror.LoginRequiredError{}
	}

	if oauthErr != nil {
		details := clienterror.DetailsOf(oauthErr)
		result.OAuthError = &details
	} else {
		result.OAuth = &oauthInfo
	}

	if apiErr != nil {
		details := clienterror.DetailsOf(apiErr)
		result.APIError = &details
	} else {
		result.API = &apiInfo
	}

	return result, nil
}

// renderError writes the error details view. A dismissed redirect is not a
// failure and is reported briefly.
func renderError(w io.Writer, err error) {
	if clienterror.IsCancelled(err) {
		fmt.Fprintln(w, "cancelled")
		return
	}

	log.Debug().Err(err).Msg("command failed")

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if encErr := enc.Encode(map[string]clienterror.Details{"error": clienterror.DetailsOf(err)}); encErr != nil {
		fmt.Fprintf(w, "error: %v\n", err)
	}
	_ = enc.Close()
}

func configureLogging() {
	// Set global level to the minimum: allows the Open Telemetry logging to be
	// configured separately. However, it means that any logger that sets its
	// level will log as this effectively disables the global level.
	zerolog.SetGlobalLevel(zerolog.Level(-128))

	// command output goes to stdout, so logs go to stderr at warn by default
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger().Level(zerolog.WarnLevel)

	if os.Getenv("ENV") == "development" {
		log.Logger = log.
			Output(zerolog.ConsoleWriter{Out: os.Stderr}).
			Level(zerolog.DebugLevel)
	}

	zerolog.DefaultContextLogger = &log.Logger
}

func logBuildInfo() {
	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	ev := log.Info().Str("main", buildInfo.Main.Version)
	for _, v := range buildInfo.Settings {
		if strings.HasPrefix(v.Key, "vcs.") ||
			strings.HasPrefix(v.Key, "GO") ||
			v.Key == "CGO_ENABLED" {
			ev = ev.Str(v.Key, v.Value)
		}
	}

	ev.Msg("build information")
}

func configureHTTPTransport(cfg config.ServerConfig) *http.Transport {
	transport := http.DefaultTransport.(*http.Transport).Clone()

	transport.MaxIdleConns = cfg.OutgoingHTTPMaxIdleConns
	transport.MaxConnsPerHost = cfg.OutgoingHTTPMaxConnsPerHost

	return transport
}
