package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/huh"

	"github.com/mailhoard/mailhoard/internal/authflow"
	"github.com/mailhoard/mailhoard/internal/connector"
	"github.com/mailhoard/mailhoard/internal/model"
	"github.com/mailhoard/mailhoard/internal/syncer"
)

// cmdAuth runs (or restarts) the authorization flow for one source.
func cmdAuth(cfg *model.AppConfig, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: mailhoard auth <source-id>")
	}

	a, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := context.Background()
	src, err := a.store.GetSourceByID(ctx, args[0])
	if err != nil {
		return err
	}
	if src == nil {
		return fmt.Errorf("unknown source %s", args[0])
	}
	return authorizeSource(ctx, a, *src)
}

// authorizeSource acquires credentials for the source's kind, verifies
// them with a connection test, and offers to run the initial import.
func authorizeSource(ctx context.Context, a *app, src model.IngestionSource) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch src.Kind {
	case model.SourceKindGmail:
		err = authorizeGmail(ctx, a, src)
	case model.SourceKindJMAP:
		err = authorizeJMAP(a, src)
	case model.SourceKindIMAP:
		err = authorizeIMAP(a, src)
	default:
		return fmt.Errorf("no authorization flow for source kind %q", src.Kind)
	}
	if err != nil {
		return err
	}

	return finishAuthorization(ctx, a, src)
}

func authorizeGmail(ctx context.Context, a *app, src model.IngestionSource) error {
	if a.cfg.Gmail.ClientID == "" {
		return &connector.ConfigError{
			Kind:    src.Kind,
			Message: "no gmail OAuth client configured; set gmail.client_id in the config file",
		}
	}
	auth := authflow.NewAuthorizer(a.cfg.Gmail, a.vault)

	var flow string
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Authorization method").
				Options(
					huh.NewOption("Browser redirect (paste the code back here)", string(authflow.FlowAuthCode)),
					huh.NewOption("Device code (approve on another device)", string(authflow.FlowDeviceCode)),
				).
				Value(&flow),
		),
	)
	if err := form.Run(); err != nil {
		return err
	}

	if flow == string(authflow.FlowDeviceCode) {
		return runDeviceFlow(ctx, auth, src.ID)
	}
	return runAuthCodeFlow(ctx, auth, src.ID)
}

func runAuthCodeFlow(ctx context.Context, auth *authflow.Authorizer, sourceID string) error {
	session, authURL := auth.BeginAuthCode(sourceID)

	fmt.Println("Open this URL in your browser and approve access:")
	fmt.Println()
	fmt.Println("  " + authURL)
	fmt.Println()

	var pasted string
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Authorization response").
				Description("Paste the full URL you were redirected to, or just the code").
				Value(&pasted).
				Validate(validateRequired("Authorization response")),
		),
	)
	if err := form.Run(); err != nil {
		return err
	}

	state, code := parseRedirect(strings.TrimSpace(pasted), sourceID)
	return auth.FinishAuthCode(ctx, session, state, code)
}

// parseRedirect extracts the state and code parameters from a pasted
// redirect URL. A paste that is not a URL is taken as the bare code from
// this session's request.
func parseRedirect(pasted, sourceID string) (state, code string) {
	if strings.Contains(pasted, "://") {
		if u, err := url.Parse(pasted); err == nil {
			q := u.Query()
			if q.Get("code") != "" {
				return q.Get("state"), q.Get("code")
			}
		}
	}
	return sourceID, pasted
}

func runDeviceFlow(ctx context.Context, auth *authflow.Authorizer, sourceID string) error {
	session, err := auth.BeginDeviceFlow(ctx, sourceID)
	if err != nil {
		return err
	}

	fmt.Printf("Visit %s and enter the code:\n\n  %s\n\nWaiting for approval...\n",
		session.VerificationURI(), session.UserCode())

	for {
		done, err := auth.PollDevice(ctx, session)
		if done {
			return err
		}
		if err != nil {
			fmt.Printf("poll failed (%v), retrying\n", err)
		}

		wait := session.PollInterval()
		if hint := connector.RetryAfterHint(err); hint > wait {
			wait = hint
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func authorizeJMAP(a *app, src model.IngestionSource) error {
	auth := authflow.NewAuthorizer(a.cfg.Gmail, a.vault)

	method := "token"
	var username, secret string
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Authentication").
				Options(
					huh.NewOption("API token", "token"),
					huh.NewOption("Username and password", "basic"),
				).
				Value(&method),
		),
	)
	if err := form.Run(); err != nil {
		return err
	}

	if method == "token" {
		form = huh.NewForm(
			huh.NewGroup(
				huh.NewInput().
					Title("API token").
					EchoMode(huh.EchoModePassword).
					Value(&secret).
					Validate(validateRequired("API token")),
			),
		)
		if err := form.Run(); err != nil {
			return err
		}
		_, err := auth.SaveToken(src.Kind, src.ID, secret)
		return err
	}

	form = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Username").
				Placeholder("user@example.com").
				Value(&username).
				Validate(validateRequired("Username")),
			huh.NewInput().
				Title("Password").
				EchoMode(huh.EchoModePassword).
				Value(&secret).
				Validate(validateRequired("Password")),
		),
	)
	if err := form.Run(); err != nil {
		return err
	}
	_, err := auth.SaveStatic(src.Kind, src.ID, username, secret)
	return err
}

func authorizeIMAP(a *app, src model.IngestionSource) error {
	auth := authflow.NewAuthorizer(a.cfg.Gmail, a.vault)

	var username, password string
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Username").
				Placeholder("user@example.com").
				Value(&username).
				Validate(validateRequired("Username")),
			huh.NewInput().
				Title("Password").
				Description("Account password or app password").
				EchoMode(huh.EchoModePassword).
				Value(&password).
				Validate(validateRequired("Password")),
		),
	)
	if err := form.Run(); err != nil {
		return err
	}
	_, err := auth.SaveStatic(src.Kind, src.ID, username, password)
	return err
}

// finishAuthorization proves the stored credentials with a connection
// test, records the resolved account identity, and offers to run the
// initial import right away.
func finishAuthorization(ctx context.Context, a *app, src model.IngestionSource) error {
	creds, ok, err := a.vault.Load(src.ID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("authorization finished but no credentials were stored for %s", src.ID)
	}

	conn, err := syncer.NewConnector(a.cfg, src, creds)
	if err != nil {
		return err
	}
	identity, err := conn.TestConnection(ctx)
	if err != nil {
		return fmt.Errorf("connection test failed: %w", err)
	}
	fmt.Printf("authorized as %s\n", identity)

	src.Email = identity
	src.Status = model.StatusActive
	src.StatusMessage = "authorized as " + identity
	if err := a.store.UpsertSource(ctx, src); err != nil {
		return err
	}

	runNow := true
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Run the initial import now?").
				Description("Otherwise the next `mailhoard run` picks it up").
				Affirmative("Yes").
				Negative("Later").
				Value(&runNow),
		),
	)
	if err := form.Run(); err != nil {
		return err
	}
	if !runNow {
		return nil
	}

	runner := syncer.New(a.cfg, a.store, a.blobs, a.idx, a.vault)
	run, err := runner.RunOnce(ctx, src.ID)
	if err != nil {
		return err
	}
	printRun(run)
	if run.Outcome == model.RunError {
		return fmt.Errorf("initial import failed: %s", run.Error)
	}
	return nil
}
