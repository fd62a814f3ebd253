package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/charmbracelet/huh"
	"github.com/google/uuid"

	"github.com/mailhoard/mailhoard/internal/model"
)

// cmdSources lists the configured sources.
func cmdSources(cfg *model.AppConfig) error {
	a, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := context.Background()
	sources, err := a.store.GetSources(ctx)
	if err != nil {
		return err
	}
	if len(sources) == 0 {
		fmt.Println("no sources configured; run `mailhoard add`")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tNAME\tACCOUNT\tSTATUS\tMESSAGES")
	for _, src := range sources {
		count, err := a.store.CountMessages(ctx, src.ID)
		if err != nil {
			return err
		}
		status := string(src.Status)
		if !src.Enabled {
			status = string(model.StatusPaused)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\n",
			src.ID, src.Kind, src.Name, src.Email, status, count)
	}
	return w.Flush()
}

// cmdAdd walks the operator through creating a source, then hands off to
// the authorization flow for its kind.
func cmdAdd(cfg *model.AppConfig) error {
	a, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	var kind string
	kindForm := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Source type").
				Description("Which kind of mailbox to archive").
				Options(
					huh.NewOption("Gmail - OAuth via Google", string(model.SourceKindGmail)),
					huh.NewOption("JMAP - Fastmail and compatible servers", string(model.SourceKindJMAP)),
					huh.NewOption("IMAP - any standard mail server", string(model.SourceKindIMAP)),
				).
				Value(&kind),
		),
	)
	if err := kindForm.Run(); err != nil {
		return err
	}

	src := model.IngestionSource{
		ID:      uuid.New().String(),
		Kind:    model.SourceKind(kind),
		Enabled: true,
		Status:  model.StatusPendingAuth,
	}

	switch src.Kind {
	case model.SourceKindGmail:
		err = addGmailForm(&src)
	case model.SourceKindJMAP:
		err = addJMAPForm(&src)
	case model.SourceKindIMAP:
		err = addIMAPForm(&src)
	default:
		return fmt.Errorf("unknown source kind %q", kind)
	}
	if err != nil {
		return err
	}

	ctx := context.Background()
	if err := a.store.UpsertSource(ctx, src); err != nil {
		return err
	}
	fmt.Printf("source %s created (%s)\n", src.ID, src.Name)

	return authorizeSource(ctx, a, src)
}

func addGmailForm(src *model.IngestionSource) error {
	var interval string
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Name").
				Description("A label for this mailbox").
				Placeholder("Personal Gmail").
				Value(&src.Name).
				Validate(validateRequired("Name")),
			huh.NewInput().
				Title("Poll interval (seconds)").
				Description("How often to check for new mail; empty for the default").
				Placeholder("300").
				Value(&interval).
				Validate(validateOptionalNumber),
		),
	)
	if err := form.Run(); err != nil {
		return err
	}
	src.PollIntervalSec = parseIntervalSec(interval)
	return nil
}

func addJMAPForm(src *model.IngestionSource) error {
	var interval string
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Name").
				Description("A label for this mailbox").
				Placeholder("Fastmail").
				Value(&src.Name).
				Validate(validateRequired("Name")),
			huh.NewInput().
				Title("Server").
				Description("Session URL or hostname (e.g. api.fastmail.com)").
				Placeholder("api.fastmail.com").
				Value(&src.Server).
				Validate(validateRequired("Server")),
			huh.NewInput().
				Title("Poll interval (seconds)").
				Description("How often to check for new mail; empty for the default").
				Placeholder("300").
				Value(&interval).
				Validate(validateOptionalNumber),
		),
	)
	if err := form.Run(); err != nil {
		return err
	}
	src.PollIntervalSec = parseIntervalSec(interval)
	return nil
}

func addIMAPForm(src *model.IngestionSource) error {
	var interval, folder string
	tlsMode := "implicit"
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Name").
				Description("A label for this mailbox").
				Placeholder("Work mail").
				Value(&src.Name).
				Validate(validateRequired("Name")),
			huh.NewInput().
				Title("Server").
				Description("IMAP server host or host:port").
				Placeholder("mail.example.com:993").
				Value(&src.Server).
				Validate(validateRequired("Server")),
			huh.NewSelect[string]().
				Title("TLS").
				Description("How the connection is secured").
				Options(
					huh.NewOption("Implicit TLS (port 993)", "implicit"),
					huh.NewOption("STARTTLS (port 143)", "starttls"),
				).
				Value(&tlsMode),
			huh.NewInput().
				Title("Folder").
				Description("Mailbox folder to archive; empty for INBOX").
				Placeholder("INBOX").
				Value(&folder),
			huh.NewInput().
				Title("Poll interval (seconds)").
				Description("How often to check for new mail; empty for the default").
				Placeholder("300").
				Value(&interval).
				Validate(validateOptionalNumber),
		),
	)
	if err := form.Run(); err != nil {
		return err
	}

	src.PollIntervalSec = parseIntervalSec(interval)
	src.Settings = map[string]string{}
	if tlsMode == "starttls" {
		src.Settings["tls"] = "starttls"
	}
	if strings.TrimSpace(folder) != "" {
		src.Settings["folder"] = strings.TrimSpace(folder)
	}
	return nil
}

// cmdRemove unregisters a source after confirmation. The source row,
// its sync cursor, run history, and message records go; raw message
// files stay on disk.
func cmdRemove(cfg *model.AppConfig, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: mailhoard remove <source-id>")
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

	count, err := a.store.CountMessages(ctx, src.ID)
	if err != nil {
		return err
	}

	var confirmed bool
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title(fmt.Sprintf("Remove %s?", src.Name)).
				Description(fmt.Sprintf(
					"Drops the source, its sync cursor, and %d message records. Raw message files stay on disk.", count)).
				Value(&confirmed),
		),
	)
	if err := form.Run(); err != nil {
		return err
	}
	if !confirmed {
		fmt.Println("aborted")
		return nil
	}

	if err := a.idx.DeleteBySource(ctx, src.ID); err != nil {
		return err
	}
	if err := a.store.DeleteSource(ctx, src.ID); err != nil {
		return err
	}
	if err := a.vault.Delete(src.ID); err != nil {
		return err
	}
	fmt.Printf("source %s removed\n", src.ID)
	return nil
}

// --- Validators ---

func validateRequired(fieldName string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", fieldName)
		}
		return nil
	}
}

func validateOptionalNumber(s string) error {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	if _, err := strconv.Atoi(strings.TrimSpace(s)); err != nil {
		return fmt.Errorf("must be a number")
	}
	return nil
}

func parseIntervalSec(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 0 {
		return 0
	}
	return n
}
