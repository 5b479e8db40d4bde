package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sheetspend/sheetspend/internal/gauth"
	"github.com/sheetspend/sheetspend/internal/ledger"
	"github.com/sheetspend/sheetspend/internal/session"
	"github.com/sheetspend/sheetspend/internal/sheetstore"
	"github.com/sheetspend/sheetspend/internal/syncer"
)

func main() {
	log.SetFlags(0)
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	command := os.Args[1]
	args := os.Args[2:]

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := buildStoreFromEnv()
	if err != nil {
		log.Fatalf("failed to initialize session storage: %v", err)
	}

	switch command {
	case "status":
		runStatus(store)
	case "list":
		runList(store)
	case "login":
		app := mustBuildApp(ctx, store)
		if err := app.controller.SignIn(ctx); err != nil {
			log.Fatalf("sign-in failed: %v", err)
		}
		runStatus(store)
	case "logout":
		app := mustBuildApp(ctx, store)
		if err := app.controller.SignOut(ctx); err != nil {
			log.Fatalf("sign-out failed: %v", err)
		}
		log.Printf("signed out")
	case "sync":
		app := mustBuildApp(ctx, store)
		opCtx, cancel := context.WithTimeout(ctx, opTimeoutFromEnv())
		defer cancel()
		if err := app.controller.Start(opCtx); err != nil {
			log.Fatalf("sync failed: %v", err)
		}
		if app.controller.Status() != syncer.StatusReady {
			log.Fatalf("not signed in; run `sheetspend login` first")
		}
		log.Printf("synced %d expenses", len(app.controller.Records()))
	case "add":
		runAdd(ctx, store, args)
	case "rm":
		runRemove(ctx, store, args)
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: sheetspend <command> [flags]

commands:
  login    sign in and connect the expense spreadsheet
  logout   sign out and wipe all local state
  add      record an expense (-amount, -category, -date, -comment)
  rm       remove an expense by id
  list     print cached expenses without touching the network
  sync     refresh the cache from the spreadsheet
  status   show session status`)
}

func runStatus(store *session.Store) {
	snapshot := store.GetSnapshot()
	if snapshot.SpreadsheetID == "" {
		log.Printf("signed out")
		return
	}
	log.Printf("spreadsheet: %s", snapshot.SpreadsheetID)
	if snapshot.LoginHint != "" {
		log.Printf("account:     %s", snapshot.LoginHint)
	}
	log.Printf("expenses:    %d cached", len(snapshot.Records))
}

func runList(store *session.Store) {
	records := store.Records()
	if len(records) == 0 {
		log.Printf("no cached expenses")
		return
	}
	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tDATE\tCATEGORY\tAMOUNT\tCOMMENT")
	total := decimal.Zero
	for _, rec := range records {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\n",
			rec.ID, rec.Date, rec.Category, rec.Amount.StringFixed(2), rec.Comment)
		total = total.Add(rec.Amount)
	}
	fmt.Fprintf(writer, "\t\t\t%s\ttotal\n", total.StringFixed(2))
	_ = writer.Flush()
}

func runAdd(ctx context.Context, store *session.Store, args []string) {
	flags := flag.NewFlagSet("add", flag.ExitOnError)
	amountArg := flags.String("amount", "", "expense amount, e.g. 12.50")
	category := flags.String("category", "", "one of "+strings.Join(ledger.Categories(), ", "))
	date := flags.String("date", "", "date as YYYY-MM-DD (default today)")
	comment := flags.String("comment", "", "optional note")
	_ = flags.Parse(args)

	amount, err := ledger.ParseAmount(*amountArg)
	if err != nil {
		log.Fatalf("invalid amount %q: %v", *amountArg, err)
	}

	app := mustBuildApp(ctx, store)
	opCtx, cancel := context.WithTimeout(ctx, opTimeoutFromEnv())
	defer cancel()
	if err := app.controller.Start(opCtx); err != nil {
		log.Fatalf("session restore failed: %v", err)
	}
	rec, err := app.controller.AddRecord(opCtx, syncer.Draft{
		Date:     *date,
		Category: *category,
		Amount:   amount,
		Comment:  *comment,
	})
	if err != nil {
		log.Fatalf("add failed: %v", err)
	}
	log.Printf("added %s: %s %s on %s", rec.ID, rec.Amount.StringFixed(2), rec.Category, rec.Date)
}

func runRemove(ctx context.Context, store *session.Store, args []string) {
	flags := flag.NewFlagSet("rm", flag.ExitOnError)
	_ = flags.Parse(args)
	if flags.NArg() != 1 {
		log.Fatalf("usage: sheetspend rm <id>")
	}
	id := strings.TrimSpace(flags.Arg(0))

	app := mustBuildApp(ctx, store)
	opCtx, cancel := context.WithTimeout(ctx, opTimeoutFromEnv())
	defer cancel()
	if err := app.controller.Start(opCtx); err != nil {
		log.Fatalf("session restore failed: %v", err)
	}
	if err := app.controller.RemoveRecord(opCtx, id); err != nil {
		log.Fatalf("remove failed: %v", err)
	}
	log.Printf("removed %s", id)
}

type app struct {
	controller *syncer.Controller
}

func mustBuildApp(ctx context.Context, store *session.Store) *app {
	clientID := strings.TrimSpace(os.Getenv("SHEETSPEND_CLIENT_ID"))
	if clientID == "" {
		log.Fatalf("SHEETSPEND_CLIENT_ID is required")
	}
	config := gauth.ClientConfig{
		ClientID:     clientID,
		ClientSecret: strings.TrimSpace(os.Getenv("SHEETSPEND_CLIENT_SECRET")),
		Scopes:       sheetstore.Scopes(),
	}
	manager, err := gauth.NewManager(gauth.ManagerOptions{
		Store:   store,
		Factory: gauth.NewOAuthClientFactory(gauth.OAuthClientOptions{Credentials: store, Logger: log.Default()}),
		Config:  config,
		Logger:  log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to initialize token manager: %v", err)
	}
	if err := manager.Init(ctx); err != nil {
		log.Fatalf("token client initialization failed: %v", err)
	}
	remote, err := sheetstore.New(ctx, sheetstore.Options{
		TokenSource:      manager,
		SpreadsheetTitle: strings.TrimSpace(os.Getenv("SHEETSPEND_SPREADSHEET_TITLE")),
		Logger:           log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to initialize spreadsheet client: %v", err)
	}
	controller, err := syncer.NewController(syncer.Options{
		Store:    store,
		Tokens:   manager,
		Remote:   remote,
		Profiles: gauth.NewProfileClient(gauth.ProfileClientOptions{}),
		Notifier: stderrNotifier{},
		Logger:   log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to initialize sync controller: %v", err)
	}
	return &app{controller: controller}
}

func buildStoreFromEnv() (*session.Store, error) {
	dsn := strings.TrimSpace(os.Getenv("SHEETSPEND_STATE_DSN"))
	if dsn == "" {
		dsn = defaultStatePath()
	}
	backend, err := session.BuildBackendFromDSN(dsn)
	if err != nil {
		return nil, err
	}
	return session.NewStore(backend), nil
}

func defaultStatePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".sheetspend", "session.json")
	}
	return filepath.Join(home, ".sheetspend", "session.json")
}

func opTimeoutFromEnv() time.Duration {
	return durationEnv("SHEETSPEND_TIMEOUT", 30*time.Second)
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

type stderrNotifier struct{}

func (stderrNotifier) Notify(message string) {
	fmt.Fprintln(os.Stderr, message)
}
