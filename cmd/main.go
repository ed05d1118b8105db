package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/afero"
	"github.com/urfave/cli/v2"
	"golang.org/x/oauth2"
	"gopkg.in/natefinch/lumberjack.v2"

	"calplan/internal/apperr"
	"calplan/internal/cache"
	"calplan/internal/dedup"
	"calplan/internal/diff"
	"calplan/internal/google"
	"calplan/internal/icloud"
	"calplan/internal/plan"
	"calplan/internal/remote"
	"calplan/internal/source"
	"calplan/internal/syncer"
)

const (
	dateLayout    = "2006-01-02"
	defaultWindow = 28 * 24 * time.Hour
)

func main() {
	// Load .env file first, but don't error if it doesn't exist.
	_ = godotenv.Load()

	app := &cli.App{
		Name:  "calplan",
		Usage: "Reconcile a declarative calendar plan with Google Calendar or a CalDAV calendar.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "provider", Value: "google", EnvVars: []string{"CALENDAR_PROVIDER"}, Usage: "Remote calendar provider: google or caldav."},
			&cli.StringFlag{Name: "account", EnvVars: []string{"GOOGLE_ACCOUNT"}, Usage: "Google account name used at auth time. Defaults to the first saved token."},
		},
		Commands: []*cli.Command{
			authCommand(),
			planCommand(),
			verifyCommand(),
			syncCommand(),
			applyCommand(),
			dedupCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("Application failed", "error", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps the error kinds to process exit codes.
func exitCode(err error) int {
	var mErr *apperr.MutationError
	switch {
	case apperr.IsRemoteUnavailable(err):
		return 3
	case errors.As(err, &mErr):
		return 4
	case apperr.IsConfig(err):
		return 2
	default:
		return 1
	}
}

func authCommand() *cli.Command {
	return &cli.Command{
		Name:  "auth",
		Usage: "Authenticate with a Google account to get an API token.",
		Action: func(c *cli.Context) error {
			logger := setupLogger("info", os.Getenv("LOG_FILE"))
			logger.Info("Starting Google authentication flow.")

			config, err := google.GetOAuthConfigForAuthFlow(os.Getenv("GOOGLE_CLIENT_ID"), os.Getenv("GOOGLE_CLIENT_SECRET"))
			if err != nil {
				return fmt.Errorf("failed to get google oauth config: %w", err)
			}

			authURL := config.AuthCodeURL("state-token", oauth2.AccessTypeOffline)
			fmt.Printf("Go to the following link in your browser then type the "+
				"authorization code: \n%v\n", authURL)

			fmt.Print("Enter Authorization Code: ")
			reader := bufio.NewReader(os.Stdin)
			authCode, _ := reader.ReadString('\n')
			authCode = strings.TrimSpace(authCode)

			token, err := google.TokenFromWeb(c.Context, config, authCode)
			if err != nil {
				return fmt.Errorf("unable to retrieve token from web: %w", err)
			}

			fmt.Print("Enter a name for this account (e.g., 'personal', 'work'): ")
			accountName, _ := reader.ReadString('\n')
			accountName = strings.TrimSpace(accountName)
			tokenFile := "token-" + accountName + ".json"

			if err := google.SaveToken(tokenFile, token); err != nil {
				return fmt.Errorf("failed to save token: %w", err)
			}

			logger.Info("Successfully authenticated and saved token.", "file", tokenFile)
			return nil
		},
	}
}

func planCommand() *cli.Command {
	return &cli.Command{
		Name:  "plan",
		Usage: "Build a plan document from YAML, JSON or iCalendar schedule sources.",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{Name: "source", Required: true, Usage: "Schedule source file. Repeat for several sources."},
			&cli.StringFlag{Name: "kind", Usage: "Force the source format: yaml, json or ics. Detected from the extension by default."},
			&cli.StringFlag{Name: "out", Value: "plan.yaml", Usage: "Plan document to write."},
		},
		Action: func(c *cli.Context) error {
			logger := newLogger()
			kind, err := source.ParseKind(c.String("kind"))
			if err != nil {
				return err
			}
			s := syncer.NewSyncer(logger, nil, plan.NewStore(afero.NewOsFs()), source.NewLoader(afero.NewOsFs(), logger))
			report, err := s.Plan(syncer.PlanOptions{Sources: c.StringSlice("source"), Kind: kind, Out: c.String("out")})
			return finish(report, err)
		},
	}
}

func verifyCommand() *cli.Command {
	return &cli.Command{
		Name:  "verify",
		Usage: "Report which weekly plan entries already exist on the remote calendar.",
		Flags: append(commonFlags(), windowFlags()...),
		Action: func(c *cli.Context) error {
			logger := newLogger()
			from, to, err := window(c, false)
			if err != nil {
				return err
			}
			s, err := newSyncer(c, logger)
			if err != nil {
				return err
			}
			report, err := s.Verify(c.Context, syncer.VerifyOptions{
				PlanPath: c.String("plan"),
				Calendar: c.String("calendar"),
				From:     from,
				To:       to,
			})
			return finish(report, err)
		},
	}
}

func syncCommand() *cli.Command {
	flags := append(commonFlags(), windowFlags()...)
	flags = append(flags,
		&cli.StringFlag{Name: "match", Value: string(diff.ModeSubjectTime), Usage: "Match mode: subject-time or subject."},
		&cli.BoolFlag{Name: "apply", Usage: "Make the changes. Without it only a preview is printed."},
		&cli.BoolFlag{Name: "delete-missing", Usage: "Delete remote occurrences the plan does not contain."},
		&cli.BoolFlag{Name: "delete-unplanned-series", Usage: "Delete whole remote series that share nothing with the plan."},
	)
	return &cli.Command{
		Name:  "sync",
		Usage: "Create and delete remote events so the window matches the plan.",
		Flags: flags,
		Action: func(c *cli.Context) error {
			logger := newLogger()
			mode, err := diff.ParseMode(c.String("match"))
			if err != nil {
				return &apperr.ConfigError{Msg: "invalid --match", Err: err}
			}
			from, to, err := window(c, true)
			if err != nil {
				return err
			}
			s, err := newSyncer(c, logger)
			if err != nil {
				return err
			}
			if !c.Bool("apply") {
				logger.Info("Performing a dry run. No changes will be made.")
			}
			report, err := s.Sync(c.Context, syncer.SyncOptions{
				PlanPath:              c.String("plan"),
				Calendar:              c.String("calendar"),
				From:                  from,
				To:                    to,
				Mode:                  mode,
				Apply:                 c.Bool("apply"),
				DeleteMissing:         c.Bool("delete-missing"),
				DeleteUnplannedSeries: c.Bool("delete-unplanned-series"),
			})
			return finish(report, err)
		},
	}
}

func applyCommand() *cli.Command {
	return &cli.Command{
		Name:  "apply",
		Usage: "Create every plan entry on the remote calendar, stopping at the first failure.",
		Flags: append(commonFlags(),
			&cli.BoolFlag{Name: "apply", Usage: "Make the changes. Without it only a preview is printed."},
		),
		Action: func(c *cli.Context) error {
			logger := newLogger()
			s, err := newSyncer(c, logger)
			if err != nil {
				return err
			}
			report, err := s.Apply(c.Context, syncer.ApplyOptions{
				PlanPath: c.String("plan"),
				Calendar: c.String("calendar"),
				Apply:    c.Bool("apply"),
			})
			return finish(report, err)
		},
	}
}

func dedupCommand() *cli.Command {
	return &cli.Command{
		Name:  "dedup",
		Usage: "Find recurring series that duplicate each other and delete the extras.",
		Flags: append(windowFlags(),
			&cli.StringFlag{Name: "calendar", Usage: "Calendar name. Defaults to the primary calendar."},
			&cli.BoolFlag{Name: "apply", Usage: "Delete the duplicates. Without it only a report is printed."},
			&cli.BoolFlag{Name: "keep-newest", Usage: "Keep the most recently created series instead of the oldest."},
			&cli.BoolFlag{Name: "prefer-delete-nonstandard", Usage: "Delete series without a structured location when a group mixes both kinds."},
			&cli.BoolFlag{Name: "delete-standardized", Usage: "Delete series with a structured location when a group mixes both kinds."},
		),
		Action: func(c *cli.Context) error {
			logger := newLogger()
			from, to, err := window(c, true)
			if err != nil {
				return err
			}
			s, err := newSyncer(c, logger)
			if err != nil {
				return err
			}
			report, err := s.Dedup(c.Context, syncer.DedupOptions{
				Calendar: c.String("calendar"),
				From:     from,
				To:       to,
				Apply:    c.Bool("apply"),
				Policy: dedup.Policy{
					KeepNewest:              c.Bool("keep-newest"),
					PreferDeleteNonstandard: c.Bool("prefer-delete-nonstandard"),
					DeleteStandardized:      c.Bool("delete-standardized"),
				},
			})
			return finish(report, err)
		},
	}
}

func commonFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "plan", Value: "plan.yaml", Usage: "Plan document to read."},
		&cli.StringFlag{Name: "calendar", Usage: "Calendar name. Defaults to the primary calendar."},
	}
}

func windowFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "from", Usage: "First day of the window (YYYY-MM-DD)."},
		&cli.StringFlag{Name: "to", Usage: "Last day of the window (YYYY-MM-DD)."},
	}
}

// window reads --from and --to. With defaults set, a missing --from is today
// and a missing --to is four weeks after --from.
func window(c *cli.Context, defaults bool) (time.Time, time.Time, error) {
	var from, to time.Time
	var err error
	if v := c.String("from"); v != "" {
		if from, err = time.Parse(dateLayout, v); err != nil {
			return from, to, apperr.Configf("invalid --from %q, want YYYY-MM-DD", v)
		}
	}
	if v := c.String("to"); v != "" {
		if to, err = time.Parse(dateLayout, v); err != nil {
			return from, to, apperr.Configf("invalid --to %q, want YYYY-MM-DD", v)
		}
	}
	if !defaults {
		return from, to, nil
	}
	if from.IsZero() {
		loc, err := primaryLocation()
		if err != nil {
			return from, to, err
		}
		from, _ = time.Parse(dateLayout, time.Now().In(loc).Format(dateLayout))
	}
	if to.IsZero() {
		to = from.Add(defaultWindow - 24*time.Hour)
	}
	return from, to, nil
}

// newSyncer wires the configured remote calendar into a Syncer.
func newSyncer(c *cli.Context, logger *slog.Logger) (*syncer.Syncer, error) {
	loc, err := primaryLocation()
	if err != nil {
		return nil, err
	}

	ttl := cache.DefaultTTL
	if v := os.Getenv("CALENDAR_CACHE_TTL"); v != "" {
		if ttl, err = time.ParseDuration(v); err != nil {
			return nil, apperr.Configf("invalid CALENDAR_CACHE_TTL '%s'", v)
		}
	}
	names := cache.NewNames(ttl)

	var cal remote.Calendar
	switch provider := strings.ToLower(c.String("provider")); provider {
	case "google":
		account := c.String("account")
		if account == "" {
			accounts, err := google.GetTokenAccounts()
			if err != nil {
				return nil, fmt.Errorf("could not find any google accounts, did you run auth command? %w", err)
			}
			if len(accounts) == 0 {
				return nil, apperr.Configf("no google accounts found. Run the 'auth' command first")
			}
			account = accounts[0]
		}
		gClient, err := google.NewClient(c.Context, logger, os.Getenv("GOOGLE_CLIENT_ID"), os.Getenv("GOOGLE_CLIENT_SECRET"), account, loc, names)
		if err != nil {
			return nil, fmt.Errorf("failed to create google client for account %s: %w", account, err)
		}
		logger.Info("Initialized Google client.", "account", account)
		cal = gClient
	case "caldav", "icloud":
		iClient, err := icloud.NewClient(logger,
			os.Getenv("CALDAV_ENDPOINT"),
			os.Getenv("ICLOUD_USERNAME"),
			os.Getenv("ICLOUD_APP_SPECIFIC_PASSWORD"),
			os.Getenv("ICLOUD_CALENDAR_NAME"),
			loc, names)
		if err != nil {
			return nil, fmt.Errorf("failed to create caldav client: %w", err)
		}
		cal = iClient
	default:
		return nil, apperr.Configf("unknown provider '%s' (want google or caldav)", provider)
	}

	fsys := afero.NewOsFs()
	return syncer.NewSyncer(logger, cal, plan.NewStore(fsys), source.NewLoader(fsys, logger)), nil
}

func primaryLocation() (*time.Location, error) {
	tzStr := os.Getenv("PRIMARY_TIMEZONE")
	if tzStr == "" {
		tzStr = "UTC"
	}
	loc, err := time.LoadLocation(tzStr)
	if err != nil {
		return nil, &apperr.ConfigError{Msg: fmt.Sprintf("invalid timezone '%s'", tzStr), Err: err}
	}
	return loc, nil
}

// finish prints whatever the run reported, even when it failed part way.
func finish(report *syncer.Report, err error) error {
	if report != nil && len(report.Lines) > 0 {
		fmt.Println(report.String())
	}
	return err
}

func newLogger() *slog.Logger {
	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}
	return setupLogger(logLevel, os.Getenv("LOG_FILE"))
}

func setupLogger(level, file string) *slog.Logger {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	var out io.Writer = os.Stderr
	if file != "" {
		out = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   file,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
		})
	}
	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: logLevel}))
}
