package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli"

	"tiace/internal/api/middleware"
	"tiace/internal/app"
	"tiace/internal/config"
	"tiace/internal/domain/models"
	"tiace/internal/domain/services"
	"tiace/internal/sources/presets"
	"tiace/pkg/logger"
)

const (
	exitOK               = 0
	exitPartial          = 1
	exitFailure          = 2
	exitPermissionDenied = 3
)

var (
	configFlag = cli.StringFlag{
		Name:   "config, c",
		Usage:  "load configuration from `FILE`",
		EnvVar: "TIACE_CONFIG",
	}
	tenantFlag = cli.StringFlag{
		Name:   "tenant, t",
		Usage:  "operate on `TENANT`",
		EnvVar: "TIACE_TENANT",
	}
	keyFlag = cli.StringFlag{
		Name:   "key",
		Usage:  "resolve permissions from the configured api key `KEY` instead of operator access",
		EnvVar: "TIACE_API_KEY",
	}
	backendFlag = cli.StringFlag{
		Name:  "backend",
		Usage: "storage backend: memory or postgres",
	}
	logLevelFlag = cli.StringFlag{
		Name:  "log-level",
		Usage: "debug, info, warn or error",
	}
	jsonFlag = cli.BoolFlag{
		Name:  "json",
		Usage: "print JSON instead of a table",
	}
	limitFlag = cli.IntFlag{
		Name:  "limit, n",
		Usage: "return at most `N` results",
		Value: 50,
	}
	kindFlag = cli.StringFlag{
		Name:  "kind",
		Usage: "comma separated indicator kinds",
	}
	severityFlag = cli.StringFlag{
		Name:  "severity",
		Usage: "comma separated severities",
	}
	sinceFlag = cli.StringFlag{
		Name:  "since",
		Usage: "only indicators seen after `TIME` (RFC3339, date, 7d or 12h)",
	}
	untilFlag = cli.StringFlag{
		Name:  "until",
		Usage: "only indicators seen before `TIME`",
	}
)

func globalFlags() []cli.Flag {
	return []cli.Flag{configFlag, tenantFlag, keyFlag, backendFlag, logLevelFlag}
}

func commands() []cli.Command {
	return []cli.Command{
		{
			Name:      "sync",
			Usage:     "run one feed now",
			ArgsUsage: "<feed_id>",
			Action:    withEngine(runSync),
		},
		{
			Name:   "sync-all",
			Usage:  "run every enabled feed of the tenant",
			Action: withEngine(runSyncAll),
		},
		{
			Name:      "search",
			Usage:     "search indicators",
			ArgsUsage: "<query>",
			Flags:     []cli.Flag{kindFlag, severityFlag, sinceFlag, untilFlag, limitFlag, jsonFlag},
			Action:    withEngine(runSearch),
		},
		{
			Name:      "hunt",
			Usage:     "search and follow relationships",
			ArgsUsage: "<query>",
			Flags: []cli.Flag{
				kindFlag, limitFlag, jsonFlag,
				cli.IntFlag{Name: "depth, d", Usage: "traverse up to `N` hops", Value: 2},
			},
			Action: withEngine(runHunt),
		},
		{
			Name:      "export",
			Usage:     "render indicators as stix, misp, json, csv or yara",
			ArgsUsage: "<format>",
			Flags: []cli.Flag{
				kindFlag, severityFlag, sinceFlag, untilFlag,
				cli.StringFlag{Name: "out, o", Usage: "write to `FILE` instead of stdout"},
				cli.BoolFlag{Name: "s3", Usage: "upload to the configured bucket"},
			},
			Action: withEngine(runExport),
		},
		{
			Name:  "feeds",
			Usage: "inspect and manage feeds",
			Subcommands: []cli.Command{
				{
					Name:   "list",
					Usage:  "list configured feeds and their state",
					Flags:  []cli.Flag{jsonFlag},
					Action: withEngine(runFeedsList),
				},
				{
					Name:      "reenable",
					Usage:     "release a quarantined feed",
					ArgsUsage: "<feed_id>",
					Action:    withEngine(runFeedsReenable),
				},
				{
					Name:   "presets",
					Usage:  "list the built-in feed presets",
					Action: runPresets,
				},
				{
					Name:      "preset",
					Usage:     "print a catalog entry for a preset, ready for the feeds file",
					ArgsUsage: "<name>...",
					Action:    runPreset,
				},
			},
		},
		{
			Name:   "serve",
			Usage:  "run the scheduler and the http, grpc and admin listeners",
			Action: runServe,
		},
	}
}

// session is what one command invocation works with
type session struct {
	engine *app.Engine
	tenant models.TenantContext
	out    io.Writer
	log    *logger.Logger
}

type action func(ctx context.Context, c *cli.Context, s *session) error

// withEngine loads configuration, resolves the tenant and builds an engine
// before running fn. Errors are mapped onto exit codes.
func withEngine(fn action) func(*cli.Context) error {
	return func(c *cli.Context) error {
		cfg, log, err := setup(c, "console")
		if err != nil {
			return fail(err)
		}
		t, err := resolveTenant(c, cfg)
		if err != nil {
			return fail(err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		e, err := app.New(ctx, cfg, app.Options{Backend: c.GlobalString("backend")}, log)
		if err != nil {
			return fail(err)
		}
		defer e.Close()

		return fail(fn(models.WithTenant(ctx, t), c, &session{engine: e, tenant: t, out: os.Stdout, log: log}))
	}
}

func setup(c *cli.Context, format string) (*config.Config, *logger.Logger, error) {
	cfg, err := config.Load(c.GlobalString("config"))
	if err != nil {
		return nil, nil, models.NewError(models.KindValidation, "config", err)
	}
	level := cfg.Logger.Level
	if l := c.GlobalString("log-level"); l != "" {
		level = l
	}
	log := logger.New(logger.Config{Level: level, Format: format, TimeFormat: cfg.Logger.TimeFormat})
	logger.SetGlobal(log)
	return cfg, log, nil
}

// resolveTenant returns operator access to --tenant, or the grants of --key
func resolveTenant(c *cli.Context, cfg *config.Config) (models.TenantContext, error) {
	tenant := c.GlobalString("tenant")
	if tenant == "" {
		return models.TenantContext{}, models.Errorf(models.KindValidation, "cli", "--tenant or TIACE_TENANT is required")
	}
	if key := c.GlobalString("key"); key != "" {
		return keyTenant(cfg.APIKeys, key, tenant)
	}
	return models.NewTenantContext(tenant, "cli", models.AllPermissions...), nil
}

func keyTenant(keys []config.APIKeyConfig, key, tenant string) (models.TenantContext, error) {
	tc, err := middleware.NewKeyRing(keys).Resolve(key, tenant)
	if models.KindOf(err) == models.KindAuthFailed {
		// the caller was refused, unlike a feed rejecting our credentials
		return tc, models.NewError(models.KindPermissionDenied, "cli", err)
	}
	return tc, err
}

// exitCode maps an error onto the process exit code
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	if p, ok := err.(partialError); ok && p.partial {
		return exitPartial
	}
	switch models.KindOf(err) {
	case models.KindPermissionDenied:
		return exitPermissionDenied
	}
	return exitFailure
}

func fail(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*cli.ExitError); ok {
		return err
	}
	return cli.NewExitError("tiace: "+err.Error(), exitCode(err))
}

// partialError reports that some of the work did not complete
type partialError struct {
	partial bool
	msg     string
}

func (e partialError) Error() string { return e.msg }

// jobsOutcome summarizes finished jobs: nil when all succeeded cleanly, a
// partial error when some records or feeds were lost, a failure when no
// feed succeeded
func jobsOutcome(jobs []*models.SyncJob) error {
	var failed, partial []string
	for _, j := range jobs {
		switch {
		case j.Status != models.JobSucceeded:
			failed = append(failed, j.FeedID)
		case j.Partial():
			partial = append(partial, j.FeedID)
		}
	}
	switch {
	case len(failed) == 0 && len(partial) == 0:
		return nil
	case len(failed) == len(jobs):
		return partialError{msg: "sync failed: " + strings.Join(failed, ", ")}
	}
	msg := "sync incomplete"
	if len(failed) > 0 {
		msg += "; failed: " + strings.Join(failed, ", ")
	}
	if len(partial) > 0 {
		msg += "; partial: " + strings.Join(partial, ", ")
	}
	return partialError{partial: true, msg: msg}
}

func requireArg(c *cli.Context, name string) (string, error) {
	v := strings.TrimSpace(strings.Join(c.Args(), " "))
	if v == "" {
		return "", models.Errorf(models.KindValidation, c.Command.Name, "missing <%s>", name)
	}
	return v, nil
}

func runSync(ctx context.Context, c *cli.Context, s *session) error {
	feedID, err := requireArg(c, "feed_id")
	if err != nil {
		return err
	}
	job, err := s.engine.Scheduler.SyncNow(ctx, s.tenant, feedID)
	if err != nil {
		return err
	}
	writeJobs(s.out, []*models.SyncJob{job})
	return jobsOutcome([]*models.SyncJob{job})
}

func runSyncAll(ctx context.Context, c *cli.Context, s *session) error {
	jobs, err := s.engine.Scheduler.SyncAll(ctx, s.tenant)
	if err != nil {
		return err
	}
	writeJobs(s.out, jobs)
	return jobsOutcome(jobs)
}

func searchQuery(c *cli.Context) (services.SearchQuery, error) {
	q := services.SearchQuery{
		Text:  strings.TrimSpace(strings.Join(c.Args(), " ")),
		Limit: c.Int("limit"),
	}
	var err error
	if q.Kinds, err = services.ParseKinds([]string{c.String("kind")}); err != nil {
		return q, err
	}
	if q.Severities, err = services.ParseSeverities([]string{c.String("severity")}); err != nil {
		return q, err
	}
	now := time.Now().UTC()
	if q.Since, err = services.ParseTimeBound(c.String("since"), now); err != nil {
		return q, err
	}
	if q.Until, err = services.ParseTimeBound(c.String("until"), now); err != nil {
		return q, err
	}
	return q, nil
}

func runSearch(ctx context.Context, c *cli.Context, s *session) error {
	q, err := searchQuery(c)
	if err != nil {
		return err
	}
	res, err := s.engine.Query.Search(ctx, s.tenant, q)
	if err != nil {
		return err
	}
	if c.Bool("json") {
		return writeJSON(s.out, res)
	}
	writeIndicators(s.out, res.Indicators)
	fmt.Fprintf(s.out, "%d of %d indicators\n", len(res.Indicators), res.Total)
	return nil
}

func runHunt(ctx context.Context, c *cli.Context, s *session) error {
	q, err := searchQuery(c)
	if err != nil {
		return err
	}
	if q.Text == "" {
		return models.Errorf(models.KindValidation, "hunt", "missing <query>")
	}
	res, err := s.engine.Query.Hunt(ctx, s.tenant, services.HuntQuery{SearchQuery: q, MaxDepth: c.Int("depth")})
	if err != nil {
		return err
	}
	if c.Bool("json") {
		return writeJSON(s.out, res)
	}
	writeHunt(s.out, res)
	return nil
}

func runExport(ctx context.Context, c *cli.Context, s *session) error {
	format, err := requireArg(c, "format")
	if err != nil {
		return err
	}
	q, err := searchQuery(c)
	if err != nil {
		return err
	}
	q.Text = ""
	q.Limit = 0

	if c.Bool("s3") {
		res, err := s.engine.Exports.Publish(ctx, s.tenant, format, q)
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "exported %d indicators to %s\n", res.Indicators, res.URI)
		return nil
	}

	out := s.out
	if path := c.String("out"); path != "" {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}
	res, err := s.engine.Exports.Render(ctx, s.tenant, format, q, out)
	if err != nil {
		return err
	}
	s.log.Info().Str("format", res.Format).Int("indicators", res.Indicators).Msg("export written")
	return nil
}

func runFeedsList(ctx context.Context, c *cli.Context, s *session) error {
	feeds, err := s.engine.Scheduler.Feeds(s.tenant)
	if err != nil {
		return err
	}
	states := make([]models.FeedState, len(feeds))
	for i, f := range feeds {
		if states[i], err = s.engine.Scheduler.State(s.tenant, f.ID); err != nil {
			return err
		}
	}
	if c.Bool("json") {
		return writeJSON(s.out, map[string]any{"feeds": feeds, "states": states})
	}
	writeFeeds(s.out, feeds, states)
	return nil
}

func runFeedsReenable(ctx context.Context, c *cli.Context, s *session) error {
	feedID, err := requireArg(c, "feed_id")
	if err != nil {
		return err
	}
	if err := s.engine.Scheduler.Reenable(s.tenant, feedID); err != nil {
		return err
	}
	fmt.Fprintf(s.out, "feed %s re-enabled\n", feedID)
	return nil
}

func runServe(c *cli.Context) error {
	cfg, log, err := setup(c, "json")
	if err != nil {
		return fail(err)
	}
	log.Info().
		Str("app", cfg.App.Name).
		Str("env", cfg.App.Environment).
		Str("version", cfg.App.Version).
		Msg("starting tiace")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	e, err := app.New(ctx, cfg, app.Options{Backend: c.GlobalString("backend")}, log)
	if err != nil {
		return fail(err)
	}
	defer e.Close()

	if err := e.Serve(ctx); err != nil {
		return fail(err)
	}
	log.Info().Msg("shutdown complete")
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runPresets(c *cli.Context) error {
	writePresets(os.Stdout, presets.List())
	return nil
}

func runPreset(c *cli.Context) error {
	tenant := c.GlobalString("tenant")
	if tenant == "" {
		return fail(models.Errorf(models.KindValidation, "cli", "--tenant or TIACE_TENANT is required"))
	}
	if len(c.Args()) == 0 {
		return fail(models.Errorf(models.KindValidation, "preset", "missing <name>"))
	}
	feeds := make([]*models.FeedConfiguration, 0, len(c.Args()))
	for _, name := range c.Args() {
		p, ok := presets.Get(name)
		if !ok {
			return fail(models.Errorf(models.KindNotFound, "preset", "unknown preset %q", name))
		}
		feeds = append(feeds, p.Instantiate(tenant, ""))
	}
	doc, err := presets.Catalog(feeds...)
	if err != nil {
		return fail(err)
	}
	_, err = os.Stdout.Write(doc)
	return fail(err)
}
