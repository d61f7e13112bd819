package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/bytedance/sonic"

	"summeval-sync/internal/config"
	"summeval-sync/internal/logging"
	"summeval-sync/internal/services/evaluation"
	"summeval-sync/internal/services/profile"
	"summeval-sync/internal/services/scheduler"
	"summeval-sync/internal/services/tracker"
	"summeval-sync/internal/services/upload"
)

type command struct {
	summary string
	run     func(ctx context.Context, app *App, args []string, out io.Writer) error
}

var commands = map[string]command{
	"upload":      {"split a CSV file into chunks and upload it as a new project", runUpload},
	"track":       {"follow the task cached under a key until it finishes", runTrack},
	"evaluate":    {"enqueue a metric for an experiment and track it", runEvaluate},
	"watch":       {"manage cron watches over cache keys (add, list, delete, run, serve)", runWatch},
	"profile-add": {"save a server profile with encrypted credentials", runProfileAdd},
	"profile-rm":  {"delete a server profile", runProfileRemove},
	"profiles":    {"list server profiles", runProfiles},
	"sessions":    {"show recent uploads and tracked tasks", runSessions},
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	global := flag.NewFlagSet("summeval-sync", flag.ContinueOnError)
	global.SetOutput(stderr)
	configPath := global.String("config", "", "path to the YAML config file (default "+config.DefaultPath+")")
	logLevel := global.String("log-level", "", "debug, info, warn or error (overrides config)")
	global.Usage = func() { usage(global, stderr) }

	if err := global.Parse(args); err != nil {
		return 2
	}
	rest := global.Args()
	if len(rest) == 0 {
		global.Usage()
		return 2
	}
	cmd, ok := commands[rest[0]]
	if !ok {
		fmt.Fprintf(stderr, "unknown command %q\n\n", rest[0])
		global.Usage()
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	logging.Init(cfg.Log.Level)
	logging.DefaultLogger.SetOutput(stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := NewApp(cfg)
	if err := app.startup(ctx); err != nil {
		logging.DefaultLogger.Error("Startup failed", "err", err)
		return 1
	}
	defer app.shutdown()

	if err := cmd.run(ctx, app, rest[1:], stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 2
		}
		logging.DefaultLogger.Error(rest[0]+" failed", "err", err)
		return 1
	}
	return 0
}

func usage(fs *flag.FlagSet, w io.Writer) {
	fmt.Fprintf(w, "Usage: summeval-sync [flags] <command> [command flags]\n\nCommands:\n")
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %-12s %s\n", name, commands[name].summary)
	}
	fmt.Fprintf(w, "\nFlags:\n")
	fs.PrintDefaults()
}

func newFlagSet(name string, out io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(out)
	return fs
}

func runUpload(ctx context.Context, app *App, args []string, out io.Writer) error {
	fs := newFlagSet("upload", out)
	file := fs.String("file", "", "CSV file to upload (required)")
	name := fs.String("name", "", "project name (required)")
	description := fs.String("description", "", "project description")
	tags := fs.String("tags", "", "comma separated project tags")
	fullTextCol := fs.String("full-text-column", "", "column holding the full texts (required)")
	summaryCol := fs.String("summary-column", "", "column holding the reference summaries (required)")
	profileID := fs.String("profile", "", "server profile id or name (default: configured server)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *file == "" {
		return errors.New("-file is required")
	}

	f, err := os.Open(*file)
	if err != nil {
		return err
	}
	defer f.Close()

	meta := upload.Metadata{
		Name:                   *name,
		Description:            *description,
		Tags:                   splitTags(*tags),
		FullTextColumn:         *fullTextCol,
		ReferenceSummaryColumn: *summaryCol,
	}
	pipeline, err := app.NewUpload(UploadRequest{
		ProfileID: *profileID,
		OnProgress: func(p upload.Progress) {
			fmt.Fprintf(out, "\r%3.0f%%  %d/%d chunks  %s remaining", p.Percent, p.Uploaded, p.Total, formatRemaining(p.Remaining))
		},
	})
	if err != nil {
		return err
	}

	// An interrupt cancels the session, which also deletes the project.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			pipeline.Cancel()
		case <-done:
		}
	}()

	result, err := pipeline.Run(context.WithoutCancel(ctx), f, meta)
	fmt.Fprintln(out)
	if err != nil {
		if msg := upload.UserMessage(err); msg != "" {
			fmt.Fprintln(out, msg)
		}
		return err
	}

	fmt.Fprintf(out, "Project %d created: %d rows in %d chunks (%s)\n",
		result.ProjectPK, result.Rows, result.Chunks, result.Duration.Round(time.Millisecond))
	return nil
}

func runTrack(ctx context.Context, app *App, args []string, out io.Writer) error {
	fs := newFlagSet("track", out)
	key := fs.String("key", "", "cache key of the task, e.g. an experiment id (required)")
	profileID := fs.String("profile", "", "server profile id or name")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *key == "" {
		return errors.New("-key is required")
	}

	t, tracking, err := app.Track(ctx, *profileID, *key)
	if err != nil {
		return err
	}
	if !tracking {
		fmt.Fprintf(out, "No running task for key %q\n", *key)
		return nil
	}
	return waitAndReport(ctx, t, out)
}

func runEvaluate(ctx context.Context, app *App, args []string, out io.Writer) error {
	fs := newFlagSet("evaluate", out)
	experiment := fs.Int("experiment", 0, "experiment id (required)")
	metric := fs.String("metric", "", "one of "+strings.Join(evaluation.Metrics, ", "))
	apiKey := fs.String("api-key", "", "LLM api key for "+evaluation.MetricLLMEvaluation+" (default: the profile's key)")
	profileID := fs.String("profile", "", "server profile id or name")
	detach := fs.Bool("detach", false, "return once the metric is enqueued")
	if err := fs.Parse(args); err != nil {
		return err
	}

	resp, t, err := app.Evaluate(ctx, *profileID, evaluation.Request{
		ExperimentID: *experiment,
		Metric:       *metric,
		APIKey:       *apiKey,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Enqueued %s for experiment %d (task %s)\n", *metric, *experiment, resp.TaskID)

	if *detach || t == nil || !t.IsPolling() {
		return nil
	}
	return waitAndReport(ctx, t, out)
}

func waitAndReport(ctx context.Context, t *tracker.Tracker, out io.Writer) error {
	snap, err := t.Wait(ctx)
	if err != nil {
		t.Stop()
		return err
	}

	switch snap.State {
	case tracker.StateDone:
		fmt.Fprintf(out, "Task %s finished: %s\n", snap.TaskID, snap.Status)
		if snap.Result != nil {
			if data, err := sonic.ConfigStd.MarshalIndent(snap.Result, "", "  "); err == nil {
				fmt.Fprintln(out, string(data))
			}
		}
		if snap.Status == "FAILURE" {
			return fmt.Errorf("task %s failed", snap.TaskID)
		}
		return nil
	case tracker.StateFailed:
		return snap.Err
	default:
		fmt.Fprintf(out, "Tracking stopped (%s)\n", snap.State)
		return nil
	}
}

func runWatch(ctx context.Context, app *App, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errors.New("watch needs a subcommand: add, list, delete, run or serve")
	}

	switch sub, args := args[0], args[1:]; sub {
	case "add":
		fs := newFlagSet("watch add", out)
		name := fs.String("name", "", "watch name (required, unique)")
		key := fs.String("key", "", "cache key to re-check (required)")
		cronExpr := fs.String("cron", "", "5 or 6 field cron expression (required)")
		tz := fs.String("tz", "UTC", "IANA timezone of the cron expression")
		profileID := fs.String("profile", "", "server profile id or name")
		disabled := fs.Bool("disabled", false, "store the watch without scheduling it")
		if err := fs.Parse(args); err != nil {
			return err
		}
		id, err := app.UpsertWatch(scheduler.UpsertWatchRequest{
			Name:      *name,
			CacheKey:  *key,
			ProfileID: *profileID,
			Cron:      *cronExpr,
			Timezone:  *tz,
			Enabled:   !*disabled,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Watch %s saved\n", id)
		return nil

	case "list":
		watches, err := app.ListWatches()
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tKEY\tCRON\tTZ\tENABLED\tNEXT RUN")
		for _, w := range watches {
			next := "-"
			if w.NextRun != nil {
				next = *w.NextRun
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%t\t%s\n", w.ID, w.Name, w.CacheKey, w.Cron, w.Timezone, w.Enabled, next)
		}
		return tw.Flush()

	case "delete":
		if len(args) != 1 {
			return errors.New("usage: watch delete <id>")
		}
		return app.DeleteWatch(args[0])

	case "run":
		if len(args) != 1 {
			return errors.New("usage: watch run <id>")
		}
		return app.RunWatch(args[0])

	case "serve":
		fmt.Fprintln(out, "Scheduler running, press Ctrl+C to stop")
		return app.ServeWatches(ctx)

	default:
		return fmt.Errorf("unknown watch subcommand %q", sub)
	}
}

func runProfileAdd(_ context.Context, app *App, args []string, out io.Writer) error {
	fs := newFlagSet("profile-add", out)
	name := fs.String("name", "", "profile name (required)")
	owner := fs.String("owner", "", "profile owner")
	baseURL := fs.String("url", "", "SummEval server URL (required)")
	token := fs.String("token", "", "bearer token (kept when empty on update)")
	apiKey := fs.String("api-key", "", "LLM api key (kept when empty on update)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	p, err := app.SaveProfile(profile.SaveRequest{
		Name:    *name,
		Owner:   *owner,
		BaseURL: *baseURL,
		Token:   *token,
		APIKey:  *apiKey,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Profile %s (%s) saved\n", p.Name, p.ID)
	return nil
}

func runProfileRemove(_ context.Context, app *App, args []string, _ io.Writer) error {
	if len(args) != 1 {
		return errors.New("usage: profile-rm <id or name>")
	}
	return app.DeleteProfile(args[0])
}

func runProfiles(_ context.Context, app *App, args []string, out io.Writer) error {
	fs := newFlagSet("profiles", out)
	asJSON := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	profiles, err := app.ListProfiles()
	if err != nil {
		return err
	}
	if *asJSON {
		return printJSON(out, profiles)
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tURL\tOWNER\tTOKEN")
	for _, p := range profiles {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\n", p.ID, p.Name, p.BaseURL, p.Owner, p.TokenEnc != "")
	}
	return tw.Flush()
}

func runSessions(_ context.Context, app *App, args []string, out io.Writer) error {
	fs := newFlagSet("sessions", out)
	limit := fs.Int("limit", 10, "number of entries")
	asJSON := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	jobs, err := app.ListJobs(*limit)
	if err != nil {
		return err
	}
	if *asJSON {
		return printJSON(out, jobs)
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tTYPE\tREF\tSTATUS\tSUMMARY")
	for _, j := range jobs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", j.StartedAt, j.JobType, j.Reference, j.Status, j.Summary)
	}
	return tw.Flush()
}

func printJSON(out io.Writer, v interface{}) error {
	data, err := sonic.ConfigStd.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(data))
	return err
}

func splitTags(s string) []string {
	var tags []string
	for _, tag := range strings.Split(s, ",") {
		if tag = strings.TrimSpace(tag); tag != "" {
			tags = append(tags, tag)
		}
	}
	return tags
}

func formatRemaining(d time.Duration) string {
	if d <= 0 {
		return "--"
	}
	return strconv.Itoa(int(d.Round(time.Second).Seconds())) + "s"
}
