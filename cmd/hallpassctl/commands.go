package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"hallpass/internal/auth"
	"hallpass/internal/retention"
	"hallpass/internal/roster"
	"hallpass/internal/stats"
	"hallpass/internal/store"
	"hallpass/pkg/types"
)

func newFlags(env *environment, name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(env.stderr)
	return fs
}

func today(env *environment) string {
	return types.FormatDate(time.Now().In(env.config.Client.Location()))
}

func runToken(_ context.Context, env *environment, args []string) error {
	fs := newFlags(env, "token")
	identity := fs.String("identity", env.config.Client.Identity, "identity the token is issued to")
	ttl := fs.Duration("ttl", env.config.Auth.TokenTTL, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if env.config.Auth.Secret == "" {
		return errors.New("HALLPASS_AUTH_SECRET is required to mint tokens")
	}
	if !types.IsValidIdentity(*identity) {
		return fmt.Errorf("invalid identity %q", *identity)
	}
	token, err := auth.NewAccessToken(env.config.Auth.Secret, env.config.Auth.Issuer, *ttl, *identity)
	if err != nil {
		return err
	}
	fmt.Fprintln(env.stdout, token)
	return nil
}

func runImport(ctx context.Context, env *environment, args []string) error {
	fs := newFlags(env, "import")
	file := fs.String("file", "", "roster spreadsheet (.xlsx)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *file == "" {
		return errors.New("-file is required")
	}

	rows, err := roster.ReadFile(*file)
	if err != nil {
		return err
	}
	s, err := env.openSession(ctx, false, nil)
	if err != nil {
		return err
	}
	report, err := s.ImportRoster(ctx, rows)
	if err != nil {
		return err
	}

	fmt.Fprintf(env.stdout, "imported %d students into %d classes\n", report.StudentCount, report.ClassCount)
	if len(report.Skipped) > 0 {
		fmt.Fprintf(env.stdout, "skipped %d rows:\n", len(report.Skipped))
		for _, skipped := range report.Skipped {
			fmt.Fprintf(env.stdout, "  row %d (%s, %s): %s\n",
				skipped.Row, skipped.Input.DisplayName, skipped.Input.ClassID, skipped.Reason)
		}
	}
	return nil
}

func runExport(ctx context.Context, env *environment, args []string) error {
	fs := newFlags(env, "export")
	file := fs.String("file", "", "destination spreadsheet (.xlsx)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *file == "" {
		return errors.New("-file is required")
	}

	s, err := env.openSession(ctx, true, nil)
	if err != nil {
		return err
	}
	var rows []types.RosterRow
	for _, classID := range s.Cache().Classes() {
		students := s.Cache().StudentsByClass(classID)
		names := make([]string, 0, len(students))
		for _, student := range students {
			names = append(names, student.DisplayName)
		}
		sort.Strings(names)
		for _, name := range names {
			rows = append(rows, types.RosterRow{DisplayName: name, ClassID: classID})
		}
	}

	f, err := os.Create(*file)
	if err != nil {
		return err
	}
	if err := roster.Write(f, rows); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	fmt.Fprintf(env.stdout, "exported %d students to %s\n", len(rows), *file)
	return nil
}

func runToggle(ctx context.Context, env *environment, args []string) error {
	fs := newFlags(env, "toggle")
	classID := fs.String("class", "", "class id")
	studentID := fs.String("student", "", "student id")
	date := fs.String("date", today(env), "date (YYYY-MM-DD)")
	hour := fs.Int("hour", 0, "teaching hour (1-6)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	s, err := env.openSession(ctx, true, nil)
	if err != nil {
		return err
	}
	added, err := s.ToggleDeparture(ctx, *classID, *studentID, *date, *hour)
	if err != nil {
		return err
	}
	action := "removed"
	if added {
		action = "added"
	}
	fmt.Fprintf(env.stdout, "%s departure for %s/%s on %s hour %d\n", action, *classID, *studentID, *date, *hour)
	return nil
}

func runStats(ctx context.Context, env *environment, args []string) error {
	end := today(env)
	fs := newFlags(env, "stats")
	from := fs.String("from", end[:8]+"01", "first date (YYYY-MM-DD)")
	to := fs.String("to", end, "last date (YYYY-MM-DD)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	s, err := env.openSession(ctx, true, nil)
	if err != nil {
		return err
	}
	report, err := s.Stats().UserActivityStats(*from, *to)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(env.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "IDENTITY\tEMAIL\tTOTAL\tDAYS")
	for _, stat := range report {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\n", stat.ActorIdentity, stat.Email, stat.Total, len(stat.ByDate))
	}
	return w.Flush()
}

func runAverage(ctx context.Context, env *environment, args []string) error {
	fs := newFlags(env, "average")
	classID := fs.String("class", "", "class id")
	studentID := fs.String("student", "", "student id")
	window := fs.Int("window", stats.DefaultWindow, "instructional days averaged")
	days := fs.Int("days", 10, "days of history to print")
	if err := fs.Parse(args); err != nil {
		return err
	}

	s, err := env.openSession(ctx, true, nil)
	if err != nil {
		return err
	}
	if !s.Cache().HasStudent(*classID, *studentID) {
		return fmt.Errorf("%w: %s/%s", types.ErrUnknownStudent, *classID, *studentID)
	}

	engine := s.Stats()
	fmt.Fprintf(env.stdout, "average over the last %d instructional days: %.2f\n",
		*window, engine.RollingAverage(*classID, *studentID, *window))

	w := tabwriter.NewWriter(env.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "DATE\tDEPARTURES")
	for _, point := range engine.DailySeries(*classID, *studentID, *days) {
		fmt.Fprintf(w, "%s\t%d\n", point.Date, point.Count)
	}
	return w.Flush()
}

func runAdmins(ctx context.Context, env *environment, args []string) error {
	if len(args) == 0 {
		args = []string{"list"}
	}
	s, err := env.openSession(ctx, false, nil)
	if err != nil {
		return err
	}

	switch args[0] {
	case "list":
		for _, email := range s.Roles().Designated() {
			fmt.Fprintln(env.stdout, email)
		}
		return nil
	case "designate", "revoke":
		if len(args) != 2 {
			return fmt.Errorf("usage: hallpassctl admins %s <email>", args[0])
		}
		if args[0] == "designate" {
			err = s.Designate(ctx, args[1])
		} else {
			err = s.Revoke(ctx, args[1])
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(env.stdout, "%s: %s\n", args[0], args[1])
		return nil
	default:
		return fmt.Errorf("unknown admins action %q (list, designate, revoke)", args[0])
	}
}

func runWipe(ctx context.Context, env *environment, args []string) error {
	fs := newFlags(env, "wipe")
	yes := fs.Bool("yes", false, "confirm deleting every class, student and record")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if !*yes {
		return errors.New("refusing to wipe without -yes")
	}

	s, err := env.openSession(ctx, false, nil)
	if err != nil {
		return err
	}
	if err := s.WipeAll(ctx); err != nil {
		return err
	}
	fmt.Fprintln(env.stdout, "all classes, students and records deleted")
	return nil
}

func runCleanup(ctx context.Context, env *environment, args []string) error {
	fs := newFlags(env, "cleanup")
	keep := fs.Int("keep", env.config.Retention.KeepDays, "instructional days to keep")
	dbPath := fs.String("db", "", "run directly against a local database file instead of the server")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var job *retention.Job
	if *dbPath != "" {
		cfg := env.config.DatabaseConfig()
		cfg.DatabasePath = *dbPath
		manager, err := store.NewManager(cfg, env.logger.Named("store"))
		if err != nil {
			return err
		}
		defer func() { _ = manager.Close() }()
		job = retention.NewJob(manager, *keep, env.logger.Named("retention"))
		ctx = store.WithIdentity(ctx, "hallpassctl")
	} else {
		client, err := env.dial(ctx)
		if err != nil {
			return err
		}
		job = retention.NewJob(client, *keep, env.logger.Named("retention"))
	}

	result, err := job.RunOnce(ctx)
	if err != nil {
		return err
	}
	if result.Deleted == 0 {
		fmt.Fprintf(env.stdout, "nothing to delete, %d instructional days on record\n", result.Days)
		return nil
	}
	fmt.Fprintf(env.stdout, "deleted %d dated records before %s\n", result.Deleted, result.Cutoff)
	if result.LogRowsPruned > 0 {
		fmt.Fprintf(env.stdout, "pruned %d write log rows\n", result.LogRowsPruned)
	}
	return nil
}

func runWatch(ctx context.Context, env *environment, args []string) error {
	fs := newFlags(env, "watch")
	if err := fs.Parse(args); err != nil {
		return err
	}

	printf := func(format string, a ...any) {
		fmt.Fprintf(env.stdout, "%s "+format+"\n", append([]any{time.Now().Format("15:04:05")}, a...)...)
	}
	s, err := env.openSession(ctx, false, func(path string) { printf("changed %s", path) })
	if err != nil {
		return err
	}
	cancel := s.OnConnectivity(func(connected bool) {
		if connected {
			printf("reconnected")
		} else {
			printf("connection lost, waiting to reconnect")
		}
	})
	defer cancel()

	printf("watching %d classes, ctrl-c to stop", len(s.Cache().Classes()))
	<-ctx.Done()
	return nil
}
