package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
)

// command is one hallpassctl subcommand
type command struct {
	summary string
	run     func(ctx context.Context, env *environment, args []string) error
}

var commands = map[string]command{
	"token":   {"mint an access token for an identity", runToken},
	"import":  {"import a roster spreadsheet (admin)", runImport},
	"export":  {"write the current roster to a spreadsheet", runExport},
	"toggle":  {"mark or unmark a departure", runToggle},
	"stats":   {"departures logged per user over a date range", runStats},
	"average": {"rolling average and daily series for a student", runAverage},
	"admins":  {"list, designate or revoke admins", runAdmins},
	"wipe":    {"delete every class, student and record (admin)", runWipe},
	"cleanup": {"delete records older than the retention window", runCleanup},
	"watch":   {"print changes as they arrive", runWatch},
}

var errUsage = errors.New("usage")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if !errors.Is(err, errUsage) {
			fmt.Fprintln(os.Stderr, "hallpassctl:", err)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "-h" {
		usage(stderr)
		return errUsage
	}
	cmd, ok := commands[args[0]]
	if !ok {
		fmt.Fprintf(stderr, "unknown command %q\n\n", args[0])
		usage(stderr)
		return errUsage
	}

	env, err := loadEnvironment(stdout, stderr)
	if err != nil {
		return err
	}
	defer env.close()
	return cmd.run(ctx, env, args[1:])
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: hallpassctl <command> [flags]")
	fmt.Fprintln(w)
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %-8s %s\n", name, commands[name].summary)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Connection settings come from HALLPASS_* variables, a .env file or HALLPASS_CONFIG_FILE.")
	fmt.Fprintln(w, "Run 'hallpassctl <command> -h' for command flags.")
}
