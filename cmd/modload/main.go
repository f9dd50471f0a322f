// modload CLI - loads every image of a domain manifest to a target level
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"
)

func main() {
	var opts options
	flag.StringVar(&opts.dir, "C", ".", "Directory to search for modload.toml (walks up to the root)")
	flag.StringVar(&opts.target, "target", "", "Level to drive every image to (default: [domain] target)")
	flag.IntVar(&opts.parallel, "parallel", -1, "Maximum images loaded at once (default: [domain] parallel, 0 = unlimited)")
	flag.BoolVar(&opts.attach, "attach", false, "Attach the debugger before loading")
	flag.BoolVar(&opts.replay, "replay", false, "Replay the warm-up profile before loading")
	flag.BoolVar(&opts.strict, "strict", false, "Exit non-zero when any image fails to load")
	verbose := flag.Int("v", 0, "Log verbosity (0 = errors, 1 = warnings, 2 = info, 3+ = debug)")
	logFile := flag.String("log", "", "Write logs to this file instead of stderr")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: modload [options]\n\n")
		fmt.Fprintf(os.Stderr, "Opens the images listed in modload.toml and drives each one to a load level.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  modload                       # Load to the manifest target\n")
		fmt.Fprintf(os.Stderr, "  modload -target loaded -v 3   # Stop at LOADED with debug logs\n")
		fmt.Fprintf(os.Stderr, "  modload -C ./app -attach      # Attach the debugger first\n")
	}
	flag.Parse()

	if *logFile != "" {
		commonlog.Configure(*verbose, logFile)
	} else {
		commonlog.Configure(*verbose, nil)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	rep, err := run(ctx, opts)
	if rep != nil {
		rep.print(os.Stdout)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
