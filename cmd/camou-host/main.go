// Package main provides camou-host, the per-profile browser process. The
// manager spawns one per running profile and reads its standard output as
// the control channel.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/entrhq/camou/pkg/host"
	"github.com/entrhq/camou/pkg/logging"
)

func main() {
	install := flag.Bool("install", false, "Install the Playwright driver and Firefox before launching")
	headless := flag.Bool("headless", false, "Run the browser without a window (for debugging)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "%s\n\n", host.Usage)
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	args, err := host.ParseArgs(flag.Args())
	if err != nil {
		fmt.Println(host.Usage)
		os.Exit(1)
	}

	// Stdout is the control channel, so the host only ever logs to file
	logger, err := logging.NewLogger("host")
	if err != nil {
		logger = logging.Discard("host")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	launcher := &headlessLauncher{
		PlaywrightLauncher: host.PlaywrightLauncher{Install: *install},
		headless:           *headless,
	}
	h := host.New(launcher, host.WithLogger(logger.With(args.Name)))

	code := h.Run(context.Background(), args, sigChan)
	logger.Infof("exiting with code %d", code)
	logger.Close()
	os.Exit(code)
}

// headlessLauncher forces the -headless flag onto every launch.
type headlessLauncher struct {
	host.PlaywrightLauncher
	headless bool
}

func (l *headlessLauncher) Launch(opts host.LaunchOptions) (host.Window, error) {
	opts.Headless = l.headless
	return l.PlaywrightLauncher.Launch(opts)
}
