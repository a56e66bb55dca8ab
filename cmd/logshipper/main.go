package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	json "github.com/goccy/go-json"

	"logshipper/internal/app"
	"logshipper/internal/shipper"
	logx "logshipper/pkg/logx"
)

const usage = `usage: logshipper [-config path] <command> [flags]

commands:
  run           ship events from configured sources until stopped (default)
  ship-batch    drain the batch buffer once
  status        push one status report
  test-status   print the status report without sending it
  send          ship one event: send [-level error] [-channel cli] [-context '{"k":"v"}'] -message text
`

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("logshipper", flag.ContinueOnError)
	cfgPath := fs.String("config", "./config.yaml", "path to config (yaml or json)")
	fs.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cmd, rest := "run", fs.Args()
	if len(rest) > 0 {
		cmd, rest = rest[0], rest[1:]
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		return 1
	}

	switch cmd {
	case "run":
		err = serve(ctx, a)
	case "ship-batch":
		err = oneShot(ctx, a, func(c context.Context) error {
			rep, err := a.RunBatch(c)
			if err == nil {
				fmt.Printf("Processed %d batches.\n", rep.Batches)
			}
			return err
		})
	case "status":
		err = oneShot(ctx, a, a.PushStatus)
	case "test-status":
		err = oneShot(ctx, a, func(c context.Context) error { return a.DryRunStatus(c, os.Stdout) })
	case "send":
		var ev shipper.Event
		ev, err = parseSend(rest)
		if err == nil {
			err = oneShot(ctx, a, func(c context.Context) error { return a.Send(c, ev) })
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		_ = a.Stop(context.Background(), app.StopCommandDone)
		return 2
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		return 1
	}
	return 0
}

func serve(ctx context.Context, a *app.App) error {
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return err
	}
	notifyReady(a.Logger())
	stopWatchdog := startWatchdog(ctx, a.Logger())

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		reason = app.StopFatalError
	}
	stopWatchdog()
	notifyStopping(a.Logger())

	stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	stopErr := a.Stop(stopCtx, reason)
	if err := a.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return stopErr
}

func oneShot(ctx context.Context, a *app.App, fn func(context.Context) error) error {
	a.StartWorkers(ctx)
	err := fn(ctx)
	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if stopErr := a.Stop(stopCtx, app.StopCommandDone); err == nil {
		err = stopErr
	}
	return err
}

func parseSend(args []string) (shipper.Event, error) {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	level := fs.String("level", "error", "event level")
	channel := fs.String("channel", "cli", "channel name")
	rawCtx := fs.String("context", "", "JSON object attached as context")
	message := fs.String("message", "", "event message (trailing arguments are used when empty)")
	if err := fs.Parse(args); err != nil {
		return shipper.Event{}, err
	}
	msg := strings.TrimSpace(*message)
	if msg == "" {
		msg = strings.TrimSpace(strings.Join(fs.Args(), " "))
	}
	if msg == "" {
		return shipper.Event{}, errors.New("send: message is required")
	}
	ev := shipper.Event{
		Level:   shipper.ParseLevel(*level, logx.LevelError),
		Message: msg,
		Channel: *channel,
		Time:    time.Now(),
	}
	if s := strings.TrimSpace(*rawCtx); s != "" {
		if err := json.Unmarshal([]byte(s), &ev.Context); err != nil {
			return shipper.Event{}, fmt.Errorf("send: -context: %w", err)
		}
	}
	return ev, nil
}
