package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	cli "github.com/spf13/pflag"

	"github.com/lmittmann/tint"
	log "log/slog"

	"yara/internal/config"
	"yara/internal/statusfeed"
)

func main() {
	url := cli.StringP("url", "u", "ws://127.0.0.1:8093"+statusfeed.Path, "Status feed url")
	reconn := cli.UintP("reconnect", "r", 2, "Seconds between reconnect attempts, 0 to exit on disconnect")
	logLevel := cli.StringP("log", "l", "info", "Log level")
	cli.Parse()

	log.SetDefault(log.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level: config.LogLevels[*logLevel],
	})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	for {
		err := watch(ctx, *url)
		if ctx.Err() != nil {
			return
		}
		if *reconn == 0 {
			log.Error("Status feed lost", "err", err)
			os.Exit(1)
		}

		wait := time.Duration(*reconn) * time.Second
		log.Warn("Status feed lost, reconnecting", "err", err, "in", wait)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// watch prints events until the feed drops or ctx ends.
func watch(ctx context.Context, url string) error {
	dctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	feed, err := statusfeed.Dial(dctx, url)
	cancel()
	if err != nil {
		return err
	}

	stop := context.AfterFunc(ctx, func() { feed.Close() })
	defer stop()

	for {
		ev, err := feed.Read()
		if err != nil {
			if statusfeed.IsClosed(err) {
				return fmt.Errorf("closed by daemon: %w", err)
			}
			return err
		}
		fmt.Println(format(ev))
	}
}

func format(ev statusfeed.Event) string {
	ts := ev.Time.Local().Format("15:04:05")
	switch ev.Kind {
	case statusfeed.KindState:
		return fmt.Sprintf("%s  [%s -> %s]", ts, ev.From, ev.State)
	case statusfeed.KindEntry:
		if ev.Entry == nil {
			return ts + "  (empty entry)"
		}
		who := "yara"
		if ev.Entry.IsUser {
			who = " you"
		}
		return fmt.Sprintf("%s  %s: %s", ts, who, ev.Entry.Content)
	case statusfeed.KindCleared:
		return ts + "  -- history cleared --"
	case statusfeed.KindNotice:
		return fmt.Sprintf("%s  (%s) %s", ts, ev.Level, ev.Message)
	default:
		return fmt.Sprintf("%s  %s", ts, ev.Kind)
	}
}
