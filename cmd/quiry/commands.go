package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/poiesic/quiry"
	"github.com/poiesic/quiry/core"
	"github.com/poiesic/quiry/ingestion"
	"github.com/urfave/cli/v2"
)

// maxLineSize bounds one JSON Lines record.
const maxLineSize = 1 << 20

func ingestCommand(c *cli.Context) error {
	ctx := c.Context

	in := c.App.Reader
	if path := c.String("file"); path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("failed to open input: %w", err)
		}
		defer f.Close()
		in = f
	}
	if in == nil {
		in = os.Stdin
	}

	sys, err := openSystem(ctx, c)
	if err != nil {
		return err
	}
	defer sys.Close()

	if err := sys.Start(ctx); err != nil {
		return fmt.Errorf("failed to start pipeline: %w", err)
	}

	accepted, rejected, err := submitLines(ctx, sys, in)
	if err != nil {
		return err
	}
	if err := sys.Flush(ctx); err != nil {
		return fmt.Errorf("flush failed: %w", err)
	}
	if err := sys.Stop(ctx); err != nil {
		return fmt.Errorf("failed to stop pipeline: %w", err)
	}

	total, err := sys.Chunks().CountChunks(ctx, "")
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "ingested %d messages (%d rejected), %d chunks stored\n", accepted, rejected, total)
	return nil
}

// submitLines feeds every JSON Lines message in r to the pipeline.
// Malformed records are logged and counted, not fatal.
func submitLines(ctx context.Context, sys *quiry.System, r io.Reader) (accepted, rejected int, err error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var msg core.Message
		if err := json.Unmarshal([]byte(text), &msg); err != nil {
			slog.Warn("skipping undecodable message", "line", line, "err", err)
			rejected++
			continue
		}
		if err := sys.Submit(ctx, &msg); err != nil {
			if errors.Is(err, core.ErrMalformedInput) {
				slog.Warn("skipping malformed message", "line", line, "err", err)
				rejected++
				continue
			}
			return accepted, rejected, fmt.Errorf("line %d: %w", line, err)
		}
		accepted++
	}
	if err := scanner.Err(); err != nil {
		return accepted, rejected, fmt.Errorf("reading input: %w", err)
	}
	return accepted, rejected, nil
}

func serveCommand(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	sys, err := openSystem(ctx, c)
	if err != nil {
		return err
	}
	defer sys.Close()

	if err := sys.Start(ctx); err != nil {
		return fmt.Errorf("failed to start pipeline: %w", err)
	}
	slog.Info("serving, press Ctrl-C to stop")
	<-ctx.Done()

	slog.Info("shutting down")
	return sys.Stop(context.WithoutCancel(ctx))
}

func searchCommand(c *cli.Context) error {
	ctx := c.Context

	query := strings.TrimSpace(strings.Join(c.Args().Slice(), " "))
	if query == "" {
		return fmt.Errorf("query text is required")
	}

	sys, err := openSystem(ctx, c)
	if err != nil {
		return err
	}
	defer sys.Close()

	filter := core.QueryFilter{
		GroupID:   c.String("group"),
		ChannelID: c.String("channel"),
		UserID:    c.String("user"),
	}
	results, err := sys.Search(ctx, query, c.Int("limit"), filter)
	if err != nil {
		return fmt.Errorf("search failed: %w", err)
	}

	if c.Bool("json") {
		enc := json.NewEncoder(c.App.Writer)
		enc.SetIndent("", "  ")
		return enc.Encode(ingestion.ResultItems(results))
	}

	fmt.Fprintf(c.App.Writer, "Found %d hits\n", len(results))
	for i, hit := range results {
		ch := hit.Chunk
		fmt.Fprintf(c.App.Writer, "%d: [%0.3f] %s/%s %s..%s (%d)\n", i+1, hit.Score,
			ch.GroupID, ch.ChannelID,
			ch.EarliestTimestamp.Format(time.RFC3339), ch.LatestTimestamp.Format(time.RFC3339), ch.Id)
		for _, l := range strings.Split(ch.Text, "\n") {
			fmt.Fprintf(c.App.Writer, "    %s\n", l)
		}
	}
	return nil
}

func healthCommand(c *cli.Context) error {
	ctx := c.Context

	sys, err := openSystem(ctx, c)
	if err != nil {
		return err
	}
	defer sys.Close()

	report := sys.Health(ctx)
	enc := json.NewEncoder(c.App.Writer)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return err
	}
	if !report.Healthy() {
		return cli.Exit(fmt.Sprintf("system is %s", report.Status), 1)
	}
	return nil
}

func clearCommand(c *cli.Context) error {
	ctx := c.Context

	group := c.String("group")
	recent := c.Int("recent")
	all := c.Bool("all")
	switch {
	case all && recent > 0:
		return fmt.Errorf("--recent and --all are mutually exclusive")
	case !all && recent <= 0:
		return fmt.Errorf("one of --recent N or --all is required")
	}

	sys, err := openSystem(ctx, c)
	if err != nil {
		return err
	}
	defer sys.Close()

	var removed int
	if all {
		removed, err = sys.PurgeGroup(ctx, group)
	} else {
		removed, err = sys.ClearRecent(ctx, group, recent)
	}
	if err != nil {
		return fmt.Errorf("clear failed: %w", err)
	}
	fmt.Fprintf(c.App.Writer, "removed %d chunks from group %s\n", removed, group)
	return nil
}

func listDeadLettersCommand(c *cli.Context) error {
	ctx := c.Context

	sys, err := openSystem(ctx, c)
	if err != nil {
		return err
	}
	defer sys.Close()

	letters, err := sys.DeadLetters(ctx, c.Int("limit"))
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "%d dead letters\n", len(letters))
	for _, l := range letters {
		fmt.Fprintf(c.App.Writer, "%s %s stage=%s topic=%s key=%s attempts=%d: %s\n",
			l.FailedAt.Format(time.RFC3339), l.Id, l.Stage, l.Topic, l.Key, l.Attempts, l.Error)
	}
	return nil
}

// replayDeadLettersCommand runs the pipeline while replaying so the
// republished messages are processed before the command exits.
func replayDeadLettersCommand(c *cli.Context) error {
	ctx := c.Context

	sys, err := openSystem(ctx, c)
	if err != nil {
		return err
	}
	defer sys.Close()

	if err := sys.Start(ctx); err != nil {
		return fmt.Errorf("failed to start pipeline: %w", err)
	}
	replayed, err := sys.ReplayDeadLetters(ctx, c.Int("limit"))
	if err != nil {
		return fmt.Errorf("replay failed after %d letters: %w", replayed, err)
	}
	if err := sys.WaitIdle(ctx); err != nil {
		return err
	}
	if err := sys.Stop(ctx); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "replayed %d dead letters\n", replayed)
	return nil
}
