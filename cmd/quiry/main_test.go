package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/poiesic/quiry/ingestion"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

const testConfig = `
buffer:
  threshold: 2
pipeline:
  pool_size: 2
  sweep_interval: 0s
  base_delay: 1ms
  max_delay: 5ms
embedding:
  type: mock
  dimensions: 32
broker:
  type: memory
  partitions: 2
`

const testMessages = `{"group_id":"g1","channel_id":"c1","author_id":"u1","content":"the deploy failed","timestamp":"2025-03-01T12:00:00Z"}
{"group_id":"g1","channel_id":"c1","author_id":"u2","content":"rolling back now","timestamp":"2025-03-01T12:01:00Z"}

{"group_id":"g1","channel_id":"c1","author_id":"u1","content":"rollback done","timestamp":"2025-03-01T12:02:00Z"}
not json at all
{"group_id":"g1","channel_id":"c2","author_id":"u3","content":"   ","timestamp":"2025-03-01T12:03:00Z"}
{"group_id":"g1","channel_id":"c2","author_id":"u3","content":"deploy notes are in the wiki","timestamp":"2025-03-01T12:04:00Z"}
`

type cliEnv struct {
	dir    string
	config string
	db     string
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	env := &cliEnv{
		dir:    dir,
		config: filepath.Join(dir, "quiry.yaml"),
		db:     filepath.Join(dir, "quiry.db"),
	}
	require.NoError(t, os.WriteFile(env.config, []byte(testConfig), 0o644))
	return env
}

func (e *cliEnv) run(stdin string, args ...string) (string, error) {
	app := newApp()
	var out bytes.Buffer
	app.Writer = &out
	app.ErrWriter = &out
	app.Reader = strings.NewReader(stdin)
	argv := append([]string{"quiry", "--log-level", "error", "--config", e.config, "--db", e.db}, args...)
	err := app.Run(argv)
	return out.String(), err
}

func TestCommands(t *testing.T) {
	env := newCLIEnv(t)

	out, err := env.run(testMessages, "ingest")
	require.NoError(t, err)
	assert.Contains(t, out, "ingested 4 messages (2 rejected), 3 chunks stored")

	t.Run("health", func(t *testing.T) {
		out, err := env.run("", "health")
		require.NoError(t, err)
		assert.Contains(t, out, `"status": "healthy"`)
		assert.Contains(t, out, `"embedder"`)
	})

	t.Run("search", func(t *testing.T) {
		out, err := env.run("", "search", "--group", "g1", "--channel", "c2", "deploy", "notes")
		require.NoError(t, err)
		assert.Contains(t, out, "Found 1 hits")
		assert.Contains(t, out, "g1/c2")
		assert.Contains(t, out, "deploy notes are in the wiki")
	})

	t.Run("search by user", func(t *testing.T) {
		out, err := env.run("", "search", "--user", "u2", "--json", "rollback")
		require.NoError(t, err)

		var items []ingestion.ResultItem
		require.NoError(t, json.Unmarshal([]byte(out), &items))
		require.Len(t, items, 1)
		assert.Equal(t, "c1", items[0].ChannelID)
		assert.Contains(t, items[0].AuthorIDs, "u2")
	})

	t.Run("search requires query text", func(t *testing.T) {
		_, err := env.run("", "search", "--group", "g1")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "query text is required")
	})

	t.Run("dead letters", func(t *testing.T) {
		out, err := env.run("", "dead-letters", "list")
		require.NoError(t, err)
		assert.Contains(t, out, "0 dead letters")

		out, err = env.run("", "dead-letters", "replay")
		require.NoError(t, err)
		assert.Contains(t, out, "replayed 0 dead letters")
	})

	t.Run("clear", func(t *testing.T) {
		_, err := env.run("", "clear", "--group", "g1")
		require.Error(t, err)

		_, err = env.run("", "clear", "--group", "g1", "--recent", "1", "--all")
		require.Error(t, err)

		out, err := env.run("", "clear", "--group", "g1", "--recent", "1")
		require.NoError(t, err)
		assert.Contains(t, out, "removed 1 chunks from group g1")

		out, err = env.run("", "clear", "--group", "g1", "--all")
		require.NoError(t, err)
		assert.Contains(t, out, "removed 2 chunks from group g1")
	})
}

func TestIngestFromFile(t *testing.T) {
	env := newCLIEnv(t)
	input := filepath.Join(env.dir, "messages.jsonl")
	require.NoError(t, os.WriteFile(input, []byte(testMessages), 0o644))

	out, err := env.run("", "ingest", "--file", input)
	require.NoError(t, err)
	assert.Contains(t, out, "3 chunks stored")

	// Re-ingesting the same messages yields the same chunk IDs.
	out, err = env.run("", "ingest", "-f", input)
	require.NoError(t, err)
	assert.Contains(t, out, "3 chunks stored")

	_, err = env.run("", "ingest", "--file", filepath.Join(env.dir, "missing.jsonl"))
	assert.Error(t, err)
}

func TestInvalidConfig(t *testing.T) {
	env := newCLIEnv(t)
	require.NoError(t, os.WriteFile(env.config, []byte("buffer:\n  threshold: 0\n"), 0o644))

	_, err := env.run("", "search", "anything")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "buffer.threshold")
}

func TestCommandFlags(t *testing.T) {
	app := newApp()

	find := func(name string) *cli.Command {
		for _, cmd := range app.Commands {
			if cmd.Name == name {
				return cmd
			}
		}
		return nil
	}

	for _, name := range []string{"ingest", "serve", "search", "clear", "health", "dead-letters"} {
		assert.NotNil(t, find(name), name)
	}

	t.Run("clear requires group", func(t *testing.T) {
		cmd := find("clear")
		require.NotNil(t, cmd)
		var groupFlag *cli.StringFlag
		for _, flag := range cmd.Flags {
			if f, ok := flag.(*cli.StringFlag); ok && f.Name == "group" {
				groupFlag = f
			}
		}
		require.NotNil(t, groupFlag)
		assert.True(t, groupFlag.Required)
	})

	t.Run("ingest reads stdin by default", func(t *testing.T) {
		cmd := find("ingest")
		require.NotNil(t, cmd)
		f, ok := cmd.Flags[0].(*cli.StringFlag)
		require.True(t, ok)
		assert.Equal(t, "-", f.Value)
	})

	t.Run("dead-letters subcommands", func(t *testing.T) {
		cmd := find("dead-letters")
		require.NotNil(t, cmd)
		var names []string
		for _, sub := range cmd.Subcommands {
			names = append(names, sub.Name)
		}
		assert.Equal(t, []string{"list", "replay"}, names)
	})
}

func TestSetupLogger(t *testing.T) {
	run := func(level string) error {
		app := &cli.App{
			Name: "test",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:  "log-level",
					Value: "info",
				},
			},
			Before: setupLogger,
			Action: func(c *cli.Context) error {
				return nil
			},
		}
		return app.Run([]string{"test", "--log-level", level})
	}

	for _, level := range []string{"debug", "info", "warn", "error", "DEBUG", "WaRn"} {
		t.Run(level, func(t *testing.T) {
			require.NoError(t, run(level))
		})
	}

	t.Run("invalid log level returns error", func(t *testing.T) {
		err := run("verbose")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid log level")
	})
}
