// Command anamnesis is an offline REPL over the same core pipeline the
// server exposes through MCP: it stores memories and contradictions in
// a local SQLite file (internal/sqlitestore) instead of Postgres, so it
// needs neither a running server nor a network connection. Grounded on
// the teacher's chat loop (timelayer-timelayer/internal/app/run.go),
// rewired here onto github.com/chzyer/readline for history and line
// editing instead of a raw bufio.Reader.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/chzyer/readline"
	"github.com/google/uuid"

	"github.com/anamnesis-ai/anamnesis/internal/detect"
	"github.com/anamnesis-ai/anamnesis/internal/engine"
	"github.com/anamnesis-ai/anamnesis/internal/extract"
	"github.com/anamnesis-ai/anamnesis/internal/retrieval"
	"github.com/anamnesis-ai/anamnesis/internal/slots"
	"github.com/anamnesis-ai/anamnesis/internal/sqlitestore"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "anamnesis:", err)
		os.Exit(1)
	}
}

func run() error {
	dbPath := defaultDBPath()
	if v := os.Getenv("ANAMNESIS_CLI_DB"); v != "" {
		dbPath = v
	}

	store, err := sqlitestore.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open local store: %w", err)
	}
	defer store.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	catalog := slots.NewCatalog()
	extractor := extract.New(catalog)
	detector := detect.New(catalog, logger)
	retriever := retrieval.New(store, catalog, logger)
	eng := engine.New(store, catalog, extractor, detector, retriever, logger)

	threadID := threadIDFromEnvOrNew()
	sessionID := uuid.New()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:      "you> ",
		HistoryFile: historyFilePath(),
	})
	if err != nil {
		return fmt.Errorf("init readline: %w", err)
	}
	defer rl.Close()

	fmt.Printf("anamnesis offline — store: %s, thread: %s\n", dbPath, threadID)
	fmt.Println("type a statement or question; /thread to see the thread id; Ctrl-D to quit")

	ctx := context.Background()
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if len(line) == 0 {
				break
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("readline: %w", err)
		}

		switch line {
		case "":
			continue
		case "/thread":
			fmt.Println(threadID)
			continue
		case "/quit", "/exit":
			return nil
		}

		resp, err := eng.Interact(ctx, threadID, sessionID, line)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			continue
		}
		fmt.Println(resp.Answer)
		if !resp.GatesPassed {
			fmt.Println("(a contradiction gate held this answer back from a more specific claim)")
		}
	}
	fmt.Println("bye")
	return nil
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "anamnesis-cli.db"
	}
	return filepath.Join(home, ".anamnesis", "cli.db")
}

func historyFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".anamnesis", "history")
}

// threadIDFromEnvOrNew lets a scripted session pin a thread across CLI
// invocations; an interactive session gets a fresh thread each run.
func threadIDFromEnvOrNew() uuid.UUID {
	if v := os.Getenv("ANAMNESIS_CLI_THREAD"); v != "" {
		if id, err := uuid.Parse(v); err == nil {
			return id
		}
	}
	return uuid.New()
}
