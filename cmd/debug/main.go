package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/astromechza/boardsync/pkg/board"
	"github.com/astromechza/boardsync/pkg/codec"
	"github.com/astromechza/boardsync/pkg/store"
	"github.com/astromechza/boardsync/pkg/viz"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{})))

	databaseVar := flag.String("database-url", os.Getenv("DATABASE_URL"), "postgres connection url, takes precedence over -sqlite")
	sqliteVar := flag.String("sqlite", "boardsync.sqlite3", "sqlite database path")
	svgVar := flag.String("svg", "", "write a graph of the update log to this path, or to a temp file when set to -")
	compactVar := flag.Bool("compact", false, "fold the update log into the snapshot after inspecting it")
	flag.Parse()
	if flag.NArg() != 1 {
		return fmt.Errorf("expected one position argument: the board to inspect")
	}
	boardID := flag.Arg(0)

	ctx := context.Background()
	var st store.Store
	var err error
	if *databaseVar != "" {
		st, err = store.OpenPostgres(ctx, *databaseVar)
	} else {
		st, err = store.OpenSQLite(ctx, *sqliteVar)
	}
	if err != nil {
		return err
	}
	defer st.Close()

	rec, err := st.Load(ctx, boardID)
	if err != nil {
		return fmt.Errorf("failed to load board: %w", err)
	}
	slog.Info("loaded record", "board", boardID, "snapshot_bytes", len(rec.Snapshot), "log", len(rec.Log), "last_seq", rec.LastSeq())

	var snapshot *board.State
	if len(rec.Snapshot) > 0 {
		s, err := codec.DecodeState(rec.Snapshot)
		if err != nil {
			return fmt.Errorf("failed to decode snapshot: %w", err)
		}
		snapshot = &s
		slog.Info("snapshot", "objects", len(s.Objects), "tombstones", len(s.Tombstones), "clock", s.Clock)
	}

	entries := make([]viz.Entry, 0, len(rec.Log))
	for _, e := range rec.Log {
		op, err := codec.DecodeOp(e.Data)
		if err != nil {
			slog.Warn("undecodable entry", "seq", e.Seq, "err", err)
			continue
		}
		slog.Info("op", "seq", fmt.Sprintf("%6d", e.Seq), "key", op.Key, "kind", op.Kind, "id", op.ID)
		entries = append(entries, viz.Entry{Seq: e.Seq, Op: op})
	}

	replayed, err := store.Replay(rec, slog.Default())
	if err != nil {
		return err
	}
	slog.Info("replayed", "applied", replayed.Applied, "skipped", replayed.Skipped, "clock", replayed.Doc.Clock())
	for i, o := range replayed.Doc.Objects() {
		slog.Info("object", "z", i, "id", o.ID, "type", o.Type, "x", o.X, "y", o.Y, "w", o.Width, "h", o.Height, "color", o.Color, "text", o.Text)
	}

	switch *svgVar {
	case "":
	case "-":
		path, err := viz.RenderToTemp(snapshot, entries)
		if err != nil {
			return fmt.Errorf("failed to render: %w", err)
		}
		slog.Info("rendered", "path", "file://"+path)
	default:
		if err := viz.RenderToSvg(snapshot, entries, *svgVar); err != nil {
			return fmt.Errorf("failed to render: %w", err)
		}
		slog.Info("rendered", "path", *svgVar)
	}

	if *compactVar {
		if err := st.Compact(ctx, boardID, codec.EncodeState(replayed.Doc.State()), replayed.LastSeq); err != nil {
			return fmt.Errorf("failed to compact: %w", err)
		}
		slog.Info("compacted", "up_to", replayed.LastSeq)
	}
	return nil
}
