// Package viz renders a board's update log as a graph: one node per logged op, edges chaining the ops of each
// writing session and the ops that touched each object.
package viz

import (
	"bytes"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"

	"github.com/astromechza/boardsync/pkg/board"
)

// Entry is one decoded op from the log.
type Entry struct {
	Seq int64
	Op  board.Op
}

func label(e Entry) string {
	op := e.Op
	out := fmt.Sprintf("#%d %s %s %s", e.Seq, op.Key, op.Kind, op.ID)
	switch op.Kind {
	case board.KindCreate:
		if op.Object != nil {
			out += " " + op.Object.Type
		}
	case board.KindSet:
		for _, w := range op.Writes {
			out += " " + string(w.Field)
		}
	case board.KindMove:
		out += " " + string(op.Target)
	}
	return out
}

// Render writes the graph of snapshot followed by entries to w in the given format.
func Render(snapshot *board.State, entries []Entry, format graphviz.Format, w io.Writer) error {
	g := graphviz.New()
	defer g.Close()

	graph, err := g.Graph()
	if err != nil {
		return fmt.Errorf("failed to setup graph: %w", err)
	}
	defer graph.Close()

	var edgeCounter uint64
	link := func(from, to *cgraph.Node, text string) error {
		e, err := graph.CreateEdge(strconv.Itoa(int(atomic.AddUint64(&edgeCounter, 1))), from, to)
		if err != nil {
			return fmt.Errorf("failed to create edge: %w", err)
		}
		if text != "" {
			e.SetLabel(text)
		}
		return nil
	}

	var root *cgraph.Node
	if snapshot != nil {
		if root, err = graph.CreateNode("snapshot"); err != nil {
			return fmt.Errorf("failed to create node: %w", err)
		}
		root.SetShape(cgraph.BoxShape)
		root.SetLabel(fmt.Sprintf("snapshot: %d objects, %d tombstones, clock %d",
			len(snapshot.Objects), len(snapshot.Tombstones), snapshot.Clock))
	}

	lastBySession := make(map[string]*cgraph.Node)
	lastByObject := make(map[string]*cgraph.Node)
	for _, e := range entries {
		n, err := graph.CreateNode("op" + strconv.FormatInt(e.Seq, 10))
		if err != nil {
			return fmt.Errorf("failed to create node: %w", err)
		}
		n.SetLabel(label(e))

		session := e.Op.Key.Session
		prevSession, ok := lastBySession[session]
		if ok {
			if err := link(prevSession, n, ""); err != nil {
				return err
			}
		} else if root != nil {
			if err := link(root, n, session); err != nil {
				return err
			}
		}
		lastBySession[session] = n

		// cross-session edits of the same object
		if prev, ok := lastByObject[e.Op.ID]; ok && prev != prevSession {
			if err := link(prev, n, e.Op.ID); err != nil {
				return err
			}
		}
		lastByObject[e.Op.ID] = n
	}

	if err := g.Render(graph, format, w); err != nil {
		return fmt.Errorf("failed to render: %w", err)
	}
	return nil
}

func RenderToSvg(snapshot *board.State, entries []Entry, outputPath string) error {
	var buff bytes.Buffer
	if err := Render(snapshot, entries, graphviz.SVG, &buff); err != nil {
		return err
	}
	if err := os.WriteFile(outputPath, buff.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write: %w", err)
	}
	return nil
}

func RenderToTemp(snapshot *board.State, entries []Entry) (string, error) {
	tf := filepath.Join(os.TempDir(), fmt.Sprintf("%d%d.svg", time.Now().UnixNano(), rand.Int()))
	if err := RenderToSvg(snapshot, entries, tf); err != nil {
		return "", err
	}
	return tf, nil
}
