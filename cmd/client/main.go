package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/astromechza/boardsync/pkg/auth"
	"github.com/astromechza/boardsync/pkg/board"
	"github.com/astromechza/boardsync/pkg/client"
	"github.com/astromechza/boardsync/pkg/codec"
	"github.com/astromechza/boardsync/pkg/presence"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	addrVar := flag.String("addr", "127.0.0.1:8080", "the address to connect to")
	boardVar := flag.String("board", "default", "the board to edit")
	nameVar := flag.String("name", fmt.Sprintf("bot-%d", os.Getpid()), "the display name to show to other sessions")
	tokenVar := flag.String("token", os.Getenv("BOARDSYNC_TOKEN"), "bearer token to connect with")
	secretVar := flag.String("auth-secret", os.Getenv("AUTH_SECRET"), "mint a short lived token with this secret when -token is empty")
	flag.Parse()

	token := *tokenVar
	if token == "" && *secretVar != "" {
		t, err := auth.Sign([]byte(*secretVar), auth.Identity{Subject: *nameVar, Name: *nameVar}, time.Hour)
		if err != nil {
			return err
		}
		token = t
	}

	c, err := client.New(client.Options{
		URL:      "http://" + *addrVar,
		Board:    *boardVar,
		Token:    token,
		UserName: *nameVar,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wg := new(sync.WaitGroup)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := c.Run(ctx); err != nil {
			slog.Error("client stopped", "err", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		editRandomlyContinuously(ctx, c)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		wanderCursorContinuously(ctx, c)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-c.Changes():
				slog.Info("board changed", "objects", len(c.Objects()), "pending", c.Pending())
			case <-ctx.Done():
				return
			}
		}
	}()

	exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	slog.Info("Signal caught", "sig", sig)
	cancel()

	wg.Wait()

	tf := filepath.Join(os.TempDir(), fmt.Sprintf("%s-%d.state", *boardVar, os.Getpid()))
	if err := os.WriteFile(tf, codec.EncodeState(c.State()), 0o644); err != nil {
		return fmt.Errorf("failed to dump state: %w", err)
	}
	slog.Info("dumped", "dump", tf)
	return nil
}

func editRandomlyContinuously(ctx context.Context, c *client.Client) {
	types := []string{board.TypeSticky, board.TypeRectangle, board.TypeEllipse, board.TypeText}
	for {
		t := time.NewTimer(time.Second + time.Second*time.Duration(rand.Intn(5)))
		select {
		case <-t.C:
			if !c.Synced() {
				continue
			}
			objects := c.Objects()
			var err error
			switch n := rand.Intn(10); {
			case len(objects) == 0 || n < 2:
				var id string
				id, err = c.Create(types[rand.Intn(len(types))], rand.Float64()*800, rand.Float64()*600, 120, 80)
				slog.Info("created", "id", id)
			case n < 6:
				o := objects[rand.Intn(len(objects))]
				err = c.Move(o.ID, o.X+rand.Float64()*40-20, o.Y+rand.Float64()*40-20)
			case n < 8:
				o := objects[rand.Intn(len(objects))]
				err = c.SetColor(o.ID, presence.ColorFor(rand.Int()))
			case n < 9:
				err = c.BringToFront(objects[rand.Intn(len(objects))].ID)
			default:
				err = c.Delete(objects[rand.Intn(len(objects))].ID)
			}
			if err != nil {
				slog.Error("failed to edit", "err", err)
			}
		case <-ctx.Done():
			t.Stop()
			slog.Info("stopping edits")
			return
		}
	}
}

func wanderCursorContinuously(ctx context.Context, c *client.Client) {
	t := time.NewTicker(time.Second / 30)
	defer t.Stop()
	x, y := rand.Float64()*800, rand.Float64()*600
	for {
		select {
		case <-t.C:
			x += rand.Float64()*10 - 5
			y += rand.Float64()*10 - 5
			// sends above the cursor rate are dropped by the client
			c.SendCursor(x, y)
		case <-ctx.Done():
			return
		}
	}
}
