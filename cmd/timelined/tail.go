package main

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Wesbrine/hydra-social/internal/timeline"
	"github.com/Wesbrine/hydra-social/pkg/api/streaming"
	"github.com/Wesbrine/hydra-social/pkg/config"
	"github.com/Wesbrine/hydra-social/pkg/logging"
)

func newTailCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Print new statuses of the configured feeds as JSON lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logging.NewLoggerWithComponent(serviceName)
			logger.SetOutput(cmd.ErrOrStderr())
			config.LoadEnv(logger)

			s := loadSettings()
			if err := s.validate(); err != nil {
				return err
			}
			specs, err := s.specs()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			st, err := newStack(ctx, s, logger, nil)
			if err != nil {
				return err
			}
			defer st.close()

			t := newTailer(st.engine, cmd.OutOrStdout(), limit)
			st.engine.Observe(t.notify)
			if err := st.open(ctx, specs); err != nil {
				return err
			}
			return t.run(ctx)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "statuses to inspect per feed change")
	return cmd
}

type tailLine struct {
	Feed   string            `json:"feed"`
	Status *streaming.Status `json:"status"`
}

// tailer prints statuses it has not printed before, oldest first. Change
// notifications arrive on the loop and are coalesced per feed.
type tailer struct {
	engine *timeline.Engine
	enc    *json.Encoder
	limit  int

	mu      sync.Mutex
	pending map[string]struct{}
	wake    chan struct{}

	seen map[string]map[string]struct{}
}

func newTailer(engine *timeline.Engine, out io.Writer, limit int) *tailer {
	return &tailer{
		engine:  engine,
		enc:     json.NewEncoder(out),
		limit:   limit,
		pending: make(map[string]struct{}),
		wake:    make(chan struct{}, 1),
		seen:    make(map[string]map[string]struct{}),
	}
}

func (t *tailer) notify(feedID string) {
	t.mu.Lock()
	t.pending[feedID] = struct{}{}
	t.mu.Unlock()
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

func (t *tailer) take() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.pending))
	for id := range t.pending {
		ids = append(ids, id)
	}
	clear(t.pending)
	return ids
}

func (t *tailer) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.wake:
		}
		for _, id := range t.take() {
			if err := t.flush(ctx, id); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}

func (t *tailer) flush(ctx context.Context, feedID string) error {
	snap, ok, err := t.engine.Feed(ctx, feedID, t.limit)
	if err != nil || !ok {
		return err
	}
	seen := t.seen[feedID]
	if seen == nil {
		seen = make(map[string]struct{})
		t.seen[feedID] = seen
	}
	for i := len(snap.Items) - 1; i >= 0; i-- {
		st := snap.Items[i]
		if _, dup := seen[st.ID]; dup {
			continue
		}
		seen[st.ID] = struct{}{}
		if err := t.enc.Encode(tailLine{Feed: feedID, Status: st}); err != nil {
			return err
		}
	}
	return nil
}
