package main

import (
	"bufio"
	"context"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/turnstore/pkg/events"
	"github.com/go-go-golems/turnstore/pkg/reconciler"
	"github.com/go-go-golems/turnstore/pkg/store"
	"github.com/go-go-golems/turnstore/pkg/turns"
)

const maxRecordSize = 4 * 1024 * 1024

func (a *app) newReplayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay <file.jsonl>...",
		Short: "Reconcile recorded delta streams into the store",
		Long: `Each line of a replay file is a stream record:
{"conversationId": "...", "turnId": "...", "role": "assistant", "delta": {...}}
Files are replayed concurrently, the lines of one file in order. Turns that
never receive a complete or abort record are aborted and persisted at the end.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			showTransient, err := cmd.Flags().GetBool("show-transient")
			if err != nil {
				return err
			}
			verbose, err := cmd.Flags().GetBool("verbose")
			if err != nil {
				return err
			}

			s, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			return replay(cmd.Context(), s, args, replayOptions{
				showTransient: showTransient,
				verbose:       verbose,
				out:           cmd.OutOrStdout(),
			})
		},
	}
	cmd.Flags().Bool("show-transient", false, "Print transient deltas to stdout")
	cmd.Flags().Bool("verbose", false, "Log watermill internals and include message metadata")
	return cmd
}

type replayOptions struct {
	showTransient bool
	verbose       bool
	out           io.Writer
}

func replay(ctx context.Context, s store.Store, files []string, opts replayOptions) error {
	router, err := events.NewEventRouter(events.WithVerbose(opts.verbose), events.WithOutput(opts.out))
	if err != nil {
		return err
	}

	var manager *reconciler.Manager
	var sessionOptions []reconciler.SessionOption
	if opts.showTransient {
		router.AddHandler("dump-transient", events.TopicTransient, router.DumpRecords)
		sink := events.NewTransientPublisher(
			events.NewPublisher(router.Publisher, events.WithTopic(events.TopicTransient)),
			func(turnID string) string {
				if sess, ok := manager.Get(turnID); ok {
					return sess.ConversationID()
				}
				return ""
			},
		)
		sessionOptions = append(sessionOptions, reconciler.WithTransientSink(sink))
	}
	manager = reconciler.NewManager(s, sessionOptions...)

	return runReplay(ctx, router, manager, s, files)
}

func runReplay(ctx context.Context, router *events.EventRouter, manager *reconciler.Manager, s store.Store, files []string) error {
	router.AddHandler("reconcile", events.TopicDeltas, events.NewReconcileHandler(manager, events.WithTurnLoader(s)).Handle)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	eg := errgroup.Group{}
	eg.Go(func() error {
		defer cancel()
		return router.Run(ctx)
	})

	eg.Go(func() error {
		defer func() {
			_ = router.Close()
		}()

		select {
		case <-router.Running():
		case <-ctx.Done():
			return ctx.Err()
		}

		publisher := events.NewPublisher(router.Publisher)
		feg, fctx := errgroup.WithContext(ctx)
		for _, file := range files {
			file := file
			feg.Go(func() error {
				return replayFile(fctx, publisher, s, file)
			})
		}
		err := feg.Wait()

		// persist whatever the streams left open
		if serr := manager.Shutdown(context.WithoutCancel(ctx)); serr != nil {
			log.Error().Err(serr).Msg("failed to persist unfinished turns")
			if err == nil {
				err = serr
			}
		}
		return err
	})

	return eg.Wait()
}

func replayFile(ctx context.Context, publisher *events.Publisher, s store.ConversationStore, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "opening %s", path)
	}
	defer func() { _ = f.Close() }()

	logger := log.With().Str("file", path).Logger()
	known := map[string]bool{}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxRecordSize)
	line := 0
	published := 0
	for scanner.Scan() {
		line++
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := scanner.Bytes()
		if len(b) == 0 {
			continue
		}
		r, err := events.NewStreamRecordFromJSON(b)
		if err != nil {
			return errors.Wrapf(err, "%s:%d", path, line)
		}
		if !known[r.ConversationID] {
			if _, err := s.GetConversation(ctx, r.ConversationID); err != nil {
				if errors.Is(err, turns.ErrNotFound) {
					return errors.Wrapf(err, "%s:%d: create the conversation first", path, line)
				}
				return err
			}
			known[r.ConversationID] = true
		}
		if err := publisher.Publish(ctx, r); err != nil {
			return errors.Wrapf(err, "%s:%d", path, line)
		}
		published++
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrapf(err, "reading %s", path)
	}

	logger.Info().Int("records", published).Msg("replayed file")
	return nil
}
