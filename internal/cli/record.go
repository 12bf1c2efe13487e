package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rohit-iwnl/EchoMind/internal/app"
	"github.com/rohit-iwnl/EchoMind/internal/session"
	"github.com/rohit-iwnl/EchoMind/internal/store"
)

func NewRecordCmd(deps *Dependencies) *cobra.Command {
	var title string
	var summarize bool

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record a meeting in the foreground (Ctrl+C to stop)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, cleanup, err := deps.openApp(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer cleanup()

			meeting, err := record(ctx, a, title, os.Stdout)
			if err != nil {
				return err
			}

			if summarize {
				return summarizeMeeting(cmd.Context(), a, meeting.ID, os.Stdout)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&title, "title", "t", "", "Meeting title (defaults to the recording date)")
	cmd.Flags().BoolVar(&summarize, "summarize", false, "Summarize the meeting after recording")

	return cmd
}

// record runs one session until ctx is cancelled, printing live progress,
// and returns the stored meeting
func record(ctx context.Context, a *app.App, title string, out io.Writer) (store.Meeting, error) {
	base := context.WithoutCancel(ctx)

	meeting, err := a.Store.CreateMeeting(base, store.Meeting{Title: title})
	if err != nil {
		return store.Meeting{}, err
	}

	updates, unsubscribe := a.Registry.Subscribe()
	defer unsubscribe()

	sess, err := a.Registry.Start(base, session.Target{ID: meeting.ID, Title: title, CreatedAt: meeting.CreatedAt})
	if err != nil {
		return store.Meeting{}, err
	}
	snap := sess.Snapshot()
	if snap.AudioOnly {
		printf(out, "Transcription unavailable, recording audio only\n")
	}
	printf(out, "Recording to %s (Ctrl+C to stop)\n", snap.AudioPath)

	progress(ctx, updates, out)

	printf(out, "\nStopping...\n")
	if err := a.Registry.Stop(base); err != nil {
		return store.Meeting{}, fmt.Errorf("stopping recording: %w", err)
	}

	saved, err := a.Store.GetMeeting(base, meeting.ID)
	if err != nil {
		return store.Meeting{}, err
	}
	printf(out, "Saved %q (%s)\n", saved.Title, saved.AudioPath)
	if saved.Transcript != "" {
		printf(out, "\n%s\n", saved.Transcript)
	}
	return saved, nil
}

// progress redraws the status line on every update until ctx is done or the
// session leaves the recording states on its own
func progress(ctx context.Context, updates <-chan session.Snapshot, out io.Writer) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-updates:
			if !ok {
				return
			}
			switch snap.State {
			case session.StateFailed:
				printf(out, "\nRecording failed: %s\n", snap.Reason)
				return
			case session.StateIdle:
				return
			}
			printf(out, "\r%-9s %s  %4d words  %-48s", snap.State, session.FormatDuration(snap.Duration), snap.WordCount, tail(snap.LiveText, 48))
		}
	}
}

// tail keeps the last max runes of text, marking a cut with an ellipsis
func tail(text string, max int) string {
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return "..." + string(runes[len(runes)-(max-3):])
}
