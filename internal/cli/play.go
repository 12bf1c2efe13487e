package cli

import (
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rohit-iwnl/EchoMind/internal/capture"
)

func NewPlayCmd(deps *Dependencies) *cobra.Command {
	return &cobra.Command{
		Use:   "play <meeting-id>",
		Short: "Play back a meeting's recording",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, cleanup, err := deps.openApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer cleanup()

			meeting, err := a.Store.GetMeeting(ctx, args[0])
			if err != nil {
				return err
			}
			if meeting.AudioPath == "" {
				return errors.New("meeting has no recording")
			}

			if deps.Output == nil {
				return errors.New("no audio output available")
			}
			out, release, err := deps.Output()
			if err != nil {
				return err
			}
			defer release()

			printf(os.Stdout, "Playing %q\n", meeting.Title)
			return capture.Play(ctx, meeting.AudioPath, out)
		},
	}
}
