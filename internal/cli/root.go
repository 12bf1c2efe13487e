// Package cli implements the recorder command line.
package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/rohit-iwnl/EchoMind/internal/app"
	"github.com/rohit-iwnl/EchoMind/internal/capture"
	"github.com/rohit-iwnl/EchoMind/internal/config"
	"github.com/rohit-iwnl/EchoMind/internal/device"
)

// Version is set at build time
var Version = "dev"

// Dependencies carries what commands need to build the app
type Dependencies struct {
	Config *config.Config

	// Input opens the capture device. Commands that never record skip it so
	// they work on hosts without audio hardware.
	Input func() (capture.Device, func(), error)

	// Output opens the playback device
	Output func() (capture.Output, func(), error)
}

// PortAudioDependencies wires the host's default audio devices
func PortAudioDependencies(cfg *config.Config) *Dependencies {
	return &Dependencies{
		Config: cfg,
		Input: func() (capture.Device, func(), error) {
			if err := device.Init(); err != nil {
				return nil, nil, err
			}
			input := device.NewPortAudioInput(cfg.CaptureChannels, cfg.CaptureFramesPerBuffer)
			return input, func() { _ = device.Terminate() }, nil
		},
		Output: func() (capture.Output, func(), error) {
			if err := device.Init(); err != nil {
				return nil, nil, err
			}
			return device.NewPortAudioOutput(0), func() { _ = device.Terminate() }, nil
		},
	}
}

// openApp builds the app, with an input device when withInput is set. The
// returned cleanup closes everything it opened.
func (d *Dependencies) openApp(ctx context.Context, withInput bool) (*app.App, func(), error) {
	var opts app.Options
	release := func() {}
	if withInput && d.Input != nil {
		input, done, err := d.Input()
		if err != nil {
			return nil, nil, fmt.Errorf("opening audio input: %w", err)
		}
		opts.Input = input
		release = done
	}

	a, err := app.New(ctx, d.Config, opts)
	if err != nil {
		release()
		return nil, nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, func() {
		_ = a.Close(context.WithoutCancel(ctx))
		release()
	}, nil
}

// NewRootCmd builds the command tree
func NewRootCmd(deps *Dependencies) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "recorder",
		Short:         "Record meetings with live transcription",
		Long:          "Records audio to a side file while transcribing it live, stores transcripts per meeting and generates summaries.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.Version = Version

	rootCmd.AddCommand(NewServeCmd(deps))
	rootCmd.AddCommand(NewRecordCmd(deps))
	rootCmd.AddCommand(NewLocalesCmd(deps))
	rootCmd.AddCommand(NewPlayCmd(deps))
	rootCmd.AddCommand(NewMeetingsCmd(deps))

	return rootCmd
}

func printf(w io.Writer, format string, args ...any) {
	_, _ = fmt.Fprintf(w, format, args...)
}
