package cli

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rohit-iwnl/EchoMind/internal/locale"
)

func NewLocalesCmd(deps *Dependencies) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "locales",
		Short: "List recognition locales and their installation state",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cleanup, err := deps.openApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer cleanup()
			return listLocales(cmd.Context(), a.Locales, deps.Config.Locale, os.Stdout)
		},
	}

	cmd.AddCommand(newLocaleDownloadCmd(deps))
	cmd.AddCommand(newLocaleRemoveCmd(deps))

	return cmd
}

func newLocaleDownloadCmd(deps *Dependencies) *cobra.Command {
	return &cobra.Command{
		Use:   "download <locale>",
		Short: "Download recognition assets for a locale",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, cleanup, err := deps.openApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer cleanup()
			return downloadLocale(ctx, a.Locales, args[0], os.Stdout)
		},
	}
}

func newLocaleRemoveCmd(deps *Dependencies) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <locale>",
		Short: "Release the recognition assets of a locale",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cleanup, err := deps.openApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer cleanup()
			if err := a.Locales.Deallocate(cmd.Context(), args[0]); err != nil {
				return err
			}
			printf(os.Stdout, "Removed %s\n", args[0])
			return nil
		},
	}
}

func listLocales(ctx context.Context, m *locale.Manager, current string, out io.Writer) error {
	supported, err := m.SupportedLocales(ctx)
	if err != nil {
		return err
	}
	if len(supported) == 0 {
		printf(out, "No locales supported by the configured engine\n")
		return nil
	}

	printf(out, "%-8s %-10s %s\n", "LOCALE", "STATE", "")
	for _, code := range supported {
		asset, err := m.Asset(ctx, code)
		if err != nil {
			return err
		}
		state := "available"
		if asset.Installed {
			state = "installed"
		}
		if progress, ok := m.Progress(code); ok && !asset.Installed {
			state = "installing"
			printf(out, "%-8s %-10s %3.0f%%\n", code, state, progress*100)
			continue
		}
		marker := ""
		if code == current {
			marker = "(default)"
		}
		printf(out, "%-8s %-10s %s\n", code, state, marker)
	}
	return nil
}

// downloadLocale starts an installation and reports progress until it ends
func downloadLocale(ctx context.Context, m *locale.Manager, code string, out io.Writer) error {
	inst, err := m.Download(ctx, code)
	if err != nil {
		return err
	}

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			inst.Cancel()
			printf(out, "\nDownload cancelled\n")
			return ctx.Err()
		case <-inst.Done():
			if err := inst.Err(); err != nil {
				printf(out, "\n")
				return err
			}
			printf(out, "\r%s installed          \n", code)
			return nil
		case <-ticker.C:
			printf(out, "\r%s %3.0f%%", code, inst.Progress()*100)
		}
	}
}
