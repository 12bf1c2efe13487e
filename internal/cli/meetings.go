package cli

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rohit-iwnl/EchoMind/internal/app"
	"github.com/rohit-iwnl/EchoMind/internal/store"
)

var errNoSummarizer = errors.New("summaries need OPENAI_API_KEY")

func NewMeetingsCmd(deps *Dependencies) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "meetings",
		Short: "List recorded meetings",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cleanup, err := deps.openApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer cleanup()
			return listMeetings(cmd.Context(), a.Store, limit, os.Stdout)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "l", 20, "Number of meetings to show")

	cmd.AddCommand(newMeetingShowCmd(deps))
	cmd.AddCommand(newMeetingSummarizeCmd(deps))
	cmd.AddCommand(newMeetingAskCmd(deps))

	return cmd
}

func newMeetingShowCmd(deps *Dependencies) *cobra.Command {
	return &cobra.Command{
		Use:   "show <meeting-id>",
		Short: "Show a meeting's transcript and summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cleanup, err := deps.openApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer cleanup()

			meeting, err := a.Store.GetMeeting(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			showMeeting(meeting, os.Stdout)
			return nil
		},
	}
}

func newMeetingSummarizeCmd(deps *Dependencies) *cobra.Command {
	return &cobra.Command{
		Use:   "summarize <meeting-id>",
		Short: "Generate a summary and action items",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cleanup, err := deps.openApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer cleanup()
			return summarizeMeeting(cmd.Context(), a, args[0], os.Stdout)
		},
	}
}

func newMeetingAskCmd(deps *Dependencies) *cobra.Command {
	return &cobra.Command{
		Use:   "ask <meeting-id> <question>",
		Short: "Ask a question about a meeting",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cleanup, err := deps.openApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer cleanup()
			if a.Summarizer == nil {
				return errNoSummarizer
			}
			ctx := cmd.Context()

			meeting, err := a.Store.GetMeeting(ctx, args[0])
			if err != nil {
				return err
			}
			history, err := a.Store.ChatMessages(ctx, meeting.ID)
			if err != nil {
				return err
			}
			question := strings.Join(args[1:], " ")
			answer, err := a.Summarizer.Answer(ctx, meeting, history, question)
			if err != nil {
				return err
			}

			if _, err := a.Store.AddChatMessage(ctx, store.ChatMessage{MeetingID: meeting.ID, Content: question, IsUserMessage: true}); err != nil {
				return err
			}
			if _, err := a.Store.AddChatMessage(ctx, store.ChatMessage{MeetingID: meeting.ID, Content: answer}); err != nil {
				return err
			}
			printf(os.Stdout, "%s\n", answer)
			return nil
		},
	}
}

func listMeetings(ctx context.Context, meetings *store.Store, limit int, out io.Writer) error {
	list, err := meetings.ListMeetings(ctx, limit)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		printf(out, "No meetings found\n")
		return nil
	}

	printf(out, "%-36s  %-16s  %-6s  %s\n", "ID", "CREATED", "STATUS", "TITLE")
	for _, m := range list {
		status := "open"
		if m.Done {
			status = "done"
		}
		printf(out, "%-36s  %-16s  %-6s  %s\n", m.ID, m.CreatedAt.Local().Format("2006-01-02 15:04"), status, m.Title)
	}
	return nil
}

func showMeeting(m store.Meeting, out io.Writer) {
	printf(out, "%s\n", m.Title)
	printf(out, "Recorded %s\n", m.CreatedAt.Local().Format("Jan 2, 2006 15:04"))
	if m.AudioPath != "" {
		printf(out, "Audio: %s\n", m.AudioPath)
	}
	if m.Summary != nil {
		showSummary(*m.Summary, out)
	}
	if m.Transcript != "" {
		printf(out, "\nTranscript\n%s\n", m.Transcript)
	}
}

func showSummary(s store.Summary, out io.Writer) {
	printf(out, "\nSummary\n%s\n", s.Summary)
	if len(s.ActionItems) == 0 {
		return
	}
	printf(out, "\nAction items\n")
	for _, item := range s.ActionItems {
		assignee := item.AssignedTo
		if assignee == "" {
			assignee = "unassigned"
		}
		printf(out, "  - [%s] %s (%s)\n", item.Priority, item.Text, assignee)
	}
}

func summarizeMeeting(ctx context.Context, a *app.App, id string, out io.Writer) error {
	if a.Summarizer == nil {
		return errNoSummarizer
	}
	meeting, err := a.Store.GetMeeting(ctx, id)
	if err != nil {
		return err
	}

	printf(out, "Summarizing...\n")
	summary, err := a.Summarizer.Summarize(ctx, meeting)
	if err != nil {
		return err
	}
	if err := a.Store.SaveSummary(ctx, meeting.ID, summary); err != nil {
		return err
	}
	showSummary(summary, out)
	return nil
}
