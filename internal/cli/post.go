package cli

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// NewPostCmd создаёт группу команд для управления постами.
func NewPostCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "post",
		Short: "Manage scheduled posts",
	}

	cmd.AddCommand(
		newPostListCmd(clientFn, outputFn),
		newPostShowCmd(clientFn, outputFn),
		newPostScheduleCmd(clientFn, outputFn),
		newPostPublishCmd(clientFn, outputFn),
		newPostUpdateCmd(clientFn, outputFn),
		newPostDeleteCmd(clientFn, outputFn),
		newPostSendCmd(clientFn, outputFn),
	)

	return cmd
}

var postHeaders = []string{"ID", "TEXT", "SCHEDULE", "NEXT_RUN", "SENT", "LAST_RUN"}

func postRow(p PostResponse) []string {
	schedule := p.ScheduledTime
	if p.Recurring {
		schedule = p.CronExpr
		if p.CronDescription != "" {
			schedule += " (" + p.CronDescription + ")"
		}
	}
	text := p.Text
	if p.IsThread && len(p.ThreadPosts) > 0 {
		text = fmt.Sprintf("%s [+%d]", text, len(p.ThreadPosts))
	}
	return []string{p.ID, truncate(text, 40), schedule, p.NextRun, strconv.FormatBool(p.Sent), p.LastRun}
}

func newPostListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List posts",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			posts, err := client.ListPosts()
			if err != nil {
				return err
			}

			rows := make([][]string, len(posts))
			for i, p := range posts {
				rows[i] = postRow(p)
			}

			out.Print(postHeaders, rows, posts)
			return nil
		},
	}
}

func newPostShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show post details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			post, err := client.GetPost(args[0])
			if err != nil {
				return err
			}

			schedule := post.ScheduledTime
			if post.Recurring {
				schedule = post.CronExpr
			}
			out.Details([][2]string{
				{"ID", post.ID},
				{"Text", post.Text},
				{"Media", strconv.Itoa(len(post.Media))},
				{"Schedule", schedule},
				{"Description", post.CronDescription},
				{"Next run", post.NextRun},
				{"Sent", strconv.FormatBool(post.Sent)},
				{"Sent at", post.SentAt},
				{"Last run", post.LastRun},
				{"Created", post.CreatedAt},
				{"Updated", post.UpdatedAt},
			}, post)

			if !out.jsonMode && post.IsThread && len(post.ThreadPosts) > 0 {
				fmt.Fprintln(out.w)
				rows := make([][]string, len(post.ThreadPosts))
				for i, tp := range post.ThreadPosts {
					rows[i] = []string{strconv.Itoa(i + 1), truncate(tp.Text, 60), strconv.Itoa(len(tp.Media))}
				}
				out.Table([]string{"#", "THREAD_TEXT", "MEDIA"}, rows)
			}
			return nil
		},
	}
}

// contentFlags — общие флаги содержимого поста.
type contentFlags struct {
	text        string
	thread      []string
	media       []string
	threadMedia []string
}

func (f *contentFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.text, "text", "", "Post text (required)")
	cmd.Flags().StringArrayVar(&f.thread, "thread", nil, "Thread continuation text (repeatable, in order)")
	cmd.Flags().StringArrayVar(&f.media, "media", nil, "Media file for the root post (repeatable)")
	cmd.Flags().StringArrayVar(&f.threadMedia, "thread-media", nil, "Media for a thread continuation as N=PATH, N from 1 (repeatable)")
	cmd.MarkFlagRequired("text")
}

func (f *contentFlags) request() (PostRequest, error) {
	req := PostRequest{
		Text:     f.text,
		IsThread: len(f.thread) > 0,
		Media:    f.media,
	}
	for _, t := range f.thread {
		req.ThreadPosts = append(req.ThreadPosts, ThreadUnitRequest{Text: t})
	}

	for _, kv := range f.threadMedia {
		idx, path, ok := strings.Cut(kv, "=")
		n, err := strconv.Atoi(idx)
		if !ok || err != nil || n < 1 || n > len(f.thread) {
			return req, fmt.Errorf("invalid --thread-media %q, expected N=PATH with N between 1 and %d", kv, len(f.thread))
		}
		if req.ThreadMedia == nil {
			req.ThreadMedia = make(map[int][]string)
		}
		req.ThreadMedia[n-1] = append(req.ThreadMedia[n-1], path)
	}
	return req, nil
}

func newPostScheduleCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var content contentFlags
	var at string
	var cronExpr string
	var cronDesc string

	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Schedule a one-time or recurring post",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			if at == "" && cronExpr == "" {
				return errors.New("either --at or --cron is required")
			}

			req, err := content.request()
			if err != nil {
				return err
			}
			req.CronExpr = cronExpr
			req.CronDescription = cronDesc
			if at != "" {
				t, err := parseTime(at)
				if err != nil {
					return err
				}
				req.ScheduledTime = &t
			}

			post, err := client.SchedulePost(req)
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Post scheduled: %s", post.ID))
			out.Print(postHeaders, [][]string{postRow(*post)}, post)
			return nil
		},
	}

	content.register(cmd)
	cmd.Flags().StringVar(&at, "at", "", "Publish time (RFC 3339, e.g. 2026-03-01T12:00:00Z)")
	cmd.Flags().StringVar(&cronExpr, "cron", "", "Cron expression for a recurring post (e.g. '0 12 * * *')")
	cmd.Flags().StringVar(&cronDesc, "cron-desc", "", "Human-readable description of the cron expression")

	return cmd
}

func newPostPublishCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var content contentFlags

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish a post immediately without storing it",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			req, err := content.request()
			if err != nil {
				return err
			}

			res, err := client.PublishNow(req)
			if err != nil {
				return publishError(out, err)
			}

			out.Success(fmt.Sprintf("Published %d post(s)", len(res.Handles)))
			out.Print([]string{"#", "HANDLE"}, handleRows(res.Handles), res)
			return nil
		},
	}

	content.register(cmd)

	return cmd
}

func newPostUpdateCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var text string
	var thread []string
	var at string
	var cronExpr string
	var cronDesc string

	cmd := &cobra.Command{
		Use:   "update ID",
		Short: "Update a post",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			req := UpdatePostRequest{}
			if cmd.Flags().Changed("text") {
				req.Text = &text
			}
			if cmd.Flags().Changed("thread") {
				units := make([]ThreadUnitRequest, len(thread))
				for i, t := range thread {
					units[i].Text = t
				}
				isThread := len(units) > 0
				req.ThreadPosts = &units
				req.IsThread = &isThread
			}
			if cmd.Flags().Changed("at") {
				t, err := parseTime(at)
				if err != nil {
					return err
				}
				req.ScheduledTime = &t
			}
			if cmd.Flags().Changed("cron") {
				req.CronExpr = &cronExpr
			}
			if cmd.Flags().Changed("cron-desc") {
				req.CronDescription = &cronDesc
			}

			post, err := client.UpdatePost(args[0], req)
			if err != nil {
				return err
			}

			out.Success("Post updated")
			out.Print(postHeaders, [][]string{postRow(*post)}, post)
			return nil
		},
	}

	cmd.Flags().StringVar(&text, "text", "", "New post text")
	cmd.Flags().StringArrayVar(&thread, "thread", nil, "Replace thread continuations (repeatable)")
	cmd.Flags().StringVar(&at, "at", "", "New publish time (RFC 3339)")
	cmd.Flags().StringVar(&cronExpr, "cron", "", "New cron expression (empty string makes the post one-time)")
	cmd.Flags().StringVar(&cronDesc, "cron-desc", "", "New cron description")

	return cmd
}

func newPostDeleteCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "delete ID",
		Short: "Delete a post",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			if err := client.DeletePost(args[0]); err != nil {
				return err
			}

			out.Success("Post deleted")
			return nil
		},
	}
}

func newPostSendCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "send ID",
		Short: "Publish a stored post right now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			res, err := client.SendPost(args[0])
			if err != nil {
				return publishError(out, err)
			}

			out.Success(fmt.Sprintf("Published %d post(s)", len(res.Handles)))
			out.Print([]string{"#", "HANDLE"}, handleRows(res.Handles), res)
			return nil
		},
	}
}

// --- Helpers ---

// publishError печатает уже опубликованные части треда и возвращает ошибку.
func publishError(out *Output, err error) error {
	var apiErr *APIError
	if errors.As(err, &apiErr) && len(apiErr.Published) > 0 {
		out.Error(fmt.Sprintf("thread partially published (%d post(s))", len(apiErr.Published)))
		out.Print([]string{"#", "HANDLE"}, handleRows(apiErr.Published), apiErr.Published)
	}
	return err
}

func handleRows(handles []PostHandle) [][]string {
	rows := make([][]string, len(handles))
	for i, h := range handles {
		rows[i] = []string{strconv.Itoa(i + 1), h.ID}
	}
	return rows
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q, expected RFC 3339", s)
	}
	return t, nil
}

func truncate(s string, n int) string {
	r := []rune(strings.ReplaceAll(s, "\n", " "))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n-1]) + "…"
}
