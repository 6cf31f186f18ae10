package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"jean-claude-go/internal/chatclient"
	"jean-claude-go/internal/config"
	"jean-claude-go/internal/transcript"
	"jean-claude-go/pkg/log"
)

const helpText = `Commands:
  /new            start a new conversation
  /list           list saved transcripts
  /load <id>      continue a saved transcript
  /export [dir]   export all transcripts to Markdown
  /delete-all     delete every saved transcript
  /health         check the proxy
  /quit           exit`

// runChat 是交互式会话：每行输入是一条消息，以 / 开头的是命令。
func runChat(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg := config.Conf

	store, cleanup, err := openTranscripts(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	api := chatclient.NewAPIClient(cfg.Client)
	if !api.HealthCheck(ctx) {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: proxy at %s is not reachable, replies will be offline\n", cfg.Client.BaseURL)
	}

	r := &repl{
		out:     cmd.OutOrStdout(),
		session: chatclient.NewSession(api, store),
		store:   store,
		api:     api,
		cfg:     cfg,
	}
	return r.run(ctx, os.Stdin)
}

type repl struct {
	out     io.Writer
	session *chatclient.Session
	store   *transcript.Store
	api     *chatclient.APIClient
	cfg     config.Config
}

func (r *repl) run(ctx context.Context, in io.Reader) error {
	fmt.Fprintln(r.out, "Jean-Claude is listening. Type /help for commands.")
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for {
		fmt.Fprint(r.out, "\nyou> ")
		if !scanner.Scan() {
			fmt.Fprintln(r.out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			quit, err := r.command(ctx, line)
			if err != nil {
				fmt.Fprintf(r.out, "error: %v\n", err)
			}
			if quit {
				return nil
			}
			continue
		}

		r.send(ctx, line)
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (r *repl) send(ctx context.Context, text string) {
	fmt.Fprint(r.out, "jean-claude> ")
	reply, err := r.session.Send(ctx, text, func(chunk string) {
		fmt.Fprint(r.out, chunk)
	})
	fmt.Fprintln(r.out)

	var apiErr *chatclient.APIError
	switch {
	case err == nil:
	case errors.As(err, &apiErr) && apiErr.Code == chatclient.CodeRateLimited:
		if apiErr.RetryAfter > 0 {
			fmt.Fprintf(r.out, "! %s Try again in %ds.\n", apiErr.Message, apiErr.RetryAfter)
		} else {
			fmt.Fprintf(r.out, "! %s\n", apiErr.Message)
		}
		return
	case errors.Is(err, chatclient.ErrResponsePending):
		fmt.Fprintln(r.out, "! Jean-Claude is still answering, please wait.")
		return
	case errors.Is(err, context.Canceled):
		return
	default:
		fmt.Fprintf(r.out, "! %v\n", err)
		return
	}

	if reply.Degraded {
		fmt.Fprintln(r.out, "(offline reply)")
	}
	for _, n := range reply.Notices {
		fmt.Fprintf(r.out, "! %s\n", n)
	}
}

// command 执行一个 / 命令，返回 true 表示退出。
func (r *repl) command(ctx context.Context, line string) (bool, error) {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return true, nil

	case "/help":
		fmt.Fprintln(r.out, helpText)

	case "/new":
		r.session.NewChat()
		fmt.Fprintln(r.out, "Started a new conversation.")

	case "/list":
		all, err := r.store.GetAllTranscripts(ctx)
		if err != nil {
			return false, err
		}
		if len(all) == 0 {
			fmt.Fprintln(r.out, "No transcripts available.")
		}
		current := r.session.SessionID()
		for _, t := range all {
			marker := " "
			if t.ID == current {
				marker = "*"
			}
			fmt.Fprintf(r.out, "%s %s  %s (%d messages)\n", marker, t.ID, t.Title, len(t.Messages))
		}

	case "/load":
		if len(fields) < 2 {
			return false, errors.New("usage: /load <id>")
		}
		ok, err := r.session.LoadSession(ctx, fields[1])
		if err != nil {
			return false, err
		}
		if !ok {
			return false, fmt.Errorf("transcript %s not found", fields[1])
		}
		for _, m := range r.session.Messages() {
			speaker := "you"
			if m.IsBot {
				speaker = "jean-claude"
			}
			fmt.Fprintf(r.out, "%s> %s\n", speaker, m.Text)
		}

	case "/export":
		dir := r.cfg.Client.ExportDir
		if len(fields) > 1 {
			dir = fields[1]
		}
		path, err := r.store.DownloadMarkdown(ctx, dir)
		if err != nil {
			return false, err
		}
		fmt.Fprintf(r.out, "Exported to %s\n", path)

	case "/delete-all":
		if err := r.session.DeleteAll(ctx); err != nil {
			return false, err
		}
		fmt.Fprintln(r.out, "All transcripts deleted.")

	case "/health":
		if r.api.HealthCheck(ctx) {
			fmt.Fprintln(r.out, "Proxy is healthy.")
		} else {
			fmt.Fprintln(r.out, "Proxy is not reachable.")
		}

	default:
		log.Debugf("unknown command %q", fields[0])
		return false, fmt.Errorf("unknown command %s, type /help", fields[0])
	}
	return false, nil
}
