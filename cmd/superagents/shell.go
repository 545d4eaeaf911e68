package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ShayCichocki/superagents/internal/memory"
	"github.com/ShayCichocki/superagents/internal/messaging"
	"github.com/ShayCichocki/superagents/internal/runtime"
	"github.com/ShayCichocki/superagents/internal/tools"
	"github.com/ShayCichocki/superagents/pkg/models"
)

const shellHelp = `commands:
  recall <text>              search memory in a read-only branch
  remember <type> <content>  store a decision, fact, identity or preference
  help                       show this message`

// shell turns console lines into branch sessions of the main session.
// Results reach the console through the main inbox.
type shell struct {
	rt      *runtime.Runtime
	surface messaging.Surface
	logger  *slog.Logger
}

func parseCommand(text string) (verb, rest string) {
	text = strings.TrimSpace(text)
	verb, rest, _ = strings.Cut(text, " ")
	return strings.ToLower(verb), strings.TrimSpace(rest)
}

func (s *shell) handle(ctx context.Context, msg messaging.Inbound) {
	verb, rest := parseCommand(msg.Text)
	switch verb {
	case "":
		return
	case "help":
		s.reply(ctx, shellHelp)
	case "recall":
		if rest == "" {
			s.reply(ctx, "usage: recall <text>")
			return
		}
		s.spawn(ctx, recallTask(rest))
	case "remember":
		typ, content, _ := strings.Cut(rest, " ")
		if _, err := memory.ParseType(typ); err != nil || strings.TrimSpace(content) == "" {
			s.reply(ctx, "usage: remember <decision|fact|identity|preference> <content>")
			return
		}
		s.spawn(ctx, rememberTask(typ, strings.TrimSpace(content)), runtime.WithTier(models.TierWrite))
	default:
		s.reply(ctx, fmt.Sprintf("unknown command %q, try help", verb))
	}
}

func (s *shell) spawn(ctx context.Context, task runtime.Task, opts ...runtime.SpawnOption) {
	id, err := s.rt.SpawnBranch(s.rt.Main(), task, opts...)
	if err != nil {
		s.logger.Warn("spawn branch failed", "error", err)
		s.reply(ctx, "could not start branch: "+err.Error())
		return
	}
	s.logger.Debug("branch started from console", "session", id)
}

func (s *shell) reply(ctx context.Context, text string) {
	if err := s.surface.Send(ctx, messaging.Outbound{ChannelID: "main", Text: text}); err != nil {
		s.logger.Warn("console reply failed", "error", err)
	}
}

func recallTask(query string) runtime.Task {
	return func(ctx context.Context, w *runtime.Worker) (string, error) {
		res, err := w.Tools.Invoke(ctx, tools.Call{Name: "memory_recall", Params: map[string]any{"query": query}})
		if err != nil {
			return "", err
		}
		if !res.Success {
			return "", errors.New(res.Error)
		}
		records, _ := res.Output.([]memory.Record)
		if len(records) == 0 {
			return fmt.Sprintf("no memories match %q", query), nil
		}
		lines := make([]string, 0, len(records))
		for _, r := range records {
			lines = append(lines, fmt.Sprintf("[%s] %s", r.Type, r.Content))
		}
		return strings.Join(lines, "\n"), nil
	}
}

func rememberTask(typ, content string) runtime.Task {
	return func(ctx context.Context, w *runtime.Worker) (string, error) {
		res, err := w.Tools.Invoke(ctx, tools.Call{Name: "memory_write", Params: map[string]any{"type": typ, "content": content}})
		if err != nil {
			return "", err
		}
		if !res.Success {
			return "", errors.New(res.Error)
		}
		return fmt.Sprintf("remembered %s %v", typ, res.Output), nil
	}
}
