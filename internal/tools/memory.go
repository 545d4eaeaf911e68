package tools

import (
	"context"

	"github.com/ShayCichocki/superagents/internal/memory"
	"github.com/ShayCichocki/superagents/pkg/models"
)

// Recaller is the read side of the memory store.
type Recaller interface {
	Recall(ctx context.Context, q memory.RecallQuery) ([]memory.Record, error)
}

// Writer is the write side of the memory store.
type Writer interface {
	Write(ctx context.Context, r memory.Record) (memory.Record, error)
}

// RecallTool searches memory. Params: "query", optional "type".
type RecallTool struct {
	store Recaller
}

// NewRecallTool returns a read-tier memory search tool.
func NewRecallTool(store Recaller) *RecallTool {
	return &RecallTool{store: store}
}

func (t *RecallTool) Name() string      { return "memory_recall" }
func (t *RecallTool) Tier() models.Tier { return models.TierRead }

func (t *RecallTool) Invoke(ctx context.Context, call Call) (Result, error) {
	q := memory.NewRecallQuery(call.String("query"))
	if typ := call.String("type"); typ != "" {
		mt, err := memory.ParseType(typ)
		if err != nil {
			return Result{Error: err.Error()}, nil
		}
		q = q.WithType(mt)
	}

	records, err := t.store.Recall(ctx, q)
	if err != nil {
		return Result{}, err
	}
	return Result{Success: true, Output: records}, nil
}

// RememberTool writes a memory on behalf of a session.
// Params: "type", "content".
type RememberTool struct {
	store   Writer
	session models.SessionID
}

// NewRememberTool returns a write-tier memory tool bound to session.
func NewRememberTool(store Writer, session models.SessionID) *RememberTool {
	return &RememberTool{store: store, session: session}
}

func (t *RememberTool) Name() string      { return "memory_write" }
func (t *RememberTool) Tier() models.Tier { return models.TierWrite }

func (t *RememberTool) Invoke(ctx context.Context, call Call) (Result, error) {
	mt, err := memory.ParseType(call.String("type"))
	if err != nil {
		return Result{Error: err.Error()}, nil
	}

	rec, err := t.store.Write(ctx, memory.Record{
		Type:      mt,
		Content:   call.String("content"),
		SessionID: t.session,
	})
	if err != nil {
		return Result{Error: err.Error()}, nil
	}
	return Result{Success: true, Output: rec.ID}, nil
}
