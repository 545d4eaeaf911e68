// Package tools defines agent capabilities and the tier-checked toolbox a
// session invokes them through.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ShayCichocki/superagents/pkg/models"
)

var (
	// ErrTierDenied is returned when a tool's tier exceeds the toolbox maximum.
	ErrTierDenied = errors.New("tool tier exceeds session maximum")
	// ErrUnknownTool is returned for a call to an unregistered tool.
	ErrUnknownTool = errors.New("unknown tool")
)

// Call is a single tool invocation.
type Call struct {
	Name   string
	Params map[string]any
}

// String returns the string parameter key, or "" if absent.
func (c Call) String(key string) string {
	v, _ := c.Params[key].(string)
	return v
}

// Result is the outcome of a tool invocation.
type Result struct {
	Success bool
	Output  any
	Error   string
}

// Tool is an agent capability.
type Tool interface {
	Name() string
	Tier() models.Tier
	Invoke(ctx context.Context, call Call) (Result, error)
}

// Toolbox holds the tools available to one session and refuses any whose
// tier is above its maximum.
type Toolbox struct {
	max models.Tier

	mu    sync.RWMutex
	tools map[string]Tool
}

// NewToolbox creates a toolbox capped at max.
func NewToolbox(max models.Tier, tools ...Tool) *Toolbox {
	if !max.Valid() {
		max = models.TierRead
	}
	b := &Toolbox{max: max, tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		b.Register(t)
	}
	return b
}

// Max returns the toolbox tier cap.
func (b *Toolbox) Max() models.Tier { return b.max }

// Register adds t, replacing any tool with the same name. Tools above the
// cap may be registered; invoking them is refused.
func (b *Toolbox) Register(t Tool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tools[t.Name()] = t
}

// Names returns the names of the tools the session may invoke, sorted.
func (b *Toolbox) Names() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var names []string
	for name, t := range b.tools {
		if t.Tier().AtMost(b.max) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Invoke runs the named tool if its tier is allowed.
func (b *Toolbox) Invoke(ctx context.Context, call Call) (Result, error) {
	b.mu.RLock()
	t, ok := b.tools[call.Name]
	b.mu.RUnlock()

	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownTool, call.Name)
	}
	if !t.Tier().AtMost(b.max) {
		return Result{}, fmt.Errorf("%w: %s is %s, max %s", ErrTierDenied, call.Name, t.Tier(), b.max)
	}
	return t.Invoke(ctx, call)
}
