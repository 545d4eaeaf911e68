package messaging

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/fatih/color"
)

// Console is a Surface over a terminal: Send prints, Poll returns lines
// typed since the previous Poll.
type Console struct {
	out io.Writer

	mu      sync.Mutex
	pending []Inbound
	seq     int
	once    sync.Once
	in      io.Reader
}

// NewConsole writes to out and reads lines from in. in may be nil.
func NewConsole(out io.Writer, in io.Reader) *Console {
	return &Console{out: out, in: in}
}

// Name returns "console".
func (c *Console) Name() string { return "console" }

var channelColor = color.New(color.FgCyan, color.Bold)

// Send prints msg prefixed with its channel.
func (c *Console) Send(ctx context.Context, msg Outbound) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	prefix := channelColor.Sprintf("[%s]", msg.ChannelID)
	if _, err := fmt.Fprintf(c.out, "%s %s\n", prefix, msg.Text); err != nil {
		return fmt.Errorf("console send: %w", err)
	}
	return nil
}

// Poll returns the lines read from in since the last call.
func (c *Console) Poll(ctx context.Context) ([]Inbound, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.once.Do(c.startReader)

	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.pending
	c.pending = nil
	return out, nil
}

func (c *Console) startReader() {
	if c.in == nil {
		return
	}
	go func() {
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			c.mu.Lock()
			c.seq++
			c.pending = append(c.pending, Inbound{
				ID:        strconv.Itoa(c.seq),
				ChannelID: "console",
				SenderID:  "user",
				Text:      scanner.Text(),
			})
			c.mu.Unlock()
		}
	}()
}
