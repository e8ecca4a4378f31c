// Package console is the line-oriented front end of a chat: commands are
// read from an input stream and chat updates are printed to an output
// stream.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/messages"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/status"
	intsync "github.com/matheus3301/chatsync/internal/sync"
)

// ErrQuit is returned by Execute for /quit.
var ErrQuit = errors.New("quit")

// Engine is the part of *sync.Engine the console drives.
type Engine interface {
	ChatID() int64
	Send(ctx context.Context, text string, replyToID int64) (int64, error)
	Edit(ctx context.Context, id int64, text string) error
	EditPending(ctx context.Context, key int64, text string) error
	Delete(ctx context.Context, id int64) error
	DeletePending(ctx context.Context, key int64) error
	Pin(ctx context.Context, id int64, pinned bool) error
	Retry(ctx context.Context, key int64) (bool, error)
	SetVisibility(ctx context.Context, visible, focused bool) error
	Messages(ctx context.Context) ([]messages.Message, error)
}

// Console binds one engine to a terminal.
type Console struct {
	engine Engine
	selfID int64
	in     io.Reader
	logger *zap.Logger

	mu  sync.Mutex // guards out
	out io.Writer

	visible bool
	focused bool
}

// New creates a console for engine. The chat starts visible and focused.
func New(engine Engine, selfID int64, in io.Reader, out io.Writer, logger *zap.Logger) *Console {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Console{
		engine:  engine,
		selfID:  selfID,
		in:      in,
		out:     out,
		logger:  logger,
		visible: true,
		focused: true,
	}
}

// Run reads commands until the input ends, /quit is entered or ctx is done.
// Command errors are printed and do not stop the loop.
func (c *Console) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := c.engine.SetVisibility(ctx, c.visible, c.focused); err != nil {
		return err
	}
	c.printf("chat %d: type a message, or /help\n", c.engine.ChatID())

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			err := c.Execute(ctx, line)
			if errors.Is(err, ErrQuit) {
				return nil
			}
			if errors.Is(err, intsync.ErrEngineClosed) {
				return err
			}
			if err != nil {
				c.printf("error: %v\n", err)
			}
		}
	}
}

// Execute runs one input line.
func (c *Console) Execute(ctx context.Context, line string) error {
	cmd := ParseCommand(line)
	switch cmd.Name {
	case "send":
		if cmd.Args == "" {
			return nil
		}
		_, err := c.engine.Send(ctx, cmd.Args, 0)
		return err
	case "reply":
		ref, text, err := splitRef(cmd.Args)
		if err != nil {
			return err
		}
		if ref.Pending {
			return fmt.Errorf("cannot reply to unsent message %s", ref)
		}
		_, err = c.engine.Send(ctx, text, ref.ID)
		return err
	case "edit":
		ref, text, err := splitRef(cmd.Args)
		if err != nil {
			return err
		}
		if ref.Pending {
			return c.engine.EditPending(ctx, ref.ID, text)
		}
		return c.engine.Edit(ctx, ref.ID, text)
	case "delete":
		ref, err := ParseRef(cmd.Args)
		if err != nil {
			return err
		}
		if ref.Pending {
			return c.engine.DeletePending(ctx, ref.ID)
		}
		return c.engine.Delete(ctx, ref.ID)
	case "pin", "unpin":
		ref, err := ParseRef(cmd.Args)
		if err != nil {
			return err
		}
		if ref.Pending {
			return fmt.Errorf("cannot pin unsent message %s", ref)
		}
		return c.engine.Pin(ctx, ref.ID, cmd.Name == "pin")
	case "retry":
		ref, err := ParseRef(cmd.Args)
		if err != nil {
			return err
		}
		ok, err := c.engine.Retry(ctx, ref.ID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("no pending message p%d", ref.ID)
		}
		return nil
	case "focus":
		c.visible, c.focused = true, true
		return c.engine.SetVisibility(ctx, c.visible, c.focused)
	case "blur":
		c.focused = false
		return c.engine.SetVisibility(ctx, c.visible, c.focused)
	case "hide":
		c.visible = false
		return c.engine.SetVisibility(ctx, c.visible, c.focused)
	case "show":
		c.visible = true
		return c.engine.SetVisibility(ctx, c.visible, c.focused)
	case "list":
		msgs, err := c.engine.Messages(ctx)
		if err != nil {
			return err
		}
		c.printf("%s", FormatList(c.engine.ChatID(), msgs, c.selfID))
		return nil
	case "help":
		c.printf("%s", helpText)
		return nil
	case "quit", "exit":
		return ErrQuit
	default:
		return fmt.Errorf("unknown command /%s", cmd.Name)
	}
}

const helpText = `commands:
  <text>               Send a message
  /reply <id> <text>   Reply to a message
  /edit <ref> <text>   Edit a message (ref: id or p<key> for unsent)
  /delete <ref>        Delete a message
  /pin <id>            Pin a message
  /unpin <id>          Unpin a message
  /retry <key>         Resend a failed message
  /focus /blur         Focus or blur the chat
  /show /hide          Show or hide the chat
  /list                Print the chat
  /quit                Leave
`

// Watch prints bus events until events is closed or ctx is done.
func (c *Console) Watch(ctx context.Context, events <-chan bus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.render(ev)
		}
	}
}

func (c *Console) render(ev bus.Event) {
	switch p := ev.Payload.(type) {
	case intsync.Update:
		c.printf("%s", FormatList(p.ChatID, p.Messages, c.selfID))
	case status.StatusChange:
		c.printf("[%s]\n", p.To)
	case status.Unreachable:
		c.printf("[offline] server unreachable after %d attempts, messages stay queued\n", p.Attempts)
	case outbox.PendingOp:
		if ev.Kind == bus.KindOutboxFailed {
			c.printf("[failed] p%d was not delivered, /retry %d to resend\n", p.PendingKey, p.PendingKey)
		}
	default:
		c.logger.Debug("event not rendered", zap.String("kind", ev.Kind))
	}
}

func (c *Console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = fmt.Fprintf(c.out, format, args...)
}
