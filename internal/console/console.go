// Package console is the interactive front end of alarmd: it reads
// "Alarm>" commands from a terminal, submits and cancels alarms through the
// broker, and prints alarms as they fire.
//
// Input:
//
//	<seconds> Message(<n>) <text>    schedule, replacing any live Message(<n>)
//	Cancel: Message(<n>)             cancel the live Message(<n>)
//
// Output:
//
//	Alarm Request Received at <unix>:<seconds text>
//	<seconds> Message(<n>) <text>    when an alarm fires
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/snehjoshi/epochalarm/internal/broker"
	"github.com/snehjoshi/epochalarm/internal/scheduler"
)

// Console binds a line-oriented input to a broker.
type Console struct {
	b      *broker.Broker
	in     io.Reader
	prompt string
	drain  bool

	mu     sync.Mutex // serialises writes from the reader and printer
	out    io.Writer
	errOut io.Writer
}

// Option configures a Console.
type Option func(*Console)

// WithDrain makes Run keep printing fired alarms after the input ends, and
// return only once the broker is idle.
func WithDrain() Option {
	return func(c *Console) { c.drain = true }
}

// New returns a Console reading commands from in. Results and fired alarms
// go to out; rejected input goes to errOut.
func New(b *broker.Broker, in io.Reader, out, errOut io.Writer, prompt string, opts ...Option) *Console {
	c := &Console{b: b, in: in, out: out, errOut: errOut, prompt: prompt}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Run prints fired alarms and executes input lines until the input reaches
// EOF (or, with WithDrain, until the broker is idle after EOF) or ctx is
// canceled. A read blocked on a terminal is left behind when
// ctx ends; the process is expected to exit soon after.
func (c *Console) Run(ctx context.Context) error {
	sub := c.b.Subscribe()
	defer sub.Close()

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(c.in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- sc.Err()
	}()

	c.printf(c.out, "%s", c.prompt)
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-sub.C():
			if !ok {
				return nil
			}
			c.fired(d)
		case line := <-lines:
			c.Exec(line)
			c.printf(c.out, "%s", c.prompt)
		case err := <-readErr:
			if err != nil {
				return fmt.Errorf("console: read: %w", err)
			}
			if c.drain {
				c.drainUntilIdle(ctx, sub)
			}
			return nil
		}
	}
}

// drainUntilIdle prints fired alarms until the broker has nothing left.
func (c *Console) drainUntilIdle(ctx context.Context, sub *broker.Subscription) {
	t := time.NewTicker(20 * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-sub.C():
			if !ok {
				return
			}
			c.fired(d)
		case <-t.C:
			if !c.b.Idle() {
				continue
			}
			// Idle means every delivery was already published.
			for {
				select {
				case d, ok := <-sub.C():
					if !ok {
						return
					}
					c.fired(d)
				default:
					return
				}
			}
		}
	}
}

func (c *Console) fired(d scheduler.Delivery) {
	c.printf(c.out, "%d Message(%d) %s\n", d.Seconds(), d.ID, d.Payload)
}

// Exec runs a single command line.
func (c *Console) Exec(line string) {
	cmd, err := Parse(line)
	if err != nil {
		c.printf(c.errOut, "Bad command\n")
		return
	}

	switch cmd.Kind {
	case KindNone:
	case KindSubmit:
		resp, err := c.b.Submit(broker.SubmitRequest{ID: cmd.ID, Delay: cmd.Delay(), Message: cmd.Message})
		if err != nil {
			if errors.Is(err, broker.ErrInvalidDelay) {
				c.printf(c.errOut, "Bad command: %v\n", err)
				return
			}
			c.printf(c.errOut, "%v\n", err)
			return
		}
		c.printf(c.out, "Alarm Request Received at <%d>:<%d %s>\n",
			resp.SubmittedAt.Unix(), resp.Seconds(), resp.Payload)
		if resp.Replaced() {
			c.printf(c.out, "Alarm with Message Number(%d) EXISTS! Replacing that alarm.\n", cmd.ID)
		}
	case KindCancel:
		_, found, err := c.b.Cancel(cmd.ID)
		if err != nil {
			c.printf(c.errOut, "%v\n", err)
			return
		}
		if found {
			c.printf(c.out, "Alarm Message(%d) canceled\n", cmd.ID)
		} else {
			c.printf(c.out, "No alarm with Message(%d) to cancel\n", cmd.ID)
		}
	}
}

func (c *Console) printf(w io.Writer, format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(w, format, args...)
}
