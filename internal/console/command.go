package console

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/snehjoshi/epochalarm/internal/broker"
)

// ErrBadCommand is returned by Parse for lines matching no command.
var ErrBadCommand = errors.New("console: bad command")

// Kind identifies a parsed command.
type Kind int

const (
	// KindNone is a blank line.
	KindNone Kind = iota
	// KindSubmit is "<seconds> Message(<n>) <text>".
	KindSubmit
	// KindCancel is "Cancel: Message(<n>)".
	KindCancel
)

// Command is one parsed console line.
type Command struct {
	Kind    Kind
	ID      int
	Seconds int
	Message string
}

// Delay returns the submit delay.
func (c Command) Delay() time.Duration { return time.Duration(c.Seconds) * time.Second }

var (
	submitRe = regexp.MustCompile(`^(-?\d+)\s+Message\((-?\d+)\)\s+(\S.*)$`)
	cancelRe = regexp.MustCompile(`^Cancel:\s*Message\((-?\d+)\)$`)
)

// Parse turns one input line into a Command.
func Parse(line string) (Command, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Command{Kind: KindNone}, nil
	}

	if m := submitRe.FindStringSubmatch(line); m != nil {
		secs, err := strconv.Atoi(m[1])
		if err != nil || !broker.SecondsInRange(secs) {
			return Command{}, ErrBadCommand
		}
		id, err := strconv.Atoi(m[2])
		if err != nil {
			return Command{}, ErrBadCommand
		}
		return Command{Kind: KindSubmit, ID: id, Seconds: secs, Message: m[3]}, nil
	}

	if m := cancelRe.FindStringSubmatch(line); m != nil {
		id, err := strconv.Atoi(m[1])
		if err != nil {
			return Command{}, ErrBadCommand
		}
		return Command{Kind: KindCancel, ID: id}, nil
	}

	return Command{}, ErrBadCommand
}
