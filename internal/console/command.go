package console

import (
	"fmt"
	"strconv"
	"strings"
)

// Command represents a parsed command.
type Command struct {
	Name string
	Args string
}

// ParseCommand parses an input line. Lines that do not start with '/' are a
// "send" command carrying the whole line.
func ParseCommand(input string) Command {
	input = strings.TrimSpace(input)
	if !strings.HasPrefix(input, "/") {
		return Command{Name: "send", Args: input}
	}
	parts := strings.SplitN(input[1:], " ", 2)
	cmd := Command{Name: strings.ToLower(parts[0])}
	if len(parts) > 1 {
		cmd.Args = strings.TrimSpace(parts[1])
	}
	return cmd
}

// Ref points at a message: a server id, or a pending key written "p<key>".
type Ref struct {
	ID      int64
	Pending bool
}

func (r Ref) String() string {
	if r.Pending {
		return fmt.Sprintf("p%d", r.ID)
	}
	return fmt.Sprintf("#%d", r.ID)
}

// ParseRef parses "12", "#12" or "p1700000000000".
func ParseRef(s string) (Ref, error) {
	var r Ref
	switch {
	case strings.HasPrefix(s, "p"):
		r.Pending = true
		s = s[1:]
	case strings.HasPrefix(s, "#"):
		s = s[1:]
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return Ref{}, fmt.Errorf("invalid message reference %q", s)
	}
	r.ID = id
	return r, nil
}

// splitRef splits "<ref> <text>".
func splitRef(args string) (Ref, string, error) {
	head, rest, _ := strings.Cut(args, " ")
	ref, err := ParseRef(head)
	if err != nil {
		return Ref{}, "", err
	}
	return ref, strings.TrimSpace(rest), nil
}
