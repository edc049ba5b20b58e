// Package play drives sessions from a line-oriented terminal: the Dungeon
// Master adventure and the scene menu with its character conversations.
package play

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/dotsetgreg/dungeon/pkg/chat"
	"github.com/dotsetgreg/dungeon/pkg/convo"
	"github.com/dotsetgreg/dungeon/pkg/logger"
)

// LineReader reads one line of user input after showing prompt. It returns
// io.EOF when input ends.
type LineReader interface {
	ReadLine(prompt string) (string, error)
}

// ScannerReader is a LineReader over a plain reader.
type ScannerReader struct {
	sc  *bufio.Scanner
	out io.Writer
}

func NewScannerReader(r io.Reader, promptOut io.Writer) *ScannerReader {
	return &ScannerReader{sc: bufio.NewScanner(r), out: promptOut}
}

func (s *ScannerReader) ReadLine(prompt string) (string, error) {
	if s.out != nil {
		fmt.Fprint(s.out, prompt)
	}
	if !s.sc.Scan() {
		if err := s.sc.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return s.sc.Text(), nil
}

// Turn is the outcome of one user turn. Summary is set when a summary round
// ran after the reply.
type Turn struct {
	Reply   chat.Message
	Summary *chat.Message
}

// Conversation runs user turns against one session.
type Conversation struct {
	session *convo.Session
	in      LineReader
	out     io.Writer
	prompt  string
}

func NewConversation(session *convo.Session, in LineReader, out io.Writer) *Conversation {
	return &Conversation{session: session, in: in, out: out, prompt: "> "}
}

// Turn sends input through the session: store it, reply, then summarize if
// due. ok is false when input was the stop phrase.
func (c *Conversation) Turn(ctx context.Context, input string) (Turn, bool, error) {
	_, ok, err := c.session.ProcessUserResponse(ctx, chat.UserMessage(input))
	if err != nil || !ok {
		return Turn{}, false, err
	}
	reply, err := c.session.ProcessAPIResponse(ctx)
	if err != nil {
		return Turn{}, true, err
	}
	t := Turn{Reply: reply}
	summary, did, err := c.session.Summarize(ctx)
	if err != nil {
		return t, true, fmt.Errorf("summarize: %w", err)
	}
	if did {
		t.Summary = &summary
	}
	return t, true, nil
}

// Loop reads and answers input until the session stops. It returns io.EOF
// when input ends first. Failed turns are reported and the loop goes on.
func (c *Conversation) Loop(ctx context.Context) error {
	for {
		line, err := c.in.ReadLine(c.prompt)
		if err != nil {
			return err
		}
		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}

		t, ok, err := c.Turn(ctx, input)
		if err != nil {
			if errors.Is(err, convo.ErrStopped) {
				return nil
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			logger.ErrorCF("play", "Turn failed", map[string]interface{}{
				"session": c.session.ID(),
				"error":   err.Error(),
			})
			fmt.Fprintf(c.out, "Error: %v\n", err)
			if t.Reply.Content != "" {
				fmt.Fprintf(c.out, "Assistant: %s\n", t.Reply.Content)
			}
			continue
		}
		if !ok {
			fmt.Fprintln(c.out, "Session ended")
			return nil
		}
		if t.Summary != nil {
			fmt.Fprintf(c.out, "Summary: %s\n", t.Summary.Content)
		}
		fmt.Fprintf(c.out, "Assistant: %s\n", t.Reply.Content)
	}
}

// Adventure is the Dungeon Master game: an opening reply, then turns until
// the user types the stop phrase.
type Adventure struct {
	session *convo.Session
	conv    *Conversation
	out     io.Writer
}

func NewAdventure(session *convo.Session, in LineReader, out io.Writer) *Adventure {
	return &Adventure{session: session, conv: NewConversation(session, in, out), out: out}
}

func (a *Adventure) Run(ctx context.Context) error {
	logger.InfoCF("play", "Adventure started", map[string]interface{}{"session": a.session.ID()})
	opening, err := a.session.InitStory(ctx)
	if err != nil {
		return fmt.Errorf("start story: %w", err)
	}
	fmt.Fprintf(a.out, "Assistant: %s\n", opening.Content)

	err = a.conv.Loop(ctx)
	if errors.Is(err, io.EOF) {
		err = nil
	}
	fmt.Fprintf(a.out, "Used %d tokens\n", a.session.Usage().TotalTokens)
	logger.InfoCF("play", "Adventure ended", map[string]interface{}{"session": a.session.ID()})
	return err
}
