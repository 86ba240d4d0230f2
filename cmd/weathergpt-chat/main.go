// Command weathergpt-chat is a terminal client for WeatherGPT.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/term"

	"github.com/comigor/weathergpt-go/internal/app"
	"github.com/comigor/weathergpt-go/internal/chat"
	"github.com/comigor/weathergpt-go/internal/config"
	"github.com/comigor/weathergpt-go/internal/logger"
	"github.com/comigor/weathergpt-go/internal/render"
	"github.com/comigor/weathergpt-go/internal/units"
)

const help = `commands:
  /new [fast|advanced]     start a new session
  /sessions                list sessions
  /switch N                make session N current
  /delete N                delete session N
  /units metric|imperial   change units
  /image RATIO PROMPT      draw an image for the last reply
  /show                    show the last reply again
  /dismiss                 hide the alerts of the last reply
  /exit                    quit`

type repl struct {
	app *app.App
	r   *render.Renderer
	out io.Writer
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load configuration:", err)
		os.Exit(1)
	}
	logger.SetFormat("text", os.Stderr)
	logger.SetLevel(cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, _, err := app.Build(ctx, cfg)
	if err != nil {
		logger.L.Error("failed to initialize", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.L.Error("shutdown", "error", err)
		}
	}()

	rp := &repl{app: a, out: os.Stdout}
	if fd := int(os.Stdout.Fd()); term.IsTerminal(fd) {
		width := 80
		if w, _, err := term.GetSize(fd); err == nil && w > 0 {
			width = w
		}
		if rp.r, err = render.New(width, ""); err != nil {
			logger.L.Warn("markdown renderer unavailable", "error", err)
		}
	}

	fmt.Fprintln(rp.out, "WeatherGPT. Ask about the weather anywhere, or /help.")
	rp.run(ctx, os.Stdin)
}

func (rp *repl) run(ctx context.Context, in io.Reader) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		fmt.Fprint(rp.out, "> ")
		var line string
		select {
		case <-ctx.Done():
			return
		case l, ok := <-lines:
			if !ok {
				return
			}
			line = strings.TrimSpace(l)
		}
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if !rp.command(ctx, line) {
				return
			}
			continue
		}
		rp.ask(ctx, line)
	}
}

func (rp *repl) ask(ctx context.Context, text string) {
	turn, err := rp.app.Submit(ctx, text, nil)
	if err != nil {
		fmt.Fprintln(rp.out, "error:", err)
		return
	}
	select {
	case <-turn.Done():
	case <-ctx.Done():
		return
	}
	rp.show(turn.SessionID, turn.AssistantMessageID)
}

func (rp *repl) show(sessionID, messageID string) {
	msg, ok := rp.app.Store.Message(sessionID, messageID)
	if !ok {
		return
	}
	fmt.Fprintln(rp.out, rp.r.Render(render.Markdown(msg, rp.app.VisibleAlerts(msg.Alerts))))
}

// lastReply returns the newest assistant message of the current session.
func (rp *repl) lastReply() (string, chat.Message, bool) {
	sess, ok := rp.app.Store.Session(rp.app.Store.CurrentID())
	if !ok {
		return "", chat.Message{}, false
	}
	for i := len(sess.Messages) - 1; i >= 0; i-- {
		if m := sess.Messages[i]; m.Role == chat.RoleAssistant {
			return sess.ID, m, true
		}
	}
	return "", chat.Message{}, false
}

// sessionAt resolves a 1-based index from /sessions.
func (rp *repl) sessionAt(arg string) (string, error) {
	n, err := strconv.Atoi(arg)
	sessions := rp.app.Store.Sessions()
	if err != nil || n < 1 || n > len(sessions) {
		return "", fmt.Errorf("no session %q", arg)
	}
	return sessions[n-1].ID, nil
}

func (rp *repl) command(ctx context.Context, line string) bool {
	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	var err error
	switch name {
	case "/exit", "/quit":
		return false
	case "/help":
		fmt.Fprintln(rp.out, help)
	case "/new":
		sess := rp.app.NewSession(chat.ModelTier(arg))
		fmt.Fprintf(rp.out, "new %s session\n", sess.Model)
	case "/sessions":
		current := rp.app.Store.CurrentID()
		for i, s := range rp.app.Store.Sessions() {
			mark := " "
			if s.ID == current {
				mark = "*"
			}
			fmt.Fprintf(rp.out, "%s %d. %s (%s, %d messages)\n", mark, i+1, s.Title, s.Model, len(s.Messages))
		}
	case "/switch":
		var id string
		if id, err = rp.sessionAt(arg); err == nil {
			err = rp.app.SwitchSession(id)
		}
	case "/delete":
		var id string
		if id, err = rp.sessionAt(arg); err == nil {
			err = rp.app.DeleteSession(id)
		}
	case "/units":
		s := rp.app.UpdateSettings(func(s *chat.Settings) { s.Units = units.Parse(arg) })
		fmt.Fprintln(rp.out, "units:", s.Units)
	case "/image":
		ratio, prompt, _ := strings.Cut(arg, " ")
		sid, msg, ok := rp.lastReply()
		if !ok {
			err = errors.New("nothing to illustrate yet")
			break
		}
		if err = rp.app.GenerateImage(ctx, sid, msg.ID, prompt, ratio); err == nil {
			rp.app.Wait()
			rp.show(sid, msg.ID)
		}
	case "/show":
		if sid, msg, ok := rp.lastReply(); ok {
			rp.show(sid, msg.ID)
		}
	case "/dismiss":
		if _, msg, ok := rp.lastReply(); ok {
			rp.app.DismissAll(msg.Alerts)
		}
	default:
		err = fmt.Errorf("unknown command %s", name)
	}
	if err != nil {
		fmt.Fprintln(rp.out, "error:", err)
	}
	return true
}
