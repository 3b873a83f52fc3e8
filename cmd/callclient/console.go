package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/gookit/color"
	"github.com/olekukonko/tablewriter"

	router "github.com/Kashmala488/Learning-Sync-sub000/internal/adapters/http"
	"github.com/Kashmala488/Learning-Sync-sub000/internal/app/chat"
	"github.com/Kashmala488/Learning-Sync-sub000/internal/app/session"
	"github.com/Kashmala488/Learning-Sync-sub000/internal/domain"
)

var errQuit = errors.New("quit")

const usage = `commands:
  /mic /cam /screen         toggle local media
  /mute <id> /unmute <id>   moderate a participant
  /say <text>               group message (plain text works too)
  /dm <id> <text>           private message
  /send <path> [id]         send a file to the room or to id
  /who                      list participants
  /history [id]             group or private history
  /leave /end               leave, or end the call for everyone`

// console drives a session from line-oriented text input.
type console struct {
	sess     router.Session
	out      io.Writer
	timeout  time.Duration
	readFile func(string) ([]byte, error)
}

func newConsole(sess router.Session, out io.Writer) *console {
	return &console{sess: sess, out: out, timeout: 5 * time.Second, readFile: os.ReadFile}
}

// run reads commands until input ends, ctx is done or a quit command.
func (c *console) run(ctx context.Context, in io.Reader) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				c.sess.Leave()
				return
			}
			err := c.exec(ctx, line)
			if errors.Is(err, errQuit) {
				return
			}
			if err != nil {
				fmt.Fprintln(c.out, color.Red.Render("error: "+err.Error()))
			}
		}
	}
}

func (c *console) exec(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		line = "/say " + line
	}
	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	switch cmd {
	case "/help":
		fmt.Fprintln(c.out, usage)
		return nil
	case "/mic":
		return c.toggled(c.sess.ToggleMic(ctx))
	case "/cam":
		return c.toggled(c.sess.ToggleCamera(ctx))
	case "/screen":
		return c.toggled(c.sess.ToggleScreenShare(ctx))
	case "/mute", "/unmute":
		if rest == "" {
			return fmt.Errorf("usage: %s <id>", cmd)
		}
		if cmd == "/mute" {
			return c.sess.Mute(ctx, domain.ParticipantID(rest))
		}
		return c.sess.Unmute(ctx, domain.ParticipantID(rest))
	case "/say":
		_, err := c.sess.SendGroup(ctx, rest, nil)
		return err
	case "/dm":
		to, text, _ := strings.Cut(rest, " ")
		if to == "" {
			return errors.New("usage: /dm <id> <text>")
		}
		_, err := c.sess.SendPrivate(ctx, domain.ParticipantID(to), strings.TrimSpace(text), nil)
		return err
	case "/send":
		return c.send(ctx, rest)
	case "/who":
		return c.who(ctx)
	case "/history":
		scope := domain.GroupScope()
		if rest != "" {
			scope = domain.PrivateScope(domain.ParticipantID(rest))
		}
		msgs, err := c.sess.History(ctx, scope)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			fmt.Fprintln(c.out, formatChat(m))
		}
		return nil
	case "/leave":
		c.sess.Leave()
		return errQuit
	case "/end":
		if err := c.sess.End(ctx); err != nil {
			return err
		}
		return errQuit
	default:
		return fmt.Errorf("unknown command %s, try /help", cmd)
	}
}

func (c *console) toggled(err error) error {
	if err != nil {
		return err
	}
	f := c.sess.Flags()
	fmt.Fprintf(c.out, "mic=%s camera=%s screen=%s\n", onOff(f.Mic), onOff(f.Camera), onOff(f.ScreenShare))
	return nil
}

func (c *console) send(ctx context.Context, args string) error {
	path, to, _ := strings.Cut(args, " ")
	if path == "" {
		return errors.New("usage: /send <path> [id]")
	}
	data, err := c.readFile(path)
	if err != nil {
		return err
	}
	att, err := chat.NewAttachment(path, data)
	if err != nil {
		return err
	}
	if to = strings.TrimSpace(to); to != "" {
		_, err = c.sess.SendPrivate(ctx, domain.ParticipantID(to), "", att)
		return err
	}
	_, err = c.sess.SendGroup(ctx, "", att)
	return err
}

func (c *console) who(ctx context.Context) error {
	snap, err := c.sess.Snapshot(ctx)
	if err != nil {
		return err
	}
	links := make(map[domain.ParticipantID]string, len(snap.Links))
	for _, l := range snap.Links {
		links[l.Peer] = l.State
	}

	table := tablewriter.NewWriter(c.out)
	table.SetHeader([]string{"ID", "Name", "Mic", "Camera", "Screen", "Moderator", "Link"})
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	for _, p := range snap.Participants {
		link := links[p.ID]
		if p.ID == snap.LocalID {
			link = "local"
		}
		table.Append([]string{
			string(p.ID), p.DisplayName,
			onOff(p.Mic), onOff(p.Camera), onOff(p.ScreenShare),
			yesNo(p.IsModerator), link,
		})
	}
	table.Render()
	return nil
}

// printEvent renders one session event; it returns false for events
// with nothing to show.
func printEvent(out io.Writer, ev session.Event) bool {
	switch ev.Kind {
	case session.EventStateChanged:
		fmt.Fprintln(out, color.Green.Render("session "+ev.State.String()))
	case session.EventNotice:
		fmt.Fprintln(out, color.Yellow.Render("notice: "+eventText(ev)))
	case session.EventFatal:
		fmt.Fprintln(out, color.Red.Render("fatal: "+eventText(ev)))
	case session.EventChatReceived:
		fmt.Fprintln(out, color.Cyan.Render(formatChat(*ev.Chat)))
	case session.EventParticipantsChanged:
		fmt.Fprintf(out, "%d participant(s) in the room\n", len(ev.Participants))
	default:
		return false
	}
	return true
}

func eventText(ev session.Event) string {
	switch {
	case ev.Message != "" && ev.Err != nil:
		return ev.Message + ": " + ev.Err.Error()
	case ev.Err != nil:
		return ev.Err.Error()
	default:
		return ev.Message
	}
}

func formatChat(m domain.ChatMessage) string {
	who := m.SenderName
	if who == "" {
		who = string(m.SenderID)
	}
	prefix := ""
	if m.Scope.Kind == domain.ScopePrivate {
		prefix = "(dm " + string(m.Scope.Peer) + ") "
	}
	body := m.Content
	if m.Attachment != nil {
		body = strings.TrimSpace(fmt.Sprintf("%s [file %s, %s, %d bytes]", body, m.Attachment.Name, m.Attachment.Type, len(m.Attachment.Data)))
	}
	if m.Pending {
		body += " (sending)"
	}
	return fmt.Sprintf("%s %s%s: %s", m.Timestamp.Local().Format("15:04:05"), prefix, who, body)
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return ""
}
