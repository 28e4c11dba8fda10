package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/polychat/chat-client/internal/chat"
	"github.com/polychat/chat-client/internal/core"
	"github.com/polychat/chat-client/internal/protocol"
	"github.com/polychat/chat-client/internal/roster"
	"github.com/polychat/chat-client/internal/session"
	"github.com/polychat/chat-client/internal/ws"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Interactive chat using the stored identity",
	Long: `Resume the stored identity, connect, and read commands from stdin.

Plain lines are sent to the selected conversation. Commands:
  /list                 show contacts
  /select <id>          open a conversation
  /history              show the open conversation
  /note <id> [text]     set or clear a contact's note
  /add <id> [message]   send a friend request
  /delete <id>          remove a contact
  /pending              list incoming friend requests
  /accept <id>          accept a friend request
  /reject <id>          reject a friend request
  /refresh              reload contacts
  /quit                 leave`,
	RunE: runChat,
}

// terminal prints session notifications.
type terminal struct {
	core.NopListener

	mu  sync.Mutex
	out io.Writer
	s   *core.Session
}

func (t *terminal) printf(format string, args ...interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.out, format, args...)
}

func (t *terminal) StateChanged(c ws.StateChange) {
	t.printf("* connection %s\n", c.Next)
}

func (t *terminal) ConversationChanged(target int64, ok bool) {
	if !ok {
		t.printf("* no conversation selected\n")
		return
	}
	t.printf("* talking to %s\n", t.s.DisplayName(target))
}

func (t *terminal) DisplayNameChanged(targetID int64, name string) {
	t.printf("* now talking to %s\n", name)
}

func (t *terminal) MessageAppended(m chat.Message) {
	if m.Direction == chat.Sent {
		return
	}
	if cur, ok := t.s.Target(); ok && cur == m.Conversation {
		t.printf("%s: %s\n", t.s.DisplayName(m.SenderID), m.Content)
		return
	}
	t.printf("* new message from %s (%d unread)\n", t.s.DisplayName(m.SenderID), t.s.Unread(m.Conversation))
}

func (t *terminal) SystemMessage(ev protocol.SystemEvent) {
	switch ev.Type {
	case protocol.TypeFriendRequest:
		t.printf("* friend request from %s: %s (/accept %d)\n", t.s.DisplayName(ev.SenderID), ev.Content, ev.SenderID)
	case protocol.TypeFriendAccept:
		t.printf("* %s accepted your friend request\n", t.s.DisplayName(ev.SenderID))
	case protocol.TypeHeartbeat:
	default:
		if ev.Content != "" {
			t.printf("* %s\n", ev.Content)
		}
	}
}

func (t *terminal) ReconnectFailed(err error) {
	t.printf("! %s\n", core.UserMessage(err))
}

func (t *terminal) SessionExpired() {
	t.printf("! %s\n", core.UserMessage(session.ErrExpired))
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, err := newSession()
	if err != nil {
		return err
	}
	defer s.Close()

	term := &terminal{out: cmd.OutOrStdout(), s: s}
	s.AddListener(term)

	id, err := s.Resume(ctx)
	if id == nil && err == nil {
		return errors.New(`not signed in, run "polychat login" first`)
	}
	if id == nil {
		return err
	}
	if err != nil {
		term.printf("! %s\n", core.UserMessage(err))
	}
	term.printf("Signed in as %s. Type /list to see contacts.\n", id.DisplayName)

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(cmd.InOrStdin())
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := execLine(ctx, s, term, strings.TrimSpace(line))
			if err != nil {
				term.printf("! %s\n", core.UserMessage(err))
			}
			if quit {
				return nil
			}
		}
	}
}

func execLine(ctx context.Context, s *core.Session, t *terminal, line string) (bool, error) {
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		_, err := s.SendMessage(line)
		return false, err
	}

	fields := strings.Fields(line)
	name, rest := fields[0], fields[1:]
	switch name {
	case "/quit", "/exit":
		return true, nil
	case "/list":
		printRoster(t, s.Roster())
	case "/refresh":
		records, err := s.RefreshRoster(ctx)
		if err != nil {
			return false, err
		}
		printRoster(t, records)
	case "/history":
		for _, m := range s.Active() {
			who := "you"
			if m.Direction == chat.Received {
				who = s.DisplayName(m.SenderID)
			}
			t.printf("[%s] %s: %s\n", m.ObservedAt.Format("15:04"), who, m.Content)
		}
	case "/select":
		id, err := idArg(rest)
		if err != nil {
			return false, err
		}
		s.Select(id)
	case "/note":
		id, err := idArg(rest)
		if err != nil {
			return false, err
		}
		return false, s.UpdateNote(ctx, id, strings.Join(rest[1:], " "))
	case "/add":
		id, err := idArg(rest)
		if err != nil {
			return false, err
		}
		if err := s.AddRelation(ctx, id, strings.Join(rest[1:], " ")); err != nil {
			return false, err
		}
		t.printf("* friend request sent to %d\n", id)
	case "/delete":
		id, err := idArg(rest)
		if err != nil {
			return false, err
		}
		return false, s.DeleteRelation(ctx, id)
	case "/pending":
		reqs, err := s.Pending(ctx)
		if err != nil {
			return false, err
		}
		if len(reqs) == 0 {
			t.printf("* no pending requests\n")
		}
		for _, r := range reqs {
			t.printf("  %d  %s  %s\n", r.OwnerID, r.OwnerName, r.Note)
		}
	case "/accept", "/reject":
		id, err := idArg(rest)
		if err != nil {
			return false, err
		}
		if name == "/accept" {
			return false, s.Accept(ctx, id)
		}
		return false, s.Reject(ctx, id)
	default:
		return false, fmt.Errorf("unknown command %s", name)
	}
	return false, nil
}

func idArg(args []string) (int64, error) {
	if len(args) == 0 {
		return 0, errors.New("a user id is required")
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid user id %q", args[0])
	}
	return id, nil
}

func printRoster(t *terminal, records []roster.Record) {
	if len(records) == 0 {
		t.printf("* no contacts\n")
		return
	}
	for _, r := range records {
		status := "offline"
		if r.IsOnline {
			status = "online"
		}
		t.printf("  %d  %-20s  %s\n", r.TargetID, r.DisplayName(), status)
	}
}
