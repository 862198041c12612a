package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/crewdeck/crewchat/internal/config"
	"github.com/crewdeck/crewchat/internal/conversation"
	"github.com/crewdeck/crewchat/internal/dispatch"
	"github.com/crewdeck/crewchat/internal/history"
	"github.com/crewdeck/crewchat/internal/identity"
	"github.com/crewdeck/crewchat/internal/realtime"
	"github.com/crewdeck/crewchat/internal/session"
	"github.com/crewdeck/crewchat/internal/store"
)

type ChatFlags struct {
	UserID        string
	HistoryOnOpen bool
	StartOpen     bool
}

func (f *ChatFlags) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&f.UserID, "user", f.UserID, "Signed-in user id; chats as a guest when empty (default CREWCHAT_USER_ID)")
	fs.BoolVar(&f.HistoryOnOpen, "history-on-open", f.HistoryOnOpen, "Load history only once the chat is opened (dashboard behaviour)")
	fs.BoolVar(&f.StartOpen, "open", f.StartOpen, "Open the chat surface at start")
}

func newChatCmd(root *RootFlags) *cobra.Command {
	f := &ChatFlags{}

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the yachting assistant from the terminal",
		Long: `Reads chat turns from stdin, one per line, and prints the transcript as
replies arrive. Lines starting with / are commands: /open, /close,
/suggestions and /quit.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(root, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("user") {
				cfg.UserID = f.UserID
			}
			if cmd.Flags().Changed("history-on-open") {
				cfg.HistoryOnOpen = f.HistoryOnOpen
			}
			for _, w := range cfg.Warnings() {
				fmt.Fprintln(cmd.ErrOrStderr(), "warning:", w)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runChat(ctx, cfg, f.StartOpen, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	f.BindFlags(cmd.Flags())
	return cmd
}

func runChat(ctx context.Context, cfg *config.Config, startOpen bool, in io.Reader, out io.Writer) error {
	repo, err := store.NewSQLite(cfg.StateDBPath)
	if err != nil {
		return fmt.Errorf("open client state: %w", err)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close client state", "error", closeErr)
		}
	}()

	st := conversation.New()
	r := newRenderer(st, out)

	ctrl := newController(cfg, repo, st, r.serverError)
	if err := ctrl.Mount(ctx); err != nil {
		return err
	}
	defer ctrl.Unmount()

	if startOpen {
		ctrl.Open()
	}

	r.notify(fmt.Sprintf("Chatting as %s. Type /quit to leave.", ctrl.Identity()))
	r.suggestions()

	renderCtx, stopRender := context.WithCancel(ctx)
	go r.run(renderCtx)
	defer func() {
		stopRender()
		<-r.done
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
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
				ctrl.Wait()
				return nil
			}
			if quit := handleLine(ctrl, r, line); quit {
				return nil
			}
		}
	}
}

func newController(cfg *config.Config, state store.StateStore, st *conversation.Store, onServerError func(string)) *session.Controller {
	socketURL := cfg.SocketURL
	if socketURL == "" {
		socketURL = cfg.APIURL
	}

	rt := realtime.NewClient(realtime.Options{
		URL:                  socketURL,
		Path:                 cfg.SocketPath,
		DisableReconnect:     !cfg.Reconnect.Enabled,
		ReconnectInitial:     cfg.Reconnect.Initial,
		ReconnectMax:         cfg.Reconnect.Max,
		MaxReconnectAttempts: cfg.Reconnect.MaxAttempts,
	})
	rt.OnError(onServerError)

	return session.New(session.Config{
		Identity:  identity.NewResolver(state, identity.Principal{UserID: cfg.UserID}, nil),
		Transport: rt,
		Dispatcher: dispatch.New(dispatch.Config{
			BaseURL:   cfg.APIURL,
			Path:      cfg.AskPath,
			SessionID: cfg.AISessionID,
			Timeout:   cfg.Timeouts.Dispatch,
		}),
		History: history.New(history.Config{
			BaseURL: cfg.APIURL,
			Path:    cfg.HistoryPath,
			Timeout: cfg.Timeouts.History,
		}),
		Store:         st,
		HistoryOnOpen: cfg.HistoryOnOpen,
	})
}

func handleLine(ctrl *session.Controller, r *renderer, line string) (quit bool) {
	text := strings.TrimSpace(line)
	switch text {
	case "/quit", "/exit":
		return true
	case "/open":
		ctrl.Open()
		return false
	case "/close":
		ctrl.Store().Close()
		return false
	case "/suggestions":
		r.suggestions()
		return false
	}

	if err := ctrl.Send(text); err != nil {
		slog.Error("Failed to send message", "error", err)
	}
	return false
}

// renderer prints transcript changes as they happen. Only the goroutine
// running run writes to out; other output goes through notify.
type renderer struct {
	store *conversation.Store
	out   io.Writer
	notes chan string
	done  chan struct{}

	printed      int
	typing       bool
	historyError string
}

func newRenderer(st *conversation.Store, out io.Writer) *renderer {
	return &renderer{
		store: st,
		out:   out,
		notes: make(chan string, 16),
		done:  make(chan struct{}),
	}
}

// run renders until ctx is done, then prints anything still queued and
// closes done.
func (r *renderer) run(ctx context.Context) {
	defer close(r.done)

	changes, cancel := r.store.Subscribe()
	defer cancel()

	r.printNotes()
	r.render()
	for {
		select {
		case <-ctx.Done():
			r.render()
			r.printNotes()
			return
		case line := <-r.notes:
			fmt.Fprintln(r.out, line)
		case <-changes:
			r.render()
		}
	}
}

// notify queues a line for the render goroutine. Lines sent after it has
// stopped are dropped.
func (r *renderer) notify(line string) {
	select {
	case r.notes <- line:
	case <-r.done:
	}
}

func (r *renderer) printNotes() {
	for {
		select {
		case line := <-r.notes:
			fmt.Fprintln(r.out, line)
		default:
			return
		}
	}
}

func (r *renderer) render() {
	st := r.store.Snapshot()

	if st.HistoryError != r.historyError {
		r.historyError = st.HistoryError
		if st.HistoryError != "" {
			fmt.Fprintf(r.out, "(%s)\n", st.HistoryError)
		}
	}

	// History hydration replaces an empty transcript, so earlier messages
	// may appear at once.
	for _, m := range st.Messages[min(r.printed, len(st.Messages)):] {
		fmt.Fprintf(r.out, "%s: %s\n", m.Role, m.Content)
	}
	r.printed = len(st.Messages)

	if st.IsTyping && !r.typing {
		fmt.Fprintln(r.out, "assistant is typing...")
	}
	r.typing = st.IsTyping
}

func (r *renderer) suggestions() {
	var b strings.Builder
	b.WriteString("Try asking:")
	for _, s := range r.store.Snapshot().Suggestions {
		fmt.Fprintf(&b, "\n  - %s", s)
	}
	r.notify(b.String())
}

func (r *renderer) serverError(message string) {
	r.notify(fmt.Sprintf("(server error: %s)", message))
}
