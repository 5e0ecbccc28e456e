package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/intrachat/chatsync"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	chatMetricsAddr string
	chatOpen        string
	chatQuiet       bool
)

func init() {
	chatCmd.Flags().StringVar(&chatMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9464)")
	chatCmd.Flags().StringVar(&chatOpen, "open", "", "Conversation id to open on start")
	chatCmd.Flags().BoolVar(&chatQuiet, "quiet", false, "Deny notifications (no bell, no notification lines)")
	rootCmd.AddCommand(chatCmd)
}

const chatHelp = `Commands:
  <text>                    send a message to the open conversation
  /list                     list conversations
  /users                    list users
  /open <n|id|name>         open a conversation
  /dm <user>                open (or create) a private chat
  /reply <#n> <text>        reply to a message
  /edit <#n> <text>         edit one of your messages
  /delete <#n>              delete one of your messages
  /upload <path>            send a file
  /group <name> <u1,u2..>   create a group
  /add <user>               add a user to the open group
  /remove <user>            remove a user from the open group (admin only)
  /leave                    leave the open group
  /typing                   tell the others you are typing
  /away, /back              hide or show the chat (notifications fire while away)
  /retry                    reload users and conversations
  /quit                     exit`

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive chat session",
	Long:  "Connect to the realtime server as the configured identity and chat in the terminal.\nType /help inside the session for commands.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		me, err := identity(cfg)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		s, err := newChatSession(ctx, cfg, me, os.Stdout)
		if err != nil {
			return err
		}
		defer s.close()

		return s.run(ctx, os.Stdin)
	},
}

// ============================================================================
// Session wiring
// ============================================================================

type chatSession struct {
	log     zerolog.Logger
	engine  *chatsync.Engine
	socket  *chatsync.SocketService
	ui      *chatUI
	closers []func()
}

func newChatSession(ctx context.Context, cfg *Config, me chatsync.Identity, out io.Writer) (*chatSession, error) {
	log := newLogger(cfg.Default.LogLevel)
	s := &chatSession{log: log}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := chatsync.NewMetrics(reg)
	if chatMetricsAddr != "" {
		s.serveMetrics(reg)
	}

	dataDir := cfg.Storage.Path
	if dataDir == "" {
		dir, err := configDir()
		if err != nil {
			s.close()
			return nil, err
		}
		dataDir = dir
	}
	store, dbPath, err := chatsync.OpenSQLiteStorage(dataDir)
	if err != nil {
		s.close()
		return nil, fmt.Errorf("open storage: %w", err)
	}
	s.closers = append(s.closers, func() { _ = store.Close() })
	log.Debug().Str("path", dbPath).Msg("storage opened")

	var ledger chatsync.EventLedger = chatsync.NewMemoryLedger(chatsync.NewMemoryStorage(), log)
	if cfg.Storage.RedisURL != "" {
		rl, err := chatsync.NewRedisLedger(ctx, cfg.Storage.RedisURL, "")
		if err != nil {
			log.Warn().Err(err).Msg("redis unavailable, deduplicating in memory")
		} else {
			ledger = rl
			s.closers = append(s.closers, func() { _ = rl.Close() })
		}
	}
	dedup := chatsync.NewDeduper(ledger, chatsync.WithDedupLogger(log), chatsync.WithDedupMetrics(metrics))

	term := chatsync.NewTerminalNotifier(os.Stderr, chatQuiet)
	visibility := chatsync.NewVisibility(cfg.appName(), term, term, chatsync.WithVisibilityLogger(log))

	s.socket = chatsync.NewSocketService(cfg.wsURL(), &chatsync.RealtimeConfig{
		Logger:  &log,
		Metrics: metrics,
	})

	s.ui = newChatUI(out, me)
	s.engine = chatsync.NewEngine(newClient(cfg).Backend(), s.socket,
		chatsync.WithIdentity(me),
		chatsync.WithLogger(log),
		chatsync.WithToaster(chatsync.ToasterFunc(s.ui.toast)),
		chatsync.WithVisibility(visibility),
		chatsync.WithDeduper(dedup),
		chatsync.WithStorage(store),
		chatsync.WithMetrics(metrics),
		chatsync.WithAvatarBaseURL(cfg.serverURL()),
	)
	s.ui.resolve = s.engine.ResolveReply
	s.ui.source = s.engine.Snapshot
	s.closers = append(s.closers, s.engine.OnChange(s.ui.render), s.engine.Close)

	// Handlers must be registered before the socket connects so the first
	// connect event reaches the engine.
	if err := s.engine.Start(ctx); err != nil {
		log.Warn().Err(err).Msg("initial load failed")
	}

	connCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()
	if err := s.socket.Connect(connCtx, me); err != nil {
		s.close()
		return nil, fmt.Errorf("connect to %s: %w", cfg.wsURL(), err)
	}
	s.closers = append(s.closers, s.socket.Disconnect)

	if chatOpen != "" {
		if err := s.open(ctx, chatOpen); err != nil {
			s.ui.notice("! %v", err)
		}
	} else if err := s.engine.RestoreSelection(ctx); err != nil {
		log.Warn().Err(err).Msg("restore selection")
	}
	return s, nil
}

func (s *chatSession) serveMetrics(reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: chatMetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Str("addr", chatMetricsAddr).Msg("metrics server")
		}
	}()
	s.log.Info().Str("addr", chatMetricsAddr).Msg("serving metrics")
	s.closers = append(s.closers, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
}

// close releases resources in reverse order of acquisition.
func (s *chatSession) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}

// ============================================================================
// Input loop
// ============================================================================

func (s *chatSession) run(ctx context.Context, in io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.ui.notice("Type /help for commands.")

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
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
			quit, err := s.handle(ctx, line)
			if err != nil {
				s.ui.notice("! %v", err)
			}
			if quit {
				return nil
			}
		}
	}
}

// parseCommand splits "/name rest" into its parts. Plain text has an empty name.
func parseCommand(line string) (name, rest string) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return "", line
	}
	name, rest, _ = strings.Cut(line[1:], " ")
	return strings.ToLower(name), strings.TrimSpace(rest)
}

// splitRef splits "ref text" for commands that take a target and a body.
func splitRef(rest string) (ref, text string, err error) {
	ref, text, _ = strings.Cut(rest, " ")
	text = strings.TrimSpace(text)
	if ref == "" || text == "" {
		return "", "", errors.New("usage: <#n> <text>")
	}
	return ref, text, nil
}

func (s *chatSession) handle(ctx context.Context, line string) (bool, error) {
	name, rest := parseCommand(line)
	switch name {
	case "":
		if rest == "" {
			return false, nil
		}
		return false, s.engine.SendMessage(rest, chatsync.MessageText)
	case "help":
		s.ui.notice("%s", chatHelp)
	case "quit", "exit":
		return true, nil
	case "list":
		s.ui.printConversations()
	case "users":
		s.ui.printUsers()
	case "open":
		return false, s.open(ctx, rest)
	case "dm":
		u, err := s.ui.user(rest)
		if err != nil {
			return false, err
		}
		return false, s.engine.StartPrivateChat(ctx, u.ID)
	case "reply":
		ref, text, err := splitRef(rest)
		if err != nil {
			return false, err
		}
		m, err := s.ui.message(ref)
		if err != nil {
			return false, err
		}
		return false, s.engine.SendReply(text, chatsync.MessageText, m.ID)
	case "edit":
		ref, text, err := splitRef(rest)
		if err != nil {
			return false, err
		}
		m, err := s.ownMessage(ref)
		if err != nil {
			return false, err
		}
		return false, s.engine.EditMessage(m.ID, text)
	case "delete":
		m, err := s.ownMessage(rest)
		if err != nil {
			return false, err
		}
		return false, s.engine.DeleteMessage(m.ID)
	case "upload":
		if rest == "" {
			return false, errors.New("usage: /upload <path>")
		}
		upCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
		defer cancel()
		res, err := s.engine.UploadFile(upCtx, chatsync.UploadOptions{Path: rest})
		if err != nil {
			return false, err
		}
		s.ui.notice("* uploaded %s (%d bytes)", res.FileName, res.FileSize)
	case "group":
		groupName, members, _ := strings.Cut(rest, " ")
		if groupName == "" {
			return false, errors.New("usage: /group <name> <user1,user2,...>")
		}
		var ids []string
		for _, ref := range splitList(members) {
			u, err := s.ui.user(ref)
			if err != nil {
				return false, err
			}
			ids = append(ids, u.ID)
		}
		return false, s.engine.CreateGroup(groupName, "", ids)
	case "add":
		u, err := s.ui.user(rest)
		if err != nil {
			return false, err
		}
		return false, s.engine.AddUserToGroup(u.ID)
	case "remove":
		u, err := s.ui.user(rest)
		if err != nil {
			return false, err
		}
		conv, err := s.openGroup()
		if err != nil {
			return false, err
		}
		return false, s.engine.RemoveParticipant(ctx, conv.ID, u.ID)
	case "leave":
		conv, err := s.openGroup()
		if err != nil {
			return false, err
		}
		return false, s.engine.LeaveGroup(conv.ID)
	case "typing":
		s.engine.StartTyping()
		time.AfterFunc(3*time.Second, s.engine.StopTyping)
	case "away":
		s.engine.SetPageVisible(false)
		s.ui.notice("* away")
	case "back":
		s.engine.SetPageVisible(true)
	case "retry":
		return false, s.engine.Retry(ctx)
	default:
		return false, fmt.Errorf("unknown command /%s (type /help)", name)
	}
	return false, nil
}

func (s *chatSession) open(ctx context.Context, ref string) error {
	conv, err := s.ui.conversation(ref)
	if err != nil {
		return err
	}
	return s.engine.JoinConversation(ctx, conv)
}

func (s *chatSession) ownMessage(ref string) (chatsync.Message, error) {
	m, err := s.ui.message(ref)
	if err != nil {
		return chatsync.Message{}, err
	}
	if !s.engine.CanModify(m) {
		return chatsync.Message{}, fmt.Errorf("message %s can no longer be changed", ref)
	}
	return m, nil
}

func (s *chatSession) openGroup() (*chatsync.Conversation, error) {
	conv := s.ui.snapshot().Current
	if conv == nil || !conv.IsGroup() {
		return nil, errors.New("open a group first")
	}
	return conv, nil
}
