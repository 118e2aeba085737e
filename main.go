package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chatsync/config"
	"chatsync/discovery"
	"chatsync/engine"
	"chatsync/messages"
	"chatsync/metrics"
	"chatsync/models"
	"chatsync/network"
	"chatsync/remote"
)

const ChatSyncCtlVersion = "0.1.0"

const usage = `Chat sync control.

glog flags (-v, -logtostderr) go before the command.

Usage:
    chatsyncctl config [--config=<path>]
    chatsyncctl discover [--service=<service>] [--timeout=<ms>]
    chatsyncctl conversations [--config=<path>] [--server=<url>]
    chatsyncctl history [--config=<path>] [--server=<url>] <target>
    chatsyncctl send [--config=<path>] [--server=<url>] [--image=<file>] <target> [<text>]
    chatsyncctl upload [--config=<path>] [--server=<url>] <file>...
    chatsyncctl react [--config=<path>] [--server=<url>] <post_id> <reaction>
    chatsyncctl comments [--config=<path>] [--server=<url>] [--pages=<pages>] <post_id>
    chatsyncctl reply [--config=<path>] [--server=<url>] <post_id> <parent_id> <text>
    chatsyncctl watch [--config=<path>] [--server=<url>] [--metrics_addr=<addr>]
    chatsyncctl -h | --help
    chatsyncctl --version

Options:
    -h --help               Show this screen.
    --version               Show version.
    --config=<path>         Config file (.json or .yaml). Defaults to the app data directory.
    --server=<url>          Server websocket url, overrides config and discovery.
    --service=<service>     mDNS service to browse [default: _chatsync._tcp].
    --timeout=<ms>          Discovery scan window in milliseconds [default: 3000].
    --image=<file>          Attach an image, uploaded before the message is sent.
    --pages=<pages>         Comment pages to load [default: 1].
    --metrics_addr=<addr>   Serve Prometheus metrics on this address while watching.`

func main() {
	flag.Parse()
	defer glog.Flush()

	opts, err := docopt.ParseArgs(usage, flag.Args(), ChatSyncCtlVersion)
	if err != nil {
		glog.Exitf("parse arguments: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if run, _ := opts.Bool("config"); run {
		err = showConfig(opts)
	} else if run, _ := opts.Bool("discover"); run {
		err = discover(ctx, opts)
	} else if run, _ := opts.Bool("conversations"); run {
		err = listConversations(ctx, opts)
	} else if run, _ := opts.Bool("history"); run {
		err = history(ctx, opts)
	} else if run, _ := opts.Bool("send"); run {
		err = send(ctx, opts)
	} else if run, _ := opts.Bool("upload"); run {
		err = uploadFiles(ctx, opts)
	} else if run, _ := opts.Bool("react"); run {
		err = react(ctx, opts)
	} else if run, _ := opts.Bool("comments"); run {
		err = showComments(ctx, opts)
	} else if run, _ := opts.Bool("reply"); run {
		err = reply(ctx, opts)
	} else if run, _ := opts.Bool("watch"); run {
		err = watch(ctx, opts)
	}
	if err != nil {
		glog.Flush()
		fmt.Fprintf(os.Stderr, "chatsyncctl: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(opts docopt.Opts) (*config.Config, string, error) {
	if path, _ := opts.String("--config"); path != "" {
		cfg, err := config.LoadFile(path)
		return cfg, path, err
	}
	return config.LoadOrCreate()
}

func showConfig(opts docopt.Opts) error {
	cfg, cfgPath, err := loadConfig(opts)
	if err != nil {
		return err
	}
	fmt.Printf("Config File:     %s\n", cfgPath)
	fmt.Printf("Client ID:       %s\n", cfg.ClientID)
	fmt.Printf("User ID:         %s\n", cfg.UserID)
	fmt.Printf("Server URL:      %s\n", cfg.ServerURL)
	fmt.Printf("Discovery:       %s\n", cfg.DiscoveryService)
	fmt.Printf("Typing Timeout:  %s\n", cfg.TypingTimeout())
	fmt.Printf("Reaction Delay:  %s\n", cfg.ReactionDebounce())
	fmt.Printf("Request Rate:    %.1f/s (burst %d)\n", cfg.RequestRate, cfg.RequestBurst)
	if err := cfg.Validate(); err != nil {
		fmt.Printf("Status:          invalid (%v)\n", err)
	}
	return nil
}

func discover(ctx context.Context, opts docopt.Opts) error {
	service, _ := opts.String("--service")
	timeout, err := intOption(opts, "--timeout")
	if err != nil {
		return err
	}
	servers, err := discovery.Lookup(ctx, discovery.Config{
		Service:     service,
		ScanTimeout: time.Duration(timeout) * time.Millisecond,
	})
	if err != nil {
		return err
	}
	if len(servers) == 0 {
		fmt.Println("no servers found")
		return nil
	}
	for _, server := range servers {
		fmt.Printf("%-24s %-16s %s\n", server.Name, server.ServerID, server.URL())
	}
	return nil
}

// connect loads the config, resolves the server and opens a session on it.
// The returned cleanup closes the session and the connection.
func connect(ctx context.Context, opts docopt.Opts, m *metrics.Metrics, configure func(*engine.Options)) (*engine.Session, func(), error) {
	cfg, _, err := loadConfig(opts)
	if err != nil {
		return nil, nil, err
	}
	if server, _ := opts.String("--server"); server != "" {
		cfg.ServerURL = server
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	url := cfg.ServerURL
	if url == "" {
		url, err = discovery.Resolve(ctx, discovery.Config{Service: cfg.DiscoveryService})
		if err != nil {
			return nil, nil, fmt.Errorf("discover server: %w", err)
		}
		glog.Infof("[ctl]discovered server %s\n", url)
	}

	client, err := network.Dial(ctx, network.ClientOptions{
		URL:            url,
		ClientID:       cfg.ClientID,
		UserID:         cfg.UserID,
		Token:          cfg.Token,
		RequestTimeout: cfg.RequestTimeout(),
		RequestRate:    cfg.RequestRate,
		RequestBurst:   cfg.RequestBurst,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("connect %s: %w", url, err)
	}
	if cfg.UserID == "" {
		cfg.UserID = client.Session().UserID
	}

	options := engine.Options{
		Config:   cfg,
		Service:  client,
		Uploader: client,
		Metrics:  m,
		OnError: func(err error) {
			glog.Warningf("[ctl]%v\n", err)
		},
	}
	if configure != nil {
		configure(&options)
	}
	session, err := engine.New(options)
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	cleanup := func() {
		session.Close()
		if err := client.Close(); err != nil {
			glog.V(1).Infof("[ctl]close connection: %v\n", err)
		}
	}
	return session, cleanup, nil
}

func listConversations(ctx context.Context, opts docopt.Opts) error {
	session, cleanup, err := connect(ctx, opts, nil, nil)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := session.Conversations().Load(ctx); err != nil {
		return err
	}
	for _, conversation := range session.Conversations().Conversations() {
		printConversation(conversation)
	}
	return nil
}

func history(ctx context.Context, opts docopt.Opts) error {
	session, cleanup, err := connect(ctx, opts, nil, nil)
	if err != nil {
		return err
	}
	defer cleanup()

	target, _ := opts.String("<target>")
	room, err := session.OpenRoom(ctx, roomOptions(target))
	if err != nil {
		return err
	}
	for _, message := range room.Messages() {
		printMessage(message)
	}
	return nil
}

func send(ctx context.Context, opts docopt.Opts) error {
	session, cleanup, err := connect(ctx, opts, nil, nil)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := session.Conversations().Load(ctx); err != nil {
		return err
	}
	target, _ := opts.String("<target>")
	text, _ := opts.String("<text>")
	draft := messages.Draft{Text: text}
	if path, _ := opts.String("--image"); path != "" {
		file, err := readFile(path)
		if err != nil {
			return err
		}
		draft.Image = &file
	}

	room, err := session.OpenRoom(ctx, roomOptions(target))
	if err != nil {
		return err
	}
	message, err := room.Send(ctx, draft)
	if err != nil {
		return err
	}
	printMessage(message)
	return nil
}

func uploadFiles(ctx context.Context, opts docopt.Opts) error {
	session, cleanup, err := connect(ctx, opts, nil, nil)
	if err != nil {
		return err
	}
	defer cleanup()

	paths, _ := opts["<file>"].([]string)
	files := make([]remote.File, 0, len(paths))
	for _, path := range paths {
		file, err := readFile(path)
		if err != nil {
			return err
		}
		files = append(files, file)
	}

	urls, failures := session.Upload(ctx, files, nil)
	for _, url := range urls {
		fmt.Println(url)
	}
	for _, failure := range failures {
		fmt.Fprintf(os.Stderr, "%v\n", failure)
	}
	if len(failures) > 0 {
		return fmt.Errorf("%d of %d uploads failed", len(failures), len(files))
	}
	return nil
}

func readFile(path string) (remote.File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return remote.File{}, fmt.Errorf("read %s: %w", path, err)
	}
	return remote.File{
		Name:        filepath.Base(path),
		ContentType: http.DetectContentType(data),
		Data:        data,
	}, nil
}

func react(ctx context.Context, opts docopt.Opts) error {
	session, cleanup, err := connect(ctx, opts, nil, nil)
	if err != nil {
		return err
	}
	defer cleanup()

	postID, _ := opts.String("<post_id>")
	raw, _ := opts.String("<reaction>")
	reaction := models.ReactionType(strings.ToUpper(raw))
	if strings.EqualFold(raw, "none") {
		reaction = models.ReactionNone
	}

	reactions := session.Reactions()
	state, _ := reactions.State(postID)
	if reaction == models.ReactionNone {
		if state.Pending == models.ReactionNone {
			return nil
		}
		// choosing the active reaction again removes it
		reaction = state.Pending
	}
	if _, err := reactions.Choose(postID, reaction); err != nil {
		return err
	}
	if err := reactions.Flush(ctx, postID); err != nil {
		return err
	}
	state, _ = reactions.State(postID)
	fmt.Printf("%s: %q\n", postID, state.Committed)
	return nil
}

func showComments(ctx context.Context, opts docopt.Opts) error {
	session, cleanup, err := connect(ctx, opts, nil, nil)
	if err != nil {
		return err
	}
	defer cleanup()

	postID, _ := opts.String("<post_id>")
	pages, err := intOption(opts, "--pages")
	if err != nil {
		return err
	}
	thread, err := session.Thread(ctx, postID, nil)
	if err != nil {
		return err
	}
	for i := 1; i < pages && thread.HasMore(); i++ {
		if _, err := thread.LoadMore(ctx); err != nil {
			return err
		}
	}
	printComments(thread.Comments(), 0)
	if thread.HasMore() {
		fmt.Println("...")
	}
	return nil
}

func reply(ctx context.Context, opts docopt.Opts) error {
	session, cleanup, err := connect(ctx, opts, nil, nil)
	if err != nil {
		return err
	}
	defer cleanup()

	postID, _ := opts.String("<post_id>")
	parentID, _ := opts.String("<parent_id>")
	text, _ := opts.String("<text>")
	thread, err := session.Thread(ctx, postID, nil)
	if err != nil {
		return err
	}
	// the parent may sit on a later page
	for !hasComment(thread.Comments(), parentID) && thread.HasMore() {
		if _, err := thread.LoadMore(ctx); err != nil {
			return err
		}
	}
	node, err := thread.Reply(ctx, parentID, text)
	if err != nil {
		return err
	}
	fmt.Printf("%s replied under %s\n", node.ID, parentID)
	return nil
}

func watch(ctx context.Context, opts docopt.Opts) error {
	registry := prometheus.NewRegistry()
	m, err := metrics.New(registry)
	if err != nil {
		return err
	}
	if addr, _ := opts.String("--metrics_addr"); addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		server := &http.Server{Addr: addr, Handler: mux}
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				glog.Warningf("[ctl]metrics server: %v\n", err)
			}
		}()
		defer server.Close()
	}

	session, cleanup, err := connect(ctx, opts, m, func(options *engine.Options) {
		options.FlushReactionsOnClose = true
		options.OnConversations = func(list []models.Conversation) {
			if len(list) > 0 {
				fmt.Printf("conversations: %d, latest %s\n", len(list), list[0].ID)
			}
		}
		options.OnPresence = func(state models.PresenceState) {
			if state.IsOnline {
				fmt.Printf("presence: %s online\n", state.UserID)
				return
			}
			fmt.Printf("presence: %s offline\n", state.UserID)
		}
	})
	if err != nil {
		return err
	}
	defer cleanup()

	if err := session.Start(ctx); err != nil {
		return err
	}
	fmt.Println("Status:          watching (press Ctrl+C to stop)")
	<-ctx.Done()
	fmt.Println("Status:          shutting down")
	return nil
}

func roomOptions(target string) engine.RoomOptions {
	if id, ok := strings.CutPrefix(target, "user:"); ok {
		return engine.RoomOptions{OtherUserID: id}
	}
	return engine.RoomOptions{ConversationID: target}
}

func intOption(opts docopt.Opts, name string) (int, error) {
	raw, _ := opts.String(name)
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer", name)
	}
	return value, nil
}

func hasComment(tree []models.CommentNode, id string) bool {
	for _, node := range tree {
		if node.ID == id || hasComment(node.Replies, id) {
			return true
		}
	}
	return false
}

func printConversation(conversation models.Conversation) {
	last := ""
	if conversation.LastMessage != nil {
		last = conversation.LastMessage.Text()
	}
	fmt.Printf("%-20s %-24s %s  %q\n",
		conversation.ID,
		conversation.DisplayName,
		time.UnixMilli(conversation.LastActivityAt).Format(time.RFC3339),
		last)
}

func printMessage(message models.Message) {
	text := message.Text()
	if message.ImageRef != nil {
		text = strings.TrimSpace(text + " [" + *message.ImageRef + "]")
	}
	edited := ""
	if message.IsEdited {
		edited = " (edited)"
	}
	fmt.Printf("%s %-12s %s%s\n", time.UnixMilli(message.CreatedAt).Format(time.RFC3339), message.SenderID, text, edited)
}

func printComments(tree []models.CommentNode, depth int) {
	for _, node := range tree {
		fmt.Printf("%s%s %s\n", strings.Repeat("  ", depth), node.ID, node.Content)
		printComments(node.Replies, depth+1)
	}
}
