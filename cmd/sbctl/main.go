package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/sbtransport/internal/admin"
	"github.com/danmuck/sbtransport/internal/client"
	"github.com/danmuck/sbtransport/internal/config"
	"github.com/danmuck/sbtransport/internal/logging"
	"github.com/danmuck/sbtransport/internal/message"
	"github.com/danmuck/sbtransport/internal/observability"
	"github.com/danmuck/sbtransport/internal/retry"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

const defaultConfigPath = "cmd/sbctl/config.toml"

var errUsage = errors.New("usage")

type command struct {
	name    string
	summary string
	run     func(ctx context.Context, args []string, out io.Writer) error
}

var commands = []command{
	{name: "peek", summary: "peek messages without locking them", run: runPeek},
	{name: "schedule", summary: "schedule a message for later delivery", run: runSchedule},
	{name: "cancel", summary: "cancel a scheduled message by sequence number", run: runCancel},
	{name: "serve", summary: "serve health, metrics and the management API over HTTP", run: runServe},
}

func main() {
	logging.ConfigureRuntime()
	observability.InitLogger("sbctl")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "sbctl: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		printUsage(out)
		return errUsage
	}
	name, rest := args[0], args[1:]
	switch name {
	case "help", "-h", "--help":
		printUsage(out)
		return nil
	}
	for _, cmd := range commands {
		if cmd.name == name {
			return cmd.run(ctx, rest, out)
		}
	}
	printUsage(out)
	return fmt.Errorf("%w: unknown command %q", errUsage, name)
}

func printUsage(out io.Writer) {
	fmt.Fprintln(out, "usage: sbctl <command> [flags]")
	fmt.Fprintln(out)
	for _, cmd := range commands {
		fmt.Fprintf(out, "  %-9s %s\n", cmd.name, cmd.summary)
	}
}

// commonFlags are accepted by every command.
type commonFlags struct {
	config string
	client string
}

func newFlagSet(name string, out io.Writer) (*pflag.FlagSet, *commonFlags) {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(out)
	common := &commonFlags{}
	fs.StringVarP(&common.config, "config", "c", defaultConfigPath, "sbctl config file")
	fs.StringVar(&common.client, "client", "", "client config file (overrides client_config)")
	return fs, common
}

type session struct {
	cli    cliConfig
	client *client.Client
	policy retry.Policy
}

func openSession(flags *commonFlags) (*session, error) {
	cli, err := loadCLIConfig(flags.config)
	if err != nil {
		return nil, err
	}
	if flags.client != "" {
		cli.ClientConfig = flags.client
	}

	clientCfg, err := config.Load(cli.ClientConfig)
	if err != nil {
		return nil, err
	}
	applyRetryOverride(&clientCfg, cli.Retry)
	policy, err := clientCfg.Policy()
	if err != nil {
		return nil, err
	}
	opts, err := clientCfg.ClientOptions()
	if err != nil {
		return nil, err
	}
	c, err := client.New(opts)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("entity", c.Entity()).Str("client_id", c.ID()).Msg("sbctl.session open")
	return &session{cli: cli, client: c, policy: policy}, nil
}

func (s *session) close() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cli.ShutdownTimeout)
	defer cancel()
	if err := s.client.Close(ctx); err != nil {
		log.Warn().Err(err).Msg("sbctl.session close failed")
	}
}

func applyRetryOverride(cfg *config.ClientConfig, override retryOverride) {
	if override.MaxRetries != nil {
		cfg.Retry.MaxRetries = *override.MaxRetries
	}
	if override.TryTimeout > 0 {
		cfg.Retry.TryTimeout = config.Duration(override.TryTimeout)
		if cfg.Retry.MaxTryTimeout < cfg.Retry.TryTimeout {
			cfg.Retry.MaxTryTimeout = cfg.Retry.TryTimeout
		}
	}
}

type peekedMessage struct {
	SequenceNumber int64     `json:"sequence_number"`
	MessageID      string    `json:"message_id,omitempty"`
	SessionID      string    `json:"session_id,omitempty"`
	EnqueuedTime   time.Time `json:"enqueued_time,omitzero"`
	Body           string    `json:"body"`
}

func runPeek(ctx context.Context, args []string, out io.Writer) error {
	fs, common := newFlagSet("peek", out)
	from := fs.Int64("from", 0, "sequence number to start from")
	count := fs.Int32("count", 1, "maximum number of messages")
	sessionID := fs.String("session", "", "peek within one session")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *count <= 0 {
		return fmt.Errorf("%w: --count must be positive", errUsage)
	}

	s, err := openSession(common)
	if err != nil {
		return err
	}
	defer s.close()

	msgs, err := s.client.Peek(ctx, s.policy, *from, client.PeekOptions{MessageCount: *count, SessionID: *sessionID})
	if err != nil {
		return err
	}
	return writePeeked(out, msgs)
}

func writePeeked(out io.Writer, msgs []message.ReceivedMessage) error {
	enc := json.NewEncoder(out)
	for _, m := range msgs {
		if err := enc.Encode(peekedMessage{
			SequenceNumber: m.SequenceNumber,
			MessageID:      m.MessageID,
			SessionID:      m.SessionID,
			EnqueuedTime:   m.EnqueuedTime,
			Body:           string(m.Body),
		}); err != nil {
			return err
		}
	}
	return nil
}

func runSchedule(ctx context.Context, args []string, out io.Writer) error {
	fs, common := newFlagSet("schedule", out)
	body := fs.String("body", "", "message body")
	at := fs.String("at", "", "enqueue time (RFC3339)")
	in := fs.Duration("in", 0, "enqueue after this delay")
	messageID := fs.String("message-id", "", "message id (generated when empty)")
	sessionID := fs.String("session", "", "session id")
	subject := fs.String("subject", "", "message subject")
	contentType := fs.String("content-type", "", "content type")
	if err := fs.Parse(args); err != nil {
		return err
	}
	when, err := scheduleTime(*at, *in, time.Now())
	if err != nil {
		return err
	}

	s, err := openSession(common)
	if err != nil {
		return err
	}
	defer s.close()

	seq, err := s.client.ScheduleMessage(ctx, s.policy, message.Message{
		Body:                 []byte(*body),
		MessageID:            *messageID,
		SessionID:            *sessionID,
		Subject:              *subject,
		ContentType:          *contentType,
		ScheduledEnqueueTime: when,
	}, "")
	if err != nil {
		return err
	}
	fmt.Fprintln(out, seq)
	return nil
}

// scheduleTime resolves exactly one of --at or --in into an absolute time.
func scheduleTime(at string, in time.Duration, now time.Time) (time.Time, error) {
	switch {
	case at != "" && in != 0:
		return time.Time{}, fmt.Errorf("%w: use either --at or --in", errUsage)
	case at != "":
		when, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: --at: %v", errUsage, err)
		}
		return when, nil
	case in > 0:
		return now.Add(in), nil
	case in < 0:
		return time.Time{}, fmt.Errorf("%w: --in must be positive", errUsage)
	default:
		return time.Time{}, fmt.Errorf("%w: --at or --in is required", errUsage)
	}
}

func runCancel(ctx context.Context, args []string, out io.Writer) error {
	fs, common := newFlagSet("cancel", out)
	seq := fs.Int64("seq", -1, "sequence number returned by schedule")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *seq < 0 {
		return fmt.Errorf("%w: --seq is required", errUsage)
	}

	s, err := openSession(common)
	if err != nil {
		return err
	}
	defer s.close()

	return s.client.CancelScheduledMessage(ctx, s.policy, *seq, "")
}

func runServe(ctx context.Context, args []string, out io.Writer) error {
	fs, common := newFlagSet("serve", out)
	listen := fs.String("listen", "", "listen address (overrides listen)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	s, err := openSession(common)
	if err != nil {
		return err
	}
	defer s.close()

	addr := s.cli.Listen
	if *listen != "" {
		addr = *listen
	}
	return admin.New(s.cli.ID, addr, s.client, s.policy, s.cli.CorsOrigins).Run(ctx, s.cli.ShutdownTimeout)
}
