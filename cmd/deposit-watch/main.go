package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/riftexchange/rift-client/internal/deposit"
	"github.com/riftexchange/rift-client/internal/depositevent"
	"github.com/riftexchange/rift-client/internal/queue"
)

type config struct {
	QueueDriver  string
	QueueBrokers []string
	Group        string
	Topic        string
	AckTimeout   time.Duration

	// Attempt limits output to one attempt; zero watches all.
	Attempt common.Hash
	// UntilTerminal exits once the watched attempt reaches Confirmed or Error.
	UntilTerminal bool
	JSON          bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	if err := runMain(ctx, os.Args[1:], os.Stdin, os.Stdout, log); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runMain(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer, log *slog.Logger) error {
	cfg, err := parseArgs(args)
	if err != nil {
		return err
	}
	consumer, err := queue.NewConsumer(ctx, queue.ConsumerConfig{
		Driver:  cfg.QueueDriver,
		Brokers: cfg.QueueBrokers,
		Group:   cfg.Group,
		Topics:  []string{cfg.Topic},
		Reader:  stdin,
	})
	if err != nil {
		return err
	}
	defer func() { _ = consumer.Close() }()

	return newWatcher(cfg, stdout, log).run(ctx, consumer)
}

func parseArgs(args []string) (config, error) {
	var (
		cfg     config
		brokers string
		attempt string
	)
	fs := flag.NewFlagSet("deposit-watch", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&cfg.QueueDriver, "queue-driver", queue.DriverKafka, "queue driver: kafka|stdio")
	fs.StringVar(&brokers, "queue-brokers", "", "comma-separated queue brokers (required for kafka)")
	fs.StringVar(&cfg.Group, "queue-group", "deposit-watch", "kafka consumer group")
	fs.StringVar(&cfg.Topic, "topic", depositevent.Topic, "status event topic")
	fs.DurationVar(&cfg.AckTimeout, "ack-timeout", 5*time.Second, "timeout for acking a message")
	fs.StringVar(&attempt, "attempt", "", "only print events of this attempt id")
	fs.BoolVar(&cfg.UntilTerminal, "until-terminal", false, "exit when the --attempt reaches Confirmed or Error")
	fs.BoolVar(&cfg.JSON, "json", false, "print events as JSON lines")

	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	cfg.QueueBrokers = queue.SplitCommaList(brokers)
	if strings.TrimSpace(cfg.Topic) == "" {
		return cfg, errors.New("--topic is required")
	}
	if cfg.AckTimeout <= 0 {
		return cfg, errors.New("--ack-timeout must be > 0")
	}
	if strings.TrimSpace(attempt) != "" {
		b := common.FromHex(strings.TrimSpace(attempt))
		if len(b) != common.HashLength {
			return cfg, errors.New("--attempt must be a 32-byte hex id")
		}
		cfg.Attempt = common.BytesToHash(b)
	}
	if cfg.UntilTerminal && (cfg.Attempt == common.Hash{}) {
		return cfg, errors.New("--until-terminal requires --attempt")
	}
	return cfg, nil
}

type watcher struct {
	cfg config
	out io.Writer
	log *slog.Logger

	// lastSeq drops redeliveries and out-of-order events per attempt.
	lastSeq map[string]uint64
}

func newWatcher(cfg config, out io.Writer, log *slog.Logger) *watcher {
	return &watcher{cfg: cfg, out: out, log: log, lastSeq: make(map[string]uint64)}
}

// run prints events until ctx is done, the stream ends, or the watched attempt is terminal.
func (w *watcher) run(ctx context.Context, c queue.Consumer) error {
	msgCh := c.Messages()
	errCh := c.Errors()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil {
				w.log.Error("queue consume error", "err", err)
			}
		case msg, ok := <-msgCh:
			if !ok {
				return nil
			}
			done, err := w.handle(msg)
			w.ack(msg)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		}
	}
}

// handle prints one event and reports whether the watch is over.
func (w *watcher) handle(msg queue.Message) (bool, error) {
	p, err := queue.DecodeEvent(msg)
	if err != nil {
		w.log.Warn("skip event", "topic", msg.Topic, "err", err)
		return false, nil
	}
	if (w.cfg.Attempt != common.Hash{}) && !strings.EqualFold(p.AttemptID, w.cfg.Attempt.Hex()) {
		return false, nil
	}
	key := strings.ToLower(p.AttemptID)
	if last, seen := w.lastSeq[key]; seen && p.Seq <= last {
		w.log.Debug("drop stale event", "attemptID", p.AttemptID, "seq", p.Seq, "lastSeq", last)
		return false, nil
	}
	w.lastSeq[key] = p.Seq

	if err := w.print(p); err != nil {
		return false, err
	}

	if !w.cfg.UntilTerminal {
		return false, nil
	}
	st, err := deposit.ParseStatus(p.Status)
	if err != nil {
		w.log.Warn("unknown status", "attemptID", p.AttemptID, "status", p.Status)
		return false, nil
	}
	return st.Terminal(), nil
}

func (w *watcher) print(p depositevent.Payload) error {
	if w.cfg.JSON {
		b, err := json.Marshal(p)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(w.out, "%s\n", b)
		return err
	}
	line := fmt.Sprintf("%s %s %s seq=%d %s", p.At.UTC().Format(time.RFC3339), p.AttemptID, p.Kind, p.Seq, p.Status)
	if p.TxHash != "" {
		line += " tx=" + p.TxHash
	}
	if p.ErrorKind != "" {
		line += " errorKind=" + p.ErrorKind
	}
	if p.Reason != "" {
		line += fmt.Sprintf(" reason=%q", p.Reason)
	}
	_, err := fmt.Fprintln(w.out, line)
	return err
}

func (w *watcher) ack(msg queue.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.AckTimeout)
	defer cancel()
	if err := msg.Ack(ctx); err != nil {
		w.log.Error("ack queue message", "topic", msg.Topic, "err", err)
	}
}
