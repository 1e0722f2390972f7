// ABOUTME: NATS JetStream connection and stream setup for event export
// ABOUTME: Ensures the stream exists on startup and publishes with message-id dedupe

package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Config describes the JetStream target.
type Config struct {
	URL           string
	Stream        string
	SubjectPrefix string
	MaxAge        time.Duration
}

// JetStream is a connected publisher.
type JetStream struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	logger *slog.Logger
}

// Dial connects to NATS and makes sure the stream covering the subject
// prefix exists.
func Dial(ctx context.Context, cfg Config, logger *slog.Logger) (*JetStream, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "nats")
	cfg.SubjectPrefix = subjectPrefix(cfg.SubjectPrefix)

	nc, err := nats.Connect(cfg.URL,
		nats.Name("support-broker"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("creating jetstream context: %w", err)
	}

	if err := ensureStream(ctx, js, cfg, logger); err != nil {
		nc.Close()
		return nil, err
	}

	return &JetStream{nc: nc, js: js, logger: logger}, nil
}

func ensureStream(ctx context.Context, js jetstream.JetStream, cfg Config, logger *slog.Logger) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	stream, err := js.Stream(ctx, cfg.Stream)
	if err == nil {
		logger.Info("found existing stream", "stream", stream.CachedInfo().Config.Name)
		return nil
	}
	if !errors.Is(err, jetstream.ErrStreamNotFound) {
		return fmt.Errorf("looking up stream %q: %w", cfg.Stream, err)
	}

	subjects := streamSubjects(cfg.SubjectPrefix)
	_, err = js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        cfg.Stream,
		Description: "Support conversation lifecycle events",
		Subjects:    subjects,
		MaxAge:      cfg.MaxAge,
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("creating stream %q: %w", cfg.Stream, err)
	}
	logger.Info("stream created", "stream", cfg.Stream, "subjects", subjects)
	return nil
}

// Publish implements PublishFunc.
func (j *JetStream) Publish(ctx context.Context, subject string, data []byte, msgID string) error {
	_, err := j.js.Publish(ctx, subject, data, jetstream.WithMsgID(msgID))
	if err != nil {
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}
	return nil
}

// Connected reports whether the NATS connection is currently up.
func (j *JetStream) Connected() bool {
	return j.nc.IsConnected()
}

// Close drains and closes the NATS connection.
func (j *JetStream) Close() {
	if err := j.nc.Drain(); err != nil {
		j.logger.Warn("draining nats connection failed", "error", err)
		j.nc.Close()
	}
}
