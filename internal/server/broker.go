package server

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/oklog/ulid/v2"
	sse "github.com/tmaxmax/go-sse"

	"github.com/angelododaro/open-deep-research/internal/model"
)

const (
	eventStatus = "status"
	eventDone   = "done"
)

// Broker fans out committed session changes to SSE subscribers. Each session
// is its own topic. Broker.Publish is registered as a session store observer.
type Broker struct {
	provider *sse.Joe
	logger   *slog.Logger

	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// NewBroker creates a Broker. Call Shutdown to disconnect all subscribers.
func NewBroker(logger *slog.Logger) *Broker {
	return &Broker{
		provider: &sse.Joe{},
		logger:   logger,
		entropy:  ulid.Monotonic(rand.Reader, 0),
	}
}

// Publish sends the session's status projection to its topic. A terminal
// status is followed by a done event.
func (b *Broker) Publish(rs model.ResearchSession) {
	msg, err := b.statusMessage(rs.View())
	if err != nil {
		b.logger.Warn("broker: encode status", "session_id", rs.ID, "error", err)
		return
	}
	topics := []string{rs.ID}
	if err := b.provider.Publish(msg, topics); err != nil {
		if !errors.Is(err, sse.ErrProviderClosed) {
			b.logger.Warn("broker: publish", "session_id", rs.ID, "error", err)
		}
		return
	}
	if rs.Status.IsTerminal() {
		_ = b.provider.Publish(b.doneMessage(), topics)
	}
}

// Subscribe streams the messages published to id until ctx is done. The
// returned error channel receives the subscription's result when it ends.
func (b *Broker) Subscribe(ctx context.Context, id string) (<-chan *sse.Message, <-chan error) {
	writer := &channelMessageWriter{ch: make(chan *sse.Message, 64)}
	errc := make(chan error, 1)
	go func() {
		errc <- b.provider.Subscribe(ctx, sse.Subscription{
			Client: writer,
			Topics: []string{id},
		})
	}()
	return writer.ch, errc
}

// Shutdown disconnects every subscriber.
func (b *Broker) Shutdown(ctx context.Context) error {
	err := b.provider.Shutdown(ctx)
	if errors.Is(err, sse.ErrProviderClosed) {
		return nil
	}
	return err
}

func (b *Broker) nextID() sse.EventID {
	b.mu.Lock()
	defer b.mu.Unlock()
	return sse.ID(ulid.MustNew(ulid.Now(), b.entropy).String())
}

func (b *Broker) statusMessage(v model.StatusView) (*sse.Message, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	msg := &sse.Message{ID: b.nextID(), Type: sse.Type(eventStatus)}
	msg.AppendData(string(payload))
	return msg, nil
}

func (b *Broker) doneMessage() *sse.Message {
	msg := &sse.Message{ID: b.nextID(), Type: sse.Type(eventDone)}
	msg.AppendData("{}")
	return msg
}

// channelMessageWriter hands messages from the provider to the handler
// goroutine. A subscriber that falls behind is disconnected.
type channelMessageWriter struct {
	ch chan *sse.Message
}

func (w *channelMessageWriter) Send(message *sse.Message) error {
	select {
	case w.ch <- message.Clone():
		return nil
	default:
		return errors.New("sse subscriber is backpressured")
	}
}

func (w *channelMessageWriter) Flush() error {
	return nil
}
