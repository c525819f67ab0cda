package cmakeserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// Monitor event types.
const (
	// MonitorEventConnected is sent once to every new subscriber, with its subscriber ID.
	MonitorEventConnected = "connected"
	// MonitorEventRequest carries a message body received from the client.
	MonitorEventRequest = "request"
	// MonitorEventResponse carries a message written to the client.
	MonitorEventResponse = "response"
)

// MonitorOption represents the options for the Monitor.
type MonitorOption func(*Monitor)

// Monitor is a debugging tap that streams a copy of every message the server reads or
// writes to HTTP subscribers as Server-Sent Events.
//
// Publishing never blocks: events that a slow subscriber cannot take are dropped for that
// subscriber. Instances should be created using NewMonitor and shut down using Shutdown.
type Monitor struct {
	logger     *slog.Logger
	bufferSize int

	subscribers   chan monitorSubscriber
	unsubscribers chan string
	events        chan monitorEvent

	done     chan struct{}
	closed   chan struct{}
	doneOnce sync.Once
}

type monitorSubscriber struct {
	id     string
	events chan monitorEvent
}

type monitorEvent struct {
	kind string
	data string
}

const defaultMonitorBufferSize = 64

// NewMonitor creates a Monitor and starts its distribution loop.
func NewMonitor(options ...MonitorOption) *Monitor {
	m := &Monitor{
		logger:        slog.Default(),
		bufferSize:    defaultMonitorBufferSize,
		subscribers:   make(chan monitorSubscriber),
		unsubscribers: make(chan string),
		done:          make(chan struct{}),
		closed:        make(chan struct{}),
	}
	for _, opt := range options {
		opt(m)
	}
	m.events = make(chan monitorEvent, m.bufferSize)

	go m.run()
	return m
}

// WithMonitorLogger sets the logger for the monitor.
func WithMonitorLogger(logger *slog.Logger) MonitorOption {
	return func(m *Monitor) {
		m.logger = logger.With(
			slog.String("package", "go-cmake-server"),
			slog.String("component", "monitor"),
		)
	}
}

// WithMonitorBufferSize sets how many events are buffered, in total and per subscriber.
func WithMonitorBufferSize(size int) MonitorOption {
	return func(m *Monitor) {
		if size > 0 {
			m.bufferSize = size
		}
	}
}

// Publish hands an event to every subscriber. It is safe on a nil Monitor.
func (m *Monitor) Publish(kind string, data []byte) {
	if m == nil {
		return
	}
	select {
	case <-m.done:
	case m.events <- monitorEvent{kind: kind, data: string(data)}:
	default:
		m.logger.Debug("monitor buffer full, dropping event", slog.String("type", kind))
	}
}

// Handler returns an http.Handler that upgrades GET requests to an SSE stream of
// published events. The stream stays open until the client goes away or the monitor shuts
// down.
func (m *Monitor) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := sse.Upgrade(w, r)
		if err != nil {
			nErr := fmt.Errorf("failed to upgrade session: %w", err)
			m.logger.Error("failed to upgrade session", "err", nErr)
			http.Error(w, nErr.Error(), http.StatusInternalServerError)
			return
		}

		sub := monitorSubscriber{
			id:     uuid.New().String(),
			events: make(chan monitorEvent, m.bufferSize),
		}

		select {
		case <-m.done:
			return
		case m.subscribers <- sub:
		}
		defer func() {
			select {
			case <-m.done:
			case m.unsubscribers <- sub.id:
			}
		}()

		// Subscription is registered before this event is sent, so anything published
		// after a client has seen it is delivered.
		if err := sendMonitorEvent(sess, monitorEvent{kind: MonitorEventConnected, data: sub.id}); err != nil {
			m.logger.Warn("failed to greet monitor subscriber", slog.String("err", err.Error()))
			return
		}

		for {
			select {
			case <-r.Context().Done():
				return
			case <-m.done:
				return
			case ev := <-sub.events:
				if err := sendMonitorEvent(sess, ev); err != nil {
					m.logger.Warn("failed to send monitor event", slog.String("err", err.Error()))
					return
				}
			}
		}
	})
}

// Shutdown stops the distribution loop and ends every subscriber stream.
func (m *Monitor) Shutdown(ctx context.Context) error {
	m.doneOnce.Do(func() { close(m.done) })

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to close monitor: %w", ctx.Err())
	case <-m.closed:
	}
	return nil
}

func (m *Monitor) run() {
	defer close(m.closed)

	subs := make(map[string]monitorSubscriber)
	for {
		select {
		case <-m.done:
			return
		case sub := <-m.subscribers:
			subs[sub.id] = sub
		case id := <-m.unsubscribers:
			delete(subs, id)
		case ev := <-m.events:
			for _, sub := range subs {
				select {
				case sub.events <- ev:
				default:
					m.logger.Debug("monitor subscriber is slow, dropping event",
						slog.String("subscriberID", sub.id))
				}
			}
		}
	}
}

func sendMonitorEvent(sess *sse.Session, ev monitorEvent) error {
	msg := &sse.Message{
		Type: sse.Type(ev.kind),
	}
	msg.AppendData(ev.data)
	if err := sess.Send(msg); err != nil {
		return err
	}
	return sess.Flush()
}
