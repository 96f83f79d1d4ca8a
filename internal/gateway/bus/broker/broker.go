// Package broker implements the gateway's in-process pub/sub relay.
//
// The broker exposes two TCP endpoints: publishers connect to one and send
// two-frame messages (topic, envelope); subscribers connect to the other,
// install prefix filters with control frames, and receive matching messages.
// A non-blocking forwarding path copies frames from the publisher side to the
// subscriber side; the broker inspects only the topic frame.
//
// There is no queuing beyond a small per-subscriber outbound buffer and no
// persistence. Slow subscribers lose messages rather than stalling
// publishers; callers needing reliability use the router's request/response
// pattern, which has an explicit timeout.
package broker

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/aico-ai/gateway/internal/gateway/bus"
)

// ErrPortInUse is returned by Start when either endpoint cannot bind.
var ErrPortInUse = errors.New("broker: port in use")

// outboundDepth is the per-subscriber queue depth. When a subscriber falls
// this far behind, new messages for it are dropped.
const outboundDepth = 256

type message struct {
	topic    string
	envelope []byte
}

// subscriber is one connection on the subscriber endpoint together with its
// active prefix filters and its outbound queue.
type subscriber struct {
	conn net.Conn

	mu       sync.Mutex
	prefixes map[string]struct{}

	out     chan message
	done    chan struct{}
	dropped int64
}

// matches reports whether topic passes any of the subscriber's prefix
// filters. An empty prefix matches everything.
func (s *subscriber) matches(topic string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for p := range s.prefixes {
		if strings.HasPrefix(topic, p) {
			return true
		}
	}
	return false
}

// Broker is the XPUB/XSUB relay. Zero value is not usable; call Start.
type Broker struct {
	logger *slog.Logger

	pubLn net.Listener
	subLn net.Listener

	mu   sync.Mutex
	subs map[*subscriber]struct{}

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopped  chan struct{}
}

// New creates a Broker. logger may be nil for slog.Default().
func New(logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		logger:  logger,
		subs:    make(map[*subscriber]struct{}),
		stopped: make(chan struct{}),
	}
}

// Start binds both endpoints and begins forwarding. It returns once both
// listeners are bound; forwarding runs on background goroutines.
func (b *Broker) Start(bindHost string, pubPort, subPort int) error {
	pubLn, err := net.Listen("tcp", net.JoinHostPort(bindHost, fmt.Sprint(pubPort)))
	if err != nil {
		return fmt.Errorf("%w: pub endpoint: %v", ErrPortInUse, err)
	}
	subLn, err := net.Listen("tcp", net.JoinHostPort(bindHost, fmt.Sprint(subPort)))
	if err != nil {
		pubLn.Close()
		return fmt.Errorf("%w: sub endpoint: %v", ErrPortInUse, err)
	}
	b.pubLn, b.subLn = pubLn, subLn

	b.wg.Add(2)
	go b.acceptPublishers()
	go b.acceptSubscribers()

	b.logger.Info("broker listening",
		"pub_addr", pubLn.Addr().String(), "sub_addr", subLn.Addr().String())
	return nil
}

// PubAddr returns the bound publisher endpoint address.
func (b *Broker) PubAddr() net.Addr { return b.pubLn.Addr() }

// SubAddr returns the bound subscriber endpoint address.
func (b *Broker) SubAddr() net.Addr { return b.subLn.Addr() }

// Stop closes both endpoints and all connections, then waits for the
// forwarding goroutines to finish. Idempotent.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopped)
		if b.pubLn != nil {
			b.pubLn.Close()
		}
		if b.subLn != nil {
			b.subLn.Close()
		}
		b.mu.Lock()
		for s := range b.subs {
			closeNoLinger(s.conn)
		}
		b.mu.Unlock()
		b.wg.Wait()
	})
}

// closeNoLinger closes a connection discarding unsent data.
func closeNoLinger(conn net.Conn) {
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetLinger(0)
	}
	conn.Close()
}

func (b *Broker) acceptPublishers() {
	defer b.wg.Done()
	for {
		conn, err := b.pubLn.Accept()
		if err != nil {
			return
		}
		b.wg.Add(1)
		go b.servePublisher(conn)
	}
}

// servePublisher reads two-frame messages from one publisher connection and
// fans each out. Forwarding inline from this goroutine preserves per-publisher
// ordering at every subscriber.
func (b *Broker) servePublisher(conn net.Conn) {
	defer b.wg.Done()
	defer closeNoLinger(conn)

	for {
		topic, envelope, err := bus.ReadMessage(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !isClosedConn(err) {
				b.logger.Debug("publisher connection error", "err", err)
			}
			return
		}
		b.forward(topic, envelope)
	}
}

// forward enqueues the message at every subscriber whose filters match.
// Enqueue is non-blocking: a full queue drops the message for that
// subscriber only.
func (b *Broker) forward(topic string, envelope []byte) {
	b.mu.Lock()
	targets := make([]*subscriber, 0, len(b.subs))
	for s := range b.subs {
		if s.matches(topic) {
			targets = append(targets, s)
		}
	}
	b.mu.Unlock()

	for _, s := range targets {
		select {
		case s.out <- message{topic: topic, envelope: envelope}:
		default:
			s.mu.Lock()
			s.dropped++
			n := s.dropped
			s.mu.Unlock()
			if n == 1 || n%1000 == 0 {
				b.logger.Warn("slow subscriber, dropping messages",
					"remote", s.conn.RemoteAddr().String(), "dropped", n)
			}
		}
	}
}

func (b *Broker) acceptSubscribers() {
	defer b.wg.Done()
	for {
		conn, err := b.subLn.Accept()
		if err != nil {
			return
		}
		s := &subscriber{
			conn:     conn,
			prefixes: make(map[string]struct{}),
			out:      make(chan message, outboundDepth),
			done:     make(chan struct{}),
		}
		b.mu.Lock()
		b.subs[s] = struct{}{}
		b.mu.Unlock()

		b.wg.Add(2)
		go b.serveSubscriberControl(s)
		go b.serveSubscriberWrites(s)
	}
}

// serveSubscriberControl reads SUB/UNSUB control frames until the connection
// drops, then removes the subscriber. Disconnects are absorbed silently.
func (b *Broker) serveSubscriberControl(s *subscriber) {
	defer b.wg.Done()
	defer func() {
		b.mu.Lock()
		delete(b.subs, s)
		b.mu.Unlock()
		close(s.done)
		closeNoLinger(s.conn)
	}()

	for {
		frame, err := bus.ReadFrame(s.conn)
		if err != nil {
			return
		}
		prefix, subscribe, ok := bus.ParseControl(frame)
		if !ok {
			b.logger.Debug("ignoring non-control frame from subscriber",
				"remote", s.conn.RemoteAddr().String())
			continue
		}
		s.mu.Lock()
		if subscribe {
			s.prefixes[prefix] = struct{}{}
		} else {
			delete(s.prefixes, prefix)
		}
		s.mu.Unlock()
	}
}

// serveSubscriberWrites drains the subscriber's outbound queue onto its
// connection. A write error ends the subscriber.
func (b *Broker) serveSubscriberWrites(s *subscriber) {
	defer b.wg.Done()
	for {
		select {
		case m := <-s.out:
			if err := bus.WriteMessage(s.conn, m.topic, m.envelope); err != nil {
				closeNoLinger(s.conn)
				return
			}
		case <-s.done:
			return
		case <-b.stopped:
			return
		}
	}
}

func isClosedConn(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
