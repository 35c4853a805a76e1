package stream

import (
	"context"
	"errors"
	"sync"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"tasknest/domain"
)

// SourcedChange tags a change record with the live query that produced it.
// A non-nil Err means the source failed and will deliver nothing further
// until the next Bind; sibling sources keep running.
type SourcedChange struct {
	SourceID string
	Change   domain.ChangeRecord
	Err      error
}

// Multiplexer maintains up to three concurrent live queries for one client
// and funnels their change records into a single channel. Records are FIFO
// per source; there is no ordering guarantee across sources.
type Multiplexer struct {
	rc     *redis.Client
	logger *log.Logger
	out    chan SourcedChange
	done   chan struct{}

	mu      sync.Mutex
	sources map[string]*source
	closed  bool
	wg      sync.WaitGroup
}

type source struct {
	sub     *redis.PubSub
	closing chan struct{}
}

// NewMultiplexer creates an unbound multiplexer. Call Bind to open the live
// queries for an identity.
func NewMultiplexer(rc *redis.Client, logger *log.Logger) *Multiplexer {
	return &Multiplexer{
		rc:      rc,
		logger:  logger,
		out:     make(chan SourcedChange, 64),
		done:    make(chan struct{}),
		sources: make(map[string]*source),
	}
}

// Changes returns the merged change stream.
func (m *Multiplexer) Changes() <-chan SourcedChange { return m.out }

// channelsFor derives the live-query set for an identity. Shared-link
// contexts are mutually exclusive with ownership and assignment queries.
func channelsFor(id domain.Identity, shared domain.SharedScope) []string {
	if !shared.Empty() {
		if shared.BatchID != "" {
			return []string{domain.BatchChannel(shared.BatchID)}
		}
		return []string{domain.TaskChannel(shared.TaskID)}
	}
	var channels []string
	if key := id.OwnerKey(); key != "" {
		channels = append(channels, domain.OwnerChannel(key))
	}
	if id.Nickname != "" {
		channels = append(channels, domain.AssigneeChannel(id.Nickname))
	}
	return channels
}

// Bind reconciles the active live queries with the given identity and shared
// scope: superseded queries are torn down, missing ones are opened. It
// returns the source ids that were added and removed so the caller can drop
// stale sources from its merged view. Safe to call again whenever a scoping
// key changes (login, nickname edit, link navigation).
func (m *Multiplexer) Bind(ctx context.Context, id domain.Identity, shared domain.SharedScope) (added, removed []string) {
	wanted := make(map[string]struct{})
	for _, ch := range channelsFor(id, shared) {
		wanted[ch] = struct{}{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, nil
	}

	for name, src := range m.sources {
		if _, ok := wanted[name]; ok {
			continue
		}
		close(src.closing)
		_ = src.sub.Close()
		delete(m.sources, name)
		removed = append(removed, name)
	}

	for name := range wanted {
		if _, ok := m.sources[name]; ok {
			continue
		}
		sub := m.rc.Subscribe(ctx, name)
		src := &source{sub: sub, closing: make(chan struct{})}
		m.sources[name] = src
		m.wg.Add(1)
		go m.receive(name, src)
		added = append(added, name)
	}
	return added, removed
}

// receive pumps one subscription until it is torn down or fails. A failure
// is reported on the merged stream and does not affect sibling sources.
func (m *Multiplexer) receive(name string, src *source) {
	defer m.wg.Done()
	ch := src.sub.Channel()
	for {
		select {
		case <-m.done:
			return
		case <-src.closing:
			return
		case msg, ok := <-ch:
			if !ok {
				select {
				case <-src.closing:
				case <-m.done:
				default:
					m.logger.WithField("source", name).Error("live query closed unexpectedly")
					m.emit(SourcedChange{SourceID: name, Err: errSourceDown})
				}
				return
			}
			rec, err := domain.DecodeChangeRecord([]byte(msg.Payload))
			if err != nil {
				m.logger.WithError(err).WithField("source", name).Error("drop malformed change record")
				continue
			}
			m.emit(SourcedChange{SourceID: name, Change: rec})
		}
	}
}

func (m *Multiplexer) emit(sc SourcedChange) {
	select {
	case m.out <- sc:
	case <-m.done:
	}
}

// Close tears down every live query and closes the merged stream.
func (m *Multiplexer) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	for name, src := range m.sources {
		close(src.closing)
		_ = src.sub.Close()
		delete(m.sources, name)
	}
	m.mu.Unlock()

	close(m.done)
	m.wg.Wait()
	close(m.out)
}

var errSourceDown = errors.New("live query source down")
