package daemon

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Broadcast frame types, sent as a one-byte tag before the usual
// length-prefixed payload so subscribers can tell audio chunks from
// metadata events on the same connection.
const (
	FrameTypeAudio    byte = 1
	FrameTypeMetadata byte = 2
)

const subscriberQueueCapacity = 64

// Subscriber is one broadcast-socket client: a connection identified by a
// UUID, writing pre-encoded frames from its own bounded queue so a slow
// reader never blocks playback.
type Subscriber struct {
	ID              uuid.UUID
	IncludeMetadata bool

	w          io.Writer
	connectedAt time.Time

	queue chan []byte
	done  chan struct{}

	mu             sync.Mutex
	bytesSent      int64
	droppedFrames  int
}

// SubscriberDetail is one entry of SubscriberManager.Status().
type SubscriberDetail struct {
	ConnectedSecs   int64 `json:"connected_secs"`
	BytesSent       int64 `json:"bytes_sent"`
	DroppedFrames   int   `json:"dropped_frames"`
	QueueDepth      int   `json:"queue_depth"`
	IncludeMetadata bool  `json:"include_metadata"`
}

// SubscriberStatus is the aggregate response for subscriber introspection.
type SubscriberStatus struct {
	Subscribers int                 `json:"subscribers"`
	Details     []SubscriberDetail  `json:"details"`
}

// SubscriberManager fans audio and metadata out to every connected
// broadcast client, matching spec §4.9: bounded per-subscriber queues,
// drop-oldest on overflow, clean zero-length shutdown.
type SubscriberManager struct {
	mu   sync.Mutex
	subs map[uuid.UUID]*Subscriber
}

// NewSubscriberManager returns an empty manager.
func NewSubscriberManager() *SubscriberManager {
	return &SubscriberManager{subs: make(map[uuid.UUID]*Subscriber)}
}

// Count returns the number of connected subscribers.
func (m *SubscriberManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// Add registers a new subscriber writing to w and starts its sender
// goroutine.
func (m *SubscriberManager) Add(w io.Writer, includeMetadata bool) *Subscriber {
	s := &Subscriber{
		ID:              uuid.New(),
		IncludeMetadata: includeMetadata,
		w:               w,
		connectedAt:     time.Now(),
		queue:           make(chan []byte, subscriberQueueCapacity),
		done:            make(chan struct{}),
	}

	m.mu.Lock()
	m.subs[s.ID] = s
	m.mu.Unlock()

	go m.runSender(s)
	return s
}

// Remove unregisters a subscriber and stops its sender goroutine.
func (m *SubscriberManager) Remove(id uuid.UUID) {
	m.mu.Lock()
	s, ok := m.subs[id]
	if ok {
		delete(m.subs, id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}

func (m *SubscriberManager) runSender(s *Subscriber) {
	defer m.Remove(s.ID)
	for {
		select {
		case <-s.done:
			return
		case frame := <-s.queue:
			if _, err := s.w.Write(frame); err != nil {
				return
			}
			s.mu.Lock()
			s.bytesSent += int64(len(frame))
			s.mu.Unlock()
		}
	}
}

// BroadcastAudio fans a raw PCM chunk out to every subscriber.
func (m *SubscriberManager) BroadcastAudio(pcm []byte) {
	frame := encodeBroadcastFrame(FrameTypeAudio, pcm)
	m.broadcast(frame, false)
}

// BroadcastMetadata fans a JSON event out to subscribers that opted in.
func (m *SubscriberManager) BroadcastMetadata(event map[string]any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("subscribers: marshal metadata: %w", err)
	}
	frame := encodeBroadcastFrame(FrameTypeMetadata, payload)
	m.broadcast(frame, true)
	return nil
}

func (m *SubscriberManager) broadcast(frame []byte, metadataOnly bool) {
	m.mu.Lock()
	subs := make([]*Subscriber, 0, len(m.subs))
	for _, s := range m.subs {
		if metadataOnly && !s.IncludeMetadata {
			continue
		}
		subs = append(subs, s)
	}
	m.mu.Unlock()

	for _, s := range subs {
		enqueueFrame(s, frame)
	}
}

// enqueueFrame implements drop-oldest-on-full: if the queue is at
// capacity, the oldest pending frame is discarded to make room rather than
// blocking the playback path.
func enqueueFrame(s *Subscriber, frame []byte) {
	select {
	case s.queue <- frame:
		return
	default:
	}

	select {
	case <-s.queue:
		s.mu.Lock()
		s.droppedFrames++
		s.mu.Unlock()
	default:
	}

	select {
	case s.queue <- frame:
	default:
	}
}

// Shutdown sends a zero-length terminator frame to every subscriber and
// tears them all down.
func (m *SubscriberManager) Shutdown() {
	m.mu.Lock()
	subs := make([]*Subscriber, 0, len(m.subs))
	for _, s := range m.subs {
		subs = append(subs, s)
	}
	m.mu.Unlock()

	terminator := []byte{0, 0, 0, 0}
	for _, s := range subs {
		s.w.Write(terminator)
		m.Remove(s.ID)
	}
}

// Status snapshots every subscriber's connection age, throughput, and
// queue depth.
func (m *SubscriberManager) Status() SubscriberStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	details := make([]SubscriberDetail, 0, len(m.subs))
	for _, s := range m.subs {
		s.mu.Lock()
		details = append(details, SubscriberDetail{
			ConnectedSecs:   int64(time.Since(s.connectedAt).Seconds()),
			BytesSent:       s.bytesSent,
			DroppedFrames:   s.droppedFrames,
			QueueDepth:      len(s.queue),
			IncludeMetadata: s.IncludeMetadata,
		})
		s.mu.Unlock()
	}
	return SubscriberStatus{Subscribers: len(m.subs), Details: details}
}

func encodeBroadcastFrame(frameType byte, payload []byte) []byte {
	out := make([]byte, 1+4+len(payload))
	out[0] = frameType
	binary.BigEndian.PutUint32(out[1:5], uint32(len(payload)))
	copy(out[5:], payload)
	return out
}
