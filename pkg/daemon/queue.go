package daemon

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/speakhq/speakd/pkg/logging"
)

// fifoQueue is a blocking, peekable FIFO of pending utterances. A plain
// channel can't be peeked for queue_status without consuming, so this
// keeps an explicit slice behind a mutex/condvar instead.
type fifoQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []*UtteranceRequest
	closed bool
}

func (q *fifoQueue) push(req *UtteranceRequest) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, req)
	n := len(q.items)
	q.cond.Signal()
	return n
}

// pop blocks until an item is available or the queue is closed.
func (q *fifoQueue) pop() (*UtteranceRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return nil, false
	}
	req := q.items[0]
	q.items = q.items[1:]
	return req, true
}

func (q *fifoQueue) snapshot() []*UtteranceRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*UtteranceRequest, len(q.items))
	copy(out, q.items)
	return out
}

func (q *fifoQueue) clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	q.items = nil
	return n
}

func (q *fifoQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *fifoQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

// PlaybackQueue is the FIFO worker described in spec §4.8: one persistent
// audio device serialises playback while synthesis for upcoming clauses
// runs ahead of it.
type PlaybackQueue struct {
	engine    *SynthesisEngine
	renderer  *Renderer
	sink      AudioSink
	tones     *ToneGenerator
	voicePool *VoicePool
	subs      *SubscriberManager
	history   *History
	state     *StatePublisher
	eventLog  *EventLogger
	logger    logging.Logger

	onActivity func()

	q fifoQueue

	mu          sync.Mutex
	current     *UtteranceRequest
	lastRequest *UtteranceRequest
	lastCaller  string
	itemsPlayed int

	skipFlag atomic.Bool
	idCounter int64

	totalEnqueued  int64
	totalCompleted int64
	totalSkipped   int64
}

// NewPlaybackQueue wires every collaborator the worker loop needs.
func NewPlaybackQueue(engine *SynthesisEngine, renderer *Renderer, sink AudioSink, tones *ToneGenerator, voicePool *VoicePool, subs *SubscriberManager, history *History, state *StatePublisher, eventLog *EventLogger, logger logging.Logger, onActivity func()) *PlaybackQueue {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	if onActivity == nil {
		onActivity = func() {}
	}
	pq := &PlaybackQueue{
		engine:     engine,
		renderer:   renderer,
		sink:       sink,
		tones:      tones,
		voicePool:  voicePool,
		subs:       subs,
		history:    history,
		state:      state,
		eventLog:   eventLog,
		logger:     logger,
		onActivity: onActivity,
	}
	pq.q.cond = sync.NewCond(&pq.q.mu)
	return pq
}

// Start launches the worker goroutine. Run once per process.
func (pq *PlaybackQueue) Start(ctx context.Context) {
	go pq.worker(ctx)
}

// IsActive reports whether anything is currently playing or pending.
func (pq *PlaybackQueue) IsActive() bool {
	pq.mu.Lock()
	current := pq.current
	pq.mu.Unlock()
	return current != nil || pq.q.len() > 0
}

// Enqueue appends an utterance and returns its assigned sequence id and
// resulting queue depth.
func (pq *PlaybackQueue) Enqueue(req *UtteranceRequest) (int64, int) {
	pq.mu.Lock()
	pq.idCounter++
	req.SequenceID = pq.idCounter
	pq.mu.Unlock()

	atomic.AddInt64(&pq.totalEnqueued, 1)
	depth := pq.q.push(req)
	pq.publish(EventEnqueued, map[string]any{"enqueued_id": req.SequenceID})
	return req.SequenceID, depth
}

// Skip kills the current item's audio output, which the renderer's
// skip-flag check then turns into an early stop.
func (pq *PlaybackQueue) Skip(ctx context.Context) (string, error) {
	pq.mu.Lock()
	current := pq.current
	pq.mu.Unlock()
	if current == nil {
		return "", ErrNothingPlaying
	}

	pq.skipFlag.Store(true)
	atomic.AddInt64(&pq.totalSkipped, 1)
	pq.sink.Kill(ctx, true)
	pq.publish(EventSkipped, nil)
	return truncate(current.Text, statusTextPreviewLen), nil
}

// Clear drops every pending (not-yet-playing) item and returns how many
// were removed.
func (pq *PlaybackQueue) Clear() int {
	n := pq.q.clear()
	pq.publish(EventCleared, map[string]any{"cleared_count": n})
	return n
}

// Replay re-enqueues the most recently completed item.
func (pq *PlaybackQueue) Replay() (int64, string, error) {
	pq.mu.Lock()
	last := pq.lastRequest
	pq.mu.Unlock()
	if last == nil {
		return 0, "", ErrNothingToReplay
	}

	replay := *last
	replay.IsReplay = true
	id, _ := pq.Enqueue(&replay)
	return id, truncate(replay.Text, statusTextPreviewLen), nil
}

// Status snapshots pending items and the currently playing item.
func (pq *PlaybackQueue) Status() QueueStatus {
	items := pq.q.snapshot()
	pending := make([]PendingSummary, 0, len(items))
	for _, it := range items {
		pending = append(pending, PendingSummary{
			ID:     it.SequenceID,
			Caller: it.Caller,
			Text:   truncate(it.Text, statusTextPreviewLen),
		})
	}

	status := QueueStatus{Pending: len(pending), Items: pending}

	pq.mu.Lock()
	current := pq.current
	pq.mu.Unlock()
	if current != nil {
		status.Playing = &PlayingSummary{
			ID:     current.SequenceID,
			Caller: current.Caller,
			Voice:  current.ResolvedVoice,
			Text:   truncate(current.Text, statusTextPreviewLen),
		}
	}
	return status
}

// Counters reports lifetime enqueue/completion/skip totals.
func (pq *PlaybackQueue) Counters() (enqueued, completed, skipped int64) {
	return atomic.LoadInt64(&pq.totalEnqueued), atomic.LoadInt64(&pq.totalCompleted), atomic.LoadInt64(&pq.totalSkipped)
}

func (pq *PlaybackQueue) skipFlagFunc() bool {
	return pq.skipFlag.Load()
}

func (pq *PlaybackQueue) worker(ctx context.Context) {
	pq.publish(EventIdle, nil)
	for {
		req, ok := pq.q.pop()
		if !ok {
			return
		}

		pq.mu.Lock()
		pq.current = req
		pq.mu.Unlock()
		pq.skipFlag.Store(false)

		if strings.TrimSpace(req.Text) != "" {
			if err := pq.history.Record(req.Text, req.Caller, req.Session); err != nil {
				pq.logger.Warn("playback queue: record history failed", "err", err)
			}
		}

		pq.playOne(ctx, req)

		pq.mu.Lock()
		pq.current = nil
		pq.mu.Unlock()
		pq.onActivity()

		if pq.q.len() == 0 {
			pq.mu.Lock()
			pq.itemsPlayed = 0
			pq.mu.Unlock()
			pq.sink.Kill(ctx, false)
			pq.publish(EventIdle, nil)
		}
	}
}

func (pq *PlaybackQueue) playOne(ctx context.Context, req *UtteranceRequest) {
	caller := req.Caller

	pq.mu.Lock()
	itemsPlayed := pq.itemsPlayed
	lastCaller := pq.lastCaller
	pq.mu.Unlock()

	if itemsPlayed > 0 {
		if caller != lastCaller {
			pq.sink.WritePCM(ctx, pq.tones.CallerGap(), pq.skipFlagFunc)
		} else {
			pq.sink.WritePCM(ctx, pq.tones.SeparatorTone(), pq.skipFlagFunc)
		}
	}

	voiceName := req.Voice
	gain := 1.0
	isNewClaim := false
	if caller != "" && pq.voicePool != nil {
		voiceName, gain, isNewClaim = pq.voicePool.GetVoice(caller, req.Session, voiceName)
	}
	req.ResolvedVoice = voiceName
	req.Gain = gain
	req.IsNewVoiceClaim = isNewClaim

	text := strings.TrimSpace(req.Text)

	var prefetch *Prefetch
	g, gctx := errgroup.WithContext(ctx)
	if text != "" {
		g.Go(func() error {
			pf, err := PrefetchFirstClause(gctx, pq.engine, text, voiceName, req.Lang, req.Speed)
			if err != nil {
				return err
			}
			prefetch = &pf
			return nil
		})
	}
	if caller != "" {
		g.Go(func() error {
			_, err := pq.sink.WritePCM(ctx, pq.tones.CallerTone(caller), pq.skipFlagFunc)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		pq.logger.Warn("playback queue: prefetch/tone failed", "err", err)
	}

	if isNewClaim && caller != "" {
		// Goes straight to the backend: spec §4.8 step 6 requires the claim
		// announcement bypass the clause/word cache entirely.
		pcm, err := pq.engine.SynthesizeDirect(ctx, caller+" here", voiceName, "en-us", 1.26)
		if err != nil {
			pq.logger.Warn("playback queue: claim announcement synth failed", "err", err)
		} else if _, err := pq.sink.WritePCM(ctx, pcm, pq.skipFlagFunc); err != nil {
			pq.logger.Warn("playback queue: claim announcement failed", "err", err)
		}
	}

	pq.publish(EventPlaying, nil)

	if _, err := pq.renderer.Render(ctx, req, pq.skipFlagFunc, prefetch, nil); err != nil {
		pq.logger.Warn("playback queue: render failed", "err", err)
	}

	if caller != "" {
		pq.sink.WritePCM(ctx, pq.tones.CallerTone(caller), pq.skipFlagFunc)
	}

	pq.publish(EventItemDone, nil)

	pq.mu.Lock()
	pq.lastRequest = req
	pq.lastCaller = caller
	pq.itemsPlayed++
	pq.mu.Unlock()
	atomic.AddInt64(&pq.totalCompleted, 1)
}

func (pq *PlaybackQueue) publish(event QueueEventType, extra map[string]any) {
	pending := pq.q.snapshot()
	queueEntries := make([]map[string]any, 0, len(pending))
	for _, it := range pending {
		queueEntries = append(queueEntries, map[string]any{
			"id":     it.SequenceID,
			"caller": it.Caller,
			"text":   truncate(it.Text, stateTextPreviewLen),
		})
	}

	state := map[string]any{
		"event":   string(event),
		"playing": nil,
		"pending": len(pending),
		"queue":   queueEntries,
	}

	pq.mu.Lock()
	current := pq.current
	pq.mu.Unlock()
	if current != nil {
		state["playing"] = map[string]any{
			"id":     current.SequenceID,
			"caller": current.Caller,
			"voice":  current.ResolvedVoice,
			"text":   truncate(current.Text, stateTextPreviewLen),
		}
	}
	for k, v := range extra {
		state[k] = v
	}

	if pq.state != nil {
		if err := pq.state.Publish(state); err != nil {
			pq.logger.Warn("playback queue: publish state failed", "err", err)
		}
	}
	if pq.subs != nil {
		pq.subs.BroadcastMetadata(state)
	}
}
