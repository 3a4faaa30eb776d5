package offline0

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

// SyncResult summarises one pass over a replay queue or a content update.
type SyncResult struct {
	Tag          string
	Delivered    int
	Failed       int
	Deferred     int
	DeadLettered int
	Pending      int
}

// Sync handles a background sync signal for tag.
func (w *Worker) Sync(ctx context.Context, tag string) (SyncResult, error) {
	if tag == TagContentUpdate {
		n, err := w.UpdateContent(ctx)
		return SyncResult{Tag: tag, Delivered: n}, err
	}
	q, ok := w.cfg.queueByTag(tag)
	if !ok {
		return SyncResult{Tag: tag}, fmt.Errorf("%w: %q", ErrUnknownSyncTag, tag)
	}
	return w.replay(ctx, q)
}

// SyncTags lists every tag Sync accepts.
func (w *Worker) SyncTags() []string {
	out := make([]string, 0, len(w.cfg.Queues)+1)
	for _, q := range w.cfg.Queues {
		out = append(out, q.Tag)
	}
	return append(out, TagContentUpdate)
}

// Enqueue stores req in the queue for tag and returns its replay ID.
// IDs are time-ordered so queue keys sort in enqueue order.
func (w *Worker) Enqueue(ctx context.Context, tag string, req *Request) (string, error) {
	q, ok := w.cfg.queueByTag(tag)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownSyncTag, tag)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	b, err := w.storage.Open(ctx, q.Bucket)
	if err != nil {
		return "", err
	}
	now := w.now()
	ent := Entry{
		Request:  req.stored(),
		StoredAt: now.Unix(),
		Replay: &ReplayState{
			ID:         id.String(),
			Tag:        tag,
			EnqueuedAt: now.UnixNano(),
		},
	}
	if err := b.Put(ctx, id.String(), ent); err != nil {
		return "", err
	}
	w.log.Info("request queued", KeyTag, tag, KeyEntryID, id.String(), KeyURL, req.URL.String())
	return id.String(), nil
}

// QueueEntries lists the entries of the queue for tag in enqueue order.
func (w *Worker) QueueEntries(ctx context.Context, tag string) ([]Entry, error) {
	q, ok := w.cfg.queueByTag(tag)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSyncTag, tag)
	}
	return ListQueue(ctx, w.storage, q.Bucket)
}

// ListQueue reads every entry of a queue bucket in key order.
func ListQueue(ctx context.Context, storage CacheStorage, bucket string) ([]Entry, error) {
	b, err := storage.Open(ctx, bucket)
	if err != nil {
		return nil, err
	}
	keys, err := b.Keys(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(keys))
	for _, k := range keys {
		ent, ok, err := b.Match(ctx, k)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, ent)
		}
	}
	return out, nil
}

// PurgeQueue removes entries from a queue bucket: only dead letters when
// deadOnly is set, otherwise everything. It returns how many were removed.
func PurgeQueue(ctx context.Context, storage CacheStorage, bucket string, deadOnly bool) (int, error) {
	b, err := storage.Open(ctx, bucket)
	if err != nil {
		return 0, err
	}
	keys, err := b.Keys(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, k := range keys {
		if deadOnly {
			ent, ok, err := b.Match(ctx, k)
			if err != nil {
				return n, err
			}
			if !ok || ent.Replay == nil || !ent.Replay.Dead {
				continue
			}
		}
		removed, err := b.Delete(ctx, k)
		if err != nil {
			return n, err
		}
		if removed {
			n++
		}
	}
	return n, nil
}

func (w *Worker) replayLock(tag string) *sync.Mutex {
	v, _ := w.replayMu.LoadOrStore(tag, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// replay redelivers due entries one at a time. Delivered entries are
// removed; failed ones stay with a backoff deadline, and become dead letters
// after the configured number of attempts.
func (w *Worker) replay(ctx context.Context, q QueueConfig) (SyncResult, error) {
	mu := w.replayLock(q.Tag)
	mu.Lock()
	defer mu.Unlock()

	res := SyncResult{Tag: q.Tag}
	b, err := w.storage.Open(ctx, q.Bucket)
	if err != nil {
		return res, err
	}
	keys, err := b.Keys(ctx)
	if err != nil {
		return res, err
	}

	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		ent, ok, err := b.Match(ctx, key)
		if err != nil {
			w.log.Warn("queue read failed", KeyTag, q.Tag, KeyEntryID, key, KeyError, err)
			continue
		}
		if !ok {
			continue
		}
		if ent.Replay == nil {
			ent.Replay = &ReplayState{ID: key, Tag: q.Tag}
		}
		st := ent.Replay
		if st.Dead {
			res.Pending++
			continue
		}
		now := w.now()
		if st.NextAttemptAt > now.UnixNano() {
			res.Deferred++
			res.Pending++
			continue
		}

		derr := w.deliver(ctx, ent.Request)
		if derr == nil {
			if _, err := b.Delete(ctx, key); err != nil {
				w.log.Warn("queue delete failed", KeyTag, q.Tag, KeyEntryID, key, KeyError, err)
				res.Pending++
			}
			res.Delivered++
			continue
		}

		st.Attempts++
		st.LastError = derr.Error()
		w.log.Info("replay failed", KeyTag, q.Tag, KeyEntryID, key, KeyAttempt, st.Attempts, KeyError, derr)
		res.Failed++
		res.Pending++
		if st.Attempts >= w.cfg.Replay.MaxAttempts {
			st.Dead = true
			res.DeadLettered++
		} else {
			st.NextAttemptAt = now.Add(w.replayDelay(st.Attempts)).UnixNano()
		}
		if err := b.Put(ctx, key, ent); err != nil {
			w.log.Warn("queue update failed", KeyTag, q.Tag, KeyEntryID, key, KeyError, err)
		}
		if st.Dead {
			w.announceDeadLetter(ctx, ent)
		}
	}

	w.metrics.Replay(q.Tag, "delivered", res.Delivered)
	w.metrics.Replay(q.Tag, "failed", res.Failed)
	w.metrics.Replay(q.Tag, "deferred", res.Deferred)
	w.metrics.Replay(q.Tag, "dead", res.DeadLettered)
	w.metrics.SetQueueDepth(q.Tag, res.Pending)
	if res.Delivered+res.Failed > 0 {
		w.log.Info("replay done",
			KeyTag, q.Tag,
			"delivered", res.Delivered,
			"failed", res.Failed,
			"dead", res.DeadLettered,
			KeyQueueSize, res.Pending,
		)
	}
	return res, nil
}

func (w *Worker) deliver(ctx context.Context, sr StoredRequest) error {
	req, err := sr.request()
	if err != nil {
		return err
	}
	resp, err := w.network.Fetch(ctx, req)
	if err != nil {
		return err
	}
	if !resp.OK() {
		return fmt.Errorf("status %d", resp.Status)
	}
	return nil
}

// replayDelay is the wait after the given number of failed attempts:
// initialInterval * multiplier^(attempts-1), capped at maxInterval.
func (w *Worker) replayDelay(attempts int) time.Duration {
	b := backoff.NewExponentialBackOff()
	if w.cfg.Replay.initialDur > 0 {
		b.InitialInterval = w.cfg.Replay.initialDur
	}
	if w.cfg.Replay.maxDur > 0 {
		b.MaxInterval = w.cfg.Replay.maxDur
	}
	if w.cfg.Replay.Multiplier >= 1 {
		b.Multiplier = w.cfg.Replay.Multiplier
	}
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	d := b.InitialInterval
	for i := 0; i < attempts; i++ {
		d = b.NextBackOff()
	}
	return d
}

func (w *Worker) announceDeadLetter(ctx context.Context, ent Entry) {
	st := ent.Replay
	w.log.Warn("replay gave up",
		KeyTag, st.Tag,
		KeyEntryID, st.ID,
		KeyURL, ent.Request.URL,
		KeyAttempt, st.Attempts,
		KeyError, st.LastError,
	)
	msg := OutboundMessage{
		Type:     OutReplayDeadLetter,
		Tag:      st.Tag,
		ID:       st.ID,
		URL:      ent.Request.URL,
		Attempts: st.Attempts,
		Error:    st.LastError,
	}
	if err := postAll(ctx, w.clients, msg); err != nil {
		w.log.Debug("dead letter notice not delivered", KeyEntryID, st.ID, KeyError, err)
	}
}
