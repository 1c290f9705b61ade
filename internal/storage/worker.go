package storage

import (
	"context"
	"log"
	"os"
	"sync"
	"time"

	"github.com/technosupport/ts-snaptunnel/internal/events"
	"github.com/technosupport/ts-snaptunnel/internal/metrics"
)

const drainWait = 5 * time.Second

// Worker drains snapshot:captured events into the storage adapter with
// bounded concurrency, emitting stored or failed(store) for every captured
// event it sees.
type Worker struct {
	bus         *events.Bus
	adapter     Adapter
	concurrency int
	deleteLocal bool
	useDeviceTZ bool

	queue chan events.Captured
	wg    sync.WaitGroup
	stop  chan struct{}
	abort context.CancelFunc
}

type WorkerConfig struct {
	Concurrency int
	DeleteLocal bool
	UseDeviceTZ bool
}

func NewWorker(bus *events.Bus, adapter Adapter, cfg WorkerConfig) *Worker {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &Worker{
		bus:         bus,
		adapter:     adapter,
		concurrency: cfg.Concurrency,
		deleteLocal: cfg.DeleteLocal,
		useDeviceTZ: cfg.UseDeviceTZ,
		queue:       make(chan events.Captured, cfg.Concurrency),
		stop:        make(chan struct{}),
	}
}

func (w *Worker) Start(ctx context.Context) {
	// Stores must outlive the run context so Stop can drain the queue; the
	// drain deadline, not the caller's cancel, bounds them.
	storeCtx, abort := context.WithCancel(context.WithoutCancel(ctx))
	w.abort = abort

	sub := w.bus.SubscribeCaptured()

	// Feeder: moves events from the bus subscription into the bounded FIFO.
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer close(w.queue)
		for {
			select {
			case <-w.stop:
				return
			case ev, ok := <-sub:
				if !ok {
					return
				}
				select {
				case w.queue <- ev:
					metrics.StoreQueueDepth.Set(float64(len(w.queue)))
				case <-w.stop:
					return
				}
			}
		}
	}()

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			for ev := range w.queue {
				metrics.StoreQueueDepth.Set(float64(len(w.queue)))
				w.storeOne(storeCtx, ev)
			}
		}()
	}

	log.Printf("[StorageWorker] started (concurrency=%d)", w.concurrency)
}

// Stop signals the feeder and waits up to drainWait for in-flight stores.
func (w *Worker) Stop() {
	close(w.stop)

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(drainWait):
		log.Printf("[StorageWorker] drain timed out after %v", drainWait)
	}
	if w.abort != nil {
		w.abort()
	}
}

func (w *Worker) storeOne(ctx context.Context, ev events.Captured) {
	day := Day(ev.CapturedAt, ev.TZOffsetHours, w.useDeviceTZ)

	res, err := w.adapter.Store(ctx, Request{
		LocalPath:  ev.LocalPath,
		DeviceID:   ev.DeviceID,
		PayloadID:  ev.PayloadID,
		CapturedAt: ev.CapturedAt,
		Day:        day,
	})
	if err != nil {
		log.Printf("[StorageWorker] store %s: %v", ev.LocalPath, err)
		metrics.SnapshotsStored.WithLabelValues("-", "error").Inc()
		// The local file stays behind so an operator can re-ingest.
		w.bus.PublishFailed(events.Failed{
			EventID:   ev.EventID,
			SessionID: ev.SessionID,
			DeviceID:  ev.DeviceID,
			PayloadID: ev.PayloadID,
			Remote:    ev.Remote,
			Stage:     events.StageStore,
			Err:       err.Error(),
		})
		return
	}

	metrics.SnapshotsStored.WithLabelValues(res.Storage, "ok").Inc()
	w.bus.PublishStored(events.Stored{
		Captured:  ev,
		Storage:   res.Storage,
		StoredURI: res.StoredURI,
		Day:       day,
	})

	if w.deleteLocal && res.DeleteLocal {
		if err := os.Remove(ev.LocalPath); err != nil && !os.IsNotExist(err) {
			log.Printf("[StorageWorker] delete local %s: %v", ev.LocalPath, err)
		}
	}
}
