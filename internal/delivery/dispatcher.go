package delivery

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/noemahq/noema/internal/events"
)

const dispatchAttempts = 3

// Dispatcher posts signed events to subscriber webhook URLs through a
// worker pool. The done callback fires exactly once per accepted job with
// the final outcome, so callers can settle deliveryStatus.
type Dispatcher struct {
	httpClient *http.Client
	queue      chan *deliveryJob
	logger     *log.Logger
	secret     string
	backoff    func(attempt int) time.Duration

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type deliveryJob struct {
	url     string
	event   *events.Event
	attempt int
	done    func(delivered bool)
}

func (j *deliveryJob) finish(delivered bool) {
	if j.done != nil {
		j.done(delivered)
	}
}

// NewDispatcher starts the worker pool. secret signs payloads; empty
// disables signing.
func NewDispatcher(secret string, workers int) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	d := &Dispatcher{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		queue:      make(chan *deliveryJob, 1000),
		logger:     log.New(log.Writer(), "[DISPATCH] ", log.LstdFlags),
		secret:     secret,
		backoff: func(attempt int) time.Duration {
			return time.Duration(attempt*attempt) * time.Second
		},
		stop: make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Deliver queues one event for the URL. A full queue fails the delivery
// immediately rather than blocking the bus consumer.
func (d *Dispatcher) Deliver(url string, event *events.Event, done func(delivered bool)) {
	job := &deliveryJob{url: url, event: event, attempt: 1, done: done}
	select {
	case <-d.stop:
		job.finish(false)
	case d.queue <- job:
	default:
		d.logger.Printf("⚠️ queue full, dropping event %s for %s", event.ID, url)
		job.finish(false)
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case job := <-d.queue:
			d.send(job)
		case <-d.stop:
			return
		}
	}
}

func (d *Dispatcher) send(job *deliveryJob) {
	payload, err := job.event.JSON()
	if err != nil {
		d.logger.Printf("❌ marshal failed for event %s: %v", job.event.ID, err)
		job.finish(false)
		return
	}

	req, err := http.NewRequest(http.MethodPost, job.url, bytes.NewReader(payload))
	if err != nil {
		d.logger.Printf("❌ bad webhook URL %s: %v", job.url, err)
		job.finish(false)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Noema-Event-Type", job.event.Type)
	req.Header.Set("X-Noema-Event-ID", job.event.ID)
	req.Header.Set("X-Noema-Delivery-Attempt", fmt.Sprintf("%d", job.attempt))
	if d.secret != "" {
		req.Header.Set("X-Noema-Signature", "sha256="+SignPayload(payload, d.secret))
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		d.retry(job, fmt.Sprintf("transport: %v", err))
		return
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode < 400:
		d.logger.Printf("✅ delivered %s → %s (attempt %d)", job.event.Type, job.url, job.attempt)
		job.finish(true)
	case resp.StatusCode >= 500:
		d.retry(job, fmt.Sprintf("status %d", resp.StatusCode))
	default:
		// 4xx is the subscriber rejecting the payload; retrying won't help
		d.logger.Printf("⚠️ webhook returned %d: %s → %s", resp.StatusCode, job.url, job.event.Type)
		job.finish(false)
	}
}

func (d *Dispatcher) retry(job *deliveryJob, cause string) {
	if job.attempt >= dispatchAttempts {
		d.logger.Printf("❌ giving up on %s after %d attempts (%s)", job.url, job.attempt, cause)
		job.finish(false)
		return
	}
	d.logger.Printf("⚠️ delivery to %s failed (%s), retrying", job.url, cause)

	select {
	case <-time.After(d.backoff(job.attempt)):
	case <-d.stop:
		job.finish(false)
		return
	}

	job.attempt++
	select {
	case d.queue <- job:
	case <-d.stop:
		job.finish(false)
	default:
		job.finish(false)
	}
}

// Shutdown stops the workers and fails whatever is still queued.
func (d *Dispatcher) Shutdown() {
	d.stopOnce.Do(func() { close(d.stop) })
	d.wg.Wait()
	for {
		select {
		case job := <-d.queue:
			job.finish(false)
		default:
			return
		}
	}
}

// SignPayload computes the hex HMAC-SHA256 subscribers verify against.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
