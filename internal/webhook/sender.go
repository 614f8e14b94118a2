package webhook

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/openfab/printhost/internal/core"
)

type Event string

const (
	EventPrinterStateChanged Event = "printer.state_changed"
	EventPrinterVerified     Event = "printer.verified"
	EventJobFinished         Event = "job.finished"
)

type Payload struct {
	Event     string      `json:"event"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

type StateChangeData struct {
	Port string `json:"port"`
	From string `json:"from"`
	To   string `json:"to"`
}

type VerifiedData struct {
	Port     string             `json:"port"`
	Firmware *core.FirmwareInfo `json:"firmware"`
}

type JobFinishedData struct {
	Port     string  `json:"port"`
	JobID    string  `json:"job_id"`
	Name     string  `json:"name"`
	Total    int     `json:"total_commands"`
	Sent     int     `json:"sent_commands"`
	Progress float64 `json:"progress"`
	Success  bool    `json:"success"`
	Error    string  `json:"error,omitempty"`
}

// Endpoint is one delivery target. An empty Events list subscribes to
// everything.
type Endpoint struct {
	URL    string
	Secret string
	Events []string
}

func (e Endpoint) wants(event Event) bool {
	if len(e.Events) == 0 {
		return true
	}
	for _, name := range e.Events {
		if name == string(event) {
			return true
		}
	}
	return false
}

type SenderConfig struct {
	RetryCount  int
	RetryDelay  time.Duration
	Timeout     time.Duration
	WorkerCount int
	QueueSize   int
}

type task struct {
	endpoint Endpoint
	payload  *Payload
	attempt  int
}

// Sender delivers engine events to HTTP endpoints through a worker pool.
// Deliveries are signed with HMAC-SHA256 when the endpoint has a secret, and
// retried with exponential backoff on server errors. It implements
// core.EventSink.
type Sender struct {
	endpoints   []Endpoint
	httpClient  *http.Client
	log         *slog.Logger
	retryCount  int
	retryDelay  time.Duration
	workerCount int
	queue       chan *task
	stopCh      chan struct{}
	wg          sync.WaitGroup
}

func NewSender(endpoints []Endpoint, config SenderConfig, logger *slog.Logger) *Sender {
	if config.RetryCount <= 0 {
		config.RetryCount = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = 5 * time.Second
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = 3
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Sender{
		endpoints: endpoints,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		log:         logger,
		retryCount:  config.RetryCount,
		retryDelay:  config.RetryDelay,
		workerCount: config.WorkerCount,
		queue:       make(chan *task, config.QueueSize),
		stopCh:      make(chan struct{}),
	}
}

func (s *Sender) Start() {
	for i := 0; i < s.workerCount; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
}

func (s *Sender) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *Sender) PrinterStateChanged(port string, oldState, newState core.State) {
	s.enqueue(EventPrinterStateChanged, &StateChangeData{
		Port: port,
		From: oldState.String(),
		To:   newState.String(),
	})
}

func (s *Sender) PrinterFirmware(port string, info *core.FirmwareInfo) {
	s.enqueue(EventPrinterVerified, &VerifiedData{
		Port:     port,
		Firmware: info,
	})
}

func (s *Sender) PrinterTemperature(port string, report *core.TempReport) {
	// Temperature updates are far too frequent for webhook delivery.
}

func (s *Sender) JobProgress(port string, snap core.JobSnapshot) {
	// Progress goes to live subscribers; endpoints get the final result.
}

func (s *Sender) JobFinished(port string, snap core.JobSnapshot, success bool, errorMsg string) {
	s.enqueue(EventJobFinished, &JobFinishedData{
		Port:     port,
		JobID:    snap.ID,
		Name:     snap.Name,
		Total:    snap.Total,
		Sent:     snap.Sent,
		Progress: snap.Progress,
		Success:  success,
		Error:    errorMsg,
	})
}

func (s *Sender) enqueue(event Event, data interface{}) {
	for _, ep := range s.endpoints {
		if !ep.wants(event) {
			continue
		}
		t := &task{
			endpoint: ep,
			payload: &Payload{
				Event:     string(event),
				Timestamp: time.Now().UTC(),
				Data:      data,
			},
		}
		select {
		case s.queue <- t:
		default:
			s.log.Warn("webhook queue full, dropping delivery", "url", ep.URL, "event", event)
		}
	}
}

func (s *Sender) worker(id int) {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopCh:
			return
		case t := <-s.queue:
			if err := s.sendWithRetry(t); err != nil {
				s.log.Error("webhook delivery failed",
					"worker", id, "url", t.endpoint.URL, "event", t.payload.Event,
					"attempts", t.attempt, "error", err)
			}
		}
	}
}

func (s *Sender) sendWithRetry(t *task) error {
	var lastErr error
	for t.attempt < s.retryCount {
		t.attempt++

		err := s.sendRequest(t.endpoint, t.payload)
		if err == nil {
			return nil
		}
		lastErr = err

		if isClientError(err) {
			return err
		}

		if t.attempt < s.retryCount {
			backoff := s.retryDelay * time.Duration(1<<(t.attempt-1))
			s.log.Warn("webhook delivery retry",
				"url", t.endpoint.URL, "event", t.payload.Event,
				"attempt", t.attempt, "backoff", backoff, "error", err)

			select {
			case <-s.stopCh:
				return fmt.Errorf("shutdown requested")
			case <-time.After(backoff):
			}
		}
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (s *Sender) sendRequest(ep Endpoint, payload *Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Event", payload.Event)
	if ep.Secret != "" {
		req.Header.Set("X-Webhook-Signature", Sign(body, ep.Secret))
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return &httpStatusError{status: resp.StatusCode}
	}

	return nil
}

// Sign computes the hex HMAC-SHA256 of body, the value receivers verify
// against the X-Webhook-Signature header.
func Sign(body []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

type httpStatusError struct {
	status int
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("http error: %d", e.status)
}

func isClientError(err error) bool {
	se, ok := err.(*httpStatusError)
	return ok && se.status >= 400 && se.status < 500
}
