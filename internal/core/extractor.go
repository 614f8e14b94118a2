package core

import (
	"context"
	"regexp"
	"sync"
	"time"
)

// Extractor waits for a pattern to appear in accumulated printer output. It
// resolves exactly once: Matched, TimedOut, or PrinterErrorOccurred.
type Extractor struct {
	pattern   *regexp.Regexp
	onlyOnAck bool
	createdAt time.Time

	mu     sync.Mutex
	state  ExtractorState
	groups []string
	err    error
	timer  *time.Timer
	done   chan struct{}
}

// Pattern returns the source expression.
func (e *Extractor) Pattern() string { return e.pattern.String() }

// State returns the current lifecycle state.
func (e *Extractor) State() ExtractorState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Done is closed once the extractor reaches a terminal state.
func (e *Extractor) Done() <-chan struct{} { return e.done }

// Wait blocks until the extractor resolves or ctx ends. On a match it returns
// the full match followed by capture groups.
func (e *Extractor) Wait(ctx context.Context) ([]string, error) {
	select {
	case <-e.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.groups, e.err
}

func (e *Extractor) armTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != ExtractorWaiting {
		return
	}
	e.timer = time.AfterFunc(d, func() {
		e.fail(ExtractorTimedOut, &TimeoutError{Command: e.pattern.String(), Elapsed: time.Since(e.createdAt)})
	})
}

func (e *Extractor) complete(groups []string) bool {
	e.mu.Lock()
	if e.state != ExtractorWaiting {
		e.mu.Unlock()
		return false
	}
	e.state = ExtractorMatched
	e.groups = groups
	if e.timer != nil {
		e.timer.Stop()
	}
	e.mu.Unlock()
	close(e.done)
	return true
}

func (e *Extractor) fail(state ExtractorState, err error) bool {
	e.mu.Lock()
	if e.state != ExtractorWaiting {
		e.mu.Unlock()
		return false
	}
	e.state = state
	e.err = err
	if e.timer != nil {
		e.timer.Stop()
	}
	e.mu.Unlock()
	close(e.done)
	return true
}

// ExtractorSet is the collection of live output watchers for one connection.
type ExtractorSet struct {
	mu    sync.Mutex
	items []*Extractor
}

func NewExtractorSet() *ExtractorSet {
	return &ExtractorSet{}
}

// Register compiles pattern and adds a watcher. timeout <= 0 means no
// deadline. onlyOnAck defers evaluation to passes that saw the
// acknowledgement token.
func (s *ExtractorSet) Register(pattern string, timeout time.Duration, onlyOnAck bool) (*Extractor, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, &ValidationError{Reason: "invalid pattern: " + err.Error()}
	}
	e := &Extractor{
		pattern:   re,
		onlyOnAck: onlyOnAck,
		createdAt: time.Now(),
		state:     ExtractorWaiting,
		done:      make(chan struct{}),
	}
	e.armTimeout(timeout)
	s.mu.Lock()
	s.items = append(s.items, e)
	s.mu.Unlock()
	return e, nil
}

// Evaluate matches every waiting extractor against text, gating onlyOnAck
// entries on ackSeen. Matched extractors resolve and leave the set; entries
// that resolved elsewhere (timeout, disconnect) are pruned. Returns the
// extractors matched by this pass.
func (s *ExtractorSet) Evaluate(text string, ackSeen bool) []*Extractor {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []*Extractor
	keep := s.items[:0]
	for _, e := range s.items {
		if e.State().Terminal() {
			continue
		}
		if e.onlyOnAck && !ackSeen {
			keep = append(keep, e)
			continue
		}
		if groups := e.pattern.FindStringSubmatch(text); groups != nil {
			if e.complete(groups) {
				matched = append(matched, e)
			}
			continue
		}
		keep = append(keep, e)
	}
	s.items = keep
	return matched
}

// Len returns the number of registered watchers, including ones that may
// already have resolved but are not yet pruned.
func (s *ExtractorSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// FailAll resolves every waiting extractor with err and empties the set.
func (s *ExtractorSet) FailAll(err error) {
	s.mu.Lock()
	items := s.items
	s.items = nil
	s.mu.Unlock()
	for _, e := range items {
		e.fail(ExtractorPrinterError, err)
	}
}
