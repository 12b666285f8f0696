// Package scanner turns a code-reading device into decoded text events.
// Keyboard-wedge barcode and QR readers type each code followed by Enter,
// so a line of input is one scan.
package scanner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// ErrCodeTooLong is reported when a line exceeds MaxLen. The line is skipped.
var ErrCodeTooLong = errors.New("scanned code too long")

// ErrBusy is returned by Start while another session runs.
var ErrBusy = errors.New("scanner: session already running")

// Session is a running scan. Stop may be called any number of times.
type Session interface {
	Stop()
	Done() <-chan struct{}
}

// Scanner starts scanning sessions.
type Scanner interface {
	Start(ctx context.Context, onDecoded func(string), onError func(error)) (Session, error)
}

type item struct {
	line string
	at   time.Time
	err  error // nil on EOF
	eof  bool
}

// LineScanner reads codes from r, one per line. A single goroutine owns r
// for the scanner's lifetime; lines read while no session runs are dropped.
type LineScanner struct {
	MaxLen   int           // 0 means 256
	Debounce time.Duration // an identical code inside this window is dropped

	r     *bufio.Reader
	items chan item
	pump  sync.Once
	now   func() time.Time

	mu     sync.Mutex
	active bool
}

var _ Scanner = (*LineScanner)(nil)

func NewLineScanner(r io.Reader) *LineScanner {
	return &LineScanner{
		r:     bufio.NewReader(r),
		items: make(chan item),
		now:   time.Now,
	}
}

type session struct {
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func (s *session) Stop()                 { s.once.Do(func() { close(s.stop) }) }
func (s *session) Done() <-chan struct{} { return s.done }

// Start delivers codes until EOF, a read error, ctx cancellation or Stop.
// Read errors go to onError and end the session; oversized lines go to
// onError and scanning continues.
func (l *LineScanner) Start(ctx context.Context, onDecoded func(string), onError func(error)) (Session, error) {
	if onDecoded == nil {
		return nil, errors.New("scanner: onDecoded is required")
	}
	if onError == nil {
		onError = func(error) {}
	}

	l.mu.Lock()
	if l.active {
		l.mu.Unlock()
		return nil, ErrBusy
	}
	l.active = true
	l.mu.Unlock()

	started := l.now()
	l.pump.Do(func() { go l.read() })

	s := &session{stop: make(chan struct{}), done: make(chan struct{})}

	go func() {
		defer func() {
			l.mu.Lock()
			l.active = false
			l.mu.Unlock()
			close(s.done)
		}()

		var last string
		var lastAt time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case it, ok := <-l.items:
				if !ok {
					return
				}
				switch {
				case it.eof:
					return
				case it.err != nil:
					onError(it.err)
					return
				case it.at.Before(started):
					continue
				case len(it.line) > l.maxLen():
					onError(fmt.Errorf("%w: %d bytes", ErrCodeTooLong, len(it.line)))
					continue
				case l.Debounce > 0 && it.line == last && it.at.Sub(lastAt) < l.Debounce:
					continue
				}
				last, lastAt = it.line, it.at
				onDecoded(it.line)
			}
		}
	}()
	return s, nil
}

func (l *LineScanner) maxLen() int {
	if l.MaxLen <= 0 {
		return 256
	}
	return l.MaxLen
}

// read pumps trimmed non-empty lines until EOF or a read error, then closes
// items after handing over the terminal item.
func (l *LineScanner) read() {
	defer close(l.items)
	for {
		raw, err := l.r.ReadString('\n')
		if line := strings.TrimSpace(raw); line != "" {
			l.items <- item{line: line, at: l.now()}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				l.items <- item{eof: true}
			} else {
				l.items <- item{err: fmt.Errorf("scanner read: %w", err)}
			}
			return
		}
	}
}
