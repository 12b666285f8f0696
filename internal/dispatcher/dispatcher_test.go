package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// testLogger implements Logger for testing
type testLogger struct {
	mu       sync.Mutex
	messages []string
}

func (l *testLogger) Debug(msg string, keysAndValues ...any) {
	l.add("DEBUG", msg, keysAndValues)
}

func (l *testLogger) Info(msg string, keysAndValues ...any) {
	l.add("INFO", msg, keysAndValues)
}

func (l *testLogger) Error(msg string, keysAndValues ...any) {
	l.add("ERROR", msg, keysAndValues)
}

func (l *testLogger) add(level, msg string, kv []any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, fmt.Sprintf("%s: %s %v", level, msg, kv))
}

func (l *testLogger) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.messages...)
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *testLogger) {
	t.Helper()
	logger := &testLogger{}
	d, err := New(logger)
	require.NoError(t, err)
	return d, logger
}

func TestDispatcher_SyncHandler(t *testing.T) {
	d, _ := newTestDispatcher(t)

	var got Event
	d.Register("start", func(e Event) (any, error) {
		got = e
		return "started", nil
	})

	result, err := d.Dispatch(Event{Command: "start", Args: []string{"m-01"}, Source: "console"})
	require.NoError(t, err)
	assert.Equal(t, "started", result)
	assert.Equal(t, []string{"m-01"}, got.Args)
	assert.Equal(t, "console", got.Source)
	assert.False(t, got.Timestamp.IsZero(), "dispatch stamps events")
}

func TestDispatcher_UnknownCommand(t *testing.T) {
	d, _ := newTestDispatcher(t)

	_, err := d.Dispatch(Event{Command: "launch"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown command: launch")
}

func TestDispatcher_Alias(t *testing.T) {
	d, _ := newTestDispatcher(t)

	d.Register("quit", func(e Event) (any, error) { return e.Command, nil })
	d.Alias("q", "quit")

	result, err := d.Dispatch(Event{Command: "q"})
	require.NoError(t, err)
	assert.Equal(t, "quit", result)
	assert.True(t, d.HasHandler("q"))
	assert.Equal(t, []string{"quit"}, d.Commands())
}

func TestDispatcher_Commands(t *testing.T) {
	d, _ := newTestDispatcher(t)
	for _, c := range []string{"write", "commit", "subscribe_doc"} {
		d.Register(c, func(Event) (any, error) { return nil, nil })
	}
	assert.Equal(t, []string{"commit", "subscribe_doc", "write"}, d.Commands())
}

func TestDispatcher_LoggedHandler(t *testing.T) {
	d, logger := newTestDispatcher(t)

	d.Register("ranking", func(e Event) (any, error) {
		return "ok", nil
	}, Logged())

	_, err := d.Dispatch(Event{Command: "ranking", Args: []string{"a", "b"}})
	require.NoError(t, err)

	msgs := logger.snapshot()
	require.Len(t, msgs, 2)
	assert.True(t, strings.HasPrefix(msgs[0], "DEBUG: handling event"))
	assert.True(t, strings.HasPrefix(msgs[1], "DEBUG: event complete"))
}

func TestDispatcher_LoggedHandlerError(t *testing.T) {
	d, logger := newTestDispatcher(t)

	d.Register("code", func(e Event) (any, error) {
		return nil, errors.New("validation code mismatch")
	}, Logged())

	_, err := d.Dispatch(Event{Command: "code"})
	require.Error(t, err)

	var hasError bool
	for _, msg := range logger.snapshot() {
		if strings.HasPrefix(msg, "ERROR: event failed") {
			hasError = true
		}
	}
	assert.True(t, hasError, "expected error log message")
}

func TestDispatcher_Metrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	otel.SetMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))

	d, _ := newTestDispatcher(t)
	d.Register("code", func(e Event) (any, error) {
		if len(e.Args) == 0 {
			return nil, errors.New("missing code")
		}
		return "ok", nil
	})
	_, _ = d.Dispatch(Event{Command: "code", Args: []string{"ALFA-1"}})
	_, _ = d.Dispatch(Event{Command: "code"})

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	sums := map[string]int64{}
	var histograms int
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					sums[m.Name] += dp.Value
				}
			case metricdata.Histogram[float64]:
				for _, dp := range data.DataPoints {
					histograms += int(dp.Count)
				}
			}
		}
	}
	assert.Equal(t, int64(2), sums["dispatcher.events.processed"])
	assert.Equal(t, int64(1), sums["dispatcher.events.failed"])
	assert.Equal(t, 2, histograms)
}
