package daemon

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/lmittmann/tint"

	"github.com/burrow-sh/burrow/internal/core"
)

// LogBroadcaster fans daemon log output out to connected CLI clients
// and keeps a ring buffer of recent lines for history replay.
type LogBroadcaster struct {
	clients map[chan string]bool
	history []string
	maxHist int
	mu      sync.RWMutex
}

// NewLogBroadcaster creates a broadcaster with the given history size
func NewLogBroadcaster(historySize int) *LogBroadcaster {
	if historySize <= 0 {
		historySize = 1000
	}
	return &LogBroadcaster{
		clients: make(map[chan string]bool),
		history: make([]string, 0, historySize),
		maxHist: historySize,
	}
}

// Subscribe adds a client and returns the last historyLines of history
func (lb *LogBroadcaster) Subscribe(historyLines int) (chan string, []string) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	ch := make(chan string, 100) // Buffer to prevent blocking
	lb.clients[ch] = true

	var history []string
	if historyLines > 0 && len(lb.history) > 0 {
		start := len(lb.history) - historyLines
		if start < 0 {
			start = 0
		}
		history = make([]string, len(lb.history)-start)
		copy(history, lb.history[start:])
	}
	return ch, history
}

// Unsubscribe removes a client from receiving broadcasts
func (lb *LogBroadcaster) Unsubscribe(ch chan string) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	delete(lb.clients, ch)
	close(ch)
}

// Broadcast sends a log message to all subscribed clients
func (lb *LogBroadcaster) Broadcast(message string) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	if len(lb.history) >= lb.maxHist {
		lb.history = lb.history[1:]
	}
	lb.history = append(lb.history, message)

	for ch := range lb.clients {
		select {
		case ch <- message:
		default:
			// Channel buffer full, skip this client to prevent blocking
		}
	}
}

// logWriter is an io.Writer that broadcasts log output
type logWriter struct {
	broadcaster *LogBroadcaster
}

func (lw *logWriter) Write(p []byte) (n int, err error) {
	lw.broadcaster.Broadcast(string(p))
	return len(p), nil
}

// setupLogging configures slog to write to both stderr and the
// broadcaster so CLI clients can stream daemon logs
func (d *Daemon) setupLogging() {
	multiWriter := io.MultiWriter(os.Stderr, &logWriter{broadcaster: d.logBroadcast})

	level := slog.LevelInfo
	if core.Config != nil && core.Config.Verbose > 0 {
		level = slog.LevelDebug
	}

	handler := tint.NewHandler(multiWriter, &tint.Options{
		Level:      level,
		TimeFormat: time.DateTime,
	})
	slog.SetDefault(slog.New(handler))
}

// handleLogs streams daemon logs to the client until they disconnect
func (d *Daemon) handleLogs(conn net.Conn, historyLines int) {
	defer conn.Close()

	logChan, history := d.logBroadcast.Subscribe(historyLines)
	defer d.logBroadcast.Unsubscribe(logChan)

	if _, err := conn.Write([]byte("Connected to burrow daemon logs. Press Ctrl+C to exit.\n")); err != nil {
		slog.Warn(fmt.Sprintf("Failed to send initial message to logs client: %v", err))
		return
	}
	for _, msg := range history {
		if _, err := conn.Write([]byte(msg)); err != nil {
			return
		}
	}

	// Detect client disconnect by draining the read side
	done := make(chan bool)
	go func() {
		reader := bufio.NewReader(conn)
		io.Copy(io.Discard, reader)
		done <- true
	}()

	for {
		select {
		case logMsg, ok := <-logChan:
			if !ok {
				return
			}
			if _, err := conn.Write([]byte(logMsg)); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
