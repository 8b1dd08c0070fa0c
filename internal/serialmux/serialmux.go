// Package serialmux shares one line-oriented serial connection between
// several readers: request/reply queries from a driver, live tails from the
// admin pages, and unsolicited event lines from the device.
package serialmux

import (
	"bufio"
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
	"tailscale.com/tsweb"

	"github.com/ncnr/pyrecs/internal/monitoring"
)

var (
	ErrWriteFailed = errors.New("failed to write to serial port")
	ErrClosed      = errors.New("serial mux closed")
)

// EventPrefix marks unsolicited device lines. Query never treats them as
// replies.
const EventPrefix = "#"

// SerialMux multiplexes a single serial port.
type SerialMux[T SerialPorter] struct {
	port        T
	subscribers *xsync.MapOf[string, chan string]
	closing     atomic.Bool
	commandMu   sync.Mutex

	// fanMu keeps Unsubscribe from closing a channel mid-send.
	fanMu sync.RWMutex
}

// NewSerialMux wraps port. Monitor must be running for subscribers and
// Query to receive lines.
func NewSerialMux[T SerialPorter](port T) *SerialMux[T] {
	return &SerialMux[T]{
		port:        port,
		subscribers: xsync.NewMapOf[string, chan string](),
	}
}

func randomID() string {
	b := make([]byte, 8)
	_, _ = crand.Read(b)
	return hex.EncodeToString(b)
}

// Subscribe registers a channel that receives every line read. Lines are
// dropped for a subscriber whose channel is full.
func (s *SerialMux[T]) Subscribe() (string, chan string) {
	return s.subscribe(0)
}

func (s *SerialMux[T]) subscribe(buffer int) (string, chan string) {
	id := randomID()
	ch := make(chan string, buffer)
	s.subscribers.Store(id, ch)
	return id, ch
}

// Unsubscribe removes and closes a subscriber channel.
func (s *SerialMux[T]) Unsubscribe(id string) {
	s.fanMu.Lock()
	defer s.fanMu.Unlock()
	if ch, ok := s.subscribers.LoadAndDelete(id); ok {
		close(ch)
	}
}

// Subscribers returns the number of registered subscribers.
func (s *SerialMux[T]) Subscribers() int {
	return s.subscribers.Size()
}

// SendCommand writes one command line.
func (s *SerialMux[T]) SendCommand(command string) error {
	s.commandMu.Lock()
	defer s.commandMu.Unlock()
	return s.write(command)
}

func (s *SerialMux[T]) write(command string) error {
	if s.closing.Load() {
		return ErrClosed
	}
	if !strings.HasSuffix(command, "\n") {
		command += "\n"
	}
	n, err := s.port.Write([]byte(command))
	if err != nil {
		return err
	}
	if n != len(command) {
		return ErrWriteFailed
	}
	return nil
}

// Query writes command and returns the first non-event line that follows.
// Queries are serialised, so the reply belongs to this command.
func (s *SerialMux[T]) Query(ctx context.Context, command string) (string, error) {
	s.commandMu.Lock()
	defer s.commandMu.Unlock()

	id, ch := s.subscribe(16)
	defer s.Unsubscribe(id)

	if err := s.write(command); err != nil {
		return "", err
	}
	for {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("query %q: %w", strings.TrimSpace(command), ctx.Err())
		case line, ok := <-ch:
			if !ok {
				return "", ErrClosed
			}
			if strings.HasPrefix(line, EventPrefix) {
				continue
			}
			return line, nil
		}
	}
}

// Monitor reads lines from the port and fans them out to subscribers until
// ctx is done, the port reaches EOF, or the mux is closed.
func (s *SerialMux[T]) Monitor(ctx context.Context) error {
	scan := bufio.NewScanner(s.port)

	lineChan := make(chan string)
	scanErrChan := make(chan error, 1)

	go func() {
		defer close(lineChan)
		for scan.Scan() {
			select {
			case lineChan <- strings.TrimRight(scan.Text(), "\r"):
			case <-ctx.Done():
				return
			}
		}
		if err := scan.Err(); err != nil {
			select {
			case scanErrChan <- err:
			case <-ctx.Done():
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-scanErrChan:
			if s.closing.Load() {
				return nil
			}
			return err

		case line, ok := <-lineChan:
			if !ok {
				return nil
			}
			if s.closing.Load() {
				return nil
			}
			s.fanMu.RLock()
			s.subscribers.Range(func(_ string, ch chan string) bool {
				select {
				case ch <- line:
				default:
				}
				return true
			})
			s.fanMu.RUnlock()
		}
	}
}

// Close closes every subscriber and the port.
func (s *SerialMux[T]) Close() error {
	if s.closing.Swap(true) {
		return nil
	}
	s.subscribers.Range(func(id string, _ chan string) bool {
		s.Unsubscribe(id)
		return true
	})
	return s.port.Close()
}

// AttachAdminRoutes serves a command endpoint and a live tail of the port
// under /debug/.
func (s *SerialMux[T]) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.HandleSilentFunc("serial-command", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		command := strings.TrimSpace(r.FormValue("command"))
		if command == "" {
			http.Error(w, "Missing command", http.StatusBadRequest)
			return
		}
		reply, err := s.Query(r.Context(), command)
		if err != nil {
			monitoring.Logf("[serialmux] admin command %q failed: %v", command, err)
			http.Error(w, "Failed to query serial port", http.StatusInternalServerError)
			return
		}
		_, _ = io.WriteString(w, reply+"\n")
	})

	debug.HandleSilentFunc("serial-tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")

		id, c := s.subscribe(64)
		defer s.Unsubscribe(id)

		_, _ = w.Write([]byte(": ping\n\n"))
		flusher.Flush()

		for {
			select {
			case payload, ok := <-c:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
}
