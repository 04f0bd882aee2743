package acquisition

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/RMahshie/spectrascope/internal/scpi"
)

// fakeTransport is a scripted in-memory instrument
type fakeTransport struct {
	mu      sync.Mutex
	sent    []string
	pending []string
	closed  bool

	// respond returns the reply for a query; ok=false means no reply
	respond func(cmd string) (reply string, ok bool)
	// sendErr fails a send when non-nil
	sendErr func(cmd string) error
}

func (f *fakeTransport) Send(_ context.Context, cmd string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, cmd)
	if f.sendErr != nil {
		if err := f.sendErr(cmd); err != nil {
			return err
		}
	}
	if f.respond != nil {
		if reply, ok := f.respond(cmd); ok {
			f.pending = append(f.pending, reply)
		}
	}
	return nil
}

func (f *fakeTransport) Receive(_ context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pending) == 0 {
		return "", fmt.Errorf("receive: %w", scpi.ErrTimeout)
	}
	r := f.pending[0]
	f.pending = f.pending[1:]
	return r, nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func (f *fakeTransport) count(prefix string) int {
	n := 0
	for _, c := range f.commands() {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

// instrument answers like a healthy digitizer; data maps channel to reply
func instrument(data map[int]string) func(string) (string, bool) {
	return func(cmd string) (string, bool) {
		switch cmd {
		case "ACQ:TRIG:STAT?":
			return "TD", true
		case "ACQ:TRIG:FILL?":
			return "1", true
		}
		var ch int
		if _, err := fmt.Sscanf(cmd, "ACQ:SOUR%d:DATA?", &ch); err == nil {
			return data[ch], true
		}
		return "", false
	}
}
