// Package scpitest provides an in-process simulated Red Pitaya that speaks
// the acquisition subset of its SCPI dialect over TCP.
package scpitest

import (
	"bufio"
	"errors"
	"fmt"
	"math"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Sine describes the signal generated on one channel
type Sine struct {
	Frequency float64
	Amplitude float64
	Offset    float64
}

// Options controls the simulated instrument
type Options struct {
	SampleRate float64
	BufferSize int
	Channels   map[int]Sine

	// NeverTrigger keeps ACQ:TRIG:STAT? answering WAIT
	NeverTrigger bool
	// NeverFill keeps ACQ:TRIG:FILL? answering 0
	NeverFill bool
	// TriggerAfter answers WAIT this many times before TD
	TriggerAfter int
	// Silent accepts commands but never answers queries
	Silent bool
	// Malformed channels answer data queries with garbage
	Malformed map[int]bool
	// Lengths overrides the buffer size per channel
	Lengths map[int]int
	// LateReplies holds back the next this many query replies by ReplyDelay
	LateReplies int
	ReplyDelay  time.Duration
}

// DefaultOptions returns a four channel instrument at 125 MS/s with short buffers
func DefaultOptions() Options {
	return Options{
		SampleRate: 125e6,
		BufferSize: 1024,
		Channels: map[int]Sine{
			1: {Frequency: 1e6, Amplitude: 0.5},
			2: {Frequency: 2e6, Amplitude: 0.25},
			3: {Frequency: 5e6, Amplitude: 0.1},
			4: {Frequency: 10e6, Amplitude: 0.05},
		},
	}
}

// Server is a simulated instrument listening on a TCP port
type Server struct {
	ln net.Listener

	mu        sync.Mutex
	opts      Options
	commands  []string
	conns     map[net.Conn]struct{}
	triggered bool
	armed     bool
	polls     int
	gain      map[int]string
	decim     int

	wg     sync.WaitGroup
	closed bool
}

// NewServer starts a simulated instrument on a loopback port
func NewServer(opts Options) (*Server, error) {
	return Listen("127.0.0.1:0", opts)
}

// Listen starts a simulated instrument on addr
func Listen(addr string, opts Options) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	if opts.SampleRate <= 0 {
		opts.SampleRate = 125e6
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = 1024
	}
	s := &Server{
		ln:    ln,
		opts:  opts,
		conns: make(map[net.Conn]struct{}),
		gain:  make(map[int]string),
		decim: 1,
	}
	s.wg.Add(1)
	go s.serve()
	return s, nil
}

// Addr returns the listening address
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Commands returns every command line received so far
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// Gain returns the last gain token set on a channel
func (s *Server) Gain(ch int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gain[ch]
}

// Update changes the simulation options of a running server
func (s *Server) Update(fn func(*Options)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.opts)
}

// DropConnections closes every client connection, leaving the listener open
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		c.Close()
	}
}

// Close stops the server and waits for its goroutines
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	err := s.ln.Close()
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return err
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				log.Warn().Err(err).Msg("simulator accept failed")
			}
			return
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		cmd := strings.TrimSpace(line)
		if cmd == "" {
			continue
		}
		reply, delay, ok := s.exec(cmd)
		if !ok {
			continue
		}
		if delay > 0 {
			time.Sleep(delay)
		}
		if _, err := w.WriteString(reply + "\r\n"); err != nil {
			return
		}
		if err := w.Flush(); err != nil {
			return
		}
	}
}

// exec applies one command and returns the reply for queries along with
// how long to hold it back
func (s *Server) exec(cmd string) (string, time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = append(s.commands, cmd)

	name, arg, _ := strings.Cut(cmd, " ")
	name = strings.ToUpper(name)
	arg = strings.TrimSpace(arg)

	var reply string
	switch {
	case name == "ACQ:RST":
		s.armed, s.triggered, s.polls = false, false, 0
		s.decim = 1
		return "", 0, false
	case name == "ACQ:DEC":
		if n, err := strconv.Atoi(arg); err == nil && n > 0 {
			s.decim = n
		}
		return "", 0, false
	case name == "ACQ:START":
		s.armed, s.triggered, s.polls = true, false, 0
		return "", 0, false
	case name == "ACQ:STOP":
		s.armed = false
		return "", 0, false
	case name == "ACQ:TRIG":
		s.triggered = false
		return "", 0, false
	case name == "ACQ:TRIG:STAT?":
		reply = "WAIT"
		if s.armed && !s.opts.NeverTrigger {
			if s.polls >= s.opts.TriggerAfter {
				s.triggered = true
			}
			s.polls++
		}
		if s.triggered {
			reply = "TD"
		}
	case name == "ACQ:TRIG:FILL?":
		reply = "0"
		if s.triggered && !s.opts.NeverFill {
			reply = "1"
		}
	case strings.HasPrefix(name, "ACQ:SOUR") && strings.HasSuffix(name, ":DATA?"):
		ch, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, "ACQ:SOUR"), ":DATA?"))
		if err != nil {
			reply = "ERR!"
			break
		}
		reply = s.dataLocked(ch)
	case strings.HasPrefix(name, "ACQ:SOUR") && strings.HasSuffix(name, ":GAIN"):
		if ch, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, "ACQ:SOUR"), ":GAIN")); err == nil {
			s.gain[ch] = strings.ToUpper(arg)
		}
		return "", 0, false
	case strings.HasSuffix(name, "?"):
		reply = "ERR!"
	default:
		// ACQ:DATA:FORMAT, ACQ:DATA:UNITS, ACQ:TRIG:LEV, ACQ:TRIG:DLY and friends
		return "", 0, false
	}

	if s.opts.Silent {
		return "", 0, false
	}
	var delay time.Duration
	if s.opts.LateReplies > 0 {
		s.opts.LateReplies--
		delay = s.opts.ReplyDelay
	}
	return reply, delay, true
}

func (s *Server) dataLocked(ch int) string {
	if s.opts.Malformed[ch] {
		return "{0.1,abc,0.3}"
	}
	n := s.opts.BufferSize
	if l, ok := s.opts.Lengths[ch]; ok {
		n = l
	}
	sig := s.opts.Channels[ch]
	rate := s.opts.SampleRate / float64(s.decim)

	var b strings.Builder
	b.Grow(n * 10)
	b.WriteByte('{')
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteByte(',')
		}
		v := sig.Offset + sig.Amplitude*math.Sin(2*math.Pi*sig.Frequency*float64(i)/rate)
		b.WriteString(strconv.FormatFloat(v, 'f', 6, 64))
	}
	b.WriteByte('}')
	return b.String()
}
