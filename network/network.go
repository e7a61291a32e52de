package network

import (
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"spit/predict"
)

// Request carries one or more flattened images. Each connection holds
// exactly one request followed by one response.
type Request struct {
	ID     uint64
	Source string
	Rows   [][]float32
}

type Response struct {
	ID          uint64
	Predictions []predict.Prediction
	Err         string
}

// Server answers classification requests over TCP.
type Server struct {
	// ReadTimeout bounds how long a connection may take to send its
	// request.
	ReadTimeout time.Duration

	predictor predict.Predictor
	listener  net.Listener
	wg        sync.WaitGroup
	closing   chan struct{}

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

func NewServer(predictor predict.Predictor) *Server {
	return &Server{
		ReadTimeout: 30 * time.Second,
		predictor:   predictor,
		closing:     make(chan struct{}),
		conns:       make(map[net.Conn]struct{}),
	}
}

// ListenOnPort starts accepting connections in the background.
func (s *Server) ListenOnPort(port string) error {
	listener, err := net.Listen("tcp", port)
	if err != nil {
		return fmt.Errorf("error opening port: %w", err)
	}
	s.listener = listener

	s.wg.Add(1)
	go s.listenForever()
	return nil
}

// Addr is the bound address, useful when listening on ":0".
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Close stops accepting, drops open connections and waits for their
// handlers to return.
func (s *Server) Close() error {
	close(s.closing)
	err := s.listener.Close()

	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return err
}

// track registers conn, or reports false once the server is closing.
func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.closing:
		return false
	default:
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

func (s *Server) listenForever() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closing:
				return
			default:
			}
			log.Printf("accept: %v", err)
			continue
		}

		if !s.track(conn) {
			conn.Close()
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			if err := s.handleConnection(conn); err != nil {
				log.Printf("connection %s: %v", conn.RemoteAddr(), err)
			}
		}()
	}
}

// handleConnection decodes a request, classifies it and writes the
// response. Classification errors go back to the client in Response.Err.
func (s *Server) handleConnection(conn net.Conn) error {
	defer conn.Close()

	if s.ReadTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(s.ReadTimeout))
	}
	var req Request
	if err := gob.NewDecoder(conn).Decode(&req); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}

	resp := Response{ID: req.ID}
	preds, err := s.predictor.Predict(req.Rows)
	if err != nil {
		resp.Err = err.Error()
	} else {
		resp.Predictions = preds
	}
	return gob.NewEncoder(conn).Encode(&resp)
}

// Client sends requests to a single server address.
type Client struct {
	address string
	// MaxElapsed bounds the dial retries.
	MaxElapsed time.Duration

	mu     sync.Mutex
	nextID uint64
}

func NewClient(address string) *Client {
	return &Client{address: address, MaxElapsed: 10 * time.Second}
}

// ErrRemote wraps errors reported by the server.
var ErrRemote = errors.New("remote classification failed")

func (c *Client) Classify(ctx context.Context, source string, rows [][]float32) ([]predict.Prediction, error) {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.mu.Unlock()

	var conn net.Conn
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = c.MaxElapsed
	dial := func() error {
		var d net.Dialer
		var err error
		conn, err = d.DialContext(ctx, "tcp", c.address)
		return err
	}
	if err := backoff.Retry(dial, backoff.WithContext(b, ctx)); err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.address, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	if err := gob.NewEncoder(conn).Encode(&Request{ID: id, Source: source, Rows: rows}); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	var resp Response
	if err := gob.NewDecoder(conn).Decode(&resp); err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.ID != id {
		return nil, fmt.Errorf("response id %d does not match request %d", resp.ID, id)
	}
	if resp.Err != "" {
		return nil, fmt.Errorf("%w: %s", ErrRemote, resp.Err)
	}
	return resp.Predictions, nil
}
