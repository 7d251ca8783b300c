// Package snapshottest provides an in-process Snapshots service for tests.
package snapshottest

import (
	"context"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	ps "github.com/parchmentlabs/parchment/go/protocols/snapshot"
)

// Server is an in-memory Snapshots implementation listening on a local port.
// Documents must be created with CreateDoc before Save will accept them,
// mirroring the metadata service's NOT_FOUND contract.
type Server struct {
	ps.UnimplementedSnapshotsServer

	Addr string

	mu        sync.Mutex
	known     map[string]struct{}
	snapshots map[string][]byte
	saves     map[string]int
	grpc      *grpc.Server
}

// NewServer starts a Server on a random local port.
func NewServer() (*Server, error) {
	var l, err = net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	var s = &Server{
		Addr:      l.Addr().String(),
		known:     make(map[string]struct{}),
		snapshots: make(map[string][]byte),
		saves:     make(map[string]int),
		grpc:      grpc.NewServer(),
	}
	ps.RegisterSnapshotsServer(s.grpc, s)
	go func() { _ = s.grpc.Serve(l) }()
	return s, nil
}

// Stop tears down the server.
func (s *Server) Stop() { s.grpc.Stop() }

// CreateDoc registers |docID| as known to the metadata service.
func (s *Server) CreateDoc(docID string) {
	s.mu.Lock()
	s.known[docID] = struct{}{}
	s.mu.Unlock()
}

// Snapshot returns the persisted snapshot of |docID| and whether one exists.
func (s *Server) Snapshot(docID string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var b, ok = s.snapshots[docID]
	return b, ok
}

// SaveCount returns how many times |docID| has been saved.
func (s *Server) SaveCount(docID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves[docID]
}

// Get implements SnapshotsServer.
func (s *Server) Get(ctx context.Context, req *ps.GetRequest) (*ps.GetResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var b, ok = s.snapshots[req.DocId]
	return &ps.GetResponse{HasSnapshot: ok, Snapshot: b}, nil
}

// Save implements SnapshotsServer.
func (s *Server) Save(ctx context.Context, req *ps.SaveRequest) (*ps.SaveResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.known[req.DocId]; !ok {
		return nil, status.Errorf(codes.NotFound, "unknown document %q", req.DocId)
	}
	s.snapshots[req.DocId] = append([]byte(nil), req.Snapshot...)
	s.saves[req.DocId]++
	return &ps.SaveResponse{}, nil
}
