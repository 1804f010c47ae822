// Package lock implements LockService, a protocol granting named exclusive
// locks to channels. Locks are released when the owning channel closes.
package lock

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/SkynetNext/grid-gateway/internal/protocol"
)

const (
	ProtocolName           = "LockService"
	ProtocolVersion  int32 = 1
	SupportedVersion int32 = 1
)

// Request types
const (
	OpLock     = "lock"
	OpUnlock   = "unlock"
	OpIsLocked = "isLocked"
)

// Table holds the lock owners shared by every channel
type Table struct {
	mu    sync.Mutex
	locks map[string]*held
}

type held struct {
	owner *Service
	count int
}

// NewTable creates an empty lock table
func NewTable() *Table {
	return &Table{locks: make(map[string]*held)}
}

// tryLock acquires name for owner. Locks are reentrant.
func (t *Table) tryLock(name string, owner *Service) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.locks[name]
	if !ok {
		t.locks[name] = &held{owner: owner, count: 1}
		return true
	}
	if h.owner != owner {
		return false
	}
	h.count++
	return true
}

func (t *Table) unlock(name string, owner *Service) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.locks[name]
	if !ok || h.owner != owner {
		return false
	}
	h.count--
	if h.count == 0 {
		delete(t.locks, name)
	}
	return true
}

func (t *Table) releaseAll(owner *Service) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for name, h := range t.locks {
		if h.owner == owner {
			delete(t.locks, name)
			n++
		}
	}
	return n
}

// Locked reports whether name is held by any channel
func (t *Table) Locked(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.locks[name]
	return ok
}

// Service is the LockService protocol bound to one channel
type Service struct {
	table *Table
	log   *zap.Logger

	// mu orders lock grants against Close so nothing is granted after release
	mu     sync.Mutex
	closed bool
}

var _ protocol.SubProtocol = (*Service)(nil)

// NewService creates a LockService instance over table
func NewService(table *Table, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{table: table, log: log}
}

// Provider registers LockService backed by table
func Provider(table *Table, log *zap.Logger) protocol.Provider {
	return protocol.Provider{
		Name: ProtocolName,
		New:  func() protocol.SubProtocol { return NewService(table, log) },
	}
}

func (s *Service) Name() string               { return ProtocolName }
func (s *Service) Version() int32             { return ProtocolVersion }
func (s *Service) SupportedVersion() int32    { return SupportedVersion }
func (s *Service) RequestType() proto.Message { return &structpb.Struct{} }

func (s *Service) Init(context.Context, protocol.InitParams, protocol.ResponseSink) ([]string, error) {
	return nil, nil
}

func (s *Service) OnRequest(_ context.Context, msg proto.Message, sink protocol.ResponseSink) error {
	req, ok := msg.(*structpb.Struct)
	if !ok {
		return protocol.InvalidArgument(nil, "unexpected request type %T", msg)
	}
	f := req.GetFields()
	name := f["name"].GetStringValue()
	if name == "" {
		return protocol.InvalidArgument(nil, "lock request requires a name")
	}

	var result bool
	switch op := f["type"].GetStringValue(); op {
	case OpLock:
		granted, err := s.lock(name)
		if err != nil {
			return err
		}
		result = granted
	case OpUnlock:
		if !s.table.unlock(name, s) {
			return protocol.Precondition("lock %q is not held by this channel", name)
		}
		result = true
	case OpIsLocked:
		result = s.table.Locked(name)
	default:
		return protocol.Unsupported("unsupported lock request type %q", op)
	}

	if err := sink.Next(structpb.NewBoolValue(result)); err != nil {
		return err
	}
	return sink.Complete()
}

func (s *Service) lock(name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, protocol.Precondition("lock channel is closed")
	}
	return s.table.tryLock(name, s), nil
}

func (s *Service) OnError(err error) {
	s.log.Debug("Lock channel failed", zap.Error(err))
}

// Close releases every lock the channel holds
func (s *Service) Close() error {
	s.mu.Lock()
	s.closed = true
	n := s.table.releaseAll(s)
	s.mu.Unlock()

	if n > 0 {
		s.log.Debug("Released locks of closed channel", zap.Int("locks", n))
	}
	return nil
}
