package channel

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"

	"github.com/SkynetNext/grid-gateway/api"
	"github.com/SkynetNext/grid-gateway/internal/protocol"
)

// ErrResponseComplete is returned by a sink once its terminal envelope was sent
var ErrResponseComplete = errors.New("response already completed")

// responseSink turns protocol responses into envelopes carrying the
// originating request id and proxy id.
type responseSink struct {
	c        *Channel
	id       int64
	proxyID  int32
	protocol string
	start    time.Time
	done     atomic.Bool
	// release is called once with the terminal envelope
	release func()
}

var _ protocol.ResponseSink = (*responseSink)(nil)

func (s *responseSink) Next(msg proto.Message) error {
	if s.done.Load() {
		return ErrResponseComplete
	}
	body, err := anypb.New(msg)
	if err != nil {
		return fmt.Errorf("failed to wrap response: %w", err)
	}
	return s.c.send(api.NewMessage(s.id, s.proxyID, body))
}

func (s *responseSink) Complete() error {
	if !s.terminate() {
		return ErrResponseComplete
	}
	return s.c.send(api.NewComplete(s.id, s.proxyID))
}

func (s *responseSink) Error(err error) error {
	if !s.terminate() {
		return ErrResponseComplete
	}
	code := protocol.CodeOf(err)
	if code == codes.OK {
		code = codes.Unknown
	}
	s.c.metrics.IncError(code.String(), "request")
	return s.c.send(api.NewError(s.id, s.proxyID, code, errorMessage(err)))
}

func (s *responseSink) terminate() bool {
	if !s.done.CompareAndSwap(false, true) {
		return false
	}
	if s.release != nil {
		s.release()
	}
	if !s.start.IsZero() {
		s.c.metrics.ObserveRequest(s.protocol, time.Since(s.start))
	}
	return true
}

func errorMessage(err error) string {
	if err == nil {
		return codes.Unknown.String()
	}
	if st, ok := status.FromError(err); ok {
		return st.Message()
	}
	return err.Error()
}
