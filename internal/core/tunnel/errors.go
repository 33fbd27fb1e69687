package tunnel

import (
	"errors"
	"fmt"
	"time"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"

	"github.com/vietddude/wlantunnel/internal/core/classify"
	"github.com/vietddude/wlantunnel/internal/core/domain"
)

var (
	// ErrDuplicateBringUp is returned when a session already has a tunnel
	// record.
	ErrDuplicateBringUp = errors.New("bring-up already in progress or tunnel up")

	// ErrInvalidArgument is returned for malformed requests.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrUnknownSession is returned when no tunnel record exists.
	ErrUnknownSession = errors.New("unknown session")

	// ErrInvalidTransition is returned when an event does not fit the
	// current state.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrNetworkUnavailable is returned when no network can carry a tunnel.
	ErrNetworkUnavailable = errors.New("network not connected")

	// ErrBringUpAbandoned is delivered to a bring-up callback when the
	// session is torn down before the tunnel opened.
	ErrBringUpAbandoned = errors.New("bring-up abandoned by teardown")
)

// UnavailableError rejects a bring-up requested before the retry delay
// elapsed.
type UnavailableError struct {
	Key        domain.SessionKey
	RetryAfter time.Duration
	FailCause  classify.FailCause
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("session %s temporarily unavailable, retry after %s (last cause %s)",
		e.Key, e.RetryAfter, e.FailCause)
}

// GRPCStatus renders the error as UNAVAILABLE with retry info.
func (e *UnavailableError) GRPCStatus() *status.Status {
	st := status.New(codes.Unavailable, e.Error())
	detailed, err := st.WithDetails(&errdetails.RetryInfo{
		RetryDelay: durationpb.New(e.RetryAfter),
	})
	if err != nil {
		return st
	}
	return detailed
}
