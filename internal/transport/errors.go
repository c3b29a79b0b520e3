package transport

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"ingest/internal/action"
	"ingest/internal/cluster"
	"ingest/internal/river"
	"ingest/internal/storage"
)

// leaderFailedPrefix marks status messages of requests that reached a
// coordinator and failed on a shard leader there.
const leaderFailedPrefix = "leader failed: "

// errLeaderFailed matches errors of requests a coordinator already
// dispatched. Resending such a request to another node repeats the writes
// of every other shard.
var errLeaderFailed = errors.New("leader failed")

// remoteError is an error returned by a peer. It unwraps to the local
// sentinels its status stands for, so errors.Is works across nodes.
type remoteError struct {
	msg  string
	errs []error
}

func (e *remoteError) Error() string { return e.msg }

func (e *remoteError) Unwrap() []error { return e.errs }

// toStatus converts a handler error into a gRPC status error.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	var shardErr *action.ShardError
	if errors.As(err, &shardErr) {
		return status.Error(codes.Unavailable, leaderFailedPrefix+err.Error())
	}
	code := codes.Unknown
	switch {
	case errors.Is(err, storage.ErrShardNotAvailable):
		code = codes.Unavailable
	case errors.Is(err, storage.ErrVersionConflict):
		code = codes.Aborted
	case errors.Is(err, storage.ErrDocumentExists), errors.Is(err, cluster.ErrIndexExists):
		code = codes.AlreadyExists
	case errors.Is(err, cluster.ErrIndexNotFound), errors.Is(err, river.ErrUnknownRiver):
		code = codes.NotFound
	case errors.Is(err, action.ErrNoOperations), errors.Is(err, action.ErrQuorumNotReached):
		code = codes.FailedPrecondition
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	}
	return status.Error(code, err.Error())
}

// fromStatus converts a gRPC status error back into an error matching the
// local sentinels.
func fromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	msg := st.Message()
	var sentinel error
	switch st.Code() {
	case codes.Unavailable:
		sentinel = storage.ErrShardNotAvailable
	case codes.Aborted:
		sentinel = storage.ErrVersionConflict
	case codes.AlreadyExists:
		sentinel = pick(msg, cluster.ErrIndexExists, storage.ErrDocumentExists)
	case codes.NotFound:
		sentinel = pick(msg, river.ErrUnknownRiver, cluster.ErrIndexNotFound)
	case codes.FailedPrecondition:
		sentinel = pick(msg, action.ErrQuorumNotReached, action.ErrNoOperations)
	case codes.DeadlineExceeded:
		sentinel = context.DeadlineExceeded
	case codes.Canceled:
		sentinel = context.Canceled
	}
	if sentinel == nil {
		return errors.New(msg)
	}
	if st.Code() == codes.Unavailable && strings.HasPrefix(msg, leaderFailedPrefix) {
		return &remoteError{msg: strings.TrimPrefix(msg, leaderFailedPrefix), errs: []error{sentinel, errLeaderFailed}}
	}
	return &remoteError{msg: msg, errs: []error{sentinel}}
}

// pick returns the first sentinel whose text appears in msg, falling back
// to the last one.
func pick(msg string, sentinels ...error) error {
	for _, s := range sentinels {
		if strings.Contains(msg, s.Error()) {
			return s
		}
	}
	return sentinels[len(sentinels)-1]
}
