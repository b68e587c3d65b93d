package server

import (
	"context"
	"errors"
	"time"

	"tradectl/store"
	"tradectl/trading"
)

type requestType int

const (
	requestGet requestType = iota
	requestSetSettings
	requestPing
	requestStop
)

type storeRequest struct {
	typ      requestType
	ctx      context.Context
	key      string
	settings trading.Settings
	resp     chan storeResult
}

type storeResult struct {
	value []byte
	ok    bool
	err   error
}

var errQueueStopped = errors.New("server: store queue stopped")

// storeQueue owns the single store handle; every store call from every relay
// connection runs on its worker goroutine, one at a time.
type storeQueue struct {
	st        store.Store
	reqCh     chan storeRequest
	done      chan struct{}
	opTimeout time.Duration
	now       func() time.Time
}

func newStoreQueue(st store.Store, buffer int, opTimeout time.Duration) *storeQueue {
	q := &storeQueue{
		st:        st,
		reqCh:     make(chan storeRequest, buffer),
		done:      make(chan struct{}),
		opTimeout: opTimeout,
		now:       time.Now,
	}
	go q.run()
	return q
}

func (q *storeQueue) Get(ctx context.Context, key string) ([]byte, bool, error) {
	res, err := q.submit(ctx, storeRequest{typ: requestGet, key: key})
	if err != nil {
		return nil, false, err
	}
	return res.value, res.ok, res.err
}

func (q *storeQueue) SetSettings(ctx context.Context, s trading.Settings) error {
	res, err := q.submit(ctx, storeRequest{typ: requestSetSettings, settings: s})
	if err != nil {
		return err
	}
	return res.err
}

func (q *storeQueue) Ping(ctx context.Context) error {
	res, err := q.submit(ctx, storeRequest{typ: requestPing})
	if err != nil {
		return err
	}
	return res.err
}

// Stop terminates the worker; pending and later submissions fail.
func (q *storeQueue) Stop() {
	select {
	case <-q.done:
		return
	default:
	}
	select {
	case q.reqCh <- storeRequest{typ: requestStop}:
	case <-q.done:
	}
	<-q.done
}

func (q *storeQueue) submit(ctx context.Context, req storeRequest) (storeResult, error) {
	req.ctx = ctx
	req.resp = make(chan storeResult, 1)
	select {
	case q.reqCh <- req:
	case <-q.done:
		return storeResult{}, errQueueStopped
	case <-ctx.Done():
		return storeResult{}, ctx.Err()
	}
	select {
	case res := <-req.resp:
		return res, nil
	case <-q.done:
		return storeResult{}, errQueueStopped
	case <-ctx.Done():
		return storeResult{}, ctx.Err()
	}
}

func (q *storeQueue) run() {
	for req := range q.reqCh {
		if req.typ == requestStop {
			close(q.done)
			return
		}
		if req.ctx.Err() != nil {
			req.resp <- storeResult{err: req.ctx.Err()}
			continue
		}

		ctx, cancel := context.WithTimeout(req.ctx, q.opTimeout)
		var res storeResult
		switch req.typ {
		case requestGet:
			res.value, res.ok, res.err = q.st.Get(ctx, req.key)
		case requestSetSettings:
			res.err = store.WriteSettings(ctx, q.st, req.settings, q.now())
		case requestPing:
			res.err = q.st.Ping(ctx)
		}
		cancel()

		req.resp <- res
	}
}
