package engine

import (
	"context"
	"errors"
	"time"

	"github.com/dop251/goja"

	"github.com/hyperifyio/snippetd/internal/inspect"
	"github.com/hyperifyio/snippetd/internal/sandbox"
)

var errLoopIdle = errors.New("event loop idle")

// rejectionTracker remembers promises that rejected with no handler, in
// the order they rejected. A handler attached later removes the entry.
type rejectionTracker struct {
	order []*goja.Promise
	live  map[*goja.Promise]bool
}

func newRejectionTracker() *rejectionTracker {
	return &rejectionTracker{live: make(map[*goja.Promise]bool)}
}

func (t *rejectionTracker) track(p *goja.Promise, op goja.PromiseRejectionOperation) {
	switch op {
	case goja.PromiseRejectionReject:
		if !t.live[p] {
			t.order = append(t.order, p)
		}
		t.live[p] = true
	case goja.PromiseRejectionHandle:
		delete(t.live, p)
	}
}

// unobserved returns the reason of the oldest rejection still lacking a
// handler, ignoring root.
func (t *rejectionTracker) unobserved(root *goja.Promise) (goja.Value, bool) {
	for _, p := range t.order {
		if p != root && t.live[p] {
			return p.Result(), true
		}
	}
	return nil, false
}

// settlement is the raw result of driving a program. Values stay as VM
// values until the interrupt watcher has stopped.
type settlement struct {
	value  goja.Value
	thrown goja.Value
	kind   FaultKind
	fault  *Fault
}

func faulted(f Fault) settlement { return settlement{fault: &f, kind: f.Kind} }

// run executes prg under deadline. It installs the rejection tracker for
// the duration of the call and removes it on every exit path.
func (s *session) run(ctx context.Context, prg *goja.Program, tr Transformed, deadline time.Duration) (inspect.Value, *Fault) {
	ctx, cancel := sandbox.WithWallTimeout(ctx, deadline)
	defer cancel()
	s.ctx = ctx

	tracker := newRejectionTracker()
	s.vm.SetPromiseRejectionTracker(tracker.track)
	defer s.vm.SetPromiseRejectionTracker(nil)
	defer s.loop.close()

	stop := make(chan struct{})
	watched := make(chan struct{})
	go func() {
		defer close(watched)
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				s.vm.Interrupt(ErrDeadline)
			} else {
				s.vm.Interrupt(ErrCanceled)
			}
		case <-stop:
		}
	}()

	st := s.drive(ctx, prg, tr, tracker, deadline)

	close(stop)
	<-watched
	s.vm.ClearInterrupt()

	switch {
	case st.fault != nil:
		return inspect.Value{}, st.fault
	case st.kind != "":
		f := thrownFault(st.kind, s.snap.Snapshot(st.thrown), tr.Lines)
		return inspect.Value{}, &f
	}
	return s.snap.Snapshot(st.value), nil
}

func (s *session) drive(ctx context.Context, prg *goja.Program, tr Transformed, tracker *rejectionTracker, deadline time.Duration) settlement {
	res, err := s.vm.RunProgram(prg)
	if err != nil {
		return errorSettlement(err, FaultExecution, deadline)
	}
	root := asPromise(res)
	if reason, ok := tracker.unobserved(root); ok {
		return settlement{thrown: reason, kind: FaultUnobservedRejection}
	}
	if root == nil {
		return completion(res, tr)
	}

	for root.State() == goja.PromiseStatePending {
		err := s.loop.runOnce(ctx)
		if errors.Is(err, errLoopIdle) {
			// Nothing can settle the unit any more; wait out the deadline.
			<-ctx.Done()
			err = ctx.Err()
		}
		if err == nil {
			err = s.flush()
		}
		if err != nil {
			return errorSettlement(err, FaultUncaughtException, deadline)
		}
		if reason, ok := tracker.unobserved(root); ok {
			return settlement{thrown: reason, kind: FaultUnobservedRejection}
		}
	}
	if root.State() == goja.PromiseStateRejected {
		return settlement{thrown: root.Result(), kind: FaultExecution}
	}
	return completion(root.Result(), tr)
}

// completion unpacks the async wrapper's tagged fault value.
func completion(v goja.Value, tr Transformed) settlement {
	if tr.Shape == ShapeAsync && tr.FaultTag != "" {
		if o, ok := v.(*goja.Object); ok {
			if tag := o.Get(tr.FaultTag); tag != nil && tag.ToBoolean() {
				return settlement{thrown: o.Get("error"), kind: FaultExecution}
			}
		}
	}
	return settlement{value: v}
}

// errorSettlement classifies an error surfaced by the VM or the loop.
// Exceptions take kind; interrupts and context ends become deadline or
// cancel faults.
func errorSettlement(err error, kind FaultKind, deadline time.Duration) settlement {
	var ie *goja.InterruptedError
	if errors.As(err, &ie) {
		if v, ok := ie.Value().(error); ok && errors.Is(v, ErrCanceled) {
			return faulted(canceledFault())
		}
		return faulted(deadlineFault(deadline))
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return faulted(deadlineFault(deadline))
	case errors.Is(err, context.Canceled):
		return faulted(canceledFault())
	}
	var ex *goja.Exception
	if errors.As(err, &ex) {
		return settlement{thrown: ex.Value(), kind: kind}
	}
	return faulted(Fault{Kind: kind, Message: err.Error()})
}

func asPromise(v goja.Value) *goja.Promise {
	if o, ok := v.(*goja.Object); ok {
		if p, ok := o.Export().(*goja.Promise); ok {
			return p
		}
	}
	return nil
}
