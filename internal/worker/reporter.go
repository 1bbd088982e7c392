package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/fleet-rpc/pkg/types"
)

// reportLoop delivers completions as they are signalled and sweeps the
// table every report interval, both for completions whose signal was
// dropped and for reported entries past their retention.
func (n *Node) reportLoop() {
	defer n.wg.Done()

	ticker := time.NewTicker(n.cfg.ReportInterval)
	defer ticker.Stop()

	for {
		select {
		case e := <-n.completed:
			n.report(e)
		case <-ticker.C:
			n.sweep(time.Now())
		case <-n.stopCh:
			return
		}
	}
}

// signal hands a completed entry to the reporter without blocking. A full
// channel is fine: the next sweep finds the entry.
func (n *Node) signal(e *entry) {
	select {
	case n.completed <- e:
	default:
	}
}

func (n *Node) sweep(now time.Time) {
	n.jobs.Range(func(_, v any) bool {
		e := v.(*entry)
		switch {
		case !e.isDone():
		case !e.reported.Load():
			n.report(e)
		case e.reportedSince(now) >= n.cfg.ResultTTL:
			n.remove(e)
		}
		return true
	})
}

// report sends the single completion notification for e. Delivery is
// best effort: a failure is logged and counted, and the entry is retired
// either way.
func (n *Node) report(e *entry) {
	if n.stopped() {
		return
	}
	if !e.reported.CompareAndSwap(false, true) {
		return
	}
	state, res := e.snapshot()
	n.metrics.RecordFinished(string(state), time.Since(e.submitted).Seconds())

	if n.notifier != nil {
		if err := n.notify(e.id, res); err != nil {
			n.metrics.RecordNotifyFailure()
			n.log.Warn("Completion notification failed", "job", e.id, "state", state, "error", err)
		} else {
			n.log.Debug("Completion notified", "job", e.id, "state", state)
		}
	}

	e.markReported(time.Now())
	if n.cfg.ResultTTL <= 0 {
		n.remove(e)
	}
}

func (n *Node) notify(id types.JobID, res types.Result) error {
	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.NotifyTimeout)
	defer cancel()

	if res.IsOk() {
		return n.notifier.NotifyCompletion(ctx, n.address, id, res.Value)
	}
	return n.notifier.NotifyException(ctx, n.address, id, res.Err)
}

func (n *Node) remove(e *entry) {
	if n.jobs.CompareAndDelete(e.id, e) {
		n.metrics.RecordRemoved()
	}
}
