// Package retry turns a classified failure into a retry decision.
//
// A Policy carries the per-queue limits, a Table maps queue names to
// policies, and an Engine combines both with the classifier and the backoff
// calculator:
//
//	engine := retry.NewEngine()
//	d := engine.Decide(err, job.Attempt, table.For(job.Queue))
//	switch d.Action {
//	case retry.ActionReschedule:
//		// make the job visible again after d.Delay
//	case retry.ActionDeadLetter:
//		// hand off with d.Reason
//	case retry.ActionDrop:
//		// cancelled, nothing to do
//	}
//
// Do is a small bounded-jitter retry loop for storage and reconnect calls.
package retry
