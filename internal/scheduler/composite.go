package scheduler

import (
	"fmt"
	"time"

	"github.com/xkilldash9x/sequencer/internal/command"
	"github.com/xkilldash9x/sequencer/internal/future"
	"github.com/xkilldash9x/sequencer/internal/wait"
)

// CallFunction schedules fn as a FUNCTION command. fn runs once every
// command queued before it has finished, and anything it schedules runs
// before the commands queued after it.
func (s *Scheduler) CallFunction(fn any) *future.Future {
	return s.AddCommand(s.NewCommand(command.Function).SetParameters(fn))
}

// Sleep schedules a SLEEP command.
func (s *Scheduler) Sleep(d time.Duration) *future.Future {
	return s.AddCommand(s.NewCommand(command.Sleep).SetParameters(d))
}

// Wait schedules a WAIT that succeeds once cond holds. The result is the
// elapsed time; a timeout or a failing condition fails the command.
func (s *Scheduler) Wait(cond wait.Condition, timeout time.Duration) *future.Future {
	return s.addWait(cond, timeout, false)
}

// WaitNot schedules a WAIT that succeeds once cond stops holding.
func (s *Scheduler) WaitNot(cond wait.Condition, timeout time.Duration) *future.Future {
	return s.addWait(cond, timeout, true)
}

func (s *Scheduler) addWait(cond wait.Condition, timeout time.Duration, inverse bool) *future.Future {
	cmd := s.NewCommand(command.Wait)
	cmd.SetParameters(func() any {
		w := wait.New(s.exec, cond, timeout).
			WaitOnInverse(inverse).
			PollInterval(s.pollInterval)
		s.waits[cmd] = w
		w.Start(func(r wait.Result) {
			delete(s.waits, cmd)
			if r.Err != nil {
				cmd.SetResponse(command.Failed(s.ctx, r.Err))
				return
			}
			cmd.SetResponse(command.Success(s.ctx, r.Elapsed))
		})
		return command.Pending
	})
	return s.AddCommand(cmd)
}

// ExpectFailure schedules cmd and treats its failure as the expected
// outcome. The returned future holds the *command.CommandFailure. If cmd
// succeeds, a follow-up command fails instead.
func (s *Scheduler) ExpectFailure(cmd *command.Command) *future.Future {
	var failure *command.CommandFailure
	s.runIntercepted(cmd, func(f *command.CommandFailure) { failure = f })

	return s.CallFunction(func() (any, error) {
		if failure == nil {
			return nil, fmt.Errorf("expected %s to fail", cmd.Name())
		}
		return failure, nil
	})
}

// Probe schedules cmd and reports whether it succeeded. A failure is
// absorbed and never halts the session.
func (s *Scheduler) Probe(cmd *command.Command) *future.Future {
	failed := false
	s.runIntercepted(cmd, func(*command.CommandFailure) { failed = true })

	return s.CallFunction(func() any { return !failed })
}

// runIntercepted schedules cmd with a one-shot handler that records the
// first failure of cmd or of anything it scheduled, then aborts cmd.
func (s *Scheduler) runIntercepted(cmd *command.Command, record func(*command.CommandFailure)) {
	cmd.OnError(func(ev *command.FailureEvent) command.Disposition {
		record(ev.Err)
		s.AbortCommand(cmd)
		return command.Handled
	}, true)
	s.AddCommand(cmd)
}
