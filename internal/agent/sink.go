package agent

import "github.com/opsagent/opsagent/internal/core"

// runSink wraps the caller's sink for one run: it records execution records
// for the returned result, enforces the exactly-one-terminal-event contract,
// and goes silent once cancellation is observed. The synchronous Run is the
// streaming variant with a core.NopSink underneath.
type runSink struct {
	inner    core.EventSink
	terminal bool
	muted    bool
	commands []core.ExecutionRecord
}

func newRunSink(inner core.EventSink) *runSink {
	if inner == nil {
		inner = core.NopSink{}
	}
	return &runSink{inner: inner}
}

// mute stops all further emission (cancellation observed).
func (s *runSink) mute() { s.muted = true }

func (s *runSink) CommandStart(assetName, command string) {
	if s.terminal || s.muted {
		return
	}
	s.inner.CommandStart(assetName, command)
}

func (s *runSink) CommandResult(rec core.ExecutionRecord) {
	if s.terminal || s.muted {
		return
	}
	s.commands = append(s.commands, rec)
	s.inner.CommandResult(rec)
}

func (s *runSink) Reply(text string) {
	if s.terminal || s.muted {
		return
	}
	s.terminal = true
	s.inner.Reply(text)
}

func (s *runSink) Error(msg string) {
	if s.terminal || s.muted {
		return
	}
	s.terminal = true
	s.inner.Error(msg)
}
