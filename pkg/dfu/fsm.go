package dfu

import (
	"fmt"
	"time"
)

// Command is the download-class operation a Cycle is driving.
type Command uint8

const (
	CommandErase Command = iota + 1
	CommandSetAddress
	CommandDownload
	CommandManifest
)

var commandNames = map[Command]string{
	CommandErase:      "erase",
	CommandSetAddress: "set-address",
	CommandDownload:   "download",
	CommandManifest:   "manifest",
}

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Command(%d)", c)
}

// Stage is the position of a Cycle within one request/poll exchange.
type Stage uint8

const (
	StageIssue Stage = iota
	StagePoll
	StageDone
	StageFailed
)

var stageNames = map[Stage]string{
	StageIssue:  "issue",
	StagePoll:   "poll",
	StageDone:   "done",
	StageFailed: "failed",
}

func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Stage(%d)", s)
}

// Cycle is the host-side state of one DNLOAD request and the status polls
// that follow it. Retried is set once a dfuERROR has been cleared and the
// request re-issued; a second dfuERROR is then final.
type Cycle struct {
	Command Command
	Stage   Stage
	Retried bool
}

// EventKind says what happened since the last Action.
type EventKind uint8

const (
	// EventSent means the request was accepted by the transport.
	EventSent EventKind = iota + 1
	// EventStatus carries a GETSTATUS report.
	EventStatus
	// EventCleared means CLRSTATUS went through.
	EventCleared
	// EventLost means the device disconnected.
	EventLost
	// EventTimedOut means the operation ceiling passed.
	EventTimedOut
)

// Event is the input of Next.
type Event struct {
	Kind   EventKind
	Report Report
}

// ActionKind is what the driver must do next.
type ActionKind uint8

const (
	// ActionSend issues the cycle's request.
	ActionSend ActionKind = iota + 1
	// ActionPoll waits Action.Wait and then sends GETSTATUS.
	ActionPoll
	// ActionClear sends CLRSTATUS.
	ActionClear
	// ActionComplete ends the cycle successfully.
	ActionComplete
	// ActionFail ends the cycle with Action.Reason.
	ActionFail
)

var actionNames = map[ActionKind]string{
	ActionSend:     "send",
	ActionPoll:     "poll",
	ActionClear:    "clear",
	ActionComplete: "complete",
	ActionFail:     "fail",
}

func (a ActionKind) String() string {
	if name, ok := actionNames[a]; ok {
		return name
	}
	return fmt.Sprintf("ActionKind(%d)", a)
}

// FailReason classifies an ActionFail.
type FailReason uint8

const (
	FailNone FailReason = iota
	// FailStatus: the device reported a non-OK status.
	FailStatus
	// FailState: the device entered a state the command cannot reach.
	FailState
	// FailTimeout: the device stayed busy past the operation ceiling.
	FailTimeout
	// FailLost: the device went away mid-command.
	FailLost
	// FailSequence: the event does not fit the cycle's stage.
	FailSequence
)

// Action is the output of Next.
type Action struct {
	Kind   ActionKind
	Wait   time.Duration
	Reason FailReason
	Report Report
}

// Start returns the initial cycle for cmd and its first action.
func Start(cmd Command) (Cycle, Action) {
	return Cycle{Command: cmd, Stage: StageIssue}, Action{Kind: ActionSend}
}

// Next is the transition function of the DNLOAD cycle. It never performs
// I/O; the driver executes the returned action and feeds back the result.
func Next(c Cycle, e Event) (Cycle, Action) {
	if c.Stage == StageDone {
		return c, Action{Kind: ActionComplete}
	}

	switch e.Kind {
	case EventSent:
		if c.Stage != StageIssue {
			return fail(c, FailSequence, e.Report)
		}
		c.Stage = StagePoll
		return c, Action{Kind: ActionPoll}

	case EventCleared:
		switch {
		case c.Stage == StageIssue && c.Retried:
			return c, Action{Kind: ActionSend}
		case c.Stage == StageFailed:
			return c, Action{Kind: ActionFail, Reason: FailStatus, Report: e.Report}
		}
		return fail(c, FailSequence, e.Report)

	case EventLost:
		// Many targets reset themselves while manifesting.
		if c.Command == CommandManifest && c.Stage != StageFailed {
			c.Stage = StageDone
			return c, Action{Kind: ActionComplete}
		}
		return fail(c, FailLost, e.Report)

	case EventTimedOut:
		return fail(c, FailTimeout, e.Report)

	case EventStatus:
		if c.Stage != StagePoll {
			return fail(c, FailSequence, e.Report)
		}
		return onStatus(c, e.Report)
	}
	return fail(c, FailSequence, e.Report)
}

func onStatus(c Cycle, r Report) (Cycle, Action) {
	if r.State == StateError || r.Status != StatusOK {
		if r.State == StateError && !c.Retried {
			c.Retried = true
			c.Stage = StageIssue
			return c, Action{Kind: ActionClear, Report: r}
		}
		c.Stage = StageFailed
		return c, Action{Kind: ActionClear, Report: r}
	}

	switch r.State {
	case StateDnloadSync, StateDnBusy:
		if c.Command == CommandManifest {
			return fail(c, FailState, r)
		}
		return c, Action{Kind: ActionPoll, Wait: r.PollTimeout}

	case StateManifestSync, StateManifest:
		if c.Command != CommandManifest {
			return fail(c, FailState, r)
		}
		return c, Action{Kind: ActionPoll, Wait: r.PollTimeout}

	case StateDnloadIdle:
		if c.Command == CommandManifest {
			return fail(c, FailState, r)
		}
		c.Stage = StageDone
		return c, Action{Kind: ActionComplete, Report: r}

	case StateIdle:
		c.Stage = StageDone
		return c, Action{Kind: ActionComplete, Report: r}

	case StateManifestWaitReset:
		if c.Command != CommandManifest {
			return fail(c, FailState, r)
		}
		c.Stage = StageDone
		return c, Action{Kind: ActionComplete, Report: r}
	}
	return fail(c, FailState, r)
}

func fail(c Cycle, reason FailReason, r Report) (Cycle, Action) {
	c.Stage = StageFailed
	return c, Action{Kind: ActionFail, Reason: reason, Report: r}
}
