package ui

import (
	"fmt"
	"io"
	"time"

	"github.com/briandowns/spinner"
)

// slowStep is the duration after which Done and Fail append the elapsed time.
// Sends that sit through vendor retries easily cross it.
const slowStep = time.Second

// StepSpinner reports one step at a time: server startup stages, or a send
// that may be retried behind the scenes. With noSpin set (pipes, CI) it
// prints the step text and its outcome without animation.
type StepSpinner struct {
	w       io.Writer
	s       *spinner.Spinner
	msg     string
	started time.Time
	active  bool
	noSpin  bool
	now     func() time.Time
}

func NewStepSpinner(w io.Writer, noSpin bool) *StepSpinner {
	return &StepSpinner{w: w, noSpin: noSpin, now: time.Now}
}

// Start begins a named step.
func (ss *StepSpinner) Start(msg string) {
	ss.msg = msg
	ss.started = ss.now()
	if ss.noSpin {
		fmt.Fprintf(ss.w, "  %s", msg)
		return
	}
	ss.s = spinner.New(
		spinner.CharSets[14], // braille dots
		80*time.Millisecond,
		spinner.WithWriter(ss.w),
	)
	ss.s.Prefix = "  "
	ss.s.Suffix = " " + msg
	ss.s.FinalMSG = ""
	ss.s.Start()
	ss.active = true
}

// Done completes the current step with a green check.
func (ss *StepSpinner) Done() { ss.finish(StyleSuccess.Render(SymbolCheck)) }

// Fail completes the current step with a red cross.
func (ss *StepSpinner) Fail() { ss.finish(StyleError.Render(SymbolCross)) }

// Stop halts the animation without printing an outcome.
func (ss *StepSpinner) Stop() {
	if ss.s != nil && ss.active {
		ss.s.Stop()
		ss.active = false
	}
}

// Run wraps fn in a step. fn reports whether the step succeeded separately
// from transport errors, so a delivered-but-rejected send still shows a cross.
func (ss *StepSpinner) Run(msg string, fn func() (bool, error)) error {
	ss.Start(msg)
	ok, err := fn()
	if err != nil || !ok {
		ss.Fail()
	} else {
		ss.Done()
	}
	return err
}

func (ss *StepSpinner) finish(mark string) {
	suffix := ""
	if !ss.started.IsZero() {
		if d := ss.now().Sub(ss.started); d >= slowStep {
			suffix = " " + StyleHint.Render(fmt.Sprintf("(%.1fs)", d.Seconds()))
		}
	}
	if ss.noSpin {
		fmt.Fprintf(ss.w, " %s%s\n", mark, suffix)
		return
	}
	ss.Stop()
	fmt.Fprintf(ss.w, "\r  %s %s%s\n", ss.msg, mark, suffix)
}
