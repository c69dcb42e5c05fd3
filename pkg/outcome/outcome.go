// Package outcome records how each external step of a flow ended so the
// best-effort vs fatal policy is explicit at every integration boundary.
package outcome

import (
	"fmt"
	"strings"
)

type Kind int

const (
	OK Kind = iota
	// Soft failures are logged and reported; state already applied stays applied.
	Soft
	// Hard failures make the invocation fail.
	Hard
)

func (k Kind) String() string {
	switch k {
	case OK:
		return "ok"
	case Soft:
		return "soft_failure"
	case Hard:
		return "hard_failure"
	default:
		return "unknown"
	}
}

type Result struct {
	Step   string
	Kind   Kind
	Detail string
	Err    error
}

func Ok(step, detail string) Result { return Result{Step: step, Kind: OK, Detail: detail} }

func SoftFail(step string, err error) Result { return Result{Step: step, Kind: Soft, Err: err} }

func HardFail(step string, err error) Result { return Result{Step: step, Kind: Hard, Err: err} }

func (r Result) String() string {
	if r.Err != nil {
		return fmt.Sprintf("%s: %s: %v", r.Step, r.Kind, r.Err)
	}
	if r.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", r.Step, r.Kind, r.Detail)
	}
	return fmt.Sprintf("%s: %s", r.Step, r.Kind)
}

// Report is the ordered list of step results of one flow invocation.
type Report struct {
	Steps []Result
}

func (r *Report) Add(res Result) Result {
	r.Steps = append(r.Steps, res)
	return res
}

// Err returns the first hard failure, or nil.
func (r Report) Err() error {
	for _, s := range r.Steps {
		if s.Kind == Hard {
			return s.Err
		}
	}
	return nil
}

func (r Report) SoftFailures() []Result {
	var out []Result
	for _, s := range r.Steps {
		if s.Kind == Soft {
			out = append(out, s)
		}
	}
	return out
}

func (r Report) Step(name string) (Result, bool) {
	for _, s := range r.Steps {
		if s.Step == name {
			return s, true
		}
	}
	return Result{}, false
}

func (r Report) String() string {
	parts := make([]string, 0, len(r.Steps))
	for _, s := range r.Steps {
		parts = append(parts, s.String())
	}
	return strings.Join(parts, "; ")
}
