package query

import (
	"zombiezen.com/go/sqlite"
)

// Window UDF catalog. These run over an ordered partition (typically
// PARTITION BY metric_id ORDER BY ts) and define their own trailing
// semantics from their arguments; the SQL frame is not consulted, so they
// are meant to be used with the default frame.

type windowState interface {
	// step consumes the next row of the partition in order.
	step(args []sqlite.Value)
	// current evaluates the function at the last consumed row.
	current() sqlite.Value
}

type windowDef struct {
	name     string
	nArgs    int
	newState func() windowState
}

var windowDefs = []windowDef{
	{name: "diff", nArgs: -1, newState: func() windowState { return &diffState{} }},
	{name: "period_diff", nArgs: -1, newState: func() windowState { return &diffState{} }},
	{name: "pct_change", nArgs: -1, newState: func() windowState { return &pctChangeState{} }},
	{name: "rolling_mean", nArgs: -1, newState: func() windowState { return &rollingState{mean: true} }},
	{name: "rolling_sum", nArgs: -1, newState: func() windowState { return &rollingState{} }},
	{name: "counter_rate", nArgs: 2, newState: func() windowState { return &counterRateState{} }},
}

func registerWindowFunctions(conn *sqlite.Conn) error {
	for _, def := range windowDefs {
		def := def
		impl := &sqlite.FunctionImpl{
			NArgs: def.nArgs,
			MakeAggregate: func(ctx sqlite.Context) (sqlite.AggregateFunction, error) {
				return &windowAgg{state: def.newState()}, nil
			},
		}
		if err := conn.CreateFunction(def.name, impl); err != nil {
			return err
		}
	}
	return nil
}

// windowAgg adapts a windowState to SQLite's aggregate/window protocol.
type windowAgg struct {
	state windowState
}

func (w *windowAgg) Step(ctx sqlite.Context, args []sqlite.Value) error {
	w.state.step(args)
	return nil
}

// WindowInverse is a no-op: the functions compute trailing values from their
// own arguments and ignore frame boundaries.
func (w *windowAgg) WindowInverse(ctx sqlite.Context, args []sqlite.Value) error {
	return nil
}

func (w *windowAgg) WindowValue(ctx sqlite.Context) (sqlite.Value, error) {
	return w.state.current(), nil
}

func (w *windowAgg) Finalize(ctx sqlite.Context) {}

// floatArg reads the row's value argument; NULL maps to nil.
func floatArg(args []sqlite.Value, idx int) *float64 {
	if idx >= len(args) || args[idx].Type() == sqlite.TypeNull {
		return nil
	}
	f := args[idx].Float()
	return &f
}

func intArg(args []sqlite.Value, idx int) *int64 {
	if idx >= len(args) || args[idx].Type() == sqlite.TypeNull {
		return nil
	}
	n := args[idx].Int64()
	return &n
}

// spanArg coerces the periods/window argument: default 1, floor 1 when the
// argument is missing, NULL or non-positive.
func spanArg(args []sqlite.Value, idx int) int64 {
	n := intArg(args, idx)
	if n == nil || *n < 1 {
		return 1
	}
	return *n
}

// diffState implements diff/period_diff: value[i] - value[i-periods].
type diffState struct {
	periods int64
	inited  bool
	vals    []*float64
}

func (d *diffState) step(args []sqlite.Value) {
	if !d.inited {
		d.periods = spanArg(args, 1)
		d.inited = true
	}
	d.vals = append(d.vals, floatArg(args, 0))
}

func (d *diffState) current() sqlite.Value {
	i := int64(len(d.vals)) - 1
	if i < d.periods {
		return sqlite.Value{}
	}
	curr, prev := d.vals[i], d.vals[i-d.periods]
	if curr == nil || prev == nil {
		return sqlite.Value{}
	}
	return sqlite.FloatValue(*curr - *prev)
}

// pctChangeState implements pct_change: (value[i] - prev) / prev, NULL when
// prev is 0 or NULL.
type pctChangeState struct {
	periods int64
	inited  bool
	vals    []*float64
}

func (p *pctChangeState) step(args []sqlite.Value) {
	if !p.inited {
		p.periods = spanArg(args, 1)
		p.inited = true
	}
	p.vals = append(p.vals, floatArg(args, 0))
}

func (p *pctChangeState) current() sqlite.Value {
	i := int64(len(p.vals)) - 1
	if i < p.periods {
		return sqlite.Value{}
	}
	curr, prev := p.vals[i], p.vals[i-p.periods]
	if curr == nil || prev == nil || *prev == 0 {
		return sqlite.Value{}
	}
	return sqlite.FloatValue((*curr - *prev) / *prev)
}

// rollingState implements rolling_sum and rolling_mean over the trailing
// window of rows, ignoring NULLs; all-NULL windows are NULL.
type rollingState struct {
	window int64
	inited bool
	mean   bool
	vals   []*float64
}

func (r *rollingState) step(args []sqlite.Value) {
	if !r.inited {
		r.window = spanArg(args, 1)
		r.inited = true
	}
	r.vals = append(r.vals, floatArg(args, 0))
}

func (r *rollingState) current() sqlite.Value {
	if len(r.vals) == 0 {
		return sqlite.Value{}
	}
	start := int64(len(r.vals)) - r.window
	if start < 0 {
		start = 0
	}
	sum := 0.0
	count := 0
	for _, v := range r.vals[start:] {
		if v == nil {
			continue
		}
		sum += *v
		count++
	}
	if count == 0 {
		return sqlite.Value{}
	}
	if r.mean {
		return sqlite.FloatValue(sum / float64(count))
	}
	return sqlite.FloatValue(sum)
}

// counterRateState implements counter_rate(value, ts): per-row rate against
// the previous row, NULL on the first row, NULL operands, non-increasing
// timestamps and counter resets.
type counterRateState struct {
	vals []*float64
	tss  []*int64
}

func (c *counterRateState) step(args []sqlite.Value) {
	c.vals = append(c.vals, floatArg(args, 0))
	c.tss = append(c.tss, intArg(args, 1))
}

func (c *counterRateState) current() sqlite.Value {
	i := len(c.vals) - 1
	if i < 1 {
		return sqlite.Value{}
	}
	curr, prev := c.vals[i], c.vals[i-1]
	t1, t0 := c.tss[i], c.tss[i-1]
	if curr == nil || prev == nil || t1 == nil || t0 == nil {
		return sqlite.Value{}
	}
	if *t1 <= *t0 || *curr < *prev {
		return sqlite.Value{}
	}
	return sqlite.FloatValue((*curr - *prev) / float64(*t1-*t0))
}
