package query

import (
	"math"

	"zombiezen.com/go/sqlite"
)

// Scalar UDF catalog. Every function goes through one dispatcher that
// NULL-propagates its required arguments before the implementation runs, so
// the per-function bodies only handle domain rules (zero steps, zero
// divisors, counter resets).

type scalarDef struct {
	name  string
	nArgs int
	// required counts leading arguments that NULL-propagate; 0 means all.
	required int
	fn       func(args []sqlite.Value) sqlite.Value
}

var scalarDefs = []scalarDef{
	{
		// ts_bucket(ts, step) truncates ts down to a step boundary.
		name: "ts_bucket", nArgs: 2,
		fn: func(args []sqlite.Value) sqlite.Value {
			step := args[1].Int64()
			if step == 0 {
				return sqlite.Value{}
			}
			return sqlite.IntegerValue(floorDiv(args[0].Int64(), step) * step)
		},
	},
	{
		// align_time(ts, step) with the origin defaulting to 0.
		name: "align_time", nArgs: 2,
		fn: func(args []sqlite.Value) sqlite.Value {
			return alignTime(args[0].Int64(), args[1].Int64(), 0)
		},
	},
	{
		// align_time(ts, step, origin); a NULL origin reads as 0.
		name: "align_time", nArgs: 3, required: 2,
		fn: func(args []sqlite.Value) sqlite.Value {
			var origin int64
			if args[2].Type() != sqlite.TypeNull {
				origin = args[2].Int64()
			}
			return alignTime(args[0].Int64(), args[1].Int64(), origin)
		},
	},
	{
		name: "clamp", nArgs: 3,
		fn: func(args []sqlite.Value) sqlite.Value {
			v, lo, hi := args[0].Float(), args[1].Float(), args[2].Float()
			return sqlite.FloatValue(math.Max(lo, math.Min(v, hi)))
		},
	},
	{
		name: "null_if_outside", nArgs: 3,
		fn: func(args []sqlite.Value) sqlite.Value {
			v, lo, hi := args[0].Float(), args[1].Float(), args[2].Float()
			if v < lo || v > hi {
				return sqlite.Value{}
			}
			return sqlite.FloatValue(v)
		},
	},
	{
		name: "series_add", nArgs: 2,
		fn: func(args []sqlite.Value) sqlite.Value {
			return sqlite.FloatValue(args[0].Float() + args[1].Float())
		},
	},
	{
		name: "series_sub", nArgs: 2,
		fn: func(args []sqlite.Value) sqlite.Value {
			return sqlite.FloatValue(args[0].Float() - args[1].Float())
		},
	},
	{
		name: "series_mul", nArgs: 2,
		fn: func(args []sqlite.Value) sqlite.Value {
			return sqlite.FloatValue(args[0].Float() * args[1].Float())
		},
	},
	{
		// series_div(a, b) is NULL on a zero divisor.
		name: "series_div", nArgs: 2,
		fn: func(args []sqlite.Value) sqlite.Value {
			b := args[1].Float()
			if b == 0 {
				return sqlite.Value{}
			}
			return sqlite.FloatValue(args[0].Float() / b)
		},
	},
	{
		// bucket_rate(curr, prev, bucket_seconds) is NULL on a non-positive
		// bucket and on curr < prev (counter reset).
		name: "bucket_rate", nArgs: 3,
		fn: func(args []sqlite.Value) sqlite.Value {
			curr, prev := args[0].Float(), args[1].Float()
			bucket := args[2].Int64()
			if bucket <= 0 {
				return sqlite.Value{}
			}
			delta := curr - prev
			if delta < 0 {
				return sqlite.Value{}
			}
			return sqlite.FloatValue(delta / float64(bucket))
		},
	},
	{
		name: "shift_ts", nArgs: 2,
		fn: func(args []sqlite.Value) sqlite.Value {
			return sqlite.IntegerValue(args[0].Int64() + args[1].Int64())
		},
	},
}

func registerScalarFunctions(conn *sqlite.Conn) error {
	for _, def := range scalarDefs {
		def := def
		required := def.required
		if required == 0 {
			required = def.nArgs
		}
		impl := &sqlite.FunctionImpl{
			NArgs:         def.nArgs,
			Deterministic: true,
			Scalar: func(ctx sqlite.Context, args []sqlite.Value) (sqlite.Value, error) {
				for i := 0; i < required; i++ {
					if args[i].Type() == sqlite.TypeNull {
						return sqlite.Value{}, nil
					}
				}
				return def.fn(args), nil
			},
		}
		if err := conn.CreateFunction(def.name, impl); err != nil {
			return err
		}
	}
	return nil
}

func alignTime(ts, step, origin int64) sqlite.Value {
	if step == 0 {
		return sqlite.Value{}
	}
	return sqlite.IntegerValue(floorDiv(ts-origin, step)*step + origin)
}

// floorDiv divides rounding toward negative infinity, matching the window
// arithmetic used by the storage engine.
func floorDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}
