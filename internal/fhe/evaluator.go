package fhe

// Evaluator gives the coprocessor a typed surface and keeps the first error,
// so a chain of encrypted operations reads like the formula it computes and
// is checked once with Err.
type Evaluator struct {
	cp  Coprocessor
	err error
}

// NewEvaluator wraps cp.
func NewEvaluator(cp Coprocessor) *Evaluator {
	return &Evaluator{cp: cp}
}

// Err returns the first error encountered, if any.
func (e *Evaluator) Err() error {
	return e.err
}

func (e *Evaluator) do(fn func() (Handle, error)) Handle {
	if e.err != nil {
		return Handle{}
	}
	h, err := fn()
	if err != nil {
		e.err = err
		return Handle{}
	}
	return h
}

// Uint64 lifts a public value into an encrypted uint64.
func (e *Evaluator) Uint64(v uint64) Uint64 {
	return Uint64{e.do(func() (Handle, error) { return e.cp.TrivialEncrypt(TypeUint64, v) })}
}

// EqScalar8 computes a == b.
func (e *Evaluator) EqScalar8(a Uint8, b uint8) Bool {
	return Bool{e.do(func() (Handle, error) { return e.cp.EqScalar(a.Handle, uint64(b)) })}
}

// GtScalar64 computes a > b.
func (e *Evaluator) GtScalar64(a Uint64, b uint64) Bool {
	return Bool{e.do(func() (Handle, error) { return e.cp.GtScalar(a.Handle, b) })}
}

// LtScalar64 computes a < b.
func (e *Evaluator) LtScalar64(a Uint64, b uint64) Bool {
	return Bool{e.do(func() (Handle, error) { return e.cp.LtScalar(a.Handle, b) })}
}

func (e *Evaluator) And(a, b Bool) Bool {
	return Bool{e.do(func() (Handle, error) { return e.cp.And(a.Handle, b.Handle) })}
}

func (e *Evaluator) Or(a, b Bool) Bool {
	return Bool{e.do(func() (Handle, error) { return e.cp.Or(a.Handle, b.Handle) })}
}

// Select64 returns c ? a : b obliviously.
func (e *Evaluator) Select64(c Bool, a, b Uint64) Uint64 {
	return Uint64{e.do(func() (Handle, error) { return e.cp.Select(c.Handle, a.Handle, b.Handle) })}
}

// Add64 computes a + b (wrapping at 2^64).
func (e *Evaluator) Add64(a, b Uint64) Uint64 {
	return Uint64{e.do(func() (Handle, error) { return e.cp.Add(a.Handle, b.Handle) })}
}
