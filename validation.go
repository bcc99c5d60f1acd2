package lneto

import (
	"errors"
	"fmt"
)

// ValidateFlags controls optional, stricter validation behavior.
type ValidateFlags uint8

const (
	// ValidateEvilBit enables rejection of packets with the evil bit set (RFC 3514).
	ValidateEvilBit ValidateFlags = 1 << iota
	// ValidateMultiErr accumulates every validation error found instead of
	// stopping at the first one.
	ValidateMultiErr
)

// Validator accumulates errors found while validating a wire frame. The zero
// value is ready to use; call [Validator.ResetErr] between uses to reuse the
// same Validator across frames without allocating.
type Validator struct {
	flags       ValidateFlags
	accum       []error
	accumBitpos []BitPosErr
}

// NewValidator returns a Validator configured with flags.
func NewValidator(flags ValidateFlags) *Validator {
	return &Validator{flags: flags}
}

// Flags returns the Validator's configured [ValidateFlags].
func (v *Validator) Flags() ValidateFlags { return v.flags }

// SetFlags sets the Validator's [ValidateFlags].
func (v *Validator) SetFlags(flags ValidateFlags) { v.flags = flags }

// ResetErr clears accumulated errors, readying the Validator for reuse.
func (v *Validator) ResetErr() {
	v.accum = v.accum[:0]
	v.accumBitpos = v.accumBitpos[:0]
}

// HasError reports whether any error has been accumulated.
func (v *Validator) HasError() bool { return len(v.accum) != 0 }

// Err joins all accumulated errors, or returns nil if none were added.
func (v *Validator) Err() error {
	switch len(v.accum) {
	case 0:
		return nil
	case 1:
		return v.accum[0]
	default:
		return errors.Join(v.accum...)
	}
}

// ErrPop returns the first accumulated error, or nil if none were added.
// Unlike [Validator.Err] it does not join multiple errors; it is meant for
// callers that only care whether validation failed at all.
func (v *Validator) ErrPop() error {
	if len(v.accum) == 0 {
		return nil
	}
	return v.accum[0]
}

// AddError appends err to the accumulated errors. If [ValidateMultiErr] is
// not set, errors after the first are discarded.
func (v *Validator) AddError(err error) {
	if err == nil {
		panic("lneto: AddError called with nil error")
	}
	if len(v.accum) != 0 && v.flags&ValidateMultiErr == 0 {
		return
	}
	v.accum = append(v.accum, err)
}

// AddBitPosErr is like AddError but additionally records the bit offset and
// length of the offending field, useful for diagnostics.
func (v *Validator) AddBitPosErr(bitStart, bitLen int, err error) {
	if err == nil {
		panic("lneto: AddBitPosErr called with nil error")
	} else if bitLen <= 0 {
		panic("lneto: AddBitPosErr called with non-positive bitLen")
	}
	if len(v.accum) != 0 && v.flags&ValidateMultiErr == 0 {
		return
	}
	v.accumBitpos = append(v.accumBitpos, BitPosErr{BitStart: bitStart, BitLen: bitLen, Err: err})
	v.accum = append(v.accum, &v.accumBitpos[len(v.accumBitpos)-1])
}

// BitPosErr pinpoints a validation error to a bit range within a frame.
type BitPosErr struct {
	BitStart int
	BitLen   int
	Err      error
}

func (bpe *BitPosErr) Error() string {
	return fmt.Sprintf("%s at bits %d..%d", bpe.Err.Error(), bpe.BitStart, bpe.BitStart+bpe.BitLen)
}

func (bpe *BitPosErr) Unwrap() error { return bpe.Err }
