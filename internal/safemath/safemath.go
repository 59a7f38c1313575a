package safemath

import (
	"errors"
	"math/bits"
)

var (
	ErrOverflow  = errors.New("number overflow")
	ErrUnderflow = errors.New("number underflow")
)

type Unsigned64 interface {
	~uint64
}

func Add32(a, b uint32) (uint32, bool) {
	v, carry := bits.Add32(a, b, 0)
	return v, carry == 0
}

func Add64(a, b uint64) (uint64, bool) {
	v, carry := bits.Add64(a, b, 0)
	return v, carry == 0
}

func Sub32(a, b uint32) (uint32, bool) {
	v, carry := bits.Sub32(a, b, 0)
	return v, carry == 0
}

func Sub64(a, b uint64) (uint64, bool) {
	v, carry := bits.Sub64(a, b, 0)
	return v, carry == 0
}

// Add returns a+b or ErrOverflow.
func Add[T Unsigned64](a, b T) (T, error) {
	v, ok := Add64(uint64(a), uint64(b))
	if !ok {
		return 0, ErrOverflow
	}
	return T(v), nil
}

// Sub returns a-b or ErrUnderflow.
func Sub[T Unsigned64](a, b T) (T, error) {
	v, ok := Sub64(uint64(a), uint64(b))
	if !ok {
		return 0, ErrUnderflow
	}
	return T(v), nil
}

// SaturatingSub returns a-b, clamped at zero.
func SaturatingSub[T Unsigned64](a, b T) T {
	if b >= a {
		return 0
	}
	return a - b
}

// Sum adds all values, failing on the first overflow.
func Sum[T Unsigned64](values ...T) (T, error) {
	var total T
	for _, v := range values {
		var err error
		total, err = Add(total, v)
		if err != nil {
			return 0, err
		}
	}
	return total, nil
}
