package memory

import (
	"fmt"
	"strings"
)

// Precision is the numeric representation of a device buffer.
type Precision uint8

const (
	FP32 Precision = iota
	FP16
	INT8
)

// ElementSize returns the width of one element in bytes.
func (p Precision) ElementSize() int {
	switch p {
	case FP32:
		return 4
	case FP16:
		return 2
	case INT8:
		return 1
	}
	return 0
}

func (p Precision) String() string {
	switch p {
	case FP32:
		return "fp32"
	case FP16:
		return "fp16"
	case INT8:
		return "int8"
	}
	return fmt.Sprintf("precision(%d)", uint8(p))
}

// Valid reports whether p is a known precision.
func (p Precision) Valid() bool {
	return p <= INT8
}

// ParsePrecision accepts "fp32", "fp16", "int8" and their common aliases.
func ParsePrecision(s string) (Precision, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fp32", "float32", "f32", "":
		return FP32, nil
	case "fp16", "float16", "f16", "half":
		return FP16, nil
	case "int8", "i8":
		return INT8, nil
	}
	return FP32, fmt.Errorf("unknown precision %q", s)
}
