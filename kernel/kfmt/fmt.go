// Package kfmt provides a minimal, allocation-free formatted output facility
// that can be safely used by the memory management subsystem while it is
// being brought up. The regular fmt package cannot be used at that point as
// it depends on a working allocator.
package kfmt

import "io"

// numFmtBufSize is large enough for a 64-bit value formatted in base 8.
const numFmtBufSize = 24

var (
	errMissingArg   = []byte("(MISSING)")
	errWrongArgType = []byte("%!(WRONGTYPE)")
	errNoVerb       = []byte("%!(NOVERB)")

	trueValue  = []byte("true")
	falseValue = []byte("false")

	// earlyPrintBuffer captures Printf output generated before a console
	// writer is registered via SetOutputSink.
	earlyPrintBuffer ringBuffer

	// outputSink is the io.Writer where Printf sends its output. While it
	// is nil the output is redirected to earlyPrintBuffer.
	outputSink io.Writer
)

// SetOutputSink sets the target for Printf output to w and drains any data
// accumulated in the early print buffer into it.
func SetOutputSink(w io.Writer) {
	outputSink = w
	if w != nil {
		io.Copy(w, &earlyPrintBuffer)
	}
}

// Printf formats its arguments to the registered output sink, buffering the
// output until a sink is registered. It supports the following verbs:
//
//	%s  string and []byte values
//	%t  "true" or "false"
//	%o  integers, base 8
//	%d  integers, base 10
//	%x  integers, base 16 with lower-case letters for a-f
//
// Printf never allocates which makes it safe to call from any allocator code
// path, including the ones that report allocation failures.
func Printf(format string, args ...interface{}) {
	if outputSink == nil {
		Fprintf(&earlyPrintBuffer, format, args...)
		return
	}

	Fprintf(outputSink, format, args...)
}

// Fprintf behaves like Printf but writes the formatted output to w.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	var (
		nextArg    int
		regionFrom int
	)

	for i := 0; i < len(format); i++ {
		if format[i] != '%' {
			continue
		}

		writeString(w, format[regionFrom:i])

		if i == len(format)-1 {
			w.Write(errNoVerb)
			regionFrom = len(format)
			break
		}

		i++
		regionFrom = i + 1

		if format[i] == '%' {
			regionFrom = i
			continue
		}

		if nextArg >= len(args) {
			w.Write(errMissingArg)
			continue
		}

		arg := args[nextArg]
		nextArg++

		switch format[i] {
		case 's':
			fmtString(w, arg)
		case 't':
			fmtBool(w, arg)
		case 'o':
			fmtInt(w, arg, 8)
		case 'd':
			fmtInt(w, arg, 10)
		case 'x':
			fmtInt(w, arg, 16)
		default:
			w.Write(errNoVerb)
		}
	}

	if regionFrom < len(format) {
		writeString(w, format[regionFrom:])
	}
}

func fmtString(w io.Writer, arg interface{}) {
	switch v := arg.(type) {
	case string:
		writeString(w, v)
	case []byte:
		w.Write(v)
	default:
		w.Write(errWrongArgType)
	}
}

func fmtBool(w io.Writer, arg interface{}) {
	switch v := arg.(type) {
	case bool:
		if v {
			w.Write(trueValue)
		} else {
			w.Write(falseValue)
		}
	default:
		w.Write(errWrongArgType)
	}
}

func fmtInt(w io.Writer, arg interface{}, base uint64) {
	switch v := arg.(type) {
	case uint8:
		fmtUint(w, uint64(v), base)
	case uint16:
		fmtUint(w, uint64(v), base)
	case uint32:
		fmtUint(w, uint64(v), base)
	case uint64:
		fmtUint(w, v, base)
	case uint:
		fmtUint(w, uint64(v), base)
	case uintptr:
		fmtUint(w, uint64(v), base)
	case int8:
		fmtSigned(w, int64(v), base)
	case int16:
		fmtSigned(w, int64(v), base)
	case int32:
		fmtSigned(w, int64(v), base)
	case int64:
		fmtSigned(w, v, base)
	case int:
		fmtSigned(w, int64(v), base)
	default:
		w.Write(errWrongArgType)
	}
}

func fmtSigned(w io.Writer, v int64, base uint64) {
	if v < 0 {
		writeString(w, "-")
		v = -v
	}
	fmtUint(w, uint64(v), base)
}

func fmtUint(w io.Writer, v, base uint64) {
	var buf [numFmtBufSize]byte

	index := len(buf)
	for {
		index--
		digit := v % base
		if digit < 10 {
			buf[index] = byte('0' + digit)
		} else {
			buf[index] = byte('a' + digit - 10)
		}

		v /= base
		if v == 0 {
			break
		}
	}

	w.Write(buf[index:])
}

// writeString writes s to w without triggering a string to []byte conversion
// that would allocate.
func writeString(w io.Writer, s string) {
	if len(s) == 0 {
		return
	}

	if sw, ok := w.(io.StringWriter); ok {
		sw.WriteString(s)
		return
	}

	var buf [1]byte
	for i := 0; i < len(s); i++ {
		buf[0] = s[i]
		w.Write(buf[:])
	}
}
