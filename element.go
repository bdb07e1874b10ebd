package memory

import (
	"math"
	"math/bits"
	"reflect"
	"sync"
	"unsafe"

	"github.com/pkg/errors"
)

var elementSizes sync.Map // reflect.Type -> int

// elementSize returns sizeof(T) after checking that T can live in memory the
// garbage collector does not scan.
func elementSize[T any]() (int, error) {
	t := reflect.TypeFor[T]()
	if v, ok := elementSizes.Load(t); ok {
		return v.(int), nil
	}
	if t.Size() == 0 {
		return 0, errors.Wrapf(ErrUnsupportedElement, "%s has zero size", t)
	}
	if hasPointers(t) {
		return 0, errors.Wrapf(ErrUnsupportedElement, "%s contains pointers", t)
	}
	size := int(t.Size())
	elementSizes.Store(t, size)
	return size, nil
}

func hasPointers(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64, reflect.Complex64, reflect.Complex128:
		return false
	case reflect.Array:
		return t.Len() > 0 && hasPointers(t.Elem())
	case reflect.Struct:
		for i := range t.NumField() {
			if hasPointers(t.Field(i).Type) {
				return true
			}
		}
		return false
	default:
		return true
	}
}

// castSlice reinterprets the first n*sizeof(T) bytes of b as n elements.
func castSlice[T any](b []byte, n int) []T {
	if n == 0 {
		return []T{}
	}
	return unsafe.Slice((*T)(unsafe.Pointer(unsafe.SliceData(b))), n)
}

// byteLength returns n*size, failing instead of overflowing.
func byteLength(n, size int) (int64, error) {
	if n < 0 {
		return 0, errors.Wrapf(ErrArgumentOutOfRange, "length %d", n)
	}
	hi, lo := bits.Mul64(uint64(n), uint64(size))
	if hi != 0 || lo > uint64(math.MaxInt) {
		return 0, errors.Wrapf(ErrInvalidMemoryOperation, "%d elements of %d bytes overflow", n, size)
	}
	return int64(lo), nil
}
