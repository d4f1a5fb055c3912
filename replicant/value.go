package replicant

import (
	"fmt"
	"reflect"
	"strconv"
)

// There is no assignment intercepting proxy in Go. The observing layer is an
// explicit mutation api instead: every method on ValueHandle classifies the
// edit, records the wire operation, and applies it to the local tree. The
// wire format is identical either way.

type localMutable interface {
	currentValue() any
	// applyLocal validates and applies op to the local tree, then records
	// it in the pending batch. On error no state mutates.
	applyLocal(op Operation) error
}

// ValueHandle is the write surface handed to a Mutate callback. All edits
// through one handle coalesce into a single batch: one revision step, one
// broadcast, one change event.
type ValueHandle struct {
	m localMutable
}

// Value returns the current tree. Treat it as read only; edit through the
// handle methods.
func (self *ValueHandle) Value() any {
	return self.m.currentValue()
}

// Get returns the sub value at a slash delimited path.
func (self *ValueHandle) Get(path string) (any, error) {
	segments, err := parsePath(path)
	if err != nil {
		return nil, err
	}
	return valueAt(self.m.currentValue(), segments)
}

// Assign replaces the entire value. Assigning the exact same reference is a
// no-op; a structurally equal but distinct value still emits an overwrite.
func (self *ValueHandle) Assign(value any) error {
	if sameReference(self.m.currentValue(), value) {
		return nil
	}
	normalized, err := normalizeValue(value)
	if err != nil {
		return err
	}
	return self.m.applyLocal(Operation{
		Path:   "/",
		Method: OpOverwrite,
		Args: OperationArgs{
			NewValue: normalized,
		},
	})
}

// Set creates or replaces the child prop of the container at path. The
// operation is add when the prop did not exist, update otherwise.
func (self *ValueHandle) Set(path string, prop string, value any) error {
	normalized, err := normalizeValue(value)
	if err != nil {
		return err
	}
	method := OpAdd
	if self.propExists(path, prop) {
		method = OpUpdate
	}
	return self.m.applyLocal(Operation{
		Path:   path,
		Method: method,
		Args: OperationArgs{
			Prop:     &prop,
			NewValue: normalized,
		},
	})
}

// Delete removes the child prop of the object at path.
func (self *ValueHandle) Delete(path string, prop string) error {
	return self.m.applyLocal(Operation{
		Path:   path,
		Method: OpDelete,
		Args: OperationArgs{
			Prop: &prop,
		},
	})
}

func (self *ValueHandle) Splice(path string, start int, deleteCount int, items ...any) error {
	normalized, err := normalizeItems(items)
	if err != nil {
		return err
	}
	return self.m.applyLocal(Operation{
		Path:   path,
		Method: OpArraySplice,
		Args: OperationArgs{
			Start:       start,
			DeleteCount: deleteCount,
			Items:       normalized,
		},
	})
}

func (self *ValueHandle) Push(path string, items ...any) error {
	normalized, err := normalizeItems(items)
	if err != nil {
		return err
	}
	return self.m.applyLocal(Operation{
		Path:   path,
		Method: OpArrayPush,
		Args: OperationArgs{
			Items: normalized,
		},
	})
}

func (self *ValueHandle) Pop(path string) error {
	return self.m.applyLocal(Operation{
		Path:   path,
		Method: OpArrayPop,
	})
}

func (self *ValueHandle) Shift(path string) error {
	return self.m.applyLocal(Operation{
		Path:   path,
		Method: OpArrayShift,
	})
}

func (self *ValueHandle) Unshift(path string, items ...any) error {
	normalized, err := normalizeItems(items)
	if err != nil {
		return err
	}
	return self.m.applyLocal(Operation{
		Path:   path,
		Method: OpArrayUnshift,
		Args: OperationArgs{
			Items: normalized,
		},
	})
}

func (self *ValueHandle) Reverse(path string) error {
	return self.m.applyLocal(Operation{
		Path:   path,
		Method: OpArrayReverse,
	})
}

func (self *ValueHandle) Sort(path string) error {
	return self.m.applyLocal(Operation{
		Path:   path,
		Method: OpArraySort,
	})
}

func (self *ValueHandle) CopyWithin(path string, target int, start int, end *int) error {
	return self.m.applyLocal(Operation{
		Path:   path,
		Method: OpArrayCopyWithin,
		Args: OperationArgs{
			Target: target,
			Start:  start,
			End:    end,
		},
	})
}

func (self *ValueHandle) Fill(path string, value any, start int, end *int) error {
	normalized, err := normalizeValue(value)
	if err != nil {
		return err
	}
	return self.m.applyLocal(Operation{
		Path:   path,
		Method: OpArrayFill,
		Args: OperationArgs{
			Value: normalized,
			Start: start,
			End:   end,
		},
	})
}

func (self *ValueHandle) propExists(path string, prop string) bool {
	segments, err := parsePath(path)
	if err != nil {
		return false
	}
	target, err := valueAt(self.m.currentValue(), segments)
	if err != nil {
		return false
	}
	switch container := target.(type) {
	case map[string]any:
		_, ok := container[prop]
		return ok
	case []any:
		index, err := strconv.Atoi(prop)
		return err == nil && 0 <= index && index < len(container)
	}
	return false
}

func normalizeItems(items []any) ([]any, error) {
	normalized, err := normalizeValue(items)
	if err != nil {
		return nil, err
	}
	if normalized == nil {
		return []any{}, nil
	}
	out, ok := normalized.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: items are not an array", ErrValueInvalid)
	}
	return out, nil
}

// sameReference mirrors strict equality in the originating runtimes:
// containers compare by identity, primitives by value.
func sameReference(a any, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	va := reflect.ValueOf(a)
	vb := reflect.ValueOf(b)
	if va.Kind() != vb.Kind() {
		return false
	}
	switch va.Kind() {
	case reflect.Map, reflect.Slice:
		return va.UnsafePointer() == vb.UnsafePointer() && va.Len() == vb.Len()
	case reflect.Ptr:
		return va.UnsafePointer() == vb.UnsafePointer()
	}
	if !va.Comparable() || !vb.Comparable() {
		return false
	}
	return a == b
}
