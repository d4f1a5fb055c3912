package replicant

import (
	"sync"
	"testing"

	"github.com/go-playground/assert/v2"
)

type flushCapture struct {
	mutex      sync.Mutex
	broadcasts []*OperationsBroadcast
}

func (self *flushCapture) flush(broadcast *OperationsBroadcast, exclude *Socket) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.broadcasts = append(self.broadcasts, broadcast)
}

func (self *flushCapture) count() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.broadcasts)
}

func (self *flushCapture) last() *OperationsBroadcast {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if len(self.broadcasts) == 0 {
		return nil
	}
	return self.broadcasts[len(self.broadcasts)-1]
}

func testReplicant(schema *Schema, capture *flushCapture) *ServerReplicant {
	return newServerReplicant(
		"r",
		"x",
		false,
		schema,
		nil,
		capture.flush,
		DefaultServerReplicantSettings(),
	)
}

func TestRevisionMonotonic(t *testing.T) {
	capture := &flushCapture{}
	rep := testReplicant(nil, capture)
	rep.install(map[string]any{}, true)

	for i := 0; i < 5; i += 1 {
		err := rep.Mutate(func(v *ValueHandle) error {
			return v.Set("/", "n", i)
		})
		assert.Equal(t, nil, err)
	}

	assert.Equal(t, int64(5), rep.Revision())
	assert.Equal(t, 5, capture.count())
	for i, broadcast := range capture.broadcasts {
		// every flushed batch steps the revision by exactly one
		assert.Equal(t, int64(i+1), broadcast.Revision)
	}
}

func TestCoalescence(t *testing.T) {
	capture := &flushCapture{}
	rep := testReplicant(nil, capture)
	rep.install(map[string]any{}, true)

	changes := 0
	rep.AddChangeHandler(func(newValue any, oldValue any, ops []Operation) {
		if ops != nil {
			changes += 1
		}
	})

	err := rep.Mutate(func(v *ValueHandle) error {
		if err := v.Set("/", "a", 1); err != nil {
			return err
		}
		if err := v.Set("/", "b", 2); err != nil {
			return err
		}
		if err := v.Delete("/", "a"); err != nil {
			return err
		}
		return v.Set("/", "c", 3)
	})
	assert.Equal(t, nil, err)

	// one broadcast, one change, one revision step for four mutations
	assert.Equal(t, 1, capture.count())
	assert.Equal(t, 1, changes)
	assert.Equal(t, int64(1), rep.Revision())

	broadcast := capture.last()
	assert.Equal(t, int64(1), broadcast.Revision)
	assert.Equal(t, 4, len(broadcast.Operations))
	assert.Equal(t, OpAdd, broadcast.Operations[0].Method)
	assert.Equal(t, OpAdd, broadcast.Operations[1].Method)
	assert.Equal(t, OpDelete, broadcast.Operations[2].Method)
	assert.Equal(t, OpAdd, broadcast.Operations[3].Method)

	assert.Equal(t, map[string]any{
		"b": float64(2),
		"c": float64(3),
	}, rep.Value())
}

func TestValidationPrecedence(t *testing.T) {
	schema, err := SchemaFromDoc(map[string]any{
		"type": "number",
	})
	assert.Equal(t, nil, err)

	capture := &flushCapture{}
	rep := testReplicant(schema, capture)
	rep.install(float64(5), true)

	// a failing assignment leaves the state exactly as it was
	err = rep.Assign("hello")
	assert.NotEqual(t, nil, err)
	assert.Equal(t, float64(5), rep.Value())
	assert.Equal(t, int64(0), rep.Revision())
	assert.Equal(t, 0, capture.count())

	assert.Equal(t, nil, rep.Assign(float64(6)))
	assert.Equal(t, float64(6), rep.Value())
	assert.Equal(t, int64(1), rep.Revision())
}

func TestSameReferenceAssign(t *testing.T) {
	capture := &flushCapture{}
	rep := testReplicant(nil, capture)
	rep.install(map[string]any{"a": float64(1)}, true)

	// assigning the exact same reference is a no-op
	assert.Equal(t, nil, rep.Assign(rep.Value()))
	assert.Equal(t, int64(0), rep.Revision())
	assert.Equal(t, 0, capture.count())

	// a structurally equal but distinct value still overwrites
	assert.Equal(t, nil, rep.Assign(map[string]any{"a": float64(1)}))
	assert.Equal(t, int64(1), rep.Revision())
	assert.Equal(t, 1, capture.count())
	assert.Equal(t, OpOverwrite, capture.last().Operations[0].Method)
}

func TestCyclicValueRejected(t *testing.T) {
	capture := &flushCapture{}
	rep := testReplicant(nil, capture)
	rep.install(map[string]any{}, true)

	cyclic := map[string]any{}
	cyclic["self"] = cyclic

	err := rep.Assign(cyclic)
	assert.NotEqual(t, nil, err)
	assert.Equal(t, map[string]any{}, rep.Value())
	assert.Equal(t, int64(0), rep.Revision())
}

func TestNonJsonValueRejected(t *testing.T) {
	capture := &flushCapture{}
	rep := testReplicant(nil, capture)
	rep.install(nil, false)

	err := rep.Assign(func() {})
	assert.NotEqual(t, nil, err)
	assert.Equal(t, int64(0), rep.Revision())
}

func TestPartialBatchKeepsAppliedOps(t *testing.T) {
	schema, err := SchemaFromDoc(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"n": map[string]any{"type": "number"},
		},
	})
	assert.Equal(t, nil, err)

	capture := &flushCapture{}
	rep := testReplicant(schema, capture)
	rep.install(map[string]any{}, true)

	err = rep.Mutate(func(v *ValueHandle) error {
		if err := v.Set("/", "n", 1); err != nil {
			return err
		}
		// fails validation, does not apply
		return v.Set("/", "n", "not a number")
	})
	assert.NotEqual(t, nil, err)

	// the valid edit still flushed
	assert.Equal(t, 1, capture.count())
	assert.Equal(t, int64(1), rep.Revision())
	assert.Equal(t, map[string]any{"n": float64(1)}, rep.Value())
}

func TestChangeHandlerImmediate(t *testing.T) {
	capture := &flushCapture{}
	rep := testReplicant(nil, capture)
	rep.install(map[string]any{"ready": true}, true)

	var seen any
	rep.AddChangeHandler(func(newValue any, oldValue any, ops []Operation) {
		if seen == nil {
			seen = newValue
		}
	})
	// the handler fired synchronously with the current value
	assert.Equal(t, map[string]any{"ready": true}, seen)
}

func TestApplyProposalChecks(t *testing.T) {
	capture := &flushCapture{}
	rep := testReplicant(nil, capture)
	rep.install(map[string]any{"a": float64(1)}, true)

	ops := []Operation{
		{Path: "/", Method: OpAdd, Args: OperationArgs{Prop: strptr("b"), NewValue: float64(2)}},
	}

	// accepted at the current revision
	response := rep.ApplyProposal(0, "", ops, nil)
	assert.Equal(t, "", response.RejectReason)
	assert.Equal(t, int64(1), response.Revision)
	assert.Equal(t, map[string]any{"a": float64(1), "b": float64(2)}, response.Value)

	// a stale revision rejects with the authoritative snapshot and
	// nothing mutates
	response = rep.ApplyProposal(0, "", ops, nil)
	assert.Equal(t, RejectRevisionMismatch, response.RejectReason)
	assert.Equal(t, int64(1), response.Revision)
	assert.Equal(t, int64(1), rep.Revision())
	assert.Equal(t, map[string]any{"a": float64(1), "b": float64(2)}, rep.Value())

	// a schema token mismatch rejects before the revision check
	response = rep.ApplyProposal(1, "deadbeef", ops, nil)
	assert.Equal(t, RejectSchemaMismatch, response.RejectReason)
	assert.Equal(t, int64(1), rep.Revision())

	// an unknown operation aborts the batch with no partial application
	response = rep.ApplyProposal(1, "", []Operation{
		{Path: "/", Method: OpAdd, Args: OperationArgs{Prop: strptr("c"), NewValue: float64(3)}},
		{Path: "/", Method: "array:zap"},
	}, nil)
	assert.NotEqual(t, "", response.RejectReason)
	assert.Equal(t, int64(1), rep.Revision())
	assert.Equal(t, map[string]any{"a": float64(1), "b": float64(2)}, rep.Value())
}
