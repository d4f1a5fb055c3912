package replicant

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func strptr(s string) *string {
	return &s
}

func intptr(i int) *int {
	return &i
}

func TestApplyPropOps(t *testing.T) {
	root := any(map[string]any{
		"a": map[string]any{
			"b": float64(1),
		},
	})

	root, err := ApplyOperations(root, []Operation{
		{
			Path:   "/a",
			Method: OpAdd,
			Args: OperationArgs{
				Prop:     strptr("c"),
				NewValue: float64(2),
			},
		},
	})
	assert.Equal(t, nil, err)
	assert.Equal(t, map[string]any{
		"a": map[string]any{
			"b": float64(1),
			"c": float64(2),
		},
	}, root)

	root, err = ApplyOperations(root, []Operation{
		{
			Path:   "/a",
			Method: OpUpdate,
			Args: OperationArgs{
				Prop:     strptr("b"),
				NewValue: "x",
			},
		},
		{
			Path:   "/a",
			Method: OpDelete,
			Args: OperationArgs{
				Prop: strptr("c"),
			},
		},
	})
	assert.Equal(t, nil, err)
	assert.Equal(t, map[string]any{
		"a": map[string]any{
			"b": "x",
		},
	}, root)
}

func TestApplyOverwrite(t *testing.T) {
	root := any(map[string]any{
		"a": float64(1),
	})

	root, err := ApplyOperations(root, []Operation{
		{
			Path:   "/",
			Method: OpOverwrite,
			Args: OperationArgs{
				NewValue: []any{float64(1), float64(2)},
			},
		},
	})
	assert.Equal(t, nil, err)
	assert.Equal(t, []any{float64(1), float64(2)}, root)

	// overwrite below the root
	root = any(map[string]any{
		"a": map[string]any{"b": float64(1)},
	})
	root, err = ApplyOperations(root, []Operation{
		{
			Path:   "/a",
			Method: OpOverwrite,
			Args: OperationArgs{
				NewValue: float64(7),
			},
		},
	})
	assert.Equal(t, nil, err)
	assert.Equal(t, map[string]any{"a": float64(7)}, root)
}

func TestApplySplice(t *testing.T) {
	root := any([]any{float64(10), float64(20), float64(30)})

	root, err := ApplyOperations(root, []Operation{
		{
			Path:   "/",
			Method: OpArraySplice,
			Args: OperationArgs{
				Start:       1,
				DeleteCount: 1,
				Items:       []any{float64(40), float64(50)},
			},
		},
	})
	assert.Equal(t, nil, err)
	assert.Equal(t, []any{float64(10), float64(40), float64(50), float64(30)}, root)
}

func TestApplyArrayMutators(t *testing.T) {
	root := any(map[string]any{
		"list": []any{float64(3), float64(1), float64(2)},
	})

	root, err := ApplyOperations(root, []Operation{
		{Path: "/list", Method: OpArrayPush, Args: OperationArgs{Items: []any{float64(4)}}},
		{Path: "/list", Method: OpArrayShift},
		{Path: "/list", Method: OpArrayUnshift, Args: OperationArgs{Items: []any{float64(0)}}},
	})
	assert.Equal(t, nil, err)
	assert.Equal(t, []any{float64(0), float64(1), float64(2), float64(4)}, root.(map[string]any)["list"])

	root, err = ApplyOperations(root, []Operation{
		{Path: "/list", Method: OpArrayReverse},
	})
	assert.Equal(t, nil, err)
	assert.Equal(t, []any{float64(4), float64(2), float64(1), float64(0)}, root.(map[string]any)["list"])

	root, err = ApplyOperations(root, []Operation{
		{Path: "/list", Method: OpArraySort},
	})
	assert.Equal(t, nil, err)
	assert.Equal(t, []any{float64(0), float64(1), float64(2), float64(4)}, root.(map[string]any)["list"])

	root, err = ApplyOperations(root, []Operation{
		{Path: "/list", Method: OpArrayPop},
		{Path: "/list", Method: OpArrayFill, Args: OperationArgs{Value: float64(9), Start: 1, End: intptr(2)}},
	})
	assert.Equal(t, nil, err)
	assert.Equal(t, []any{float64(0), float64(9), float64(2)}, root.(map[string]any)["list"])
}

func TestApplyCopyWithin(t *testing.T) {
	root := any([]any{float64(1), float64(2), float64(3), float64(4), float64(5)})

	root, err := ApplyOperations(root, []Operation{
		{
			Path:   "/",
			Method: OpArrayCopyWithin,
			Args: OperationArgs{
				Target: 0,
				Start:  3,
			},
		},
	})
	assert.Equal(t, nil, err)
	assert.Equal(t, []any{float64(4), float64(5), float64(3), float64(4), float64(5)}, root)
}

func TestApplyUnknownMethod(t *testing.T) {
	root := any(map[string]any{
		"a": float64(1),
	})

	// an unknown method aborts the whole batch before anything applies
	out, err := ApplyOperations(root, []Operation{
		{
			Path:   "/",
			Method: OpAdd,
			Args: OperationArgs{
				Prop:     strptr("b"),
				NewValue: float64(2),
			},
		},
		{
			Path:   "/",
			Method: "array:zap",
		},
	})
	assert.NotEqual(t, nil, err)
	assert.Equal(t, map[string]any{"a": float64(1)}, out)
}

func TestEncodedPathSegments(t *testing.T) {
	root := any(map[string]any{
		"a/b": map[string]any{},
	})

	path := EncodePath("a/b")
	root, err := ApplyOperations(root, []Operation{
		{
			Path:   path,
			Method: OpAdd,
			Args: OperationArgs{
				Prop:     strptr("c"),
				NewValue: true,
			},
		},
	})
	assert.Equal(t, nil, err)
	assert.Equal(t, map[string]any{
		"a/b": map[string]any{
			"c": true,
		},
	}, root)
}

func TestApplyRoundTrip(t *testing.T) {
	// the same batch applied to a copy of the pre state converges
	origin := any(map[string]any{
		"a": map[string]any{"b": float64(1)},
		"l": []any{float64(1), float64(2)},
	})
	peer := deepClone(origin)

	ops := []Operation{
		{Path: "/a", Method: OpAdd, Args: OperationArgs{Prop: strptr("c"), NewValue: float64(2)}},
		{Path: "/l", Method: OpArraySplice, Args: OperationArgs{Start: 0, DeleteCount: 1, Items: []any{float64(9)}}},
		{Path: "/a", Method: OpDelete, Args: OperationArgs{Prop: strptr("b")}},
	}

	origin, err := ApplyOperations(origin, ops)
	assert.Equal(t, nil, err)
	peer, err = ApplyOperations(peer, ops)
	assert.Equal(t, nil, err)
	assert.Equal(t, origin, peer)
}
