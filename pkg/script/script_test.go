package script

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelengine/scriptvm/pkg/value"
	vmpkg "github.com/kestrelengine/scriptvm/pkg/vm"
)

func newTestVM(t *testing.T) *vmpkg.VM {
	t.Helper()
	v, err := vmpkg.New(vmpkg.DefaultConfig())
	require.NoError(t, err)
	return v
}

const doubleScript = `[
  {
    "definitionType": "function",
    "name": "double",
    "inputs":  [ { "name": "x", "type": "Core.Number" } ],
    "outputs": [ { "name": "result", "type": "Core.Number" } ],
    "actions": [
      { "id": "return", "outputs": [
        { "id": "function_call", "function": "Core.Multiply",
          "inputs": [ { "input": "x" }, 2.0 ] }
      ] }
    ]
  }
]`

func TestParseDoubleAndCall(t *testing.T) {
	v := newTestVM(t)
	result, errs := Parse(v, []byte(doubleScript))
	require.Empty(t, errs)
	require.Len(t, result.Functions, 1)

	m, err := v.RegisterModule("Game")
	require.NoError(t, err)
	require.NoError(t, Register(v, m, result))

	double, ok := v.LookupFunction("Game", "double")
	require.True(t, ok)

	got, err := vmpkg.Call[float64](v, double, 21.0)
	require.NoError(t, err)
	assert.Equal(t, 42.0, got)

	got, err = vmpkg.Call[float64](v, double, 1337.0)
	require.NoError(t, err)
	assert.Equal(t, 2674.0, got)

	assert.Equal(t, 0, v.MainContext().RegisterCount(),
		"register stack must be balanced after a call")
}

func TestNestedScriptFunctionCall(t *testing.T) {
	v := newTestVM(t)
	result, errs := Parse(v, []byte(doubleScript))
	require.Empty(t, errs)
	m, err := v.RegisterModule("Game")
	require.NoError(t, err)
	require.NoError(t, Register(v, m, result))

	quadScript := `[
	  {
	    "definitionType": "function",
	    "name": "quad",
	    "inputs":  [ { "name": "x", "type": "Core.Number" } ],
	    "outputs": [ { "name": "result", "type": "Core.Number" } ],
	    "actions": [
	      { "id": "return", "outputs": [
	        { "id": "function_call", "function": "Game.double", "inputs": [
	          { "id": "function_call", "function": "Game.double",
	            "inputs": [ { "input": "x" } ] }
	        ] }
	      ] }
	    ]
	  }
	]`
	result2, errs := Parse(v, []byte(quadScript))
	require.Empty(t, errs)
	require.NoError(t, Register(v, m, result2))

	quad, ok := v.LookupFunction("Game", "quad")
	require.True(t, ok)
	got, err := vmpkg.Call[float64](v, quad, 10.0)
	require.NoError(t, err)
	assert.Equal(t, 40.0, got)
	assert.Equal(t, 0, v.MainContext().RegisterCount())
}

func TestComposedTypeLayout(t *testing.T) {
	v := newTestVM(t)
	doc := `[
	  {
	    "definitionType": "type",
	    "name": "SomeType",
	    "properties": {
	      "SomeBoolean": { "type": "Core.Boolean" },
	      "SomeNumber":  { "type": "Core.Number" }
	    }
	  }
	]`
	result, errs := Parse(v, []byte(doc))
	require.Empty(t, errs)
	require.Len(t, result.Types, 1)

	td := result.Types[0]
	assert.Equal(t, "SomeType", td.Name)
	assert.Equal(t, 8, td.Layout.AlignmentInBytes)
	assert.Equal(t, 16, td.Layout.SizeInBytes)
	require.Len(t, td.Properties, 2)
	assert.Equal(t, "SomeBoolean", td.Properties[0].Name)
	assert.Equal(t, 0, td.Properties[0].Index)
	assert.Equal(t, v.BooleanType().ID(), td.Properties[0].Type)
	assert.Equal(t, "SomeNumber", td.Properties[1].Name)
	assert.Equal(t, 1, td.Properties[1].Index)
	assert.Equal(t, v.NumberType().ID(), td.Properties[1].Type)
}

func TestComposedTypeConstructAndPropertyAccess(t *testing.T) {
	v := newTestVM(t)
	doc := `[
	  {
	    "definitionType": "type",
	    "name": "SomeType",
	    "properties": {
	      "SomeBoolean": { "type": "Core.Boolean" },
	      "SomeNumber":  { "type": "Core.Number" }
	    }
	  }
	]`
	result, errs := Parse(v, []byte(doc))
	require.Empty(t, errs)
	m, err := v.RegisterModule("Game")
	require.NoError(t, err)
	require.NoError(t, Register(v, m, result))

	ty, ok := v.LookupType("Game", "SomeType")
	require.True(t, ok)

	val, err := value.New(v.MainContext(), ty)
	require.NoError(t, err)
	require.NoError(t, vmpkg.SetProperty(v, ty, val, "SomeNumber", 7.5))
	require.NoError(t, vmpkg.SetProperty(v, ty, val, "SomeBoolean", true))

	num, err := vmpkg.GetProperty[float64](v, ty, val, "SomeNumber")
	require.NoError(t, err)
	assert.Equal(t, 7.5, num)
	b, err := vmpkg.GetProperty[bool](v, ty, val, "SomeBoolean")
	require.NoError(t, err)
	assert.True(t, b)

	clone, err := value.Clone(v.MainContext(), ty, val)
	require.NoError(t, err)
	num, err = vmpkg.GetProperty[float64](v, ty, clone, "SomeNumber")
	require.NoError(t, err)
	assert.Equal(t, 7.5, num)
}

func TestParseErrorsAggregateWithDistinctPaths(t *testing.T) {
	v := newTestVM(t)
	doc := `[
	  {
	    "definitionType": "function",
	    "name": "broken",
	    "inputs": [
	      { "name": "a", "type": "Nope.First" },
	      { "name": "b", "type": "Nope.Second" }
	    ],
	    "outputs": [],
	    "actions": []
	  }
	]`
	result, errs := Parse(v, []byte(doc))
	assert.Nil(t, result, "a failed parse must not return partial IR")
	require.Len(t, errs, 2)
	assert.Equal(t, "/0/inputs/0/type", errs[0].Path)
	assert.Equal(t, "/0/inputs/1/type", errs[1].Path)
	assert.NotEqual(t, errs[0].Path, errs[1].Path)
}

func TestParseRejectsNonArrayDocument(t *testing.T) {
	v := newTestVM(t)
	result, errs := Parse(v, []byte(`{"definitionType": "function"}`))
	assert.Nil(t, result)
	require.NotEmpty(t, errs)
}

func TestParseRejectsUnknownDefinitionType(t *testing.T) {
	v := newTestVM(t)
	result, errs := Parse(v, []byte(`[ { "definitionType": "sprite" } ]`))
	assert.Nil(t, result)
	require.Len(t, errs, 1)
	assert.Equal(t, "/0/definitionType", errs[0].Path)
}

func TestParseRejectsArityMismatch(t *testing.T) {
	v := newTestVM(t)
	doc := `[
	  {
	    "definitionType": "function",
	    "name": "bad",
	    "inputs": [], "outputs": [],
	    "actions": [
	      { "id": "function_call", "function": "Core.Multiply",
	        "inputs": [ 2.0 ], "outputs": [ "y" ] }
	    ]
	  }
	]`
	result, errs := Parse(v, []byte(doc))
	assert.Nil(t, result)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Message, "expected 2 argument(s)")
}

func TestParseRejectsArgumentTypeMismatch(t *testing.T) {
	v := newTestVM(t)
	doc := `[
	  {
	    "definitionType": "function",
	    "name": "bad",
	    "inputs": [], "outputs": [],
	    "actions": [
	      { "id": "function_call", "function": "Core.Multiply",
	        "inputs": [ 2.0, true ], "outputs": [ "y" ] }
	    ]
	  }
	]`
	result, errs := Parse(v, []byte(doc))
	assert.Nil(t, result)
	require.Len(t, errs, 1)
	assert.Equal(t, "/0/actions/0/inputs/1", errs[0].Path)
}

func TestParseRejectsUnknownFunctionReference(t *testing.T) {
	v := newTestVM(t)
	doc := `[
	  {
	    "definitionType": "function",
	    "name": "bad",
	    "inputs": [], "outputs": [],
	    "actions": [
	      { "id": "function_call", "function": "Game.nothing",
	        "inputs": [], "outputs": [] }
	    ]
	  }
	]`
	result, errs := Parse(v, []byte(doc))
	assert.Nil(t, result)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Message, "unknown function reference")
}

func TestParseRejectsMissingReturn(t *testing.T) {
	v := newTestVM(t)
	doc := `[
	  {
	    "definitionType": "function",
	    "name": "silent",
	    "inputs": [],
	    "outputs": [ { "name": "r", "type": "Core.Number" } ],
	    "actions": []
	  }
	]`
	result, errs := Parse(v, []byte(doc))
	assert.Nil(t, result)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Message, "does not return on every path")
}

func TestParseRejectsNonExhaustiveReturn(t *testing.T) {
	v := newTestVM(t)
	// The only return sits in an if without an else; the
	// false-condition path would fall off the end of the function.
	doc := `[
	  {
	    "definitionType": "function",
	    "name": "partial",
	    "inputs":  [ { "name": "x", "type": "Core.Number" } ],
	    "outputs": [ { "name": "r", "type": "Core.Number" } ],
	    "actions": [
	      { "id": "if",
	        "condition": { "id": "function_call", "function": "Core.IsGreater",
	                       "inputs": [ { "input": "x" }, 0.0 ] },
	        "then": [ { "id": "return", "outputs": [ { "input": "x" } ] } ]
	      }
	    ]
	  }
	]`
	result, errs := Parse(v, []byte(doc))
	assert.Nil(t, result)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Message, "does not return on every path")
}

func TestVoidFunctionWithConditionalReturn(t *testing.T) {
	v := newTestVM(t)
	// A void function may return early from one branch; the fall-through
	// path gets a terminal return appended by the compiler.
	doc := `[
	  {
	    "definitionType": "function",
	    "name": "maybe",
	    "inputs":  [ { "name": "x", "type": "Core.Number" } ],
	    "outputs": [],
	    "actions": [
	      { "id": "if",
	        "condition": { "id": "function_call", "function": "Core.IsGreater",
	                       "inputs": [ { "input": "x" }, 0.0 ] },
	        "then": [ { "id": "return", "outputs": [] } ]
	      }
	    ]
	  }
	]`
	result, errs := Parse(v, []byte(doc))
	require.Empty(t, errs)
	m, err := v.RegisterModule("Game")
	require.NoError(t, err)
	require.NoError(t, Register(v, m, result))
	maybe, ok := v.LookupFunction("Game", "maybe")
	require.True(t, ok)

	require.NoError(t, vmpkg.CallVoid(v, maybe, 1.0))
	require.NoError(t, vmpkg.CallVoid(v, maybe, -1.0))
	assert.Equal(t, 0, v.MainContext().RegisterCount())
}

func TestParseRejectsDuplicateTypeDeclaration(t *testing.T) {
	v := newTestVM(t)
	doc := `[
	  { "definitionType": "type", "name": "Thing", "properties": {} },
	  { "definitionType": "type", "name": "Thing", "properties": {} }
	]`
	result, errs := Parse(v, []byte(doc))
	assert.Nil(t, result)
	require.Len(t, errs, 1)
	assert.Equal(t, "/1/name", errs[0].Path)
}

func TestIfElseBranches(t *testing.T) {
	v := newTestVM(t)
	doc := `[
	  {
	    "definitionType": "function",
	    "name": "clamp42",
	    "inputs":  [ { "name": "x", "type": "Core.Number" } ],
	    "outputs": [ { "name": "result", "type": "Core.Number" } ],
	    "actions": [
	      { "id": "if",
	        "condition": { "id": "function_call", "function": "Core.IsGreater",
	                       "inputs": [ { "input": "x" }, 42.0 ] },
	        "then": [ { "id": "return", "outputs": [ 42.0 ] } ],
	        "else": [ { "id": "return", "outputs": [ { "input": "x" } ] } ]
	      }
	    ]
	  }
	]`
	result, errs := Parse(v, []byte(doc))
	require.Empty(t, errs)
	m, err := v.RegisterModule("Game")
	require.NoError(t, err)
	require.NoError(t, Register(v, m, result))
	clamp, ok := v.LookupFunction("Game", "clamp42")
	require.True(t, ok)

	got, err := vmpkg.Call[float64](v, clamp, 50.0)
	require.NoError(t, err)
	assert.Equal(t, 42.0, got)

	got, err = vmpkg.Call[float64](v, clamp, 7.0)
	require.NoError(t, err)
	assert.Equal(t, 7.0, got)
	assert.Equal(t, 0, v.MainContext().RegisterCount())
}

func TestWhileLoopExitsWhenConditionFalse(t *testing.T) {
	v := newTestVM(t)
	doc := `[
	  {
	    "definitionType": "function",
	    "name": "idle",
	    "inputs":  [ { "name": "x", "type": "Core.Number" } ],
	    "outputs": [ { "name": "result", "type": "Core.Number" } ],
	    "actions": [
	      { "id": "while",
	        "condition": { "id": "function_call", "function": "Core.IsGreater",
	                       "inputs": [ { "input": "x" }, 100.0 ] },
	        "body": [
	          { "id": "variable_declaration", "type": "Core.Number", "name": "scratch" }
	        ]
	      },
	      { "id": "return", "outputs": [ { "input": "x" } ] }
	    ]
	  }
	]`
	result, errs := Parse(v, []byte(doc))
	require.Empty(t, errs)
	m, err := v.RegisterModule("Game")
	require.NoError(t, err)
	require.NoError(t, Register(v, m, result))
	idle, ok := v.LookupFunction("Game", "idle")
	require.True(t, ok)

	got, err := vmpkg.Call[float64](v, idle, 5.0)
	require.NoError(t, err)
	assert.Equal(t, 5.0, got)
	assert.Equal(t, 0, v.MainContext().RegisterCount())
}

func TestVariableDeclarationScoping(t *testing.T) {
	v := newTestVM(t)
	// "y" is declared inside the then-branch; referencing it after the
	// if must fail as undefined.
	doc := `[
	  {
	    "definitionType": "function",
	    "name": "leaky",
	    "inputs": [], "outputs": [ { "name": "r", "type": "Core.Number" } ],
	    "actions": [
	      { "id": "if", "condition": true,
	        "then": [ { "id": "variable_declaration", "type": "Core.Number", "name": "y" } ] },
	      { "id": "return", "outputs": [ { "local": "y" } ] }
	    ]
	  }
	]`
	result, errs := Parse(v, []byte(doc))
	assert.Nil(t, result)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Message, `undefined local "y"`)
}
