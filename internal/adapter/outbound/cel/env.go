package cel

import (
	"path/filepath"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/ext"

	"github.com/agentward/agentward/internal/domain/policy"
)

// NewConditionEnvironment creates the CEL environment a denyWhen
// condition runs in. Variables:
//   - tool (string), args (map), risk (string), sandboxed (bool),
//     actor (string)
//
// Custom functions:
//   - glob(pattern, value): filepath-style glob match
//   - arg(args, key): argument lookup, null when absent
//   - arg_contains(args, substr): true if any string value contains substr
func NewConditionEnvironment() (*cel.Env, error) {
	return cel.NewEnv(
		ext.Strings(),
		ext.Sets(),

		cel.Variable("tool", cel.StringType),
		cel.Variable("args", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("risk", cel.StringType),
		cel.Variable("sandboxed", cel.BoolType),
		cel.Variable("actor", cel.StringType),

		cel.Function("glob",
			cel.Overload("glob_string_string",
				[]*cel.Type{cel.StringType, cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(func(pattern, value ref.Val) ref.Val {
					p := pattern.Value().(string)
					v := value.Value().(string)
					matched, _ := filepath.Match(p, v)
					return types.Bool(matched)
				}),
			),
		),

		cel.Function("arg",
			cel.Overload("arg_map_string",
				[]*cel.Type{cel.MapType(cel.StringType, cel.DynType), cel.StringType},
				cel.DynType,
				cel.BinaryBinding(func(mapVal, keyVal ref.Val) ref.Val {
					key := keyVal.Value().(string)
					if refMap, ok := mapVal.Value().(map[ref.Val]ref.Val); ok {
						if v, found := refMap[types.String(key)]; found {
							return v
						}
						return types.NullValue
					}
					if goMap, ok := mapVal.Value().(map[string]any); ok {
						if v, found := goMap[key]; found {
							return types.DefaultTypeAdapter.NativeToValue(v)
						}
					}
					return types.NullValue
				}),
			),
		),

		cel.Function("arg_contains",
			cel.Overload("arg_contains_map_string",
				[]*cel.Type{cel.MapType(cel.StringType, cel.DynType), cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(func(mapVal, substrVal ref.Val) ref.Val {
					substr := substrVal.Value().(string)
					if goMap, ok := mapVal.Value().(map[string]any); ok {
						for _, v := range goMap {
							if s, ok := v.(string); ok && strings.Contains(s, substr) {
								return types.Bool(true)
							}
						}
					}
					if refMap, ok := mapVal.Value().(map[ref.Val]ref.Val); ok {
						for _, v := range refMap {
							if s, ok := v.Value().(string); ok && strings.Contains(s, substr) {
								return types.Bool(true)
							}
						}
					}
					return types.Bool(false)
				}),
			),
		),
	)
}

// buildActivation maps a ConditionInput onto the environment's
// variables, substituting empty containers for nil so CEL never sees a
// null map.
func buildActivation(input policy.ConditionInput) map[string]any {
	args := input.Args
	if args == nil {
		args = map[string]any{}
	}
	return map[string]any{
		"tool":      input.Tool,
		"args":      args,
		"risk":      string(input.Risk),
		"sandboxed": input.Sandboxed,
		"actor":     input.Actor,
	}
}
