package registry

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// BuildArgs converts caller-supplied parameter values into command-line flags
// for a stage script, applying the declared parameter schema:
//
//   - unknown parameters are dropped with a warning;
//   - numbers are clamped into the declared [min, max] range;
//   - invalid select options reject the stage before launch;
//   - boolean_checkbox parameters emit a bare flag when truthy;
//   - target_column parameters require a non-empty string.
//
// Flags are emitted in declared parameter order so the resulting argv is
// deterministic regardless of map iteration order.
func BuildArgs(def *Definition, params map[string]any) (args []string, warnings []string, err error) {
	declared := make(map[string]bool, len(def.Parameters))
	for _, p := range def.Parameters {
		declared[p.Name] = true
	}
	for key := range params {
		if !declared[key] {
			warnings = append(warnings, fmt.Sprintf("dropping unknown parameter %q", key))
		}
	}

	for _, p := range def.Parameters {
		value, ok := params[p.Name]
		if !ok {
			continue
		}

		if value == nil {
			if p.Type == ParamBoolean {
				continue // unchecked box
			}
			if p.Default != nil && !p.AllowEmpty {
				warnings = append(warnings, fmt.Sprintf("skipping null value for parameter %q", p.Name))
				continue
			}
			continue
		}

		switch p.Type {
		case ParamNumber:
			f, convErr := toFloat(value)
			if convErr != nil {
				return nil, warnings, fmt.Errorf("parameter %q: %w", p.Name, convErr)
			}
			if p.Min != nil && f < *p.Min {
				warnings = append(warnings, fmt.Sprintf("clamping parameter %q to minimum %v", p.Name, *p.Min))
				f = *p.Min
			}
			if p.Max != nil && f > *p.Max {
				warnings = append(warnings, fmt.Sprintf("clamping parameter %q to maximum %v", p.Name, *p.Max))
				f = *p.Max
			}
			args = append(args, "--"+p.Name, strconv.FormatFloat(f, 'f', -1, 64))

		case ParamSelect:
			s := fmt.Sprint(value)
			valid := false
			for _, opt := range p.Options {
				if fmt.Sprint(opt) == s {
					valid = true
					break
				}
			}
			if !valid {
				return nil, warnings, fmt.Errorf("parameter %q: invalid option %q (allowed: %v)", p.Name, s, p.Options)
			}
			args = append(args, "--"+p.Name, s)

		case ParamBoolean:
			if truthy(value) {
				args = append(args, "--"+p.Name)
			}

		case ParamTargetColumn:
			s, isStr := value.(string)
			if !isStr || s == "" {
				return nil, warnings, fmt.Errorf("parameter %q: target column must be a non-empty string", p.Name)
			}
			args = append(args, "--"+p.Name, s)

		default: // text and anything declared but untyped
			s := fmt.Sprint(value)
			if s == "" && !p.AllowEmpty {
				warnings = append(warnings, fmt.Sprintf("skipping empty value for parameter %q", p.Name))
				continue
			}
			args = append(args, "--"+p.Name, s)
		}
	}

	return args, warnings, nil
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, fmt.Errorf("not a number: %q", n)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("not a number: %v", v)
	}
}

func truthy(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		return b == "true" || b == "1" || b == "on"
	case float64:
		return b != 0
	default:
		return false
	}
}
