package kaitaistruct

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/kaitai-io/kaitai_struct_go_runtime/kaitai"
)

// ProcessFunc transforms the raw bytes of a field. args holds the evaluated
// arguments of the process call, e.g. the key of xor(key).
type ProcessFunc func(data []byte, args []any) ([]byte, error)

// ProcessRegistry maps process routine names to their implementations.
type ProcessRegistry struct {
	functions map[string]ProcessFunc
}

// NewProcessRegistry creates a registry holding the standard routines:
// xor, zlib, rol and ror.
func NewProcessRegistry() *ProcessRegistry {
	registry := &ProcessRegistry{
		functions: make(map[string]ProcessFunc),
	}
	registry.Register("xor", processXOR)
	registry.Register("zlib", processZlib)
	registry.Register("rol", processRotateLeft)
	registry.Register("ror", processRotateRight)
	return registry
}

// Register adds or replaces a process routine.
func (r *ProcessRegistry) Register(name string, fn ProcessFunc) {
	r.functions[name] = fn
}

// Get looks up a process routine by name.
func (r *ProcessRegistry) Get(name string) (ProcessFunc, bool) {
	fn, exists := r.functions[name]
	return fn, exists
}

// process applies a process spec such as "xor(0x5f)", "rol(3)" or "zlib".
// Arguments that are not literals are evaluated as expressions in sc.
func (k *Interpreter) process(data []byte, spec string, sc *scope, extra map[string]any) ([]byte, error) {
	name, rawArgs, err := parseProcessSpec(spec)
	if err != nil {
		return nil, err
	}
	fn, ok := k.processes.Get(name)
	if !ok {
		return nil, fmt.Errorf("unknown process function: %s", name)
	}

	args := make([]any, len(rawArgs))
	for i, raw := range rawArgs {
		if v, ok := parseLiteral(raw); ok {
			args[i] = v
			continue
		}
		v, err := k.exprs.Evaluate(raw, sc.vars(extra))
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		args[i] = v
	}
	return fn(data, args)
}

// parseProcessSpec splits "name(arg, ...)" into the name and raw argument
// strings. Commas inside brackets do not separate arguments.
func parseProcessSpec(spec string) (string, []string, error) {
	spec = strings.TrimSpace(spec)
	open := strings.Index(spec, "(")
	if open == -1 {
		if spec == "" {
			return "", nil, fmt.Errorf("empty process specification")
		}
		return spec, nil, nil
	}
	if !strings.HasSuffix(spec, ")") {
		return "", nil, fmt.Errorf("invalid process format: %s", spec)
	}

	name := strings.TrimSpace(spec[:open])
	body := strings.TrimSpace(spec[open+1 : len(spec)-1])
	if body == "" {
		return name, nil, nil
	}

	var args []string
	depth, start := 0, 0
	for i, c := range body {
		switch c {
		case '[', '(':
			depth++
		case ']', ')':
			depth--
		case ',':
			if depth == 0 {
				args = append(args, strings.TrimSpace(body[start:i]))
				start = i + 1
			}
		}
	}
	args = append(args, strings.TrimSpace(body[start:]))
	return name, args, nil
}

// parseLiteral recognises integer literals and bracketed lists of them.
func parseLiteral(s string) (any, bool) {
	if strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]") {
		var items []any
		for part := range strings.SplitSeq(s[1:len(s)-1], ",") {
			v, ok := parseLiteral(strings.TrimSpace(part))
			if !ok {
				return nil, false
			}
			items = append(items, v)
		}
		return items, true
	}
	v, err := strconv.ParseInt(strings.ReplaceAll(s, "_", ""), 0, 64)
	if err != nil {
		return nil, false
	}
	return v, true
}

// keyBytes converts an xor key argument to bytes.
func keyBytes(arg any) ([]byte, error) {
	switch v := arg.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	case []any:
		out := make([]byte, len(v))
		for i, item := range v {
			b, err := keyBytes(item)
			if err != nil || len(b) != 1 {
				return nil, fmt.Errorf("invalid xor key element %d: %v", i, item)
			}
			out[i] = b[0]
		}
		return out, nil
	case int64:
		return []byte{byte(v)}, nil
	case uint64:
		return []byte{byte(v)}, nil
	default:
		return nil, fmt.Errorf("invalid xor key type: %T", arg)
	}
}

func processXOR(data []byte, args []any) ([]byte, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("xor process requires exactly one parameter")
	}
	key, err := keyBytes(args[0])
	if err != nil {
		return nil, err
	}
	if len(key) == 0 {
		return nil, fmt.Errorf("xor key is empty")
	}
	return kaitai.ProcessXOR(data, key), nil
}

func processZlib(data []byte, _ []any) ([]byte, error) {
	return kaitai.ProcessZlib(data)
}

func rotateAmount(name string, args []any) (int, error) {
	if len(args) != 1 {
		return 0, fmt.Errorf("%s process requires exactly one parameter", name)
	}
	switch v := args[0].(type) {
	case int64:
		return int(v), nil
	case uint64:
		return int(v), nil
	default:
		return 0, fmt.Errorf("invalid %s amount type: %T", name, args[0])
	}
}

func processRotateLeft(data []byte, args []any) ([]byte, error) {
	amount, err := rotateAmount("rol", args)
	if err != nil {
		return nil, err
	}
	return kaitai.ProcessRotateLeft(data, amount), nil
}

func processRotateRight(data []byte, args []any) ([]byte, error) {
	amount, err := rotateAmount("ror", args)
	if err != nil {
		return nil, err
	}
	return kaitai.ProcessRotateRight(data, amount), nil
}
