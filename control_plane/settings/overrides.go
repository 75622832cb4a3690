package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Override replaces a setting value locally on the client.
type Override struct {
	Name  string
	Value Value
}

// OverrideReader finds local overrides for a client's settings.
type OverrideReader interface {
	ReadOverrides(clientName string, defs []*Definition) ([]Override, error)
}

// EnvOverrideReader reads overrides from variables named "{client}:{setting}".
type EnvOverrideReader struct {
	// Environ lists KEY=VALUE pairs. Defaults to os.Environ.
	Environ func() []string
}

func NewEnvOverrideReader() *EnvOverrideReader {
	return &EnvOverrideReader{Environ: os.Environ}
}

func (r *EnvOverrideReader) ReadOverrides(clientName string, defs []*Definition) ([]Override, error) {
	environ := r.Environ
	if environ == nil {
		environ = os.Environ
	}

	byKey := make(map[string]*Definition, len(defs))
	for _, d := range defs {
		byKey[clientName+":"+d.Name] = d
	}

	var overrides []Override
	for _, kv := range environ() {
		key, raw, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		def, ok := byKey[key]
		if !ok {
			continue
		}
		v, err := ParseValue(def.ValueType, raw)
		if err != nil {
			return nil, fmt.Errorf("override %s: %w", key, withSetting(err, def.Name))
		}
		overrides = append(overrides, Override{Name: def.Name, Value: v})
	}
	return overrides, nil
}

// ParseValue converts a plain text representation into a Value of type t.
// Scalars use their natural text form, string lists accept comma separated
// items, and the remaining shapes take the JSON payload used on the wire.
func ParseValue(t ValueType, raw string) (Value, error) {
	malformed := func(err error) (Value, error) {
		return nil, &MalformedValueError{Expected: t, Err: err}
	}
	switch t {
	case TypeString:
		return StringValue(raw), nil
	case TypeInt:
		i, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return malformed(err)
		}
		return IntValue(i), nil
	case TypeDouble:
		f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return malformed(err)
		}
		return DoubleValue(f), nil
	case TypeBool:
		b, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			return malformed(err)
		}
		return BoolValue(b), nil
	case TypeDateTime:
		ts, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(raw))
		if err != nil {
			return malformed(err)
		}
		return NewDateTime(ts), nil
	case TypeTimeSpan:
		d, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			return malformed(err)
		}
		return TimeSpanValue(d), nil
	case TypeStringList:
		trimmed := strings.TrimSpace(raw)
		if strings.HasPrefix(trimmed, "[") {
			return Decode(WireValue{Value: json.RawMessage(trimmed)}, t)
		}
		if trimmed == "" {
			return StringListValue{}, nil
		}
		parts := strings.Split(trimmed, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return StringListValue(parts), nil
	case TypeKeyValueList, TypeObjectList, TypeDataGrid:
		return Decode(WireValue{Value: json.RawMessage(raw)}, t)
	}
	return malformed(fmt.Errorf("unknown value type %q", t))
}
