package relationships

import (
	"encoding/json"
	"fmt"
	"math"
	"unicode/utf8"

	"github.com/tidwall/gjson"
)

// Supported schema keywords: type, required, properties, items, enum,
// minimum, maximum, minLength, maxLength. Unknown keywords are ignored.

var schemaTypes = map[string]bool{
	"null": true, "boolean": true, "number": true, "integer": true,
	"string": true, "array": true, "object": true,
}

// CheckSchema rejects malformed schemas: a non-string or unknown type,
// or a non-array required or enum. An empty schema is valid.
func CheckSchema(schema map[string]any) error {
	if len(schema) == 0 {
		return nil
	}
	s, err := parse(schema)
	if err != nil {
		return err
	}
	return checkNode(s, "$")
}

func checkNode(s gjson.Result, path string) error {
	if !s.IsObject() {
		return fmt.Errorf("%s: schema must be an object", path)
	}
	if t := s.Get("type"); t.Exists() {
		if t.Type != gjson.String || !schemaTypes[t.String()] {
			return fmt.Errorf("%s: unsupported type %s", path, t.Raw)
		}
	}
	for _, key := range []string{"required", "enum"} {
		if v := s.Get(key); v.Exists() && !v.IsArray() {
			return fmt.Errorf("%s: %s must be an array", path, key)
		}
	}
	var err error
	s.Get("properties").ForEach(func(k, v gjson.Result) bool {
		err = checkNode(v, path+"."+k.String())
		return err == nil
	})
	if err != nil {
		return err
	}
	if items := s.Get("items"); items.Exists() {
		return checkNode(items, path+"[]")
	}
	return nil
}

// ValidateValue checks value against schema.
func ValidateValue(schema map[string]any, value any) error {
	if len(schema) == 0 {
		return nil
	}
	s, err := parse(schema)
	if err != nil {
		return err
	}
	v, err := parse(value)
	if err != nil {
		return err
	}
	return validate(s, v, "$")
}

func parse(v any) (gjson.Result, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("encode: %w", err)
	}
	return gjson.ParseBytes(raw), nil
}

func kindOf(v gjson.Result) string {
	switch {
	case v.Type == gjson.Null:
		return "null"
	case v.IsBool():
		return "boolean"
	case v.Type == gjson.Number:
		return "number"
	case v.Type == gjson.String:
		return "string"
	case v.IsArray():
		return "array"
	default:
		return "object"
	}
}

func validate(s, v gjson.Result, path string) error {
	if t := s.Get("type"); t.Exists() {
		want, got := t.String(), kindOf(v)
		switch {
		case want == got:
		case want == "integer" && got == "number" && v.Float() == math.Trunc(v.Float()):
		default:
			return fmt.Errorf("%s: expected %s, got %s", path, want, got)
		}
	}

	if req := s.Get("required"); req.Exists() {
		if !v.IsObject() {
			return fmt.Errorf("%s: required fields given but value is not an object", path)
		}
		for _, f := range req.Array() {
			if !v.Get(gjson.Escape(f.String())).Exists() {
				return fmt.Errorf("%s: missing required field %q", path, f.String())
			}
		}
	}

	if v.IsObject() {
		var err error
		s.Get("properties").ForEach(func(k, sub gjson.Result) bool {
			if pv := v.Get(gjson.Escape(k.String())); pv.Exists() {
				err = validate(sub, pv, path+"."+k.String())
			}
			return err == nil
		})
		if err != nil {
			return err
		}
	}

	if items := s.Get("items"); items.Exists() && v.IsArray() {
		for i, item := range v.Array() {
			if err := validate(items, item, fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
	}

	if enum := s.Get("enum"); enum.Exists() {
		found := false
		for _, e := range enum.Array() {
			if equalJSON(e, v) {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("%s: value %s is not one of %s", path, v.Raw, enum.Raw)
		}
	}

	if v.Type == gjson.Number {
		if min := s.Get("minimum"); min.Exists() && v.Float() < min.Float() {
			return fmt.Errorf("%s: %v is less than minimum %v", path, v.Float(), min.Float())
		}
		if max := s.Get("maximum"); max.Exists() && v.Float() > max.Float() {
			return fmt.Errorf("%s: %v is greater than maximum %v", path, v.Float(), max.Float())
		}
	}

	if v.Type == gjson.String {
		n := utf8.RuneCountInString(v.String())
		if min := s.Get("minLength"); min.Exists() && int64(n) < min.Int() {
			return fmt.Errorf("%s: length %d is less than minLength %d", path, n, min.Int())
		}
		if max := s.Get("maxLength"); max.Exists() && int64(n) > max.Int() {
			return fmt.Errorf("%s: length %d exceeds maxLength %d", path, n, max.Int())
		}
	}
	return nil
}

// equalJSON compares two values structurally; numbers compare by value.
func equalJSON(a, b gjson.Result) bool {
	if kindOf(a) != kindOf(b) {
		return false
	}
	switch a.Type {
	case gjson.Number:
		return a.Float() == b.Float()
	case gjson.String:
		return a.String() == b.String()
	case gjson.JSON:
		var x, y any
		if json.Unmarshal([]byte(a.Raw), &x) != nil || json.Unmarshal([]byte(b.Raw), &y) != nil {
			return false
		}
		xr, _ := json.Marshal(x)
		yr, _ := json.Marshal(y)
		return string(xr) == string(yr)
	}
	return true
}
