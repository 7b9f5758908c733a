package service

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/pesio-ai/be-plt-approvals/internal/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

// ValidateFormData checks data against the template's field descriptors.
// Required fields must carry a non-empty value; any value that is present is
// checked against its field kind. All problems are reported together in one
// validation error. Keys without a descriptor are left alone.
func ValidateFormData(fields []repository.FieldDescriptor, data map[string]any) error {
	var (
		missing []string
		invalid []string
	)

	for _, f := range fields {
		label := f.Label
		if label == "" {
			label = f.Name
		}

		v, present := data[f.Name]
		if !present || isEmptyValue(v) {
			if f.Required {
				missing = append(missing, label)
			}
			continue
		}

		if msg := checkKind(f, v); msg != "" {
			invalid = append(invalid, fmt.Sprintf("%s: %s", label, msg))
		}
	}

	if len(missing) == 0 && len(invalid) == 0 {
		return nil
	}

	details := make([]string, 0, len(missing)+len(invalid))
	for _, label := range missing {
		details = append(details, fmt.Sprintf("%s is required", label))
	}
	details = append(details, invalid...)

	if len(invalid) == 0 {
		return errors.Validation("missing required fields", details...)
	}
	return errors.Validation("form data is invalid", details...)
}

// isEmptyValue treats nil, blank strings and empty collections as empty.
// Booleans and numbers are never empty.
func isEmptyValue(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		return rv.Len() == 0
	}
	return false
}

func checkKind(f repository.FieldDescriptor, v any) string {
	switch f.Kind {
	case repository.FieldNumber:
		if !isNumeric(v) {
			return "must be a number"
		}
	case repository.FieldDate:
		s, ok := v.(string)
		if !ok {
			return "must be a date (YYYY-MM-DD)"
		}
		if _, err := time.Parse("2006-01-02", s); err != nil {
			return "must be a date (YYYY-MM-DD)"
		}
	case repository.FieldDateTime:
		s, ok := v.(string)
		if !ok {
			return "must be an RFC 3339 timestamp"
		}
		if _, err := time.Parse(time.RFC3339, s); err != nil {
			return "must be an RFC 3339 timestamp"
		}
	case repository.FieldCheckbox:
		if _, ok := v.(bool); !ok {
			return "must be true or false"
		}
	case repository.FieldSelect:
		s, ok := v.(string)
		if !ok {
			return "must be one of the listed options"
		}
		if len(f.Options) > 0 && !lo.Contains(f.Options, s) {
			return fmt.Sprintf("%q is not one of the listed options", s)
		}
	case repository.FieldMultiSelect:
		values, ok := stringList(v)
		if !ok {
			return "must be a list of options"
		}
		if len(f.Options) > 0 {
			if bad, found := lo.Find(values, func(s string) bool { return !lo.Contains(f.Options, s) }); found {
				return fmt.Sprintf("%q is not one of the listed options", bad)
			}
		}
	}
	return ""
}

func isNumeric(v any) bool {
	switch n := v.(type) {
	case float64, float32, int, int32, int64, uint, uint32, uint64:
		return true
	case json.Number:
		_, err := n.Float64()
		return err == nil
	case string:
		_, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return err == nil
	}
	return false
}

func stringList(v any) ([]string, bool) {
	switch list := v.(type) {
	case []string:
		return list, true
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}
	return nil, false
}
