package object

import (
	"fmt"
	"reflect"
	"strconv"
	"time"
)

// ConvOptions controls the scalar-level rendering used by the compact text
// form (§6.2); the XML wire form does not use it. It mirrors the source's
// ConvObjToString flags: whether absent/zero optional fields are emitted,
// whether the output favors compactness over readability, and whether
// values are rendered in "extended" (human-legible, e.g. RFC3339 times) or
// "compact" (minimal, e.g. epoch seconds) form.
type ConvOptions struct {
	// ExportWoNull omits nullable fields that are at their zero value
	// instead of emitting an explicit null/empty marker.
	ExportWoNull bool
	// Compact renders time.Time values as Unix seconds rather than the
	// more readable "extended" RFC3339 form; other scalars render the same
	// either way.
	Compact bool
	// Indent pretty-prints nested text form output with newlines and
	// indentation rather than a single packed line.
	Indent bool
}

// Scalar is implemented by leaf types needing custom to-string/from-string
// conversion beyond what ToStr/FromStr provide by reflection (the
// equivalent of a class supplying its own StrOutput/StrInput methods in the
// source model).
type Scalar interface {
	ToStr(opts ConvOptions) (string, error)
	FromStr(s string, opts ConvOptions) error
}

var scalarType = reflect.TypeOf((*Scalar)(nil)).Elem()

// ToStr renders a scalar reflect.Value (not a struct, not a slice) as its
// wire string form.
func ToStr(v reflect.Value, opts ConvOptions) (string, error) {
	if v.CanAddr() {
		if s, ok := v.Addr().Interface().(Scalar); ok {
			return s.ToStr(opts)
		}
	}
	if s, ok := v.Interface().(Scalar); ok {
		return s.ToStr(opts)
	}

	switch tv := v.Interface().(type) {
	case time.Time:
		if opts.Compact {
			return strconv.FormatInt(tv.Unix(), 10), nil
		}
		return tv.UTC().Format(time.RFC3339Nano), nil
	}

	switch v.Kind() {
	case reflect.String:
		return v.String(), nil
	case reflect.Bool:
		return strconv.FormatBool(v.Bool()), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(v.Int(), 10), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return strconv.FormatUint(v.Uint(), 10), nil
	case reflect.Float32:
		return strconv.FormatFloat(v.Float(), 'g', -1, 32), nil
	case reflect.Float64:
		return strconv.FormatFloat(v.Float(), 'g', -1, 64), nil
	case reflect.Slice:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return string(v.Bytes()), nil
		}
	}
	return "", fmt.Errorf("object: no scalar conversion for %s", v.Type())
}

// FromStr parses s into the addressable scalar reflect.Value v.
func FromStr(v reflect.Value, s string, opts ConvOptions) error {
	if v.CanAddr() {
		if sc, ok := v.Addr().Interface().(Scalar); ok {
			return sc.FromStr(s, opts)
		}
	}

	switch v.Interface().(type) {
	case time.Time:
		var t time.Time
		var err error
		if opts.Compact {
			var secs int64
			secs, err = strconv.ParseInt(s, 10, 64)
			if err == nil {
				t = time.Unix(secs, 0).UTC()
			}
		} else {
			t, err = time.Parse(time.RFC3339Nano, s)
		}
		if err != nil {
			return fmt.Errorf("object: parsing time %q: %w", s, err)
		}
		v.Set(reflect.ValueOf(t))
		return nil
	}

	switch v.Kind() {
	case reflect.String:
		v.SetString(s)
		return nil
	case reflect.Bool:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return err
		}
		v.SetBool(b)
		return nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(s, 10, v.Type().Bits())
		if err != nil {
			return err
		}
		v.SetInt(n)
		return nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(s, 10, v.Type().Bits())
		if err != nil {
			return err
		}
		v.SetUint(n)
		return nil
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(s, v.Type().Bits())
		if err != nil {
			return err
		}
		v.SetFloat(f)
		return nil
	case reflect.Slice:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			v.SetBytes([]byte(s))
			return nil
		}
	}
	return fmt.Errorf("object: no scalar conversion for %s", v.Type())
}

// isZero reports whether v holds its type's zero value, used together with
// ConvOptions.ExportWoNull to decide whether to skip a nullable field.
func isZero(v reflect.Value) bool {
	if v.Kind() == reflect.Slice {
		return v.Len() == 0
	}
	return v.IsZero()
}
