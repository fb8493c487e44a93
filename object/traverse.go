package object

import "reflect"

// Visitor receives callbacks as Traverse walks a Record's fields in
// declaration order. It is the reflective stand-in for the source's
// generated doCopy/traverse dispatch: rather than each type hand-writing a
// visit method, one generic walker drives any Visitor over any registered
// Record.
type Visitor interface {
	// Begin is called once before the first field of a (possibly nested)
	// record is visited.
	Begin(d *Descriptor)
	// End is called once after the last field of a record has been
	// visited, mirroring Begin.
	End(d *Descriptor)
	// Scalar is called for a single non-record, non-vector field.
	Scalar(f FieldDesc, v reflect.Value)
	// Record is called for a nested record-valued field; the visitor is
	// responsible for recursing via Traverse if it wants to descend.
	Record(f FieldDesc, v reflect.Value, nested Record)
	// VectorBegin/VectorElem/VectorEnd bracket a slice-valued field.
	VectorBegin(f FieldDesc, n int)
	VectorElem(f FieldDesc, i int, v reflect.Value)
	VectorEnd(f FieldDesc)
}

// Traverse walks r's fields in declaration order, invoking v's callbacks.
// Nested records are NOT descended into automatically: Visitor.Record is
// given the nested value and decides for itself whether to call Traverse
// again, the same way the source leaves subobject recursion to the
// visiting operation rather than the walker.
func Traverse(r Record, v Visitor) {
	d := Describe(r)
	rv := reflect.ValueOf(r)
	for rv.Kind() == reflect.Ptr {
		rv = rv.Elem()
	}

	v.Begin(d)
	for _, f := range d.Fields {
		fv := rv.Field(f.Index)

		if f.IsVector {
			v.VectorBegin(f, fv.Len())
			for i := 0; i < fv.Len(); i++ {
				elem := fv.Index(i)
				if f.IsRecord {
					if nested, ok := asRecord(elem); ok {
						v.Record(f, elem, nested)
						continue
					}
				}
				v.VectorElem(f, i, elem)
			}
			v.VectorEnd(f)
			continue
		}

		if f.IsRecord {
			if nested, ok := asRecord(fv); ok {
				v.Record(f, fv, nested)
				continue
			}
		}
		v.Scalar(f, fv)
	}
	v.End(d)
}

func asRecord(v reflect.Value) (Record, bool) {
	if v.CanAddr() {
		if r, ok := v.Addr().Interface().(Record); ok {
			return r, true
		}
	}
	if v.Kind() == reflect.Ptr && v.IsNil() {
		return nil, false
	}
	if r, ok := v.Interface().(Record); ok {
		return r, true
	}
	return nil, false
}

// KeyFields returns r's fields sorted by KeyPos (ascending, 1-based),
// skipping non-key fields. Used to build the identity/lookup key of a
// record the way the source's key() traversal does.
func KeyFields(r Record) []FieldDesc {
	d := Describe(r)
	var keys []FieldDesc
	for _, f := range d.Fields {
		if f.KeyPos > 0 {
			keys = append(keys, f)
		}
	}
	for i := 1; i < len(keys); i++ {
		j := i
		for j > 0 && keys[j-1].KeyPos > keys[j].KeyPos {
			keys[j-1], keys[j] = keys[j], keys[j-1]
			j--
		}
	}
	return keys
}
