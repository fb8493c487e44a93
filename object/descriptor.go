// Package object implements the reflective object model the RPC engine
// serializes: named, traversable records of typed fields with per-field
// metadata (key ordinal, alt-name, attribute-vs-element, null permission,
// transparent-encryption marking), a process-global registry of types
// creatable by name, and the to-string/from-string scalar conversion used
// by the compact text form (the XML wire form goes through encoding/xml).
package object

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"sync"
)

// FieldDesc is the static metadata for one field of a record, parsed once
// from its `mrpc:"..."` struct tag and cached per type.
type FieldDesc struct {
	GoName   string // Go struct field name
	AltName  string // wire name override; empty means use GoName
	Index    int    // index into reflect.Type.Field
	KeyPos   int    // 1-based key ordinal; 0 means "not part of the key"
	Attr     bool   // serializes as an XML attribute rather than an element
	Nullable bool   // null/absent is a legal value
	Encrypt  bool   // this field's value is marked for transparent encryption
	IsVector bool   // field is a slice
	IsRecord bool   // field (or slice element) is itself a Record
}

// WireName returns the name this field is addressed by on the wire: the
// alt-name if one was set, otherwise the Go field name.
func (f FieldDesc) WireName() string {
	if f.AltName != "" {
		return f.AltName
	}
	return f.GoName
}

// Descriptor is the full per-type field table, the reflective analogue of
// the source's generated traverse() dispatch.
type Descriptor struct {
	Type   reflect.Type
	Name   string
	Fields []FieldDesc
}

// FieldByWireName returns the descriptor's field matching name (wire form),
// or ok=false if there is none.
func (d *Descriptor) FieldByWireName(name string) (FieldDesc, bool) {
	for _, f := range d.Fields {
		if f.WireName() == name {
			return f, true
		}
	}
	return FieldDesc{}, false
}

var (
	descMu    sync.Mutex
	descCache = map[reflect.Type]*Descriptor{}
)

// recordType is the interface used to detect that a struct (or slice
// element) field is itself a nested record rather than a plain scalar.
var recordType = reflect.TypeOf((*Record)(nil)).Elem()

// Describe builds (or returns the cached) Descriptor for the concrete type
// of r.
func Describe(r Record) *Descriptor {
	t := reflect.TypeOf(r)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	descMu.Lock()
	defer descMu.Unlock()
	if d, ok := descCache[t]; ok {
		return d
	}
	d := buildDescriptor(t, r.TypeName())
	descCache[t] = d
	return d
}

func buildDescriptor(t reflect.Type, name string) *Descriptor {
	d := &Descriptor{Type: t, Name: name}
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}
		tag, ok := sf.Tag.Lookup("mrpc")
		if ok && tag == "-" {
			continue
		}
		fd := parseTag(sf, tag)
		fd.Index = i
		fd.GoName = sf.Name

		ft := sf.Type
		if ft.Kind() == reflect.Slice && ft.Elem().Kind() != reflect.Uint8 {
			fd.IsVector = true
			ft = ft.Elem()
		}
		for ft.Kind() == reflect.Ptr {
			ft = ft.Elem()
		}
		if ft.Implements(recordType) || reflect.PointerTo(ft).Implements(recordType) {
			fd.IsRecord = true
		}
		d.Fields = append(d.Fields, fd)
	}
	return d
}

func parseTag(sf reflect.StructField, tag string) FieldDesc {
	var fd FieldDesc
	if tag == "" {
		return fd
	}
	parts := strings.Split(tag, ",")
	if len(parts) > 0 && parts[0] != "" {
		fd.AltName = parts[0]
	}
	for _, opt := range parts[1:] {
		switch {
		case opt == "attr":
			fd.Attr = true
		case opt == "null":
			fd.Nullable = true
		case opt == "encrypt":
			fd.Encrypt = true
		case strings.HasPrefix(opt, "key="):
			n, err := strconv.Atoi(strings.TrimPrefix(opt, "key="))
			if err == nil {
				fd.KeyPos = n
			}
		}
	}
	return fd
}

// String renders a descriptor for debugging.
func (d *Descriptor) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s{", d.Name)
	for i, f := range d.Fields {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%s", f.WireName())
		if f.KeyPos > 0 {
			fmt.Fprintf(&sb, "[key=%d]", f.KeyPos)
		}
	}
	sb.WriteString("}")
	return sb.String()
}
