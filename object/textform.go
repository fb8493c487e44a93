package object

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// textVisitor renders a Record to the compact text form (§6.2): a
// JSON-like syntax using unquoted field names, `{}` for records and `[]`
// for vectors, differing from plain JSON only in that keys are bare words
// rather than quoted strings, matching the source's "lean" text dump.
type textVisitor struct {
	sb     *strings.Builder
	opts   ConvOptions
	depth  int
	err    error
	needed bool // true once a sibling has been emitted and a separator is due
}

// Marshal renders r in the compact text form described by §6.2.
func Marshal(r Record, opts ConvOptions) (string, error) {
	var sb strings.Builder
	tv := &textVisitor{sb: &sb, opts: opts}
	tv.writeRecord(r)
	if tv.err != nil {
		return "", tv.err
	}
	return sb.String(), nil
}

func (tv *textVisitor) writeRecord(r Record) {
	if tv.err != nil {
		return
	}
	tv.sb.WriteByte('{')
	tv.needed = false
	Traverse(r, tv)
	tv.sb.WriteByte('}')
}

func (tv *textVisitor) indent() {
	if !tv.opts.Indent {
		return
	}
	tv.sb.WriteByte('\n')
	for i := 0; i < tv.depth; i++ {
		tv.sb.WriteString("  ")
	}
}

func (tv *textVisitor) sep() {
	if tv.needed {
		tv.sb.WriteByte(',')
	}
	tv.needed = true
	tv.indent()
}

func (tv *textVisitor) Begin(d *Descriptor) { tv.depth++ }
func (tv *textVisitor) End(d *Descriptor)    { tv.depth--; tv.indent() }

func (tv *textVisitor) Scalar(f FieldDesc, v reflect.Value) {
	if tv.opts.ExportWoNull && f.Nullable && isZero(v) {
		return
	}
	s, err := ToStr(v, tv.opts)
	if err != nil {
		tv.err = err
		return
	}
	tv.sep()
	fmt.Fprintf(tv.sb, "%s:%s", f.WireName(), quoteIfNeeded(v, s))
}

func (tv *textVisitor) Record(f FieldDesc, v reflect.Value, nested Record) {
	if f.IsVector {
		if tv.needed {
			tv.sb.WriteByte(',')
		}
		tv.writeRecord(nested)
		tv.needed = true
		return
	}
	tv.sep()
	fmt.Fprintf(tv.sb, "%s:", f.WireName())
	tv.writeRecord(nested)
}

func (tv *textVisitor) VectorBegin(f FieldDesc, n int) {
	tv.sep()
	fmt.Fprintf(tv.sb, "%s:[", f.WireName())
	tv.needed = false
}

func (tv *textVisitor) VectorElem(f FieldDesc, i int, v reflect.Value) {
	s, err := ToStr(v, tv.opts)
	if err != nil {
		tv.err = err
		return
	}
	if tv.needed {
		tv.sb.WriteByte(',')
	}
	tv.needed = true
	tv.sb.WriteString(quoteIfNeeded(v, s))
}

func (tv *textVisitor) VectorEnd(f FieldDesc) {
	tv.sb.WriteByte(']')
	tv.needed = true
}

func quoteIfNeeded(v reflect.Value, s string) string {
	switch v.Kind() {
	case reflect.String:
		return strconv.Quote(s)
	}
	if _, ok := v.Interface().(fmt.Stringer); ok {
		return strconv.Quote(s)
	}
	return s
}

// Unmarshal parses the compact text form produced by Marshal into r, whose
// concrete type must already match the encoded record (the caller is
// expected to have used the `"$type"`-less wire convention: the element
// name carried the type on the XML side, and in bare text-form use the
// caller already knows what it asked for).
func Unmarshal(s string, r Record) error {
	p := &textParser{s: s}
	p.skipSpace()
	if err := p.parseRecordInto(r); err != nil {
		return fmt.Errorf("object: unmarshal: %w", err)
	}
	return nil
}

type textParser struct {
	s   string
	pos int
}

func (p *textParser) skipSpace() {
	for p.pos < len(p.s) {
		switch p.s[p.pos] {
		case ' ', '\t', '\n', '\r', ',':
			p.pos++
		default:
			return
		}
	}
}

func (p *textParser) peek() (byte, bool) {
	if p.pos >= len(p.s) {
		return 0, false
	}
	return p.s[p.pos], true
}

func (p *textParser) expect(c byte) error {
	p.skipSpace()
	b, ok := p.peek()
	if !ok || b != c {
		return fmt.Errorf("expected %q at offset %d", c, p.pos)
	}
	p.pos++
	return nil
}

func (p *textParser) parseRecordInto(r Record) error {
	if err := p.expect('{'); err != nil {
		return err
	}
	d := Describe(r)
	rv := reflect.ValueOf(r)
	for rv.Kind() == reflect.Ptr {
		rv = rv.Elem()
	}

	p.skipSpace()
	for {
		p.skipSpace()
		if b, ok := p.peek(); ok && b == '}' {
			p.pos++
			return nil
		}
		key, err := p.parseKey()
		if err != nil {
			return err
		}
		if err := p.expect(':'); err != nil {
			return err
		}
		f, ok := d.FieldByWireName(key)
		if !ok {
			if err := p.skipValue(); err != nil {
				return err
			}
			continue
		}
		fv := rv.Field(f.Index)
		if err := p.parseValueInto(f, fv); err != nil {
			return err
		}
		p.skipSpace()
	}
}

func (p *textParser) parseKey() (string, error) {
	p.skipSpace()
	if b, ok := p.peek(); ok && b == '"' {
		return p.parseQuoted()
	}
	start := p.pos
	for p.pos < len(p.s) {
		c := p.s[p.pos]
		if c == ':' || c == ' ' || c == '\t' || c == '\n' || c == '\r' {
			break
		}
		p.pos++
	}
	if start == p.pos {
		return "", fmt.Errorf("expected field name at offset %d", start)
	}
	return p.s[start:p.pos], nil
}

func (p *textParser) parseValueInto(f FieldDesc, fv reflect.Value) error {
	p.skipSpace()
	b, ok := p.peek()
	if !ok {
		return fmt.Errorf("unexpected end of input")
	}

	if f.IsVector {
		if b != '[' {
			return fmt.Errorf("expected '[' for vector field %s", f.WireName())
		}
		p.pos++
		elemType := fv.Type().Elem()
		out := reflect.MakeSlice(fv.Type(), 0, 0)
		p.skipSpace()
		for {
			p.skipSpace()
			if c, ok := p.peek(); ok && c == ']' {
				p.pos++
				break
			}
			elem := reflect.New(elemType).Elem()
			if f.IsRecord {
				nested, ok := asRecord(elem)
				if !ok {
					return fmt.Errorf("vector field %s element does not implement Record", f.WireName())
				}
				if err := p.parseRecordInto(nested); err != nil {
					return err
				}
			} else {
				s, err := p.parseScalarToken()
				if err != nil {
					return err
				}
				if err := FromStr(elem, s, ConvOptions{}); err != nil {
					return err
				}
			}
			out = reflect.Append(out, elem)
			p.skipSpace()
		}
		fv.Set(out)
		return nil
	}

	if f.IsRecord {
		if fv.Kind() == reflect.Ptr && fv.IsNil() {
			fv.Set(reflect.New(fv.Type().Elem()))
		}
		nested, ok := asRecord(fv)
		if !ok {
			return fmt.Errorf("field %s does not implement Record", f.WireName())
		}
		return p.parseRecordInto(nested)
	}

	s, err := p.parseScalarToken()
	if err != nil {
		return err
	}
	return FromStr(fv, s, ConvOptions{})
}

func (p *textParser) parseScalarToken() (string, error) {
	p.skipSpace()
	b, ok := p.peek()
	if !ok {
		return "", fmt.Errorf("unexpected end of input")
	}
	if b == '"' {
		return p.parseQuoted()
	}
	start := p.pos
	for p.pos < len(p.s) {
		c := p.s[p.pos]
		if c == ',' || c == '}' || c == ']' {
			break
		}
		p.pos++
	}
	return strings.TrimSpace(p.s[start:p.pos]), nil
}

func (p *textParser) parseQuoted() (string, error) {
	if err := p.expect('"'); err != nil {
		return "", err
	}
	var sb strings.Builder
	for {
		if p.pos >= len(p.s) {
			return "", fmt.Errorf("unterminated string")
		}
		c := p.s[p.pos]
		if c == '"' {
			p.pos++
			return sb.String(), nil
		}
		if c == '\\' && p.pos+1 < len(p.s) {
			p.pos++
			switch p.s[p.pos] {
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			default:
				sb.WriteByte(p.s[p.pos])
			}
			p.pos++
			continue
		}
		sb.WriteByte(c)
		p.pos++
	}
}

func (p *textParser) skipValue() error {
	p.skipSpace()
	b, ok := p.peek()
	if !ok {
		return fmt.Errorf("unexpected end of input")
	}
	switch b {
	case '{':
		depth := 0
		for p.pos < len(p.s) {
			switch p.s[p.pos] {
			case '{':
				depth++
			case '}':
				depth--
				if depth == 0 {
					p.pos++
					return nil
				}
			}
			p.pos++
		}
		return fmt.Errorf("unterminated object")
	case '[':
		depth := 0
		for p.pos < len(p.s) {
			switch p.s[p.pos] {
			case '[':
				depth++
			case ']':
				depth--
				if depth == 0 {
					p.pos++
					return nil
				}
			}
			p.pos++
		}
		return fmt.Errorf("unterminated array")
	case '"':
		_, err := p.parseQuoted()
		return err
	default:
		_, err := p.parseScalarToken()
		return err
	}
}
