package object

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type address struct {
	Street string `mrpc:"street"`
	City   string `mrpc:"city"`
}

func (*address) TypeName() string { return "TestAddress" }

type person struct {
	Name   string   `mrpc:"name,key=1"`
	Age    int      `mrpc:",null"`
	Emails []string `mrpc:"emails"`
	Home   address  `mrpc:"home"`
	Secret string   `mrpc:"secret,encrypt"`
}

func (*person) TypeName() string { return "TestPerson" }

func newPerson() Record { return &person{} }

func init() {
	if !Registered("TestPerson") {
		Register("TestPerson", newPerson)
	}
}

func TestDescribeParsesTags(t *testing.T) {
	p := &person{}
	d := Describe(p)
	assert.Equal(t, "TestPerson", d.Name)

	f, ok := d.FieldByWireName("name")
	require.True(t, ok)
	assert.Equal(t, 1, f.KeyPos)

	f, ok = d.FieldByWireName("Age")
	require.True(t, ok)
	assert.True(t, f.Nullable)

	f, ok = d.FieldByWireName("secret")
	require.True(t, ok)
	assert.True(t, f.Encrypt)

	f, ok = d.FieldByWireName("home")
	require.True(t, ok)
	assert.True(t, f.IsRecord)

	f, ok = d.FieldByWireName("emails")
	require.True(t, ok)
	assert.True(t, f.IsVector)
}

func TestRegistryCreateByName(t *testing.T) {
	r, ok := Create("TestPerson")
	require.True(t, ok)
	_, isPerson := r.(*person)
	assert.True(t, isPerson)

	_, ok = Create("NoSuchType")
	assert.False(t, ok)
}

type recordingVisitor struct {
	onScalar      func(f FieldDesc)
	onRecord      func(f FieldDesc)
	onVectorBegin func(f FieldDesc, n int)
}

func (v *recordingVisitor) Begin(d *Descriptor) {}
func (v *recordingVisitor) End(d *Descriptor)   {}

func (v *recordingVisitor) Scalar(f FieldDesc, val reflect.Value) {
	if v.onScalar != nil {
		v.onScalar(f)
	}
}

func (v *recordingVisitor) Record(f FieldDesc, val reflect.Value, nested Record) {
	if v.onRecord != nil {
		v.onRecord(f)
	}
}

func (v *recordingVisitor) VectorBegin(f FieldDesc, n int) {
	if v.onVectorBegin != nil {
		v.onVectorBegin(f, n)
	}
}

func (v *recordingVisitor) VectorElem(f FieldDesc, i int, val reflect.Value) {}
func (v *recordingVisitor) VectorEnd(f FieldDesc)                           {}

func TestTraverseVisitsAllFields(t *testing.T) {
	p := &person{
		Name:   "Ada",
		Age:    30,
		Emails: []string{"ada@example.com", "ada2@example.com"},
		Home:   address{Street: "1 Main St", City: "London"},
		Secret: "s3cr3t",
	}

	var scalarNames []string
	var recordNames []string
	var vectorLens []int

	v := &recordingVisitor{
		onScalar: func(f FieldDesc) { scalarNames = append(scalarNames, f.WireName()) },
		onRecord: func(f FieldDesc) { recordNames = append(recordNames, f.WireName()) },
		onVectorBegin: func(f FieldDesc, n int) { vectorLens = append(vectorLens, n) },
	}
	Traverse(p, v)

	assert.Contains(t, scalarNames, "name")
	assert.Contains(t, scalarNames, "Age")
	assert.Contains(t, scalarNames, "secret")
	assert.Contains(t, recordNames, "home")
	assert.Equal(t, []int{2}, vectorLens)
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	p := &person{
		Name:   "Grace",
		Age:    85,
		Emails: []string{"grace@example.com"},
		Home:   address{Street: "Navy Yard", City: "DC"},
		Secret: "hidden",
	}

	text, err := Marshal(p, ConvOptions{})
	require.NoError(t, err)

	var out person
	require.NoError(t, Unmarshal(text, &out))

	assert.Equal(t, p.Name, out.Name)
	assert.Equal(t, p.Age, out.Age)
	assert.Equal(t, p.Emails, out.Emails)
	assert.Equal(t, p.Home, out.Home)
	assert.Equal(t, p.Secret, out.Secret)
}

func TestMarshalExportWoNullOmitsZeroNullable(t *testing.T) {
	p := &person{Name: "Empty"}
	text, err := Marshal(p, ConvOptions{ExportWoNull: true})
	require.NoError(t, err)
	assert.NotContains(t, text, "Age:")
}

func TestKeyFieldsOrdering(t *testing.T) {
	p := &person{Name: "Ada"}
	keys := KeyFields(p)
	require.Len(t, keys, 1)
	assert.Equal(t, "name", keys[0].WireName())
}
