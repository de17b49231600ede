package parser_test

import (
	"strings"
	"testing"

	"github.com/hazyhaar/dsprof/fault"
	"github.com/hazyhaar/dsprof/parser"
)

func mustParse(t *testing.T, contentType, payload string) []parser.Row {
	t.Helper()
	rows, err := parser.Parse(contentType, []byte(payload), parser.DefaultLimits)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return rows
}

func field(t *testing.T, row parser.Row, name string) parser.Value {
	t.Helper()
	for _, c := range row {
		if c.Field == name {
			return c.Value
		}
	}
	t.Fatalf("field %q not in row %v", name, row)
	return parser.Value{}
}

func TestCSVBasic(t *testing.T) {
	rows := mustParse(t, parser.ContentTypeCSV, "id,region,total\n1,n,10\n2,s,20\n3,s,30\n")
	if len(rows) != 3 {
		t.Fatalf("got %d rows, want 3", len(rows))
	}
	v := field(t, rows[0], "region")
	if v.Kind != parser.String || v.Str != "n" {
		t.Fatalf("got %+v", v)
	}
	if n, ok := field(t, rows[2], "total").AsNumber(); !ok || n != 30 {
		t.Fatalf("total = %v %v, want 30", n, ok)
	}
}

func TestCSVBOM(t *testing.T) {
	rows := mustParse(t, parser.ContentTypeCSV, "\xEF\xBB\xBFa,b\n1,2\n")
	if got := rows[0][0].Field; got != "a" {
		t.Fatalf("BOM leaked into header: %q", got)
	}
}

func TestCSVShortAndExtraColumns(t *testing.T) {
	rows := mustParse(t, parser.ContentTypeCSV, "a,b\n1\n1,2,3\n")

	short := rows[0]
	if len(short) != 2 {
		t.Fatalf("short row has %d cells, want 2", len(short))
	}
	if v := field(t, short, "b"); v.Str != "" {
		t.Fatalf("missing cell should be empty, got %q", v.Str)
	}

	long := rows[1]
	if len(long) != 3 {
		t.Fatalf("long row has %d cells, want 3", len(long))
	}
	if v := field(t, long, "column_2"); v.Str != "3" {
		t.Fatalf("extra cell = %q, want 3", v.Str)
	}
}

func TestCSVEmptyPayload(t *testing.T) {
	_, err := parser.Parse(parser.ContentTypeCSV, nil, parser.DefaultLimits)
	if fault.KindOf(err) != fault.InvalidPayload {
		t.Fatalf("got %v, want InvalidPayload", err)
	}
}

func TestCSVHeaderOnly(t *testing.T) {
	rows := mustParse(t, parser.ContentTypeCSV, "a,b\n")
	if len(rows) != 0 {
		t.Fatalf("got %d rows, want 0", len(rows))
	}
}

func TestJSONBasic(t *testing.T) {
	rows := mustParse(t, parser.ContentTypeJSON, `[{"id":1,"name":"x","ok":true,"note":null}]`)
	if len(rows) != 1 {
		t.Fatalf("got %d rows", len(rows))
	}
	if v := field(t, rows[0], "id"); v.Kind != parser.Number || v.Num != 1 {
		t.Fatalf("id = %+v", v)
	}
	if v := field(t, rows[0], "ok"); v.Kind != parser.Bool || !v.Bool {
		t.Fatalf("ok = %+v", v)
	}
	if v := field(t, rows[0], "note"); !v.IsNull() {
		t.Fatalf("note should be null, got %+v", v)
	}
}

func TestJSONPreservesFieldOrder(t *testing.T) {
	rows := mustParse(t, parser.ContentTypeJSON, `[{"z":1,"a":2,"m":3}]`)
	want := []string{"z", "a", "m"}
	for i, c := range rows[0] {
		if c.Field != want[i] {
			t.Fatalf("field[%d] = %q, want %q", i, c.Field, want[i])
		}
	}
}

func TestJSONNestedIsOther(t *testing.T) {
	rows := mustParse(t, parser.ContentTypeJSON, `[{"meta": {"a": 1}, "tags": [1, 2]}]`)
	if v := field(t, rows[0], "meta"); v.Kind != parser.Other || v.Str != `{"a":1}` {
		t.Fatalf("meta = %+v", v)
	}
	if _, ok := field(t, rows[0], "tags").AsNumber(); ok {
		t.Fatal("array must not coerce to number")
	}
}

func TestJSONRejectsNonArray(t *testing.T) {
	for _, payload := range []string{
		`{"id":1,"total":100}`,
		`"hello"`,
		`42`,
		`[1,2,3]`,
		`[{"a":1},"x"]`,
		`[{"a":1}] trailing`,
		`[{"a":1}`,
		`not json`,
	} {
		_, err := parser.Parse(parser.ContentTypeJSON, []byte(payload), parser.DefaultLimits)
		if fault.KindOf(err) != fault.InvalidPayload {
			t.Errorf("payload %q: got %v, want InvalidPayload", payload, err)
		}
	}
}

func TestInvalidUTF8(t *testing.T) {
	_, err := parser.Parse(parser.ContentTypeCSV, []byte("a,b\n\xff\xfe,1\n"), parser.DefaultLimits)
	if fault.KindOf(err) != fault.InvalidPayload {
		t.Fatalf("got %v, want InvalidPayload", err)
	}
}

func TestUnsupportedContentType(t *testing.T) {
	_, err := parser.Parse("application/xml", []byte("<x/>"), parser.DefaultLimits)
	if fault.KindOf(err) != fault.InvalidPayload {
		t.Fatalf("got %v, want InvalidPayload", err)
	}
}

func TestRowCap(t *testing.T) {
	var b strings.Builder
	b.WriteString("a\n")
	for i := 0; i < 11; i++ {
		b.WriteString("1\n")
	}
	_, err := parser.Parse(parser.ContentTypeCSV, []byte(b.String()), parser.Limits{MaxRows: 10})
	if fault.KindOf(err) != fault.InvalidPayload {
		t.Fatalf("got %v, want InvalidPayload", err)
	}
}

func TestByteCap(t *testing.T) {
	_, err := parser.Parse(parser.ContentTypeCSV, []byte("a\n1\n"), parser.Limits{MaxBytes: 2})
	if fault.KindOf(err) != fault.InvalidPayload {
		t.Fatalf("got %v, want InvalidPayload", err)
	}
}

func TestAsNumber(t *testing.T) {
	cases := []struct {
		v    parser.Value
		want float64
		ok   bool
	}{
		{parser.Value{Kind: parser.String, Str: "10"}, 10, true},
		{parser.Value{Kind: parser.String, Str: " 1.5 "}, 1.5, true},
		{parser.Value{Kind: parser.String, Str: "1e3"}, 1000, true},
		{parser.Value{Kind: parser.String, Str: "abc"}, 0, false},
		{parser.Value{Kind: parser.String, Str: ""}, 0, false},
		{parser.Value{Kind: parser.Number, Num: 2.5}, 2.5, true},
		{parser.Value{Kind: parser.Bool, Bool: true}, 0, false},
		{parser.Value{Kind: parser.Null}, 0, false},
	}
	for _, c := range cases {
		got, ok := c.v.AsNumber()
		if ok != c.ok || got != c.want {
			t.Errorf("AsNumber(%+v) = %v,%v want %v,%v", c.v, got, ok, c.want, c.ok)
		}
	}
}

func TestCanonicalKeyOrderIndependent(t *testing.T) {
	a := parser.Row{
		{Field: "x", Value: parser.Value{Kind: parser.Number, Num: 1}},
		{Field: "y", Value: parser.Value{Kind: parser.String, Str: "s"}},
	}
	b := parser.Row{
		{Field: "y", Value: parser.Value{Kind: parser.String, Str: "s"}},
		{Field: "x", Value: parser.Value{Kind: parser.Number, Num: 1}},
	}
	if a.CanonicalKey() != b.CanonicalKey() {
		t.Fatal("keys differ for reordered fields")
	}

	c := parser.Row{
		{Field: "x", Value: parser.Value{Kind: parser.Number, Num: 2}},
		{Field: "y", Value: parser.Value{Kind: parser.String, Str: "s"}},
	}
	if a.CanonicalKey() == c.CanonicalKey() {
		t.Fatal("distinct rows share a key")
	}
}
