// Package parser decodes uploaded dataset payloads into row records.
//
// Two formats are accepted: CSV with a header line, and a JSON array of
// objects. Cells carry a tagged Value so downstream profiling never
// inspects runtime types. All decode failures are invalid-payload faults,
// which the worker treats as non-retryable.
package parser

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"io"
	"strconv"
	"unicode/utf8"

	"github.com/hazyhaar/dsprof/fault"
)

// ContentTypeCSV and ContentTypeJSON are the accepted upload media types.
const (
	ContentTypeCSV  = "text/csv"
	ContentTypeJSON = "application/json"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Limits bounds materialization. The profiler needs the full row list for
// its second pass, so both caps are hard: exceeding either fails the
// payload rather than truncating it.
type Limits struct {
	MaxRows  int
	MaxBytes int64
}

// DefaultLimits bounds a single dataset to 1M rows / 256 MiB.
var DefaultLimits = Limits{MaxRows: 1_000_000, MaxBytes: 256 << 20}

// Parse decodes payload under the declared content type and returns the
// full row list. Supported: ContentTypeCSV, ContentTypeJSON.
func Parse(contentType string, payload []byte, lim Limits) ([]Row, error) {
	if lim.MaxBytes > 0 && int64(len(payload)) > lim.MaxBytes {
		return nil, fault.New(fault.InvalidPayload, "payload exceeds %d bytes", lim.MaxBytes)
	}

	payload = bytes.TrimPrefix(payload, utf8BOM)
	if !utf8.Valid(payload) {
		return nil, fault.New(fault.InvalidPayload, "dataset is not valid UTF-8")
	}

	var rows []Row
	var err error
	switch contentType {
	case ContentTypeCSV:
		rows, err = parseCSV(payload)
	case ContentTypeJSON:
		rows, err = parseJSON(payload)
	default:
		return nil, fault.New(fault.InvalidPayload, "unsupported content type: %s", contentType)
	}
	if err != nil {
		return nil, err
	}

	if lim.MaxRows > 0 && len(rows) > lim.MaxRows {
		return nil, fault.New(fault.InvalidPayload, "dataset exceeds %d rows", lim.MaxRows)
	}
	return rows, nil
}

func parseCSV(payload []byte) ([]Row, error) {
	r := csv.NewReader(bytes.NewReader(payload))
	r.FieldsPerRecord = -1 // short and extra columns handled below

	header, err := r.Read()
	if err == io.EOF {
		return nil, fault.New(fault.InvalidPayload, "CSV file must include a header row")
	}
	if err != nil {
		return nil, fault.Wrap(fault.InvalidPayload, err, "malformed CSV header")
	}

	rows := []Row{}
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fault.Wrap(fault.InvalidPayload, err, "malformed CSV")
		}

		row := make(Row, 0, len(header))
		for i, field := range header {
			cell := ""
			if i < len(record) {
				cell = record[i]
			}
			row = append(row, Cell{Field: field, Value: Value{Kind: String, Str: cell}})
		}
		// Cells beyond the header keep a synthesized name from their
		// absolute column index.
		for i := len(header); i < len(record); i++ {
			row = append(row, Cell{
				Field: "column_" + strconv.Itoa(i),
				Value: Value{Kind: String, Str: record[i]},
			})
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func parseJSON(payload []byte) ([]Row, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, fault.Wrap(fault.InvalidPayload, err, "invalid JSON payload")
	}
	if d, ok := tok.(json.Delim); !ok || d != '[' {
		return nil, fault.New(fault.InvalidPayload, "JSON dataset must be an array of objects")
	}

	rows := []Row{}
	for dec.More() {
		row, err := parseJSONObject(dec, len(rows))
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	if _, err := dec.Token(); err != nil { // closing ']'
		return nil, fault.Wrap(fault.InvalidPayload, err, "invalid JSON payload")
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fault.New(fault.InvalidPayload, "trailing data after JSON array")
	}
	return rows, nil
}

// parseJSONObject consumes one array element, which must be an object.
// Decoding by token keeps the source field order.
func parseJSONObject(dec *json.Decoder, index int) (Row, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, fault.Wrap(fault.InvalidPayload, err, "invalid JSON payload")
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fault.New(fault.InvalidPayload, "JSON item at index %d is not an object", index)
	}

	var row Row
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, fault.Wrap(fault.InvalidPayload, err, "invalid JSON payload")
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, fault.New(fault.InvalidPayload, "invalid JSON object key at index %d", index)
		}

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, fault.Wrap(fault.InvalidPayload, err, "invalid JSON payload")
		}
		val, err := valueFromRaw(raw)
		if err != nil {
			return nil, err
		}
		row = append(row, Cell{Field: key, Value: val})
	}
	if _, err := dec.Token(); err != nil { // closing '}'
		return nil, fault.Wrap(fault.InvalidPayload, err, "invalid JSON payload")
	}
	if row == nil {
		row = Row{}
	}
	return row, nil
}

func valueFromRaw(raw json.RawMessage) (Value, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return Value{}, fault.New(fault.InvalidPayload, "empty JSON value")
	}
	switch trimmed[0] {
	case 'n':
		return Value{Kind: Null}, nil
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return Value{}, fault.Wrap(fault.InvalidPayload, err, "invalid JSON string")
		}
		return Value{Kind: String, Str: s}, nil
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(trimmed, &b); err != nil {
			return Value{}, fault.Wrap(fault.InvalidPayload, err, "invalid JSON boolean")
		}
		return Value{Kind: Bool, Bool: b}, nil
	case '{', '[':
		var compact bytes.Buffer
		if err := json.Compact(&compact, trimmed); err != nil {
			return Value{}, fault.Wrap(fault.InvalidPayload, err, "invalid JSON value")
		}
		return Value{Kind: Other, Str: compact.String()}, nil
	default:
		f, err := strconv.ParseFloat(string(trimmed), 64)
		if err != nil {
			return Value{}, fault.Wrap(fault.InvalidPayload, err, "invalid JSON number")
		}
		return Value{Kind: Number, Num: f}, nil
	}
}
