package ingest

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"homesense/internal/model"
)

// Parser reads one line per record: a JSON envelope, or a CSV row in the
// raw export layout. A CSV header row, when seen, fixes the column order for
// the rest of the stream; the export's kind columns restore stored forms.
type Parser struct {
	csv *CSVParser
}

func NewParser() *Parser {
	return &Parser{csv: NewCSVParser()}
}

// ParseLine returns nil, nil for blank lines and header rows.
func (p *Parser) ParseLine(line string) (*model.RawEventRecord, error) {
	trim := strings.TrimSpace(line)
	if trim == "" {
		return nil, nil
	}
	if looksLikeJSON(trim) {
		rec, err := ParseEnvelope([]byte(trim))
		if err != nil {
			return nil, err
		}
		return &rec, nil
	}
	return p.csv.Parse(trim)
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

type CSVParser struct {
	header []string
}

func NewCSVParser() *CSVParser {
	return &CSVParser{}
}

func (p *CSVParser) Parse(line string) (*model.RawEventRecord, error) {
	r := csv.NewReader(strings.NewReader(line))
	r.TrimLeadingSpace = true
	r.FieldsPerRecord = -1
	record, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("%w: csv: %v", ErrInvalidRecord, err)
	}
	if p.header == nil && looksLikeHeader(record) {
		p.header = normalizeHeader(record)
		return nil, nil
	}
	columns := p.header
	if columns == nil {
		switch len(record) {
		case 2:
			columns = []string{"topic", "payload"}
		case 3:
			columns = []string{"timestamp", "topic", "payload"}
		default:
			columns = []string{"id", "timestamp", "topic", "payload"}
		}
	}
	obj := make(map[string]any, len(columns))
	for i, name := range columns {
		if i >= len(record) {
			break
		}
		if v := strings.TrimSpace(record[i]); v != "" {
			obj[name] = v
		}
	}
	if err := restoreKinds(obj); err != nil {
		return nil, err
	}
	rec, err := RecordFromMap(obj)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// restoreKinds turns the cells of a raw CSV export back into the stored
// forms: a mapping payload into a map and a native timestamp into an instant.
func restoreKinds(obj map[string]any) error {
	if kind, _ := obj["payload_kind"].(string); kind == "mapping" {
		raw, _ := obj["payload"].(string)
		var m map[string]any
		if err := json.Unmarshal([]byte(raw), &m); err != nil || m == nil {
			return fmt.Errorf("%w: mapping payload %q", ErrInvalidRecord, raw)
		}
		obj["payload"] = m
	}
	if kind, _ := obj["timestamp_kind"].(string); kind == "native" {
		raw, _ := obj["timestamp"].(string)
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return fmt.Errorf("%w: native timestamp %q", ErrInvalidRecord, raw)
		}
		obj["timestamp"] = t.UTC()
	}
	delete(obj, "payload_kind")
	delete(obj, "timestamp_kind")
	return nil
}

func looksLikeHeader(record []string) bool {
	for _, v := range record {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "timestamp", "topic", "payload":
			return true
		}
	}
	return false
}

func normalizeHeader(record []string) []string {
	out := make([]string, len(record))
	for i, v := range record {
		name := strings.ToLower(strings.TrimSpace(v))
		switch name {
		case "time", "ts":
			name = "timestamp"
		case "data", "message":
			name = "payload"
		}
		out[i] = name
	}
	return out
}
