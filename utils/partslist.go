package utils

import (
	"bytes"
	"encoding/csv"
	"encoding/xml"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"
)

// ValidationMode controls how row-level errors affect a parts-list file.
// Strict fails the whole file on any bad row; relaxed skips bad rows and still
// reports a piece count from the valid ones.
type ValidationMode string

const (
	ModeStrict  ValidationMode = "strict"
	ModeRelaxed ValidationMode = "relaxed"
)

// ParseValidationMode maps a config string onto a mode, defaulting to strict.
func ParseValidationMode(s string) ValidationMode {
	if strings.EqualFold(s, string(ModeRelaxed)) {
		return ModeRelaxed
	}
	return ModeStrict
}

// PartRow is one parsed (partNumber, quantity) entry.
type PartRow struct {
	PartNumber string
	Quantity   int
}

// RowError describes one invalid row or a file-level parse problem.
type RowError struct {
	Line    int    `json:"line,omitempty"`
	Message string `json:"message"`
}

func (e RowError) String() string {
	if e.Line > 0 {
		return fmt.Sprintf("line %d: %s", e.Line, e.Message)
	}
	return e.Message
}

// PartsResult is the per-file validation outcome. Failed marks a whole-file
// error: the piece count is undefined and the finalize call must not commit.
type PartsResult struct {
	Filename   string     `json:"filename"`
	Format     string     `json:"format,omitempty"`
	PieceCount int        `json:"pieceCount"`
	Errors     []RowError `json:"errors,omitempty"`
	Failed     bool       `json:"-"`
}

// Messages renders the result's errors as plain strings for API payloads.
func (r PartsResult) Messages() []string {
	msgs := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		msgs = append(msgs, e.String())
	}
	return msgs
}

const maxPartsFileSize = 10 << 20 // 10MB

// ValidatePartsList parses a parts-list file into (partNumber, quantity) rows
// and aggregates a piece count, subject to the validation mode. The format is
// chosen from the filename extension, falling back to the MIME hint.
func ValidatePartsList(data []byte, filename, mimeType string, mode ValidationMode) PartsResult {
	res := PartsResult{Filename: filename}

	if len(data) > maxPartsFileSize {
		res.Failed = true
		res.Errors = []RowError{{Message: "file exceeds the 10MB parts list limit"}}
		return res
	}
	if len(bytes.TrimSpace(data)) == 0 {
		res.Failed = true
		res.Errors = []RowError{{Message: "parts list file is empty"}}
		return res
	}

	var (
		rows  []PartRow
		errs  []RowError
		fatal bool
	)
	switch detectPartsFormat(filename, mimeType) {
	case "csv":
		res.Format = "csv"
		rows, errs, fatal = parseDelimitedRows(data)
	case "xml":
		res.Format = "xml"
		rows, errs, fatal = parseInventoryXML(data)
	default:
		res.Failed = true
		res.Errors = []RowError{{Message: "unsupported parts list format, expected CSV, TXT or XML"}}
		return res
	}

	res.Errors = errs
	if fatal {
		res.Failed = true
		return res
	}

	switch {
	case mode == ModeStrict && len(errs) > 0:
		// Any bad row voids the file; the piece count stays undefined.
		res.Failed = true
	case len(rows) == 0:
		res.Failed = true
		if len(errs) == 0 {
			res.Errors = []RowError{{Message: "no part entries found"}}
		}
	default:
		for _, row := range rows {
			res.PieceCount += row.Quantity
		}
	}
	return res
}

func detectPartsFormat(filename, mimeType string) string {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
	switch ext {
	case "csv", "txt":
		return "csv"
	case "xml":
		return "xml"
	}
	switch strings.ToLower(mimeType) {
	case "text/csv", "application/csv":
		return "csv"
	case "text/xml", "application/xml":
		return "xml"
	}
	return ""
}

// Header cells containing one of these mark the first CSV row as a header.
var headerKeywords = []string{"part", "quantity", "qty", "count", "color", "description", "name", "element"}

var partColumnNames = []string{"part", "part_number", "partnumber", "partno", "part_no", "element_id", "elementid"}
var quantityColumnNames = []string{"qty", "quantity", "count", "amount"}

func parseDelimitedRows(data []byte) (rows []PartRow, errs []RowError, fatal bool) {
	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	records, err := reader.ReadAll()
	if err != nil {
		return nil, []RowError{{Message: fmt.Sprintf("malformed CSV: %v", err)}}, true
	}
	if len(records) == 0 {
		return nil, nil, false
	}

	partCol, qtyCol := 0, 1
	start := 0
	if isHeaderRow(records[0]) {
		start = 1
		for i, cell := range records[0] {
			switch normalized := strings.ToLower(strings.TrimSpace(cell)); {
			case contains(partColumnNames, normalized):
				partCol = i
			case contains(quantityColumnNames, normalized):
				qtyCol = i
			}
		}
	}

	for i := start; i < len(records); i++ {
		record := records[i]
		line := i + 1
		if blankRecord(record) {
			continue
		}
		row, rowErr := buildPartRow(cellAt(record, partCol), cellAt(record, qtyCol), line)
		if rowErr != nil {
			errs = append(errs, *rowErr)
			continue
		}
		rows = append(rows, row)
	}
	return rows, errs, false
}

func isHeaderRow(record []string) bool {
	for _, cell := range record {
		lowered := strings.ToLower(cell)
		for _, kw := range headerKeywords {
			if strings.Contains(lowered, kw) {
				return true
			}
		}
	}
	return false
}

func blankRecord(record []string) bool {
	for _, cell := range record {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

func cellAt(record []string, i int) string {
	if i < 0 || i >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[i])
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

// Element names treated as one inventory entry in XML parts lists.
var inventoryItemNames = map[string]bool{"item": true, "part": true, "piece": true, "element": true}

var xmlPartFields = []string{"itemid", "partnumber", "part_number", "partno", "part_no", "elementid", "element_id", "id"}
var xmlQuantityFields = []string{"minqty", "qty", "quantity", "count", "amount"}

func parseInventoryXML(data []byte) (rows []PartRow, errs []RowError, fatal bool) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	itemCount := 0

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, []RowError{{Message: fmt.Sprintf("malformed XML: %v", err)}}, true
		}
		se, ok := tok.(xml.StartElement)
		if !ok || !inventoryItemNames[strings.ToLower(se.Name.Local)] {
			continue
		}

		itemCount++
		fields, err := collectItemFields(dec, se)
		if err != nil {
			return nil, []RowError{{Message: fmt.Sprintf("malformed XML: %v", err)}}, true
		}

		row, rowErr := buildPartRow(
			firstField(fields, xmlPartFields),
			firstField(fields, xmlQuantityFields),
			itemCount,
		)
		if rowErr != nil {
			errs = append(errs, *rowErr)
			continue
		}
		rows = append(rows, row)
	}

	if itemCount == 0 {
		return nil, []RowError{{Message: "no inventory entries found, expected item, part, piece or element elements"}}, true
	}
	return rows, errs, false
}

// collectItemFields reads to the end of one inventory element, gathering its
// attributes and first-level child text keyed by lowercased name.
func collectItemFields(dec *xml.Decoder, start xml.StartElement) (map[string]string, error) {
	fields := map[string]string{}
	for _, attr := range start.Attr {
		fields[strings.ToLower(attr.Name.Local)] = strings.TrimSpace(attr.Value)
	}

	depth := 1
	curName := ""
	var curText strings.Builder
	for depth > 0 {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			curName = strings.ToLower(t.Name.Local)
			curText.Reset()
		case xml.CharData:
			curText.Write(t)
		case xml.EndElement:
			depth--
			if depth > 0 && curName != "" {
				if v := strings.TrimSpace(curText.String()); v != "" {
					if _, exists := fields[curName]; !exists {
						fields[curName] = v
					}
				}
				curName = ""
			}
		}
	}
	return fields, nil
}

func firstField(fields map[string]string, names []string) string {
	for _, name := range names {
		if v, ok := fields[name]; ok && v != "" {
			return v
		}
	}
	return ""
}

// buildPartRow validates one raw entry. Quantities must be non-negative
// integers; anything else is a row error.
func buildPartRow(partNumber, quantityStr string, line int) (PartRow, *RowError) {
	if partNumber == "" {
		return PartRow{}, &RowError{Line: line, Message: "part number is required"}
	}
	if quantityStr == "" {
		return PartRow{}, &RowError{Line: line, Message: "quantity is required"}
	}
	qty, err := strconv.Atoi(quantityStr)
	if err != nil {
		return PartRow{}, &RowError{Line: line, Message: fmt.Sprintf("quantity %q is not an integer", quantityStr)}
	}
	if qty < 0 {
		return PartRow{}, &RowError{Line: line, Message: "quantity must not be negative"}
	}
	return PartRow{PartNumber: partNumber, Quantity: qty}, nil
}
