/*
 * Copyright 2026 The NDSPipe Team
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package decode turns raw MRO XML and MDT CSV payloads into row sets for
// the analytical store. The field transforms in here are business logic;
// the pipeline only relies on the Decoder contract.
package decode

import (
	"bytes"
	"encoding/csv"
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
)

// Rows is an ordered column set with one value slice per row. Column order
// is what the insert statement is built from, so it is stable per decoder.
type Rows struct {
	Columns []string
	Values  [][]any
}

// Append merges other into r; both must come from the same decoder.
func (r *Rows) Append(other *Rows) {
	if r.Columns == nil {
		r.Columns = other.Columns
	}
	r.Values = append(r.Values, other.Values...)
}

func (r *Rows) Len() int {
	if r == nil {
		return 0
	}
	return len(r.Values)
}

// Decoder is the contract the worker pool programs against.
type Decoder func(data []byte) (*Rows, error)

// ParseError distinguishes decoder failures from transport failures.
type ParseError struct {
	DataType  string
	ErrorType string
	Message   string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("decode(%s)[%s] %s", e.DataType, e.ErrorType, e.Message)
}

// The six measurement fields an MRO record must carry to be usable.
var mroRequired = []string{
	"MR_LteScEarfcn", "MR_LteScPci", "MR_LteScRSRP",
	"MR_LteNcEarfcn", "MR_LteNcPci", "MR_LteNcRSRP",
}

// mroColumns is the stable column order for LTE_MRO inserts.
var mroColumns = append([]string{"MR_LteScENBID"}, append(append([]string{}, mroRequired...), "DataTime")...)

type mroDoc struct {
	FileHeader struct {
		StartTime string `xml:"startTime,attr"`
	} `xml:"fileHeader"`
	ENB struct {
		ID           string `xml:"id,attr"`
		Measurements []struct {
			Smr     string `xml:"smr"`
			Objects []struct {
				Values []string `xml:"v"`
			} `xml:"object"`
		} `xml:"measurement"`
	} `xml:"eNB"`
}

// MRO decodes one inner .xml measurement report. Measurements missing any
// required field are skipped; rows containing NIL are dropped.
func MRO(data []byte) (*Rows, error) {
	var doc mroDoc
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, &ParseError{DataType: "MRO", ErrorType: "XMLError", Message: err.Error()}
	}
	if doc.FileHeader.StartTime == "" {
		return nil, &ParseError{DataType: "MRO", ErrorType: "DataError", Message: "missing startTime in fileHeader"}
	}
	enbID, err := strconv.ParseInt(strings.TrimSpace(doc.ENB.ID), 10, 64)
	if err != nil {
		return nil, &ParseError{DataType: "MRO", ErrorType: "DataError", Message: "missing or bad eNB id"}
	}

	rows := &Rows{Columns: mroColumns}
	for _, m := range doc.ENB.Measurements {
		smr := strings.ReplaceAll(strings.TrimSpace(m.Smr), "MR.", "MR_")
		fields := strings.Fields(smr)
		index := make(map[string]int, len(fields))
		for i, f := range fields {
			index[f] = i
		}

		maxIdx := -1
		usable := true
		for _, want := range mroRequired {
			i, ok := index[want]
			if !ok {
				usable = false
				break
			}
			if i > maxIdx {
				maxIdx = i
			}
		}
		if !usable {
			continue
		}

		for _, obj := range m.Objects {
			for _, v := range obj.Values {
				values := strings.Fields(strings.TrimSpace(v))
				if len(values) <= maxIdx {
					continue
				}
				row := make([]any, 0, len(mroColumns))
				row = append(row, enbID)
				ok := true
				for _, want := range mroRequired {
					raw := values[index[want]]
					if raw == "NIL" {
						ok = false
						break
					}
					n, err := strconv.ParseInt(raw, 10, 64)
					if err != nil {
						ok = false
						break
					}
					row = append(row, n)
				}
				if !ok {
					continue
				}
				row = append(row, doc.FileHeader.StartTime)
				rows.Values = append(rows.Values, row)
			}
		}
	}
	return rows, nil
}

// MDT decodes one inner .csv drive-test record: header row names the
// columns, numeric cells are coerced, short or ragged lines are skipped.
func MDT(data []byte) (*Rows, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	records, err := r.ReadAll()
	if err != nil {
		return nil, &ParseError{DataType: "MDT", ErrorType: "CSVError", Message: err.Error()}
	}
	if len(records) == 0 {
		return nil, &ParseError{DataType: "MDT", ErrorType: "DataError", Message: "empty file"}
	}

	header := records[0]
	for i, col := range header {
		header[i] = strings.TrimSpace(col)
	}
	rows := &Rows{Columns: header}
	for _, rec := range records[1:] {
		if len(rec) != len(header) {
			continue
		}
		row := make([]any, len(rec))
		for i, cell := range rec {
			row[i] = coerce(strings.TrimSpace(cell))
		}
		rows.Values = append(rows.Values, row)
	}
	return rows, nil
}

// coerce keeps numbers as numbers so the store gets typed values.
func coerce(cell string) any {
	if n, err := strconv.ParseInt(cell, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(cell, 64); err == nil {
		return f
	}
	return cell
}
