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

package decode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mroSample = `<?xml version="1.0" encoding="UTF-8"?>
<bulkPmMrDataFile>
  <fileHeader startTime="2025-03-01T02:00:00.000" endTime="2025-03-01T02:15:00.000"/>
  <eNB id="292551">
    <measurement>
      <smr>MR.LteScEarfcn MR.LteScPci MR.LteScRSRP MR.LteNcEarfcn MR.LteNcPci MR.LteNcRSRP</smr>
      <object id="101">
        <v>38400 201 45 38400 202 40</v>
        <v>38400 201 NIL 38400 202 40</v>
        <v>38400 201 47</v>
      </object>
      <object id="102">
        <v>38544 77 33 38544 78 31</v>
      </object>
    </measurement>
    <measurement>
      <smr>MR.LteScRSRQ MR.LteScSinr</smr>
      <object><v>12 9</v></object>
    </measurement>
  </eNB>
</bulkPmMrDataFile>`

func TestMRODecode(t *testing.T) {
	rows, err := MRO([]byte(mroSample))
	require.NoError(t, err)

	// One NIL row and one short row dropped; the second measurement lacks
	// the required fields entirely and is skipped.
	require.Equal(t, 2, rows.Len())
	assert.Equal(t,
		[]string{"MR_LteScENBID", "MR_LteScEarfcn", "MR_LteScPci", "MR_LteScRSRP",
			"MR_LteNcEarfcn", "MR_LteNcPci", "MR_LteNcRSRP", "DataTime"},
		rows.Columns)

	first := rows.Values[0]
	assert.Equal(t, int64(292551), first[0])
	assert.Equal(t, int64(38400), first[1])
	assert.Equal(t, int64(45), first[3])
	assert.Equal(t, "2025-03-01T02:00:00.000", first[7])
}

func TestMRODecodeErrors(t *testing.T) {
	_, err := MRO([]byte("not xml at all"))
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "MRO", perr.DataType)

	_, err = MRO([]byte(`<bulkPmMrDataFile><eNB id="1"/></bulkPmMrDataFile>`))
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "DataError", perr.ErrorType)
}

func TestMDTDecode(t *testing.T) {
	csv := "MME_UE_S1AP_ID,Longitude,Latitude,RSRP\n" +
		"1001,116.3975,39.9085,-95\n" +
		"1002,116.4010,39.9102,-101\n" +
		"short,row\n"
	rows, err := MDT([]byte(csv))
	require.NoError(t, err)
	require.Equal(t, 2, rows.Len())
	assert.Equal(t, []string{"MME_UE_S1AP_ID", "Longitude", "Latitude", "RSRP"}, rows.Columns)
	assert.Equal(t, int64(1001), rows.Values[0][0])
	assert.Equal(t, 116.3975, rows.Values[0][1])
	assert.Equal(t, int64(-95), rows.Values[0][3])
}

func TestMDTDecodeEmpty(t *testing.T) {
	_, err := MDT(nil)
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "MDT", perr.DataType)
}

func TestRowsAppend(t *testing.T) {
	a := &Rows{Columns: []string{"x"}, Values: [][]any{{1}}}
	b := &Rows{Columns: []string{"x"}, Values: [][]any{{2}, {3}}}
	merged := &Rows{}
	merged.Append(a)
	merged.Append(b)
	assert.Equal(t, 3, merged.Len())
	assert.Equal(t, []string{"x"}, merged.Columns)

	var nilRows *Rows
	assert.Equal(t, 0, nilRows.Len())
}
