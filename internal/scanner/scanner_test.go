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

package scanner

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"ndspipe/internal/backend"
	"ndspipe/internal/nds"
)

func TestExtractTime(t *testing.T) {
	got := extractTime("FDD-LTE_MRO_ZTE_OMC1_292551_20250301020000.zip")
	assert.Equal(t, time.Date(2025, 3, 1, 2, 0, 0, 0, time.UTC), got)

	got = extractTime("MDT-20240615120530.zip")
	assert.Equal(t, time.Date(2024, 6, 15, 12, 5, 30, 0, time.UTC), got)

	// No embedded timestamp, or one that is not a real date.
	assert.True(t, extractTime("archive.zip").IsZero())
	assert.True(t, extractTime("x_20251399999999.zip").IsZero())
}

func TestNewFileOrdering(t *testing.T) {
	files := []taggedFile{
		{path: "b_20250301030000.zip"},
		{path: "no-timestamp.zip"},
		{path: "a_20250301010000.zip"},
		{path: "c_20250301020000.zip"},
	}
	sort.SliceStable(files, func(i, j int) bool {
		return extractTime(files[i].path).Before(extractTime(files[j].path))
	})

	// Files without a timestamp sort first, the rest oldest-to-newest.
	assert.Equal(t, "no-timestamp.zip", files[0].path)
	assert.Equal(t, "a_20250301010000.zip", files[1].path)
	assert.Equal(t, "c_20250301020000.zip", files[2].path)
	assert.Equal(t, "b_20250301030000.zip", files[3].path)
}

func TestSerializedSizeTracksJSONWeight(t *testing.T) {
	entries := []backend.BatchEntry{{
		ZipEntry: nds.ZipEntry{FilePath: "/a.zip", SubFileName: "inner_123456_1.xml", CompressSize: 100},
		NDSID:    7,
		DataType: "MRO",
	}}
	size := serializedSize(entries)
	assert.Greater(t, size, 50)

	double := serializedSize(append(entries, entries[0]))
	assert.Greater(t, double, size)
	assert.Less(t, double, 2*size+10)
}

func TestFingerprintStable(t *testing.T) {
	entries := []backend.BatchEntry{
		{ZipEntry: nds.ZipEntry{FilePath: "/a.zip", SubFileName: "x_123456_1.xml", HeaderOffset: 42}},
		{ZipEntry: nds.ZipEntry{FilePath: "/a.zip", SubFileName: "x_123456_2.xml", HeaderOffset: 99}},
	}
	a := Fingerprint(entries)
	b := Fingerprint(entries)
	assert.Equal(t, a, b)

	entries[1].HeaderOffset = 100
	assert.NotEqual(t, a, Fingerprint(entries))
}
