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
	"fmt"
	"hash/crc32"
	"io"

	"ndspipe/internal/backend"
)

// Fingerprint computes a CRC32 over the identifying fields of a batch so
// the same submission can be matched across scanner and backend logs.
// CRC32 because this is a correlation id, not a signature.
func Fingerprint(entries []backend.BatchEntry) string {
	// IEEE is the polynomial ZIP itself uses. Fast and good enough.
	hasher := crc32.NewIEEE()
	for _, e := range entries {
		io.WriteString(hasher, e.FilePath)
		io.WriteString(hasher, e.SubFileName)
		fmt.Fprintf(hasher, "%d", e.HeaderOffset)
	}
	return fmt.Sprintf("%x", hasher.Sum32())
}
