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

package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInsertStatement(t *testing.T) {
	got := InsertStatement(TableMRO, []string{"MR_LteScENBID", "MR_LteScRSRP", "DataTime"})
	assert.Equal(t, "INSERT INTO LTE_MRO (`MR_LteScENBID`, `MR_LteScRSRP`, `DataTime`)", got)
}

func TestInsertSettings(t *testing.T) {
	// The tuning the ingest path relies on; a typo here would silently
	// change write behavior cluster-wide.
	assert.Equal(t, 2, insertSettings["max_insert_threads"])
	assert.Equal(t, 0, insertSettings["insert_distributed_sync"])
	assert.Equal(t, 1, insertSettings["async_insert"])
	assert.Equal(t, 0, insertSettings["wait_for_async_insert"])
}
