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

package parser

import (
	"archive/zip"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ndspipe/internal/decode"
	"ndspipe/internal/taskqueue"
	"ndspipe/internal/transport"
)

const mroInner = `<?xml version="1.0" encoding="UTF-8"?>
<bulkPmMrDataFile>
  <fileHeader startTime="2025-03-01T02:00:00.000"/>
  <eNB id="292551">
    <measurement>
      <smr>MR.LteScEarfcn MR.LteScPci MR.LteScRSRP MR.LteNcEarfcn MR.LteNcPci MR.LteNcRSRP</smr>
      <object><v>38400 201 45 38400 202 40</v></object>
    </measurement>
  </eNB>
</bulkPmMrDataFile>`

// fakeStore records inserts instead of talking to ClickHouse.
type fakeStore struct {
	mu      sync.Mutex
	inserts map[string]int
	fail    bool
}

func newFakeStore() *fakeStore { return &fakeStore{inserts: map[string]int{}} }

func (s *fakeStore) Insert(ctx context.Context, table string, rows *decode.Rows) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return assert.AnError
	}
	s.inserts[table] += rows.Len()
	return nil
}

func (s *fakeStore) Probe(ctx context.Context) error { return nil }
func (s *fakeStore) Close() error                    { return nil }

// fakeGateway streams a canned payload (or an error frame) for any read.
func fakeGateway(t *testing.T, payload []byte, errCode int) (host string, port int, done func()) {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer ws.Close()
		var req transport.Request
		if err := ws.ReadJSON(&req); err != nil {
			return
		}
		if errCode != 0 {
			ws.WriteJSON(&transport.Message{
				Type: transport.TypeError, Code: errCode,
				Message: "file not found", RequestID: req.RequestID,
			})
			return
		}
		ws.WriteJSON(&transport.Message{Type: transport.TypeFile, Code: 200,
			Data: transport.StreamStart, RequestID: req.RequestID})
		ws.WriteMessage(websocket.BinaryMessage, payload)
		ws.WriteJSON(&transport.Message{Type: transport.TypeFile, Code: 200,
			Data: transport.StreamEnd, RequestID: req.RequestID})
		ws.WriteJSON(transport.NewResponse(transport.APIRead, req.RequestID))
	}))

	addr := strings.TrimPrefix(srv.URL, "http://")
	idx := strings.LastIndex(addr, ":")
	port, err := strconv.Atoi(addr[idx+1:])
	require.NoError(t, err)
	return addr[:idx], port, srv.Close
}

func zipPayload(t *testing.T, name string, content []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create(name)
	require.NoError(t, err)
	_, err = w.Write(content)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func testParser(st *fakeStore, host string, port int) *Parser {
	return &Parser{
		log:         zerolog.Nop(),
		store:       st,
		gatewayHost: host,
		gatewayPort: port,
	}
}

func mroTask() *taskqueue.Task {
	return &taskqueue.Task{
		NDSID:    7,
		FilePath: "/MRO/archive_20250301020000.zip",
		FileHash: "hash-1",
		DataType: "MRO",
	}
}

func TestRunTaskSuccess(t *testing.T) {
	payload := zipPayload(t, "raw_292551_1.xml", []byte(mroInner))
	host, port, done := fakeGateway(t, payload, 0)
	defer done()

	st := newFakeStore()
	p := testParser(st, host, port)
	status := p.runTask(context.Background(), mroTask())

	assert.Equal(t, StatusSuccess, status)
	assert.Equal(t, 1, st.inserts["LTE_MRO"])
}

func TestRunTaskSourceMissing(t *testing.T) {
	host, port, done := fakeGateway(t, nil, 404)
	defer done()

	st := newFakeStore()
	p := testParser(st, host, port)
	status := p.runTask(context.Background(), mroTask())

	assert.Equal(t, StatusSourceMissing, status)
	assert.Empty(t, st.inserts)
}

func TestRunTaskDecoderFailure(t *testing.T) {
	// Big enough to clear the minimum-size gate, but not XML.
	garbage := bytes.Repeat([]byte("definitely not xml "), 16)
	payload := zipPayload(t, "raw_292551_1.xml", garbage)
	host, port, done := fakeGateway(t, payload, 0)
	defer done()

	st := newFakeStore()
	p := testParser(st, host, port)
	status := p.runTask(context.Background(), mroTask())

	assert.Equal(t, StatusFailed, status)
	assert.Empty(t, st.inserts)
}

func TestRunTaskBadArchive(t *testing.T) {
	host, port, done := fakeGateway(t, []byte("this is no zip"), 0)
	defer done()

	st := newFakeStore()
	p := testParser(st, host, port)
	status := p.runTask(context.Background(), mroTask())
	assert.Equal(t, StatusFailed, status)
}

func TestRunTaskInsertFailure(t *testing.T) {
	payload := zipPayload(t, "raw_292551_1.xml", []byte(mroInner))
	host, port, done := fakeGateway(t, payload, 0)
	defer done()

	st := newFakeStore()
	st.fail = true
	p := testParser(st, host, port)
	status := p.runTask(context.Background(), mroTask())
	assert.Equal(t, StatusFailed, status)
}

func TestRunTaskSkipsTinyAndForeignInnerFiles(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	// Too small to be a real measurement file.
	w, _ := zw.Create("tiny_292551_1.xml")
	w.Write([]byte("<a/>"))
	// Wrong suffix for MRO.
	w, _ = zw.Create("drive_292551_1.csv")
	w.Write(bytes.Repeat([]byte("c,"), 200))
	require.NoError(t, zw.Close())

	host, port, done := fakeGateway(t, buf.Bytes(), 0)
	defer done()

	st := newFakeStore()
	p := testParser(st, host, port)
	status := p.runTask(context.Background(), mroTask())

	// Nothing decodable, nothing inserted, still a success.
	assert.Equal(t, StatusSuccess, status)
	assert.Empty(t, st.inserts)
}

func TestValidTask(t *testing.T) {
	assert.True(t, validTask(&taskqueue.Task{NDSID: 1, FilePath: "/a", DataType: "MRO"}))
	assert.True(t, validTask(&taskqueue.Task{NDSID: 1, FilePath: "/a", DataType: "MDT"}))
	assert.False(t, validTask(&taskqueue.Task{FilePath: "/a", DataType: "MRO"}))
	assert.False(t, validTask(&taskqueue.Task{NDSID: 1, DataType: "MRO"}))
	assert.False(t, validTask(&taskqueue.Task{NDSID: 1, FilePath: "/a", DataType: "PMXML"}))
}
