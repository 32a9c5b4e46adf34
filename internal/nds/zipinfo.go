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

package nds

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"regexp"
	"strconv"

	"golang.org/x/text/encoding/charmap"

	"ndspipe/internal/core"
)

// ZIP trailer record sizes and signatures. We only ever read the local
// header at offset 0 and the records hanging off the end of the file, so a
// multi-gigabyte archive costs a few small ranged reads.
const (
	localHeaderSize   = 30
	eocdSize          = 22
	zip64LocatorSize  = 20
	zip64EOCDSize     = 56
	centralDirSize    = 46
	maxExtractVersion = 63
)

var (
	localHeaderMagic  = []byte{'P', 'K', 0x03, 0x04}
	centralDirMagic   = []byte{'P', 'K', 0x01, 0x02}
	eocdMagic         = []byte{'P', 'K', 0x05, 0x06}
	zip64EOCDMagic    = []byte{'P', 'K', 0x06, 0x06}
	zip64LocatorMagic = []byte{'P', 'K', 0x06, 0x07}
)

var enodebPattern = regexp.MustCompile(`_(\d{6,8})_`)

// ZipEntry is one row of the central directory, plus the domain fields the
// rest of the pipeline keys on. HeaderOffset already includes the local
// file header, so reading CompressSize bytes there yields exactly the raw
// compressed stream.
type ZipEntry struct {
	FilePath     string `json:"file_path"`
	SubFileName  string `json:"sub_file_name"`
	HeaderOffset int64  `json:"header_offset"`
	CompressSize int64  `json:"compress_size"`
	FileSize     int64  `json:"file_size"`
	FlagBits     uint16 `json:"flag_bits"`
	CompressType uint16 `json:"compress_type"`
	ENodeBID     int64  `json:"enodebid"`
}

func zipErr(serverID, msg string) error {
	return core.E(core.KindZip, serverID, 1, msg, nil)
}

// ZipInfo opens path on c and parses its ZIP structure from the trailer
// records. Archives with an EOCD comment or spanning multiple disks are
// rejected.
func ZipInfo(ctx context.Context, c Client, path string) ([]ZipEntry, error) {
	if err := c.Open(ctx, path); err != nil {
		return nil, err
	}
	defer c.Close()

	id := c.ServerID()
	size := c.Size()

	// Local file header: validates the magic and gives us the header size
	// to add to every central-directory offset.
	if _, err := c.Seek(0, 0); err != nil {
		return nil, err
	}
	head, err := c.Read(ctx, localHeaderSize)
	if err != nil {
		return nil, err
	}
	if len(head) != localHeaderSize || !bytes.Equal(head[:4], localHeaderMagic) {
		return nil, zipErr(id, "bad local file header magic")
	}
	nameLen := int64(binary.LittleEndian.Uint16(head[26:28]))
	extraLen := int64(binary.LittleEndian.Uint16(head[28:30]))
	headerSize := localHeaderSize + nameLen + extraLen

	// End of central directory. The comment length must be zero: with a
	// comment present the EOCD is not at a fixed distance from the end and
	// we refuse to go hunting for it.
	if size < eocdSize {
		return nil, zipErr(id, "file too small for an end-of-central-directory record")
	}
	if _, err := c.Seek(-eocdSize, 2); err != nil {
		return nil, err
	}
	eocd, err := c.Read(ctx, eocdSize)
	if err != nil {
		return nil, err
	}
	if len(eocd) != eocdSize || !bytes.Equal(eocd[:4], eocdMagic) {
		return nil, zipErr(id, "bad end-of-central-directory magic")
	}
	if binary.LittleEndian.Uint16(eocd[20:22]) != 0 {
		return nil, zipErr(id, "archives with a trailing comment are not supported")
	}

	entryCount := int64(binary.LittleEndian.Uint16(eocd[10:12]))
	cdSize := int64(binary.LittleEndian.Uint32(eocd[12:16]))
	cdOffset := int64(binary.LittleEndian.Uint32(eocd[16:20]))
	eocdLocation := size - eocdSize
	isZip64 := false

	// ZIP64: a locator may sit right before the EOCD; if it checks out, the
	// 64-bit record replaces the 32-bit counts wholesale.
	if eocdSize+zip64LocatorSize <= size {
		if _, err := c.Seek(-(eocdSize + zip64LocatorSize), 2); err != nil {
			return nil, err
		}
		loc, err := c.Read(ctx, zip64LocatorSize)
		if err != nil {
			return nil, err
		}
		if len(loc) == zip64LocatorSize && bytes.Equal(loc[:4], zip64LocatorMagic) {
			diskNo := binary.LittleEndian.Uint32(loc[4:8])
			totalDisks := binary.LittleEndian.Uint32(loc[16:20])
			if diskNo != 0 || totalDisks > 1 {
				return nil, zipErr(id, "archives spanning multiple disks are not supported")
			}
			if _, err := c.Seek(-(eocdSize + zip64LocatorSize + zip64EOCDSize), 2); err != nil {
				return nil, err
			}
			rec, err := c.Read(ctx, zip64EOCDSize)
			if err != nil {
				return nil, err
			}
			if len(rec) == zip64EOCDSize && bytes.Equal(rec[:4], zip64EOCDMagic) {
				isZip64 = true
				entryCount = int64(binary.LittleEndian.Uint64(rec[32:40]))
				cdSize = int64(binary.LittleEndian.Uint64(rec[40:48]))
				cdOffset = int64(binary.LittleEndian.Uint64(rec[48:56]))
			}
		}
	}

	// Account for data prefixed before the archive proper (self-extracting
	// stubs and the like): the real central directory start is shifted by
	// however much the EOCD location disagrees with cd_offset + cd_size.
	adjust := eocdLocation - cdSize - cdOffset
	if isZip64 {
		adjust -= zip64EOCDSize + zip64LocatorSize
	}

	if _, err := c.Seek(cdOffset+adjust, 0); err != nil {
		return nil, err
	}
	cd, err := c.Read(ctx, cdSize)
	if err != nil {
		return nil, err
	}
	if int64(len(cd)) != cdSize {
		return nil, zipErr(id, "truncated central directory")
	}

	entries, err := parseCentralDirectory(cd, path, headerSize, id)
	if err != nil {
		return nil, err
	}
	if entryCount > 0 && int64(len(entries)) != entryCount {
		return nil, zipErr(id, fmt.Sprintf("central directory entry count mismatch: want %d got %d",
			entryCount, len(entries)))
	}
	return entries, nil
}

func parseCentralDirectory(cd []byte, archivePath string, headerSize int64, serverID string) ([]ZipEntry, error) {
	var entries []ZipEntry
	r := bytes.NewReader(cd)
	rec := make([]byte, centralDirSize)

	for r.Len() > 0 {
		if _, err := io.ReadFull(r, rec); err != nil {
			return nil, zipErr(serverID, "truncated central directory record")
		}
		if !bytes.Equal(rec[:4], centralDirMagic) {
			return nil, zipErr(serverID, "bad central directory magic")
		}
		if extractVersion := rec[6]; extractVersion > maxExtractVersion {
			return nil, zipErr(serverID, fmt.Sprintf("unsupported zip version %.1f", float64(extractVersion)/10))
		}

		flags := binary.LittleEndian.Uint16(rec[8:10])
		method := binary.LittleEndian.Uint16(rec[10:12])
		compSize := int64(binary.LittleEndian.Uint32(rec[20:24]))
		uncompSize := int64(binary.LittleEndian.Uint32(rec[24:28]))
		nameLen := int(binary.LittleEndian.Uint16(rec[28:30]))
		extraLen := int(binary.LittleEndian.Uint16(rec[30:32]))
		commentLen := int(binary.LittleEndian.Uint16(rec[32:34]))
		localOffset := int64(binary.LittleEndian.Uint32(rec[42:46]))

		rawName := make([]byte, nameLen)
		if _, err := io.ReadFull(r, rawName); err != nil {
			return nil, zipErr(serverID, "truncated central directory record")
		}
		name, err := decodeZipName(rawName, flags)
		if err != nil {
			return nil, zipErr(serverID, "undecodable entry name")
		}

		extra := make([]byte, extraLen)
		if _, err := io.ReadFull(r, extra); err != nil {
			return nil, zipErr(serverID, "truncated central directory record")
		}
		compSize, uncompSize, localOffset = applyZip64Extra(extra, compSize, uncompSize, localOffset)

		if _, err := r.Seek(int64(commentLen), io.SeekCurrent); err != nil {
			return nil, zipErr(serverID, "truncated central directory record")
		}

		entries = append(entries, ZipEntry{
			FilePath:     archivePath,
			SubFileName:  name,
			HeaderOffset: localOffset + headerSize,
			CompressSize: compSize,
			FileSize:     uncompSize,
			FlagBits:     flags,
			CompressType: method,
			ENodeBID:     extractENodeBID(name),
		})
	}
	return entries, nil
}

// applyZip64Extra resolves fields stored as 0xFFFFFFFF through the 0x0001
// extra block. The block carries, in order, only the values that were
// maxed out in the fixed record.
func applyZip64Extra(extra []byte, compSize, uncompSize, localOffset int64) (int64, int64, int64) {
	const maxed = 0xFFFFFFFF
	for len(extra) >= 4 {
		tag := binary.LittleEndian.Uint16(extra[0:2])
		size := int(binary.LittleEndian.Uint16(extra[2:4]))
		body := extra[4:]
		if size > len(body) {
			break
		}
		if tag == 0x0001 {
			b := body[:size]
			take := func() int64 {
				if len(b) < 8 {
					return -1
				}
				v := int64(binary.LittleEndian.Uint64(b[:8]))
				b = b[8:]
				return v
			}
			if uncompSize == maxed {
				if v := take(); v >= 0 {
					uncompSize = v
				}
			}
			if compSize == maxed {
				if v := take(); v >= 0 {
					compSize = v
				}
			}
			if localOffset == maxed {
				if v := take(); v >= 0 {
					localOffset = v
				}
			}
			break
		}
		extra = body[size:]
	}
	return compSize, uncompSize, localOffset
}

// decodeZipName honours flag bit 11: UTF-8 when set, CP437 otherwise.
func decodeZipName(raw []byte, flags uint16) (string, error) {
	if flags&0x0800 != 0 {
		return string(raw), nil
	}
	decoded, err := charmap.CodePage437.NewDecoder().Bytes(raw)
	if err != nil {
		return "", err
	}
	return string(decoded), nil
}

// extractENodeBID pulls the 6-8 digit eNodeB id run between underscores
// out of an inner file name; 0 when there is none.
func extractENodeBID(name string) int64 {
	m := enodebPattern.FindStringSubmatch(name)
	if m == nil {
		return 0
	}
	id, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0
	}
	return id
}
