// Copyright 2024 The Nakama-Index Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// 		http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package support

import (
	"bufio"
	"encoding/binary"
	"io"
)

// RecordWriter streams length-prefixed byte records to an underlying
// writer, the shape ExternalSorter's run files and spill files use.
type RecordWriter struct {
	w   *bufio.Writer
	len [4]byte
}

func NewRecordWriter(w io.Writer) *RecordWriter {
	return &RecordWriter{w: bufio.NewWriter(w)}
}

// Write appends one record: a big-endian uint32 length followed by the
// record's bytes.
func (rw *RecordWriter) Write(record []byte) error {
	binary.BigEndian.PutUint32(rw.len[:], uint32(len(record)))
	if _, err := rw.w.Write(rw.len[:]); err != nil {
		return err
	}
	_, err := rw.w.Write(record)
	return err
}

func (rw *RecordWriter) Flush() error { return rw.w.Flush() }

// RecordReader reads back what RecordWriter produced, one record at a
// time, until io.EOF.
type RecordReader struct {
	r *bufio.Reader
}

func NewRecordReader(r io.Reader) *RecordReader {
	return &RecordReader{r: bufio.NewReader(r)}
}

// Read returns the next record, or io.EOF when the stream is exhausted.
// A length header present with a short body is reported as
// io.ErrUnexpectedEOF.
func (rr *RecordReader) Read() ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(rr.r, lenBuf[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(rr.r, buf); err != nil {
		if err == io.EOF {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return buf, nil
}
