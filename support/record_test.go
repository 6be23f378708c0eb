package support

import (
	"bytes"
	"io"
	"testing"
)

func TestRecordWriterReaderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	rw := NewRecordWriter(&buf)
	records := [][]byte{
		[]byte("hello"),
		{},
		[]byte("a longer record with several bytes in it"),
		[]byte("x"),
	}
	for _, r := range records {
		if err := rw.Write(r); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if err := rw.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	rr := NewRecordReader(&buf)
	for i, want := range records {
		got, err := rr.Read()
		if err != nil {
			t.Fatalf("Read record %d: %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("record %d = %q, want %q", i, got, want)
		}
	}
	if _, err := rr.Read(); err != io.EOF {
		t.Errorf("expected io.EOF after last record, got %v", err)
	}
}

func TestRecordReaderTruncatedBody(t *testing.T) {
	var buf bytes.Buffer
	rw := NewRecordWriter(&buf)
	if err := rw.Write([]byte("0123456789")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := rw.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	truncated := bytes.NewReader(buf.Bytes()[:6]) // length header + partial body
	rr := NewRecordReader(truncated)
	if _, err := rr.Read(); err != io.ErrUnexpectedEOF {
		t.Errorf("expected io.ErrUnexpectedEOF on truncated body, got %v", err)
	}
}
