package mutation

import (
	"reflect"
	"testing"
)

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	rec := Record{
		Header: Header{
			Reign:          3,
			Type:           "set",
			ID:             "abc-123",
			Timestamp:      1699999999,
			RandomSeed:     0xdeadbeef,
			PrevRandomSeed: 0xfeedface,
			SequenceNumber: 42,
			Term:           7,
			Segment:        2,
			Record:         5,
		},
		Payload: []byte{1, 2, 3, 4, 5},
	}

	data := Marshal(rec)
	got, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !reflect.DeepEqual(got, rec) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, rec)
	}
}

func TestUnmarshalTruncated(t *testing.T) {
	rec := Record{Header: Header{Type: "x"}, Payload: []byte("hello")}
	data := Marshal(rec)
	for i := 0; i < len(data); i++ {
		if _, err := Unmarshal(data[:i]); err == nil {
			t.Fatalf("expected error unmarshaling truncated data at length %d", i)
		}
	}
}

func TestEmptyPayload(t *testing.T) {
	rec := Record{Header: Header{Type: "noop"}, Payload: nil}
	data := Marshal(rec)
	got, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(got.Payload) != 0 {
		t.Fatalf("expected empty payload, got %v", got.Payload)
	}
}
