package codec

import (
	"bytes"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

type user struct {
	Name  string            `json:"name" cbor:"name" msgpack:"name"`
	Tags  map[string]string `json:"tags" cbor:"tags" msgpack:"tags"`
	Visit int               `json:"visit" cbor:"visit" msgpack:"visit"`
}

func sample() user {
	return user{Name: "ada", Tags: map[string]string{"z": "1", "a": "2", "m": "3"}, Visit: 7}
}

func TestRoundTripAndDeterminism(t *testing.T) {
	cases := []struct {
		name string
		c    Codec[user]
	}{
		{"json", JSON[user]{}},
		{"msgpack", Msgpack[user]{}},
		{"cbor", MustCBOR[user](true)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b1, err := tc.c.Encode(sample())
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			for i := 0; i < 10; i++ {
				b2, _ := tc.c.Encode(sample())
				if !bytes.Equal(b1, b2) {
					t.Fatalf("encoding not deterministic")
				}
			}
			got, err := tc.c.Decode(b1)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if diff := cmp.Diff(sample(), got); diff != "" {
				t.Fatalf("round trip (-want +got):\n%s", diff)
			}
		})
	}
}

func TestProtobuf(t *testing.T) {
	c := NewProtobuf(func() *wrapperspb.StringValue { return &wrapperspb.StringValue{} })
	b, err := c.Encode(wrapperspb.String("hello"))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	m, err := c.Decode(b)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !proto.Equal(m, wrapperspb.String("hello")) {
		t.Fatalf("got %v", m)
	}
}

func TestLimit(t *testing.T) {
	c := Limit[string]{Inner: String{}, MaxEncode: 4, MaxDecode: 2}
	if _, err := c.Encode("12345"); err == nil || !strings.Contains(err.Error(), "too large") {
		t.Fatalf("oversized encode accepted: %v", err)
	}
	if _, err := c.Decode([]byte("123")); err == nil {
		t.Fatalf("oversized decode accepted")
	}
	if v, err := c.Decode([]byte("12")); err != nil || v != "12" {
		t.Fatalf("Decode = %q, %v", v, err)
	}
}
