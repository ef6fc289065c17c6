package protocol

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestEncodeDecode(t *testing.T) {
	req := &BuildRequest{
		Recipe:  "/src/stagehand.yaml",
		Context: "/src",
		Targets: []string{"app"},
		Args:    map[string]string{"VERSION": "2"},
		Jobs:    4,
	}

	data, err := Encode(CmdBuild, req)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.ContainsRune(data, '\n') {
		t.Fatalf("encoded message spans lines: %s", data)
	}

	env, payload, err := Decode(append(data, '\n'))
	if err != nil {
		t.Fatal(err)
	}
	if env.Command != CmdBuild {
		t.Errorf("Command = %q, want %q", env.Command, CmdBuild)
	}

	got, err := DecodePayload[BuildRequest](payload)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(req, got); diff != "" {
		t.Errorf("payload mismatch (-want +got):\n%s", diff)
	}
}

func TestEncodeNilPayload(t *testing.T) {
	data, err := Encode(CmdShutdown, nil)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"command":"shutdown"}` {
		t.Errorf("Encode() = %s", data)
	}

	_, payload, err := Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	v, err := DecodePayload[StatusResult](payload)
	if err != nil {
		t.Fatal(err)
	}
	if *v != (StatusResult{}) {
		t.Errorf("DecodePayload() = %+v, want zero value", v)
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", "hello"},
		{"missing command", `{"payload":{}}`},
		{"wrong type", `{"command":3}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := Decode([]byte(tt.data)); !errors.Is(err, ErrMalformed) {
				t.Errorf("Decode() error = %v, want ErrMalformed", err)
			}
		})
	}
}

func TestDecodePayloadMismatch(t *testing.T) {
	_, err := DecodePayload[StagesRequest]([]byte(`{"recipe":42}`))
	if !errors.Is(err, ErrMalformed) {
		t.Errorf("DecodePayload() error = %v, want ErrMalformed", err)
	}
}
