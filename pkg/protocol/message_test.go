package protocol

import (
	"encoding/json"
	"testing"
)

// ---------------------------------------------------------------------------
// Classify
// ---------------------------------------------------------------------------

func TestClassify(t *testing.T) {
	cases := []struct {
		name        string
		raw         string
		wantRequest bool
		wantResp    bool
	}{
		{"request", `{"rid":"1","name":"ping","timeout":5}`, true, false},
		{"response", `{"rid":"1","status":"success"}`, false, true},
		{"malformed", `{"rid":"1"}`, false, false},
		{"not json", `not json at all`, false, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			isReq, isResp := Classify(json.RawMessage(tc.raw))
			if isReq != tc.wantRequest || isResp != tc.wantResp {
				t.Errorf("Classify(%q) = (%v, %v), want (%v, %v)", tc.raw, isReq, isResp, tc.wantRequest, tc.wantResp)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Request/Response wire round trip
// ---------------------------------------------------------------------------

func TestRequestRoundTrip(t *testing.T) {
	orig := &Request{Rid: "abc", Name: ReqPing, Timeout: 10}
	b, err := json.Marshal(orig)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded Request
	if err := json.Unmarshal(b, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.Rid != orig.Rid || decoded.Name != orig.Name || decoded.Timeout != orig.Timeout {
		t.Errorf("round trip mismatch: got %+v, want %+v", decoded, *orig)
	}
}

func TestRegisterPayloadModeRoundTrip(t *testing.T) {
	orig := RegisterPayload{Mode: ModeTerminal, Mid: "m1", Sid: "s1"}
	b, err := json.Marshal(orig)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded RegisterPayload
	if err := json.Unmarshal(b, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.Mode != ModeTerminal {
		t.Errorf("Mode = %v, want %v", decoded.Mode, ModeTerminal)
	}
	if decoded.Mid != "m1" || decoded.Sid != "s1" {
		t.Errorf("unexpected payload: %+v", decoded)
	}
}

// ---------------------------------------------------------------------------
// Mode.String
// ---------------------------------------------------------------------------

func TestModeString(t *testing.T) {
	cases := map[Mode]string{
		ModeNone:     "none",
		ModeAgent:    "agent",
		ModeTerminal: "terminal",
		ModeShell:    "shell",
		ModeFile:     "file",
		ModeForward:  "forward",
		Mode(99):     "none",
	}
	for mode, want := range cases {
		if got := mode.String(); got != want {
			t.Errorf("Mode(%d).String() = %q, want %q", mode, got, want)
		}
	}
}

// ---------------------------------------------------------------------------
// RequestNames completeness
// ---------------------------------------------------------------------------

func TestRequestNamesCoversEveryRequestConstant(t *testing.T) {
	names := []string{
		ReqRegister, ReqPing, ReqUpgrade, ReqTerminal, ReqShell,
		ReqFileDownload, ReqClearToDownload, ReqFileUpload, ReqClearToUpload,
		ReqRequestToDownload, ReqForward, ReqListTree, ReqFstat,
		ReqCreateSymlink, ReqMkdir,
	}
	for _, n := range names {
		if _, ok := RequestNames[n]; !ok {
			t.Errorf("RequestNames missing entry for %q", n)
		}
	}
}
