package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"callcore/internal/audio"
	"callcore/internal/ipc"
)

func request(t *testing.T, typ string, data any) ipc.Request {
	t.Helper()
	req, err := ipc.NewRequest(typ, data)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	return req
}

func TestDecodeAction_Payloads(t *testing.T) {
	yes := true
	cases := []struct {
		name string
		req  ipc.Request
		want Action
	}{
		{"battery", request(t, TypeBatterySetMonitoring, map[string]bool{"enabled": true}), SetBatteryMonitoring{Enabled: true}},
		{"permission", request(t, TypePermissionsRequest, map[string]string{"kind": "camera"}), RequestPermission{Kind: "camera"}},
		{"should record", request(t, TypeAudioSetShouldRecord, map[string]bool{"enabled": true}), SetShouldRecord{Enabled: true}},
		{"muted", request(t, TypeAudioSetMuted, map[string]bool{"muted": true}), SetMuted{Muted: true}},
		{"override", request(t, TypeAudioSetOverrideOutput, map[string]string{"port": "speaker"}), SetOverrideOutput{Port: audio.PortOverride("speaker")}},
		{"sdp partial", request(t, TypeSDPSet, map[string]bool{"opus_dtx": true}), SetSDP{OpusDTX: &yes}},
		{"rewrite", request(t, TypeSDPRewrite, map[string]string{"sdp": "v=0"}), RewriteSDP{SDP: "v=0"}},
		{"join", request(t, TypeCallJoin, JoinCall{Ring: true}), JoinCall{Ring: true}},
		{"join empty", request(t, TypeCallJoin, nil), JoinCall{}},
		{"accept", request(t, TypeCallAccept, nil), AcceptCall{}},
		{"reject", request(t, TypeCallReject, map[string]string{"reason": "busy"}), RejectCall{Reason: "busy"}},
		{"leave", request(t, TypeCallLeave, nil), LeaveCall{}},
		{"connect", request(t, TypeRTCConnect, nil), ConnectRTC{}},
		{"disconnect default", request(t, TypeRTCDisconnect, nil), DisconnectRTC{Strategy: "fast"}},
		{"disconnect migrate", request(t, TypeRTCDisconnect, map[string]string{"strategy": "migrate"}), DisconnectRTC{Strategy: "migrate"}},
		{"rtc leave", request(t, TypeRTCLeave, nil), LeaveRTC{}},
		{"state", request(t, TypeState, nil), GetState{}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := DecodeAction(tc.req)
			if err != nil {
				t.Fatalf("DecodeAction: %v", err)
			}
			// SetSDP holds pointers; compare through JSON.
			gb, _ := json.Marshal(got)
			wb, _ := json.Marshal(tc.want)
			if fmt.Sprintf("%T", got) != fmt.Sprintf("%T", tc.want) || string(gb) != string(wb) {
				t.Fatalf("got %T %s, want %T %s", got, gb, tc.want, wb)
			}
			if s, ok := got.(SetSDP); ok && s.RedundantCoding != nil {
				t.Fatalf("absent redundant_coding should stay nil")
			}
		})
	}
}

func TestDecodeAction_AudioConfig(t *testing.T) {
	req := ipc.Request{
		Type: TypeAudioSetConfig,
		Data: json.RawMessage(`{"category":"playAndRecord","mode":"voiceChat","options":["allowBluetoothHFP","defaultToSpeaker"]}`),
	}
	got, err := DecodeAction(req)
	if err != nil {
		t.Fatalf("DecodeAction: %v", err)
	}
	a, ok := got.(SetAudioConfig)
	if !ok {
		t.Fatalf("expected SetAudioConfig, got %T", got)
	}
	if a.Category != audio.CategoryPlayAndRecord || a.Mode != audio.ModeVoiceChat {
		t.Fatalf("unexpected category/mode %+v", a)
	}
	if a.Options != audio.OptionAllowBluetoothHFP|audio.OptionDefaultToSpeaker {
		t.Fatalf("unexpected options %v", a.Options)
	}
}

func TestDecodeAction_Errors(t *testing.T) {
	if _, err := DecodeAction(ipc.Request{Type: "volume.up"}); !errors.Is(err, ErrUnknownAction) {
		t.Fatalf("expected ErrUnknownAction, got %v", err)
	}
	if _, err := DecodeAction(ipc.Request{Type: TypePermissionsRequest}); err == nil {
		t.Fatalf("expected error for missing kind")
	}
	if _, err := DecodeAction(ipc.Request{Type: TypeSDPRewrite, Data: json.RawMessage(`{}`)}); err == nil {
		t.Fatalf("expected error for missing sdp")
	}
	if _, err := DecodeAction(ipc.Request{Type: TypeCallJoin, Data: json.RawMessage(`{"ring":"yes"}`)}); err == nil {
		t.Fatalf("expected error for malformed payload")
	}
	if _, err := DecodeAction(ipc.Request{Type: TypeAudioSetConfig, Data: json.RawMessage(`{"options":["teleport"]}`)}); err == nil {
		t.Fatalf("expected error for unknown audio option")
	}
}
