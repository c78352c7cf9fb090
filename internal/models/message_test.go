package models

import (
	"encoding/json"
	"testing"
)

func TestParseSignalMessage_Offer(t *testing.T) {
	raw := []byte(`{
		"type":"offer",
		"meetingId":"ABC123",
		"to":"peer-b",
		"sdp":{"type":"offer","sdp":"v=0"}
	}`)

	got, err := ParseSignalMessage(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.Type != SignalTypeOffer || got.SDP == nil || got.SDP.SDP != "v=0" || got.To != "peer-b" {
		t.Fatalf("unexpected decoded offer: %#v", got)
	}
}

func TestParseSignalMessage_Candidate(t *testing.T) {
	raw := []byte(`{
		"type":"candidate",
		"meetingId":"ABC123",
		"to":"peer-b",
		"candidate":{
			"candidate":"candidate:1 1 udp 1 127.0.0.1 9 typ host",
			"sdpMid":"0",
			"sdpMLineIndex":0
		}
	}`)

	got, err := ParseSignalMessage(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.Candidate == nil || got.Candidate.SDPMid == nil || *got.Candidate.SDPMid != "0" {
		t.Fatalf("unexpected decoded candidate: %#v", got)
	}
}

func TestParseSignalMessage_DisallowUnknownFields(t *testing.T) {
	raw := []byte(`{"type":"leave","meetingId":"ABC123","unexpected":true}`)
	if _, err := ParseSignalMessage(raw); err == nil {
		t.Fatalf("expected error")
	}
}

func TestParseSignalMessage_RejectsTrailingData(t *testing.T) {
	raw := []byte(`{"type":"leave","meetingId":"ABC123"}{}`)
	if _, err := ParseSignalMessage(raw); err == nil {
		t.Fatalf("expected error")
	}
}

func TestSignalMessage_Validate(t *testing.T) {
	tests := []struct {
		name string
		msg  SignalMessage
		ok   bool
	}{
		{"join", SignalMessage{Type: SignalTypeJoinOrCreate, MeetingID: "ABC123"}, true},
		{"join without meeting", SignalMessage{Type: SignalTypeJoinOrCreate}, false},
		{"offer with answer sdp", SignalMessage{
			Type: SignalTypeOffer, MeetingID: "m", To: "b",
			SDP: &SessionDescription{Type: SDPTypeAnswer, SDP: "v=0"},
		}, false},
		{"reset offer", SignalMessage{
			Type: SignalTypeOffer, MeetingID: "m", To: "b", Reset: true,
			SDP: &SessionDescription{Type: SDPTypeOffer, SDP: "v=0"},
		}, true},
		{"reset answer", SignalMessage{
			Type: SignalTypeAnswer, MeetingID: "m", To: "b", Reset: true,
			SDP: &SessionDescription{Type: SDPTypeAnswer, SDP: "v=0"},
		}, false},
		{"answer without recipient", SignalMessage{
			Type: SignalTypeAnswer, MeetingID: "m",
			SDP: &SessionDescription{Type: SDPTypeAnswer, SDP: "v=0"},
		}, false},
		{"candidate with sdp", SignalMessage{
			Type: SignalTypeCandidate, MeetingID: "m", To: "b",
			Candidate: &ICECandidate{Candidate: "c"},
			SDP:       &SessionDescription{Type: SDPTypeOffer, SDP: "v=0"},
		}, false},
		{"user-joined without participant", SignalMessage{Type: SignalTypeUserJoined, MeetingID: "m"}, false},
		{"media-state", SignalMessage{Type: SignalTypeMediaState, MeetingID: "m", Media: &MediaState{Audio: true}}, true},
		{"unknown", SignalMessage{Type: "chat"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msg.Validate()
			if tt.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.ok && err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestSignalMessage_ExistingOmittedWhenFalse(t *testing.T) {
	b, err := json.Marshal(SignalMessage{Type: SignalTypeUserJoined, MeetingID: "m", ParticipantID: "p"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if got := string(b); got != `{"type":"user-joined","meetingId":"m","participantId":"p"}` {
		t.Fatalf("unexpected encoding: %s", got)
	}
}
