package stt_test

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/tablevoice/pkg/provider/stt"
)

type fakeTranscriber struct {
	res  stt.Result
	err  error
	reqs []stt.Request
}

func (f *fakeTranscriber) Transcribe(_ context.Context, req stt.Request) (stt.Result, error) {
	f.reqs = append(f.reqs, req)
	return f.res, f.err
}

func loud(samples int) []byte {
	buf := make([]byte, samples*2)
	for i := range samples {
		v := int16(4000)
		if i%2 == 1 {
			v = -4000
		}
		binary.LittleEndian.PutUint16(buf[2*i:], uint16(v))
	}
	return buf
}

func TestBatchSession_Defaults(t *testing.T) {
	ft := &fakeTranscriber{res: stt.Result{Text: " hi "}}
	s := stt.NewBatchSession(stt.StreamConfig{Language: "en"}, ft)

	_ = s.AppendAudio(loud(8000))
	res, err := s.Finalize(context.Background(), []string{"Azul"})
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if res.Text != "hi" {
		t.Errorf("Text = %q, want %q", res.Text, "hi")
	}
	if res.Duration != 500*time.Millisecond {
		t.Errorf("Duration = %v, want 500ms", res.Duration)
	}
	if len(ft.reqs) != 1 {
		t.Fatalf("requests = %d, want 1", len(ft.reqs))
	}
	req := ft.reqs[0]
	if req.Format.SampleRate != 16000 || req.Format.Channels != 1 {
		t.Errorf("format = %v, want 16000 Hz mono", req.Format)
	}
	if req.Language != "en" || len(req.Hints) != 1 || req.Hints[0] != "Azul" {
		t.Errorf("request = %+v", req)
	}
}

func TestBatchSession_EmptyRecordingIsLowConfidence(t *testing.T) {
	ft := &fakeTranscriber{}
	s := stt.NewBatchSession(stt.StreamConfig{}, ft)
	res, err := s.Finalize(context.Background(), nil)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if !res.LowConfidence {
		t.Error("LowConfidence = false, want true")
	}
	if len(ft.reqs) != 0 {
		t.Errorf("requests = %d, want 0", len(ft.reqs))
	}
}

func TestBatchSession_FinalizeOnce(t *testing.T) {
	ft := &fakeTranscriber{res: stt.Result{Text: "x"}}
	s := stt.NewBatchSession(stt.StreamConfig{}, ft)
	_ = s.AppendAudio(loud(160))
	if _, err := s.Finalize(context.Background(), nil); err != nil {
		t.Fatalf("first Finalize: %v", err)
	}
	if _, err := s.Finalize(context.Background(), nil); err == nil {
		t.Error("second Finalize succeeded, want error")
	}
	if err := s.AppendAudio(loud(160)); err == nil {
		t.Error("AppendAudio after Finalize succeeded, want error")
	}
}

func TestBatchSession_PropagatesError(t *testing.T) {
	boom := errors.New("boom")
	s := stt.NewBatchSession(stt.StreamConfig{}, &fakeTranscriber{err: boom})
	_ = s.AppendAudio(loud(160))
	if _, err := s.Finalize(context.Background(), nil); !errors.Is(err, boom) {
		t.Errorf("Finalize = %v, want boom", err)
	}
}

func TestPromptFromHints(t *testing.T) {
	tests := []struct {
		hints []string
		want  string
	}{
		{nil, ""},
		{[]string{"a"}, "a"},
		{[]string{" Settler ", "", "Robber"}, "Settler, Robber"},
	}
	for _, tt := range tests {
		if got := stt.PromptFromHints(tt.hints); got != tt.want {
			t.Errorf("PromptFromHints(%q) = %q, want %q", tt.hints, got, tt.want)
		}
	}
}
