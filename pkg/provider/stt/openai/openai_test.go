package openai

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/MrWong99/tablevoice/pkg/provider/stt"
)

type form struct {
	model, language, prompt string
	include                 []string
	fileName                string
}

// newServer fakes POST /v1/audio/transcriptions, returning body and
// recording the submitted form.
func newServer(t *testing.T, status int, body any) (*httptest.Server, func() form) {
	t.Helper()
	var (
		mu   sync.Mutex
		last form
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/audio/transcriptions" {
			http.NotFound(w, r)
			return
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mu.Lock()
		last = form{
			model:    r.FormValue("model"),
			language: r.FormValue("language"),
			prompt:   r.FormValue("prompt"),
			include:  r.MultipartForm.Value["include[]"],
		}
		if fh := r.MultipartForm.File["file"]; len(fh) == 1 {
			last.fileName = fh[0].Filename
		}
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)
	return srv, func() form {
		mu.Lock()
		defer mu.Unlock()
		return last
	}
}

func speech() []byte {
	buf := make([]byte, 3200)
	for i := range 1600 {
		v := int16(8000 * math.Sin(float64(i)/4))
		binary.LittleEndian.PutUint16(buf[2*i:], uint16(v))
	}
	return buf
}

func finalize(t *testing.T, p *Provider, lang string, hints []string) (stt.Result, error) {
	t.Helper()
	sess, err := p.StartSession(context.Background(), stt.StreamConfig{Language: lang})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	defer sess.Close()
	if err := sess.AppendAudio(speech()); err != nil {
		t.Fatalf("AppendAudio: %v", err)
	}
	return sess.Finalize(context.Background(), hints)
}

func TestNew_Validation(t *testing.T) {
	if _, err := New("", "whisper-1"); err == nil {
		t.Error("expected error for empty apiKey")
	}
	p, err := New("key", "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.model != "whisper-1" {
		t.Errorf("model = %q, want whisper-1", p.model)
	}
	if p.minConfidence != DefaultMinConfidence {
		t.Errorf("minConfidence = %v, want %v", p.minConfidence, DefaultMinConfidence)
	}
}

func TestTranscribe_Whisper1(t *testing.T) {
	srv, last := newServer(t, http.StatusOK, map[string]any{"text": "Who starts the game?"})
	p, _ := New("key", "whisper-1", WithBaseURL(srv.URL+"/v1"), WithMaxRetries(0))

	res, err := finalize(t, p, "en-US", []string{"Carcassonne"})
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if res.Text != "Who starts the game?" {
		t.Errorf("Text = %q", res.Text)
	}
	if res.LowConfidence || res.Confidence != 0 {
		t.Errorf("confidence = %v/%v, want none reported", res.Confidence, res.LowConfidence)
	}

	f := last()
	if f.model != "whisper-1" {
		t.Errorf("model = %q", f.model)
	}
	if f.language != "en" {
		t.Errorf("language = %q, want en", f.language)
	}
	if f.prompt != "Carcassonne" {
		t.Errorf("prompt = %q", f.prompt)
	}
	if len(f.include) != 0 {
		t.Errorf("include = %v, want none for whisper-1", f.include)
	}
	if f.fileName != "audio.wav" {
		t.Errorf("file name = %q", f.fileName)
	}
}

func TestTranscribe_LogprobConfidence(t *testing.T) {
	tests := []struct {
		name    string
		logprob float64
		wantLow bool
	}{
		{"confident", -0.05, false},
		{"mumbled", -2.0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, last := newServer(t, http.StatusOK, map[string]any{
				"text": "ok then",
				"logprobs": []map[string]any{
					{"token": "ok", "logprob": tt.logprob},
					{"token": " then", "logprob": tt.logprob},
				},
			})
			p, _ := New("key", "gpt-4o-mini-transcribe", WithBaseURL(srv.URL+"/v1"), WithMaxRetries(0))

			res, err := finalize(t, p, "", nil)
			if err != nil {
				t.Fatalf("Finalize: %v", err)
			}
			if res.LowConfidence != tt.wantLow {
				t.Errorf("LowConfidence = %v, want %v (confidence %v)", res.LowConfidence, tt.wantLow, res.Confidence)
			}
			if want := math.Exp(tt.logprob); math.Abs(res.Confidence-want) > 1e-9 {
				t.Errorf("Confidence = %v, want %v", res.Confidence, want)
			}
			if f := last(); len(f.include) != 1 || f.include[0] != "logprobs" {
				t.Errorf("include = %v, want [logprobs]", f.include)
			}
		})
	}
}

func TestTranscribe_APIError(t *testing.T) {
	srv, _ := newServer(t, http.StatusUnauthorized, map[string]any{
		"error": map[string]any{"message": "bad key", "type": "invalid_request_error"},
	})
	p, _ := New("key", "whisper-1", WithBaseURL(srv.URL+"/v1"), WithMaxRetries(0))

	if _, err := finalize(t, p, "", nil); err == nil {
		t.Fatal("expected error for HTTP 401")
	}
}

func TestConfidence(t *testing.T) {
	if got := Confidence(nil); got != 0 {
		t.Errorf("Confidence(nil) = %v, want 0", got)
	}
	if got := Confidence([]float64{0, 0}); got != 1 {
		t.Errorf("Confidence(0,0) = %v, want 1", got)
	}
}

func TestBaseLanguage(t *testing.T) {
	for in, want := range map[string]string{"": "", "en": "en", "de-DE": "de", "pt_BR": "pt", "EN": "en"} {
		if got := baseLanguage(in); got != want {
			t.Errorf("baseLanguage(%q) = %q, want %q", in, got, want)
		}
	}
}
