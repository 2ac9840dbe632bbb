package generation

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/edustream/voice-session/internal/config"
)

func newTestClient(url string) *HTTPClient {
	return NewHTTPClient(&config.Config{
		GenerationURL:     url,
		GenerationTimeout: 5 * time.Second,
	}, zerolog.Nop())
}

func collect(ch <-chan TextChunk) []TextChunk {
	var out []TextChunk
	for c := range ch {
		out = append(out, c)
	}
	return out
}

func TestHTTPClient_StreamsChunks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("Expected POST, got %s", r.Method)
		}
		fmt.Fprintln(w, `{"text":"Hello there."}`)
		fmt.Fprintln(w, `{"text":"How can I help?"}`)
		fmt.Fprintln(w, `{"done":true}`)
	}))
	defer srv.Close()

	ch, err := newTestClient(srv.URL).Generate(context.Background(), "conv-1", "hi")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	chunks := collect(ch)
	if len(chunks) != 2 {
		t.Fatalf("Expected 2 chunks, got %d", len(chunks))
	}
	// Indexes ascend from 1 and double as playback chunk ids.
	if chunks[0].Index != 1 || chunks[1].Index != 2 {
		t.Errorf("Expected indexes 1,2, got %d,%d", chunks[0].Index, chunks[1].Index)
	}
	if chunks[0].Text != "Hello there." {
		t.Errorf("Unexpected first chunk text: %q", chunks[0].Text)
	}
}

func TestHTTPClient_SkipsMalformedLines(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `not json at all`)
		fmt.Fprintln(w, ``)
		fmt.Fprintln(w, `{"text":"Still fine."}`)
		fmt.Fprintln(w, `{"done":true}`)
	}))
	defer srv.Close()

	ch, err := newTestClient(srv.URL).Generate(context.Background(), "conv-1", "hi")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	chunks := collect(ch)
	if len(chunks) != 1 {
		t.Fatalf("Expected 1 chunk, got %d", len(chunks))
	}
	if chunks[0].Index != 1 {
		t.Errorf("Expected index 1, got %d", chunks[0].Index)
	}
}

func TestHTTPClient_StreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"text":"First."}`)
		fmt.Fprintln(w, `{"error":"model overloaded"}`)
		fmt.Fprintln(w, `{"text":"Never delivered."}`)
	}))
	defer srv.Close()

	ch, err := newTestClient(srv.URL).Generate(context.Background(), "conv-1", "hi")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	// The stream stops at the error line; chunks before it are delivered.
	chunks := collect(ch)
	if len(chunks) != 1 {
		t.Fatalf("Expected 1 chunk before stream error, got %d", len(chunks))
	}
}

func TestHTTPClient_NonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	if _, err := newTestClient(srv.URL).Generate(context.Background(), "conv-1", "hi"); err == nil {
		t.Fatal("Expected error for non-200 response")
	}
}

func TestHTTPClient_ContextCancellation(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"text":"First."}`)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-release
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := newTestClient(srv.URL).Generate(ctx, "conv-1", "hi")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	first := <-ch
	if first.Index != 1 {
		t.Fatalf("Expected first chunk, got %+v", first)
	}
	cancel()

	// The channel closes promptly after cancellation.
	select {
	case _, open := <-ch:
		if open {
			// A chunk may have been buffered before cancel; the channel
			// must still close.
			select {
			case _, open := <-ch:
				if open {
					t.Error("Expected channel to close after cancellation")
				}
			case <-time.After(2 * time.Second):
				t.Error("Channel did not close after cancellation")
			}
		}
	case <-time.After(2 * time.Second):
		t.Error("Channel did not close after cancellation")
	}
}
