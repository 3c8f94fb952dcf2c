package pipeline

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workshop/config"
	"workshop/fault"
	"workshop/subtitle"
	"workshop/task"
)

// fakeChat answers every request by upper-casing its subtitle text, split
// over several stream fragments.
type fakeChat struct {
	mu       sync.Mutex
	requests []ChatRequest
	// prefix is sent before the first fragment of every answer.
	prefix string
	// onChunk runs before fragment n of request r is returned.
	onChunk func(r, n int)
}

func (f *fakeChat) Stream(ctx context.Context, req ChatRequest) (ChatStream, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	r := len(f.requests)
	f.mu.Unlock()

	var parts []string
	if f.prefix != "" {
		parts = append(parts, f.prefix)
	}
	for _, block := range strings.SplitAfter(strings.ToUpper(req.User), "\n\n") {
		if block != "" {
			parts = append(parts, block)
		}
	}
	return &fakeStream{parts: parts, onChunk: func(n int) {
		if f.onChunk != nil {
			f.onChunk(r, n)
		}
	}}, nil
}

func (f *fakeChat) Requests() []ChatRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ChatRequest(nil), f.requests...)
}

type fakeStream struct {
	parts   []string
	n       int
	onChunk func(n int)
}

func (s *fakeStream) Recv() (string, error) {
	if s.n >= len(s.parts) {
		return "", io.EOF
	}
	s.onChunk(s.n)
	p := s.parts[s.n]
	s.n++
	return p, nil
}

func (s *fakeStream) Close() {}

func writeCues(t *testing.T, path string, n int) {
	t.Helper()
	cues := make([]subtitle.Cue, n)
	for i := range cues {
		cues[i] = subtitle.Cue{
			Index: i + 1,
			Start: time.Duration(i) * time.Second,
			End:   time.Duration(i)*time.Second + 800*time.Millisecond,
			Text:  fmt.Sprintf("line %d", i+1),
		}
	}
	require.NoError(t, os.WriteFile(path, []byte(subtitle.Format(cues)), 0o644))
}

func translateSettings(mutate func(s *config.Settings)) StaticSettings {
	s := config.Defaults()
	s.Translate.APIKey = "sk-test"
	if mutate != nil {
		mutate(&s)
	}
	return StaticSettings(s)
}

func TestTranslateBatchesAndStripsThink(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, SourceSubtitleName)
	writeCues(t, src, 120)

	chat := &fakeChat{prefix: "<think>\nlet me see\n</think>\n"}
	var gotProvider Provider
	w := &TranslateWorker{
		Settings: translateSettings(nil),
		Logger:   quietLogger(),
		NewClient: func(p Provider, s config.Settings) ChatClient {
			gotProvider = p
			return chat
		},
	}
	rec := &recorder{}

	out, err := w.Run(context.Background(), task.Task{Kind: task.KindTranslate, Args: TranslateArgs{SrtPath: src, TargetLang: "日本語"}}, rec)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, TranslatedSubtitleName), out)
	assert.Equal(t, "gpt-4o-mini", gotProvider.Model)

	reqs := chat.Requests()
	require.Len(t, reqs, 3)
	assert.Contains(t, reqs[0].System, "日本語")
	assert.Contains(t, reqs[0].System, "English")
	assert.True(t, strings.HasPrefix(reqs[1].User, "51\n"))
	assert.Equal(t, float32(0.7), reqs[0].Temperature)

	var percents []float64
	for _, u := range rec.updates {
		percents = append(percents, u.Percent)
	}
	require.Len(t, percents, 3)
	assert.InDelta(t, 100.0/3, percents[0], 0.01)
	assert.Equal(t, 100.0, percents[2])
	assert.Equal(t, "<think>\nlet me see\n</think>\n", rec.chunks[0])

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "<think>")
	cues, err := subtitle.Parse(strings.NewReader(string(data)))
	require.NoError(t, err)
	require.Len(t, cues, 120)
	assert.Equal(t, "LINE 120", cues[119].Text)
}

func TestTranslateCancelKeepsPartialOutput(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, SourceSubtitleName)
	writeCues(t, src, 120)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	chat := &fakeChat{onChunk: func(r, n int) {
		if r == 2 && n == 1 {
			cancel()
		}
	}}
	w := &TranslateWorker{
		Settings:  translateSettings(nil),
		Logger:    quietLogger(),
		NewClient: func(Provider, config.Settings) ChatClient { return chat },
	}

	_, err := w.Run(ctx, task.Task{Kind: task.KindTranslate, Args: TranslateArgs{SrtPath: src}}, &recorder{})
	require.ErrorIs(t, err, context.Canceled)

	data, err := os.ReadFile(filepath.Join(dir, TranslatedSubtitleName))
	require.NoError(t, err)
	cues, err := subtitle.Parse(strings.NewReader(string(data)))
	require.NoError(t, err)
	assert.Len(t, cues, 52, "first batch plus the fragments received before cancellation")
}

func TestTranslateChunkEvents(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, SourceSubtitleName)
	writeCues(t, src, 3)

	w := &TranslateWorker{
		Settings:  translateSettings(nil),
		Logger:    quietLogger(),
		NewClient: func(Provider, config.Settings) ChatClient { return &fakeChat{} },
	}
	s, bus := startScheduler(t, task.KindTranslate, w)
	chunks := collect[task.ChunkEvent](bus, task.TopicTranslateUpdate)

	tk, err := s.Submit(TranslateArgs{SrtPath: src})
	require.NoError(t, err)
	waitStatus(t, s, tk.ID, task.StatusDone)

	got := chunks()
	require.Len(t, got, 3)
	assert.Equal(t, tk.ID, got[0].TaskID)
	assert.Equal(t, "1\n00:00:00,000 --> 00:00:00,800\nLINE 1\n\n", got[0].Chunk)
}

func TestTranslateEmptyInput(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, SourceSubtitleName)
	require.NoError(t, os.WriteFile(src, []byte("\n\n"), 0o644))
	w := &TranslateWorker{
		Settings:  translateSettings(nil),
		Logger:    quietLogger(),
		NewClient: func(Provider, config.Settings) ChatClient { return &fakeChat{} },
	}
	_, err := w.Run(context.Background(), task.Task{Args: TranslateArgs{SrtPath: src}}, &recorder{})
	assert.True(t, fault.Is(err, fault.KindValidation))
}

func TestResolveProvider(t *testing.T) {
	ts := config.Defaults().Translate

	_, err := ResolveProvider("openai", ts)
	assert.True(t, fault.Is(err, fault.KindConfiguration), "key required")

	p, err := ResolveProvider("ollama", ts)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:11434/v1", p.BaseURL)

	_, err = ResolveProvider("custom", ts)
	assert.True(t, fault.Is(err, fault.KindConfiguration))

	ts.APIKey = "k"
	ts.BaseURL = "https://llm.internal/v1"
	ts.CustomModelName = "my-model"
	p, err = ResolveProvider("custom", ts)
	require.NoError(t, err)
	assert.Equal(t, Provider{BaseURL: "https://llm.internal/v1", Model: "my-model"}, p)

	_, err = ResolveProvider("nope", ts)
	assert.True(t, fault.Is(err, fault.KindConfiguration))
}

func TestStripThink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.srt")
	require.NoError(t, os.WriteFile(path, []byte("<think>a</think>\n1\nx\n\n<think>\nb\n</think>2\ny\n"), 0o644))
	require.NoError(t, StripThink(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "1\nx\n\n2\ny\n", string(data))
}

func sseServer(t *testing.T, status int, chunks ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		if status != http.StatusOK {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_, _ = io.WriteString(w, `{"error":{"message":"invalid api key","type":"invalid_request_error"}}`)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, c := range chunks {
			fmt.Fprintf(w, "data: {\"id\":\"c1\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":\"m\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", c)
		}
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestTranslateStreamOutlivesHTTPTimeout(t *testing.T) {
	words := []string{"one ", "two ", "three ", "four ", "five"}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		for _, c := range words {
			time.Sleep(100 * time.Millisecond)
			fmt.Fprintf(w, "data: {\"id\":\"c1\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":\"m\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", c)
			w.(http.Flusher).Flush()
		}
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	src := filepath.Join(dir, SourceSubtitleName)
	writeCues(t, src, 3)

	w := &TranslateWorker{
		Settings: translateSettings(func(s *config.Settings) {
			s.Translate.Provider = "custom"
			s.Translate.BaseURL = srv.URL
			s.Translate.CustomModelName = "m"
			s.Timeout.HTTP = 200 * time.Millisecond
		}),
		Logger: quietLogger(),
	}
	rec := &recorder{}

	out, err := w.Run(context.Background(), task.Task{Kind: task.KindTranslate, Args: TranslateArgs{SrtPath: src}}, rec)
	require.NoError(t, err)
	assert.Equal(t, words, rec.chunks)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(data), "one two three four five")
}

func TestOpenAIClientStream(t *testing.T) {
	srv := sseServer(t, http.StatusOK, "你好", "，世界")
	c := NewOpenAIClient(srv.URL, "sk-test", srv.Client())

	stream, err := c.Stream(context.Background(), ChatRequest{Model: "m", System: "s", User: "u"})
	require.NoError(t, err)
	defer stream.Close()

	var b strings.Builder
	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		b.WriteString(chunk)
	}
	assert.Equal(t, "你好，世界", b.String())
}

func TestOpenAIClientRejectedKey(t *testing.T) {
	srv := sseServer(t, http.StatusUnauthorized)
	c := NewOpenAIClient(srv.URL, "sk-test", srv.Client())

	_, err := c.Stream(context.Background(), ChatRequest{Model: "m", User: "u"})
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.KindConfiguration))
}
