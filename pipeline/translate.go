package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"

	"workshop/config"
	"workshop/fault"
	"workshop/fsutil"
	"workshop/progress"
	"workshop/subtitle"
	"workshop/task"
)

var reThink = regexp.MustCompile(`(?s)<think>.*?</think>\s*`)

// ClientFactory builds the chat client for one run.
type ClientFactory func(p Provider, s config.Settings) ChatClient

// defaultClientFactory bounds only connection setup and response headers by
// timeout.http. A batch streams until it ends or the run context is done.
func defaultClientFactory(p Provider, s config.Settings) ChatClient {
	return NewOpenAIClient(p.BaseURL, s.Translate.APIKey, s.Net.StreamingClient(s.Timeout.HTTP))
}

type TranslateWorker struct {
	Settings  SettingsSource
	NewClient ClientFactory
	Logger    *logrus.Logger
}

func (a TranslateArgs) output() string {
	if a.OutputPath != "" {
		return a.OutputPath
	}
	return filepath.Join(filepath.Dir(a.Key()), TranslatedSubtitleName)
}

// Run translates the cues batch by batch. Every streamed fragment is
// appended to the output file as it arrives; cancellation is honoured
// between fragments and leaves what was written in place.
func (w *TranslateWorker) Run(ctx context.Context, t task.Task, r task.Reporter) (string, error) {
	a, err := argsOf[TranslateArgs](t)
	if err != nil {
		return "", err
	}
	s := w.Settings.Snapshot()
	ts := s.Translate
	name := ts.Provider
	if a.Provider != "" {
		name = a.Provider
	}
	if a.SourceLang != "" {
		ts.SourceLang = a.SourceLang
	}
	if a.TargetLang != "" {
		ts.TargetLang = a.TargetLang
	}
	if a.Temperature != nil {
		ts.Temperature = *a.Temperature
	}

	provider, err := ResolveProvider(name, ts)
	if err != nil {
		return "", err
	}

	f, err := os.Open(a.Key())
	if err != nil {
		return "", fault.Wrap(fault.KindExternal, err, "cannot read subtitles %s", a.Key())
	}
	cues, err := subtitle.Parse(f)
	f.Close()
	if err != nil {
		return "", fault.Wrap(fault.KindExternal, err, "cannot parse subtitles %s", a.Key())
	}
	if len(cues) == 0 {
		return "", fault.Validation("no subtitle cues in %s", a.Key())
	}

	out := a.output()
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return "", fault.Wrap(fault.KindConfiguration, err, "cannot create %s", filepath.Dir(out))
	}
	dst, err := os.OpenFile(out, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fault.Wrap(fault.KindConfiguration, err, "cannot write %s", out)
	}

	newClient := w.NewClient
	if newClient == nil {
		newClient = defaultClientFactory
	}
	client := newClient(provider, s)
	system := strings.NewReplacer("{source}", ts.SourceLang, "{target}", ts.TargetLang).Replace(ts.PromptTemplate)

	log := w.logger().WithFields(logrus.Fields{"kind": t.Kind, "task_id": t.ID, "model": provider.Model})
	batches := subtitle.Batch(cues, ts.BatchSize)
	log.Infof("translating %d cues in %d batches", len(cues), len(batches))

	tw := &chunkWriter{f: dst, r: r}
	for i, batch := range batches {
		req := ChatRequest{
			Model:       provider.Model,
			System:      system,
			User:        subtitle.Format(batch),
			Temperature: float32(ts.Temperature),
		}
		if err := w.streamBatch(ctx, client, req, tw); err != nil {
			dst.Close()
			return "", err
		}
		if err := tw.endBatch(); err != nil {
			dst.Close()
			return "", err
		}
		r.Progress(progress.Update{
			Percent: float64(i+1) * 100 / float64(len(batches)),
			Status:  fmt.Sprintf("batch %d/%d", i+1, len(batches)),
		})
	}
	if err := dst.Close(); err != nil {
		return "", fault.Wrap(fault.KindExternal, err, "cannot write %s", out)
	}

	if err := StripThink(out); err != nil {
		return "", err
	}
	return out, nil
}

func (w *TranslateWorker) streamBatch(ctx context.Context, client ChatClient, req ChatRequest, tw *chunkWriter) error {
	stream, err := client.Stream(ctx, req)
	if err != nil {
		return err
	}
	defer stream.Close()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if chunk == "" {
			continue
		}
		if err := tw.write(chunk); err != nil {
			return err
		}
	}
}

func (w *TranslateWorker) logger() *logrus.Logger {
	if w.Logger == nil {
		return logrus.StandardLogger()
	}
	return w.Logger
}

// chunkWriter appends fragments to the output and republishes them.
type chunkWriter struct {
	f    *os.File
	r    task.Reporter
	tail string
}

func (c *chunkWriter) write(chunk string) error {
	if _, err := c.f.WriteString(chunk); err != nil {
		return fault.Wrap(fault.KindExternal, err, "cannot write %s", c.f.Name())
	}
	c.tail = chunk
	c.r.Chunk(chunk)
	return nil
}

// endBatch makes sure consecutive batches are separated by a blank line.
func (c *chunkWriter) endBatch() error {
	var sep string
	switch {
	case c.tail == "", strings.HasSuffix(c.tail, "\n\n"):
		return nil
	case strings.HasSuffix(c.tail, "\n"):
		sep = "\n"
	default:
		sep = "\n\n"
	}
	if _, err := c.f.WriteString(sep); err != nil {
		return fault.Wrap(fault.KindExternal, err, "cannot write %s", c.f.Name())
	}
	c.tail = sep
	return nil
}

// StripThink removes reasoning blocks some models emit before the answer.
// The file is rewritten only when something was removed.
func StripThink(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fault.Wrap(fault.KindExternal, err, "cannot read %s", path)
	}
	cleaned := reThink.ReplaceAll(data, nil)
	if len(cleaned) == len(data) {
		return nil
	}
	if err := fsutil.WriteFileAtomic(path, cleaned, 0o644); err != nil {
		return fault.Wrap(fault.KindExternal, err, "cannot rewrite %s", path)
	}
	return nil
}
