package pipeline

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workshop/config"
	"workshop/fault"
	"workshop/process"
	"workshop/task"
)

func TestDownloadProgressMonotonicity(t *testing.T) {
	dest := t.TempDir()
	ex := &scriptExec{run: func(ctx context.Context, cmd process.Command, emit process.LineFunc) error {
		for _, l := range []string{
			"[youtube] abc123: Downloading webpage",
			"[download] Destination: " + dest + "/生肉.mp4",
			"[download]   3.0% of 80.00MiB at  1.20MiB/s ETA 01:05",
			"[download]  17.0% of 80.00MiB at  2.40MiB/s ETA 00:28",
			"[download]  42.0% of 80.00MiB at  3.10MiB/s ETA 00:15",
			"[download]  99.0% of 80.00MiB at  3.30MiB/s ETA 00:00",
			"[download] 100% of 80.00MiB in 00:00:27 at 2.96MiB/s",
		} {
			emit(process.Stdout, l)
		}
		return nil
	}}
	w := &DownloadWorker{Deps: testDeps(ex, nil)}
	s, bus := startScheduler(t, task.KindDownload, w)
	progressEvents := collect[task.ProgressEvent](bus, task.ProgressTopic(task.KindDownload))
	finished := collect[task.FinishedEvent](bus, task.FinishedTopic(task.KindDownload))

	tk, err := s.Submit(DownloadArgs{URL: "https://www.youtube.com/watch?v=abc123", DestDir: dest, FileName: "生肉"})
	require.NoError(t, err)
	got := waitStatus(t, s, tk.ID, task.StatusDone)

	var percents []float64
	for _, ev := range progressEvents() {
		percents = append(percents, ev.Percent)
	}
	assert.Equal(t, []float64{3, 17, 42, 99, 100}, percents)

	require.Eventually(t, func() bool { return len(finished()) == 1 }, time.Second, 5*time.Millisecond)
	fin := finished()
	assert.True(t, fin[0].Success)
	assert.Equal(t, dest+"/生肉.mp4", fin[0].Message)
	assert.Equal(t, dest+"/生肉.mp4", got.Filename)
	assert.Equal(t, "2.96MiB/s", got.SpeedHint)

	calls := ex.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "yt-dlp", calls[0].Path)
	assert.Equal(t, []string{"--", "https://www.youtube.com/watch?v=abc123"}, calls[0].Args[len(calls[0].Args)-2:])
}

func TestDownloadFailureIsExternal(t *testing.T) {
	ex := &scriptExec{run: func(ctx context.Context, cmd process.Command, emit process.LineFunc) error {
		emit(process.Stderr, "ERROR: [youtube] abc: Video unavailable")
		return &process.ExitError{Code: 1, Stderr: "ERROR: [youtube] abc: Video unavailable"}
	}}
	w := &DownloadWorker{Deps: testDeps(ex, nil)}
	_, err := w.Run(context.Background(), task.Task{Kind: task.KindDownload, Args: DownloadArgs{URL: "https://x.test/v", DestDir: t.TempDir()}}, &recorder{})
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.KindExternal))
	assert.Contains(t, err.Error(), "Video unavailable")
}

func TestDownloadPreflight(t *testing.T) {
	ex := &scriptExec{run: func(ctx context.Context, cmd process.Command, emit process.LineFunc) error {
		t.Fatal("no process may be spawned when pre-flight fails")
		return nil
	}}

	t.Run("missing tool", func(t *testing.T) {
		deps := testDeps(ex, nil)
		deps.LookPath = func(string) (string, error) { return "", assert.AnError }
		w := &DownloadWorker{Deps: deps}
		_, err := w.Run(context.Background(), task.Task{Args: DownloadArgs{URL: "https://x.test/v", DestDir: t.TempDir()}}, &recorder{})
		assert.True(t, fault.Is(err, fault.KindConfiguration))
	})

	t.Run("unreachable source", func(t *testing.T) {
		deps := testDeps(ex, func(s *config.Settings) { s.Download.Probe = true })
		w := &DownloadWorker{Deps: deps, Probe: func(ctx context.Context, url string, n config.NetSettings) error {
			return fault.New(fault.KindNetwork, "source unreachable: %s", url)
		}}
		_, err := w.Run(context.Background(), task.Task{Args: DownloadArgs{URL: "https://x.test/v", DestDir: t.TempDir()}}, &recorder{})
		assert.True(t, fault.Is(err, fault.KindNetwork))
	})
}

func TestDownloadCommandArgs(t *testing.T) {
	s := config.Defaults()
	s.Retry.Attempts = 5
	s.Net.Proxy = config.ProxySettings{Enabled: true, URL: "socks5://127.0.0.1:1080"}
	s.Tool.Transcoder.Path = "/opt/ffmpeg/bin/ffmpeg"

	opts := s.Download
	opts.Quality = "1080"
	opts.WriteSubs = true
	opts.SubLangs = "en,ja"
	opts.WriteThumb = true
	opts.Cookies = config.CookieSettings{Enabled: true, Path: "/c/cookies.txt"}
	opts.RateLimit = 2 * 1024 * 1024
	opts.ExtraArgs = "--concurrent-fragments 4"

	args, err := DownloadCommandArgs(DownloadArgs{URL: " https://v.test/w ", DestDir: "/p/1", FileName: "生肉"}, opts, s)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"--newline", "--no-playlist",
		"-P", "/p/1",
		"-o", "生肉.%(ext)s",
		"-f", "bv*[height<=1080]+ba/b[height<=1080]",
		"--merge-output-format", "mp4",
		"--retries", "5",
		"--write-subs", "--sub-langs", "en,ja",
		"--write-thumbnail",
		"--cookies", "/c/cookies.txt",
		"--proxy", "socks5://127.0.0.1:1080",
		"--limit-rate", "2M",
		"--ffmpeg-location", "/opt/ffmpeg/bin",
		"--concurrent-fragments", "4",
		"--", "https://v.test/w",
	}, args)

	opts.ExtraArgs = "--exec 'rm -rf ~'"
	_, err = DownloadCommandArgs(DownloadArgs{URL: "https://v.test/w", DestDir: "/p/1"}, opts, s)
	assert.Error(t, err)

	opts.ExtraArgs = ""
	opts.Quality = "audio"
	args, err = DownloadCommandArgs(DownloadArgs{URL: "https://v.test/w", DestDir: "/p/1"}, opts, s)
	require.NoError(t, err)
	assert.Contains(t, args, "ba/b")
	assert.Contains(t, args, "%(title)s.%(ext)s")
	assert.NotContains(t, args, "--merge-output-format")
}

func TestFormatRate(t *testing.T) {
	assert.Equal(t, "2M", formatRate(2*1024*1024))
	assert.Equal(t, "1500", formatRate(1500))
}

func TestHeadProbe(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	assert.NoError(t, headProbe(context.Background(), srv.URL, config.NetSettings{}))

	status.Store(http.StatusMethodNotAllowed)
	assert.NoError(t, headProbe(context.Background(), srv.URL, config.NetSettings{}))

	status.Store(http.StatusBadGateway)
	err := headProbe(context.Background(), srv.URL, config.NetSettings{})
	assert.True(t, fault.Is(err, fault.KindNetwork))

	err = headProbe(context.Background(), "http://127.0.0.1:1", config.NetSettings{})
	assert.True(t, fault.Is(err, fault.KindNetwork))
}

func TestArgsKeysAndValidation(t *testing.T) {
	assert.Equal(t, "https://a.test/x", DownloadArgs{URL: "  https://a.test/x\n"}.Key())
	assert.Equal(t, "/p/1/生肉.mp4", ExtractArgs{VideoPath: " /p/1/./生肉.mp4 "}.Key())
	assert.Equal(t, "/p/1/原文.srt", TranslateArgs{SrtPath: "/p/2/../1/原文.srt"}.Key())

	err := DownloadArgs{URL: "not a url", DestDir: "/tmp"}.Validate()
	assert.True(t, fault.Is(err, fault.KindValidation))
	assert.Contains(t, err.Error(), "URL")

	bad := config.Defaults().Encode
	bad.CRF = 70
	err = EncodeArgs{VideoPath: "/v.mp4", Encode: &bad}.Validate()
	assert.True(t, fault.Is(err, fault.KindValidation))

	err = ExtractArgs{VideoPath: "/v.mp4", Crops: []Rect{{}, {}, {}}}.Validate()
	assert.True(t, fault.Is(err, fault.KindValidation))

	hot := 3.0
	err = TranslateArgs{SrtPath: "/a.srt", Temperature: &hot}.Validate()
	assert.True(t, fault.Is(err, fault.KindValidation))
}
