package pipeline

import (
	"context"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"

	"workshop/config"
	"workshop/fault"
	"workshop/process"
	"workshop/progress"
	"workshop/task"
)

// ProbeTimeout bounds the reachability check made before a download.
const ProbeTimeout = 3 * time.Second

// Flags that would run arbitrary commands on the host.
var deniedDownloadFlags = []string{"--exec", "--exec-before-download", "--netrc-cmd"}

type DownloadWorker struct {
	Deps
	// Probe checks the source before spawning; nil uses an HTTP HEAD.
	Probe func(ctx context.Context, url string, net config.NetSettings) error
}

func (w *DownloadWorker) Run(ctx context.Context, t task.Task, r task.Reporter) (string, error) {
	a, err := argsOf[DownloadArgs](t)
	if err != nil {
		return "", err
	}
	s := w.Settings.Snapshot()
	opts := s.Download
	if a.Options != nil {
		opts = *a.Options
	}
	log := w.entry(t)

	bin, err := w.lookTool("downloader", s.Tool.Downloader.Path)
	if err != nil {
		return "", err
	}
	if err := ensureWritableDir(a.DestDir); err != nil {
		return "", err
	}
	if opts.Probe {
		probe := w.Probe
		if probe == nil {
			probe = headProbe
		}
		if err := probe(ctx, a.Key(), s.Net); err != nil {
			return "", err
		}
	}

	args, err := DownloadCommandArgs(a, opts, s)
	if err != nil {
		return "", fault.Wrap(fault.KindConfiguration, err, "%s", err.Error())
	}
	log.WithField("url", a.Key()).Info("starting download")

	parser := progress.NewDownloadParser()
	cmd := process.Command{Path: bin, Args: args, Dir: a.DestDir}
	if err := runTool(ctx, w.Exec, cmd, parser, r, false); err != nil {
		return "", err
	}

	if name := parser.Filename(); name != "" {
		return name, nil
	}
	return a.DestDir, nil
}

// DownloadCommandArgs renders the downloader argv. The URL always comes
// last, after "--", so it can never be read as an option.
func DownloadCommandArgs(a DownloadArgs, opts config.DownloadSettings, s config.Settings) ([]string, error) {
	extra, err := process.ExtraArgs(opts.ExtraArgs, deniedDownloadFlags...)
	if err != nil {
		return nil, err
	}

	output := opts.Template
	if a.FileName != "" {
		output = a.FileName + ".%(ext)s"
	}

	args := []string{
		"--newline",
		"--no-playlist",
		"-P", a.DestDir,
		"-o", output,
		"-f", selectFormat(opts.Quality),
	}
	if opts.Quality != "audio" {
		args = append(args, "--merge-output-format", "mp4")
	}
	args = append(args, "--retries", strconv.Itoa(s.Retry.Attempts))

	if opts.WriteSubs {
		args = append(args, "--write-subs")
		if opts.SubLangs != "" {
			args = append(args, "--sub-langs", opts.SubLangs)
		}
	}
	if opts.EmbedSubs {
		args = append(args, "--embed-subs")
	}
	if opts.WriteThumb {
		args = append(args, "--write-thumbnail")
	}
	if opts.EmbedThumb {
		args = append(args, "--embed-thumbnail")
	}
	if opts.WriteInfoJSON {
		args = append(args, "--write-info-json")
	}
	if opts.Cookies.Enabled && opts.Cookies.Path != "" {
		args = append(args, "--cookies", opts.Cookies.Path)
	}
	if p := s.Net.ProxyURL(); p != "" {
		args = append(args, "--proxy", p)
	}
	if opts.RateLimit > 0 {
		args = append(args, "--limit-rate", formatRate(opts.RateLimit))
	}
	if ff := s.Tool.Transcoder.Path; strings.ContainsRune(ff, filepath.Separator) {
		args = append(args, "--ffmpeg-location", filepath.Dir(ff))
	}
	args = append(args, extra...)
	return append(args, "--", a.Key()), nil
}

func selectFormat(quality string) string {
	switch quality {
	case "", "best":
		return "bv*+ba/b"
	case "audio":
		return "ba/b"
	}
	return "bv*[height<=" + quality + "]+ba/b[height<=" + quality + "]"
}

// formatRate renders bytes per second in the downloader's unit syntax,
// e.g. "2M" or "1500".
func formatRate(n int64) string {
	return strings.TrimSuffix(datasize.ByteSize(n).String(), "B")
}

// headProbe makes sure the source answers at all. Servers that reject HEAD
// still count as reachable; only transport errors and 5xx fail.
func headProbe(ctx context.Context, url string, net config.NetSettings) error {
	ctx, cancel := context.WithTimeout(ctx, ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return fault.Wrap(fault.KindValidation, err, "invalid url %s", url)
	}
	resp, err := net.HTTPClient(ProbeTimeout).Do(req)
	if err != nil {
		return fault.Wrap(fault.KindNetwork, err, "source unreachable: %s", url)
	}
	resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return fault.New(fault.KindNetwork, "source returned %s", resp.Status)
	}
	return nil
}
