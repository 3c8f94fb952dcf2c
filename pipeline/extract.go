package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strconv"

	"workshop/config"
	"workshop/fault"
	"workshop/process"
	"workshop/progress"
	"workshop/task"
)

// Default episode file names.
const (
	SourceSubtitleName     = "原文.srt"
	TranslatedSubtitleName = "译文.srt"
	EncodedVideoName       = "熟肉"
)

type ExtractWorker struct {
	Deps
}

func (a ExtractArgs) output() string {
	if a.OutputPath != "" {
		return a.OutputPath
	}
	return filepath.Join(filepath.Dir(a.Key()), SourceSubtitleName)
}

func (w *ExtractWorker) Run(ctx context.Context, t task.Task, r task.Reporter) (string, error) {
	a, err := argsOf[ExtractArgs](t)
	if err != nil {
		return "", err
	}
	s := w.Settings.Snapshot()
	opts := s.OCR
	if a.OCR != nil {
		opts = *a.OCR
	}
	if a.Lang != "" {
		opts.Lang = a.Lang
	}
	out := a.output()

	// The OCR runtime fails to load from a non-ASCII install path without a
	// useful error. Episode files are passed as arguments and are fine.
	for _, p := range []string{s.Tool.OCR.Path, s.Tool.OCR.Support.Path} {
		if !config.IsASCII(p) {
			return "", fault.Configuration("path contains non-ASCII characters: %s", p)
		}
	}
	bin, err := w.lookTool("OCR tool", s.Tool.OCR.Path)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(a.Key()); err != nil {
		return "", fault.Wrap(fault.KindExternal, err, "video not found: %s", a.Key())
	}
	if err := ensureWritableDir(filepath.Dir(out)); err != nil {
		return "", err
	}

	args := ExtractCommandArgs(a.Key(), out, a.Crops, opts, s.Tool.OCR.Support.Path)
	w.entry(t).WithField("video", a.Key()).Info("starting subtitle extraction")

	cmd := process.Command{Path: bin, Args: args, Dir: filepath.Dir(bin)}
	if err := runTool(ctx, w.Exec, cmd, progress.NewExtractParser(), r, true); err != nil {
		return "", err
	}
	if _, err := os.Stat(out); err != nil {
		return "", fault.Wrap(fault.KindExternal, err, "no subtitles were produced")
	}
	return out, nil
}

// ExtractCommandArgs renders the OCR tool argv. Up to two crop boxes are
// passed; without one the full frame is scanned.
func ExtractCommandArgs(video, out string, crops []Rect, o config.OCRSettings, supportPath string) []string {
	args := []string{
		"--video_path", video,
		"--output", out,
		"--lang", o.Lang,
	}
	if o.TimeStart != "" {
		args = append(args, "--time_start", o.TimeStart)
	}
	if o.TimeEnd != "" {
		args = append(args, "--time_end", o.TimeEnd)
	}
	args = append(args,
		"--conf_threshold", strconv.Itoa(o.ConfThreshold),
		"--sim_threshold", strconv.Itoa(o.SimThreshold),
		"--ssim_threshold", strconv.Itoa(o.SSIMThreshold),
		"--max_merge_gap", strconv.FormatFloat(o.MaxMergeGap, 'f', -1, 64),
		"--ocr_image_max_width", strconv.Itoa(o.OCRImageMaxWidth),
		"--frames_to_skip", strconv.Itoa(o.FramesToSkip),
		"--min_subtitle_duration", strconv.FormatFloat(o.MinSubtitleDuration, 'f', -1, 64),
		"--use_gpu", strconv.FormatBool(o.UseGPU),
		"--post_processing", strconv.FormatBool(o.PostProcessing),
		"--use_server_model", strconv.FormatBool(o.UseServerModel),
		"--use_fullframe", strconv.FormatBool(len(crops) == 0),
	)
	for i, c := range crops {
		suffix := ""
		if i > 0 {
			suffix = strconv.Itoa(i + 1)
		}
		args = append(args,
			"--crop_x"+suffix, strconv.Itoa(c.X),
			"--crop_y"+suffix, strconv.Itoa(c.Y),
			"--crop_width"+suffix, strconv.Itoa(c.Width),
			"--crop_height"+suffix, strconv.Itoa(c.Height),
		)
	}
	if o.DualZone && len(crops) == 2 {
		args = append(args, "--use_dual_zone", "true")
	}
	if supportPath != "" {
		args = append(args, "--paddleocr_path", supportPath)
	}
	return args
}
