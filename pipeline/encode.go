package pipeline

import (
	"context"
	"os"
	"path/filepath"

	"workshop/fault"
	"workshop/ffmpeg"
	"workshop/fsutil"
	"workshop/process"
	"workshop/progress"
	"workshop/task"
)

type EncodeWorker struct {
	Deps
	// Resources gates admission on host load; nil samples the host with
	// the throttle settings of the run.
	Resources ffmpeg.ResourceChecker
}

func (w *EncodeWorker) Run(ctx context.Context, t task.Task, r task.Reporter) (string, error) {
	a, err := argsOf[EncodeArgs](t)
	if err != nil {
		return "", err
	}
	s := w.Settings.Snapshot()
	enc := s.Encode
	if a.Encode != nil {
		enc = *a.Encode
	}
	log := w.entry(t)

	out := a.OutputPath
	if out == "" {
		out = ffmpeg.OutputPath(a.Key(), EncodedVideoName, enc)
	}

	bin, err := w.lookTool("transcoder", s.Tool.Transcoder.Path)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(a.Key()); err != nil {
		return "", fault.Wrap(fault.KindExternal, err, "video not found: %s", a.Key())
	}
	if a.SubtitlePath != "" {
		if _, err := os.Stat(a.SubtitlePath); err != nil {
			return "", fault.Wrap(fault.KindExternal, err, "subtitles not found: %s", a.SubtitlePath)
		}
	}
	if err := ensureWritableDir(filepath.Dir(out)); err != nil {
		return "", err
	}

	res := w.Resources
	if res == nil {
		res = ffmpeg.HostResources{Limits: s.Throttle, Logger: w.logger()}
	}
	if err := res.Check(filepath.Dir(out)); err != nil {
		return "", fault.Wrap(fault.KindExternal, err, "insufficient system resources")
	}

	args, err := ffmpeg.BuildArgs(ffmpeg.Input{VideoPath: a.Key(), SubtitlePath: a.SubtitlePath, OutputPath: out}, enc)
	if err != nil {
		return "", fault.Wrap(fault.KindConfiguration, err, "%s", err.Error())
	}

	total, err := ffmpeg.ProbeDuration(ctx, w.Exec, bin, a.Key(), s.Timeout.Probe)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		log.Warnf("duration probe failed, progress will not advance: %v", err)
	}

	existed := fsutil.Exists(out)
	log.WithField("output", out).Info("starting encode")
	if err := runTool(ctx, w.Exec, process.Command{Path: bin, Args: args}, progress.NewEncodeParser(total), r, false); err != nil {
		if !existed {
			_ = os.Remove(out)
		}
		return "", err
	}
	return out, nil
}
