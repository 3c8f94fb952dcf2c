// Package ffmpeg builds transcoder command lines for subtitle burn-in and
// probes inputs before an encode starts.
package ffmpeg

import (
	"fmt"
	"path/filepath"
	"strings"

	"workshop/config"
	"workshop/process"
)

// Input names the files of one burn-in job.
type Input struct {
	VideoPath    string
	SubtitlePath string
	OutputPath   string
}

// Flags that would let extra arguments redirect input or output.
var deniedExtra = []string{"-i", "-y", "-n", "-progress", "-filter_complex"}

// BuildArgs renders the transcoder argv for in under enc. Progress goes to
// stdout as key=value blocks; the stats line stays on stderr.
func BuildArgs(in Input, enc config.EncodeSettings) ([]string, error) {
	extra, err := process.ExtraArgs(enc.ExtraArgs, deniedExtra...)
	if err != nil {
		return nil, fmt.Errorf("encode.extraArgs: %w", err)
	}

	args := []string{"-hide_banner", "-nostdin"}
	if enc.Overwrite {
		args = append(args, "-y")
	} else {
		args = append(args, "-n")
	}
	if enc.HWAccel.Enabled {
		args = append(args, "-hwaccel", enc.HWAccel.Kind)
	}
	args = append(args, "-i", in.VideoPath)

	var filters []string
	if in.SubtitlePath != "" {
		filters = append(filters, "subtitles="+escapeFilterPath(in.SubtitlePath))
	}
	if enc.Scale != "" {
		filters = append(filters, "scale="+enc.Scale)
	}
	if len(filters) > 0 {
		args = append(args, "-vf", strings.Join(filters, ","))
	}

	args = append(args, "-c:v", enc.Codec)
	if enc.Bitrate != "" {
		args = append(args, "-b:v", enc.Bitrate)
	} else {
		args = append(args, qualityFlag(enc.Codec), fmt.Sprint(enc.CRF))
	}
	if !strings.HasSuffix(enc.Codec, "_videotoolbox") {
		args = append(args, "-preset", enc.Preset)
	}
	if p := codecParams(enc); p != "" {
		args = append(args, "-"+strings.TrimPrefix(enc.Codec, "lib")+"-params", p)
	}
	if enc.FPS > 0 {
		args = append(args, "-r", fmt.Sprint(enc.FPS))
	}

	switch enc.AudioMode {
	case "copy":
		args = append(args, "-c:a", "copy")
	case "encode":
		args = append(args, "-c:a", enc.AudioCodec)
		if enc.AudioBitrate != "" {
			args = append(args, "-b:a", enc.AudioBitrate)
		}
	case "none":
		args = append(args, "-an")
	}
	if enc.OutputFormat == "mp4" || enc.OutputFormat == "mov" {
		args = append(args, "-movflags", "+faststart")
	}

	args = append(args, extra...)
	args = append(args, "-progress", "pipe:1", in.OutputPath)
	return args, nil
}

func qualityFlag(codec string) string {
	switch {
	case strings.HasSuffix(codec, "_nvenc"):
		return "-cq"
	case strings.HasSuffix(codec, "_qsv"):
		return "-global_quality"
	case strings.HasSuffix(codec, "_videotoolbox"):
		return "-q:v"
	}
	return "-crf"
}

// codecParams renders the advanced rate-control knobs for the software
// encoders; hardware encoders ignore them.
func codecParams(enc config.EncodeSettings) string {
	if !enc.Advanced.Enabled || (enc.Codec != "libx264" && enc.Codec != "libx265") {
		return ""
	}
	a := enc.Advanced
	return fmt.Sprintf("ref=%d:bframes=%d:keyint=%d:min-keyint=%d:scenecut=%d:qcomp=%.2f:aq-mode=%d:aq-strength=%.2f",
		a.Ref, a.BFrames, a.Keyint, a.MinKeyint, a.Scenecut, a.QComp, a.AQ.Mode, a.AQ.Strength)
}

// escapeFilterPath quotes a path for use inside a filtergraph option value.
func escapeFilterPath(p string) string {
	p = filepath.ToSlash(p)
	r := strings.NewReplacer(`\`, `\\`, `'`, `'\''`, `:`, `\:`)
	return "'" + r.Replace(p) + "'"
}

// OutputPath derives the default burn-in output next to the source video.
func OutputPath(videoPath, name string, enc config.EncodeSettings) string {
	return filepath.Join(filepath.Dir(videoPath), name+"."+enc.OutputFormat)
}
