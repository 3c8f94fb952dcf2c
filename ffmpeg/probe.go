package ffmpeg

import (
	"context"
	"errors"
	"time"

	"workshop/process"
	"workshop/progress"
)

// ErrNoDuration means the probe finished without reporting a duration.
var ErrNoDuration = errors.New("input duration not found")

// ProbeDuration runs the transcoder on the input alone and reads the
// Duration banner from stderr. The tool exits non-zero because no output is
// given; that is expected and ignored.
func ProbeDuration(ctx context.Context, exec process.Executor, bin, input string, timeout time.Duration) (time.Duration, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var total time.Duration
	err := exec.Run(ctx, process.Command{Path: bin, Args: []string{"-hide_banner", "-i", input}},
		func(stream process.Stream, line string) {
			if total > 0 || stream != process.Stderr {
				return
			}
			if d, ok := progress.ParseDuration(line); ok {
				total = d
			}
		})
	if total > 0 {
		return total, nil
	}

	var spawn *process.SpawnError
	if errors.As(err, &spawn) {
		return 0, err
	}
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}
	return 0, ErrNoDuration
}
