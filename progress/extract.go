package progress

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"workshop/process"
)

var (
	reProcessing = regexp.MustCompile(`Processing image (\d+) of (\d+)`)
	reOCR        = regexp.MustCompile(`Performing OCR on image (\d+) of (\d+)`)
)

// extractFatal lists output fragments after which the recognizer's result
// cannot be trusted, with the message surfaced to the user. A prefix needle
// only matches at the start of the trimmed line.
var extractFatal = []struct {
	needle  string
	message string
	prefix  bool
}{
	{needle: "Traceback (most recent call last)", message: "OCR tool crashed"},
	{needle: "CUDA out of memory", message: "GPU out of memory"},
	{needle: "out of memory", message: "out of memory"},
	{needle: "No such file or directory", message: "OCR input file not found"},
	{needle: "Error:", message: "OCR tool reported an error", prefix: true},
}

// ExtractParser maps the recognizer's two phases onto 0-50% (frame
// sampling) and 50-100% (recognition).
type ExtractParser struct {
	mono monotonic
}

func NewExtractParser() *ExtractParser {
	return &ExtractParser{}
}

func (p *ExtractParser) Parse(_ process.Stream, line string) (Update, bool) {
	if m := reProcessing.FindStringSubmatch(line); m != nil {
		pct, ok := fraction(m[1], m[2])
		if !ok {
			return Update{}, false
		}
		return Update{
			Percent: p.mono.clamp(round2(pct * 50)),
			Status:  fmt.Sprintf("processing image %s/%s", m[1], m[2]),
		}, true
	}
	if m := reOCR.FindStringSubmatch(line); m != nil {
		pct, ok := fraction(m[1], m[2])
		if !ok {
			return Update{}, false
		}
		return Update{
			Percent: p.mono.clamp(round2(50 + pct*50)),
			Status:  fmt.Sprintf("recognising image %s/%s", m[1], m[2]),
		}, true
	}
	if strings.Contains(line, "Mapping frame") {
		return Update{Percent: p.mono.clamp(0), Status: "mapping frames"}, true
	}
	return Update{}, false
}

func (p *ExtractParser) Fatal(line string) (string, bool) {
	trimmed := strings.TrimSpace(line)
	for _, f := range extractFatal {
		if f.prefix && strings.HasPrefix(trimmed, f.needle) {
			return f.message, true
		}
		if !f.prefix && strings.Contains(line, f.needle) {
			return f.message, true
		}
	}
	return "", false
}

func fraction(xs, ns string) (float64, bool) {
	x, err := strconv.Atoi(xs)
	if err != nil {
		return 0, false
	}
	n, err := strconv.Atoi(ns)
	if err != nil || n <= 0 {
		return 0, false
	}
	if x > n {
		x = n
	}
	return float64(x) / float64(n), true
}
