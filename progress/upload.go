package progress

import (
	"regexp"
	"strconv"
	"strings"

	"workshop/process"
)

var (
	reUploadSizes = regexp.MustCompile(`([0-9]+(?:\.[0-9]+)?)\s*([KMGT]?i?B)\s*/\s*([0-9]+(?:\.[0-9]+)?)\s*([KMGT]?i?B)`)
	reUploadPct   = regexp.MustCompile(`([0-9]+(?:\.[0-9]+)?)%`)
	reUploadSpeed = regexp.MustCompile(`([0-9]+(?:\.[0-9]+)?\s*[KMGT]?i?B/s)`)
)

var sizeUnits = map[string]float64{
	"B":   1,
	"KB":  1e3,
	"MB":  1e6,
	"GB":  1e9,
	"TB":  1e12,
	"KiB": 1 << 10,
	"MiB": 1 << 20,
	"GiB": 1 << 30,
	"TiB": 1 << 40,
}

// UploadParser reads the uploader's progress bar, either "done/total" sizes
// or a bare percentage.
type UploadParser struct {
	mono monotonic
}

func NewUploadParser() *UploadParser {
	return &UploadParser{}
}

func (p *UploadParser) Parse(_ process.Stream, line string) (Update, bool) {
	pct, ok := uploadPercent(line)
	if !ok {
		return Update{}, false
	}
	u := Update{Percent: p.mono.clamp(round2(pct)), Status: "uploading"}
	if m := reUploadSpeed.FindStringSubmatch(line); m != nil {
		u.Speed = strings.ReplaceAll(m[1], " ", "")
	}
	return u, true
}

func uploadPercent(line string) (float64, bool) {
	if m := reUploadSizes.FindStringSubmatch(line); m != nil {
		done, ok1 := toBytes(m[1], m[2])
		total, ok2 := toBytes(m[3], m[4])
		if ok1 && ok2 && total > 0 {
			return done / total * 100, true
		}
	}
	if m := reUploadPct.FindStringSubmatch(line); m != nil {
		v, err := strconv.ParseFloat(m[1], 64)
		return v, err == nil
	}
	return 0, false
}

func toBytes(num, unit string) (float64, bool) {
	v, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, false
	}
	mul, ok := sizeUnits[unit]
	return v * mul, ok
}
