package video

import (
	"encoding/json"
	"fmt"
	"math"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	ffmpeg "github.com/u2takey/ffmpeg-go"

	"github.com/ivlev/animaldetect/internal/faults"
)

// Info describes the first video stream of a file.
type Info struct {
	Width    int
	Height   int
	FPS      float64
	Frames   int64 // 0 when the container does not record a count
	Duration time.Duration
	Codec    string
	// VariableRate is set when the average and base frame rates differ. The
	// decoder still emits frames at FPS, duplicating or dropping as needed.
	VariableRate bool
}

// Probe runs ffprobe on path.
func Probe(path string) (Info, error) {
	out, err := ffmpeg.Probe(path, ffmpeg.KwArgs{"select_streams": "v:0"})
	if err != nil {
		return Info{}, fmt.Errorf("%w: probe %s: %v", faults.ErrStream, path, err)
	}
	info, err := parseProbe(out)
	if err != nil {
		return Info{}, fmt.Errorf("%w: probe %s: %v", faults.ErrStream, path, err)
	}
	return info, nil
}

type probeOutput struct {
	Streams []struct {
		CodecType    string `json:"codec_type"`
		CodecName    string `json:"codec_name"`
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		AvgFrameRate string `json:"avg_frame_rate"`
		RFrameRate   string `json:"r_frame_rate"`
		NbFrames     string `json:"nb_frames"`
		Duration     string `json:"duration"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

func parseProbe(data string) (Info, error) {
	var p probeOutput
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return Info{}, fmt.Errorf("parse ffprobe output: %w", err)
	}

	for _, s := range p.Streams {
		if s.CodecType != "video" {
			continue
		}
		if s.Width <= 0 || s.Height <= 0 {
			return Info{}, fmt.Errorf("video stream has no size")
		}

		info := Info{Width: s.Width, Height: s.Height, Codec: s.CodecName}
		avg, base := parseRate(s.AvgFrameRate), parseRate(s.RFrameRate)
		info.FPS = avg
		if info.FPS <= 0 {
			info.FPS = base
		}
		info.VariableRate = avg > 0 && base > 0 && math.Abs(avg-base) > base*1e-3
		if info.FPS <= 0 {
			return Info{}, fmt.Errorf("video stream has no frame rate")
		}

		if n, err := strconv.ParseInt(s.NbFrames, 10, 64); err == nil && n > 0 {
			info.Frames = n
		}

		dur := s.Duration
		if dur == "" || dur == "N/A" {
			dur = p.Format.Duration
		}
		if secs, err := strconv.ParseFloat(dur, 64); err == nil && secs > 0 {
			info.Duration = time.Duration(secs * float64(time.Second))
		}
		return info, nil
	}
	return Info{}, fmt.Errorf("no video stream")
}

// parseRate reads ffprobe rationals like "30000/1001".
func parseRate(s string) float64 {
	num, den, ok := strings.Cut(s, "/")
	if !ok {
		v, _ := strconv.ParseFloat(s, 64)
		return v
	}
	n, err1 := strconv.ParseFloat(num, 64)
	d, err2 := strconv.ParseFloat(den, 64)
	if err1 != nil || err2 != nil || d == 0 {
		return 0
	}
	return n / d
}

// OutputPath names the annotated copy of input: predict_<name> in the same
// directory.
func OutputPath(input string) string {
	return filepath.Join(filepath.Dir(input), "predict_"+filepath.Base(input))
}
