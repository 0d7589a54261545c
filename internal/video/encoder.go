package video

import (
	"bytes"
	"fmt"
	"image"
	"io"
	"strconv"
	"time"

	ffmpeg "github.com/u2takey/ffmpeg-go"

	"github.com/ivlev/animaldetect/internal/faults"
)

type EncoderOptions struct {
	// Codec is an ffmpeg H.264 encoder name; see system.GetBestH264Encoder.
	Codec string
	// Quality is encoder specific; 0 picks DefaultQuality(Codec).
	Quality int
}

// Encoder feeds RGBA frames to ffmpeg and writes fragmented MP4, so output
// stays playable if the process stops early.
type Encoder struct {
	path          string
	width, height int
	pipe          *io.PipeWriter
	done          chan struct{}
	runErr        error
	stderr        bytes.Buffer
	scratch       []byte
	frames        int64
	last          time.Duration
	closed        bool
}

// NewEncoder starts ffmpeg writing path at the given size and frame rate. The
// process is not bound to a context; a frame handed to WriteFrame is always
// encoded in full.
func NewEncoder(path string, width, height int, fps float64, opts EncoderOptions) (*Encoder, error) {
	if width <= 0 || height <= 0 || fps <= 0 {
		return nil, fmt.Errorf("%w: invalid output geometry %dx%d@%v", faults.ErrStream, width, height, fps)
	}
	codec := opts.Codec
	if codec == "" {
		codec = "libx264"
	}
	quality := opts.Quality
	if quality == 0 {
		quality = DefaultQuality(codec)
	}

	out := ffmpeg.KwArgs{
		"c:v":      codec,
		"pix_fmt":  "yuv420p",
		"movflags": "frag_keyframe+empty_moov",
	}
	for k, v := range qualityArgs(codec, quality) {
		out[k] = v
	}

	pr, pw := io.Pipe()
	e := &Encoder{
		path:   path,
		width:  width,
		height: height,
		pipe:   pw,
		done:   make(chan struct{}),
	}

	stream := ffmpeg.Input("pipe:", ffmpeg.KwArgs{
		"format":    "rawvideo",
		"pix_fmt":   "rgba",
		"s":         fmt.Sprintf("%dx%d", width, height),
		"framerate": strconv.FormatFloat(fps, 'f', -1, 64),
	}).
		Output(path, out).
		OverWriteOutput().
		WithInput(pr).
		WithErrorOutput(&e.stderr)

	go func() {
		defer close(e.done)
		e.runErr = stream.Run()
		// unblock WriteFrame if ffmpeg died early
		pr.CloseWithError(fmt.Errorf("ffmpeg exited: %v", e.runErr))
	}()

	return e, nil
}

// qualityArgs maps a quality knob onto the rate control each encoder understands.
func qualityArgs(codec string, quality int) ffmpeg.KwArgs {
	switch codec {
	case "h264_videotoolbox":
		// VideoToolbox ignores -q:v on some hosts, so use a bitrate
		return ffmpeg.KwArgs{"b:v": fmt.Sprintf("%dk", quality*100)}
	case "h264_nvenc":
		return ffmpeg.KwArgs{"cq": quality}
	default: // libx264
		return ffmpeg.KwArgs{"crf": quality, "preset": "medium"}
	}
}

// DefaultQuality is a sensible quality setting for codec.
func DefaultQuality(codec string) int {
	switch codec {
	case "h264_videotoolbox":
		return 75
	case "h264_nvenc":
		return 28
	default:
		return 23
	}
}

// WriteFrame encodes one frame. Timestamps must strictly increase and the
// frame must match the encoder size.
func (e *Encoder) WriteFrame(img *image.RGBA, ts time.Duration) error {
	if e.closed {
		return fmt.Errorf("%w: write to closed encoder", faults.ErrStream)
	}
	if b := img.Bounds(); b.Dx() != e.width || b.Dy() != e.height {
		return fmt.Errorf("%w: frame %dx%d does not match output %dx%d", faults.ErrStream, b.Dx(), b.Dy(), e.width, e.height)
	}
	if e.frames > 0 && ts <= e.last {
		return fmt.Errorf("%w: timestamp %v not after %v", faults.ErrStream, ts, e.last)
	}

	if _, err := e.pipe.Write(e.packed(img)); err != nil {
		<-e.done
		return fmt.Errorf("%w: encode %s frame %d: %v%s", faults.ErrStream, e.path, e.frames+1, err, tail(&e.stderr))
	}
	e.frames++
	e.last = ts
	return nil
}

// packed returns img's pixels as one contiguous rawvideo frame.
func (e *Encoder) packed(img *image.RGBA) []byte {
	rowLen := e.width * 4
	if img.Stride == rowLen && img.Rect.Min == (image.Point{}) {
		return img.Pix[:rowLen*e.height]
	}
	if e.scratch == nil {
		e.scratch = make([]byte, rowLen*e.height)
	}
	for y := 0; y < e.height; y++ {
		start := img.PixOffset(img.Rect.Min.X, img.Rect.Min.Y+y)
		copy(e.scratch[y*rowLen:], img.Pix[start:start+rowLen])
	}
	return e.scratch
}

// Close flushes and finalises the output file.
func (e *Encoder) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	e.pipe.Close()
	<-e.done
	if e.runErr != nil {
		return fmt.Errorf("%w: finalise %s: %v%s", faults.ErrStream, e.path, e.runErr, tail(&e.stderr))
	}
	return nil
}
