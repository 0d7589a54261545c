package video

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"strconv"
	"time"

	ffmpeg "github.com/u2takey/ffmpeg-go"

	"github.com/ivlev/animaldetect/internal/faults"
	"github.com/ivlev/animaldetect/internal/system"
)

// Frame is one decoded picture. Index is 1-based.
type Frame struct {
	Index     int64
	Timestamp time.Duration
	Image     *image.RGBA

	release func()
}

// Release hands the frame buffer back for reuse. The frame must not be used
// afterwards.
func (f *Frame) Release() {
	if f.release != nil {
		f.release()
		f.release = nil
	}
}

// Decoder streams RGBA frames out of ffmpeg at a constant frame rate.
type Decoder struct {
	info   Info
	path   string
	pipe   *io.PipeReader
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	stderr bytes.Buffer
	index  int64
}

// NewDecoder probes path and starts decoding it. ctx bounds the ffmpeg process.
func NewDecoder(ctx context.Context, path string) (*Decoder, error) {
	info, err := Probe(path)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	pr, pw := io.Pipe()
	d := &Decoder{
		info:   info,
		path:   path,
		pipe:   pr,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	stream := ffmpeg.Input(path).
		Output("pipe:", ffmpeg.KwArgs{
			"format":  "rawvideo",
			"pix_fmt": "rgba",
			// VariableRate sources are resampled so timestamps are index/fps
			"r": strconv.FormatFloat(info.FPS, 'f', -1, 64),
		}).
		WithOutput(pw).
		WithErrorOutput(&d.stderr)
	stream.Context = ctx

	go func() {
		defer close(d.done)
		if err := stream.Run(); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.Close()
	}()

	return d, nil
}

func (d *Decoder) Info() Info { return d.info }

// FrameCount reports the total number of frames when the container records it.
func (d *Decoder) FrameCount() (int64, bool) {
	return d.info.Frames, d.info.Frames > 0
}

// Next returns the next frame, or io.EOF once the stream is exhausted.
func (d *Decoder) Next(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}

	rect := image.Rect(0, 0, d.info.Width, d.info.Height)
	img := system.GetImage(rect)

	if _, err := io.ReadFull(d.pipe, img.Pix); err != nil {
		system.PutImage(img)
		if errors.Is(err, io.EOF) {
			return Frame{}, io.EOF
		}
		<-d.done
		if ctxErr := d.ctx.Err(); ctxErr != nil {
			return Frame{}, ctxErr
		}
		return Frame{}, fmt.Errorf("%w: decode %s frame %d: %v%s", faults.ErrStream, d.path, d.index+1, err, tail(&d.stderr))
	}

	d.index++
	return Frame{
		Index:     d.index,
		Timestamp: time.Duration(float64(d.index-1) / d.info.FPS * float64(time.Second)),
		Image:     img,
		release:   func() { system.PutImage(img) },
	}, nil
}

// Close stops ffmpeg and waits for it to exit.
func (d *Decoder) Close() error {
	d.cancel()
	err := d.pipe.Close()
	<-d.done
	return err
}

// tail formats the last line of ffmpeg's stderr for error messages.
func tail(buf *bytes.Buffer) string {
	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	last := lines[len(lines)-1]
	if len(last) == 0 {
		return ""
	}
	return ": " + string(last)
}
