package plugins

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/hyperifyio/metaextract/internal/failure"
	"github.com/hyperifyio/metaextract/internal/plugin"
	"github.com/hyperifyio/metaextract/internal/stream"
)

const depFFprobe = "ffprobe"

// Media walks ISO-BMFF and RIFF containers. Codec details need ffprobe.
type Media struct {
	FFprobePath string

	tool atomic.Value // resolved ffprobe path, "" when missing
}

func (*Media) Name() string { return "media" }

func (*Media) Fields() []plugin.FieldSpec {
	return []plugin.FieldSpec{
		{Name: "container"},
		{Name: "brand"},
		{Name: "duration_seconds"},
		{Name: "sample_rate"},
		{Name: "channels"},
		{Name: "boxes", Tier: plugin.TierStandard},
		{Name: "video_codec", Requires: depFFprobe},
		{Name: "audio_codec", Requires: depFFprobe},
		{Name: "bit_rate", Tier: plugin.TierStandard, Requires: depFFprobe},
	}
}

func (m *Media) ffprobe() string {
	if m.FFprobePath != "" {
		return m.FFprobePath
	}
	return "ffprobe"
}

func (m *Media) Dependencies() []plugin.Dependency {
	return []plugin.Dependency{{
		Name: depFFprobe,
		Check: func(ctx context.Context) error {
			_, err := exec.LookPath(m.ffprobe())
			return err
		},
	}}
}

func (m *Media) Init(missing []string) error {
	m.tool.Store("")
	for _, d := range missing {
		if d == depFFprobe {
			return nil
		}
	}
	if path, err := exec.LookPath(m.ffprobe()); err == nil {
		m.tool.Store(path)
	}
	return nil
}

func (m *Media) toolPath() string {
	p, _ := m.tool.Load().(string)
	return p
}

func (*Media) Accepts(name, mime string) bool {
	return mimeIs(mime, "video/", "audio/") || stream.KindFor(name, "") == stream.KindContainer
}

type mediaInfo struct {
	container  string
	brand      string
	duration   float64
	sampleRate int64
	channels   int64
	boxes      []string
}

func (m *Media) Extract(ctx context.Context, in *plugin.Input) (*plugin.Fields, error) {
	r, err := in.Open(stream.KindContainer)
	if err != nil {
		return nil, err
	}
	info := mediaInfo{boxes: []string{}}
	// The first window identifies the container; the remaining boxes are
	// found by header reads so large payloads are never read.
	var bounds []stream.Boundary
	c, err := r.Next(ctx)
	if err != nil && err != io.EOF {
		return nil, err
	}
	if c != nil {
		bounds = append(bounds, c.Boundaries...)
	}
	rest, err := r.RemainingBoundaries(ctx)
	if err != nil {
		return nil, err
	}
	bounds = append(bounds, rest...)
	info.container = r.Format()
	if info.container == "" {
		return nil, fmt.Errorf("%s is not an ISO-BMFF or RIFF container", in.Name)
	}

	f, err := os.Open(in.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", failure.ErrStreamIO, err)
	}
	defer f.Close()
	for _, b := range bounds {
		info.boxes = append(info.boxes, b.Label)
	}
	switch info.container {
	case "isobmff":
		readISO(f, bounds, &info)
	case "riff":
		readRIFF(f, bounds, &info)
	}

	fields := plugin.NewFields().
		Set("container", info.container).
		Set("brand", info.brand).
		Set("duration_seconds", math.Round(info.duration*1000)/1000).
		Set("sample_rate", info.sampleRate).
		Set("channels", info.channels).
		Set("boxes", info.boxes)
	if tool := m.toolPath(); tool != "" {
		if err := runFFprobe(ctx, tool, in.Path, fields); err != nil {
			return nil, err
		}
	}
	return fields, nil
}

func readISO(f io.ReaderAt, bounds []stream.Boundary, info *mediaInfo) {
	var hdr [16]byte
	for _, b := range bounds {
		switch b.Label {
		case "ftyp":
			if n, _ := f.ReadAt(hdr[:12], b.Offset+8); n >= 4 {
				info.brand = strings.TrimSpace(string(hdr[:4]))
			}
		case "moov":
			info.duration = mvhdDuration(f, b)
		}
	}
}

// mvhdDuration scans the children of moov for the movie header.
func mvhdDuration(f io.ReaderAt, moov stream.Boundary) float64 {
	var hdr [8]byte
	end := moov.Offset + moov.Size
	for off := moov.Offset + 8; off+8 <= end; {
		if n, _ := f.ReadAt(hdr[:], off); n < 8 {
			return 0
		}
		size := int64(binary.BigEndian.Uint32(hdr[0:4]))
		if size < 8 {
			return 0
		}
		if string(hdr[4:8]) == "mvhd" {
			var body [32]byte
			n, _ := f.ReadAt(body[:], off+8)
			if n < 20 {
				return 0
			}
			var scale, dur uint64
			if body[0] == 1 {
				if n < 32 {
					return 0
				}
				scale = uint64(binary.BigEndian.Uint32(body[20:24]))
				dur = binary.BigEndian.Uint64(body[24:32])
			} else {
				scale = uint64(binary.BigEndian.Uint32(body[12:16]))
				dur = uint64(binary.BigEndian.Uint32(body[16:20]))
			}
			if scale == 0 {
				return 0
			}
			return float64(dur) / float64(scale)
		}
		off += size
	}
	return 0
}

func readRIFF(f io.ReaderAt, bounds []stream.Boundary, info *mediaInfo) {
	var byteRate, dataSize int64
	for _, b := range bounds {
		switch {
		case strings.HasPrefix(b.Label, "RIFF/"):
			info.brand = strings.TrimSpace(strings.TrimPrefix(b.Label, "RIFF/"))
		case b.Label == "fmt ":
			var body [12]byte
			if n, _ := f.ReadAt(body[:], b.Offset+8); n == 12 {
				info.channels = int64(binary.LittleEndian.Uint16(body[2:4]))
				info.sampleRate = int64(binary.LittleEndian.Uint32(body[4:8]))
				byteRate = int64(binary.LittleEndian.Uint32(body[8:12]))
			}
		case b.Label == "data":
			var sz [4]byte
			if n, _ := f.ReadAt(sz[:], b.Offset+4); n == 4 {
				dataSize = int64(binary.LittleEndian.Uint32(sz[:]))
			}
		}
	}
	if byteRate > 0 && dataSize > 0 {
		info.duration = float64(dataSize) / float64(byteRate)
	}
}

type ffprobeOutput struct {
	Streams []struct {
		CodecType string `json:"codec_type"`
		CodecName string `json:"codec_name"`
	} `json:"streams"`
	Format struct {
		BitRate string `json:"bit_rate"`
	} `json:"format"`
}

func runFFprobe(ctx context.Context, tool, path string, f *plugin.Fields) error {
	cmd := exec.CommandContext(ctx, tool, "-v", "quiet", "-print_format", "json", "-show_streams", "-show_format", path)
	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %w", failure.ErrCancelled, ctx.Err())
		}
		return failure.Transient(fmt.Errorf("ffprobe: %w", err))
	}
	var po ffprobeOutput
	if err := json.Unmarshal(out, &po); err != nil {
		return fmt.Errorf("ffprobe output: %w", err)
	}
	video, audio := "", ""
	for _, s := range po.Streams {
		switch s.CodecType {
		case "video":
			if video == "" {
				video = s.CodecName
			}
		case "audio":
			if audio == "" {
				audio = s.CodecName
			}
		}
	}
	rate, _ := strconv.ParseInt(po.Format.BitRate, 10, 64)
	f.Set("video_codec", video).Set("audio_codec", audio).Set("bit_rate", rate)
	return nil
}
