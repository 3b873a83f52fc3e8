package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Kashmala488/Learning-Sync-sub000/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
)

type Device string

const (
	DeviceMicrophone Device = "microphone"
	DeviceCamera     Device = "camera"
	DeviceScreen     Device = "screen"
)

// Kind is the RTP media kind a device produces.
func (d Device) Kind() webrtc.RTPCodecType {
	if d == DeviceMicrophone {
		return webrtc.RTPCodecTypeAudio
	}
	return webrtc.RTPCodecTypeVideo
}

var ErrUnsupportedFormat = errors.New("unsupported capture format")

// Devices opens capture devices.
type Devices interface {
	Open(ctx context.Context, device Device) (SampleReader, webrtc.RTPCodecCapability, error)
}

// FileDevices backs each device with a media file: IVF for video, Ogg
// Opus for audio. Camera and microphone loop forever; a screen capture
// ends at EOF, which is how a stopped share looks to the session.
type FileDevices struct {
	Paths map[Device]string
	Loop  map[Device]bool
}

func NewFileDevices(camera, microphone, screen string) *FileDevices {
	return &FileDevices{
		Paths: map[Device]string{
			DeviceCamera:     camera,
			DeviceMicrophone: microphone,
			DeviceScreen:     screen,
		},
		Loop: map[Device]bool{
			DeviceCamera:     true,
			DeviceMicrophone: true,
		},
	}
}

func (d *FileDevices) Open(ctx context.Context, device Device) (SampleReader, webrtc.RTPCodecCapability, error) {
	if err := ctx.Err(); err != nil {
		return nil, webrtc.RTPCodecCapability{}, err
	}
	path := d.Paths[device]
	if path == "" {
		return nil, webrtc.RTPCodecCapability{}, fmt.Errorf("%s: no source configured: %w", device, domain.ErrPermissionDenied)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, webrtc.RTPCodecCapability{}, fmt.Errorf("%s: %w (%v)", device, domain.ErrPermissionDenied, err)
	}

	var (
		reader     SampleReader
		capability webrtc.RTPCodecCapability
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".ivf":
		reader, capability, err = newIVFSource(f, d.Loop[device])
	case ".ogg", ".opus":
		reader, capability, err = newOggSource(f, d.Loop[device])
	default:
		err = fmt.Errorf("%s: %w: %s", device, ErrUnsupportedFormat, path)
	}
	if err != nil {
		_ = f.Close()
		return nil, webrtc.RTPCodecCapability{}, err
	}
	if capability.MimeType == webrtc.MimeTypeOpus && device.Kind() != webrtc.RTPCodecTypeAudio ||
		capability.MimeType != webrtc.MimeTypeOpus && device.Kind() == webrtc.RTPCodecTypeAudio {
		_ = reader.Close()
		return nil, webrtc.RTPCodecCapability{}, fmt.Errorf("%s: %w: %s carries %s", device, ErrUnsupportedFormat, path, capability.MimeType)
	}
	return reader, capability, nil
}

type ivfSource struct {
	file     *os.File
	reader   *ivfreader.IVFReader
	duration time.Duration
	loop     bool
}

func newIVFSource(f *os.File, loop bool) (*ivfSource, webrtc.RTPCodecCapability, error) {
	reader, header, err := ivfreader.NewWith(f)
	if err != nil {
		return nil, webrtc.RTPCodecCapability{}, err
	}

	var mime string
	switch header.FourCC {
	case "VP80":
		mime = webrtc.MimeTypeVP8
	case "VP90":
		mime = webrtc.MimeTypeVP9
	case "AV01":
		mime = webrtc.MimeTypeAV1
	default:
		return nil, webrtc.RTPCodecCapability{}, fmt.Errorf("%w: fourcc %q", ErrUnsupportedFormat, header.FourCC)
	}

	duration := 33 * time.Millisecond
	if header.TimebaseDenominator != 0 {
		duration = time.Duration(float64(header.TimebaseNumerator) / float64(header.TimebaseDenominator) * float64(time.Second))
	}
	return &ivfSource{file: f, reader: reader, duration: duration, loop: loop},
		webrtc.RTPCodecCapability{MimeType: mime, ClockRate: 90000}, nil
}

func (s *ivfSource) ReadSample() (media.Sample, error) {
	frame, _, err := s.reader.ParseNextFrame()
	if errors.Is(err, io.EOF) && s.loop {
		if _, err = s.file.Seek(0, io.SeekStart); err != nil {
			return media.Sample{}, err
		}
		if s.reader, _, err = ivfreader.NewWith(s.file); err != nil {
			return media.Sample{}, err
		}
		frame, _, err = s.reader.ParseNextFrame()
	}
	if err != nil {
		return media.Sample{}, err
	}
	return media.Sample{Data: frame, Duration: s.duration}, nil
}

func (s *ivfSource) Close() error { return s.file.Close() }

type oggSource struct {
	file        *os.File
	reader      *oggreader.OggReader
	lastGranule uint64
	loop        bool
	yielded     bool
}

func newOggSource(f *os.File, loop bool) (*oggSource, webrtc.RTPCodecCapability, error) {
	reader, header, err := oggreader.NewWith(f)
	if err != nil {
		return nil, webrtc.RTPCodecCapability{}, err
	}
	channels := uint16(header.Channels)
	if channels == 0 {
		channels = 2
	}
	return &oggSource{file: f, reader: reader, loop: loop},
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: channels}, nil
}

// ReadSample returns the next page carrying audio; header pages have no
// duration and are skipped.
func (s *oggSource) ReadSample() (media.Sample, error) {
	for {
		page, header, err := s.reader.ParseNextPage()
		if errors.Is(err, io.EOF) && s.loop && s.yielded {
			if _, err = s.file.Seek(0, io.SeekStart); err != nil {
				return media.Sample{}, err
			}
			if s.reader, _, err = oggreader.NewWith(s.file); err != nil {
				return media.Sample{}, err
			}
			s.lastGranule = 0
			s.yielded = false
			continue
		}
		if err != nil {
			return media.Sample{}, err
		}
		if header.GranulePosition <= s.lastGranule {
			continue
		}
		samples := header.GranulePosition - s.lastGranule
		s.lastGranule = header.GranulePosition
		s.yielded = true
		return media.Sample{Data: page, Duration: time.Duration(samples) * time.Second / 48000}, nil
	}
}

func (s *oggSource) Close() error { return s.file.Close() }
