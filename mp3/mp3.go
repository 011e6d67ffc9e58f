// Package mp3 reads and writes mp3 files in processing-sized buffers. It
// is the compressed file endpoint of the CLI process path.
package mp3

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"

	mp3 "github.com/hajimehoshi/go-mp3"
	"github.com/viert/lame"

	"github.com/pipelined/netdsp/signal"
)

type (
	// Pump reads mp3 files. Decoded audio is always stereo.
	Pump struct {
		path string
		file *os.File
		d    *mp3.Decoder
		done bool
	}

	// Sink encodes audio to an mp3 file at a constant bit rate.
	Sink struct {
		path    string
		bitRate int
		quality int
		file    *os.File
		wr      *lame.LameWriter
	}
)

// NewPump creates new mp3 pump.
func NewPump(path string) *Pump {
	return &Pump{path: path}
}

// Pump opens the file and returns the pump function along with the file's
// sample rate and channel count.
func (p *Pump) Pump(bufferSize int) (func() (signal.Float64, error), int, int, error) {
	file, err := os.Open(p.path)
	if err != nil {
		return nil, 0, 0, err
	}
	d, err := mp3.NewDecoder(file)
	if err != nil {
		file.Close()
		return nil, 0, 0, err
	}
	p.file = file
	p.d = d

	const numChannels = 2
	return func() (signal.Float64, error) {
		if p.done {
			return nil, io.EOF
		}
		ints := make([]int, 0, bufferSize*numChannels)
		var val int16
		for len(ints) < bufferSize*numChannels && !p.done {
			if err := binary.Read(p.d, binary.LittleEndian, &val); err != nil {
				if err == io.EOF {
					p.done = true
					break
				}
				return nil, err
			}
			ints = append(ints, int(val))
		}
		if len(ints) == 0 {
			return nil, io.EOF
		}
		if len(ints)%numChannels != 0 {
			ints = append(ints, 0)
		}
		b := signal.InterInt{
			Data:        ints,
			NumChannels: numChannels,
			BitDepth:    signal.BitDepth16,
		}.AsFloat64()
		if b.Size() != bufferSize {
			return b, io.ErrUnexpectedEOF
		}
		return b, nil
	}, p.d.SampleRate(), numChannels, nil
}

// Flush closes the file.
func (p *Pump) Flush() error {
	return p.file.Close()
}

// NewSink creates new mp3 sink.
func NewSink(path string, bitRate int, quality int) *Sink {
	return &Sink{
		path:    path,
		bitRate: bitRate,
		quality: quality,
	}
}

// Sink creates the file and returns the sink function.
func (s *Sink) Sink(sampleRate, numChannels int) (func(signal.Float64) error, error) {
	f, err := os.Create(s.path)
	if err != nil {
		return nil, err
	}
	s.file = f
	s.wr = lame.NewWriter(f)
	s.wr.Encoder.SetBitrate(s.bitRate)
	s.wr.Encoder.SetQuality(s.quality)
	s.wr.Encoder.SetNumChannels(numChannels)
	s.wr.Encoder.SetInSamplerate(sampleRate)
	s.wr.Encoder.SetMode(lame.JOINT_STEREO)
	s.wr.Encoder.SetVBR(lame.VBR_RH)
	s.wr.Encoder.InitParams()

	return func(b signal.Float64) error {
		buf := new(bytes.Buffer)
		ints := b.AsInterInt(signal.BitDepth16)
		for i := range ints {
			if err := binary.Write(buf, binary.LittleEndian, int16(ints[i])); err != nil {
				return err
			}
		}
		_, err := s.wr.Write(buf.Bytes())
		return err
	}, nil
}

// Flush drains the encoder and closes the file.
func (s *Sink) Flush() error {
	if err := s.wr.Close(); err != nil {
		return err
	}
	return s.file.Close()
}
