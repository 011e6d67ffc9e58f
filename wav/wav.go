// Package wav reads and writes wav files in processing-sized buffers. It
// is the file-based endpoint of the CLI process path.
package wav

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/pipelined/netdsp/signal"
)

type (
	// Pump reads from wav file.
	// This component cannot be reused for consequent runs.
	Pump struct {
		path    string
		file    *os.File
		decoder *wav.Decoder
	}

	// Sink saves audio to wav file.
	Sink struct {
		path     string
		bitDepth signal.BitDepth
		format   int
		file     *os.File
		encoder  *wav.Encoder
	}
)

// ErrUnsupportedBitDepth is returned when unsupported bit depth is used.
var ErrUnsupportedBitDepth = errors.New("only 16 and 32 bit depth is supported")

// NewPump creates a new wav pump.
func NewPump(path string) *Pump {
	return &Pump{path: path}
}

// Pump opens the file and returns the pump function along with the file's
// sample rate and channel count. The pump function returns io.EOF when the
// file is done and io.ErrUnexpectedEOF with the last shortened buffer.
func (p *Pump) Pump(bufferSize int) (func() (signal.Float64, error), int, int, error) {
	file, err := os.Open(p.path)
	if err != nil {
		return nil, 0, 0, err
	}

	decoder := wav.NewDecoder(file)
	if !decoder.IsValidFile() {
		file.Close()
		return nil, 0, 0, fmt.Errorf("file %v is not a valid wav", p.path)
	}
	bitDepth := signal.BitDepth(decoder.BitDepth)
	if bitDepth != signal.BitDepth16 && bitDepth != signal.BitDepth32 {
		file.Close()
		return nil, 0, 0, ErrUnsupportedBitDepth
	}

	p.file = file
	p.decoder = decoder
	numChannels := decoder.Format().NumChannels
	sampleRate := int(decoder.SampleRate)

	ib := &audio.IntBuffer{
		Format:         decoder.Format(),
		Data:           make([]int, bufferSize*numChannels),
		SourceBitDepth: int(bitDepth),
	}

	return func() (signal.Float64, error) {
		readSamples, err := p.decoder.PCMBuffer(ib)
		if err != nil {
			return nil, err
		}
		if readSamples == 0 {
			return nil, io.EOF
		}
		b := signal.InterInt{
			Data:        ib.Data[:readSamples],
			NumChannels: numChannels,
			BitDepth:    bitDepth,
		}.AsFloat64()
		if b.Size() != bufferSize {
			return b, io.ErrUnexpectedEOF
		}
		return b, nil
	}, sampleRate, numChannels, nil
}

// Flush closes the file.
func (p *Pump) Flush() error {
	return p.file.Close()
}

// NewSink creates new wav sink.
func NewSink(path string, bitDepth signal.BitDepth) (*Sink, error) {
	if bitDepth != signal.BitDepth16 && bitDepth != signal.BitDepth32 {
		return nil, ErrUnsupportedBitDepth
	}
	return &Sink{
		path:     path,
		bitDepth: bitDepth,
		format:   1,
	}, nil
}

// Sink creates the file and returns the sink function.
func (s *Sink) Sink(sampleRate, numChannels int) (func(signal.Float64) error, error) {
	f, err := os.Create(s.path)
	if err != nil {
		return nil, err
	}
	e := wav.NewEncoder(f, sampleRate, int(s.bitDepth), numChannels, s.format)

	s.file = f
	s.encoder = e
	ib := &audio.IntBuffer{
		Format: &audio.Format{
			NumChannels: numChannels,
			SampleRate:  sampleRate,
		},
		SourceBitDepth: int(s.bitDepth),
	}

	return func(b signal.Float64) error {
		ib.Data = b.AsInterInt(s.bitDepth)
		return s.encoder.Write(ib)
	}, nil
}

// Flush flushes encoder and closes the file.
func (s *Sink) Flush() error {
	err := s.encoder.Close()
	if err != nil {
		return err
	}
	return s.file.Close()
}
