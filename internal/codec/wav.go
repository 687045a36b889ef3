package codec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// WAVFormat describes a PCM WAV stream.
type WAVFormat struct {
	SampleRate int
	Channels   int
	BitDepth   int
}

// EncodeWAV wraps mono PCM16 samples in a canonical 44-byte WAV header.
func EncodeWAV(samples []int16, sampleRate int) []byte {
	var buf bytes.Buffer

	dataSize := len(samples) * 2
	fileSize := 36 + dataSize

	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, int32(fileSize))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, int32(16))
	binary.Write(&buf, binary.LittleEndian, int16(1))
	binary.Write(&buf, binary.LittleEndian, int16(1))
	binary.Write(&buf, binary.LittleEndian, int32(sampleRate))
	binary.Write(&buf, binary.LittleEndian, int32(sampleRate*2))
	binary.Write(&buf, binary.LittleEndian, int16(2))
	binary.Write(&buf, binary.LittleEndian, int16(16))

	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, int32(dataSize))
	buf.Write(PCM16Bytes(samples))

	return buf.Bytes()
}

// DecodeWAV reads a PCM16 WAV stream, skipping chunks other than fmt and data.
func DecodeWAV(r io.Reader) (WAVFormat, []int16, error) {
	var format WAVFormat

	var header [12]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return format, nil, fmt.Errorf("reading riff header: %w", err)
	}
	if string(header[0:4]) != "RIFF" || string(header[8:12]) != "WAVE" {
		return format, nil, errors.New("not a RIFF/WAVE stream")
	}

	for {
		var chunkID [4]byte
		var chunkSize uint32
		if _, err := io.ReadFull(r, chunkID[:]); err != nil {
			return format, nil, fmt.Errorf("reading chunk id: %w", err)
		}
		if err := binary.Read(r, binary.LittleEndian, &chunkSize); err != nil {
			return format, nil, fmt.Errorf("reading chunk size: %w", err)
		}

		switch string(chunkID[:]) {
		case "fmt ":
			body := make([]byte, chunkSize)
			if _, err := io.ReadFull(r, body); err != nil {
				return format, nil, fmt.Errorf("reading fmt chunk: %w", err)
			}
			if len(body) < 16 {
				return format, nil, errors.New("fmt chunk too short")
			}
			if audioFormat := binary.LittleEndian.Uint16(body[0:2]); audioFormat != 1 {
				return format, nil, fmt.Errorf("unsupported wav encoding %d", audioFormat)
			}
			format.Channels = int(binary.LittleEndian.Uint16(body[2:4]))
			format.SampleRate = int(binary.LittleEndian.Uint32(body[4:8]))
			format.BitDepth = int(binary.LittleEndian.Uint16(body[14:16]))
		case "data":
			if format.BitDepth != 16 {
				return format, nil, fmt.Errorf("unsupported bit depth %d", format.BitDepth)
			}
			body := make([]byte, chunkSize)
			n, err := io.ReadFull(r, body)
			if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
				return format, nil, fmt.Errorf("reading data chunk: %w", err)
			}
			samples, err := BytesPCM16(body[:n-n%2])
			if err != nil {
				return format, nil, err
			}
			return format, samples, nil
		default:
			if _, err := io.CopyN(io.Discard, r, int64(chunkSize+chunkSize%2)); err != nil {
				return format, nil, fmt.Errorf("skipping chunk %q: %w", chunkID[:], err)
			}
		}
	}
}
