// Package checkpoint serializes a trained model's topic-word matrix to a
// compact binary file so downstream inference can load it without the
// training state.
//
// File Format
// ===========
//
//	+------------+-----------------------------+----------+
//	| Header     | Phi                         | Checksum |
//	| (PLDA0001) | (topics x vocab float64 LE) | (CRC64)  |
//	+------------+-----------------------------+----------+
//
// The header carries the magic string, the matrix dimensions and the two
// priors. Everything before the trailing checksum is hashed with CRC64/ISO
// as it is written, so corruption anywhere in the file is detected on load.
//
// A checkpoint is a point-in-time export of Phi, not a full resume point:
// token assignments and sufficient statistics stay with the training run.
package checkpoint

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc64"
	"io"
	"math"
	"os"

	"plda.lopezb.com/internal/lda/model"
)

const magic = "PLDA0001"

var (
	// ErrBadMagic is returned when the file does not start with the
	// checkpoint signature.
	ErrBadMagic = errors.New("checkpoint: bad magic")

	// ErrChecksum is returned when the trailing CRC64 does not match the
	// file contents.
	ErrChecksum = errors.New("checkpoint: checksum mismatch")
)

var crcTable = crc64.MakeTable(crc64.ISO)

// Save writes m's dimensions, priors and Phi to w in checkpoint format.
func Save(w io.Writer, m *model.Model) error {
	// Every byte written is also hashed, so the checksum comes out in the
	// same single pass as the data.
	sum := crc64.New(crcTable)
	bw := bufio.NewWriter(io.MultiWriter(w, sum))

	if _, err := bw.WriteString(magic); err != nil {
		return err
	}
	hdr := []uint64{
		uint64(m.Topics),
		uint64(m.Vocab),
		floatBits(m.Alpha),
		floatBits(m.Beta),
	}
	for _, v := range hdr {
		if err := binary.Write(bw, binary.LittleEndian, v); err != nil {
			return err
		}
	}

	buf := make([]byte, 8*m.Vocab)
	for k := 0; k < m.Topics; k++ {
		row := m.Phi.RawRowView(k)
		for j, v := range row {
			binary.LittleEndian.PutUint64(buf[8*j:], floatBits(v))
		}
		if _, err := bw.Write(buf); err != nil {
			return err
		}
	}
	if err := bw.Flush(); err != nil {
		return err
	}

	// The checksum bypasses the hashing writer; hashing the checksum
	// itself would make verification impossible.
	return binary.Write(w, binary.LittleEndian, sum.Sum64())
}

// Load reads a checkpoint from r and returns a model with Phi populated.
// The model starts Stale: derived sampling artifacts are not part of the
// file and are rebuilt by the first refresh if training resumes.
func Load(r io.Reader) (*model.Model, error) {
	// Consumed bytes are fed to the hash explicitly. Hanging the hash off
	// the underlying reader would also hash bufio's read-ahead, checksum
	// bytes included.
	sum := crc64.New(crcTable)
	br := bufio.NewReader(r)

	head := make([]byte, len(magic))
	if _, err := io.ReadFull(br, head); err != nil {
		return nil, err
	}
	if string(head) != magic {
		return nil, ErrBadMagic
	}
	_, _ = sum.Write(head)

	hdr := make([]byte, 4*8)
	if _, err := io.ReadFull(br, hdr); err != nil {
		return nil, err
	}
	_, _ = sum.Write(hdr)
	topics := int(binary.LittleEndian.Uint64(hdr[0:]))
	vocab := int(binary.LittleEndian.Uint64(hdr[8:]))
	if topics <= 0 || vocab <= 0 {
		return nil, fmt.Errorf("checkpoint: invalid dimensions %dx%d", topics, vocab)
	}

	m := model.New(topics, vocab,
		bitsFloat(binary.LittleEndian.Uint64(hdr[16:])),
		bitsFloat(binary.LittleEndian.Uint64(hdr[24:])))
	buf := make([]byte, 8*vocab)
	for k := 0; k < topics; k++ {
		if _, err := io.ReadFull(br, buf); err != nil {
			return nil, err
		}
		_, _ = sum.Write(buf)
		row := m.Phi.RawRowView(k)
		for j := range row {
			row[j] = bitsFloat(binary.LittleEndian.Uint64(buf[8*j:]))
		}
	}

	want := sum.Sum64()
	var got uint64
	if err := binary.Read(br, binary.LittleEndian, &got); err != nil {
		return nil, err
	}
	if got != want {
		return nil, ErrChecksum
	}
	return m, nil
}

// SaveFile writes the checkpoint through a temporary file and an atomic
// rename, so a crash mid-write never leaves a truncated checkpoint at path.
func SaveFile(path string, m *model.Model) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}

	var renamed bool
	defer func() {
		_ = f.Close()
		if !renamed {
			_ = os.Remove(tmp)
		}
	}()

	if err := Save(f, m); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	renamed = true
	return nil
}

// LoadFile reads a checkpoint written by SaveFile.
func LoadFile(path string) (*model.Model, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return Load(f)
}

func floatBits(v float64) uint64 { return math.Float64bits(v) }
func bitsFloat(b uint64) float64 { return math.Float64frombits(b) }
