// Package quant describes the block-quantized host formats that can be
// converted into float32 device buffers, and provides a host-side
// dequantizer used by the simulated device.
package quant

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Format is the native conversion tag. The numeric values are part of the
// native contract and must not be reordered.
type Format int

const (
	Q4_0 Format = iota
	Q8_0
	F16
	BF16
	F32
)

func (f Format) String() string {
	switch f {
	case Q4_0:
		return "Q4_0"
	case Q8_0:
		return "Q8_0"
	case F16:
		return "F16"
	case BF16:
		return "BF16"
	case F32:
		return "F32"
	default:
		return fmt.Sprintf("UNKNOWN_FORMAT_%d", int(f))
	}
}

// BlockSpec is the geometry of one quantized block: BlockSize elements are
// stored in ElemSize bytes, the first HeaderBytes of which hold the scale.
type BlockSpec struct {
	Format      Format
	BlockSize   int
	ElemSize    int
	HeaderBytes int
}

// SpecFor returns the canonical block geometry of f.
func SpecFor(f Format) BlockSpec {
	switch f {
	case Q4_0:
		return BlockSpec{Format: Q4_0, BlockSize: 32, ElemSize: 18, HeaderBytes: 2}
	case Q8_0:
		return BlockSpec{Format: Q8_0, BlockSize: 32, ElemSize: 34, HeaderBytes: 2}
	case F16:
		return BlockSpec{Format: F16, BlockSize: 1, ElemSize: 2}
	case BF16:
		return BlockSpec{Format: BF16, BlockSize: 1, ElemSize: 2}
	default:
		return BlockSpec{Format: F32, BlockSize: 1, ElemSize: 4}
	}
}

func (s BlockSpec) Validate() error {
	if s.Format < Q4_0 || s.Format > F32 {
		return fmt.Errorf("invalid format: %d", int(s.Format))
	}
	if s.BlockSize <= 0 {
		return fmt.Errorf("invalid block size: %d (must be positive)", s.BlockSize)
	}
	if s.ElemSize <= 0 {
		return fmt.Errorf("invalid element size: %d (must be positive)", s.ElemSize)
	}
	if s.HeaderBytes < 0 || (s.HeaderBytes > 0 && s.HeaderBytes >= s.ElemSize) {
		return fmt.Errorf("invalid header size: %d (element size %d)", s.HeaderBytes, s.ElemSize)
	}

	// Dequantize assumes the canonical layout of each format.
	switch s.Format {
	case F16, BF16, F32:
		want := 2
		if s.Format == F32 {
			want = 4
		}
		if s.BlockSize != 1 || s.ElemSize != want || s.HeaderBytes != 0 {
			return fmt.Errorf("invalid %s geometry: block %d, element %d, header %d (want 1, %d, 0)",
				s.Format, s.BlockSize, s.ElemSize, s.HeaderBytes, want)
		}
	case Q4_0, Q8_0:
		if s.HeaderBytes < 2 {
			return fmt.Errorf("invalid header size: %d (%s needs a 2 byte scale)", s.HeaderBytes, s.Format)
		}
		need := s.BlockSize
		if s.Format == Q4_0 {
			need = (s.BlockSize + 1) / 2
		}
		if s.ElemSize-s.HeaderBytes < need {
			return fmt.Errorf("invalid element size: %d (%s block of %d needs %d payload bytes after a %d byte header)",
				s.ElemSize, s.Format, s.BlockSize, need, s.HeaderBytes)
		}
	}
	return nil
}

// Elements is the number of float32 values produced from hostBytes bytes.
// Trailing bytes that do not form a whole block are ignored.
func (s BlockSpec) Elements(hostBytes int) int {
	if s.ElemSize <= 0 {
		return 0
	}
	return (hostBytes / s.ElemSize) * s.BlockSize
}

// DeviceBytes is the size of the float32 device buffer a conversion of
// hostBytes bytes occupies.
func (s BlockSpec) DeviceBytes(hostBytes int) int64 {
	return int64(s.Elements(hostBytes)) * 4
}

// Dequantize expands data into float32 values.
func Dequantize(data []byte, s BlockSpec) ([]float32, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	n := s.Elements(len(data))
	out := make([]float32, n)
	blocks := len(data) / s.ElemSize

	switch s.Format {
	case Q4_0:
		half := s.BlockSize / 2
		for b := 0; b < blocks; b++ {
			blk := data[b*s.ElemSize : (b+1)*s.ElemSize]
			d := Float16ToFloat32(binary.LittleEndian.Uint16(blk[0:2]))
			qs := blk[s.HeaderBytes:]
			base := b * s.BlockSize
			for j := 0; j < half && j < len(qs); j++ {
				out[base+j] = float32(int(qs[j]&0x0F)-8) * d
				out[base+j+half] = float32(int(qs[j]>>4)-8) * d
			}
		}
	case Q8_0:
		for b := 0; b < blocks; b++ {
			blk := data[b*s.ElemSize : (b+1)*s.ElemSize]
			d := Float16ToFloat32(binary.LittleEndian.Uint16(blk[0:2]))
			qs := blk[s.HeaderBytes:]
			base := b * s.BlockSize
			for j := 0; j < s.BlockSize && j < len(qs); j++ {
				out[base+j] = float32(int8(qs[j])) * d
			}
		}
	case F16:
		for i := 0; i < n; i++ {
			out[i] = Float16ToFloat32(binary.LittleEndian.Uint16(data[i*2:]))
		}
	case BF16:
		for i := 0; i < n; i++ {
			out[i] = BFloat16ToFloat32(binary.LittleEndian.Uint16(data[i*2:]))
		}
	case F32:
		for i := 0; i < n; i++ {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
		}
	}
	return out, nil
}

// Float16ToFloat32 decodes an IEEE 754 half, including subnormals.
func Float16ToFloat32(h uint16) float32 {
	sign := uint32(h&0x8000) << 16
	exp := uint32(h>>10) & 0x1f
	mant := uint32(h & 0x3ff)

	switch exp {
	case 0:
		if mant == 0 {
			return math.Float32frombits(sign)
		}
		e := uint32(127 - 15 + 1)
		for mant&0x400 == 0 {
			mant <<= 1
			e--
		}
		mant &= 0x3ff
		return math.Float32frombits(sign | e<<23 | mant<<13)
	case 0x1f:
		return math.Float32frombits(sign | 0x7f800000 | mant<<13)
	}
	return math.Float32frombits(sign | (exp+112)<<23 | mant<<13)
}

// Float32ToFloat16 encodes f as a half with round-to-nearest-even.
func Float32ToFloat16(f float32) uint16 {
	b := math.Float32bits(f)
	sign := uint16(b>>16) & 0x8000
	exp := int((b >> 23) & 0xff)
	mant := b & 0x7fffff

	if exp == 0xff {
		if mant != 0 {
			return sign | 0x7e00
		}
		return sign | 0x7c00
	}

	e := exp - 127 + 15
	if e >= 0x1f {
		return sign | 0x7c00
	}
	if e <= 0 {
		if e < -10 {
			return sign
		}
		mant |= 0x800000
		shift := uint(14 - e)
		half := uint32(1) << (shift - 1)
		rounded := mant + half - 1 + ((mant >> shift) & 1)
		return sign | uint16(rounded>>shift)
	}

	rounded := mant + 0xfff + ((mant >> 13) & 1)
	if rounded&0x800000 != 0 {
		rounded = 0
		e++
		if e >= 0x1f {
			return sign | 0x7c00
		}
	}
	return sign | uint16(e)<<10 | uint16(rounded>>13)
}

// BFloat16ToFloat32 widens a bfloat16 value.
func BFloat16ToFloat32(h uint16) float32 {
	return math.Float32frombits(uint32(h) << 16)
}

// RoundHalf rounds f through half precision.
func RoundHalf(f float32) float32 {
	return Float16ToFloat32(Float32ToFloat16(f))
}
