// Package imageio reads and writes volumes in the NIfTI-1 format
// (https://nifti.nimh.nih.gov/pub/dist/src/niftilib/nifti1.h), with
// transparent gzip handling for .nii.gz files. The rest of the pipeline
// never sees the format: volumes cross this boundary as dense float64
// tensors.
package imageio

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"

	"aslmap/pkg/volume"
)

// NIfTI-1 datatype codes.
const (
	dtUint8   = 2
	dtInt16   = 4
	dtInt32   = 8
	dtFloat32 = 16
	dtFloat64 = 64
)

const (
	headerSize  = 348
	dataOffset  = 352
	magicNPlus1 = "n+1\x00"
)

// header is the fixed 348-byte NIfTI-1 header.
type header struct {
	SizeOfHdr          int32
	UnusedDataType     [10]int8
	UnusedDbName       [18]int8
	UnusedExtents      int32
	UnusedSessionError int16
	UnusedRegular      int8
	DimInfo            int8

	Dim           [8]int16
	IntentP1      float32
	IntentP2      float32
	IntentP3      float32
	IntentCode    int16
	DataType      int16
	BitPix        int16
	SliceStart    int16
	PixDim        [8]float32
	VoxOffset     float32
	SclSlope      float32
	SclInter      float32
	SliceEnd      int16
	SliceCode     int8
	XyztUnits     int8
	CalMax        float32
	CalMin        float32
	SliceDuration float32
	Toffset       float32
	Glmax         int32
	Glmin         int32

	Descrip [80]int8
	AuxFile [24]int8

	QformCode int16
	SformCode int16
	QuaternB  float32
	QuaternC  float32
	QuaternD  float32
	QoffsetX  float32
	QoffsetY  float32
	QoffsetZ  float32

	SrowX [4]float32
	SrowY [4]float32
	SrowZ [4]float32

	IntentName [16]int8
	Magic      [4]int8
}

// Load reads a .nii or .nii.gz file into a volume. The NIfTI dimension
// order (X fastest) maps onto the pipeline's row-major convention by
// reversing the axis list, so a 4D file loads as [T,Z,Y,X].
func Load(path string) (*volume.Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		zr, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("reading gzip stream of %s: %w", path, err)
		}
		defer zr.Close()
		r = zr
	}

	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	if len(raw) < headerSize {
		return nil, fmt.Errorf("%s is too short for a NIfTI-1 header (%d bytes)", path, len(raw))
	}

	order, err := byteOrder(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	var hdr header
	if err := binary.Read(bytes.NewReader(raw[:headerSize]), order, &hdr); err != nil {
		return nil, fmt.Errorf("decoding header of %s: %w", path, err)
	}

	ndim := int(hdr.Dim[0])
	if ndim < 1 || ndim > 7 {
		return nil, fmt.Errorf("%s declares %d dimensions", path, ndim)
	}
	// Reverse so the fastest-varying NIfTI axis (X) is the last axis.
	shape := make([]int, ndim)
	n := 1
	for d := 0; d < ndim; d++ {
		s := int(hdr.Dim[1+d])
		if s < 1 {
			return nil, fmt.Errorf("%s has non-positive extent %d on axis %d", path, s, d)
		}
		shape[ndim-1-d] = s
		n *= s
	}

	offset := int(hdr.VoxOffset)
	if offset < headerSize {
		offset = dataOffset
	}
	if offset > len(raw) {
		return nil, fmt.Errorf("%s declares voxel offset %d beyond its %d bytes", path, offset, len(raw))
	}
	body := raw[offset:]

	data, err := decodeVoxels(body, order, int(hdr.DataType), n)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	if hdr.SclSlope != 0 && !(hdr.SclSlope == 1 && hdr.SclInter == 0) {
		slope := float64(hdr.SclSlope)
		inter := float64(hdr.SclInter)
		for i := range data {
			data[i] = data[i]*slope + inter
		}
	}

	log.WithFields(log.Fields{"path": path, "shape": shape}).Debug("loaded volume")
	return volume.FromData(data, shape...)
}

func byteOrder(raw []byte) (binary.ByteOrder, error) {
	le := binary.LittleEndian.Uint32(raw[:4])
	if le == headerSize {
		return binary.LittleEndian, nil
	}
	if binary.BigEndian.Uint32(raw[:4]) == headerSize {
		return binary.BigEndian, nil
	}
	return nil, fmt.Errorf("sizeof_hdr %d is not a NIfTI-1 header", le)
}

func decodeVoxels(body []byte, order binary.ByteOrder, dtype, n int) ([]float64, error) {
	data := make([]float64, n)
	switch dtype {
	case dtUint8:
		if len(body) < n {
			return nil, fmt.Errorf("truncated voxel data: need %d bytes, have %d", n, len(body))
		}
		for i := 0; i < n; i++ {
			data[i] = float64(body[i])
		}
	case dtInt16:
		if len(body) < 2*n {
			return nil, fmt.Errorf("truncated voxel data: need %d bytes, have %d", 2*n, len(body))
		}
		for i := 0; i < n; i++ {
			data[i] = float64(int16(order.Uint16(body[2*i:])))
		}
	case dtInt32:
		if len(body) < 4*n {
			return nil, fmt.Errorf("truncated voxel data: need %d bytes, have %d", 4*n, len(body))
		}
		for i := 0; i < n; i++ {
			data[i] = float64(int32(order.Uint32(body[4*i:])))
		}
	case dtFloat32:
		if len(body) < 4*n {
			return nil, fmt.Errorf("truncated voxel data: need %d bytes, have %d", 4*n, len(body))
		}
		for i := 0; i < n; i++ {
			data[i] = float64(math.Float32frombits(order.Uint32(body[4*i:])))
		}
	case dtFloat64:
		if len(body) < 8*n {
			return nil, fmt.Errorf("truncated voxel data: need %d bytes, have %d", 8*n, len(body))
		}
		for i := 0; i < n; i++ {
			data[i] = math.Float64frombits(order.Uint64(body[8*i:]))
		}
	default:
		return nil, fmt.Errorf("unsupported NIfTI datatype code %d", dtype)
	}
	return data, nil
}

// Save writes a volume as a little-endian float64 single-file NIfTI-1
// image (.nii, or .nii.gz when the path ends in .gz).
func Save(v *volume.Volume, path string) error {
	shape := v.Shape()
	if len(shape) > 7 {
		return fmt.Errorf("volume rank %d exceeds the NIfTI-1 limit of 7", len(shape))
	}

	var hdr header
	hdr.SizeOfHdr = headerSize
	hdr.DataType = dtFloat64
	hdr.BitPix = 64
	hdr.VoxOffset = dataOffset
	hdr.SclSlope = 1
	hdr.Dim[0] = int16(len(shape))
	for d := 0; d < len(shape); d++ {
		// Undo the axis reversal of Load.
		hdr.Dim[1+d] = int16(shape[len(shape)-1-d])
	}
	for d := len(shape); d < 7; d++ {
		hdr.Dim[1+d] = 1
	}
	for i := range hdr.PixDim {
		hdr.PixDim[i] = 1
	}
	copy(hdr.Magic[:], []int8{'n', '+', '1', 0})

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("encoding header: %w", err)
	}
	buf.Write([]byte{0, 0, 0, 0}) // no header extensions
	if err := binary.Write(&buf, binary.LittleEndian, v.Data()); err != nil {
		return fmt.Errorf("encoding voxels: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	defer f.Close()

	var w io.Writer = f
	var zw *gzip.Writer
	if strings.HasSuffix(path, ".gz") {
		zw = gzip.NewWriter(f)
		w = zw
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if zw != nil {
		if err := zw.Close(); err != nil {
			return fmt.Errorf("finishing %s: %w", path, err)
		}
	}

	log.WithFields(log.Fields{"path": path, "shape": shape}).Debug("saved volume")
	return nil
}
