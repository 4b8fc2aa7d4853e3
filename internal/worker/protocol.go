package worker

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	"io"

	"github.com/andresmejia3/deepswap/internal/types"
)

// Op selects the inference the worker runs on a request.
type Op uint8

const (
	OpDetect  Op = 1 // [pixels] -> faces
	OpSwap    Op = 2 // [target face][source face][pixels] -> full frame
	OpRestore Op = 3 // [pixels] -> restored crop
)

const (
	statusOK    = 0
	statusError = 1
)

// LogicError is an error the worker reported for one request (bad input, inference failure).
// The worker is still usable afterwards, unlike a broken pipe.
type LogicError struct {
	Msg string
}

func (e *LogicError) Error() string {
	return "python worker error: " + e.Msg
}

// wireFace is the fixed-size part of a face record. The embedding follows as [len u32][len x f32].
type wireFace struct {
	BBox      [4]float32
	Landmarks [10]float32
	Score     float32
	Age       int32
	Gender    uint8
}

func writeFace(buf *bytes.Buffer, f types.Face) {
	var wf wireFace
	for i, v := range f.BBox {
		wf.BBox[i] = float32(v)
	}
	for i, p := range f.Landmarks {
		wf.Landmarks[2*i] = float32(p[0])
		wf.Landmarks[2*i+1] = float32(p[1])
	}
	wf.Score = float32(f.Score)
	wf.Age = int32(f.Age)
	wf.Gender = uint8(f.Gender)
	binary.Write(buf, binary.BigEndian, wf)

	binary.Write(buf, binary.BigEndian, uint32(len(f.Embedding)))
	emb := make([]float32, len(f.Embedding))
	for i, v := range f.Embedding {
		emb[i] = float32(v)
	}
	binary.Write(buf, binary.BigEndian, emb)
}

func readFace(r io.Reader) (types.Face, error) {
	var wf wireFace
	if err := binary.Read(r, binary.BigEndian, &wf); err != nil {
		return types.Face{}, fmt.Errorf("truncated face record: %w", err)
	}
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return types.Face{}, fmt.Errorf("truncated embedding length: %w", err)
	}
	if n > 4*types.EmbeddingDim {
		return types.Face{}, fmt.Errorf("embedding length %d out of range", n)
	}
	emb32 := make([]float32, n)
	if err := binary.Read(r, binary.BigEndian, emb32); err != nil {
		return types.Face{}, fmt.Errorf("truncated embedding: %w", err)
	}

	f := types.Face{
		Score:  float64(wf.Score),
		Age:    int(wf.Age),
		Gender: types.Gender(wf.Gender),
	}
	for i, v := range wf.BBox {
		f.BBox[i] = float64(v)
	}
	for i := range f.Landmarks {
		f.Landmarks[i] = [2]float64{float64(wf.Landmarks[2*i]), float64(wf.Landmarks[2*i+1])}
	}
	if n > 0 {
		f.Embedding = make([]float64, n)
		for i, v := range emb32 {
			f.Embedding[i] = float64(v)
		}
	}
	return f, nil
}

// encodeRequest builds [op][width][height][extra][pixels].
func encodeRequest(op Op, frame *image.RGBA, extra ...types.Face) []byte {
	w, h := frame.Rect.Dx(), frame.Rect.Dy()
	buf := bytes.NewBuffer(make([]byte, 0, 9+w*h*4))
	buf.WriteByte(byte(op))
	binary.Write(buf, binary.BigEndian, uint32(w))
	binary.Write(buf, binary.BigEndian, uint32(h))
	for _, f := range extra {
		writeFace(buf, f)
	}
	writePixels(buf, frame)
	return buf.Bytes()
}

func writePixels(buf *bytes.Buffer, frame *image.RGBA) {
	w, h := frame.Rect.Dx(), frame.Rect.Dy()
	if frame.Stride == w*4 {
		buf.Write(frame.Pix[:w*h*4])
		return
	}
	for y := 0; y < h; y++ {
		off := y * frame.Stride
		buf.Write(frame.Pix[off : off+w*4])
	}
}

// checkStatus consumes the status byte and turns an error status into a LogicError.
func checkStatus(r *bytes.Reader) error {
	status, err := r.ReadByte()
	if err != nil {
		return fmt.Errorf("empty response from worker")
	}
	switch status {
	case statusOK:
		return nil
	case statusError:
		var n uint32
		if err := binary.Read(r, binary.BigEndian, &n); err != nil {
			return &LogicError{Msg: "unknown error"}
		}
		msg := make([]byte, n)
		io.ReadFull(r, msg)
		return &LogicError{Msg: string(msg)}
	default:
		return fmt.Errorf("unknown worker status byte %d", status)
	}
}

// decodeFaces parses [status][count u32][face...].
func decodeFaces(resp []byte) ([]types.Face, error) {
	r := bytes.NewReader(resp)
	if err := checkStatus(r); err != nil {
		return nil, err
	}
	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, fmt.Errorf("truncated face count: %w", err)
	}

	faces := make([]types.Face, 0, count)
	for i := uint32(0); i < count; i++ {
		f, err := readFace(r)
		if err != nil {
			return nil, fmt.Errorf("face %d: %w", i, err)
		}
		faces = append(faces, f)
	}
	return faces, nil
}

// decodeImage parses [status][width u32][height u32][pixels].
func decodeImage(resp []byte) (*image.RGBA, error) {
	r := bytes.NewReader(resp)
	if err := checkStatus(r); err != nil {
		return nil, err
	}
	var dims [2]uint32
	if err := binary.Read(r, binary.BigEndian, &dims); err != nil {
		return nil, fmt.Errorf("truncated image header: %w", err)
	}
	w, h := int(dims[0]), int(dims[1])
	if w <= 0 || h <= 0 || r.Len() != w*h*4 {
		return nil, fmt.Errorf("image payload is %d bytes, header says %dx%d", r.Len(), w, h)
	}
	pix := make([]byte, w*h*4)
	io.ReadFull(r, pix)
	return &image.RGBA{Pix: pix, Stride: w * 4, Rect: image.Rect(0, 0, w, h)}, nil
}
