package worker

import (
	"bytes"
	"encoding/binary"
	"errors"
	"image"
	"math"
	"os"
	"testing"
	"time"

	"github.com/andresmejia3/deepswap/internal/types"
)

// MockCloser wraps a bytes.Buffer to satisfy io.ReadCloser and io.WriteCloser interfaces.
// This allows us to use in-memory buffers as if they were OS Pipes.
type MockCloser struct {
	*bytes.Buffer
}

func (m *MockCloser) Close() error { return nil }

// newMockWorker returns a worker whose data pipe already holds one framed response.
func newMockWorker(payload []byte) (*PythonWorker, *MockCloser) {
	stdinMock := &MockCloser{Buffer: new(bytes.Buffer)}
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}

	binary.Write(dataPipeMock, binary.BigEndian, uint32(len(payload)))
	dataPipeMock.Write(payload)

	// Cmd is nil because we aren't testing process management, just the protocol
	return &PythonWorker{Stdin: stdinMock, DataPipe: dataPipeMock}, stdinMock
}

func testFace(x float64) types.Face {
	emb := make([]float64, types.EmbeddingDim)
	emb[0] = 0.5
	return types.Face{
		BBox:      types.BBox{x, 10, x + 20, 30},
		Landmarks: [5][2]float64{{1, 2}, {3, 4}, {5, 6}, {7, 8}, {9, 10}},
		Embedding: emb,
		Score:     0.75,
		Age:       31,
		Gender:    types.GenderFemale,
	}
}

func TestDetect(t *testing.T) {
	// Protocol: [Status:0] [NumFaces:1] [Face]
	payload := new(bytes.Buffer)
	payload.WriteByte(0)
	binary.Write(payload, binary.BigEndian, uint32(1))
	writeFace(payload, testFace(10))

	w, stdin := newMockWorker(payload.Bytes())

	frame := image.NewRGBA(image.Rect(0, 0, 2, 2))
	faces, err := w.Detect(frame)
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}

	// Verify Go sent the correct data TO Python: [len][op][w][h][pixels]
	sent := stdin.Bytes()
	if len(sent) != 4+1+8+len(frame.Pix) {
		t.Errorf("Expected %d bytes sent, got %d", 4+1+8+len(frame.Pix), len(sent))
	}
	if Op(sent[4]) != OpDetect {
		t.Errorf("Expected op %d, got %d", OpDetect, sent[4])
	}

	// Verify Go read the correct data FROM Python
	if len(faces) != 1 {
		t.Fatalf("Expected 1 face, got %d", len(faces))
	}
	f := faces[0]
	if math.Abs(f.Embedding[0]-0.5) > 1e-9 {
		t.Errorf("Expected embedding[0] approx 0.5, got %f", f.Embedding[0])
	}
	if f.BBox != (types.BBox{10, 10, 30, 30}) {
		t.Errorf("Unexpected bbox %v", f.BBox)
	}
	if f.Age != 31 || f.Gender != types.GenderFemale || math.Abs(f.Score-0.75) > 1e-6 {
		t.Errorf("Unexpected attributes %s", f)
	}
	if f.Landmarks[4] != [2]float64{9, 10} {
		t.Errorf("Unexpected landmarks %v", f.Landmarks)
	}
}

func TestDetect_NoEmbedding(t *testing.T) {
	face := testFace(0)
	face.Embedding = nil

	payload := new(bytes.Buffer)
	payload.WriteByte(0)
	binary.Write(payload, binary.BigEndian, uint32(1))
	writeFace(payload, face)

	w, _ := newMockWorker(payload.Bytes())
	faces, err := w.Detect(image.NewRGBA(image.Rect(0, 0, 1, 1)))
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if faces[0].Embedding != nil {
		t.Errorf("Expected nil embedding, got %d values", len(faces[0].Embedding))
	}
}

func TestSwap(t *testing.T) {
	// Response: [Status:0] [W] [H] [Pixels]
	payload := new(bytes.Buffer)
	payload.WriteByte(0)
	binary.Write(payload, binary.BigEndian, [2]uint32{1, 1})
	payload.Write([]byte{1, 2, 3, 255})

	w, stdin := newMockWorker(payload.Bytes())

	frame := image.NewRGBA(image.Rect(0, 0, 1, 1))
	out, err := w.Swap(frame, testFace(0), testFace(5))
	if err != nil {
		t.Fatalf("Swap failed: %v", err)
	}
	if !bytes.Equal(out.Pix, []byte{1, 2, 3, 255}) {
		t.Errorf("Unexpected pixels %v", out.Pix)
	}

	// Two face records travel with the frame
	faceSize := binary.Size(wireFace{}) + 4 + 4*types.EmbeddingDim
	want := 4 + 1 + 8 + 2*faceSize + 4
	if stdin.Len() != want {
		t.Errorf("Expected %d bytes sent, got %d", want, stdin.Len())
	}
}

func TestRestore_SizeMismatch(t *testing.T) {
	payload := new(bytes.Buffer)
	payload.WriteByte(0)
	binary.Write(payload, binary.BigEndian, [2]uint32{2, 2})
	payload.Write([]byte{1, 2, 3, 4}) // 1 pixel, header says 4

	w, _ := newMockWorker(payload.Bytes())
	if _, err := w.Restore(image.NewRGBA(image.Rect(0, 0, 2, 2))); err == nil {
		t.Fatal("Expected error for truncated pixel payload")
	}
}

func TestProcessFrame_Error(t *testing.T) {
	// Protocol: [Status:1] [MsgLen] [Msg]
	payload := new(bytes.Buffer)
	payload.WriteByte(1)

	errMsg := "Python Exception: Import Error"
	binary.Write(payload, binary.BigEndian, uint32(len(errMsg)))
	payload.WriteString(errMsg)

	w, _ := newMockWorker(payload.Bytes())

	_, err := w.Detect(image.NewRGBA(image.Rect(0, 0, 1, 1)))
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	var logicErr *LogicError
	if !errors.As(err, &logicErr) {
		t.Fatalf("Expected LogicError, got %T", err)
	}
	if err.Error() != "python worker error: "+errMsg {
		t.Errorf("Expected error message '%s', got '%v'", "python worker error: "+errMsg, err)
	}
}

func TestCommunicate_BrokenPipe(t *testing.T) {
	// Worker died before answering: nothing on the data pipe.
	w := &PythonWorker{
		Stdin:    &MockCloser{Buffer: new(bytes.Buffer)},
		DataPipe: &MockCloser{Buffer: new(bytes.Buffer)},
	}
	_, err := w.Detect(image.NewRGBA(image.Rect(0, 0, 1, 1)))
	if err == nil {
		t.Fatal("Expected error on empty data pipe")
	}
	var logicErr *LogicError
	if errors.As(err, &logicErr) {
		t.Error("A dead worker must not be reported as a logic error")
	}
}

func TestCommunicate_TimeoutBreaksWorker(t *testing.T) {
	r, pw, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer pw.Close()

	stdin := &MockCloser{Buffer: new(bytes.Buffer)}
	w := &PythonWorker{Stdin: stdin, DataPipe: r, ReadTimeout: 50 * time.Millisecond}
	frame := image.NewRGBA(image.Rect(0, 0, 1, 1))

	_, err = w.Detect(frame)
	if !errors.Is(err, os.ErrDeadlineExceeded) {
		t.Fatalf("Expected a read timeout, got %v", err)
	}
	sentOnce := stdin.Len()

	// The answer to the timed-out request arrives late
	late := new(bytes.Buffer)
	late.WriteByte(0)
	binary.Write(late, binary.BigEndian, uint32(1))
	writeFace(late, testFace(10))
	binary.Write(pw, binary.BigEndian, uint32(late.Len()))
	pw.Write(late.Bytes())

	faces, err := w.Detect(frame)
	if !errors.Is(err, ErrWorkerBroken) {
		t.Fatalf("Expected ErrWorkerBroken, got faces=%v err=%v", faces, err)
	}
	if faces != nil {
		t.Error("The late answer must never be returned")
	}
	var logicErr *LogicError
	if errors.As(err, &logicErr) {
		t.Error("A broken worker must not be reported as a logic error")
	}
	if stdin.Len() != sentOnce {
		t.Error("No request may be sent to a broken worker")
	}
	if err := w.Close(); err != nil {
		t.Errorf("Close after a failure should succeed, got %v", err)
	}
}

func TestCommunicate_ShortReadBreaksWorker(t *testing.T) {
	// Header promises 10 bytes, only 2 arrive
	pipe := &MockCloser{Buffer: new(bytes.Buffer)}
	binary.Write(pipe, binary.BigEndian, uint32(10))
	pipe.Write([]byte{0, 0})
	w := &PythonWorker{Stdin: &MockCloser{Buffer: new(bytes.Buffer)}, DataPipe: pipe}

	if _, err := w.Communicate([]byte{1}); err == nil {
		t.Fatal("Expected an error on a truncated response")
	}
	if _, err := w.Communicate([]byte{1}); !errors.Is(err, ErrWorkerBroken) {
		t.Errorf("Expected ErrWorkerBroken on the next request, got %v", err)
	}
}

func TestEncodeRequest_SubImage(t *testing.T) {
	big := image.NewRGBA(image.Rect(0, 0, 4, 4))
	big.Pix[big.PixOffset(3, 3)] = 99
	sub := big.SubImage(image.Rect(2, 2, 4, 4)).(*image.RGBA)

	req := encodeRequest(OpRestore, sub)
	if len(req) != 1+8+2*2*4 {
		t.Fatalf("Expected %d bytes, got %d", 1+8+16, len(req))
	}
	if req[len(req)-4] != 99 {
		t.Errorf("Expected last pixel to carry the marker, got %d", req[len(req)-4])
	}
}

func TestConfigArgs(t *testing.T) {
	cfg := Config{Script: "worker.py", SwapperModel: "m.onnx", ExecutionProvider: "CPUExecutionProvider", DetectionThreshold: 0.5}
	args := cfg.args()
	for _, a := range args {
		if a == "--restorer-model" {
			t.Error("Restorer model must be omitted when empty")
		}
	}

	cfg.RestorerModel = "r.pth"
	cfg.Debug = true
	args = cfg.args()
	if args[len(args)-1] != "--debug" || args[len(args)-2] != "r.pth" {
		t.Errorf("Unexpected args %v", args)
	}
}
