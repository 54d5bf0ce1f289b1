// Package attention runs batched multi-head scaled dot-product attention:
// heads are packed into interleaved row-major buffers, scored with one
// strided-batched GEMM, normalized on the host, and combined with values by
// a second GEMM.
package attention

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/23skdu/longbow-cublas/internal/device"
	"github.com/23skdu/longbow-cublas/internal/logger"
	"github.com/23skdu/longbow-cublas/internal/metrics"
	"github.com/23skdu/longbow-cublas/internal/simd"
	"github.com/23skdu/longbow-cublas/internal/trace"
)

// Stage names used in errors, metrics and trace frames.
const (
	StageScores  = "scores"
	StageSoftmax = "softmax"
	StageProbs   = "probs"
	StageOutput  = "output"
)

var (
	ErrComputeFailure = errors.New("attention compute failure")
	ErrClosed         = errors.New("attention context closed")
)

// ComputeError carries the native status of a failed GEMM.
type ComputeError struct {
	Stage  string
	Status device.Status
}

func (e *ComputeError) Error() string {
	return fmt.Sprintf("%s gemm failed with status %d", e.Stage, int(e.Status))
}

func (e *ComputeError) Unwrap() error { return ErrComputeFailure }

type Shape struct {
	Heads    int `json:"heads"`
	HeadDim  int `json:"head_dim"`
	QueryLen int `json:"query_len"`
	KeyLen   int `json:"key_len"`
}

func (s Shape) Validate() error {
	if s.Heads <= 0 {
		return fmt.Errorf("invalid heads: %d (must be positive)", s.Heads)
	}
	if s.HeadDim <= 0 {
		return fmt.Errorf("invalid head_dim: %d (must be positive)", s.HeadDim)
	}
	if s.QueryLen <= 0 {
		return fmt.Errorf("invalid query_len: %d (must be positive)", s.QueryLen)
	}
	if s.KeyLen <= 0 {
		return fmt.Errorf("invalid key_len: %d (must be positive)", s.KeyLen)
	}
	return nil
}

// Scale is the score scaling factor 1/sqrt(d).
func (s Shape) Scale() float32 {
	return float32(1 / math.Sqrt(float64(s.HeadDim)))
}

// Timings of the last Run.
type Timings struct {
	QKT     time.Duration `json:"qkt"`
	Softmax time.Duration `json:"softmax"`
	AV      time.Duration `json:"av"`
}

// Context holds the packed buffers and native execution state for one
// attention shape. A Context runs one call at a time.
type Context struct {
	rt    device.AttentionRuntime
	h     device.ComputeHandle
	shape Shape

	mu      sync.Mutex
	exec    device.ExecHandle
	closed  bool
	qAll    []float32
	kAll    []float32
	vAll    []float32
	oAll    []float32
	scores  []float32
	timings Timings
	rec     trace.Recorder
	log     *logger.Logger
}

func NewContext(rt device.AttentionRuntime, h device.ComputeHandle, shape Shape) (*Context, error) {
	if err := shape.Validate(); err != nil {
		return nil, err
	}
	exec, err := rt.InitAttention(h, shape.QueryLen, shape.KeyLen, shape.HeadDim, shape.Heads)
	if err != nil {
		return nil, fmt.Errorf("init attention context: %w", err)
	}

	ld := shape.Heads * shape.HeadDim
	c := &Context{
		rt:     rt,
		h:      h,
		shape:  shape,
		exec:   exec,
		qAll:   make([]float32, shape.QueryLen*ld),
		kAll:   make([]float32, shape.KeyLen*ld),
		vAll:   make([]float32, shape.KeyLen*ld),
		oAll:   make([]float32, shape.QueryLen*ld),
		scores: make([]float32, shape.Heads*shape.QueryLen*shape.KeyLen),
		log:    logger.Log.With("component", "attention",
			"heads", shape.Heads, "head_dim", shape.HeadDim, "query_len", shape.QueryLen, "key_len", shape.KeyLen),
	}
	c.log.Debug("attention context created")
	return c, nil
}

func (c *Context) Shape() Shape { return c.shape }

// SetRecorder installs r to receive the scores, probabilities and outputs of
// each successful stage. A nil r disables recording.
func (c *Context) SetRecorder(r trace.Recorder) {
	c.mu.Lock()
	c.rec = r
	c.mu.Unlock()
}

func (c *Context) Timings() Timings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timings
}

// Scores returns a copy of the normalized scores of the last Run, laid out
// [head][query][key].
func (c *Context) Scores() []float32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]float32(nil), c.scores...)
}

// Run computes softmax(Q·Kᵀ/√d)·V per head and writes each head's Tq×d
// result into out. q and out hold Tq×d per head, k and v Tk×d. On error the
// output tensors are not written.
func (c *Context) Run(q, k, v, out []Tensor) (err error) {
	defer func() { metrics.RecordAttentionRun(err) }()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if err := c.checkHeads(q, k, v, out); err != nil {
		return err
	}

	c.pack(q, k, v)

	s := c.shape
	start := time.Now()
	st := c.rt.ScoresQKT(c.h, s.QueryLen, s.HeadDim, c.qAll, s.KeyLen, s.HeadDim, c.kAll, c.scores, s.Heads)
	c.timings.QKT = time.Since(start)
	metrics.RecordKernelDuration("attention_"+StageScores, c.timings.QKT)
	if !st.OK() {
		return &ComputeError{Stage: StageScores, Status: st}
	}
	c.record(StageScores, s.QueryLen, s.KeyLen, c.scores)

	start = time.Now()
	simd.SoftmaxRows(c.scores, s.KeyLen, s.Scale())
	c.timings.Softmax = time.Since(start)
	metrics.RecordKernelDuration("attention_"+StageSoftmax, c.timings.Softmax)
	c.record(StageProbs, s.QueryLen, s.KeyLen, c.scores)

	start = time.Now()
	st = c.rt.WeightedSum(c.h, s.QueryLen, s.KeyLen, c.scores, s.KeyLen, s.HeadDim, c.vAll, c.oAll, s.Heads)
	c.timings.AV = time.Since(start)
	metrics.RecordKernelDuration("attention_"+StageOutput, c.timings.AV)
	if !st.OK() {
		return &ComputeError{Stage: StageOutput, Status: st}
	}
	if c.rec != nil {
		c.record(StageOutput, s.QueryLen, s.HeadDim, deinterleave(c.oAll, s.QueryLen, s.HeadDim, s.Heads))
	}

	unpack(c.oAll, s.QueryLen, s.HeadDim, s.Heads, out)
	return nil
}

func (c *Context) checkHeads(q, k, v, out []Tensor) error {
	h := c.shape.Heads
	if len(q) != h || len(k) != h || len(v) != h || len(out) != h {
		return fmt.Errorf("attention expects %d heads, got q=%d k=%d v=%d out=%d", h, len(q), len(k), len(v), len(out))
	}
	return nil
}

func (c *Context) pack(q, k, v []Tensor) {
	s := c.shape
	pack(q, s.QueryLen, s.HeadDim, s.Heads, c.qAll)
	pack(k, s.KeyLen, s.HeadDim, s.Heads, c.kAll)
	pack(v, s.KeyLen, s.HeadDim, s.Heads, c.vAll)
}

func (c *Context) record(stage string, rows, cols int, values []float32) {
	if c.rec == nil {
		return
	}
	f := trace.Frame{Stage: stage, Heads: c.shape.Heads, Rows: rows, Cols: cols, Values: values}
	if err := c.rec.Record(f); err != nil {
		c.log.Warn("attention trace record failed", "stage", stage, "error", err)
	}
}

// Close releases the native execution context. Later calls are no-ops.
func (c *Context) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if err := c.rt.FreeAttention(c.exec); err != nil {
		return fmt.Errorf("free attention context: %w", err)
	}
	return nil
}
