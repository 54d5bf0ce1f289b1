package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/23skdu/longbow-cublas/internal/attention"
	"github.com/23skdu/longbow-cublas/internal/config"
	"github.com/23skdu/longbow-cublas/internal/devbuf"
	"github.com/23skdu/longbow-cublas/internal/ledger"
	"github.com/23skdu/longbow-cublas/internal/logger"
	"github.com/23skdu/longbow-cublas/internal/quant"
	"github.com/23skdu/longbow-cublas/internal/trace"
)

// runResult summarizes one attention pass.
type runResult struct {
	Iteration int             `json:"iteration"`
	Shape     attention.Shape `json:"shape"`
	QKTMs     float64         `json:"qkt_ms"`
	SoftmaxMs float64         `json:"softmax_ms"`
	AVMs      float64         `json:"av_ms"`
	TotalMs   float64         `json:"total_ms"`
	Staged    int             `json:"staged_buffers"`
	Denied    int             `json:"denied_buffers"`
	Checksum  float32         `json:"checksum"`
	Ledger    ledger.State    `json:"ledger"`
}

// runner drives repeated attention passes over random inputs. Before each
// pass K and V are also uploaded as device buffers in stageFormat. Those
// copies only exercise ledger admission and conversion: the GEMMs read the
// host tensors, and the staged buffers are freed when the pass ends.
type runner struct {
	st          *stack
	ctx         *attention.Context
	shape       attention.Shape
	rng         *rand.Rand
	stageFormat quant.Format
	sink        traceSink
	iteration   int
}

type traceSink interface {
	trace.Recorder
	Close() error
}

func parseStageFormat(s string) (quant.Format, error) {
	switch s {
	case "f16", "F16":
		return quant.F16, nil
	case "bf16", "BF16":
		return quant.BF16, nil
	case "f32", "F32", "":
		return quant.F32, nil
	default:
		return 0, fmt.Errorf("unsupported stage format %q (f16, bf16, f32)", s)
	}
}

func newRunner(ctx context.Context, st *stack, cfg config.Config, seed uint64, stageFormat quant.Format) (*runner, error) {
	shape := attention.Shape{
		Heads:    cfg.Attention.Heads,
		HeadDim:  cfg.Attention.HeadDim,
		QueryLen: cfg.Attention.QueryLen,
		KeyLen:   cfg.Attention.KeyLen,
	}
	actx, err := attention.NewContext(st.rt, st.handle, shape)
	if err != nil {
		return nil, err
	}

	r := &runner{
		st:          st,
		ctx:         actx,
		shape:       shape,
		rng:         rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		stageFormat: stageFormat,
	}
	r.sink, err = openTraceSink(ctx, cfg.Trace)
	if err != nil {
		_ = actx.Close()
		return nil, err
	}
	if r.sink != nil {
		actx.SetRecorder(r.sink)
	}
	return r, nil
}

func openTraceSink(ctx context.Context, cfg config.TraceConfig) (traceSink, error) {
	switch cfg.Sink {
	case "":
		return nil, nil
	case "file":
		return trace.NewFileSink(cfg.Path)
	case "flight":
		return trace.NewFlightSink(ctx, cfg.Addr)
	default:
		return nil, fmt.Errorf("unknown trace sink %q", cfg.Sink)
	}
}

func (r *runner) random(n, size int) []attention.Tensor {
	out := make([]attention.Tensor, n)
	for h := range out {
		s := make(attention.Slice, size)
		for i := range s {
			s[i] = float32(r.rng.NormFloat64())
		}
		out[h] = s
	}
	return out
}

// stage uploads the packed form of heads as a device buffer. A nil buffer
// means the ledger or the device refused it.
func (r *runner) stage(heads []attention.Tensor, rows int) *devbuf.Buffer {
	packed := attention.Pack(heads, rows, r.shape.HeadDim)
	buf := devbuf.New(devbuf.Deps{
		Ledger:    r.st.ledger,
		Reclaimer: r.st.reclaimer,
		Converter: r.st.rt,
	}, encodeStage(packed, r.stageFormat), quant.SpecFor(r.stageFormat))
	if !buf.Upload() {
		return nil
	}
	return buf
}

// encodeStage serializes values in a non-block format.
func encodeStage(values []float32, f quant.Format) []byte {
	spec := quant.SpecFor(f)
	out := make([]byte, len(values)*spec.ElemSize)
	for i, v := range values {
		switch f {
		case quant.F16:
			binary.LittleEndian.PutUint16(out[i*2:], quant.Float32ToFloat16(v))
		case quant.BF16:
			binary.LittleEndian.PutUint16(out[i*2:], uint16(math.Float32bits(v)>>16))
		default:
			binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
		}
	}
	return out
}

// checksum round-trips the output sum through a pooled device scalar.
func (r *runner) checksum(out []attention.Tensor) (float32, error) {
	var sum float64
	for _, t := range out {
		for _, v := range t.(attention.Slice) {
			sum += float64(v)
		}
	}

	s, err := r.st.pool.Acquire()
	if err != nil {
		return 0, err
	}
	defer r.st.pool.Release(s)

	var raw [4]byte
	binary.LittleEndian.PutUint32(raw[:], math.Float32bits(float32(sum)))
	if st := r.st.rt.CopyHostToDevice(s.Ptr(), raw[:]); !st.OK() {
		return 0, fmt.Errorf("failed to upload checksum: status %d", int(st))
	}
	if err := s.Download(); err != nil {
		return 0, err
	}
	return s.Float32(), nil
}

func (r *runner) runOnce() (runResult, error) {
	r.iteration++
	res := runResult{Iteration: r.iteration, Shape: r.shape}

	qSize := r.shape.QueryLen * r.shape.HeadDim
	kvSize := r.shape.KeyLen * r.shape.HeadDim
	q := r.random(r.shape.Heads, qSize)
	k := r.random(r.shape.Heads, kvSize)
	v := r.random(r.shape.Heads, kvSize)
	out := make([]attention.Tensor, r.shape.Heads)
	for h := range out {
		out[h] = make(attention.Slice, qSize)
	}

	var staged []*devbuf.Buffer
	defer func() {
		for _, b := range staged {
			if err := b.Close(); err != nil {
				logger.Log.Warn("failed to free staged buffer", "error", err)
			}
		}
	}()
	for _, t := range [][]attention.Tensor{k, v} {
		if b := r.stage(t, r.shape.KeyLen); b != nil {
			staged = append(staged, b)
			res.Staged++
		} else {
			res.Denied++
		}
	}

	start := time.Now()
	if err := r.ctx.Run(q, k, v, out); err != nil {
		return res, err
	}
	res.TotalMs = ms(time.Since(start))
	t := r.ctx.Timings()
	res.QKTMs, res.SoftmaxMs, res.AVMs = ms(t.QKT), ms(t.Softmax), ms(t.AV)

	sum, err := r.checksum(out)
	if err != nil {
		return res, err
	}
	res.Checksum = sum
	res.Ledger = r.st.ledger.Snapshot()
	r.st.recordDeviceMemory()
	return res, nil
}

func ms(d time.Duration) float64 { return float64(d.Nanoseconds()) / 1e6 }

func (r *runner) Close() error {
	var result *multierror.Error
	if err := r.ctx.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if r.sink != nil {
		if err := r.sink.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
