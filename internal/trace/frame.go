// Package trace exports intermediate attention buffers as Arrow records so
// they can be inspected offline or streamed to a Flight endpoint.
package trace

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// Frame is one stage's buffer, laid out [head][row][col].
type Frame struct {
	Stage  string
	Heads  int
	Rows   int
	Cols   int
	Values []float32
}

func (f Frame) validate() error {
	if f.Heads <= 0 || f.Rows <= 0 || f.Cols <= 0 {
		return fmt.Errorf("invalid frame shape %dx%dx%d", f.Heads, f.Rows, f.Cols)
	}
	if len(f.Values) < f.Heads*f.Rows*f.Cols {
		return fmt.Errorf("frame %s has %d values, want %d", f.Stage, len(f.Values), f.Heads*f.Rows*f.Cols)
	}
	return nil
}

// Recorder receives frames. Values may be reused by the caller after Record
// returns, so implementations must not retain the slice.
type Recorder interface {
	Record(f Frame) error
}

// Schema has one row per (head, row) of a frame.
var Schema = arrow.NewSchema([]arrow.Field{
	{Name: "stage", Type: arrow.BinaryTypes.String},
	{Name: "head", Type: arrow.PrimitiveTypes.Int32},
	{Name: "row", Type: arrow.PrimitiveTypes.Int32},
	{Name: "values", Type: arrow.ListOf(arrow.PrimitiveTypes.Float32)},
}, nil)

// Encode builds a record from f. The caller releases it.
func Encode(mem memory.Allocator, f Frame) (arrow.Record, error) {
	if err := f.validate(); err != nil {
		return nil, err
	}
	b := array.NewRecordBuilder(mem, Schema)
	defer b.Release()

	stage := b.Field(0).(*array.StringBuilder)
	head := b.Field(1).(*array.Int32Builder)
	row := b.Field(2).(*array.Int32Builder)
	list := b.Field(3).(*array.ListBuilder)
	vals := list.ValueBuilder().(*array.Float32Builder)

	n := f.Heads * f.Rows
	stage.Reserve(n)
	head.Reserve(n)
	row.Reserve(n)
	vals.Reserve(n * f.Cols)
	for h := 0; h < f.Heads; h++ {
		for r := 0; r < f.Rows; r++ {
			off := (h*f.Rows + r) * f.Cols
			stage.Append(f.Stage)
			head.Append(int32(h))
			row.Append(int32(r))
			list.Append(true)
			vals.AppendValues(f.Values[off:off+f.Cols], nil)
		}
	}
	return b.NewRecord(), nil
}

// Decode rebuilds the frame held by rec.
func Decode(rec arrow.Record) (Frame, error) {
	if int(rec.NumCols()) != len(Schema.Fields()) {
		return Frame{}, fmt.Errorf("unexpected trace schema: %s", rec.Schema())
	}
	for i, field := range Schema.Fields() {
		if got := rec.Schema().Field(i); got.Name != field.Name || !arrow.TypeEqual(got.Type, field.Type) {
			return Frame{}, fmt.Errorf("unexpected trace column %d: %s", i, got)
		}
	}
	n := int(rec.NumRows())
	if n == 0 {
		return Frame{}, fmt.Errorf("empty trace record")
	}
	stage := rec.Column(0).(*array.String)
	head := rec.Column(1).(*array.Int32)
	row := rec.Column(2).(*array.Int32)
	list := rec.Column(3).(*array.List)
	vals := list.ListValues().(*array.Float32)

	f := Frame{Stage: stage.Value(0)}
	start, end := list.ValueOffsets(0)
	f.Cols = int(end - start)
	for i := 0; i < n; i++ {
		if h := int(head.Value(i)) + 1; h > f.Heads {
			f.Heads = h
		}
		if r := int(row.Value(i)) + 1; r > f.Rows {
			f.Rows = r
		}
	}
	if f.Heads*f.Rows != n {
		return Frame{}, fmt.Errorf("trace record has %d rows, want %dx%d", n, f.Heads, f.Rows)
	}

	f.Values = make([]float32, n*f.Cols)
	for i := 0; i < n; i++ {
		start, end := list.ValueOffsets(i)
		if int(end-start) != f.Cols {
			return Frame{}, fmt.Errorf("trace row %d has %d values, want %d", i, end-start, f.Cols)
		}
		off := (int(head.Value(i))*f.Rows + int(row.Value(i))) * f.Cols
		for j := start; j < end; j++ {
			f.Values[off+int(j-start)] = vals.Value(int(j))
		}
	}
	return f, nil
}
