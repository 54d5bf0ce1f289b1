package trace

import (
	"fmt"
	"os"
	"sync"

	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/hashicorp/go-multierror"
)

// FileSink appends frames to an Arrow IPC stream file.
type FileSink struct {
	mu  sync.Mutex
	mem memory.Allocator
	f   *os.File
	w   *ipc.Writer
}

func NewFileSink(path string) (*FileSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create trace file: %w", err)
	}
	mem := memory.NewGoAllocator()
	return &FileSink{
		mem: mem,
		f:   f,
		w:   ipc.NewWriter(f, ipc.WithSchema(Schema), ipc.WithAllocator(mem)),
	}, nil
}

func (s *FileSink) Record(f Frame) error {
	rec, err := Encode(s.mem, f)
	if err != nil {
		return err
	}
	defer rec.Release()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.w == nil {
		return fmt.Errorf("trace file %s is closed", s.f.Name())
	}
	if err := s.w.Write(rec); err != nil {
		return fmt.Errorf("write trace record: %w", err)
	}
	return nil
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.w == nil {
		return nil
	}
	var result *multierror.Error
	if err := s.w.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := s.f.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	s.w = nil
	return result.ErrorOrNil()
}

// ReadFile decodes every frame in a trace file written by FileSink.
func ReadFile(path string) ([]Frame, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open trace file: %w", err)
	}
	defer f.Close()

	r, err := ipc.NewReader(f, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return nil, fmt.Errorf("read trace file %s: %w", path, err)
	}
	defer r.Release()

	var frames []Frame
	for r.Next() {
		fr, err := Decode(r.Record())
		if err != nil {
			return frames, err
		}
		frames = append(frames, fr)
	}
	if err := r.Err(); err != nil {
		return frames, fmt.Errorf("read trace file %s: %w", path, err)
	}
	return frames, nil
}
