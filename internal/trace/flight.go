package trace

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/hashicorp/go-multierror"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-cublas/internal/logger"
)

// DescriptorPath names the DoPut stream trace frames are sent on.
var DescriptorPath = []string{"attention", "trace"}

// FlightSink streams frames to an Arrow Flight server over one DoPut call.
type FlightSink struct {
	mu     sync.Mutex
	mem    memory.Allocator
	client flight.Client
	stream flight.FlightService_DoPutClient
	w      *flight.Writer
	cancel context.CancelFunc
	sent   int
}

// NewFlightSink dials addr and opens the DoPut stream. The stream lives
// until Close or until ctx is done.
func NewFlightSink(ctx context.Context, addr string, opts ...grpc.DialOption) (*FlightSink, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	client, err := flight.NewClientWithMiddleware(addr, nil, nil, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Flight client: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	stream, err := client.DoPut(ctx)
	if err != nil {
		cancel()
		client.Close()
		return nil, fmt.Errorf("failed to create DoPut stream: %w", err)
	}

	mem := memory.NewGoAllocator()
	w := flight.NewRecordWriter(stream, ipc.WithSchema(Schema), ipc.WithAllocator(mem))
	w.SetFlightDescriptor(&flight.FlightDescriptor{Type: flight.DescriptorPATH, Path: DescriptorPath})

	logger.Log.Info("trace flight sink connected", "addr", addr)
	return &FlightSink{mem: mem, client: client, stream: stream, w: w, cancel: cancel}, nil
}

func (s *FlightSink) Record(f Frame) error {
	rec, err := Encode(s.mem, f)
	if err != nil {
		return err
	}
	defer rec.Release()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.w == nil {
		return errors.New("trace flight sink is closed")
	}
	if err := s.w.Write(rec); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	s.sent++
	return nil
}

// Close ends the stream, waits for the server to acknowledge it, and closes
// the connection.
func (s *FlightSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.w == nil {
		return nil
	}

	var result *multierror.Error
	if err := s.w.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("failed to close writer: %w", err))
	}
	if err := s.stream.CloseSend(); err != nil {
		result = multierror.Append(result, err)
	}
	for {
		if _, err := s.stream.Recv(); err != nil {
			if !errors.Is(err, io.EOF) {
				result = multierror.Append(result, err)
			}
			break
		}
	}
	if err := s.client.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	s.cancel()
	s.w = nil

	logger.Log.Info("trace flight sink closed", "records", s.sent)
	return result.ErrorOrNil()
}
