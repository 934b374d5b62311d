// Package export serializes captured boundary crossings as Apache Arrow
// records, for offline attacker training data (IPC files) or live push to a
// Flight endpoint.
package export

import (
	"context"
	"fmt"
	"os"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-palisade/internal/metrics"
	"github.com/23skdu/longbow-palisade/internal/split"
)

// Schema describes one exported boundary crossing: one record row per
// activation row, with the gradient column null when no backward pass ran.
func Schema(dims int) *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: "client_id", Type: arrow.BinaryTypes.String},
		{Name: "boundary", Type: arrow.BinaryTypes.String},
		{Name: "generation", Type: arrow.PrimitiveTypes.Uint64},
		{Name: "sequence", Type: arrow.PrimitiveTypes.Int32},
		{Name: "position", Type: arrow.PrimitiveTypes.Int32},
		{Name: "activation", Type: arrow.FixedSizeListOf(int32(dims), arrow.PrimitiveTypes.Float64)},
		{Name: "gradient", Type: arrow.FixedSizeListOf(int32(dims), arrow.PrimitiveTypes.Float64), Nullable: true},
	}, nil)
}

// BuildRecord converts one Intermediate into an Arrow record. The caller
// owns the returned record and must Release it.
func BuildRecord(mem memory.Allocator, clientID string, inter *split.Intermediate) (arrow.Record, error) {
	if inter == nil || inter.Activation == nil {
		return nil, fmt.Errorf("export: no activation to export")
	}
	rows, dims := inter.Activation.Dim(0), inter.Activation.Dim(1)
	if rows != inter.Batch*inter.SeqLen {
		return nil, fmt.Errorf("export: activation rows %d do not match batch %d x seq_len %d", rows, inter.Batch, inter.SeqLen)
	}

	builder := array.NewRecordBuilder(mem, Schema(dims))
	defer builder.Release()

	clientB := builder.Field(0).(*array.StringBuilder)
	boundaryB := builder.Field(1).(*array.StringBuilder)
	genB := builder.Field(2).(*array.Uint64Builder)
	seqB := builder.Field(3).(*array.Int32Builder)
	posB := builder.Field(4).(*array.Int32Builder)
	actB := builder.Field(5).(*array.FixedSizeListBuilder)
	actV := actB.ValueBuilder().(*array.Float64Builder)
	gradB := builder.Field(6).(*array.FixedSizeListBuilder)
	gradV := gradB.ValueBuilder().(*array.Float64Builder)

	act := inter.Activation.Data()
	var grad []float64
	if inter.Grad != nil {
		grad = inter.Grad.Data()
	}
	for r := 0; r < rows; r++ {
		clientB.Append(clientID)
		boundaryB.Append(string(inter.Boundary))
		genB.Append(inter.Generation)
		seqB.Append(int32(r / inter.SeqLen))
		posB.Append(int32(r % inter.SeqLen))
		actB.Append(true)
		actV.AppendValues(act[r*dims:(r+1)*dims], nil)
		if grad != nil {
			gradB.Append(true)
			gradV.AppendValues(grad[r*dims:(r+1)*dims], nil)
		} else {
			gradB.AppendNull()
		}
	}

	metrics.IntermediatesExported.Add(float64(rows))
	return builder.NewRecord(), nil
}

// WriteIPCFile writes records sharing one schema to an Arrow IPC file.
func WriteIPCFile(path string, records ...arrow.Record) error {
	if len(records) == 0 {
		return fmt.Errorf("export: no records to write")
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("export: create %s: %w", path, err)
	}
	defer f.Close()

	w, err := ipc.NewFileWriter(f, ipc.WithSchema(records[0].Schema()))
	if err != nil {
		return fmt.Errorf("export: ipc writer: %w", err)
	}
	for _, rec := range records {
		if err := w.Write(rec); err != nil {
			w.Close()
			return fmt.Errorf("export: write record: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("export: close ipc writer: %w", err)
	}
	return nil
}

// ReadIPCFile loads every record from an Arrow IPC file. The caller must
// Release the records.
func ReadIPCFile(path string) ([]arrow.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("export: open %s: %w", path, err)
	}
	defer f.Close()

	r, err := ipc.NewFileReader(f)
	if err != nil {
		return nil, fmt.Errorf("export: ipc reader: %w", err)
	}
	defer r.Close()

	var out []arrow.Record
	for i := 0; i < r.NumRecords(); i++ {
		rec, err := r.Record(i)
		if err != nil {
			for _, r := range out {
				r.Release()
			}
			return nil, fmt.Errorf("export: read record %d: %w", i, err)
		}
		rec.Retain()
		out = append(out, rec)
	}
	return out, nil
}

// FlightExporter pushes boundary records to an Arrow Flight endpoint over
// gRPC.
type FlightExporter struct {
	client flight.Client
	path   []string
}

// NewFlightExporter dials the Flight endpoint with insecure transport
// credentials, matching the in-cluster deployment this feeds.
func NewFlightExporter(addr string, path ...string) (*FlightExporter, error) {
	client, err := flight.NewClientWithMiddleware(addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("export: dial flight %s: %w", addr, err)
	}
	if len(path) == 0 {
		path = []string{"intermediates"}
	}
	return &FlightExporter{client: client, path: path}, nil
}

// Push sends one Intermediate as a DoPut stream.
func (fe *FlightExporter) Push(ctx context.Context, clientID string, inter *split.Intermediate) error {
	rec, err := BuildRecord(memory.DefaultAllocator, clientID, inter)
	if err != nil {
		return err
	}
	defer rec.Release()

	stream, err := fe.client.DoPut(ctx)
	if err != nil {
		return fmt.Errorf("export: doput: %w", err)
	}
	w := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()))
	w.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: fe.path,
	})
	if err := w.Write(rec); err != nil {
		w.Close()
		return fmt.Errorf("export: write record: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("export: close record writer: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("export: close stream: %w", err)
	}
	return nil
}

// Close releases the underlying gRPC connection.
func (fe *FlightExporter) Close() error {
	return fe.client.Close()
}
