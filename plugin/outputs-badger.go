package plugin

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	Tt "github.com/maroda/tessitura/types"
)

// ArchivedSample is the stored form of a dispatched sample
type ArchivedSample struct {
	Parameter string
	Raw       float64
	Filtered  float64
	TS        float64
	Wall      time.Time
	Alarm     Tt.AlarmLevel
}

type BadgerOutput struct {
	MU        sync.Mutex
	DB        *badger.DB
	BatchSize int
	Buffer    []*Tt.SampleEvent
}

func NewBadgerOutput(path string, batchSize int) (*BadgerOutput, error) {
	opts := badger.DefaultOptions(path).
		WithCompression(options.ZSTD).
		WithNumVersionsToKeep(1).
		WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		slog.Error("BadgerOutput failed to open database", slog.Any("error", err))
		return nil, fmt.Errorf("database error: %w", err)
	}

	slog.Info("BadgerOutput opened",
		slog.String("path", path),
		slog.Int("batchSize", batchSize))

	return &BadgerOutput{
		DB:        db,
		BatchSize: batchSize,
		Buffer:    make([]*Tt.SampleEvent, 0, batchSize),
	}, nil
}

// WriteSample queues up a batch of samples,
// when batchsize is reached, it calls flushLocked
// which calls WriteBatch() with the new batch
func (bo *BadgerOutput) WriteSample(ev *Tt.SampleEvent) error {
	bo.MU.Lock()
	defer bo.MU.Unlock()

	bo.Buffer = append(bo.Buffer, ev)
	if len(bo.Buffer) >= bo.BatchSize {
		return bo.flushLocked() // private Flush that does not lock
	}
	return nil
}

// WriteBatch performs the key/value creation to be stored
// and actually calls BadgerDB to write the data
func (bo *BadgerOutput) WriteBatch(evs []*Tt.SampleEvent) error {
	wb := bo.DB.NewWriteBatch()
	defer wb.Cancel()

	for _, ev := range evs {
		v, err := SampleEncode(ev)
		if err != nil {
			return fmt.Errorf("encode error: %w", err)
		}
		if err := wb.Set(SampleKey(ev.Parameter, ev.Wall), v); err != nil {
			slog.Error("BadgerOutput failed to set key in batch",
				slog.Any("error", err),
				slog.Time("sampleTime", ev.Wall),
				slog.String("parameter", ev.Parameter))
			return fmt.Errorf("write batch error: %w", err)
		}
	}

	if err := wb.Flush(); err != nil {
		slog.Error("BadgerOutput failed to flush batch", slog.Any("error", err))
		return fmt.Errorf("batch flush error: %w", err)
	}

	return nil
}

// Flush is the public method that blocks,
// it sends data to WriteBatch and then clears the buffer
func (bo *BadgerOutput) Flush() error {
	bo.MU.Lock()
	defer bo.MU.Unlock()

	if len(bo.Buffer) == 0 {
		return nil
	}
	return bo.flushLocked()
}

// flushLocked mimics Flush without locking, called by WriteSample
func (bo *BadgerOutput) flushLocked() error {
	err := bo.WriteBatch(bo.Buffer)
	bo.Buffer = bo.Buffer[:0] // Clear but keep capacity
	return err
}

// Close returns a Flush error but still attempts to close
func (bo *BadgerOutput) Close() error {
	slog.Info("BadgerOutput closing, flushing buffer",
		slog.Int("bufferSize", len(bo.Buffer)))
	flushErr := bo.Flush()
	closeErr := bo.DB.Close()

	if flushErr != nil {
		slog.Error("BadgerOutput failed to flush on close", slog.Any("error", flushErr))
		return fmt.Errorf("flush failed, close may have failed: %w", flushErr)
	}

	if closeErr != nil {
		slog.Error("BadgerOutput failed to close database", slog.Any("error", closeErr))
		return fmt.Errorf("close failed: %w", closeErr)
	}

	slog.Info("BadgerOutput closed successfully")
	return nil
}

func (bo *BadgerOutput) Type() string { return "BadgerDB" }

// SampleKey is parameter id, a zero byte, then the big endian wall clock,
// so a prefix scan of one parameter comes back in time order
func SampleKey(id string, wall time.Time) []byte {
	key := make([]byte, len(id)+1+8)
	copy(key, id)
	key[len(id)] = 0
	binary.BigEndian.PutUint64(key[len(id)+1:], uint64(wall.UnixNano()))
	return key
}

func samplePrefix(id string) []byte {
	return append([]byte(id), 0)
}

// SampleEncode serializes the sample for storage
func SampleEncode(ev *Tt.SampleEvent) ([]byte, error) {
	var buf bytes.Buffer
	err := gob.NewEncoder(&buf).Encode(ArchivedSample{
		Parameter: ev.Parameter,
		Raw:       ev.Raw,
		Filtered:  ev.Filtered,
		TS:        ev.TS,
		Wall:      ev.Wall,
		Alarm:     ev.Alarm,
	})
	return buf.Bytes(), err
}

// SampleDecode deserializes the stored sample
func SampleDecode(data []byte) (*ArchivedSample, error) {
	var as ArchivedSample
	err := gob.NewDecoder(bytes.NewReader(data)).Decode(&as)
	return &as, err
}

// QueryRange retrieves the samples of one parameter with start <= wall < end
func (bo *BadgerOutput) QueryRange(id string, start, end time.Time) ([]*ArchivedSample, error) {
	var samples []*ArchivedSample
	prefix := samplePrefix(id)
	stop := SampleKey(id, end)

	// db.View() callback
	// BadgerDB provides a transaction in which to get item.Value()
	err := bo.DB.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(SampleKey(id, start)); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			if bytes.Compare(item.Key(), stop) >= 0 {
				break
			}

			// item.Value() callback
			// BadgerDB passes bytes to the anon func
			err := item.Value(func(val []byte) error {
				as, err := SampleDecode(val)
				if err != nil {
					slog.Error("BadgerOutput failed to decode sample", slog.Any("error", err))
					return fmt.Errorf("sample decode error: %w", err)
				}
				samples = append(samples, as)
				return nil
			})
			if err != nil {
				slog.Error("BadgerOutput callback failure", slog.Any("error", err))
				return fmt.Errorf("item data error: %w", err)
			}
		}
		return nil
	})

	slog.Debug("BadgerOutput QueryRange", slog.String("parameter", id), slog.Int("count", len(samples)))

	return samples, err
}
