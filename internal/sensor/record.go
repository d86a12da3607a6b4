package sensor

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/geo/r3"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/e7canasta/greenscreen/internal/types"
)

// Recording file format: a sequence of records, each a 4-byte big-endian
// length followed by that many bytes of msgpack.

type recordKind uint8

const (
	kindDepth recordKind = iota + 1
	kindColor
	kindSkeleton
)

type record struct {
	Kind    recordKind `msgpack:"k"`
	Offset  int64      `msgpack:"t"`
	Seq     uint64     `msgpack:"s"`
	Format  int        `msgpack:"f,omitempty"`
	Width   int        `msgpack:"w,omitempty"`
	Height  int        `msgpack:"h,omitempty"`
	Divisor int        `msgpack:"d,omitempty"`

	Depth []uint16 `msgpack:"dp,omitempty"`
	// Mapping holds x0,y0,x1,y1,... for each depth sample.
	Mapping []int32 `msgpack:"m,omitempty"`
	Color   []byte  `msgpack:"cp,omitempty"`

	Skeletons []skeletonRecord `msgpack:"sk,omitempty"`
}

type skeletonRecord struct {
	ID       int          `msgpack:"id"`
	State    int          `msgpack:"st"`
	Position [3]float64   `msgpack:"p"`
	Joints   [][4]float64 `msgpack:"j"`
}

const maxRecordSize = 64 << 20

// Recorder writes every frame of the devices it is attached to.
type Recorder struct {
	mu     sync.Mutex
	w      *bufio.Writer
	closer io.Closer
	start  time.Time
	err    error

	colorFormat atomic.Int32
	records     atomic.Uint64
}

// NewRecorder records to w. If w is an io.Closer, Close closes it.
func NewRecorder(w io.Writer) *Recorder {
	r := &Recorder{w: bufio.NewWriterSize(w, 1<<20)}
	r.colorFormat.Store(int32(types.ColorBGRX640x480))
	if c, ok := w.(io.Closer); ok {
		r.closer = c
	}
	return r
}

// CreateRecorder records to a new file at path.
func CreateRecorder(path string) (*Recorder, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("sensor: create recording: %w", err)
	}
	slog.Info("sensor: recording", "path", path)
	return NewRecorder(f), nil
}

// Attach registers handlers on dev. Depth frames are stored with their
// mapping to the color format last seen, so a replay can reproduce it.
// The returned func detaches.
func (r *Recorder) Attach(dev Device) func() {
	cancels := []func(){
		dev.HandleDepth(func(f *types.DepthFrame) {
			rec := record{
				Kind: kindDepth, Seq: f.Seq, Format: int(f.Format),
				Width: f.Width, Height: f.Height, Divisor: f.ColorToDepthDivisor,
				Depth: f.Pixels,
			}
			pts := make([]types.ColorPoint, len(f.Pixels))
			if err := dev.MapDepthToColor(f.Format, f.Pixels, types.ColorFormat(r.colorFormat.Load()), pts); err == nil {
				rec.Mapping = make([]int32, 0, 2*len(pts))
				for _, p := range pts {
					rec.Mapping = append(rec.Mapping, int32(p.X), int32(p.Y))
				}
			}
			r.write(f.Timestamp, rec)
		}),
		dev.HandleColor(func(f *types.ColorFrame) {
			r.colorFormat.Store(int32(f.Format))
			r.write(f.Timestamp, record{
				Kind: kindColor, Seq: f.Seq, Format: int(f.Format),
				Width: f.Width, Height: f.Height, Divisor: f.ColorToDepthDivisor,
				Color: f.Pixels,
			})
		}),
		dev.HandleSkeleton(func(s *types.SkeletonSnapshot) {
			rec := record{Kind: kindSkeleton, Seq: s.Seq}
			for i := range s.Skeletons {
				rec.Skeletons = append(rec.Skeletons, encodeSkeleton(&s.Skeletons[i]))
			}
			r.write(s.Timestamp, rec)
		}),
	}
	return func() {
		for _, c := range cancels {
			c()
		}
	}
}

func (r *Recorder) write(ts time.Time, rec record) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.err != nil {
		return
	}
	if r.start.IsZero() {
		r.start = ts
	}
	rec.Offset = int64(ts.Sub(r.start))

	if err := writeRecord(r.w, &rec); err != nil {
		r.err = err
		slog.Error("sensor: recording stopped", "error", err)
		return
	}
	r.records.Add(1)
}

// Records returns the number of records written.
func (r *Recorder) Records() uint64 { return r.records.Load() }

// Close flushes the recording and closes the underlying writer.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	err := r.w.Flush()
	if r.closer != nil {
		if cerr := r.closer.Close(); err == nil {
			err = cerr
		}
	}
	if err == nil {
		err = r.err
	}
	slog.Info("sensor: recording closed", "records", r.records.Load())
	return err
}

func writeRecord(w io.Writer, rec *record) error {
	data, err := msgpack.Marshal(rec)
	if err != nil {
		return fmt.Errorf("sensor: encode record: %w", err)
	}
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(data)))
	if _, err := w.Write(prefix[:]); err != nil {
		return fmt.Errorf("sensor: write record: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("sensor: write record: %w", err)
	}
	return nil
}

// readRecord returns io.EOF at a clean end of file.
func readRecord(r io.Reader) (*record, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("sensor: read record length: %w", err)
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n > maxRecordSize {
		return nil, fmt.Errorf("sensor: record of %d bytes exceeds limit", n)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("sensor: read record: %w", err)
	}
	var rec record
	if err := msgpack.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("sensor: decode record: %w", err)
	}
	return &rec, nil
}

func encodeSkeleton(s *types.Skeleton) skeletonRecord {
	out := skeletonRecord{
		ID:       s.TrackingID,
		State:    int(s.State),
		Position: [3]float64{s.Position.X, s.Position.Y, s.Position.Z},
		Joints:   make([][4]float64, len(s.Joints)),
	}
	for j, jt := range s.Joints {
		out.Joints[j] = [4]float64{jt.Position.X, jt.Position.Y, jt.Position.Z, float64(jt.State)}
	}
	return out
}

func decodeSkeleton(r skeletonRecord) types.Skeleton {
	s := types.Skeleton{
		TrackingID: r.ID,
		State:      types.TrackingState(r.State),
		Position:   r3.Vector{X: r.Position[0], Y: r.Position[1], Z: r.Position[2]},
	}
	for j := 0; j < len(r.Joints) && j < len(s.Joints); j++ {
		v := r.Joints[j]
		s.Joints[j] = types.Joint{
			Position: r3.Vector{X: v[0], Y: v[1], Z: v[2]},
			State:    types.TrackingState(v[3]),
		}
	}
	return s
}

// ReplayConfig parameterizes Replay.
type ReplayConfig struct {
	Path string `yaml:"path"`
	// Speed scales recorded timing; 0 or 1 plays in real time.
	Speed float64 `yaml:"speed"`
	Loop  bool    `yaml:"loop"`
}

// Replay is a Device playing back a recording. Frames are emitted with the
// recorded inter-frame timing. Depth→color mapping comes from the recording
// when present, else from a linear mapping.
type Replay struct {
	hub
	cfg ReplayConfig

	mu      sync.Mutex
	enabled map[StreamKind]bool
	rng     types.DepthRange
	ready   bool
	closed  bool
	// mappings holds the recorded mapping of the most recent depth frames,
	// keyed by the address of their first sample.
	mappings map[*uint16][]types.ColorPoint
	order    []*uint16

	emitted atomic.Uint64
}

const replayMappings = 4

// NewReplay creates a replay device. The file is opened by Run.
func NewReplay(cfg ReplayConfig) *Replay {
	if cfg.Speed <= 0 {
		cfg.Speed = 1
	}
	return &Replay{
		cfg:      cfg,
		enabled:  make(map[StreamKind]bool),
		mappings: make(map[*uint16][]types.ColorPoint),
	}
}

// ReplayConnector returns a ConnectFunc that checks the file exists and
// opens a replay of it.
func ReplayConnector(cfg ReplayConfig) ConnectFunc {
	return func(context.Context) (Device, error) {
		if _, err := os.Stat(cfg.Path); err != nil {
			return nil, fmt.Errorf("sensor: replay: %w", err)
		}
		return NewReplay(cfg), nil
	}
}

func (r *Replay) Enable(kind StreamKind) error {
	r.mu.Lock()
	r.enabled[kind] = true
	r.mu.Unlock()
	return nil
}

// SetRange is recorded but has no effect on recorded samples.
func (r *Replay) SetRange(rng types.DepthRange) error {
	r.mu.Lock()
	r.rng = rng
	r.mu.Unlock()
	return nil
}

func (r *Replay) Range() types.DepthRange {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rng
}

func (r *Replay) IsReady() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ready
}

func (r *Replay) MapDepthToColor(df types.DepthFormat, depth []uint16, cf types.ColorFormat, out []types.ColorPoint) error {
	if len(depth) > 0 {
		r.mu.Lock()
		pts, ok := r.mappings[&depth[0]]
		r.mu.Unlock()
		if ok && len(out) >= len(pts) {
			copy(out, pts)
			return nil
		}
	}
	return linearMap(df, cf, out)
}

func (r *Replay) Close() error {
	r.mu.Lock()
	r.closed = true
	r.ready = false
	r.mu.Unlock()
	return nil
}

// Run plays the file until its end (nil, unless Loop) or ctx ends.
func (r *Replay) Run(ctx context.Context) error {
	for {
		err := r.playOnce(ctx)
		if err != nil || !r.cfg.Loop {
			return err
		}
		slog.Debug("sensor: replay looping", "path", r.cfg.Path)
	}
}

func (r *Replay) playOnce(ctx context.Context) error {
	f, err := os.Open(r.cfg.Path)
	if err != nil {
		return fmt.Errorf("sensor: replay: %w", err)
	}
	defer f.Close()

	r.mu.Lock()
	r.ready = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.ready = false
		r.mu.Unlock()
	}()

	br := bufio.NewReaderSize(f, 1<<20)
	start := time.Now()
	for {
		rec, err := readRecord(br)
		if errors.Is(err, io.EOF) {
			slog.Info("sensor: replay finished", "path", r.cfg.Path, "emitted", r.emitted.Load())
			return nil
		}
		if err != nil {
			return err
		}

		due := start.Add(time.Duration(float64(rec.Offset) / r.cfg.Speed))
		if wait := time.Until(due); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		} else if ctx.Err() != nil {
			return ctx.Err()
		}

		r.emit(rec, due)
	}
}

func (r *Replay) emit(rec *record, ts time.Time) {
	r.mu.Lock()
	enabled := r.enabled
	depthOn, colorOn, skelOn := enabled[StreamDepth], enabled[StreamColor], enabled[StreamSkeleton]
	r.mu.Unlock()

	switch rec.Kind {
	case kindDepth:
		if !depthOn || len(rec.Depth) == 0 {
			return
		}
		if len(rec.Mapping) == 2*len(rec.Depth) {
			r.remember(rec)
		}
		r.depth.emit(&types.DepthFrame{
			Seq: rec.Seq, Timestamp: ts,
			Format: types.DepthFormat(rec.Format), Width: rec.Width, Height: rec.Height,
			Pixels: rec.Depth, ColorToDepthDivisor: rec.Divisor,
		})
	case kindColor:
		if !colorOn {
			return
		}
		r.color.emit(&types.ColorFrame{
			Seq: rec.Seq, Timestamp: ts,
			Format: types.ColorFormat(rec.Format), Width: rec.Width, Height: rec.Height,
			Pixels: rec.Color, ColorToDepthDivisor: rec.Divisor,
		})
	case kindSkeleton:
		if !skelOn {
			return
		}
		skeletons := make([]types.Skeleton, 0, len(rec.Skeletons))
		for _, s := range rec.Skeletons {
			skeletons = append(skeletons, decodeSkeleton(s))
		}
		snap := types.NewSkeletonSnapshot(rec.Seq, ts, skeletons, nil)
		r.skeleton.emit(snap)
	default:
		slog.Warn("sensor: unknown record kind", "kind", rec.Kind)
		return
	}
	r.emitted.Add(1)
}

func (r *Replay) remember(rec *record) {
	pts := make([]types.ColorPoint, len(rec.Depth))
	for i := range pts {
		pts[i] = types.ColorPoint{X: int(rec.Mapping[2*i]), Y: int(rec.Mapping[2*i+1])}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	key := &rec.Depth[0]
	r.mappings[key] = pts
	r.order = append(r.order, key)
	if len(r.order) > replayMappings {
		delete(r.mappings, r.order[0])
		r.order = r.order[1:]
	}
}
