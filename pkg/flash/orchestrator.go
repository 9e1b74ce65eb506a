package flash

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/OpenTraceLab/OpenTraceDFU/pkg/compat"
	"github.com/OpenTraceLab/OpenTraceDFU/pkg/dfu"
	"github.com/OpenTraceLab/OpenTraceDFU/pkg/dfuse"
	"github.com/OpenTraceLab/OpenTraceDFU/pkg/memmap"
	"github.com/OpenTraceLab/OpenTraceDFU/pkg/usbid"
)

var (
	// ErrIncompatible is returned by Start when the file does not fit the
	// device. No transfer has been issued.
	ErrIncompatible = compat.ErrIncompatible

	// ErrPhaseTimeout fails a run whose erase, program or verify phase
	// exceeded its ceiling.
	ErrPhaseTimeout = errors.New("flash: phase timed out")

	// ErrCancelled is the cause of runs stopped with Run.Cancel.
	ErrCancelled = errors.New("flash: run cancelled")

	// ErrBusy is returned by Start while another run is in progress.
	ErrBusy = errors.New("flash: a run is already in progress")
)

// Request describes one flash run.
type Request struct {
	File      *dfuse.File
	Layout    *memmap.Layout
	Interface uint8

	// Verify reads every written chunk back and compares it.
	Verify bool
	// Leave points the device at the first written address and starts
	// manifestation once done. Otherwise the device is left in dfuIDLE.
	Leave bool
}

// Orchestrator sequences erase, program and verify over one device.
type Orchestrator struct {
	opener dfu.Opener
	cfg    Config

	mu     sync.Mutex
	active *Run
}

// New returns an orchestrator that acquires devices through opener.
func New(opener dfu.Opener, opts ...Option) *Orchestrator {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Orchestrator{opener: opener, cfg: cfg}
}

// job is a validated request with its plans.
type job struct {
	req      Request
	pages    []Page
	chunks   []Chunk
	elements int
	bytes    int
	erase    int
}

// Plan validates a request and computes its erase and chunk plans without
// touching the device.
func (o *Orchestrator) Plan(req Request) ([]Page, []Chunk, error) {
	j, err := o.plan(req)
	if err != nil {
		return nil, nil, err
	}
	return j.pages, j.chunks, nil
}

func (o *Orchestrator) plan(req Request) (*job, error) {
	if req.File == nil || req.Layout == nil {
		return nil, errors.New("flash: request needs a file and a device layout")
	}
	var devID *usbid.ID
	if req.Layout.ID != (usbid.ID{}) {
		id := req.Layout.ID
		devID = &id
	}
	if err := compat.CheckFile(req.File, req.Layout, devID).Err(); err != nil {
		return nil, err
	}

	j := &job{req: req}
	seen := make(map[Page]bool)
	xfer := uint32(req.Layout.Functional.TransferSize)
	for _, img := range req.File.Images {
		m, _ := req.Layout.Map(img.AltSetting)
		pages, err := ErasePlan(img, m)
		if err != nil {
			return nil, fmt.Errorf("flash: image %q: %w", img.Name, err)
		}
		for _, p := range pages {
			if !seen[p] {
				seen[p] = true
				j.pages = append(j.pages, p)
				j.erase += int(p.Size)
			}
		}

		chunks, err := ChunkPlan(img, m, xfer)
		if err != nil {
			return nil, fmt.Errorf("flash: image %q: %w", img.Name, err)
		}
		if req.Verify {
			for _, c := range chunks {
				if seg, _ := m.Find(c.Address); !seg.Readable {
					return nil, fmt.Errorf("flash: cannot verify 0x%08X: segment %s is not readable", c.Address, seg)
				}
			}
		}
		j.chunks = append(j.chunks, chunks...)
		j.elements += len(img.Elements)
		j.bytes += img.Size()
	}
	sort.SliceStable(j.pages, func(a, b int) bool {
		pa, pb := j.pages[a], j.pages[b]
		if pa.AltSetting != pb.AltSetting {
			return pa.AltSetting < pb.AltSetting
		}
		return pa.Address < pb.Address
	})
	return j, nil
}

// Start validates the request and launches the run on its own goroutine.
// An incompatible request fails with ErrIncompatible before the device is
// opened. Cancelling ctx has the same effect as Run.Cancel.
func (o *Orchestrator) Start(ctx context.Context, req Request) (*Run, error) {
	j, err := o.plan(req)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	if o.active != nil {
		o.mu.Unlock()
		return nil, ErrBusy
	}
	runCtx, cancel := context.WithCancelCause(ctx)
	r := &Run{
		id:       uuid.New(),
		progress: make(chan Progress, o.cfg.ProgressBuffer),
		done:     make(chan struct{}),
		cancel:   cancel,
	}
	o.active = r
	o.mu.Unlock()

	go o.work(runCtx, r, j)
	return r, nil
}

// Run is a flash operation in progress.
type Run struct {
	id       uuid.UUID
	progress chan Progress
	done     chan struct{}
	cancel   context.CancelCauseFunc
	result   Result
}

// ID returns the run identifier attached to every log line of the run.
func (r *Run) ID() uuid.UUID { return r.id }

// Progress returns the progress stream. It is closed when the run ends;
// snapshots are dropped, oldest first, when the reader falls behind.
func (r *Run) Progress() <-chan Progress { return r.progress }

// Done is closed once the result is available.
func (r *Run) Done() <-chan struct{} { return r.done }

// Cancel asks the run to stop at the next page or chunk boundary. An
// operation already sent to the device completes first.
func (r *Run) Cancel() { r.cancel(ErrCancelled) }

// Wait blocks until the run ends and returns its result.
func (r *Run) Wait() Result {
	<-r.done
	return r.result
}

// publish never blocks: when the buffer is full the oldest snapshot goes.
func (r *Run) publish(p Progress) {
	for {
		select {
		case r.progress <- p:
			return
		default:
		}
		select {
		case <-r.progress:
		default:
		}
	}
}

func (o *Orchestrator) work(ctx context.Context, r *Run, j *job) {
	w := &worker{
		cfg: o.cfg,
		run: r,
		job: j,
		log: o.cfg.Logger.With("run", r.id.String()),
		alt: -1,
	}
	start := time.Now()
	w.log.Info("flash run started",
		"device", j.req.Layout.ID, "images", len(j.req.File.Images),
		"pages", len(j.pages), "chunks", len(j.chunks), "bytes", j.bytes, "verify", j.req.Verify)

	err := w.execute(ctx, o.opener)
	res := w.res
	res.RunID = r.id
	res.Duration = time.Since(start)
	res.Progress = w.prog

	var ce *cancelledError
	switch {
	case err == nil:
		res.Outcome = Success
		w.log.Info("flash run finished", "duration", res.Duration)
	case errors.As(err, &ce):
		res.Outcome = Cancelled
		res.Err = ce.cause
		w.log.Warn("flash run cancelled", "phase", w.prog.Phase, "done", w.prog.UnitsDone)
	default:
		res.Outcome = Failed
		res.Err = err
		w.log.Error("flash run failed", "phase", w.prog.Phase, "error", err)
	}
	o.cfg.Recorder.RunFinished(res)

	r.result = res
	close(r.progress)
	o.mu.Lock()
	o.active = nil
	o.mu.Unlock()
	r.cancel(nil)
	close(r.done)
}

type cancelledError struct{ cause error }

func (e *cancelledError) Error() string { return e.cause.Error() }
func (e *cancelledError) Unwrap() error { return e.cause }

func checkCancelled(ctx context.Context) error {
	if ctx.Err() != nil {
		return &cancelledError{cause: context.Cause(ctx)}
	}
	return nil
}

type worker struct {
	cfg Config
	run *Run
	job *job
	log *slog.Logger
	drv *dfu.Driver
	alt int

	prog Progress
	res  Result
}

func (w *worker) execute(ctx context.Context, opener dfu.Opener) error {
	if err := checkCancelled(ctx); err != nil {
		return err
	}
	req := w.job.req
	t, err := opener.Open(ctx, req.Layout.ID, req.Interface)
	if err != nil {
		return fmt.Errorf("flash: open %s: %w", req.Layout.ID, err)
	}
	defer func() {
		if err := t.Close(); err != nil {
			w.log.Warn("closing device", "error", err)
		}
	}()

	opts := append([]dfu.Option{dfu.WithLogger(w.log)}, w.cfg.DriverOptions...)
	w.drv = dfu.NewDriver(t, req.Interface, req.Layout.Functional.TransferSize, opts...)

	if err := w.erase(ctx); err != nil {
		return err
	}
	if err := w.program(ctx); err != nil {
		return err
	}
	if req.Verify {
		if err := w.verify(ctx); err != nil {
			return err
		}
	}
	return w.finish(ctx)
}

// phaseContext detaches device operations from cancellation so an issued
// command always completes; only the phase ceiling interrupts it.
func phaseContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), timeout)
}

func phaseError(pctx context.Context, phase Phase, timeout time.Duration, err error) error {
	if errors.Is(pctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s phase exceeded %s: %w", ErrPhaseTimeout, phase, timeout, err)
	}
	return fmt.Errorf("flash: %s: %w", phase, err)
}

func (w *worker) begin(phase Phase, units, bytes, elements int) {
	w.prog = Progress{Phase: phase, UnitsTotal: units, BytesTotal: bytes, ElementsTotal: elements}
	w.log.Info("phase started", "phase", phase, "units", units, "bytes", bytes)
	w.run.publish(w.prog)
}

func (w *worker) selectAlt(alt uint8) error {
	if w.alt == int(alt) {
		return nil
	}
	if err := w.drv.SelectAlt(alt); err != nil {
		return err
	}
	w.alt = int(alt)
	return nil
}

func (w *worker) erase(ctx context.Context) error {
	timeout := w.cfg.EraseTimeout
	pctx, cancel := phaseContext(ctx, timeout)
	defer cancel()

	w.begin(PhaseErase, len(w.job.pages), w.job.erase, 0)
	if len(w.job.chunks) > 0 {
		if err := w.selectAlt(w.job.chunks[0].AltSetting); err != nil {
			return phaseError(pctx, PhaseErase, timeout, err)
		}
	}
	if err := w.drv.EnsureIdle(pctx); err != nil {
		return phaseError(pctx, PhaseErase, timeout, err)
	}

	for _, pg := range w.job.pages {
		if err := checkCancelled(ctx); err != nil {
			return err
		}
		if err := w.selectAlt(pg.AltSetting); err != nil {
			return phaseError(pctx, PhaseErase, timeout, err)
		}
		if err := w.drv.ErasePage(pctx, pg.Address); err != nil {
			return phaseError(pctx, PhaseErase, timeout, err)
		}
		w.res.PagesErased++
		w.prog.UnitsDone++
		w.prog.BytesDone += int(pg.Size)
		w.cfg.Recorder.PageErased(int(pg.Size))
		w.run.publish(w.prog)
	}
	return nil
}

func (w *worker) program(ctx context.Context) error {
	timeout := w.cfg.ProgramTimeout
	pctx, cancel := phaseContext(ctx, timeout)
	defer cancel()

	w.begin(PhaseProgram, len(w.job.chunks), w.job.bytes, w.job.elements)
	for _, c := range w.job.chunks {
		if err := checkCancelled(ctx); err != nil {
			return err
		}
		if err := w.selectAlt(c.AltSetting); err != nil {
			return phaseError(pctx, PhaseProgram, timeout, err)
		}
		if err := w.drv.WriteBlock(pctx, c.Address, c.Data, c.Block); err != nil {
			return phaseError(pctx, PhaseProgram, timeout, err)
		}
		w.res.ChunksWritten++
		w.advance(c)
		w.cfg.Recorder.ChunkWritten(len(c.Data))
		w.run.publish(w.prog)
	}
	return nil
}

func (w *worker) verify(ctx context.Context) error {
	timeout := w.cfg.VerifyTimeout
	pctx, cancel := phaseContext(ctx, timeout)
	defer cancel()

	w.begin(PhaseVerify, len(w.job.chunks), w.job.bytes, w.job.elements)
	for _, c := range w.job.chunks {
		if err := checkCancelled(ctx); err != nil {
			return err
		}
		if err := w.selectAlt(c.AltSetting); err != nil {
			return phaseError(pctx, PhaseVerify, timeout, err)
		}
		if err := w.drv.VerifyBlock(pctx, c.Address, c.Data, c.Block); err != nil {
			return phaseError(pctx, PhaseVerify, timeout, err)
		}
		w.advance(c)
		w.cfg.Recorder.ChunkVerified(len(c.Data))
		w.run.publish(w.prog)
	}
	return nil
}

func (w *worker) advance(c Chunk) {
	w.prog.UnitsDone++
	w.prog.BytesDone += len(c.Data)
	if c.Last {
		w.prog.ElementsDone++
	}
}

func (w *worker) finish(ctx context.Context) error {
	fctx, cancel := phaseContext(ctx, w.cfg.ProgramTimeout)
	defer cancel()

	if !w.job.req.Leave || len(w.job.chunks) == 0 {
		if err := w.drv.Abort(fctx); err != nil {
			return fmt.Errorf("flash: returning device to idle: %w", err)
		}
		return nil
	}

	first := w.job.chunks[0]
	if err := w.selectAlt(first.AltSetting); err != nil {
		return fmt.Errorf("flash: leave: %w", err)
	}
	if err := w.drv.SetAddress(fctx, first.Address); err != nil {
		return fmt.Errorf("flash: leave: %w", err)
	}
	if err := w.drv.Finalize(fctx); err != nil {
		return fmt.Errorf("flash: leave: %w", err)
	}
	return nil
}
