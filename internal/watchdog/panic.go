package watchdog

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/flakeos/kernel/internal/hal"
	"github.com/flakeos/kernel/internal/infrastructure/logging"
	"github.com/flakeos/kernel/internal/infrastructure/monitoring"
)

// Reason classifies a kernel panic.
type Reason string

const (
	ReasonWatchdogTimeout Reason = "watchdog_timeout"
	ReasonOutOfMemory     Reason = "out_of_memory"
	ReasonStackOverflow   Reason = "stack_overflow"
	ReasonAssertFailed    Reason = "assert_failed"
	ReasonInitFailed      Reason = "init_failed"
)

// Fatal reports whether the reason is unrecoverable locally. Fatal
// panics escalate to a supervised restart; the rest are recorded and
// the system keeps running.
func (r Reason) Fatal() bool {
	return r == ReasonOutOfMemory || r == ReasonStackOverflow
}

// Info describes one panic. Origin names the task or probe the fault
// is attributed to.
type Info struct {
	Reason      Reason    `json:"reason"`
	Origin      string    `json:"origin"`
	Detail      string    `json:"detail"`
	BootSession string    `json:"boot_session"`
	Tick        uint64    `json:"tick"`
	Time        time.Time `json:"time"`
}

// Dump is the crash record persisted on panic.
type Dump struct {
	Info     Info           `json:"info"`
	Snapshot map[string]any `json:"snapshot,omitempty"`
}

// Handler is the kernel panic path. Trigger records the panic,
// persists a compressed crash dump, and hands control to the
// configured restart hook. Only the first panic per boot wins.
type Handler struct {
	session string
	tick    func() uint64

	mu        sync.Mutex
	last      *Info
	escalated bool
	snapshot  func() map[string]any
	onPanic   func(Info)

	store   hal.Store
	log     *logging.Logger
	metrics *monitoring.Metrics
}

// NewHandler creates a panic handler persisting crash dumps to store.
func NewHandler(session string, tick func() uint64, store hal.Store, log *logging.Logger, metrics *monitoring.Metrics) *Handler {
	return &Handler{
		session: session,
		tick:    tick,
		store:   store,
		log:     log.Named("panic"),
		metrics: metrics,
	}
}

// SetSnapshot registers a callback collecting system state for crash
// dumps. Called with the panic already recorded; it must not panic
// back into the handler.
func (h *Handler) SetSnapshot(fn func() map[string]any) {
	h.mu.Lock()
	h.snapshot = fn
	h.mu.Unlock()
}

// SetOnPanic registers the escalation hook, typically the kernel's
// transition into the panic state and scheduled restart.
func (h *Handler) SetOnPanic(fn func(Info)) {
	h.mu.Lock()
	h.onPanic = fn
	h.mu.Unlock()
}

// Trigger records a panic. Once a fatal panic has been recorded all
// later triggers are logged and dropped so the first fatal cause is
// preserved; non-fatal panics do not block a later fatal one.
func (h *Handler) Trigger(reason Reason, origin, detail string) {
	info := Info{
		Reason:      reason,
		Origin:      origin,
		Detail:      detail,
		BootSession: h.session,
		Tick:        h.tick(),
		Time:        time.Now(),
	}

	h.mu.Lock()
	if h.escalated {
		h.mu.Unlock()
		h.log.Warn("panic after fatal escalation, dropped",
			zap.String("reason", string(reason)),
			zap.String("detail", detail))
		return
	}
	if reason.Fatal() {
		h.escalated = true
	}
	h.last = &info
	snapshot := h.snapshot
	onPanic := h.onPanic
	h.mu.Unlock()

	h.metrics.Panics.WithLabelValues(string(reason)).Inc()
	h.log.Error("kernel panic",
		zap.String("reason", string(reason)),
		zap.String("origin", origin),
		zap.String("detail", detail),
		zap.Uint64("tick", info.Tick))

	dump := Dump{Info: info}
	if snapshot != nil {
		dump.Snapshot = snapshot()
	}
	if err := h.persist(dump); err != nil {
		h.log.Error("crash dump not persisted", zap.Error(err))
	}

	if onPanic != nil {
		onPanic(info)
	}
}

// LastInfo returns the recorded panic, if any.
func (h *Handler) LastInfo() (Info, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.last == nil {
		return Info{}, false
	}
	return *h.last, true
}

// Dumps returns the store keys of all persisted crash dumps.
func (h *Handler) Dumps() ([]string, error) {
	return h.store.Keys("crash/")
}

// ReadDump loads and decodes one persisted crash dump.
func (h *Handler) ReadDump(key string) (Dump, error) {
	raw, err := h.store.Get(key)
	if err != nil {
		return Dump{}, err
	}

	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return Dump{}, fmt.Errorf("crash dump %q: %w", key, err)
	}
	defer zr.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(zr); err != nil {
		return Dump{}, fmt.Errorf("crash dump %q: %w", key, err)
	}

	var dump Dump
	if err := sonic.Unmarshal(buf.Bytes(), &dump); err != nil {
		return Dump{}, fmt.Errorf("crash dump %q: %w", key, err)
	}
	return dump, nil
}

func (h *Handler) persist(dump Dump) error {
	raw, err := sonic.Marshal(dump)
	if err != nil {
		return fmt.Errorf("encode crash dump: %w", err)
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return fmt.Errorf("compress crash dump: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("compress crash dump: %w", err)
	}

	key := fmt.Sprintf("crash/%s", h.session)
	if err := h.store.Put(key, buf.Bytes()); err != nil {
		return fmt.Errorf("store crash dump: %w", err)
	}
	h.log.Info("crash dump persisted",
		zap.String("key", key),
		zap.Int("bytes", buf.Len()))
	return nil
}
