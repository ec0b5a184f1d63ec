package store

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hitoshi/courseauth/internal/model"
)

// Submitter は操作をトランザクション境界へ送り、結果を待つ。
type Submitter interface {
	Submit(ctx context.Context, op Op) (Result, error)
}

// OpObserver は境界で実行した操作を観測する。メトリクス収集用。
type OpObserver interface {
	ObserveStoreOp(kind string, duration time.Duration, err error)
}

// BoundaryConfig はBoundaryの設定。
type BoundaryConfig struct {
	Workers   int // 同時に開くトランザクション数
	QueueSize int // 受付キューの長さ
	Observer  OpObserver
}

type request struct {
	ctx   context.Context
	op    Op
	reply chan response
}

type response struct {
	result Result
	err    error
}

// Boundary はトランザクション境界の内部エントリーポイント。
// Proxyから受け取った操作を、1操作につき1トランザクションで実行する。
type Boundary struct {
	runner   TxRunner
	config   BoundaryConfig
	requests chan request
	done     chan struct{}
	stopped  chan struct{} // 全ワーカー終了後にclose
	running  atomic.Bool
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewBoundary はBoundaryを生成する。Startを呼ぶまで操作は受け付けない。
func NewBoundary(runner TxRunner, config BoundaryConfig) *Boundary {
	if config.Workers <= 0 {
		config.Workers = 4
	}
	if config.QueueSize < 0 {
		config.QueueSize = 0
	}
	return &Boundary{
		runner:   runner,
		config:   config,
		requests: make(chan request, config.QueueSize),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Start はワーカーgoroutineを起動する。
func (b *Boundary) Start() {
	if !b.running.CompareAndSwap(false, true) {
		return
	}
	for i := 0; i < b.config.Workers; i++ {
		b.wg.Add(1)
		go b.worker()
	}
	slog.Info("store boundary started", slog.Int("workers", b.config.Workers))
}

// Stop は新規受付を止め、実行中の操作の完了を待つ。
// キューに残った未実行の操作にはBackendUnavailableErrorを返す。
func (b *Boundary) Stop() {
	b.stopOnce.Do(func() {
		b.running.Store(false)
		close(b.done)
		b.wg.Wait()
		close(b.stopped)
	})
	<-b.stopped
}

// Submit は操作を境界へ送り、結果を待つ。
// 境界が停止している、または送信中・待機中にctxが終了した場合はBackendUnavailableErrorを返す。
// 待機中にctxが終了しても、既に受け付けた操作は取り消されない。
func (b *Boundary) Submit(ctx context.Context, op Op) (Result, error) {
	if !b.running.Load() {
		return Result{}, &model.BackendUnavailableError{Op: string(op.Kind), Err: errors.New("store boundary is not running")}
	}

	req := request{ctx: ctx, op: op, reply: make(chan response, 1)}
	select {
	case b.requests <- req:
	case <-b.done:
		return Result{}, &model.BackendUnavailableError{Op: string(op.Kind), Err: errors.New("store boundary stopped")}
	case <-ctx.Done():
		return Result{}, &model.BackendUnavailableError{Op: string(op.Kind), Err: ctx.Err()}
	}

	select {
	case resp := <-req.reply:
		return resp.result, resp.err
	case <-ctx.Done():
		return Result{}, &model.BackendUnavailableError{Op: string(op.Kind), Err: ctx.Err()}
	case <-b.stopped:
		// 停止直前に完了した操作の結果は返す
		select {
		case resp := <-req.reply:
			return resp.result, resp.err
		default:
		}
		return Result{}, &model.BackendUnavailableError{Op: string(op.Kind), Err: errors.New("store boundary stopped")}
	}
}

func (b *Boundary) worker() {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			b.drain()
			return
		case req := <-b.requests:
			if b.isStopping() {
				req.reply <- stoppedResponse(req)
				continue
			}
			req.reply <- b.execute(req)
		}
	}
}

// drain はキューに残った操作を実行せずに拒否する。
func (b *Boundary) drain() {
	for {
		select {
		case req := <-b.requests:
			req.reply <- stoppedResponse(req)
		default:
			return
		}
	}
}

func (b *Boundary) isStopping() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

func stoppedResponse(req request) response {
	return response{err: &model.BackendUnavailableError{Op: string(req.op.Kind), Err: errors.New("store boundary stopped")}}
}

func (b *Boundary) execute(req request) response {
	if err := req.ctx.Err(); err != nil {
		return response{err: &model.BackendUnavailableError{Op: string(req.op.Kind), Err: err}}
	}

	start := time.Now()
	var result Result
	err := b.runner.RunInTx(req.ctx, func(s Store) error {
		var err error
		result, err = Apply(req.ctx, s, req.op)
		return err
	})
	if b.config.Observer != nil {
		b.config.Observer.ObserveStoreOp(string(req.op.Kind), time.Since(start), err)
	}
	return response{result: result, err: err}
}

// compile-time interface check
var _ Submitter = (*Boundary)(nil)
