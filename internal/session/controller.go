package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tools.zach/dev/bumpmate/internal/action"
	"tools.zach/dev/bumpmate/internal/history"
	"tools.zach/dev/bumpmate/internal/logger"
	"tools.zach/dev/bumpmate/internal/metrics"
	"tools.zach/dev/bumpmate/internal/page"
	"tools.zach/dev/bumpmate/internal/precheck"
	"tools.zach/dev/bumpmate/internal/quota"
	"tools.zach/dev/bumpmate/internal/worker"
)

// ///////////////////////////////////////////////
// Collaborators
// ///////////////////////////////////////////////

// Transport is the persistent channel to the worker.
type Transport interface {
	Connect(ctx context.Context, gen uint64, identity string, deliver func(context.Context, worker.Message)) error
	Disconnect() error
}

// Stopper sends the out-of-band stop notification.
type Stopper interface {
	Notify(ctx context.Context, uid string) error
}

// Launcher posts the task to the worker once the channel is registered.
type Launcher interface {
	Launch(ctx context.Context, kind action.Kind, task worker.Task) error
}

// Recorder stores finished runs.
type Recorder interface {
	Append(r history.Record) error
}

// Account identifies the signed-in user.
type Account struct {
	UID  string
	Tier precheck.Tier
}

// Deps wires a [Controller] to its collaborators. Launcher and History are
// optional.
type Deps struct {
	Transport Transport
	Stopper   Stopper
	Launcher  Launcher
	Page      page.Source
	Store     quota.Store
	Ledger    *quota.Ledger
	History   Recorder
	Settings  func() Settings
	Account   func() Account
	// PersistTimeout bounds each background balance write. Zero means 10s.
	PersistTimeout time.Duration
	// NotifyTimeout bounds the whole background stop notification,
	// retries included. Zero means 30s.
	NotifyTimeout time.Duration
}

// ///////////////////////////////////////////////
// Requests
// ///////////////////////////////////////////////

type opKind int

const (
	opStart opKind = iota
	opStop
	opMessage
	opNavigate
	opBalance
)

type request struct {
	op      opKind
	ctx     context.Context
	kind    action.Kind
	reason  StopReason
	notify  bool
	msg     worker.Message
	page    page.Context
	balance int64
	// reply is nil for fire-and-forget requests.
	reply chan error
}

// run is the state of the active action. It is only touched by the loop.
type run struct {
	kind      action.Kind
	gen       uint64
	id        string
	uid       string
	identity  string
	store     string
	taskLimit int
	startedAt time.Time
	used      int64
	log       *slog.Logger
}

// ///////////////////////////////////////////////
// Controller
// ///////////////////////////////////////////////

// Controller is the session state machine. Create it with [New]; it is
// running until [Controller.Close].
type Controller struct {
	deps Deps

	// ops carries stops, worker messages, navigation and balance updates
	// in arrival order. starts is only read when ops is empty.
	ops    chan request
	starts chan request
	quit   chan struct{}
	done  chan struct{}
	once  sync.Once

	// bgCtx scopes background notification and persistence.
	bgCtx    context.Context
	bgCancel context.CancelFunc
	bg       sync.WaitGroup

	// cur and gen are owned by the loop.
	cur *run
	gen uint64

	// echo is the last balance handed to the store and spent counts tokens
	// used since. A store read of echo after spending is this controller's
	// own write coming back late; applying it would refund those tokens.
	echo    int64
	hasEcho bool
	spent   int64

	// mu guards the published snapshot and subscribers.
	mu     sync.RWMutex
	snap   Session
	subs   map[int]chan Event
	nextID int
}

// New creates a controller and starts its run loop.
func New(deps Deps) *Controller {
	if deps.Ledger == nil {
		deps.Ledger = quota.NewLedger(0)
	}
	if deps.Settings == nil {
		deps.Settings = func() Settings { return Settings{} }
	}
	if deps.Account == nil {
		deps.Account = func() Account { return Account{Tier: precheck.Basic} }
	}
	if deps.PersistTimeout <= 0 {
		deps.PersistTimeout = 10 * time.Second
	}
	if deps.NotifyTimeout <= 0 {
		deps.NotifyTimeout = 30 * time.Second
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	c := &Controller{
		deps:     deps,
		ops:      make(chan request),
		starts:   make(chan request),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		bgCtx:    bgCtx,
		bgCancel: bgCancel,
		subs:     make(map[int]chan Event),
	}
	c.snap = Session{Balance: deps.Ledger.Balance(), Page: action.PageNone}
	c.snap.BalanceDisplay = quota.FormatBalance(c.snap.Balance)
	metrics.SetBalance(c.snap.Balance)
	go c.loop()
	return c
}

// ///////////////////////////////////////////////
// Public API
// ///////////////////////////////////////////////

// Start requests kind. Requesting the kind that is already running stops
// it. Requesting another kind stops the running one first. Returns a
// [*precheck.RejectedError] when a precondition fails and an error wrapping
// [ErrConnect] when the worker cannot be reached.
func (c *Controller) Start(ctx context.Context, kind action.Kind) error {
	return c.call(ctx, c.starts, request{op: opStart, ctx: ctx, kind: kind})
}

// Stop ends the running action. It is a no-op when idle.
func (c *Controller) Stop(ctx context.Context) error {
	return c.call(ctx, c.ops, request{op: opStop, ctx: ctx, reason: StopUser, notify: true})
}

// Abandon queues a local stop without notifying the worker, for use after
// the notification has already been sent elsewhere. It does not wait.
func (c *Controller) Abandon(reason StopReason) {
	select {
	case <-c.quit:
		return
	default:
	}
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		select {
		case c.ops <- request{op: opStop, ctx: c.bgCtx, reason: reason}:
		case <-c.quit:
		}
	}()
}

// Navigate reports that the page context changed.
func (c *Controller) Navigate(ctx context.Context, pc page.Context) error {
	return c.call(ctx, c.ops, request{op: opNavigate, ctx: ctx, page: pc})
}

// SetBalance applies an externally observed balance, such as a daily reset.
func (c *Controller) SetBalance(ctx context.Context, balance int64) error {
	return c.call(ctx, c.ops, request{op: opBalance, ctx: ctx, balance: balance})
}

// Snapshot returns the current session state.
func (c *Controller) Snapshot() Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := c.snap
	s.Offered = append([]action.Kind(nil), s.Offered...)
	if s.Last != nil {
		last := *s.Last
		s.Last = &last
	}
	return s
}

// Active reports whether an action is running.
func (c *Controller) Active() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap.Active != action.None
}

// Subscribe returns a channel of events and a function that ends the
// subscription. Events are dropped for a subscriber whose buffer is full.
func (c *Controller) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = ch
	c.mu.Unlock()

	return ch, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if _, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(ch)
		}
	}
}

// Close stops the run loop. A running action is stopped locally and the
// worker is told once. Close then waits for background notification and
// persistence until ctx is done.
func (c *Controller) Close(ctx context.Context) error {
	c.once.Do(func() { close(c.quit) })
	<-c.done

	waited := make(chan struct{})
	go func() {
		c.bg.Wait()
		close(waited)
	}()
	var err error
	select {
	case <-waited:
	case <-ctx.Done():
		err = fmt.Errorf("waiting for background work: %w", ctx.Err())
	}
	c.bgCancel()

	c.mu.Lock()
	for id, ch := range c.subs {
		delete(c.subs, id)
		close(ch)
	}
	c.mu.Unlock()
	return err
}

// call enqueues r on q and waits for the reply.
func (c *Controller) call(ctx context.Context, q chan request, r request) error {
	r.reply = make(chan error, 1)
	select {
	case q <- r:
	case <-c.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-r.reply:
		return err
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// deliver feeds a worker message into the loop. It gives up when the
// channel tears the connection down or the controller closes.
func (c *Controller) deliver(ctx context.Context, m worker.Message) {
	select {
	case c.ops <- request{op: opMessage, ctx: ctx, msg: m}:
	case <-ctx.Done():
	case <-c.quit:
	}
}

// ///////////////////////////////////////////////
// Run Loop
// ///////////////////////////////////////////////

func (c *Controller) loop() {
	defer close(c.done)
	for {
		// Starts are taken only when no other request is waiting.
		select {
		case r := <-c.ops:
			c.handle(r)
			continue
		case <-c.quit:
			c.shutdown()
			return
		default:
		}

		select {
		case r := <-c.ops:
			c.handle(r)
		case r := <-c.starts:
			c.handle(r)
		case <-c.quit:
			c.shutdown()
			return
		}
	}
}

func (c *Controller) handle(r request) {
	var err error
	switch r.op {
	case opStart:
		err = c.start(r.ctx, r.kind)
	case opStop:
		c.stop(r.reason, r.notify)
	case opMessage:
		c.onMessage(r.msg)
	case opNavigate:
		c.onNavigate(r.page)
	case opBalance:
		c.onBalance(r.balance)
	}
	if r.reply != nil {
		r.reply <- err
	}
}

func (c *Controller) shutdown() {
	if c.cur != nil {
		c.stop(StopShutdown, true)
	}
}

// ///////////////////////////////////////////////
// Start
// ///////////////////////////////////////////////

func (c *Controller) start(ctx context.Context, kind action.Kind) error {
	if kind == action.None {
		return errors.New("no action requested")
	}
	if c.cur != nil && c.cur.kind == kind {
		c.stop(StopToggle, true)
		return nil
	}

	snap, err := c.deps.Page.Snapshot(ctx)
	if err != nil {
		slog.Warn("cannot read page", "kind", kind, "error", err)
		return fmt.Errorf("%w: %w", ErrNoPage, err)
	}
	c.setPage(snap.Context)

	acct := c.deps.Account()
	checkErr := precheck.Check(precheck.Request{
		Kind:    kind,
		Page:    snap.Kind,
		Counts:  snap.Counts,
		Tier:    acct.Tier,
		Balance: c.deps.Ledger.Balance(),
		Active:  c.cur != nil,
	})
	if checkErr == nil && !snap.ValidTarget() {
		checkErr = &precheck.RejectedError{Reason: precheck.NotAvailable}
	}
	var rej *precheck.RejectedError
	if errors.As(checkErr, &rej) {
		slog.Info("start rejected", "kind", kind, "reason", rej.Reason)
		metrics.StartRejected(string(rej.Reason))
		c.publish(Event{
			Type:    EventRejected,
			Kind:    kind,
			Reason:  string(rej.Reason),
			Message: rej.Reason.Message(),
			TopUp:   rej.Reason.TopUp(),
			Balance: c.deps.Ledger.Balance(),
		})
		return checkErr
	}

	if c.cur != nil {
		c.stop(StopSwitch, true)
	}

	c.gen++
	gen := c.gen
	c.deps.Ledger.ResetProgress()
	settings := c.deps.Settings()
	r := &run{
		kind:      kind,
		gen:       gen,
		id:        history.NewRunID(),
		uid:       acct.UID,
		identity:  snap.Identity,
		store:     snap.Store,
		taskLimit: settings.TaskLimit,
		startedAt: time.Now(),
	}
	r.log = slog.With("run_id", r.id, "kind", kind, "generation", gen)

	if err := c.deps.Transport.Connect(ctx, gen, r.identity, c.deliver); err != nil {
		r.log.Warn("worker connect failed", "error", err)
		c.connectFailed(r, err)
		return fmt.Errorf("%w: %w", ErrConnect, err)
	}

	if c.deps.Launcher != nil {
		task := worker.Task{
			RunID:              r.id,
			UID:                r.uid,
			Username:           r.identity,
			PageURL:            snap.URL,
			Cookies:            snap.Cookies,
			Delay:              settings.Delay,
			DiscountPercentage: settings.DiscountPercentage,
			BumpFromBottom:     settings.BumpFromBottom,
			Exceptions:         settings.ExceptionsFor(kind),
		}
		if err := c.deps.Launcher.Launch(ctx, kind, task); err != nil {
			r.log.Warn("task launch failed", "error", err)
			_ = c.deps.Transport.Disconnect()
			c.notifyStop(r, StopLaunch)
			c.connectFailed(r, err)
			return fmt.Errorf("%w: launch: %w", ErrConnect, err)
		}
	}

	c.cur = r
	c.mu.Lock()
	c.snap.Active = kind
	c.snap.TargetIdentity = r.identity
	c.snap.Store = r.store
	c.snap.Progress = quota.Progress{}
	c.snap.TaskLimit = r.taskLimit
	c.snap.RunID = r.id
	c.snap.Generation = gen
	c.snap.StartedAt = r.startedAt
	c.mu.Unlock()

	r.log.Info("action started", "identity", r.identity, "task_limit", r.taskLimit, "balance", quota.FormatBalance(c.deps.Ledger.Balance()))
	metrics.RunStarted(kind.String())
	c.publish(Event{Type: EventStarted, Kind: kind, RunID: r.id, Generation: gen, Balance: c.deps.Ledger.Balance()})
	return nil
}

// connectFailed reports a start that never became active.
func (c *Controller) connectFailed(r *run, err error) {
	metrics.ConnectFailed()
	c.publish(Event{
		Type:       EventConnectFailed,
		Kind:       r.kind,
		RunID:      r.id,
		Generation: r.gen,
		Balance:    c.deps.Ledger.Balance(),
		Error:      err.Error(),
	})
}

// ///////////////////////////////////////////////
// Stop
// ///////////////////////////////////////////////

// stop runs the stop procedure for the active action. Calling it while
// idle does nothing. When notify is false the worker is not told; the
// caller has already done so.
func (c *Controller) stop(reason StopReason, notify bool) {
	r := c.cur
	if r == nil {
		return
	}
	c.cur = nil

	if err := c.deps.Transport.Disconnect(); err != nil {
		r.log.Warn("disconnect failed", "error", err)
	}
	if notify {
		c.notifyStop(r, reason)
	}

	final := c.deps.Ledger.Progress()
	balance := c.deps.Ledger.Balance()
	c.persist(r, balance)
	c.deps.Ledger.ResetProgress()

	now := time.Now()
	summary := &RunSummary{RunID: r.id, Kind: r.kind, Progress: final, Reason: reason, EndedAt: now}
	c.mu.Lock()
	c.snap.Active = action.None
	c.snap.TargetIdentity = ""
	c.snap.Store = ""
	c.snap.Progress = quota.Progress{}
	c.snap.RunID = ""
	c.snap.StartedAt = time.Time{}
	c.snap.Last = summary
	c.mu.Unlock()

	if c.deps.History != nil {
		rec := history.Record{
			RunID:        r.id,
			Kind:         r.kind,
			Identity:     r.identity,
			Store:        r.store,
			Progress:     final,
			TokensUsed:   r.used,
			BalanceAfter: balance,
			Reason:       string(reason),
			StartedAt:    r.startedAt,
			EndedAt:      now,
		}
		if err := c.deps.History.Append(rec); err != nil {
			r.log.Warn("failed to record run history", "error", err)
		}
	}

	r.log.Info("action stopped", "reason", reason, "progress", final.String(), "tokens_used", r.used)
	metrics.RunStopped(r.kind.String(), string(reason))

	base := Event{Kind: r.kind, RunID: r.id, Generation: r.gen, Progress: final, Balance: balance, Reason: string(reason)}
	switch reason {
	case StopComplete:
		e := base
		e.Type = EventCompleted
		c.publish(e)
	case StopLimit:
		e := base
		e.Type = EventTaskLimitReached
		c.publish(e)
	case StopQuota:
		e := base
		e.Type = EventQuotaExhausted
		e.TopUp = true
		c.publish(e)
	}
	base.Type = EventStopped
	c.publish(base)
}

// notifyStop tells the worker to abandon the run, retrying in the
// background. Failure never affects local state.
func (c *Controller) notifyStop(r *run, reason StopReason) {
	if c.deps.Stopper == nil {
		return
	}
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		ctx, cancel := context.WithTimeout(c.bgCtx, c.deps.NotifyTimeout)
		defer cancel()
		if err := c.deps.Stopper.Notify(ctx, r.uid); err != nil {
			r.log.Error("stop notification failed", "reason", reason, "error", err)
			metrics.StopNotifyFailed()
			return
		}
		r.log.Debug("stop notification delivered", "reason", reason)
	}()
}

// persist writes the mirrored balance back in the background. On failure
// the mirror keeps its value; the next read from the store wins.
func (c *Controller) persist(r *run, balance int64) {
	if c.deps.Store == nil || r.uid == "" {
		return
	}
	c.echo, c.hasEcho, c.spent = balance, true, 0
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		ctx, cancel := context.WithTimeout(c.bgCtx, c.deps.PersistTimeout)
		defer cancel()
		if err := c.deps.Store.WriteBalance(ctx, r.uid, balance); err != nil {
			r.log.Error("failed to persist balance", "balance", balance, "error", err)
			metrics.PersistFailed()
		}
	}()
}

// ///////////////////////////////////////////////
// Events From Outside
// ///////////////////////////////////////////////

func (c *Controller) onMessage(m worker.Message) {
	r := c.cur
	if r == nil || m.Gen != r.gen {
		logger.Trace(slog.Default(), "dropping stale worker message", "message_generation", m.Gen, "current_generation", c.gen)
		metrics.MessageDropped("stale")
		return
	}

	switch m.Kind {
	case worker.Complete:
		c.stop(StopComplete, true)
	case worker.Dropped:
		r.log.Warn("worker channel dropped", "error", m.Err)
		c.stop(StopDropped, true)
	case worker.Progress:
		before := c.deps.Ledger.Balance()
		p := c.deps.Ledger.RecordStep(m.Completed, m.Total)
		balance := c.deps.Ledger.DecrementOne()
		if balance != before {
			r.used++
			c.spent++
		}
		c.mu.Lock()
		c.snap.Progress = p
		c.snap.Balance = balance
		c.snap.BalanceDisplay = quota.FormatBalance(balance)
		c.mu.Unlock()
		metrics.StepCompleted(r.kind.String())
		metrics.SetBalance(balance)
		c.publish(Event{Type: EventProgress, Kind: r.kind, RunID: r.id, Generation: r.gen, Progress: p, Balance: balance})

		// Exhaustion is checked before the task limit.
		switch {
		case c.deps.Ledger.Exhausted():
			c.stop(StopQuota, true)
		case c.deps.Ledger.ReachedLimit(r.taskLimit):
			c.stop(StopLimit, true)
		}
	}
}

func (c *Controller) onNavigate(pc page.Context) {
	c.setPage(pc)
	r := c.cur
	if r == nil {
		return
	}
	if pc.ValidTarget() && pc.Identity == r.identity {
		return
	}
	r.log.Info("page left the target", "url", pc.URL, "identity", pc.Identity)
	c.stop(StopNavigation, true)
}

func (c *Controller) onBalance(b int64) {
	if c.hasEcho && b == c.echo && c.spent > 0 {
		logger.Trace(slog.Default(), "ignoring stored balance written before recent steps", "balance", b, "spent_since", c.spent)
		return
	}
	c.hasEcho = false
	c.deps.Ledger.SetBalance(b)
	balance := c.deps.Ledger.Balance()
	c.mu.Lock()
	c.snap.Balance = balance
	c.snap.BalanceDisplay = quota.FormatBalance(balance)
	c.mu.Unlock()
	metrics.SetBalance(balance)
	slog.Debug("balance updated", "balance", quota.FormatBalance(balance))
	c.publish(Event{Type: EventBalance, Balance: balance})

	if c.cur != nil && c.deps.Ledger.Exhausted() {
		c.stop(StopQuota, true)
	}
}

// setPage records the current page kind and the actions it offers.
func (c *Controller) setPage(pc page.Context) {
	kind := pc.Kind
	if kind == "" {
		kind = action.PageNone
	}
	c.mu.Lock()
	c.snap.Page = kind
	c.snap.Offered = action.AvailableOn(kind)
	c.mu.Unlock()
}

// publish stamps e and fans it out without blocking.
func (c *Controller) publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, ch := range c.subs {
		select {
		case ch <- e:
		default:
			slog.Debug("event subscriber full, dropping event", "type", e.Type)
		}
	}
}
