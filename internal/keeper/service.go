package keeper

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"execbot/internal/chain"
	"execbot/internal/eventbus"
	rtsup "execbot/internal/runtime/supervisor"
	"execbot/internal/storage"
	logx "execbot/pkg/logx"
)

// GasPolicy controls fees and limits of keeper transactions.
type GasPolicy struct {
	DefaultPrice *big.Int
	// MaxPrice caps the priority price on mainnet.
	MaxPrice     *big.Int
	PriorityBump *big.Int
	Multiplier   float64
	// Reserve is kept free below the block gas limit.
	Reserve          uint64
	FallbackMinLimit uint64
}

type Config struct {
	Network string
	Mainnet bool

	RetryLimit     int
	RetryDelay     time.Duration
	Margins        Margins
	ExecTimeout    time.Duration
	ReceiptTimeout time.Duration

	RecoveryBlocks  uint64
	LogChunkBlocks  uint64
	SubscribeBuffer int

	// PriorityOrganization, when set, is executed from the alternate account
	// with oracle gas pricing.
	PriorityOrganization common.Address
	LowBalance           *big.Int
	Gas                  GasPolicy
}

// Deps are the collaborators. Ledger, Timers and Signer are required.
type Deps struct {
	Ledger    Ledger
	Timers    Timers
	Signer    *chain.Signer
	AltSigner *chain.Signer

	Index  Index
	Gas    GasOracle
	Alerts Alerter
	Store  storage.Store
	Bus    eventbus.Bus
	Log    logx.Logger

	// Supervise is applied to the supervisor of the listener and receipt
	// watchers, e.g. a fault handler.
	Supervise []rtsup.SupervisorOption
}

type Service struct {
	cfg    Config
	ledger Ledger
	timers Timers
	signer *chain.Signer
	alt    *chain.Signer
	index  Index
	gas    GasOracle
	alerts Alerter
	store  storage.Store
	bus    eventbus.Bus
	log    logx.Logger
	now    func() time.Time
	supOpt []rtsup.SupervisorOption

	fetchBackoff time.Duration

	items   *itemStore
	retries *retryCounters
	locks   *keyedLocks

	mu      sync.Mutex
	seqs    map[common.Address]*chain.Sequencer
	sup     *rtsup.Supervisor
	running bool
}

func New(cfg Config, d Deps) (*Service, error) {
	if d.Ledger == nil {
		return nil, errors.New("keeper: ledger is required")
	}
	if d.Timers == nil {
		return nil, errors.New("keeper: timers are required")
	}
	if d.Signer == nil {
		return nil, errors.New("keeper: signer is required")
	}
	if cfg.PriorityOrganization != (common.Address{}) && d.AltSigner == nil {
		return nil, errors.New("keeper: priority organization needs an alternate signer")
	}
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	applyDefaults(&cfg)
	return &Service{
		cfg:    cfg,
		ledger: d.Ledger,
		timers: d.Timers,
		signer: d.Signer,
		alt:    d.AltSigner,
		index:  d.Index,
		gas:    d.Gas,
		alerts: d.Alerts,
		store:  d.Store,
		bus:    d.Bus,
		log:    d.Log.With(logx.String("comp", "keeper")),
		now:    time.Now,

		fetchBackoff: time.Second,
		items:        newItemStore(),
		retries:      newRetryCounters(),
		locks:        newKeyedLocks(),
		seqs:         make(map[common.Address]*chain.Sequencer),
	}, nil
}

func applyDefaults(cfg *Config) {
	if cfg.RetryLimit <= 0 {
		cfg.RetryLimit = 5
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 10 * time.Second
	}
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = 2 * time.Minute
	}
	if cfg.ReceiptTimeout <= 0 {
		cfg.ReceiptTimeout = 10 * time.Minute
	}
	if cfg.LogChunkBlocks == 0 {
		cfg.LogChunkBlocks = 50000
	}
	if cfg.SubscribeBuffer <= 0 {
		cfg.SubscribeBuffer = 1024
	}
	if cfg.LowBalance == nil {
		cfg.LowBalance = big.NewInt(100_000_000_000_000_000)
	}
	g := &cfg.Gas
	if g.DefaultPrice == nil {
		g.DefaultPrice = big.NewInt(10_000_000_000)
	}
	if g.MaxPrice == nil {
		g.MaxPrice = big.NewInt(200_000_000_000)
	}
	if g.PriorityBump == nil {
		g.PriorityBump = big.NewInt(30_000_000_000)
	}
	if g.Multiplier < 1 {
		g.Multiplier = 1.5
	}
	if g.Reserve == 0 {
		g.Reserve = 100000
	}
	if g.FallbackMinLimit == 0 {
		g.FallbackMinLimit = 9000000
	}
}

// Start seeds the nonce sequencers from the pending nonce of every account,
// then runs recovery and the live listener under a restarting supervisor.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("keeper already running")
	}
	s.running = true
	s.mu.Unlock()

	if err := s.initSequencers(ctx); err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return err
	}

	opts := append([]rtsup.SupervisorOption{rtsup.WithLogger(s.log)}, s.supOpt...)
	sup := rtsup.NewSupervisor(ctx, opts...)
	s.mu.Lock()
	s.sup = sup
	s.mu.Unlock()

	sup.GoRestart("keeper.listen", s.run,
		rtsup.WithRestartBackoff(time.Second, time.Minute),
		rtsup.WithPublishFirstError(false),
		rtsup.WithStopOnCleanExit(true),
	)
	s.log.Info("keeper started",
		logx.String("account", s.signer.Address().Hex()),
		logx.Bool("priority_account", s.alt != nil),
		logx.Int("retry_limit", s.cfg.RetryLimit),
	)
	return nil
}

// Stop cancels the listener and receipt watchers and waits for them.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.running = false
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	sup.Cancel()
	return sup.Wait(ctx)
}

func (s *Service) initSequencers(ctx context.Context) error {
	signers := []*chain.Signer{s.signer}
	if s.alt != nil {
		signers = append(signers, s.alt)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sg := range signers {
		addr := sg.Address()
		if _, ok := s.seqs[addr]; ok {
			continue
		}
		n, err := s.ledger.PendingNonce(ctx, addr)
		if err != nil {
			return fmt.Errorf("pending nonce for %s: %w", addr.Hex(), err)
		}
		s.seqs[addr] = chain.NewSequencer(n)
		s.log.Info("nonce sequencer ready", logx.String("account", addr.Hex()), logx.Uint64("nonce", n))
	}
	return nil
}

func (s *Service) sequencer(addr common.Address) (*chain.Sequencer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq, ok := s.seqs[addr]
	return seq, ok
}

// spawn runs fn under the keeper supervisor, or detached when not started.
func (s *Service) spawn(name string, fn func(ctx context.Context) error) {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	if sup == nil {
		go func() { _ = fn(context.Background()) }()
		return
	}
	sup.Go(name, fn)
}

func (s *Service) ours(addr common.Address) bool {
	if addr == s.signer.Address() {
		return true
	}
	return s.alt != nil && addr == s.alt.Address()
}

func (s *Service) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: data})
}

func (s *Service) alert(ctx context.Context, subject, body string) {
	if s.alerts == nil {
		return
	}
	if err := s.alerts.Alert(ctx, subject, body); err != nil {
		s.log.Info("alert not sent", logx.String("subject", subject), logx.Err(err))
	}
}

func (s *Service) record(ctx context.Context, r storage.AttemptRecord) {
	if s.store == nil {
		return
	}
	if r.At.IsZero() {
		r.At = s.now()
	}
	if err := s.store.AppendAttempt(ctx, r); err != nil {
		s.log.Debug("attempt not recorded", logx.String("proposal", r.Proposal), logx.Err(err))
	}
}

// Snapshot is a point-in-time view for heartbeats and tests.
type Snapshot struct {
	Items    int
	Retrying int
	Locked   int
	Nonces   map[string]uint64
}

func (s *Service) Snapshot() Snapshot {
	out := Snapshot{
		Items:    s.items.len(),
		Retrying: s.retries.len(),
		Locked:   s.locks.size(),
		Nonces:   map[string]uint64{},
	}
	s.mu.Lock()
	for addr, seq := range s.seqs {
		next, _ := seq.Peek()
		out.Nonces[addr.Hex()] = next
	}
	s.mu.Unlock()
	return out
}

// Item returns the latest read of id.
func (s *Service) Item(id common.Hash) (chain.Item, bool) { return s.items.get(id) }

// RetryCount returns the failed executions counted for id.
func (s *Service) RetryCount(id common.Hash) int { return s.retries.get(id) }
