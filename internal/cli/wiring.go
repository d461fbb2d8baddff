package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/sentinelops/cmdgate/internal/approval"
	"github.com/sentinelops/cmdgate/internal/audit"
	"github.com/sentinelops/cmdgate/internal/checkpoint"
	"github.com/sentinelops/cmdgate/internal/config"
	"github.com/sentinelops/cmdgate/internal/event"
	"github.com/sentinelops/cmdgate/internal/history"
	"github.com/sentinelops/cmdgate/internal/identity"
	"github.com/sentinelops/cmdgate/internal/pipeline"
	"github.com/sentinelops/cmdgate/internal/ratelimit"
	"github.com/sentinelops/cmdgate/internal/risk"
	"github.com/sentinelops/cmdgate/internal/rules"
	"github.com/sentinelops/cmdgate/internal/sandbox"
)

// deps is everything a one-shot invocation may need. Close releases
// the stores that were actually opened.
type deps struct {
	cfg      *config.Config
	log      *logrus.Logger
	identity identity.Provider
	queue    *approval.FileQueue

	gate     *pipeline.Gate
	hist     *history.Store
	auditLog *audit.Log
	ruleDB   *rules.Store

	closers []func() error
}

func (d *deps) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		_ = d.closers[i]()
	}
}

// openBase loads config, identity and the approval queue; every
// command needs at least these.
func openBase() (*deps, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	log := newLogger()

	provider, err := loadIdentity(cfg, log)
	if err != nil {
		return nil, err
	}
	queue, err := approval.NewFileQueue(filepath.Join(cfg.DataDir, "pending"), provider, log)
	if err != nil {
		return nil, err
	}
	queue.SetTTL(cfg.Approval.TTL)
	if cfg.Approval.EscalateExtend > 0 {
		queue.SetEscalation(approval.EscalationPolicy{
			Extend:   cfg.Approval.EscalateExtend,
			AddRoles: cfg.Approval.EscalateToRoles,
		})
	}
	return &deps{cfg: cfg, log: log, identity: provider, queue: queue}, nil
}

// openGate extends openBase with the full execution pipeline.
func openGate() (*deps, error) {
	d, err := openBase()
	if err != nil {
		return nil, err
	}

	auditLog, err := audit.Open(d.cfg.AuditLog)
	if err != nil {
		return nil, err
	}
	d.auditLog = auditLog
	d.closers = append(d.closers, auditLog.Close)

	hist, err := history.Open(d.cfg.HistoryDB, d.log)
	if err != nil {
		d.Close()
		return nil, err
	}
	d.hist = hist
	d.closers = append(d.closers, hist.Close)

	ruleDB, err := rules.OpenStore(d.cfg.RulesDB, d.log)
	if err != nil {
		d.Close()
		return nil, err
	}
	d.ruleDB = ruleDB
	d.closers = append(d.closers, ruleDB.Close)

	engine := rules.NewEngine(nil)
	if err := ruleDB.Refresh(engine); err != nil {
		d.Close()
		return nil, err
	}

	patternDB := risk.OpenDB(d.cfg.PatternsFile, d.log)
	cps, err := checkpoint.NewManager(d.cfg.Checkpoint.Dir, d.cfg.Checkpoint.QuotaBytes, d.log)
	if err != nil {
		d.Close()
		return nil, err
	}
	cps.SetRetention(d.cfg.Checkpoint.Retention)
	cps.Sweep()

	d.gate = pipeline.NewGate(pipeline.Deps{
		Engine:     engine,
		Classifier: risk.NewClassifier(patternDB, nil, d.log),
		Identity:   d.identity,
		Approval:   d.queue,
		Executor:   sandbox.New(d.cfg.Sandbox.Root, d.log),
		Limiter:    ratelimit.New(d.cfg.RateLimits),
		Checkpoint: cps,
		Audit:      auditLog,
		History:    hist,
		Bus:        event.NewBus(d.log),
		Log:        d.log,
	})
	d.closers = append(d.closers, d.gate.Close)
	return d, nil
}

// openHistory opens just the history store, for read-only commands.
func openHistory() (*deps, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	log := newLogger()
	hist, err := history.Open(cfg.HistoryDB, log)
	if err != nil {
		return nil, err
	}
	return &deps{cfg: cfg, log: log, hist: hist, closers: []func() error{hist.Close}}, nil
}

// openRules opens the rule store with mutations recorded in the
// lifecycle log as rule-modified entries.
func openRules() (*deps, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	log := newLogger()
	auditLog, err := audit.Open(cfg.AuditLog)
	if err != nil {
		return nil, err
	}
	ruleDB, err := rules.OpenStore(cfg.RulesDB, log)
	if err != nil {
		auditLog.Close()
		return nil, err
	}
	ruleDB.OnChange = func(op string, r rules.Rule) {
		err := auditLog.Record(audit.Entry{
			Stage:  audit.StageRuleModified,
			Actor:  actingUser(),
			Reason: fmt.Sprintf("%s %s rule %s", op, r.Type, r.ID),
		})
		if err != nil {
			log.WithError(err).Error("audit append failed")
		}
	}
	return &deps{cfg: cfg, log: log, ruleDB: ruleDB, closers: []func() error{auditLog.Close, ruleDB.Close}}, nil
}

// loadIdentity reads the role registry, falling back to the built-in
// roles with no user grants when no file exists yet.
func loadIdentity(cfg *config.Config, log *logrus.Logger) (identity.Provider, error) {
	reg, err := identity.LoadRegistry(cfg.IdentityFile)
	if err == nil {
		return reg, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("load identity registry: %w", err)
	}
	log.WithField("path", cfg.IdentityFile).Warn("no identity registry; approvals disabled until one is configured")
	return identity.NewRegistry(defaultRoles(), nil), nil
}

func defaultRoles() []identity.Role {
	return []identity.Role{
		{Name: "operator", ApproveCategories: []risk.Category{
			risk.CategoryLow, risk.CategoryMedium, risk.CategoryHigh,
		}},
		{Name: "admin", ApproveCategories: []risk.Category{
			risk.CategoryLow, risk.CategoryMedium, risk.CategoryHigh, risk.CategoryCritical,
		}},
	}
}
