package containment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tripwire/lookout/internal/item"
)

const (
	// DefaultTTL bounds a containment that nobody extends or releases.
	DefaultTTL = 24 * time.Hour
	// DefaultSweepInterval is how often Run looks for expired containments.
	DefaultSweepInterval = time.Minute
)

var (
	errNoDisabler = errors.New("containment: no persistence disabler configured")
	errNoBlocker  = errors.New("containment: no network blocker configured")
)

// Controller applies and reverses containment per item. Operations on the
// same item are serialised; different items proceed in parallel.
type Controller struct {
	store    Store
	logger   *slog.Logger
	disabler PersistenceDisabler
	blocker  NetworkBlocker
	auditor  Auditor
	observer func(Action)

	now           func() time.Time
	newID         func() string
	ttl           time.Duration
	sweepInterval time.Duration

	locks *keyLock
}

// Option configures a Controller.
type Option func(*Controller)

// WithDisabler sets the persistence disabler.
func WithDisabler(d PersistenceDisabler) Option {
	return func(c *Controller) { c.disabler = d }
}

// WithBlocker sets the network blocker.
func WithBlocker(b NetworkBlocker) Option {
	return func(c *Controller) { c.blocker = b }
}

// WithAuditor mirrors every appended action to a.
func WithAuditor(a Auditor) Option {
	return func(c *Controller) { c.auditor = a }
}

// WithObserver registers a callback run after each appended action.
func WithObserver(fn func(Action)) Option {
	return func(c *Controller) { c.observer = fn }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithIDGenerator overrides the action ID source.
func WithIDGenerator(fn func() string) Option {
	return func(c *Controller) { c.newID = fn }
}

// WithTTL sets the containment lifetime. Non-positive values are ignored.
func WithTTL(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.ttl = d
		}
	}
}

// WithSweepInterval sets the Run tick. Non-positive values are ignored.
func WithSweepInterval(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.sweepInterval = d
		}
	}
}

// NewController returns a Controller persisting to store.
func NewController(store Store, logger *slog.Logger, opts ...Option) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{
		store:         store,
		logger:        logger,
		now:           time.Now,
		newID:         uuid.NewString,
		ttl:           DefaultTTL,
		sweepInterval: DefaultSweepInterval,
		locks:         newKeyLock(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// TTL returns the configured containment lifetime.
func (c *Controller) TTL() time.Duration { return c.ttl }

// DisablePersistence removes the item's autostart definition.
func (c *Controller) DisablePersistence(ctx context.Context, it item.PersistenceItem) (Result, error) {
	return c.apply(ctx, it, ActionDisablePersistence)
}

// BlockNetwork installs a firewall rule for the item's binary.
func (c *Controller) BlockNetwork(ctx context.Context, it item.PersistenceItem) (Result, error) {
	return c.apply(ctx, it, ActionBlockNetwork)
}

// Contain applies both sub-actions in one step.
func (c *Controller) Contain(ctx context.Context, it item.PersistenceItem) (Result, error) {
	return c.apply(ctx, it, ActionFull)
}

func (c *Controller) apply(ctx context.Context, it item.PersistenceItem, typ ActionType) (Result, error) {
	key := it.Key()
	unlock := c.locks.Lock(key)
	defer unlock()

	acts, err := c.store.ListActions(ctx, key)
	if err != nil {
		return Result{Key: key}, fmt.Errorf("containment: list actions: %w", err)
	}
	now := c.now().UTC()
	e := deriveEpisode(acts, now)

	var appended []Action
	if e.state == StateExpired {
		row, err := c.revert(ctx, key, e, ActionExpire, StatusExpired)
		if err != nil {
			return Result{Key: key}, err
		}
		appended = append(appended, row)
		acts = append(acts, row)
		e = deriveEpisode(acts, now)
		if e.state == StateExpired {
			// could not clear the stale containment; leave it for release
			return c.result(key, e, appended), nil
		}
	}

	wantPersistence := typ != ActionBlockNetwork && !e.persistenceInEffect()
	wantNetwork := typ != ActionDisablePersistence && !e.networkInEffect()
	if !wantPersistence && !wantNetwork {
		return c.result(key, e, appended), nil
	}

	expiresAt := now.Add(c.ttl)
	if e.anyInEffect() {
		expiresAt = e.expiresAt
	}

	row := Action{
		Type:       typ,
		Identifier: it.Identifier,
		Category:   it.Category,
		BinaryPath: it.ExecutablePath,
		PlistPath:  it.PlistPath,
		Details:    map[string]string{},
	}

	var rule *NetworkRule
	if wantPersistence {
		if err := c.disable(ctx, it, &row); err != nil {
			row.Details["persistence_error"] = err.Error()
		}
	}
	if wantNetwork {
		r, err := c.block(ctx, it, &row)
		if err != nil {
			row.Details["network_error"] = err.Error()
		} else {
			rule = &r
		}
	}

	persistence := e.persistenceInEffect() || row.PersistenceApplied
	network := e.networkInEffect() || row.NetworkApplied
	switch {
	case !row.PersistenceApplied && !row.NetworkApplied:
		row.Status = StatusFailed
	case typ == ActionFull && !(persistence && network):
		row.Status = StatusPartial
	default:
		row.Status = StatusActive
	}
	if row.PersistenceApplied || row.NetworkApplied {
		row.ExpiresAt = expiresAt
	}

	saved, err := c.append(ctx, row)
	if err != nil {
		return Result{Key: key}, err
	}
	appended = append(appended, saved)
	acts = append(acts, saved)

	if rule != nil {
		rule.CreatedAt = saved.CreatedAt
		rule.ExpiresAt = expiresAt
		if err := c.store.UpsertNetworkRule(ctx, *rule); err != nil {
			return Result{Key: key}, fmt.Errorf("containment: save network rule: %w", err)
		}
	}

	e = deriveEpisode(acts, now)
	c.logger.Info("containment: applied",
		"item", key.String(),
		"type", string(typ),
		"status", string(saved.Status),
		"state", string(e.state),
	)
	return c.result(key, e, appended), nil
}

func (c *Controller) disable(ctx context.Context, it item.PersistenceItem, row *Action) error {
	if c.disabler == nil {
		return errNoDisabler
	}
	rec, err := c.disabler.Disable(ctx, it)
	if err != nil {
		return err
	}
	row.PersistenceApplied = true
	row.PlistPath = rec.PlistPath
	row.PlistBackupPath = rec.BackupPath
	row.PlistHash = rec.PlistHash
	row.BinaryPath = rec.BinaryPath
	row.BinaryHash = rec.BinaryHash
	for k, v := range rec.details() {
		row.Details[k] = v
	}
	return nil
}

func (c *Controller) block(ctx context.Context, it item.PersistenceItem, row *Action) (NetworkRule, error) {
	if c.blocker == nil {
		return NetworkRule{}, errNoBlocker
	}
	r, err := c.blocker.Block(ctx, it)
	if err != nil {
		return r, err
	}
	row.NetworkApplied = true
	row.NetworkRuleID = r.ID
	row.FirewallAnchor = r.Anchor
	row.Method = r.Method
	row.Details["rule"] = r.RuleText
	return r, nil
}

// ExtendTimeout pushes the expiry of an Active or Partial containment out by
// by, or by the TTL when by is not positive. It fails with ErrExpired once
// the containment has lapsed and with ErrNotContained when nothing is in
// effect.
func (c *Controller) ExtendTimeout(ctx context.Context, it item.PersistenceItem, by time.Duration) (Result, error) {
	key := it.Key()
	unlock := c.locks.Lock(key)
	defer unlock()

	acts, err := c.store.ListActions(ctx, key)
	if err != nil {
		return Result{Key: key}, fmt.Errorf("containment: list actions: %w", err)
	}
	now := c.now().UTC()
	e := deriveEpisode(acts, now)
	switch e.state {
	case StateExpired:
		return c.result(key, e, nil), ErrExpired
	case StateUncontained, StateFailed:
		return c.result(key, e, nil), ErrNotContained
	}
	if by <= 0 {
		by = c.ttl
	}

	status := StatusActive
	if e.state == StatePartial {
		status = StatusPartial
	}
	saved, err := c.append(ctx, Action{
		Type:       ActionExtend,
		Status:     status,
		Identifier: it.Identifier,
		Category:   it.Category,
		ExpiresAt:  e.expiresAt.Add(by),
	})
	if err != nil {
		return Result{Key: key}, err
	}
	if e.network != nil {
		r := ruleFromAction(e.network)
		r.ExpiresAt = saved.ExpiresAt
		if err := c.store.UpsertNetworkRule(ctx, r); err != nil {
			return Result{Key: key}, fmt.Errorf("containment: save network rule: %w", err)
		}
	}

	e = deriveEpisode(append(acts, saved), now)
	c.logger.Info("containment: extended", "item", key.String(), "expires_at", saved.ExpiresAt)
	return c.result(key, e, []Action{saved}), nil
}

// Release reverses whatever is in effect for the item. Releasing an
// uncontained item is a no-op; releasing a failed one just closes the
// episode. A reversal that fails is recorded and may be retried.
func (c *Controller) Release(ctx context.Context, it item.PersistenceItem) (Result, error) {
	key := it.Key()
	unlock := c.locks.Lock(key)
	defer unlock()

	acts, err := c.store.ListActions(ctx, key)
	if err != nil {
		return Result{Key: key}, fmt.Errorf("containment: list actions: %w", err)
	}
	now := c.now().UTC()
	e := deriveEpisode(acts, now)
	if e.state == StateUncontained {
		return c.result(key, e, nil), nil
	}

	row, err := c.revert(ctx, key, e, ActionRelease, StatusReleased)
	if err != nil {
		return Result{Key: key}, err
	}
	e = deriveEpisode(append(acts, row), now)
	c.logger.Info("containment: released", "item", key.String(), "status", string(row.Status), "state", string(e.state))
	return c.result(key, e, []Action{row}), nil
}

// revert undoes the sub-actions in effect for e and appends one row. The row
// carries closing when everything was reverted and StatusFailed otherwise.
func (c *Controller) revert(ctx context.Context, key item.Key, e *episode, typ ActionType, closing Status) (Action, error) {
	row := Action{
		Type:       typ,
		Status:     closing,
		Identifier: key.Identifier,
		Category:   key.Category,
		Details:    map[string]string{},
	}

	var ruleID string
	if p := e.persistence; p != nil {
		row.PlistPath = p.PlistPath
		row.PlistBackupPath = p.PlistBackupPath
		row.PlistHash = p.PlistHash
		row.BinaryPath = p.BinaryPath
		row.BinaryHash = p.BinaryHash
		err := errNoDisabler
		if c.disabler != nil {
			err = c.disabler.Restore(ctx, itemFromAction(p), recordFromAction(p))
		}
		if err != nil {
			row.Status = StatusFailed
			row.Details["persistence_error"] = err.Error()
		} else {
			row.PersistenceReverted = true
		}
	}
	if n := e.network; n != nil {
		row.NetworkRuleID = n.NetworkRuleID
		row.FirewallAnchor = n.FirewallAnchor
		row.Method = n.Method
		err := errNoBlocker
		if c.blocker != nil {
			err = c.blocker.Unblock(ctx, ruleFromAction(n))
		}
		if err != nil {
			row.Status = StatusFailed
			row.Details["network_error"] = err.Error()
		} else {
			row.NetworkReverted = true
			ruleID = n.NetworkRuleID
		}
	}

	saved, err := c.append(ctx, row)
	if err != nil {
		return saved, err
	}
	if ruleID != "" {
		if err := c.store.DeleteNetworkRule(ctx, ruleID); err != nil {
			return saved, fmt.Errorf("containment: delete network rule: %w", err)
		}
	}
	if saved.Status == StatusFailed {
		c.logger.Warn("containment: reversal incomplete", "item", key.String(), "type", string(typ), "details", saved.Details)
	}
	return saved, nil
}

// State returns the item's current state, applying expiry lazily.
func (c *Controller) State(ctx context.Context, key item.Key) (Result, error) {
	acts, err := c.store.ListActions(ctx, key)
	if err != nil {
		return Result{Key: key}, fmt.Errorf("containment: list actions: %w", err)
	}
	return c.result(key, deriveEpisode(acts, c.now().UTC()), nil), nil
}

// History returns every action recorded for key, oldest first.
func (c *Controller) History(ctx context.Context, key item.Key) ([]Action, error) {
	acts, err := c.store.ListActions(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("containment: list actions: %w", err)
	}
	return acts, nil
}

// Recent returns the newest actions across all items.
func (c *Controller) Recent(ctx context.Context, limit int) ([]Action, error) {
	acts, err := c.store.ListRecentActions(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("containment: list recent actions: %w", err)
	}
	return acts, nil
}

// NetworkRules returns the firewall rules currently installed.
func (c *Controller) NetworkRules(ctx context.Context) ([]NetworkRule, error) {
	rules, err := c.store.ListNetworkRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("containment: list network rules: %w", err)
	}
	return rules, nil
}

// SweepExpired reverses every containment whose TTL has elapsed and returns
// how many were fully reversed.
func (c *Controller) SweepExpired(ctx context.Context) (int, error) {
	keys, err := c.store.ListOpenKeys(ctx)
	if err != nil {
		return 0, fmt.Errorf("containment: list open keys: %w", err)
	}
	swept := 0
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return swept, err
		}
		ok, err := c.sweepOne(ctx, key)
		if err != nil {
			return swept, err
		}
		if ok {
			swept++
		}
	}
	if swept > 0 {
		c.logger.Info("containment: expired containments reversed", "count", swept)
	}
	return swept, nil
}

func (c *Controller) sweepOne(ctx context.Context, key item.Key) (bool, error) {
	unlock := c.locks.Lock(key)
	defer unlock()

	acts, err := c.store.ListActions(ctx, key)
	if err != nil {
		return false, fmt.Errorf("containment: list actions: %w", err)
	}
	e := deriveEpisode(acts, c.now().UTC())
	if e.state != StateExpired {
		return false, nil
	}
	row, err := c.revert(ctx, key, e, ActionExpire, StatusExpired)
	if err != nil {
		return false, err
	}
	return row.Status == StatusExpired, nil
}

// Run sweeps expired containments until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.SweepExpired(ctx); err != nil && ctx.Err() == nil {
				c.logger.Error("containment: sweep failed", slog.Any("error", err))
			}
		}
	}
}

func (c *Controller) append(ctx context.Context, a Action) (Action, error) {
	a.ID = c.newID()
	a.CreatedAt = c.now().UTC()
	if len(a.Details) == 0 {
		a.Details = nil
	}
	saved, err := c.store.AppendAction(ctx, a)
	if err != nil {
		return a, fmt.Errorf("containment: append action: %w", err)
	}
	if c.auditor != nil {
		if err := c.auditor.Append("containment."+string(saved.Type), saved); err != nil {
			c.logger.Warn("containment: audit append failed", slog.Any("error", err))
		}
	}
	if c.observer != nil {
		c.observer(saved)
	}
	return saved, nil
}

func (c *Controller) result(key item.Key, e *episode, appended []Action) Result {
	if appended == nil {
		appended = []Action{}
	}
	return Result{Key: key, State: e.state, ExpiresAt: e.expiresAt, Actions: appended}
}

func itemFromAction(a *Action) item.PersistenceItem {
	return item.PersistenceItem{
		Identifier:     a.Identifier,
		Category:       a.Category,
		PlistPath:      a.PlistPath,
		ExecutablePath: a.BinaryPath,
	}
}
