package containment

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/tripwire/lookout/internal/item"
	"github.com/tripwire/lookout/internal/sysexec"
)

// NetworkBlocker installs and removes per-item outbound firewall rules.
type NetworkBlocker interface {
	Block(ctx context.Context, it item.PersistenceItem) (NetworkRule, error)
	Unblock(ctx context.Context, r NetworkRule) error
}

// ErrRootOwned is returned when the binary is owned by root; a uid-scoped
// rule would cut off the whole system.
var ErrRootOwned = errors.New("containment: refusing to block traffic of a root-owned binary")

// OwnerFunc resolves the uid that owns a file.
type OwnerFunc func(path string) (int, error)

// PFBlocker blocks traffic with pf(4). Each rule lives in its own sub-anchor
// under Anchor, so removing it is a flush of that sub-anchor.
//
// pf cannot match on executables, so rules match the uid owning the binary.
// That is coarser than per-process blocking; the rule text is recorded so
// operators can see exactly what was applied.
type PFBlocker struct {
	runner sysexec.Runner
	anchor string
	owner  OwnerFunc
}

// NewPFBlocker returns a blocker using the given parent anchor, which must be
// referenced from pf.conf (anchor "lookout/*").
func NewPFBlocker(r sysexec.Runner, anchor string, owner OwnerFunc) *PFBlocker {
	if owner == nil {
		owner = FileOwner
	}
	return &PFBlocker{runner: r, anchor: anchor, owner: owner}
}

// Block implements NetworkBlocker.
func (b *PFBlocker) Block(ctx context.Context, it item.PersistenceItem) (NetworkRule, error) {
	rule, uid, err := newRule(it, b.owner, "pf")
	if err != nil {
		return rule, err
	}
	rule.Anchor = b.anchor + "/" + rule.ID
	rule.RuleText = fmt.Sprintf("block drop out quick proto { tcp udp } from any to any user %d\n", uid)

	if _, err := b.runner.Run(ctx, "pfctl", []string{"-a", rule.Anchor, "-f", "-"}, []byte(rule.RuleText)); err != nil {
		return rule, fmt.Errorf("containment: pfctl load %s: %w", rule.Anchor, err)
	}
	return rule, nil
}

// Unblock implements NetworkBlocker.
func (b *PFBlocker) Unblock(ctx context.Context, r NetworkRule) error {
	if r.Anchor == "" {
		return errors.New("containment: network rule has no anchor")
	}
	if _, err := b.runner.Run(ctx, "pfctl", []string{"-a", r.Anchor, "-F", "rules"}, nil); err != nil {
		return fmt.Errorf("containment: pfctl flush %s: %w", r.Anchor, err)
	}
	return nil
}

// IptablesBlocker blocks traffic with an iptables owner match. The rule is
// tagged with a comment carrying its ID so deletion removes exactly it.
type IptablesBlocker struct {
	runner sysexec.Runner
	chain  string
	owner  OwnerFunc
}

// NewIptablesBlocker returns a blocker appending to chain (usually OUTPUT).
func NewIptablesBlocker(r sysexec.Runner, chain string, owner OwnerFunc) *IptablesBlocker {
	if chain == "" {
		chain = "OUTPUT"
	}
	if owner == nil {
		owner = FileOwner
	}
	return &IptablesBlocker{runner: r, chain: chain, owner: owner}
}

func (b *IptablesBlocker) spec(uid int, id string) []string {
	return []string{b.chain, "-m", "owner", "--uid-owner", strconv.Itoa(uid),
		"-m", "comment", "--comment", "lookout:" + id, "-j", "REJECT"}
}

// Block implements NetworkBlocker.
func (b *IptablesBlocker) Block(ctx context.Context, it item.PersistenceItem) (NetworkRule, error) {
	rule, uid, err := newRule(it, b.owner, "iptables")
	if err != nil {
		return rule, err
	}
	rule.Anchor = b.chain
	spec := b.spec(uid, rule.ID)
	rule.RuleText = strings.Join(spec, " ")
	if _, err := b.runner.Run(ctx, "iptables", append([]string{"-A"}, spec...), nil); err != nil {
		return rule, fmt.Errorf("containment: iptables append: %w", err)
	}
	return rule, nil
}

// Unblock implements NetworkBlocker.
func (b *IptablesBlocker) Unblock(ctx context.Context, r NetworkRule) error {
	spec := strings.Fields(r.RuleText)
	if len(spec) == 0 {
		return errors.New("containment: network rule has no rule text")
	}
	if _, err := b.runner.Run(ctx, "iptables", append([]string{"-D"}, spec...), nil); err != nil {
		return fmt.Errorf("containment: iptables delete: %w", err)
	}
	return nil
}

func newRule(it item.PersistenceItem, owner OwnerFunc, method string) (NetworkRule, int, error) {
	rule := NetworkRule{
		ID:         uuid.NewString(),
		Identifier: it.Identifier,
		Category:   it.Category,
		BinaryPath: it.ExecutablePath,
		Method:     method,
	}
	if it.ExecutablePath == "" {
		return rule, 0, errors.New("containment: item has no executable to block")
	}
	uid, err := owner(it.ExecutablePath)
	if err != nil {
		return rule, 0, fmt.Errorf("containment: owner of %s: %w", it.ExecutablePath, err)
	}
	if uid == 0 {
		return rule, 0, ErrRootOwned
	}
	return rule, uid, nil
}

func ruleFromAction(a *Action) NetworkRule {
	return NetworkRule{
		ID:         a.NetworkRuleID,
		Identifier: a.Identifier,
		Category:   a.Category,
		Anchor:     a.FirewallAnchor,
		BinaryPath: a.BinaryPath,
		Method:     a.Method,
		RuleText:   a.Details["rule"],
		CreatedAt:  a.CreatedAt,
		ExpiresAt:  a.ExpiresAt,
	}
}
