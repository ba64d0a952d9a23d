package trust

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/tripwire/lookout/internal/item"
	"github.com/tripwire/lookout/internal/sysexec"
)

// Verifier performs full signature verification of an item's executable.
// Implementations return an enriched copy; callers treat an error as
// "trust unknown" for that item.
type Verifier interface {
	Verify(ctx context.Context, it item.PersistenceItem) (item.PersistenceItem, error)
}

// NoSigningVerifier is used on hosts without a code-signing facility. Every
// item comes back as TrustUnknown with no signature and no error.
type NoSigningVerifier struct{}

// Verify implements Verifier.
func (NoSigningVerifier) Verify(_ context.Context, it item.PersistenceItem) (item.PersistenceItem, error) {
	out := it.Clone()
	out.Signature = nil
	out.TrustLevel = item.TrustUnknown
	return out, nil
}

// VerifierFor returns the verifier for goos: codesign on darwin,
// NoSigningVerifier elsewhere.
func VerifierFor(goos string, r sysexec.Runner, knownVendorTeams []string) Verifier {
	if goos == "darwin" {
		return NewCodesignVerifier(r, knownVendorTeams)
	}
	return NoSigningVerifier{}
}

// ErrNoExecutable is returned when an item has nothing to verify.
var ErrNoExecutable = errors.New("trust: item has no executable path")

// CodesignVerifier verifies executables with codesign(1) and spctl(8).
type CodesignVerifier struct {
	runner      sysexec.Runner
	knownTeams  map[string]struct{}
	codesignBin string
	spctlBin    string
}

// NewCodesignVerifier returns a verifier that shells out through r. Team IDs
// in knownVendorTeams are rated TrustKnownVendor when their signature is
// valid.
func NewCodesignVerifier(r sysexec.Runner, knownVendorTeams []string) *CodesignVerifier {
	v := &CodesignVerifier{
		runner:      r,
		knownTeams:  make(map[string]struct{}, len(knownVendorTeams)),
		codesignBin: "/usr/bin/codesign",
		spctlBin:    "/usr/sbin/spctl",
	}
	for _, t := range knownVendorTeams {
		v.knownTeams[t] = struct{}{}
	}
	return v
}

// Verify implements Verifier.
func (v *CodesignVerifier) Verify(ctx context.Context, it item.PersistenceItem) (item.PersistenceItem, error) {
	out := it.Clone()
	if it.ExecutablePath == "" {
		return out, ErrNoExecutable
	}
	if _, err := os.Stat(it.ExecutablePath); err != nil {
		return out, fmt.Errorf("trust: stat %q: %w", it.ExecutablePath, err)
	}

	sig := &item.SignatureInfo{}

	details, err := v.runner.Run(ctx, v.codesignBin, []string{"-dvv", it.ExecutablePath}, nil)
	text := sysexec.Output(details, err)
	if ctx.Err() != nil {
		return out, fmt.Errorf("trust: codesign -dvv: %w", ctx.Err())
	}
	if strings.Contains(text, "not signed at all") {
		out.Signature = sig
		out.TrustLevel = item.TrustUnsigned
		return out, nil
	}
	var ee *sysexec.ExitError
	if err != nil && !errors.As(err, &ee) {
		return out, fmt.Errorf("trust: codesign -dvv: %w", err)
	}
	parseCodesignDetails(text, sig)

	_, verr := v.runner.Run(ctx, v.codesignBin, []string{"--verify", "--strict", it.ExecutablePath}, nil)
	if ctx.Err() != nil {
		return out, fmt.Errorf("trust: codesign --verify: %w", ctx.Err())
	}
	if verr != nil && !errors.As(verr, &ee) {
		return out, fmt.Errorf("trust: codesign --verify: %w", verr)
	}
	sig.IsValid = verr == nil

	if sig.IsValid {
		assess, aerr := v.runner.Run(ctx, v.spctlBin, []string{"--assess", "--type", "execute", "-vv", it.ExecutablePath}, nil)
		atext := sysexec.Output(assess, aerr)
		sig.IsNotarized = aerr == nil && strings.Contains(atext, "Notarized")
	}

	out.Signature = sig
	out.TrustLevel = v.levelFor(sig)
	return out, nil
}

func (v *CodesignVerifier) levelFor(sig *item.SignatureInfo) item.TrustLevel {
	switch {
	case !sig.IsSigned:
		return item.TrustUnsigned
	case !sig.IsValid:
		return item.TrustSuspicious
	case len(sig.Authorities) == 0:
		// ad-hoc signature: valid but anchored to nobody
		return item.TrustUnknown
	case sig.IsFirstParty:
		return item.TrustApple
	}
	if _, ok := v.knownTeams[sig.TeamID]; ok && sig.TeamID != "" {
		return item.TrustKnownVendor
	}
	return item.TrustSigned
}

// parseCodesignDetails fills sig from `codesign -dvv` output, which is
// key=value lines on stderr.
func parseCodesignDetails(text string, sig *item.SignatureInfo) {
	sc := bufio.NewScanner(bytes.NewBufferString(text))
	for sc.Scan() {
		key, val, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !ok {
			continue
		}
		switch key {
		case "Authority":
			sig.Authorities = append(sig.Authorities, val)
		case "TeamIdentifier":
			if val != "not set" {
				sig.TeamID = val
			}
		case "CodeDirectory v":
			if strings.Contains(val, "(runtime)") {
				sig.HasHardenedRuntime = true
			}
		case "Identifier", "Signature":
			sig.IsSigned = true
		}
	}
	if len(sig.Authorities) > 0 {
		sig.IsSigned = true
		sig.Organization = organization(sig.Authorities[0])
		sig.IsFirstParty = sig.Authorities[0] == "Software Signing" &&
			sig.Authorities[len(sig.Authorities)-1] == "Apple Root CA"
		if sig.IsFirstParty {
			sig.Organization = "Apple Inc."
		}
	}
}

// organization extracts "Foo Inc" from "Developer ID Application: Foo Inc (TEAMID)".
func organization(authority string) string {
	_, rest, ok := strings.Cut(authority, ": ")
	if !ok {
		return authority
	}
	if i := strings.LastIndex(rest, " ("); i > 0 {
		rest = rest[:i]
	}
	return rest
}
