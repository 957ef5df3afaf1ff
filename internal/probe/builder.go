package probe

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

// controlSlotIndex is the fixed selection index used to fill the control
// template so the control probe never collides with experimental slots.
const controlSlotIndex = 999

// maxContextKeywords caps the hypothesis keywords carried into the probe
// context prefix.
const maxContextKeywords = 3

var placeholderPattern = regexp.MustCompile(`\{(\w+)\}`)

// SuiteBuilder deterministically generates probe suites from a hypothesis.
// The same (hypothesis, protocol, n, includeControl) quadruple always yields
// byte-identical probes.
type SuiteBuilder struct {
	bank *TemplateBank
}

// NewSuiteBuilder wires a builder to a template bank. A nil bank falls back
// to the embedded default.
func NewSuiteBuilder(bank *TemplateBank) *SuiteBuilder {
	if bank == nil {
		bank = DefaultTemplateBank()
	}
	return &SuiteBuilder{bank: bank}
}

// Build generates n experimental probes for the protocol, plus one trailing
// control probe when includeControl is set. Unrecognized protocol names
// degrade to underspecification_stress. Negative n is rejected before any
// generation work.
func (b *SuiteBuilder) Build(hypothesis, protocol string, n int, includeControl bool) ([]ProbeSpec, error) {
	if n < 0 {
		return nil, fmt.Errorf("probe count must be non-negative, got %d", n)
	}

	normalized := NormalizeProtocol(protocol)
	templates := b.bank.Templates[normalized]

	seed := hypothesisSeed(hypothesis)
	prefix := b.contextPrefix(hypothesis)

	probes := make([]ProbeSpec, 0, n+1)
	for i := 0; i < n; i++ {
		template := templates[int(selectionHash(seed, i)%uint32(len(templates)))]
		probes = append(probes, ProbeSpec{
			ProbeID:   fmt.Sprintf("probe_%s_%d_%s", normalized, i, seed[:8]),
			ProbeText: prefix + b.fillTemplate(template, seed, i),
			Protocol:  normalized,
			IsControl: false,
		})
	}

	// The control fills its template bare: the context prefix would leak
	// hypothesis keywords into the low-ambiguity baseline.
	if includeControl {
		probes = append(probes, ProbeSpec{
			ProbeID:   fmt.Sprintf("control_%s", seed[:8]),
			ProbeText: b.fillTemplate(b.bank.ControlTemplate, seed, controlSlotIndex),
			Protocol:  ProtocolControl,
			IsControl: true,
		})
	}
	return probes, nil
}

// fillTemplate resolves {name} placeholders left to right. Each slot draws
// from its named variable bank using a hash of the seed, the name, and the
// combined probe/slot index, so two slots of the same name in one template
// can resolve differently.
func (b *SuiteBuilder) fillTemplate(template, seed string, index int) string {
	filled := template
	matches := placeholderPattern.FindAllStringSubmatch(template, -1)
	for pos, match := range matches {
		name := match[1]
		values, ok := b.bank.Variables[name]
		replacement := "[" + name + "]"
		if ok {
			pick := selectionHash(seed+":"+name, index+pos) % uint32(len(values))
			replacement = values[pick]
		}
		filled = strings.Replace(filled, match[0], replacement, 1)
	}
	return filled
}

// contextPrefix extracts up to three bank keywords found verbatim in the
// lowercased hypothesis and folds them into a bracketed context header.
func (b *SuiteBuilder) contextPrefix(hypothesis string) string {
	lower := strings.ToLower(hypothesis)
	matched := make([]string, 0, maxContextKeywords)
	for _, keyword := range b.bank.DomainKeywords {
		if strings.Contains(lower, keyword) {
			matched = append(matched, keyword)
			if len(matched) == maxContextKeywords {
				break
			}
		}
	}
	if len(matched) == 0 {
		return ""
	}
	return fmt.Sprintf("[Context: testing %s] ", strings.Join(matched, ", "))
}

// hypothesisSeed derives the 16-hex-char suite seed from the hypothesis.
func hypothesisSeed(hypothesis string) string {
	sum := sha256.Sum256([]byte(hypothesis))
	return hex.EncodeToString(sum[:])[:16]
}

// selectionHash folds "<key>:<index>" through SHA-256 and returns the first
// four digest bytes as a big-endian uint32.
func selectionHash(key string, index int) uint32 {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", key, index)))
	return binary.BigEndian.Uint32(sum[:4])
}
