package probe

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const (
	templateBankSchemaVersion = "1.0"
	embeddedTemplateBankRef   = "embedded:internal/probe/template_bank.json"
)

//go:embed template_bank.json
var templateBankJSON []byte

var (
	embeddedBankOnce sync.Once
	embeddedBank     *TemplateBank
)

// TemplateBank holds the static probe-generation material: the per-protocol
// template sets, the control template, the named variable banks, and the
// hypothesis keywords used for context prefixing. Immutable after load.
type TemplateBank struct {
	Version         string
	Name            string
	Path            string
	ControlTemplate string
	Templates       map[Protocol][]string
	Variables       map[string][]string
	DomainKeywords  []string
}

type templateBankEnvelope struct {
	Version         string              `json:"version,omitempty"`
	Name            string              `json:"name,omitempty"`
	ControlTemplate string              `json:"control_template"`
	Templates       map[string][]string `json:"templates"`
	Variables       map[string][]string `json:"variables"`
	DomainKeywords  []string            `json:"domain_keywords"`
}

// DefaultTemplateBank parses the embedded bank once and reuses it. It panics
// on failure because the embedded payload ships with the binary and is
// validated in tests.
func DefaultTemplateBank() *TemplateBank {
	embeddedBankOnce.Do(func() {
		bank, err := parseTemplateBank(templateBankJSON, embeddedTemplateBankRef)
		if err != nil {
			panic(fmt.Sprintf("embedded template bank invalid: %v", err))
		}
		embeddedBank = bank
	})
	return embeddedBank
}

// LoadTemplateBank reads a bank from disk, or returns the embedded default
// when path is empty.
func LoadTemplateBank(path string) (*TemplateBank, error) {
	requested := strings.TrimSpace(path)
	if requested == "" {
		return DefaultTemplateBank(), nil
	}
	cleanPath := filepath.Clean(requested)
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("read template bank file %q: %w", cleanPath, err)
	}
	return parseTemplateBank(data, cleanPath)
}

func parseTemplateBank(data []byte, ref string) (*TemplateBank, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("template bank %q is empty", ref)
	}

	var envelope templateBankEnvelope
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		return nil, fmt.Errorf("parse template bank %q: %w", ref, err)
	}
	if strings.TrimSpace(envelope.ControlTemplate) == "" {
		return nil, fmt.Errorf("template bank %q has no control template", ref)
	}

	templates := make(map[Protocol][]string, len(envelope.Templates))
	for name, items := range envelope.Templates {
		protocol := Protocol(strings.TrimSpace(name))
		switch protocol {
		case ProtocolConflictStress, ProtocolUnderspecificationStress,
			ProtocolAmbiguityStress, ProtocolSafetyBoundary:
		default:
			return nil, fmt.Errorf("template bank %q names unknown protocol %q", ref, name)
		}
		if len(items) == 0 {
			return nil, fmt.Errorf("template bank %q has no templates for %s", ref, protocol)
		}
		templates[protocol] = items
	}
	for _, required := range []Protocol{
		ProtocolConflictStress, ProtocolUnderspecificationStress,
		ProtocolAmbiguityStress, ProtocolSafetyBoundary,
	} {
		if _, ok := templates[required]; !ok {
			return nil, fmt.Errorf("template bank %q is missing protocol %s", ref, required)
		}
	}
	for name, values := range envelope.Variables {
		if len(values) == 0 {
			return nil, fmt.Errorf("template bank %q has empty variable bank %q", ref, name)
		}
	}

	bank := &TemplateBank{
		Version:         firstNonEmpty(strings.TrimSpace(envelope.Version), templateBankSchemaVersion),
		Name:            firstNonEmpty(strings.TrimSpace(envelope.Name), defaultTemplateBankName(ref)),
		Path:            ref,
		ControlTemplate: envelope.ControlTemplate,
		Templates:       templates,
		Variables:       envelope.Variables,
		DomainKeywords:  envelope.DomainKeywords,
	}
	return bank, nil
}

func defaultTemplateBankName(path string) string {
	if strings.HasPrefix(path, "embedded:") {
		return "embedded-default"
	}
	base := filepath.Base(path)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	if strings.TrimSpace(name) == "" {
		return "template-bank"
	}
	return strings.ToLower(name)
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
