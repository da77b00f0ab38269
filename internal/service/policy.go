package service

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/unionpay/riskgate/internal/models"
)

// Policy is a lookup from risk tier to the verification it demands.
type Policy struct {
	requirements map[models.RiskTier]models.VerificationRequirement
}

func DefaultPolicy() *Policy {
	return &Policy{requirements: map[models.RiskTier]models.VerificationRequirement{
		models.TierNone: {Methods: []models.VerificationMethod{}, MinMethodsRequired: 0},
		models.TierLow: {
			Methods:            []models.VerificationMethod{models.MethodSMSCode},
			MinMethodsRequired: 1,
		},
		models.TierMedium: {
			Methods:            []models.VerificationMethod{models.MethodEmailCode, models.MethodSMSCode},
			MinMethodsRequired: 1,
		},
		models.TierHigh: {
			Methods:            []models.VerificationMethod{models.MethodAlternatePhone, models.MethodIDDocument},
			MinMethodsRequired: 2,
		},
	}}
}

// RequirementFor returns a copy of the requirement for tier. Unknown tiers
// get the high-tier requirement.
func (p *Policy) RequirementFor(tier models.RiskTier) models.VerificationRequirement {
	req, ok := p.requirements[tier]
	if !ok {
		req = p.requirements[models.TierHigh]
	}
	return req.Clone()
}

// WithOverrides returns a new policy with the given tiers replaced.
func (p *Policy) WithOverrides(overrides map[models.RiskTier]models.VerificationRequirement) (*Policy, error) {
	next := &Policy{requirements: make(map[models.RiskTier]models.VerificationRequirement, len(p.requirements))}
	for tier, req := range p.requirements {
		next.requirements[tier] = req.Clone()
	}
	for tier, req := range overrides {
		if err := validateRequirement(req); err != nil {
			return nil, fmt.Errorf("tier %s: %w", tier, err)
		}
		next.requirements[tier] = req.Clone()
	}
	return next, nil
}

func validateRequirement(req models.VerificationRequirement) error {
	seen := make(map[models.VerificationMethod]bool, len(req.Methods))
	for _, m := range req.Methods {
		if _, err := models.ParseVerificationMethod(string(m)); err != nil {
			return err
		}
		if m == models.MethodNone {
			return fmt.Errorf("method %q cannot be offered", m)
		}
		if seen[m] {
			return fmt.Errorf("duplicate method %q", m)
		}
		seen[m] = true
	}
	if req.MinMethodsRequired < 0 || req.MinMethodsRequired > len(req.Methods) {
		return fmt.Errorf("min_methods_required %d out of range for %d methods", req.MinMethodsRequired, len(req.Methods))
	}
	if len(req.Methods) > 0 && req.MinMethodsRequired == 0 {
		return fmt.Errorf("min_methods_required must be at least 1 when methods are listed")
	}
	return nil
}

// policyFile is the YAML shape of a deployment override:
//
//	tiers:
//	  medium:
//	    methods: [sms_code]
//	    min_methods_required: 1
type policyFile struct {
	Tiers map[string]models.VerificationRequirement `yaml:"tiers"`
}

// LoadPolicyFile applies the overrides in path on top of the default policy.
func LoadPolicyFile(path string) (*Policy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	return ParsePolicy(raw)
}

func ParsePolicy(raw []byte) (*Policy, error) {
	var pf policyFile
	if err := yaml.Unmarshal(raw, &pf); err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}
	overrides := make(map[models.RiskTier]models.VerificationRequirement, len(pf.Tiers))
	for name, req := range pf.Tiers {
		tier, err := models.ParseRiskTier(name)
		if err != nil {
			return nil, err
		}
		if req.Methods == nil {
			req.Methods = []models.VerificationMethod{}
		}
		overrides[tier] = req
	}
	return DefaultPolicy().WithOverrides(overrides)
}
