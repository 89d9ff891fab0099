package policy

import (
	"encoding/json"
	"fmt"

	"github.com/agentoauth/go-core/internal/errcode"
	"github.com/agentoauth/go-core/pkg/types"
)

// Known field sets for strict-mode linting, by object path.
var (
	policyFields      = fieldSet("version", "id", "actions", "resources", "limits", "constraints", "strict")
	resourceFields    = fieldSet("type", "match")
	matchFields       = fieldSet("ids", "prefixes")
	limitsFields      = fieldSet("per_txn", "per_period")
	perTxnFields      = fieldSet("amount", "currency")
	perPeriodFields   = fieldSet("amount", "currency", "period")
	constraintsFields = fieldSet("time")
	timeFields        = fieldSet("dow", "start", "end", "tz")
)

func fieldSet(names ...string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}

// Lint validates a raw policy document structurally. When the policy sets
// strict, unknown fields anywhere in the document fail the lint.
func Lint(raw []byte) (*types.Policy, error) {
	p := &types.Policy{}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, errcode.Wrap(errcode.InvalidPayload, "policy is not valid JSON", err)
	}
	if err := Validate(p); err != nil {
		return nil, err
	}
	if p.Strict {
		if err := checkUnknownFields(raw); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Validate checks the semantic requirements of a parsed policy.
func Validate(p *types.Policy) error {
	if p.Version != types.PolicyVersion {
		return errcode.Newf(errcode.InvalidPayload, "unsupported policy version %q (expected %s)", p.Version, types.PolicyVersion)
	}
	if p.ID == "" {
		return errcode.New(errcode.InvalidPayload, "policy id is required")
	}
	if len(p.Actions) == 0 {
		return errcode.New(errcode.InvalidPayload, "policy must permit at least one action")
	}
	for i, r := range p.Resources {
		if r.Type == "" {
			return errcode.Newf(errcode.InvalidPayload, "resources[%d] has no type", i)
		}
		if len(r.Match.IDs) == 0 && len(r.Match.Prefixes) == 0 {
			return errcode.Newf(errcode.InvalidPayload, "resources[%d] match has neither ids nor prefixes", i)
		}
	}
	if p.Limits != nil {
		if l := p.Limits.PerTxn; l != nil {
			if l.Currency == "" {
				return errcode.New(errcode.InvalidPayload, "per_txn limit has no currency")
			}
			if l.Amount.IsNegative() {
				return errcode.New(errcode.InvalidPayload, "per_txn amount must not be negative")
			}
		}
		if l := p.Limits.PerPeriod; l != nil {
			if l.Currency == "" {
				return errcode.New(errcode.InvalidPayload, "per_period limit has no currency")
			}
			if l.Amount.IsNegative() {
				return errcode.New(errcode.InvalidPayload, "per_period amount must not be negative")
			}
			if !l.Period.Valid() {
				return errcode.Newf(errcode.InvalidPayload, "unsupported period %q (hour, day, week, month)", l.Period)
			}
		}
	}
	if p.Constraints != nil && p.Constraints.Time != nil {
		tc := p.Constraints.Time
		if (tc.Start == "") != (tc.End == "") {
			return errcode.New(errcode.InvalidPayload, "time constraint must set both start and end or neither")
		}
		for _, d := range tc.DOW {
			switch d {
			case "Mon", "Tue", "Wed", "Thu", "Fri", "Sat", "Sun":
			default:
				return errcode.Newf(errcode.InvalidPayload, "unknown day-of-week %q", d)
			}
		}
	}
	return nil
}

// checkUnknownFields walks the raw document against the known schema.
func checkUnknownFields(raw []byte) error {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return errcode.Wrap(errcode.InvalidPayload, "policy is not a JSON object", err)
	}
	if err := unknownIn(doc, policyFields, ""); err != nil {
		return err
	}

	if rawResources, ok := doc["resources"]; ok {
		var entries []map[string]json.RawMessage
		if err := json.Unmarshal(rawResources, &entries); err == nil {
			for i, entry := range entries {
				path := fmt.Sprintf("resources[%d]", i)
				if err := unknownIn(entry, resourceFields, path); err != nil {
					return err
				}
				if rawMatch, ok := entry["match"]; ok {
					if err := unknownInRaw(rawMatch, matchFields, path+".match"); err != nil {
						return err
					}
				}
			}
		}
	}

	if rawLimits, ok := doc["limits"]; ok {
		if err := unknownInRaw(rawLimits, limitsFields, "limits"); err != nil {
			return err
		}
		var limits map[string]json.RawMessage
		if err := json.Unmarshal(rawLimits, &limits); err == nil {
			if rawTxn, ok := limits["per_txn"]; ok {
				if err := unknownInRaw(rawTxn, perTxnFields, "limits.per_txn"); err != nil {
					return err
				}
			}
			if rawPeriod, ok := limits["per_period"]; ok {
				if err := unknownInRaw(rawPeriod, perPeriodFields, "limits.per_period"); err != nil {
					return err
				}
			}
		}
	}

	if rawConstraints, ok := doc["constraints"]; ok {
		if err := unknownInRaw(rawConstraints, constraintsFields, "constraints"); err != nil {
			return err
		}
		var constraints map[string]json.RawMessage
		if err := json.Unmarshal(rawConstraints, &constraints); err == nil {
			if rawTime, ok := constraints["time"]; ok {
				if err := unknownInRaw(rawTime, timeFields, "constraints.time"); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func unknownInRaw(raw json.RawMessage, known map[string]bool, path string) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil // non-object values are caught by semantic validation
	}
	return unknownIn(obj, known, path)
}

func unknownIn(obj map[string]json.RawMessage, known map[string]bool, path string) error {
	for field := range obj {
		if !known[field] {
			where := field
			if path != "" {
				where = path + "." + field
			}
			return errcode.Newf(errcode.InvalidPayload, "strict policy contains unknown field %q", where)
		}
	}
	return nil
}
