package domain

import (
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// Decision is the decision engine's output for one tick of one strategy
// instance. Rule names the transition rule that produced it, Reasoning is
// free text for the audit trail. RiskOverride marks decisions that bypass
// normal batching and execute immediately.
type Decision struct {
	Action          Action
	Reasoning       string
	Rule            string
	TargetPositions map[Asset]decimal.Decimal
	Instructions    []Instruction
	RiskOverride    bool
	Priority        Priority
}

// Maintain builds the default no-op decision.
func Maintain(reasoning string) Decision {
	return Decision{
		Action:    ActionMaintain,
		Reasoning: reasoning,
		Rule:      "default",
		Priority:  PriorityLow,
	}
}

// Validate validates the decision.
func (d *Decision) Validate() error {
	if err := d.validateRequiredFields(); err != nil {
		return errors.Wrap(err, "missing required fields")
	}

	if err := d.validateInstructions(); err != nil {
		return err
	}

	if d.RiskOverride && d.Priority != PriorityCritical {
		return errors.New("risk override requires critical priority")
	}

	return nil
}

func (d *Decision) validateRequiredFields() error {
	if d.Reasoning == "" {
		return errors.New("reasoning field is required")
	}
	if d.Rule == "" {
		return errors.New("rule field is required")
	}
	return nil
}

// A decision carries instructions exactly when it is not Maintain.
func (d *Decision) validateInstructions() error {
	if d.Action == ActionMaintain && len(d.Instructions) != 0 {
		return errors.Errorf("maintain decision carries %d instructions", len(d.Instructions))
	}
	if d.Action != ActionMaintain && len(d.Instructions) == 0 {
		return errors.Errorf("%s decision carries no instructions", d.Action)
	}

	for i := range d.Instructions {
		if err := d.Instructions[i].Validate(); err != nil {
			return errors.Wrapf(err, "instruction %d", i)
		}
	}

	return nil
}
