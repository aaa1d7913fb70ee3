package finance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/prism/internal/capability"
	"github.com/nugget/prism/internal/facts"
)

// ReversalWindow is how long advisory actions stay undoable.
const ReversalWindow = 24 * time.Hour

var userID = capability.Param{Name: "user_id", Description: "Taxpayer id; always in[\"user_id\"]"}

// Register adds the whole catalogue to reg.
func (b *Books) Register(reg *capability.Registry) error {
	for _, d := range b.Descriptors() {
		if err := reg.Register(d); err != nil {
			return err
		}
	}
	return nil
}

// Descriptors returns the catalogue, observational tier first.
func (b *Books) Descriptors() []capability.Descriptor {
	return []capability.Descriptor{
		// Tier 1
		{
			Name:        "calculate_ytd",
			Tier:        capability.TierObservational,
			Params:      []capability.Param{userID},
			Description: "Year-to-date revenue, expenses, vat_paid and pit_paid",
			Handler:     b.calculateYTD,
		},
		{
			Name:        "get_thresholds",
			Tier:        capability.TierObservational,
			Params:      []capability.Param{userID},
			Description: "Registration and reporting thresholds (vat_threshold, pit_threshold, withholding_threshold)",
			Handler:     b.getThresholds,
		},
		{
			Name:        "query_tax_law",
			Tier:        capability.TierObservational,
			Params:      []capability.Param{{Name: "question"}},
			Description: "Short answer to a tax law question",
			Handler:     b.queryTaxLaw,
		},
		{
			Name:        "get_active_facts",
			Tier:        capability.TierObservational,
			Params:      []capability.Param{userID, {Name: "layer", Optional: true, Description: "project, area, resource or archive"}},
			Description: "Current facts about the taxpayer, optionally for one layer",
			Handler:     b.getActiveFacts,
		},

		// Tier 2
		{
			Name: "store_atomic_fact",
			Tier: capability.TierAdvisory,
			Params: []capability.Param{
				userID, {Name: "layer"}, {Name: "entity_name"}, {Name: "fact_content"},
				{Name: "confidence", Optional: true, Default: 1.0},
			},
			Description:    "Remember a fact; replaces the active fact for the same layer and entity",
			Handler:        b.storeAtomicFact,
			ReversalWindow: ReversalWindow,
			Revert:         b.revertFact,
		},
		{
			Name:           "create_optimization_hint",
			Tier:           capability.TierAdvisory,
			Params:         []capability.Param{userID, {Name: "hint_type"}, {Name: "details"}},
			Description:    "Leave a tax optimization suggestion for the taxpayer",
			Handler:        b.createHint,
			ReversalWindow: ReversalWindow,
			Revert:         b.revertHint,
		},
		{
			Name:           "auto_tag_transaction",
			Tier:           capability.TierAdvisory,
			Params:         []capability.Param{userID, {Name: "transaction_id"}, {Name: "suggested_category"}},
			Description:    "Tag a transaction with a suggested category",
			Handler:        b.autoTag,
			ReversalWindow: ReversalWindow,
			Revert:         b.revertTag,
		},

		// Tier 3
		{
			Name: "reclassify_transaction",
			Tier: capability.TierActive,
			Params: []capability.Param{
				userID, {Name: "transaction_id"}, {Name: "new_category"},
				{Name: "reason", Optional: true, Default: ""},
			},
			Description: "Move a transaction to another category",
			OnApproved:  b.reclassify,
		},
		{
			Name:        "create_project_draft",
			Tier:        capability.TierActive,
			Params:      []capability.Param{userID, {Name: "project_name"}, {Name: "estimated_revenue"}},
			Description: "Open a draft project with a revenue estimate",
			OnApproved:  b.createProjectDraft,
		},

		// Tier 4: applied by the secure channel, which hands back a receipt.
		{
			Name:        "file_vat_registration",
			Tier:        capability.TierCritical,
			Params:      []capability.Param{userID, {Name: "business_details"}},
			Description: "Register the business for VAT",
		},
		{
			Name:        "submit_tax_return",
			Tier:        capability.TierCritical,
			Params:      []capability.Param{userID, {Name: "year"}, {Name: "return_data"}},
			Description: "File the annual tax return",
		},
	}
}

func (b *Books) calculateYTD(ctx context.Context, inv capability.Invocation) (any, error) {
	if err := checkSubject(inv); err != nil {
		return nil, err
	}
	return b.YTD(ctx, inv.Subject)
}

func (b *Books) getThresholds(_ context.Context, inv capability.Invocation) (any, error) {
	if err := checkSubject(inv); err != nil {
		return nil, err
	}
	return map[string]any{
		"vat_threshold":         b.thresholds.VATThreshold,
		"pit_threshold":         b.thresholds.PITThreshold,
		"withholding_threshold": b.thresholds.WithholdingThreshold,
	}, nil
}

func (b *Books) queryTaxLaw(ctx context.Context, inv capability.Invocation) (any, error) {
	question, err := argString(inv, 0, "question")
	if err != nil {
		return nil, err
	}
	if b.law == nil {
		return nil, errors.New("tax law index is not configured")
	}
	return b.law.Answer(ctx, question)
}

func (b *Books) getActiveFacts(ctx context.Context, inv capability.Invocation) (any, error) {
	if err := checkSubject(inv); err != nil {
		return nil, err
	}
	layerName, err := optString(inv, 1, "layer")
	if err != nil {
		return nil, err
	}
	var layer facts.Layer
	if layerName != "" {
		if layer, err = facts.ParseLayer(layerName); err != nil {
			return nil, err
		}
	}
	found, err := b.facts.GetActiveFacts(ctx, inv.Subject, layer, 0)
	if err != nil {
		return nil, err
	}
	return facts.Summaries(found), nil
}

func (b *Books) storeAtomicFact(ctx context.Context, inv capability.Invocation) (any, error) {
	if err := checkSubject(inv); err != nil {
		return nil, err
	}
	layerName, err := argString(inv, 1, "layer")
	if err != nil {
		return nil, err
	}
	layer, err := facts.ParseLayer(layerName)
	if err != nil {
		return nil, err
	}
	entity, err := argString(inv, 2, "entity_name")
	if err != nil {
		return nil, err
	}
	content, err := json.Marshal(inv.Arg(3))
	if err != nil {
		return nil, fmt.Errorf("fact_content: %w", err)
	}
	confidence, err := argFloat(inv, 4, "confidence")
	if err != nil {
		return nil, err
	}

	id, err := b.facts.StoreFact(ctx, facts.Fact{
		Subject:    inv.Subject,
		Layer:      layer,
		EntityName: entity,
		Content:    content,
		Confidence: confidence,
		Source:     "cycle:" + inv.CycleID,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"fact_id": id.String(), "layer": string(layer), "entity_name": entity}, nil
}

func (b *Books) revertFact(ctx context.Context, r capability.Reversal) error {
	raw, err := resultString(r.Result, "fact_id")
	if err != nil {
		return err
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return fmt.Errorf("fact_id: %w", err)
	}
	return b.facts.Revert(ctx, id)
}

func (b *Books) createHint(ctx context.Context, inv capability.Invocation) (any, error) {
	if err := checkSubject(inv); err != nil {
		return nil, err
	}
	hintType, err := argString(inv, 1, "hint_type")
	if err != nil {
		return nil, err
	}
	details, err := argMap(inv, 2, "details")
	if err != nil {
		return nil, err
	}
	h, err := b.addHint(ctx, inv.Subject, hintType, details)
	if err != nil {
		return nil, err
	}
	return map[string]any{"hint_id": h.ID, "hint_type": h.Type}, nil
}

func (b *Books) revertHint(ctx context.Context, r capability.Reversal) error {
	id, err := resultString(r.Result, "hint_id")
	if err != nil {
		return err
	}
	return b.state.Delete(ctx, nsHints, id)
}

func (b *Books) autoTag(ctx context.Context, inv capability.Invocation) (any, error) {
	if err := checkSubject(inv); err != nil {
		return nil, err
	}
	txID, err := argString(inv, 1, "transaction_id")
	if err != nil {
		return nil, err
	}
	category, err := argString(inv, 2, "suggested_category")
	if err != nil {
		return nil, err
	}
	prev, err := b.setTag(ctx, inv.Subject, txID, category)
	if err != nil {
		return nil, err
	}
	return map[string]any{"transaction_id": txID, "tag": category, "previous_tag": prev}, nil
}

// revertTag restores the previous tag unless the transaction was
// retagged since.
func (b *Books) revertTag(ctx context.Context, r capability.Reversal) error {
	txID, err := resultString(r.Result, "transaction_id")
	if err != nil {
		return err
	}
	tag, err := resultString(r.Result, "tag")
	if err != nil {
		return err
	}
	prev, err := resultString(r.Result, "previous_tag")
	if err != nil {
		return err
	}

	tx, err := b.Transaction(ctx, r.Subject, txID)
	if err != nil {
		return err
	}
	if tx.Tag != tag {
		return fmt.Errorf("transaction %s was retagged to %q since", txID, tx.Tag)
	}
	_, err = b.setTag(ctx, r.Subject, txID, prev)
	return err
}

func (b *Books) reclassify(ctx context.Context, inv capability.Invocation) (any, error) {
	if err := checkSubject(inv); err != nil {
		return nil, err
	}
	txID, err := argString(inv, 1, "transaction_id")
	if err != nil {
		return nil, err
	}
	category, err := argString(inv, 2, "new_category")
	if err != nil {
		return nil, err
	}
	reason, err := optString(inv, 3, "reason")
	if err != nil {
		return nil, err
	}
	prev, err := b.setCategory(ctx, inv.Subject, txID, category)
	if err != nil {
		return nil, err
	}
	b.logger.Info("transaction reclassified",
		"subject", inv.Subject,
		"transaction_id", txID,
		"from", prev,
		"to", category,
		"reason", reason,
	)
	return map[string]any{
		"transaction_id":    txID,
		"category":          category,
		"previous_category": prev,
	}, nil
}

func (b *Books) createProjectDraft(ctx context.Context, inv capability.Invocation) (any, error) {
	if err := checkSubject(inv); err != nil {
		return nil, err
	}
	name, err := argString(inv, 1, "project_name")
	if err != nil {
		return nil, err
	}
	revenue, err := argFloat(inv, 2, "estimated_revenue")
	if err != nil {
		return nil, err
	}
	p, err := b.addProject(ctx, inv.Subject, name, revenue)
	if err != nil {
		return nil, err
	}
	return map[string]any{"project_id": p.ID, "project_name": p.Name, "fact_id": p.FactID}, nil
}
