package validation

import (
	"fmt"
	"strings"

	"github.com/davidleathers/compliant-audit-pipeline/internal/domain/audit"
)

// dataSubjectRightsActions require an identified data subject
var dataSubjectRightsActions = map[string]bool{
	"data.export":      true,
	"data.delete":      true,
	"data.rectify":     true,
	"data.access":      true,
	"consent.withdraw": true,
}

// applyHIPAA enforces the PHI invariants: PHI events carry a session
// context, and events naming a PHI resource type are classified PHI.
func (v *Validator) applyHIPAA(ev *audit.Event, res *Result) {
	if ev.DataClassification == audit.ClassificationPHI && ev.SessionContext == nil {
		res.fail("sessionContext", "PHI_SESSION_REQUIRED",
			"HIPAA requires session context on PHI events")
	}

	if ev.TargetResourceType != "" && v.isPHIResource(ev.TargetResourceType) &&
		ev.DataClassification != audit.ClassificationPHI {
		res.fail("dataClassification", "PHI_CLASSIFICATION_REQUIRED",
			fmt.Sprintf("resource type %q requires PHI classification", ev.TargetResourceType))
	}
}

// applyGDPR requires a legal basis for personal-data actions and a data
// subject for rights actions.
func (v *Validator) applyGDPR(ev *audit.Event, res *Result) {
	gdprCtx := extensionMap(ev, "gdprContext")

	if v.isPersonalDataAction(ev.Action) {
		if stringField(gdprCtx, "legalBasis") == "" {
			res.fail("extensions.gdprContext.legalBasis", "LEGAL_BASIS_REQUIRED",
				fmt.Sprintf("action %q processes personal data and requires a legal basis", ev.Action))
		}
	}

	if dataSubjectRightsActions[ev.Action] {
		if stringField(gdprCtx, "dataSubjectId") == "" {
			res.fail("extensions.gdprContext.dataSubjectId", "DATA_SUBJECT_REQUIRED",
				fmt.Sprintf("data-subject-rights action %q requires a data subject id", ev.Action))
		}
	}
}

func (v *Validator) isPHIResource(resourceType string) bool {
	for _, t := range v.cfg.PHIResourceTypes {
		if strings.EqualFold(t, resourceType) {
			return true
		}
	}
	return false
}

func (v *Validator) isPersonalDataAction(action string) bool {
	for _, prefix := range v.cfg.PersonalDataActions {
		if strings.HasPrefix(action, prefix) {
			return true
		}
	}
	return false
}

func extensionMap(ev *audit.Event, key string) map[string]audit.Value {
	if ev.Extensions == nil {
		return nil
	}
	v, ok := ev.Extensions[key]
	if !ok || v.Kind() != audit.KindMap {
		return nil
	}
	return v.MapValue()
}

func stringField(m map[string]audit.Value, key string) string {
	if m == nil {
		return ""
	}
	v, ok := m[key]
	if !ok || v.Kind() != audit.KindString {
		return ""
	}
	return v.StringValue()
}
