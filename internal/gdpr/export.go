package gdpr

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"encoding/xml"
	"strconv"

	"github.com/davidleathers/compliant-audit-pipeline/internal/domain/audit"
	"github.com/davidleathers/compliant-audit-pipeline/internal/domain/errors"
)

// ExportFormat selects the export rendering
type ExportFormat string

const (
	FormatJSON ExportFormat = "json"
	FormatCSV  ExportFormat = "csv"
	FormatXML  ExportFormat = "xml"
)

// internal extension keys stripped from every export
var strippedExtensionKeys = map[string]bool{
	"internalSystemId":   true,
	"debugInfo":          true,
	"performanceMetrics": true,
}

// ExportRecord is one sanitized event in a data-subject export. Crypto
// material and observability enrichment never leave the system.
type ExportRecord struct {
	XMLName            xml.Name               `json:"-" xml:"event"`
	ID                 string                 `json:"id" xml:"id"`
	Timestamp          string                 `json:"timestamp" xml:"timestamp"`
	Action             string                 `json:"action" xml:"action"`
	Status             string                 `json:"status" xml:"status"`
	PrincipalID        string                 `json:"principalId,omitempty" xml:"principalId,omitempty"`
	OrganizationID     string                 `json:"organizationId,omitempty" xml:"organizationId,omitempty"`
	TargetResourceType string                 `json:"targetResourceType,omitempty" xml:"targetResourceType,omitempty"`
	TargetResourceID   string                 `json:"targetResourceId,omitempty" xml:"targetResourceId,omitempty"`
	OutcomeDescription string                 `json:"outcomeDescription,omitempty" xml:"outcomeDescription,omitempty"`
	DataClassification string                 `json:"dataClassification" xml:"dataClassification"`
	RetentionPolicy    string                 `json:"retentionPolicy" xml:"retentionPolicy"`
	CorrelationID      string                 `json:"correlationId,omitempty" xml:"correlationId,omitempty"`
	EventVersion       string                 `json:"eventVersion" xml:"eventVersion"`
	Extensions         map[string]audit.Value `json:"extensions,omitempty" xml:"-"`
}

// sanitizeForExport strips crypto material, observability fields, and
// internal extension keys.
func sanitizeForExport(ev *audit.Event) ExportRecord {
	record := ExportRecord{
		ID:                 ev.ID,
		Timestamp:          ev.Timestamp,
		Action:             ev.Action,
		Status:             string(ev.Status),
		PrincipalID:        ev.PrincipalID,
		OrganizationID:     ev.OrganizationID,
		TargetResourceType: ev.TargetResourceType,
		TargetResourceID:   ev.TargetResourceID,
		OutcomeDescription: ev.OutcomeDescription,
		DataClassification: string(ev.DataClassification),
		RetentionPolicy:    ev.RetentionPolicy,
		CorrelationID:      ev.CorrelationID,
		EventVersion:       ev.EventVersion,
	}
	if len(ev.Extensions) > 0 {
		record.Extensions = make(map[string]audit.Value, len(ev.Extensions))
		for k, v := range ev.Extensions {
			if strippedExtensionKeys[k] {
				continue
			}
			record.Extensions[k] = v.Clone()
		}
	}
	return record
}

// Export holds a rendered data-subject export
type Export struct {
	Format  ExportFormat `json:"format"`
	Records int          `json:"records"`
	Data    []byte       `json:"-"`
}

func renderExport(records []ExportRecord, format ExportFormat) (*Export, error) {
	var (
		data []byte
		err  error
	)
	switch format {
	case FormatJSON:
		data, err = json.MarshalIndent(records, "", "  ")
	case FormatCSV:
		data, err = renderCSV(records)
	case FormatXML:
		data, err = renderXML(records)
	default:
		return nil, errors.NewValidationError("INVALID_FORMAT",
			"export format must be json, csv or xml")
	}
	if err != nil {
		return nil, errors.NewInternalError("render export").WithCause(err)
	}
	return &Export{Format: format, Records: len(records), Data: data}, nil
}

var csvHeader = []string{
	"id", "timestamp", "action", "status", "principalId", "organizationId",
	"targetResourceType", "targetResourceId", "outcomeDescription",
	"dataClassification", "retentionPolicy", "correlationId", "eventVersion",
	"extensions",
}

func renderCSV(records []ExportRecord) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write(csvHeader); err != nil {
		return nil, err
	}
	for _, r := range records {
		extensions := ""
		if len(r.Extensions) > 0 {
			raw, err := json.Marshal(r.Extensions)
			if err != nil {
				return nil, err
			}
			extensions = string(raw)
		}
		row := []string{
			r.ID, r.Timestamp, r.Action, r.Status, r.PrincipalID,
			r.OrganizationID, r.TargetResourceType, r.TargetResourceID,
			r.OutcomeDescription, r.DataClassification, r.RetentionPolicy,
			r.CorrelationID, r.EventVersion, extensions,
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

type xmlExport struct {
	XMLName xml.Name       `xml:"auditEvents"`
	Count   string         `xml:"count,attr"`
	Events  []ExportRecord `xml:"event"`
}

func renderXML(records []ExportRecord) ([]byte, error) {
	doc := xmlExport{
		Count:  strconv.Itoa(len(records)),
		Events: records,
	}
	data, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), data...), nil
}

// collectSubjectEvents streams a subject's exportable events.
// Restricted events are excluded: restriction blocks export.
func collectSubjectEvents(ctx context.Context, events audit.EventRepository, subjectID string) ([]ExportRecord, error) {
	var records []ExportRecord
	filter := audit.EventFilter{
		PrincipalIDs:      []string{subjectID},
		IncludeRestricted: false,
	}
	err := events.Stream(ctx, filter, audit.Cursor{}, 0, func(ev *audit.Event) error {
		records = append(records, sanitizeForExport(ev))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}
